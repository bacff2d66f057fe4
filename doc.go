// Package dirrest exposes LDAP-style directory entities (users, groups,
// organizations) through a pluggable REST service. Feature modules are
// compiled-in plugins that contribute routes to a shared router; the host
// injects a read-only service context (config, directory client, cache
// fabric, logger) into each plugin so that plugins stay independent and
// individually testable.
//
// Key Features:
//   - Static plugin registry with dependency injection and mount-time freeze
//   - Request fault boundary converting any failure into one typed JSON error
//   - Directory client with bounded-backoff connect and lazy paged search
//   - Generic TTL cache with frequency-biased eviction, shared across plugins
//   - Quota reconciliation pass with per-record failure isolation
//   - Fail-open threat-intelligence gate for IP ban decisions
//
// Basic Usage:
//
//	cfg, err := dirrest.LoadConfig("dirrest.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	directory := dirrest.NewDirectoryClient(cfg.Directory, logger)
//	cache := dirrest.NewFabric(cfg.Cache)
//	sc := dirrest.NewServiceContext(cfg, directory, cache, logger)
//
//	host := dirrest.NewHost(sc)
//	host.Register(dirrest.NewBanGate())
//	host.Register(dirrest.UsersPlugin())
//
//	handler, err := host.Start()
//	if err != nil {
//		log.Fatal(err)
//	}
//	http.ListenAndServe(cfg.HTTP.Addr, handler)
//
// Error Handling:
// Every failure that crosses the HTTP boundary is classified into a typed
// error kind with a fixed status code; raw causes are logged and never sent
// to clients. Upstream outages degrade gracefully: the threat-intelligence
// check fails open, and the quota reconciler records per-record errors
// without aborting the pass.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package dirrest
