// host.go: plugin host composing feature modules into one HTTP process
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dirrest

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Host owns the static plugin registry and composes the registered plugins'
// route contributions into one router.
//
// Lifecycle: plugins are registered at process start, Start freezes the
// registry and mounts every plugin exactly once, and the registry is never
// mutated again until process shutdown. Registering a duplicate name fails
// with Conflict; registering after Start is a programming error and fails
// with Internal, because a service that accepts plugins after mounting would
// run with routes the operator never saw announced.
//
// Plugins are mounted in registration order. Order does not affect route
// dispatch (routing is tree-based), but it does decide which routes a
// gating plugin's middleware wraps, so gates register first.
//
// Registry access is serialized with a mutex; the host is safe to use from
// concurrent goroutines even though registration normally happens on one.
type Host struct {
	sc     *ServiceContext
	logger Logger

	mu      sync.Mutex
	plugins []Plugin
	names   map[string]struct{}
	frozen  bool
	handler http.Handler
}

// NewHost creates a plugin host that injects sc into every plugin.
func NewHost(sc *ServiceContext) *Host {
	return &Host{
		sc:     sc,
		logger: sc.Logger,
		names:  make(map[string]struct{}),
	}
}

// Register adds a plugin to the registry.
//
// It fails with Conflict if a plugin with the same name is already
// registered, leaving the existing registration intact, and with Internal
// once the registry is frozen by Start.
func (h *Host) Register(p Plugin) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.frozen {
		return NewInternalError("plugin registered after host start: "+p.Name(), nil)
	}
	if _, exists := h.names[p.Name()]; exists {
		return NewConflictError("plugin already registered: " + p.Name())
	}

	h.names[p.Name()] = struct{}{}
	h.plugins = append(h.plugins, p)
	return nil
}

// Start freezes the registry, mounts every registered plugin behind the
// fault boundary, and returns the composed handler.
//
// Any mount failure is fatal and aborts startup: running with a partially
// mounted plugin set is a corrupted state, and failing fast beats serving
// it. Each successful mount is logged.
func (h *Host) Start() (http.Handler, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.frozen {
		return nil, NewInternalError("host already started", nil)
	}
	h.frozen = true

	router := chi.NewRouter()
	mux := newMux(router, h.sc.Boundary)
	for _, p := range h.plugins {
		if err := p.Mount(mux, h.sc); err != nil {
			return nil, NewInternalError("mount plugin "+p.Name(), err)
		}
		h.logger.Info("Mounted plugin", "plugin", p.Name())
	}

	h.handler = router
	return router, nil
}

// Handler returns the composed handler, or nil before Start.
func (h *Host) Handler() http.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handler
}

// PluginNames returns the names of all registered plugins in registration
// order.
func (h *Host) PluginNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.plugins))
	for _, p := range h.plugins {
		names = append(names, p.Name())
	}
	return names
}
