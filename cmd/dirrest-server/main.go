// dirrest-server: HTTP directory service
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	dirrest "github.com/agilira/go-dirrest"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "dirrest-server",
		Short: "REST service exposing directory entities through feature plugins",
		Long: `dirrest-server serves directory (LDAP) entities - users, groups,
organizations - over a REST surface composed from independent feature
plugins, with an optional threat-intelligence ban gate in front.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (json or yaml)")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	config, err := dirrest.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(config.Quiet)

	directory := dirrest.NewDirectoryClient(config.Directory, logger)
	cache := dirrest.NewFabric(config.Cache)
	sc := dirrest.NewServiceContext(config, directory, cache, logger)

	host := dirrest.NewHost(sc)
	// Gate first: middleware must be in place before any routed plugin.
	plugins := []dirrest.Plugin{
		dirrest.NewBanGate(),
		dirrest.UsersPlugin(),
		dirrest.GroupsPlugin(),
		dirrest.OrganizationsPlugin(),
	}
	for _, p := range plugins {
		if err := host.Register(p); err != nil {
			return err
		}
	}

	handler, err := host.Start()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := directory.Ping(ctx); err != nil {
		return err
	}

	cache.StartSweeper(ctx, logger)

	if configPath != "" {
		watcher, err := dirrest.WatchConfig(configPath, logger, func(next *dirrest.Config) {
			// Only the cache limits are safe to retune in place; everything
			// else needs a restart to take effect.
			cache.Tune(next.Cache)
		})
		if err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
	}

	server := &http.Server{
		Addr:         config.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  config.HTTP.ReadTimeout,
		WriteTimeout: config.HTTP.WriteTimeout,
		IdleTimeout:  config.HTTP.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", config.HTTP.Addr, "plugins", host.PluginNames())
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildLogger(quiet bool) dirrest.Logger {
	if quiet {
		return dirrest.NewNoOpLogger()
	}
	return dirrest.NewSlogAdapter(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}
