// dirrest-quotasync: one-shot quota reconciliation job
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

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
	var (
		configPath string
		dryRun     bool
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "dirrest-quotasync",
		Short: "Reconcile mail quotas from the directory into the quota API",
		Long: `dirrest-quotasync runs one reconciliation pass: it pages through the
directory (the source of truth for quotas), compares each record against
the external quota API and applies corrective writes. Individual record
failures are counted in the summary and never abort the pass.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, dryRun, quiet)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (json or yaml)")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "report intended changes without writing")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress per-record log output")
	return cmd
}

// run exits non-zero only for setup failures. A completed pass returns nil
// even when the summary carries per-record errors; schedulers decide what
// to do with those from the printed summary.
func run(ctx context.Context, configPath string, dryRun, quiet bool) error {
	config, err := dirrest.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if config.Quota.URL == "" {
		return fmt.Errorf("config: quota.url is required")
	}
	if dryRun {
		config.Quota.DryRun = true
	}
	if quiet {
		config.Quiet = true
	}

	var logger dirrest.Logger = dirrest.NewNoOpLogger()
	if !config.Quiet {
		logger = dirrest.NewSlogAdapter(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	}

	directory := dirrest.NewDirectoryClient(config.Directory, logger)
	pages, err := directory.SearchPaged(ctx, config.Quota.Filter,
		[]string{config.Quota.IdentityAttr, config.Quota.QuotaAttr}, 0)
	if err != nil {
		return err
	}

	api := dirrest.NewQuotaClient(config.Quota)
	reconciler := dirrest.NewReconciler(api, config.Quota, logger)

	summary, err := reconciler.Run(ctx, pages)
	if err != nil {
		return err
	}

	fmt.Println(summary)
	return nil
}
