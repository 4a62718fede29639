package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/eargollo/piiscan/internal/api"
	"github.com/eargollo/piiscan/internal/config"
	"github.com/eargollo/piiscan/internal/extract"
	"github.com/eargollo/piiscan/internal/scan"
	"github.com/eargollo/piiscan/internal/scheduler"
)

func newServeCmd(opts *options, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scan scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts, stderr)
		},
	}
}

func serve(ctx context.Context, opts *options, stderr io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fail(scan.CodeOther, err)
	}
	closeLog, err := setupLogging(cfg, stderr)
	if err != nil {
		return fail(scan.CodeOther, err)
	}
	defer closeLog()

	slog.Info("piiscan starting",
		"version", version,
		"log_level", cfg.LogLevel,
		"http_addr", cfg.Serve.HTTPAddr,
		"db_path", cfg.DBPath,
		"scan_paths", cfg.Serve.ScanPaths)

	l, closeDB, err := openLedger(cfg)
	if err != nil {
		return fail(scan.CodeStorage, err)
	}
	defer closeDB()

	// Runs left 'running' by a crashed process are failed.
	if err := l.MarkStaleRunsFailed(ctx); err != nil {
		slog.Warn("mark stale runs", "error", err)
	}

	det, err := newDetector(cfg)
	if err != nil {
		return fail(scan.CodeOf(err), err)
	}
	defer det.Close()

	// Verdict lines are for the one-shot CLI; serve mode keeps them in the
	// ledger and the API only.
	orch, err := scan.NewOrchestrator(l, det, extract.NewRegistry(), io.Discard, nil, scan.OptionsFromConfig(cfg))
	if err != nil {
		return fail(scan.CodeOther, err)
	}
	mgr := scan.NewManager(orch, l, cfg.Serve.ScanPaths)

	sched := scheduler.New()
	if !cfg.Serve.ScanPaused && cfg.Serve.Schedule != "" {
		err := sched.SetJob(cfg.Serve.Schedule, func() error {
			slog.Info("scheduled scan triggered")
			_, err := mgr.Start(ctx, "schedule", cfg.ScanType)
			return err
		})
		if err != nil {
			return fail(scan.CodeOther, fmt.Errorf("serve.schedule: %w", err))
		}
	}
	sched.Start()
	defer sched.Stop()

	srv := api.New(ctx, cfg, l, mgr, sched, version)
	if err := srv.Run(ctx); err != nil {
		return fail(scan.CodeOther, fmt.Errorf("server: %w", err))
	}
	mgr.Wait()
	slog.Info("piiscan stopped")
	return nil
}
