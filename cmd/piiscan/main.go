package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eargollo/piiscan/internal/config"
	"github.com/eargollo/piiscan/internal/db"
	"github.com/eargollo/piiscan/internal/detect"
	"github.com/eargollo/piiscan/internal/detect/onnx"
	"github.com/eargollo/piiscan/internal/extract"
	"github.com/eargollo/piiscan/internal/ledger"
	"github.com/eargollo/piiscan/internal/scan"
)

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(int(code))
}

// exitError carries an exit code out of a cobra RunE.
type exitError struct {
	code scan.Code
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func fail(code scan.Code, err error) error { return &exitError{code: code, err: err} }

type options struct {
	configPath string
	scanType   string
	noColor    bool
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) scan.Code {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stderr)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return scan.CodeClean
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "piiscan: %v\n", ee.err)
		}
		return ee.code
	}
	// Flag parsing and other cobra errors.
	fmt.Fprintf(stderr, "piiscan: %v\n", err)
	return scan.CodeOther
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "piiscan <path>",
		Short: "Scan files restored from a backup image for personal data",
		Long: `piiscan extracts text from documents, spreadsheets, presentations, PDFs,
plain text and image metadata, runs an entity recognizer over it and reports
whether personal data was found.

Every scanned path produces one line on stdout:
  PII_DETECTED: ...   CLEAN: ...   SCAN_ERROR: ...
and the exit code is 1 when any file holds PII.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fail(scan.CodeMissingPath, scan.ErrMissingPath)
			}
			return scanPaths(cmd.Context(), opts, args, cmd.Flags().Changed("scan-type"), stdout, stderr)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to config file")
	cmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored console output")
	cmd.Flags().StringVar(&opts.scanType, "scan-type", config.ScanTypeFull, "scan mode: lite or full")

	cmd.AddCommand(newServeCmd(opts, stderr))
	return cmd
}

// scanPaths is the one-shot scan: load config, open the ledger, load the
// detector, scan, and map the run to an exit code.
func scanPaths(ctx context.Context, opts *options, paths []string, scanTypeSet bool, stdout, stderr io.Writer) error {
	if scanTypeSet && !config.ValidScanType(opts.scanType) {
		return fail(scan.CodeInvalidScanType, fmt.Errorf("%w: %q (use lite or full)", scan.ErrInvalidScanType, opts.scanType))
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fail(scan.CodeOther, err)
	}
	scanType := cfg.ScanType
	if scanTypeSet {
		scanType = opts.scanType
	}

	closeLog, err := setupLogging(cfg, stderr)
	if err != nil {
		return fail(scan.CodeOther, err)
	}
	defer closeLog()

	l, closeDB, err := openLedger(cfg)
	if err != nil {
		return fail(scan.CodeStorage, err)
	}
	defer closeDB()

	det, err := newDetector(cfg)
	if err != nil {
		return fail(scan.CodeOf(err), err)
	}
	defer det.Close()

	console := scan.NewConsole(stderr, opts.noColor)
	orch, err := scan.NewOrchestrator(l, det, extract.NewRegistry(), stdout, console, scan.OptionsFromConfig(cfg))
	if err != nil {
		return fail(scan.CodeOther, err)
	}

	sum, err := orch.Run(ctx, paths, scanType, "cli", &scan.Progress{})
	if err != nil {
		return fail(scan.CodeOf(err), err)
	}
	if sum.ExitCode != scan.CodeClean {
		return fail(sum.ExitCode, nil)
	}
	return nil
}

// setupLogging installs the slog default handler at the configured level,
// writing to log_file when set. The returned func closes the file.
func setupLogging(cfg *config.Config, stderr io.Writer) (func(), error) {
	w, closeFn := stderr, func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %q: %w", cfg.LogFile, err)
		}
		w, closeFn = f, func() { f.Close() }
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	return closeFn, nil
}

func openLedger(cfg *config.Config) (*ledger.Ledger, func(), error) {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := db.RunMigrations(database); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	return ledger.New(database), func() { database.Close() }, nil
}

// newDetector loads the configured backend once for the whole process.
func newDetector(cfg *config.Config) (detect.Detector, error) {
	if cfg.Detector.Backend == config.BackendRegex {
		slog.Info("detector loaded", "backend", config.BackendRegex)
		return detect.NewRegexDetector(), nil
	}
	d, err := onnx.Load(onnx.Options{
		ModelDir:      cfg.Detector.ModelDir,
		TokenizerDir:  cfg.Detector.TokenizerDir,
		SeqLen:        cfg.Detector.SeqLen,
		Workers:       cfg.Detector.Workers,
		IntraThreads:  cfg.Detector.IntraThreads,
		Aliases:       cfg.Detector.LabelAliases,
		MinConfidence: cfg.Detector.MinConfidence,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("detector loaded", "backend", config.BackendONNX, "model_dir", cfg.Detector.ModelDir)
	return d, nil
}

// parseLogLevel converts a config string ("debug", "info", "warn", "error")
// to its slog.Level equivalent. Unknown values default to Info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
