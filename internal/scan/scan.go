package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eargollo/piiscan/internal/chunk"
	"github.com/eargollo/piiscan/internal/config"
	"github.com/eargollo/piiscan/internal/detect"
	"github.com/eargollo/piiscan/internal/extract"
	"github.com/eargollo/piiscan/internal/ledger"
)

// Target is one file to scan.
type Target struct {
	Path     string
	Size     int64
	ModTime  time.Time
	ScanType string
	// Walked is set for files found by a directory walk; unsupported walked
	// files are skipped instead of failing.
	Walked bool
}

// Options tunes an Orchestrator. It is read once at construction.
type Options struct {
	Basic          detect.LabelSet
	Extended       detect.LabelSet
	MaxChunkLength int
	LiteScanLimit  int64
	Workers        int // concurrent chunk detections
	Walkers        int
	ExcludePaths   []string
	Retry          detect.RetryPolicy
}

// OptionsFromConfig maps the loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Basic:          detect.NewLabelSet(cfg.Labels.Basic...),
		Extended:       detect.NewLabelSet(cfg.Labels.Extended...),
		MaxChunkLength: cfg.MaxChunkLength,
		LiteScanLimit:  cfg.LiteScanLimit,
		Workers:        cfg.Detector.Workers,
		Walkers:        cfg.Walkers,
		ExcludePaths:   cfg.ExcludePaths,
		Retry:          detect.DefaultRetryPolicy(cfg.Detector.RetryBackoff, cfg.Detector.Timeout),
	}
}

// Orchestrator runs the per-file pipeline: format detection, checksum,
// ledger lookup, extraction, chunking, detection, aggregation and record.
// The detector and ledger are shared; verdict lines go to out.
type Orchestrator struct {
	ledger   *ledger.Ledger
	detector detect.Detector
	registry *extract.Registry
	chunker  *chunk.Chunker
	opts     Options
	excludes excludeSet

	outMu   sync.Mutex
	out     io.Writer
	console *Console
}

// NewOrchestrator wires the pipeline. console may be nil.
func NewOrchestrator(l *ledger.Ledger, d detect.Detector, reg *extract.Registry, out io.Writer, console *Console, opts Options) (*Orchestrator, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Walkers < 1 {
		opts.Walkers = 1
	}
	if !opts.Extended.IsSupersetOf(opts.Basic) {
		return nil, errors.New("extended labels must contain every basic label")
	}
	ch, err := chunk.New(d.Tokenizer(), opts.MaxChunkLength)
	if err != nil {
		return nil, fmt.Errorf("chunker: %w", err)
	}
	excludes := newExcludeSet(opts.ExcludePaths)
	if out == nil {
		out = io.Discard
	}
	return &Orchestrator{
		ledger:   l,
		detector: d,
		registry: reg,
		chunker:  ch,
		opts:     opts,
		excludes: excludes,
		out:      out,
		console:  console,
	}, nil
}

// Summary is the outcome of a run.
type Summary struct {
	RunID    int64
	Status   string
	ExitCode Code
	Counters ledger.RunCounters
}

// Run is the standalone entry point: creates a scan_runs row, scans every
// root and returns the run summary.
func (o *Orchestrator) Run(ctx context.Context, roots []string, scanType, triggeredBy string, progress *Progress) (Summary, error) {
	if len(roots) == 0 {
		return Summary{ExitCode: CodeMissingPath}, ErrMissingPath
	}
	if !config.ValidScanType(scanType) {
		return Summary{ExitCode: CodeInvalidScanType}, fmt.Errorf("%w: %q", ErrInvalidScanType, scanType)
	}
	startedAt := time.Now()
	runID, err := o.ledger.StartRun(ctx, startedAt, triggeredBy, scanType)
	if err != nil {
		return Summary{ExitCode: CodeStorage}, newError(CodeStorage, StageLedger, "", err)
	}
	return o.execute(ctx, runID, roots, scanType, startedAt, progress), nil
}

// execute runs a scan for an already-created scan_runs row.
func (o *Orchestrator) execute(ctx context.Context, runID int64, roots []string, scanType string, startedAt time.Time, progress *Progress) Summary {
	slog.Info("scan started", "id", runID, "scan_type", scanType, "roots", len(roots))

	exit := &exitTracker{}
	reporterStop := make(chan struct{})
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		progressReporter(ctx, o.ledger, runID, progress, reporterStop)
	}()

	for _, root := range roots {
		if ctx.Err() != nil {
			break
		}
		o.scanRoot(ctx, runID, root, scanType, progress, exit)
	}
	close(reporterStop)
	<-reporterDone

	status := ledger.RunCompleted
	if ctx.Err() != nil {
		status = ledger.RunCancelled
	}
	code := exit.Code()
	if exit.pii {
		o.println("PII data potentially exposed")
	}

	finishedAt := time.Now()
	counters := progress.Snapshot()
	// The run row is closed even when the scan context was cancelled.
	if err := o.ledger.FinishRun(context.WithoutCancel(ctx), runID, status, int(code), startedAt, finishedAt, counters); err != nil {
		slog.Error("finalise scan run", "id", runID, "error", err)
	}
	o.console.Summary(counters, finishedAt.Sub(startedAt))

	slog.Info("scan finished", "id", runID, "status", status, "exit_code", int(code),
		"files_discovered", counters.FilesDiscovered, "pii_files", counters.PIIFiles)

	return Summary{RunID: runID, Status: status, ExitCode: code, Counters: counters}
}

// scanRoot scans one named path: a regular file directly, a directory by
// walking it.
func (o *Orchestrator) scanRoot(ctx context.Context, runID int64, root, scanType string, progress *Progress, exit *exitTracker) {
	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		code := CodeOther
		if errors.Is(err, fs.ErrNotExist) {
			code = CodeNotFound
		}
		o.finishFile(ctx, runID, Result{
			Target: Target{Path: root, ScanType: scanType},
			Err:    newError(code, StageStat, root, err),
		}, progress, exit)
		return
	}

	if !info.IsDir() {
		progress.FilesDiscovered.Add(1)
		t := Target{Path: root, Size: info.Size(), ModTime: info.ModTime(), ScanType: scanType}
		o.finishFile(ctx, runID, o.ScanFile(ctx, runID, t), progress, exit)
		return
	}

	report := func(path, stage string, err error) {
		o.finishFile(ctx, runID, Result{
			Target: Target{Path: path, ScanType: scanType},
			Err:    newError(CodeOf(err), stage, path, err),
		}, progress, exit)
	}

	targets := make(chan Target, 256)
	walkCtx, stopWalk := context.WithCancel(ctx)
	defer stopWalk()
	w := &walker{workers: o.opts.Walkers, excludes: o.excludes, progress: progress, report: report}
	go w.walk(walkCtx, root, scanType, targets)

	for t := range targets {
		if ctx.Err() != nil {
			stopWalk()
			continue // drain so walkers are not blocked on sends
		}
		progress.FilesDiscovered.Add(1)
		res := o.ScanFile(ctx, runID, t)
		if res.Skipped {
			progress.FilesSkipped.Add(1)
			slog.Debug("skipping unsupported file", "path", t.Path)
			continue
		}
		o.finishFile(ctx, runID, res, progress, exit)
	}
}

// finishFile emits the verdict line and folds the result into the counters
// and the run exit code.
func (o *Orchestrator) finishFile(ctx context.Context, runID int64, res Result, progress *Progress, exit *exitTracker) {
	o.println(res.Line())
	o.console.File(res)
	exit.Add(res.Code())

	progress.BytesRead.Add(res.BytesRead)
	progress.ChunksDetected.Add(int64(res.ChunksDetected))
	if res.Err == nil && !res.Cached {
		progress.FilesScanned.Add(1)
	}

	switch {
	case res.Err != nil:
		progress.Errors.Add(1)
		slog.Warn("scan error", "path", res.Target.Path, "stage", res.Err.Stage,
			"code", int(res.Err.Code), "error", res.Err.Err)
		o.recordError(ctx, runID, res.Target.Path, res.Err.Stage, res.Err.Code, res.Err.Err)
	case res.Record != nil && res.Record.HasPII():
		progress.PIIFiles.Add(1)
	}
	if res.Cached {
		progress.LedgerHits.Add(1)
	}
}

func (o *Orchestrator) recordError(ctx context.Context, runID int64, path, stage string, code Code, err error) {
	if runID == 0 {
		return
	}
	if rerr := o.ledger.RecordError(context.WithoutCancel(ctx), runID, path, stage, int(code), err.Error()); rerr != nil {
		slog.Warn("record scan error", "path", path, "error", rerr)
	}
}

func (o *Orchestrator) println(line string) {
	o.outMu.Lock()
	defer o.outMu.Unlock()
	fmt.Fprintln(o.out, line)
}

// labelsFor returns the label set of a scan type.
func (o *Orchestrator) labelsFor(scanType string) detect.LabelSet {
	if scanType == config.ScanTypeLite {
		return o.opts.Basic
	}
	return o.opts.Extended
}

// ScanFile runs the per-file state machine for t. Work inside a file is not
// interrupted by ctx cancellation; callers check ctx between files.
// runID is used to attach downgraded chunk failures to a run (0 = none).
func (o *Orchestrator) ScanFile(ctx context.Context, runID int64, t Target) Result {
	ctx = context.WithoutCancel(ctx)
	res := Result{Target: t}

	ex, err := o.registry.Detect(t.Path)
	if err != nil {
		switch {
		case errors.Is(err, extract.ErrUnsupportedFormat) && t.Walked:
			res.Skipped = true
		case errors.Is(err, extract.ErrUnsupportedFormat):
			res.Err = newError(CodeUnsupported, StageDetect, t.Path, err)
		case errors.Is(err, fs.ErrNotExist):
			res.Err = newError(CodeNotFound, StageDetect, t.Path, err)
		default:
			res.Err = newError(CodeChecksum, StageDetect, t.Path, err)
		}
		return res
	}

	// Raw-prefix formats are bounded before decoding in lite mode, so only
	// that prefix can influence the result. Containers hash the whole file.
	var rawLimit, textLimit int64
	if t.ScanType == config.ScanTypeLite {
		textLimit = o.opts.LiteScanLimit
		if ex.RawPrefix() {
			rawLimit = o.opts.LiteScanLimit
		}
	}

	sum, n, err := Checksum(t.Path, rawLimit)
	if err != nil {
		code := CodeChecksum
		if errors.Is(err, fs.ErrNotExist) {
			code = CodeNotFound
		}
		res.Err = newError(code, StageChecksum, t.Path, err)
		return res
	}
	res.BytesRead = n

	prev, err := o.ledger.Lookup(ctx, sum, t.ScanType)
	if err != nil {
		res.Err = newError(CodeStorage, StageLedger, t.Path, err)
		return res
	}
	if prev != nil {
		res.Record, res.Cached, res.Partial = prev, true, prev.Partial
		return res
	}

	text, err := ex.Extract(t.Path, textLimit)
	if err != nil {
		res.Err = newError(CodeExtraction, StageExtract, t.Path, err)
		return res
	}

	ents, partial, serr := o.detectAll(ctx, runID, t.Path, text, o.labelsFor(t.ScanType))
	res.Partial = partial
	res.ChunksDetected = serr.detected
	if serr.err != nil {
		res.Err = serr.err
		return res
	}

	rec, err := o.ledger.Record(ctx, ledger.ScanRecord{
		FilePath:     t.Path,
		ScanTime:     time.Now().UTC(),
		FileSize:     t.Size,
		FileModified: t.ModTime.UTC(),
		FileChecksum: sum,
		ScanType:     t.ScanType,
		Partial:      partial,
		Entities:     ents,
	})
	if err != nil {
		res.Err = newError(CodeStorage, StageRecord, t.Path, err)
		return res
	}
	// A concurrent writer may have stored the content first; its verdict wins.
	res.Record, res.Partial = &rec, rec.Partial
	return res
}

type detectOutcome struct {
	detected int
	err      *Error
}

// detectAll chunks text and runs detection over the chunks on a bounded
// pool. A chunk that still fails after its retry contributes no entities;
// if every chunk fails the file is a detection error.
func (o *Orchestrator) detectAll(ctx context.Context, runID int64, path, text string, labels detect.LabelSet) ([]detect.Entity, bool, detectOutcome) {
	var (
		mu       sync.Mutex
		chunks   []chunk.TextChunk
		results  = map[int][]detect.Entity{}
		failed   int
		partial  bool
		chunkErr error
		lastErr  error
	)

	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	for c, err := range o.chunker.Chunks(text) {
		if err != nil {
			chunkErr = err
			break
		}
		if c.Truncated {
			partial = true
		}
		chunks = append(chunks, c)
		g.Go(func() error {
			ents, err := detect.DetectWithRetry(ctx, o.detector, c, labels, o.opts.Retry)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				lastErr = err
				slog.Warn("chunk detection failed, treating as no entities",
					"path", path, "chunk", c.Index, "error", err)
				o.recordError(ctx, runID, path, StageEntities, CodeDetection, fmt.Errorf("chunk %d: %w", c.Index, err))
				return nil
			}
			results[c.Index] = ents
			return nil
		})
	}
	_ = g.Wait()

	out := detectOutcome{detected: len(chunks) - failed}
	if chunkErr != nil {
		out.err = newError(CodeChunking, StageChunk, path, chunkErr)
		return nil, partial, out
	}
	if len(chunks) > 0 && failed == len(chunks) {
		out.err = newError(CodeDetection, StageEntities, path,
			fmt.Errorf("all %d chunks failed: %w", len(chunks), lastErr))
		return nil, partial, out
	}

	perChunk := make([][]detect.Entity, len(chunks))
	for i, c := range chunks {
		perChunk[i] = results[c.Index]
	}
	return detect.Aggregate(chunks, perChunk), partial, out
}

// Result is the terminal state of one file.
type Result struct {
	Target         Target
	Record         *ledger.ScanRecord
	Cached         bool
	Partial        bool
	Skipped        bool
	BytesRead      int64
	ChunksDetected int
	Err            *Error
}

// Code is the exit-code contribution of the file.
func (r Result) Code() Code {
	switch {
	case r.Err != nil:
		return r.Err.Code
	case r.Record != nil && r.Record.HasPII():
		return CodePII
	}
	return CodeClean
}

// Line renders the machine-parsable verdict line. The path is always last
// so it may contain spaces.
func (r Result) Line() string {
	t := r.Target
	if r.Err != nil {
		return fmt.Sprintf("SCAN_ERROR: code=%d stage=%s scan_type=%s path=%s error=%s",
			int(r.Err.Code), r.Err.Stage, t.ScanType, t.Path, oneLine(r.Err.Err.Error()))
	}
	if r.Record != nil && r.Record.HasPII() {
		return fmt.Sprintf("PII_DETECTED: scan_type=%s entities=%d labels=%s cached=%t partial=%t path=%s",
			t.ScanType, len(r.Record.Entities), strings.Join(detect.DistinctLabels(r.Record.Entities), ","),
			r.Cached, r.Partial, t.Path)
	}
	return fmt.Sprintf("CLEAN: scan_type=%s cached=%t partial=%t path=%s", t.ScanType, r.Cached, r.Partial, t.Path)
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// exitTracker folds per-file codes into the run exit code: PII wins, then
// the smallest error code.
type exitTracker struct {
	mu      sync.Mutex
	pii     bool
	minErr  Code
	anyErrs bool
}

func (e *exitTracker) Add(c Code) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case c == CodePII:
		e.pii = true
	case c != CodeClean:
		if !e.anyErrs || c < e.minErr {
			e.minErr = c
		}
		e.anyErrs = true
	}
}

func (e *exitTracker) Code() Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.pii:
		return CodePII
	case e.anyErrs:
		return e.minErr
	}
	return CodeClean
}

// progressReporter writes the current counters to scan_runs every second
// until stop is closed.
func progressReporter(ctx context.Context, l *ledger.Ledger, runID int64, p *Progress, stop <-chan struct{}) {
	flush := func() {
		if err := l.UpdateRunProgress(context.WithoutCancel(ctx), runID, p.Snapshot()); err != nil {
			slog.Warn("progress reporter: update failed", "error", err)
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			flush()
		case <-stop:
			flush()
			return
		}
	}
}
