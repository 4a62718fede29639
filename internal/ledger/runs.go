package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunFailed    = "failed"
)

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("scan run not found")

// RunCounters are the progress counters persisted on a scan run.
type RunCounters struct {
	FilesDiscovered int64 `json:"files_discovered"`
	FilesScanned    int64 `json:"files_scanned"`
	FilesSkipped    int64 `json:"files_skipped"`
	LedgerHits      int64 `json:"ledger_hits"`
	PIIFiles        int64 `json:"pii_files"`
	ChunksDetected  int64 `json:"chunks_detected"`
	BytesRead       int64 `json:"bytes_read"`
	Errors          int64 `json:"errors"`
}

// Run is one row of scan_runs.
type Run struct {
	ID              int64      `json:"id"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	Status          string     `json:"status"`
	TriggeredBy     string     `json:"triggered_by"`
	ScanType        string     `json:"scan_type"`
	ExitCode        *int       `json:"exit_code"`
	DurationSeconds *int64     `json:"duration_seconds"`
	RunCounters
}

// RunError is one row of scan_errors.
type RunError struct {
	Path       string    `json:"path"`
	Stage      string    `json:"stage"`
	Code       int       `json:"code"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// StartRun inserts a running scan_runs row and returns its id.
func (l *Ledger) StartRun(ctx context.Context, startedAt time.Time, triggeredBy, scanType string) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO scan_runs (started_at, status, triggered_by, scan_type)
		VALUES (?, 'running', ?, ?)`,
		startedAt.Unix(), triggeredBy, scanType)
	if err != nil {
		return 0, fmt.Errorf("start run: %w", err)
	}
	return res.LastInsertId()
}

// UpdateRunProgress flushes live counters onto a running row.
func (l *Ledger) UpdateRunProgress(ctx context.Context, id int64, c RunCounters) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE scan_runs
		SET files_discovered = ?,
		    files_scanned    = ?,
		    files_skipped    = ?,
		    ledger_hits      = ?,
		    pii_files        = ?,
		    chunks_detected  = ?,
		    bytes_read       = ?,
		    errors           = ?
		WHERE id = ?`,
		c.FilesDiscovered, c.FilesScanned, c.FilesSkipped, c.LedgerHits,
		c.PIIFiles, c.ChunksDetected, c.BytesRead, c.Errors, id)
	if err != nil {
		return fmt.Errorf("update run %d: %w", id, err)
	}
	return nil
}

// FinishRun stores the terminal status, exit code and final counters.
func (l *Ledger) FinishRun(ctx context.Context, id int64, status string, exitCode int, startedAt, finishedAt time.Time, c RunCounters) error {
	if err := l.UpdateRunProgress(ctx, id, c); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx, `
		UPDATE scan_runs
		SET status = ?, exit_code = ?, finished_at = ?, duration_seconds = ?
		WHERE id = ?`,
		status, exitCode, finishedAt.Unix(), int64(finishedAt.Sub(startedAt).Seconds()), id)
	if err != nil {
		return fmt.Errorf("finish run %d: %w", id, err)
	}
	return nil
}

// RecordError appends a per-file error to a run.
func (l *Ledger) RecordError(ctx context.Context, runID int64, path, stage string, code int, msg string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO scan_errors (run_id, path, stage, code, error, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, path, stage, code, msg, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("record error for run %d: %w", runID, err)
	}
	return nil
}

const runColumns = `id, started_at, finished_at, status, triggered_by, scan_type,
	files_discovered, files_scanned, files_skipped, ledger_hits, pii_files,
	chunks_detected, bytes_read, errors, exit_code, duration_seconds`

func scanRun(row rowScanner) (Run, error) {
	var (
		r          Run
		startedAt  int64
		finishedAt sql.NullInt64
		exitCode   sql.NullInt64
		durSecs    sql.NullInt64
	)
	if err := row.Scan(&r.ID, &startedAt, &finishedAt, &r.Status, &r.TriggeredBy, &r.ScanType,
		&r.FilesDiscovered, &r.FilesScanned, &r.FilesSkipped, &r.LedgerHits, &r.PIIFiles,
		&r.ChunksDetected, &r.BytesRead, &r.Errors, &exitCode, &durSecs); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(startedAt, 0).UTC()
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0).UTC()
		r.FinishedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		r.ExitCode = &c
	}
	if durSecs.Valid {
		r.DurationSeconds = &durSecs.Int64
	}
	return r, nil
}

// ListRuns returns runs newest first and the total row count.
func (l *Ledger) ListRuns(ctx context.Context, limit, offset int) ([]Run, int, error) {
	var total int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM scan_runs ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// GetRun returns a run with its error list.
func (l *Ledger) GetRun(ctx context.Context, id int64) (Run, []RunError, error) {
	r, err := scanRun(l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM scan_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, nil, ErrRunNotFound
	}
	if err != nil {
		return Run{}, nil, fmt.Errorf("get run %d: %w", id, err)
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT path, stage, code, error, occurred_at
		FROM scan_errors WHERE run_id = ?
		ORDER BY occurred_at, id`, id)
	if err != nil {
		return Run{}, nil, fmt.Errorf("errors of run %d: %w", id, err)
	}
	defer rows.Close()

	errs := []RunError{}
	for rows.Next() {
		var e RunError
		var occAt int64
		if err := rows.Scan(&e.Path, &e.Stage, &e.Code, &e.Error, &occAt); err != nil {
			return Run{}, nil, fmt.Errorf("scan error row: %w", err)
		}
		e.OccurredAt = time.Unix(occAt, 0).UTC()
		errs = append(errs, e)
	}
	return r, errs, rows.Err()
}

// LastFinishedRun returns the most recent run that is no longer running, or
// nil when there is none.
func (l *Ledger) LastFinishedRun(ctx context.Context) (*Run, error) {
	r, err := scanRun(l.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM scan_runs WHERE status != 'running' ORDER BY finished_at DESC, id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last finished run: %w", err)
	}
	return &r, nil
}

// MarkStaleRunsFailed marks rows left 'running' by a crashed process as
// 'failed'. Call once at start-up.
func (l *Ledger) MarkStaleRunsFailed(ctx context.Context) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE scan_runs
		SET status = 'failed', finished_at = ?
		WHERE status = 'running'`,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("mark stale runs failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("marked stale scan runs as failed", "count", n)
	}
	return nil
}
