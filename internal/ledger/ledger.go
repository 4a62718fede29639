// Package ledger persists scan results keyed by content fingerprint and scan
// type. It is the only duplicate-suppression mechanism of the scanner.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eargollo/piiscan/internal/detect"
)

// ScanRecord is one persisted scan result. Records are never updated.
type ScanRecord struct {
	ID           int64           `json:"id"`
	FilePath     string          `json:"file_path"`
	ScanTime     time.Time       `json:"scan_time"`
	FileSize     int64           `json:"file_size"`
	FileModified time.Time       `json:"file_modified"`
	FileChecksum string          `json:"file_checksum"`
	ScanType     string          `json:"scan_type"`
	Partial      bool            `json:"partial"`
	Entities     []detect.Entity `json:"pii_entities"`
}

// HasPII reports whether the record carries at least one entity.
func (r ScanRecord) HasPII() bool { return len(r.Entities) > 0 }

// Ledger reads and writes scan_history.
type Ledger struct {
	db *sql.DB
}

// New returns a Ledger over an opened, migrated database.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

const recordColumns = `id, file_path, scan_time, file_size, file_modified, file_checksum, scan_type, partial, pii_entities`

// Lookup returns the record for (checksum, scanType), or nil when the
// content has not been analysed in that mode.
func (l *Ledger) Lookup(ctx context.Context, checksum, scanType string) (*ScanRecord, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM scan_history WHERE file_checksum = ? AND scan_type = ?`,
		checksum, scanType)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s/%s: %w", checksum, scanType, err)
	}
	return &rec, nil
}

// Record inserts rec unless a record for the same (checksum, scan type)
// already exists, and returns the stored row. A conflicting insert is a
// no-op: the first writer wins and its record is returned.
func (l *Ledger) Record(ctx context.Context, rec ScanRecord) (ScanRecord, error) {
	entities := rec.Entities
	if entities == nil {
		entities = []detect.Entity{}
	}
	payload, err := json.Marshal(entities)
	if err != nil {
		return ScanRecord{}, fmt.Errorf("encode entities: %w", err)
	}
	if rec.ScanTime.IsZero() {
		rec.ScanTime = time.Now()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ScanRecord{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scan_history
			(file_path, scan_time, file_size, file_modified, file_checksum, scan_type, partial, pii_entities)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_checksum, scan_type) DO NOTHING`,
		rec.FilePath,
		formatTime(rec.ScanTime),
		rec.FileSize,
		formatTime(rec.FileModified),
		rec.FileChecksum,
		rec.ScanType,
		rec.Partial,
		string(payload),
	); err != nil {
		return ScanRecord{}, fmt.Errorf("insert %s: %w", rec.FilePath, err)
	}

	stored, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM scan_history WHERE file_checksum = ? AND scan_type = ?`,
		rec.FileChecksum, rec.ScanType))
	if err != nil {
		return ScanRecord{}, fmt.Errorf("read back %s: %w", rec.FilePath, err)
	}
	if err := tx.Commit(); err != nil {
		return ScanRecord{}, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

// RecordFilter narrows ListRecords. Zero values mean "any".
type RecordFilter struct {
	ScanType string
	PII      *bool
	Limit    int
	Offset   int
}

// ListRecords returns records newest first along with the total number of
// rows matching the filter.
func (l *Ledger) ListRecords(ctx context.Context, f RecordFilter) ([]ScanRecord, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if f.ScanType != "" {
		where += ` AND scan_type = ?`
		args = append(args, f.ScanType)
	}
	if f.PII != nil {
		if *f.PII {
			where += ` AND pii_entities != '[]'`
		} else {
			where += ` AND pii_entities = '[]'`
		}
	}

	var total int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_history`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM scan_history`+where+` ORDER BY scan_time DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// RecordsByChecksum returns every record (one per scan type at most) for a
// fingerprint.
func (l *Ledger) RecordsByChecksum(ctx context.Context, checksum string) ([]ScanRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM scan_history WHERE file_checksum = ? ORDER BY scan_type`,
		checksum)
	if err != nil {
		return nil, fmt.Errorf("records for %s: %w", checksum, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ScanRecord, error) {
	var (
		rec                ScanRecord
		scanTime, modified string
		payload            string
	)
	if err := row.Scan(&rec.ID, &rec.FilePath, &scanTime, &rec.FileSize, &modified,
		&rec.FileChecksum, &rec.ScanType, &rec.Partial, &payload); err != nil {
		return ScanRecord{}, err
	}
	rec.ScanTime = parseTime(scanTime)
	rec.FileModified = parseTime(modified)
	if err := json.Unmarshal([]byte(payload), &rec.Entities); err != nil {
		return ScanRecord{}, fmt.Errorf("decode entities of record %d: %w", rec.ID, err)
	}
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]ScanRecord, error) {
	var out []ScanRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
