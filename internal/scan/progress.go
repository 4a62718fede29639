package scan

import (
	"sync/atomic"

	"github.com/eargollo/piiscan/internal/ledger"
)

// Progress holds live counters updated by the pipeline.
// All fields are atomic so they can be written by the scan goroutine and
// read from the HTTP handler without locks.
type Progress struct {
	FilesDiscovered atomic.Int64
	FilesScanned    atomic.Int64 // ran the full pipeline
	FilesSkipped    atomic.Int64 // unsupported formats, symlinks and special files found by the walk
	LedgerHits      atomic.Int64
	PIIFiles        atomic.Int64
	ChunksDetected  atomic.Int64
	BytesRead       atomic.Int64 // bytes hashed
	Errors          atomic.Int64
}

// Snapshot returns the counters in their persisted form.
func (p *Progress) Snapshot() ledger.RunCounters {
	return ledger.RunCounters{
		FilesDiscovered: p.FilesDiscovered.Load(),
		FilesScanned:    p.FilesScanned.Load(),
		FilesSkipped:    p.FilesSkipped.Load(),
		LedgerHits:      p.LedgerHits.Load(),
		PIIFiles:        p.PIIFiles.Load(),
		ChunksDetected:  p.ChunksDetected.Load(),
		BytesRead:       p.BytesRead.Load(),
		Errors:          p.Errors.Load(),
	}
}

// ErrorReporter records a walk error: the path, the stage and the cause.
type ErrorReporter func(path, stage string, err error)
