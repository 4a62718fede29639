package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eargollo/piiscan/internal/config"
	"github.com/eargollo/piiscan/internal/ledger"
)

// ErrAlreadyRunning is returned when a scan is started while one is in progress.
var ErrAlreadyRunning = errors.New("a scan is already in progress")

// ErrNoActiveScan is returned when cancel is called with no scan running.
var ErrNoActiveScan = errors.New("no scan is currently running")

// ErrNoScanPaths is returned when serve mode has nothing to scan.
var ErrNoScanPaths = errors.New("no scan paths configured")

// ActiveScan holds live information about the running scan.
type ActiveScan struct {
	ID          int64
	StartedAt   time.Time
	TriggeredBy string
	ScanType    string
	Progress    *Progress
}

// Manager enforces a single-active-scan invariant and exposes start/cancel
// for serve mode. It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	orch   *Orchestrator
	ledger *ledger.Ledger
	roots  []string

	active   *ActiveScan
	cancelFn context.CancelFunc
	done     chan struct{}
	last     *Summary
}

// NewManager creates a Manager scanning roots with orch.
func NewManager(orch *Orchestrator, l *ledger.Ledger, roots []string) *Manager {
	return &Manager{orch: orch, ledger: l, roots: roots}
}

// Roots returns the configured scan paths.
func (m *Manager) Roots() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.roots...)
}

// Start launches an asynchronous scan. Returns an ActiveScan snapshot or
// ErrAlreadyRunning if a scan is already in progress.
func (m *Manager) Start(parentCtx context.Context, triggeredBy, scanType string) (*ActiveScan, error) {
	if !config.ValidScanType(scanType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScanType, scanType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, ErrAlreadyRunning
	}
	if len(m.roots) == 0 {
		return nil, ErrNoScanPaths
	}

	// Create the scan_runs record now so the ID is in the HTTP response.
	startedAt := time.Now()
	runID, err := m.ledger.StartRun(parentCtx, startedAt, triggeredBy, scanType)
	if err != nil {
		return nil, fmt.Errorf("create scan run: %w", err)
	}

	progress := &Progress{}
	scanCtx, cancel := context.WithCancel(parentCtx)
	active := &ActiveScan{
		ID:          runID,
		StartedAt:   startedAt,
		TriggeredBy: triggeredBy,
		ScanType:    scanType,
		Progress:    progress,
	}
	m.active = active
	m.cancelFn = cancel
	done := make(chan struct{})
	m.done = done
	roots := append([]string(nil), m.roots...)

	go func() {
		defer close(done)
		defer cancel()
		sum := m.orch.execute(scanCtx, runID, roots, scanType, startedAt, progress)

		m.mu.Lock()
		m.active = nil
		m.cancelFn = nil
		m.last = &sum
		m.mu.Unlock()
	}()

	return active, nil
}

// Cancel stops the currently running scan after the file in progress.
// Returns ErrNoActiveScan if idle.
func (m *Manager) Cancel() (*ActiveScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNoActiveScan
	}

	snap := *m.active
	m.cancelFn()
	return &snap, nil
}

// Wait blocks until the current scan, if any, has finished.
func (m *Manager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// ActiveScan returns a snapshot of the running scan, or nil when idle.
func (m *Manager) ActiveScan() *ActiveScan {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	snap := *m.active
	return &snap
}

// LastSummary returns the outcome of the most recent scan started by this
// Manager, or nil.
func (m *Manager) LastSummary() *Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	s := *m.last
	return &s
}
