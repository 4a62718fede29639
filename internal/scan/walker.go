package scan

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// excludeSet holds cleaned paths that are never scanned or descended into.
type excludeSet map[string]struct{}

func newExcludeSet(paths []string) excludeSet {
	s := make(excludeSet, len(paths))
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			s[filepath.Clean(p)] = struct{}{}
		}
	}
	return s
}

func (s excludeSet) has(path string) bool {
	_, ok := s[path]
	return ok
}

// dirQueue is an unbounded queue of directories still to be read, shared by
// the walker goroutines. pending counts directories queued or being read;
// the queue closes itself when it drops to zero.
type dirQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []string
	head    int
	pending atomic.Int64
	closed  bool
}

func newDirQueue() *dirQueue {
	q := &dirQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues dir. The caller increments pending first.
func (q *dirQueue) Push(dir string) {
	q.mu.Lock()
	q.items = append(q.items, dir)
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop blocks until a directory is available. It returns false once the
// queue is closed and empty.
func (q *dirQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head >= len(q.items) && !q.closed {
		q.cond.Wait()
	}
	if q.head >= len(q.items) {
		return "", false
	}
	dir := q.items[q.head]
	q.items[q.head] = ""
	q.head++
	// Reclaim the consumed prefix on wide trees.
	if q.head >= 1000 && q.head >= len(q.items)/2 {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return dir, true
}

// Done marks one directory as fully read.
func (q *dirQueue) Done() {
	if q.pending.Add(-1) == 0 {
		q.Close()
	}
}

// Close wakes every blocked Pop.
func (q *dirQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// walker expands a directory root into scan targets. Directories are read
// by a pool of goroutines; targets arrive on a single channel so that files
// are scanned one at a time.
type walker struct {
	workers  int
	excludes excludeSet
	progress *Progress
	report   ErrorReporter
}

// walk sends a Target for every regular file under root to out and closes
// out when the tree is exhausted or ctx is cancelled. Symlinks, devices,
// sockets and pipes are counted in progress.FilesSkipped. Unreadable
// directories and entries are passed to report with StageWalk.
func (w *walker) walk(ctx context.Context, root, scanType string, out chan<- Target) {
	defer close(out)
	root = filepath.Clean(root)
	if w.excludes.has(root) {
		return
	}

	q := newDirQueue()
	stop := context.AfterFunc(ctx, q.Close)
	defer stop()

	q.pending.Add(1)
	q.Push(root)

	var wg sync.WaitGroup
	for i := 0; i < max(w.workers, 1); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				dir, ok := q.Pop()
				if !ok {
					return
				}
				w.readDir(ctx, q, dir, scanType, out)
				q.Done()
			}
		}()
	}
	wg.Wait()
}

func (w *walker) readDir(ctx context.Context, q *dirQueue, dir, scanType string, out chan<- Target) {
	// ReadDir returns what it managed to read alongside the error.
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.fail(dir, err)
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if w.excludes.has(path) {
			continue
		}

		mode := e.Type()
		if mode.IsDir() {
			q.pending.Add(1)
			q.Push(path)
			continue
		}
		if !mode.IsRegular() {
			w.skip(path, mode)
			continue
		}

		info, err := e.Info()
		if err != nil {
			w.fail(path, err)
			continue
		}
		t := Target{
			Path:     path,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			ScanType: scanType,
			Walked:   true,
		}
		select {
		case <-ctx.Done():
			return
		case out <- t:
		}
	}
}

func (w *walker) skip(path string, mode fs.FileMode) {
	if w.progress != nil {
		w.progress.FilesSkipped.Add(1)
	}
	slog.Debug("skipping non-regular file", "path", path, "mode", mode.String())
}

func (w *walker) fail(path string, err error) {
	if w.report != nil {
		w.report(path, StageWalk, err)
	}
}
