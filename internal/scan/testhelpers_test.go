package scan

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/eargollo/piiscan/internal/chunk"
	"github.com/eargollo/piiscan/internal/config"
	internaldb "github.com/eargollo/piiscan/internal/db"
	"github.com/eargollo/piiscan/internal/detect"
	"github.com/eargollo/piiscan/internal/extract"
	"github.com/eargollo/piiscan/internal/ledger"
)

// mustOpenDB opens a temp file SQLite database with the full schema applied.
func mustOpenDB(tb testing.TB) *sql.DB {
	tb.Helper()
	dbPath := filepath.Join(tb.TempDir(), "test.db")
	db, err := internaldb.Open(dbPath)
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	if err := internaldb.RunMigrations(db); err != nil {
		db.Close()
		tb.Fatalf("run migrations: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	return db
}

// noErrors is an ErrorReporter that fails the test if invoked.
func noErrors(tb testing.TB) ErrorReporter {
	return func(path, stage string, err error) {
		tb.Errorf("unexpected scan error: path=%q stage=%q err=%v", path, stage, err)
	}
}

// countingDetector wraps the regex detector and counts Detect calls. fail
// makes every call on a chunk containing the marker return an error.
type countingDetector struct {
	inner  *detect.RegexDetector
	calls  atomic.Int64
	marker string
}

func newCountingDetector() *countingDetector {
	return &countingDetector{inner: detect.NewRegexDetector()}
}

func (d *countingDetector) Detect(ctx context.Context, c chunk.TextChunk, labels detect.LabelSet) ([]detect.Entity, error) {
	d.calls.Add(1)
	if d.marker != "" && strings.Contains(c.Text, d.marker) {
		return nil, errors.New("model exploded")
	}
	return d.inner.Detect(ctx, c, labels)
}

func (d *countingDetector) Tokenizer() chunk.Tokenizer { return d.inner.Tokenizer() }
func (d *countingDetector) Close() error               { return nil }

// syncBuffer is a bytes.Buffer safe for the walker's concurrent reporter.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Split(strings.TrimRight(s.b.String(), "\n"), "\n")
}

type fixture struct {
	db     *sql.DB
	ledger *ledger.Ledger
	det    *countingDetector
	orch   *Orchestrator
	out    *syncBuffer
}

func testOptions() Options {
	return Options{
		Basic:          detect.NewLabelSet(config.DefaultBasicLabels...),
		Extended:       detect.NewLabelSet(config.DefaultExtendedLabels...),
		MaxChunkLength: 16,
		LiteScanLimit:  config.DefaultLiteScanLimit,
		Workers:        2,
		Walkers:        2,
		Retry:          detect.RetryPolicy{Retries: 1},
	}
}

func newFixture(tb testing.TB, mutate ...func(*Options)) *fixture {
	tb.Helper()
	db := mustOpenDB(tb)
	l := ledger.New(db)
	det := newCountingDetector()
	opts := testOptions()
	for _, m := range mutate {
		m(&opts)
	}
	out := &syncBuffer{}
	orch, err := NewOrchestrator(l, det, extract.NewRegistry(), out, nil, opts)
	if err != nil {
		tb.Fatalf("new orchestrator: %v", err)
	}
	return &fixture{db: db, ledger: l, det: det, orch: orch, out: out}
}

func (f *fixture) run(tb testing.TB, scanType string, roots ...string) Summary {
	tb.Helper()
	sum, err := f.orch.Run(context.Background(), roots, scanType, "test", &Progress{})
	if err != nil {
		tb.Fatalf("run: %v", err)
	}
	return sum
}

func writeTestFile(tb testing.TB, dir, name, body string) string {
	tb.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		tb.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		tb.Fatal(err)
	}
	return p
}
