package scan

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/eargollo/piiscan/internal/detect"
	"github.com/eargollo/piiscan/internal/ledger"
)

var (
	colorRed    = color.New(color.FgRed, color.Bold)
	colorGreen  = color.New(color.FgGreen, color.Bold)
	colorYellow = color.New(color.FgYellow)
	colorCyan   = color.New(color.FgCyan)
)

// Console prints a human-readable status line per file and a run summary.
// It writes to stderr in the CLI; stdout stays reserved for verdict lines.
// A nil *Console prints nothing.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole returns a Console writing to w. noColor disables ANSI colors.
func NewConsole(w io.Writer, noColor bool) *Console {
	if noColor {
		color.NoColor = true
	}
	return &Console{w: w}
}

// File prints the outcome of one file.
func (c *Console) File(r Result) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	size := ""
	if r.Target.Size > 0 {
		size = " (" + humanize.IBytes(uint64(r.Target.Size)) + ")"
	}
	switch {
	case r.Err != nil:
		colorYellow.Fprintf(c.w, "  ERROR  %s%s: %v\n", r.Target.Path, size, r.Err.Err)
	case r.Record != nil && r.Record.HasPII():
		colorRed.Fprintf(c.w, "  PII    %s%s", r.Target.Path, size)
		colorCyan.Fprintf(c.w, " [%s]", strings.Join(detect.DistinctLabels(r.Record.Entities), ", "))
		c.suffix(r)
	default:
		colorGreen.Fprintf(c.w, "  CLEAN  %s%s", r.Target.Path, size)
		c.suffix(r)
	}
}

func (c *Console) suffix(r Result) {
	if r.Cached {
		colorYellow.Fprint(c.w, " (cached)")
	}
	if r.Partial {
		colorYellow.Fprint(c.w, " (partial)")
	}
	io.WriteString(c.w, "\n")
}

// Summary prints the run totals.
func (c *Console) Summary(rc ledger.RunCounters, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	colorCyan.Fprintf(c.w, "\nScanned %s files (%s read) in %s\n",
		humanize.Comma(rc.FilesDiscovered), humanize.IBytes(uint64(rc.BytesRead)), elapsed.Round(time.Millisecond))
	line := color.New(color.FgGreen)
	if rc.PIIFiles > 0 {
		line = colorRed
	}
	line.Fprintf(c.w, "  PII files: %d   cached: %d   skipped: %d   errors: %d\n",
		rc.PIIFiles, rc.LedgerHits, rc.FilesSkipped, rc.Errors)
}
