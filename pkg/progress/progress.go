// Package progress provides byte-level progress reporting for long-running
// file transfers and conversions.
package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/term"
)

// Update describes the state of an in-flight transfer.
type Update struct {
	// Complete is the number of bytes processed so far, including any bytes
	// already present when the transfer was resumed.
	Complete int64
	// Total is the expected total size in bytes, or 0 when unknown.
	Total int64
}

// Reader wraps an io.Reader and publishes updates to a channel as data is
// consumed. The channel is never closed by the reader.
type Reader struct {
	r        io.Reader
	updates  chan<- Update
	complete int64
	total    int64
	last     time.Time
	interval time.Duration
}

// NewReader returns a reader that reports progress against the given total.
func NewReader(r io.Reader, total int64, updates chan<- Update) *Reader {
	return NewReaderWithOffset(r, total, 0, updates)
}

// NewReaderWithOffset returns a reader that reports progress for a resumed
// transfer, counting offset bytes as already complete.
func NewReaderWithOffset(r io.Reader, total, offset int64, updates chan<- Update) *Reader {
	return &Reader{
		r:        r,
		updates:  updates,
		complete: offset,
		total:    total,
		interval: 100 * time.Millisecond,
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.complete += int64(n)
	}
	// Throttle updates, but always publish terminal states.
	if err != nil || time.Since(r.last) >= r.interval {
		r.last = time.Now()
		select {
		case r.updates <- Update{Complete: r.complete, Total: r.total}:
		default:
		}
	}
	return n, err
}

// Printer renders updates to a writer. On a terminal it rewrites a single
// status line; otherwise it prints occasional plain lines so logs stay
// readable.
type Printer struct {
	w          io.Writer
	label      string
	isTerminal bool
	lastLine   int
	lastPlain  time.Time
}

// NewPrinter creates a printer for the given label, detecting whether w is a
// terminal.
func NewPrinter(w io.Writer, label string) *Printer {
	isTerminal := false
	if f, ok := w.(*os.File); ok {
		isTerminal = term.IsTerminal(int(f.Fd()))
	}
	return &Printer{w: w, label: label, isTerminal: isTerminal}
}

// Print renders a single update.
func (p *Printer) Print(u Update) {
	line := fmt.Sprintf("%s: %s", p.label, units.HumanSize(float64(u.Complete)))
	if u.Total > 0 {
		line = fmt.Sprintf("%s: %s / %s (%.1f%%)",
			p.label,
			units.HumanSize(float64(u.Complete)),
			units.HumanSize(float64(u.Total)),
			100*float64(u.Complete)/float64(u.Total))
	}
	if p.isTerminal {
		// Clear the previous line before rewriting it.
		fmt.Fprintf(p.w, "\r%*s\r%s", p.lastLine, "", line)
		p.lastLine = len(line)
		return
	}
	if time.Since(p.lastPlain) >= 5*time.Second {
		fmt.Fprintln(p.w, line)
		p.lastPlain = time.Now()
	}
}

// Finish terminates the status line after the final update.
func (p *Printer) Finish() {
	if p.isTerminal {
		fmt.Fprintln(p.w)
	}
}

// Consume drains updates and renders them until the channel is closed.
func (p *Printer) Consume(updates <-chan Update) {
	for u := range updates {
		p.Print(u)
	}
	p.Finish()
}
