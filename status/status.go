// Package status prints a live table of the node slots to the terminal.
package status

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gosuri/uilive"
	"github.com/svlpsu/crete-cluster/node"
)

// Source is what the printer reads, *node.Node satisfies it
type Source interface {
	Status() []node.SlotStatus
	PoolSize() (int, int)
}

type Printer struct {
	source    Source
	frequency time.Duration

	writer  *uilive.Writer
	writers []io.Writer
}

// NewPrinter writes to out, one line per slot plus a pool summary
func NewPrinter(source Source, out io.Writer, frequency time.Duration) *Printer {
	writer := uilive.New()
	writer.Out = out
	slots := len(source.Status())
	writers := make([]io.Writer, slots)
	for i := range writers {
		writers[i] = writer.Newline()
	}
	return &Printer{
		source:    source,
		frequency: frequency,
		writer:    writer,
		writers:   writers,
	}
}

// Run prints until ctx is done
func (p *Printer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.frequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Print()
			return
		case <-ticker.C:
			p.Print()
		}
	}
}

func (p *Printer) Print() {
	all, next := p.source.PoolSize()
	fmt.Fprintf(p.writer, "pool: %d distinct, %d to report\n", all, next)
	for i, s := range p.source.Status() {
		if i >= len(p.writers) {
			break
		}
		fmt.Fprintln(p.writers[i], Line(s))
	}
	p.writer.Flush()
}

// Line renders one slot
func Line(s node.SlotStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "slot %d: %-11s", s.Slot, s.Phase)
	if s.TraceID != "" {
		fmt.Fprintf(&b, " trace=%s elapsed=%s", s.TraceID, s.Elapsed.Round(time.Second))
	}
	if s.Errors > 0 {
		fmt.Fprintf(&b, " errors=%d", s.Errors)
	}
	return b.String()
}
