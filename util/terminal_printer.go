package util

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gosuri/uilive"
	"github.com/mattn/go-isatty"
)

// IsTerminal reports whether f is attached to a terminal, where live
// redrawing makes sense.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// TerminalPrinter redraws a block of lines in place, one line per output,
// every frequency.
type TerminalPrinter struct {
	mu        sync.Mutex
	outputs   []*ParallelOutput
	frequency time.Duration
	doneCh    chan struct{}
	stopOnce  sync.Once
	stopped   chan struct{}

	writer  *uilive.Writer
	writers []io.Writer
}

func NewTerminalPrinter(out io.Writer, frequency time.Duration) *TerminalPrinter {
	w := uilive.New()
	w.Out = out
	return &TerminalPrinter{
		outputs:   make([]*ParallelOutput, 0),
		frequency: frequency,
		doneCh:    make(chan struct{}),
		stopped:   make(chan struct{}),

		writer:  w,
		writers: make([]io.Writer, 0),
	}
}

// NewOutput adds a line to the block.
func (p *TerminalPrinter) NewOutput() *ParallelOutput {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := NewParallelOutput()
	p.outputs = append(p.outputs, out)
	p.writers = append(p.writers, p.writer.Newline())
	return out
}

func (p *TerminalPrinter) Start(ctx context.Context) {
	go func() {
		defer close(p.stopped)
		ticker := time.NewTicker(p.frequency)
		defer ticker.Stop()
		for {
			select {
			case <-p.doneCh:
				p.print()
				return
			case <-ctx.Done():
				p.print()
				return
			case <-ticker.C:
				p.print()
			}
		}
	}()
}

// Stop draws the block one last time and waits for the redraw loop to end.
func (p *TerminalPrinter) Stop() {
	p.stopOnce.Do(func() { close(p.doneCh) })
	<-p.stopped
}

func (p *TerminalPrinter) print() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, output := range p.outputs {
		fmt.Fprintln(p.writers[i], output.Get())
	}
	_ = p.writer.Flush()
}

// ParallelOutput holds one line that producers update and the printer
// reads.
type ParallelOutput struct {
	mu        sync.Mutex
	printable string
}

func NewParallelOutput() *ParallelOutput {
	return &ParallelOutput{}
}

func (p *ParallelOutput) Set(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printable = s
}

func (p *ParallelOutput) Get() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.printable
}
