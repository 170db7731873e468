package analysis

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/zeu5/dist-rl-driving/coordinator"
	"github.com/zeu5/dist-rl-driving/util"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

// Progress keeps a live block on the terminal: one header line for the run
// and one line per worker.
type Progress struct {
	printer *util.TerminalPrinter
	header  *util.ParallelOutput

	mu      sync.Mutex
	workers map[string]*util.ParallelOutput
	total   int
}

var _ coordinator.Observer = &Progress{}

func NewProgress(out io.Writer, workerIDs []string, iterations int, refresh time.Duration) *Progress {
	printer := util.NewTerminalPrinter(out, refresh)
	p := &Progress{
		printer: printer,
		header:  printer.NewOutput(),
		workers: make(map[string]*util.ParallelOutput, len(workerIDs)),
		total:   iterations,
	}
	p.header.Set(fmt.Sprintf("iteration 0/%d", iterations))
	for _, id := range workerIDs {
		o := printer.NewOutput()
		o.Set(fmt.Sprintf("  %s %s", id, gray("waiting")))
		p.workers[id] = o
	}
	return p
}

func (p *Progress) Start(ctx context.Context) {
	p.printer.Start(ctx)
}

func (p *Progress) Stop() {
	p.printer.Stop()
}

func (p *Progress) Observe(s coordinator.IterationSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	trained := gray("no")
	if s.Trained() {
		trained = green(fmt.Sprintf("%d steps", s.TrainSteps))
	}
	if len(s.TrainErrors) > 0 {
		trained += " " + red(fmt.Sprintf("%d failed", len(s.TrainErrors)))
	}
	p.header.Set(fmt.Sprintf(
		"iteration %d/%d  version %d  eps %.3f  score mean %.1f max %.0f  buffer %d  trained %s",
		s.Iteration+1, p.total, s.Version, s.Epsilon, s.MeanScore, s.MaxScore, s.BufferSize, trained,
	))

	for _, w := range s.Workers {
		out, ok := p.workers[w.ID]
		if !ok {
			continue
		}
		switch {
		case w.Retired:
			out.Set(fmt.Sprintf("  %s %s", w.ID, red("retired: "+w.Err)))
		case w.Failed():
			out.Set(fmt.Sprintf("  %s %s", w.ID, yellow("failed: "+w.Err)))
		default:
			out.Set(fmt.Sprintf("  %s %s episodes, %d transitions", w.ID, green(w.Episodes), w.Transitions))
		}
	}
}
