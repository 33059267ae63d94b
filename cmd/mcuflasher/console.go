package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"mcuflasher/internal/device"
	"mcuflasher/internal/flashtool"
	"mcuflasher/internal/production"
	"mcuflasher/internal/toolout"
	"mcuflasher/internal/upload"
)

// console prints production events for an operator at a terminal.
// Tool progress drives a bar; other lines are printed above it.
type console struct {
	out io.Writer

	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	outcomes []upload.Outcome
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) handle(ev production.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case production.EventProgress:
		if c.bar == nil {
			c.bar = progressbar.NewOptions(100,
				progressbar.OptionSetWriter(c.out),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription(ev.Family.String()+" writing"),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = c.bar.Set(int(ev.Percent))
	case production.EventLog:
		if ev.Partial {
			return
		}
		c.clearBar()
		fmt.Fprintf(c.out, "[%s] %s\n", ev.Family, ev.Text)
	case production.EventState:
		c.finishBar()
		fmt.Fprintf(c.out, "[%s] state: %s\n", ev.Family, ev.State)
	case production.EventOutcome:
		c.finishBar()
		out := *ev.Outcome
		c.outcomes = append(c.outcomes, out)
		mark := "FAIL"
		switch out.Status {
		case upload.StatusSuccess:
			mark = "PASS"
		case upload.StatusStopped:
			mark = "STOP"
		}
		fmt.Fprintf(c.out, "[%s] %s %s (%s)\n", ev.Family, mark, out.Message(), out.Duration().Round(time.Millisecond))
	}
}

// sink adapts the console for a Flasher used outside the production manager.
func (c *console) sink(f device.Family) flashtool.Sink {
	return func(l toolout.Line, partial bool) {
		ev := production.Event{Family: f, Kind: production.EventLog, Text: l.Text, Partial: partial, Percent: -1}
		if l.Kind == toolout.KindProgress {
			ev.Kind = production.EventProgress
			ev.Percent = l.Percent
		}
		c.handle(ev)
	}
}

func (c *console) clearBar() {
	if c.bar != nil {
		_ = c.bar.Clear()
	}
}

func (c *console) finishBar() {
	if c.bar != nil {
		_ = c.bar.Finish()
		c.bar = nil
	}
}

// last returns the most recent outcome.
func (c *console) last() (upload.Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outcomes) == 0 {
		return upload.Outcome{}, false
	}
	return c.outcomes[len(c.outcomes)-1], true
}
