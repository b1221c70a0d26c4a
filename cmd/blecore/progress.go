package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/srg/blecore/pkg/ble"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter displays a status line with the current phase and the
// elapsed (or remaining) seconds. It only draws on a terminal; on any other
// writer every method is a no-op, so piped output stays clean.
//
// Usage:
//
//	p := NewProgressPrinter(cmd.ErrOrStderr(), "Reading 2a19", "Connecting")
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use: after Stop it cannot be restarted.
type ProgressPrinter struct {
	out      io.Writer
	enabled  bool
	prefix   string
	phase    atomic.Value // string
	duration time.Duration

	startTime time.Time
	stopOnce  sync.Once
	started   atomic.Bool
	stopChan  chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer that counts up.
func NewProgressPrinter(out io.Writer, prefix, phase string) *ProgressPrinter {
	p := &ProgressPrinter{
		out:      out,
		enabled:  isTerminal(out),
		prefix:   prefix,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter creates a printer that counts down from duration.
func NewCountdownProgressPrinter(out io.Writer, prefix, phase string, duration time.Duration) *ProgressPrinter {
	p := NewProgressPrinter(out, prefix, phase)
	p.duration = duration
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins drawing in a background goroutine.
// Panics if called more than once.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	if !p.enabled {
		close(p.done)
		return
	}

	p.startTime = time.Now()
	p.draw()

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.draw()
			}
		}
	}()
}

func (p *ProgressPrinter) draw() {
	phase := p.phase.Load().(string)
	elapsed := time.Since(p.startTime)

	seconds := int(elapsed.Seconds())
	if p.duration > 0 {
		remaining := p.duration - elapsed
		seconds = 0
		if remaining > 0 {
			// round to the nearest second
			seconds = int(remaining.Seconds() + 0.5)
		}
	}

	status := color.New(color.FgCyan).Sprint(phase)
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, status, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, status)
	}
}

// SetPhase replaces the phase shown next to the prefix.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

// ConnectionPhases follows the connection state of m until the returned
// function is called.
func (p *ProgressPrinter) ConnectionPhases(m *ble.Manager) (stop func()) {
	return m.OnStateChange(func(s ble.State) {
		p.SetPhase(s.Connection.State.String())
	})
}

// Transfer is a ble.ProgressFunc that shows chunk progress.
func (p *ProgressPrinter) Transfer(current, total int) {
	if total > 0 {
		p.SetPhase(fmt.Sprintf("%d/%d bytes", current, total))
		return
	}
	p.SetPhase(fmt.Sprintf("%d bytes", current))
}

// Stop stops drawing and clears the line. Safe to call more than once and
// from multiple goroutines.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		if !p.started.Load() {
			return
		}
		close(p.stopChan)
		<-p.done
		if p.enabled {
			fmt.Fprint(p.out, clearLineSequence)
		}
	})
}
