package core

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Progress observes submission. It never influences control flow.
type Progress interface {
	Start(total int)
	Increment()
	Finish()
}

// NopProgress discards every event.
type NopProgress struct{}

func (NopProgress) Start(int)  {}
func (NopProgress) Increment() {}
func (NopProgress) Finish()    {}

// LineProgress rewrites a single status line on w, typically os.Stderr.
type LineProgress struct {
	mu      sync.Mutex
	w       io.Writer
	label   string
	total   int
	current int
	start   time.Time
	started bool
}

func NewLineProgress(w io.Writer, label string) *LineProgress {
	return &LineProgress{w: w, label: label}
}

func (p *LineProgress) Start(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = total
	p.current = 0
	p.start = time.Now()
	p.started = true
	p.report()
}

// Increment is safe to call from concurrent submitters.
func (p *LineProgress) Increment() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	if p.current < p.total {
		p.current++
	}
	p.report()
}

func (p *LineProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.report()
	fmt.Fprintln(p.w)
	p.started = false
}

// Current returns the number of units reported so far.
func (p *LineProgress) Current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// report must be called with the lock held.
func (p *LineProgress) report() {
	pct := 100.0
	if p.total > 0 {
		pct = float64(p.current) / float64(p.total) * 100
	}
	fmt.Fprintf(p.w, "\r%-20s %d/%d (%.0f%%) %s", p.label, p.current, p.total, pct,
		time.Since(p.start).Truncate(time.Second))
}
