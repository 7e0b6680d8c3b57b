package watch

import (
	"sync"
	"sync/atomic"
	"time"
)

// Debouncer coalesces bursts of triggers into a single firing after a quiet delay.
type Debouncer struct {
	delay   time.Duration
	counter atomic.Uint64
	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	closed  bool
}

func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay, timers: make(map[*time.Timer]struct{})}
}

func (d *Debouncer) Delay() time.Duration { return d.delay }

// Execute schedules action after the delay. Only the latest trigger fires, it receives its generation.
func (d *Debouncer) Execute(action func(gen uint64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	gen := d.counter.Add(1)
	var t *time.Timer
	t = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, t)
		stale := d.closed || d.counter.Load() != gen
		d.mu.Unlock()
		if stale {
			return
		}
		action(gen)
	})
	d.timers[t] = struct{}{}
}

// Generation is the number of triggers so far.
func (d *Debouncer) Generation() uint64 { return d.counter.Load() }

// Close cancels pending firings, later Execute calls are ignored.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for t := range d.timers {
		t.Stop()
	}
	clear(d.timers)
}
