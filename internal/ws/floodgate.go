package ws

import (
	"sync"
	"time"
)

const (
	floodWindow    = time.Second
	floodMaxEvents = 20
)

// floodgate is a per-connection sliding-window limiter. A connection over the
// window budget gets its events rejected (RATE_LIMITED error) but stays
// connected — flooding is usually a misbehaving client, not an attack worth
// a disconnect loop.
type floodgate struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	stamps []time.Time
	now    func() time.Time
}

func newFloodgate(window time.Duration, max int) *floodgate {
	return &floodgate{
		window: window,
		max:    max,
		stamps: make([]time.Time, 0, max),
		now:    time.Now,
	}
}

// allow records one event and reports whether it fits the window.
func (f *floodgate) allow() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	cutoff := now.Add(-f.window)
	kept := f.stamps[:0]
	for _, ts := range f.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	f.stamps = kept

	if len(f.stamps) >= f.max {
		return false
	}
	f.stamps = append(f.stamps, now)
	return true
}
