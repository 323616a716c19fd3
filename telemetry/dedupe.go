package telemetry

import (
	"sync"
	"time"
)

// sweep the cache at most this often; entries older than the window are
// dropped so the map tracks live sondes only.
const dedupeSweepInterval = 60 * time.Second

// Deduper suppresses identical frames seen within a time window. Stations
// running multiple receiver channels on overlapping frequencies decode the
// same frame more than once; only the first copy should reach exporters.
// A zero or negative window disables suppression.
type Deduper struct {
	window time.Duration

	mu         sync.Mutex
	seen       map[uint64]time.Time
	lastSweep  time.Time
	suppressed uint64
}

// NewDeduper creates a deduper with the given suppression window.
func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{
		window: window,
		seen:   make(map[uint64]time.Time),
	}
}

// Duplicate records the frame and reports whether an identical frame was
// already seen within the window.
func (d *Deduper) Duplicate(rec *Record) bool {
	if d == nil || d.window <= 0 {
		return false
	}
	key := rec.Hash()
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.lastSweep) >= dedupeSweepInterval {
		d.sweepLocked(now)
	}
	if when, ok := d.seen[key]; ok && now.Sub(when) < d.window {
		d.suppressed++
		return true
	}
	d.seen[key] = now
	return false
}

// Wrap returns a consumer that forwards to next unless the frame is a
// duplicate within the window.
func (d *Deduper) Wrap(next Consumer) Consumer {
	return func(rec *Record) error {
		if d.Duplicate(rec) {
			return nil
		}
		return next(rec)
	}
}

// Suppressed returns the number of frames dropped as duplicates.
func (d *Deduper) Suppressed() uint64 {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed
}

func (d *Deduper) sweepLocked(now time.Time) {
	for key, when := range d.seen {
		if now.Sub(when) >= d.window {
			delete(d.seen, key)
		}
	}
	d.lastSweep = now
}
