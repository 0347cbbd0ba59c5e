package clock

import (
	"sync"
	"time"
)

// Feed is the position report of an audio output. ok is false once the
// output no longer knows where it is (stopped, crashed, end of stream).
type Feed interface {
	Position() (pos time.Duration, ok bool)
}

// Device follows the position reported by a real audio output. Backward
// readings are clamped to the previous value and flagged once per episode.
// When the feed is lost before limit, the clock carries on from the last
// position on a Simulated clock.
type Device struct {
	mu        sync.Mutex
	feed      Feed
	now       func() time.Time
	limit     time.Duration
	onAnomaly func(Anomaly)
	last      time.Duration
	clamping  bool
	paused    bool
	released  bool
	lost      *Simulated
}

// NewDevice returns a clock reading feed, starting at from. onAnomaly may be
// nil; it is called outside the clock's lock.
func NewDevice(feed Feed, from, limit time.Duration, onAnomaly func(Anomaly), now func() time.Time) *Device {
	if now == nil {
		now = time.Now
	}
	return &Device{
		feed:      feed,
		now:       now,
		limit:     limit,
		onAnomaly: onAnomaly,
		last:      from,
	}
}

func (d *Device) Kind() Kind { return KindDevice }

func (d *Device) Elapsed() time.Duration {
	d.mu.Lock()
	e, anomaly := d.readLocked()
	d.mu.Unlock()
	if anomaly != nil && d.onAnomaly != nil {
		d.onAnomaly(*anomaly)
	}
	return e
}

func (d *Device) readLocked() (time.Duration, *Anomaly) {
	if d.released || d.paused {
		return d.last, nil
	}
	if d.lost != nil {
		if e := d.lost.Elapsed(); e > d.last {
			d.last = e
		}
		return d.last, nil
	}

	pos, ok := d.feed.Position()
	if !ok {
		if d.limit > 0 && d.last >= d.limit {
			return d.last, nil
		}
		d.lost = NewSimulated(d.last, d.limit, d.now)
		return d.last, &Anomaly{Kind: AnomalyFeedLost, Reported: d.last, Clamped: d.last, At: d.now()}
	}
	if pos < d.last {
		if d.clamping {
			return d.last, nil
		}
		d.clamping = true
		return d.last, &Anomaly{Kind: AnomalyRewind, Reported: pos, Clamped: d.last, At: d.now()}
	}
	d.clamping = false
	d.last = pos
	return d.last, nil
}

func (d *Device) Exhausted() bool {
	e := d.Elapsed()
	return d.limit > 0 && e >= d.limit
}

// FeedLost reports whether the clock switched to its wall-clock fallback.
func (d *Device) FeedLost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost != nil
}

// Pause freezes the clock at its latest reading. The caller stops the output.
func (d *Device) Pause() {
	d.mu.Lock()
	e, anomaly := d.readLocked()
	if !d.released {
		d.paused = true
		d.last = e
		if d.lost != nil {
			d.lost.Pause()
		}
	}
	d.mu.Unlock()
	if anomaly != nil && d.onAnomaly != nil {
		d.onAnomaly(*anomaly)
	}
}

// Resume unfreezes the clock. The caller restarts the output at the paused
// position first.
func (d *Device) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused || d.released {
		return
	}
	d.paused = false
	d.clamping = false
	if d.lost != nil {
		d.lost.Resume()
	}
}

// Seek resets the reference point to t and goes back to trusting the feed.
// The caller restarts the output at t.
func (d *Device) Seek(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return
	}
	d.last = t
	d.clamping = false
	d.lost = nil
}

// Release detaches the clock from the feed.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	if d.lost != nil {
		d.lost.Release()
	}
}
