package clock

import (
	"sync"
	"time"
)

// Simulated advances with wall-clock time. It stands in for the audio device
// when no output is available so lyrics still move in real time.
type Simulated struct {
	mu        sync.Mutex
	now       func() time.Time
	limit     time.Duration
	offset    time.Duration
	started   time.Time
	paused    bool
	pausedAt  time.Time
	pausedFor time.Duration
	last      time.Duration
	released  bool
}

// NewSimulated returns a running clock starting at from. limit is the point at
// which the clock reports itself exhausted; zero disables it. now defaults to
// time.Now.
func NewSimulated(from, limit time.Duration, now func() time.Time) *Simulated {
	if now == nil {
		now = time.Now
	}
	return &Simulated{
		now:     now,
		limit:   limit,
		offset:  from,
		started: now(),
		last:    from,
	}
}

func (s *Simulated) Kind() Kind { return KindSimulated }

func (s *Simulated) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

func (s *Simulated) elapsedLocked() time.Duration {
	if s.released {
		return s.last
	}
	ref := s.now()
	if s.paused {
		ref = s.pausedAt
	}
	e := s.offset + ref.Sub(s.started) - s.pausedFor
	if e < s.last {
		e = s.last
	}
	s.last = e
	return e
}

func (s *Simulated) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit > 0 && s.elapsedLocked() >= s.limit
}

// Pause freezes the clock; time spent paused is excluded once resumed.
func (s *Simulated) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.released {
		return
	}
	s.paused = true
	s.pausedAt = s.now()
}

func (s *Simulated) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused || s.released {
		return
	}
	s.pausedFor += s.now().Sub(s.pausedAt)
	s.paused = false
}

// Seek moves the reference point so that Elapsed returns t immediately.
func (s *Simulated) Seek(t time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.offset = t
	s.started = s.now()
	s.pausedFor = 0
	if s.paused {
		s.pausedAt = s.started
	}
	s.last = t
}

// Release freezes the clock at its current reading.
func (s *Simulated) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.elapsedLocked()
	s.released = true
}
