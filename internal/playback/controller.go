// Package playback owns the mutable half of a session: the lifecycle state,
// the clock backing it and the audio output driving that clock.
//
// All mutations are serialized by one mutex. Starting and stopping the
// audio output happens while that mutex is held, so a slow output delays
// readers too: a Snapshot taken during a seek waits for the output to answer
// and never sees a half-applied transition. Readers take a Snapshot under the
// lock and read the clock outside it.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/lyricsync/internal/audio"
	"github.com/loqalabs/lyricsync/internal/clock"
)

type Options struct {
	// NoAudio skips negotiation and plays lyrics on the simulated clock.
	NoAudio bool
	Now     func() time.Time
	Logger  *slog.Logger
}

// Snapshot is a point-in-time view of the controller. Clock may be nil when
// the controller is stopped.
type Snapshot struct {
	State      State
	Generation uint64
	Clock      clock.Source
	ClockKind  clock.Kind
	Duration   time.Duration
	Degraded   bool
	Reason     string
	// Output is the output in use, or "" once playback has fallen back to
	// the simulated clock.
	Output string
}

// Status is a Snapshot with the clock already read.
type Status struct {
	State      State
	Position   time.Duration
	Duration   time.Duration
	ClockKind  clock.Kind
	Degraded   bool
	Reason     string
	Generation uint64
	Output     string
}

type Controller struct {
	duration time.Duration
	output   audio.Output
	now      func() time.Time
	log      *slog.Logger

	changes   chan struct{}
	anomalies chan clock.Anomaly

	// mu guards everything below and output. Output calls are made with it
	// held.
	mu         sync.Mutex
	state      State
	generation uint64
	clk        clock.Clock
	degraded   bool
	reason     string
}

// New builds a controller for a timeline of the given duration and settles
// on an audio output once. A failed negotiation is not an error: playback
// will run on the simulated clock and report itself degraded.
func New(ctx context.Context, duration time.Duration, candidates []audio.Output, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{
		duration:  duration,
		now:       opts.Now,
		log:       opts.Logger.With(slog.String("component", "playback")),
		changes:   make(chan struct{}, 1),
		anomalies: make(chan clock.Anomaly, 16),
	}
	switch {
	case opts.NoAudio:
		c.reason = "audio disabled"
	default:
		out, err := audio.Negotiate(ctx, candidates, c.log)
		if err != nil {
			c.reason = err.Error()
		}
		c.output = out
	}
	return c
}

// Changes is signalled after every state change. It holds at most one
// pending signal.
func (c *Controller) Changes() <-chan struct{} { return c.changes }

// Anomalies carries clock irregularities for the engine to report.
func (c *Controller) Anomalies() <-chan clock.Anomaly { return c.anomalies }

func (c *Controller) Duration() time.Duration { return c.duration }

// OutputName is the output in use, or "" when none was available or it
// failed and playback fell back to the simulated clock.
func (c *Controller) OutputName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputNameLocked()
}

func (c *Controller) outputNameLocked() string {
	if c.output == nil {
		return ""
	}
	return c.output.Name()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		State:      c.state,
		Generation: c.generation,
		Duration:   c.duration,
		Degraded:   c.degraded,
		Reason:     c.reason,
		Output:     c.outputNameLocked(),
	}
	if c.clk != nil {
		snap.Clock = c.clk
		snap.ClockKind = c.clk.Kind()
	}
	return snap
}

// Status reads the clock and reports the current position, clamped to the
// timeline and frozen at the end once finished.
func (c *Controller) Status() Status {
	snap := c.Snapshot()
	st := Status{
		State:      snap.State,
		Duration:   snap.Duration,
		ClockKind:  snap.ClockKind,
		Degraded:   snap.Degraded,
		Reason:     snap.Reason,
		Generation: snap.Generation,
		Output:     snap.Output,
	}
	switch {
	case snap.State == Finished:
		st.Position = snap.Duration
	case snap.Clock != nil && snap.State != Stopped:
		st.Position = min(snap.Clock.Elapsed(), snap.Duration)
	}
	return st
}

// Play starts from the beginning. Valid from Stopped and Finished.
func (c *Controller) Play(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Stopped && c.state != Finished {
		return &StateError{Op: "play", State: c.state}
	}
	if c.clk != nil {
		c.clk.Release()
	}
	c.clk = c.startClockLocked(ctx, 0)
	c.state = Playing
	c.generation++
	c.log.Info("playback started",
		slog.String("clock", string(c.clk.Kind())),
		slog.Bool("degraded", c.degraded))
	c.notify()
	return nil
}

// startClockLocked starts the output at from and returns a device clock
// following it, or a simulated clock when there is no usable output.
func (c *Controller) startClockLocked(ctx context.Context, from time.Duration) clock.Clock {
	if c.output != nil {
		err := c.output.Play(ctx, from)
		if err == nil {
			return clock.NewDevice(c.output, from, c.duration, c.forwardAnomaly, c.now)
		}
		c.fallBackLocked("start", err)
	}
	c.degraded = true
	return clock.NewSimulated(from, c.duration, c.now)
}

func (c *Controller) fallBackLocked(op string, err error) {
	c.log.Warn("audio output failed, continuing on simulated clock",
		slog.String("op", op),
		slog.String("output", c.output.Name()),
		slog.String("error", err.Error()))
	c.degraded = true
	if errors.Is(err, audio.ErrOutputUnavailable) {
		c.reason = err.Error()
	} else {
		c.reason = c.output.Name() + ": " + err.Error()
	}
	c.output = nil
}

func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Playing {
		return &StateError{Op: "pause", State: c.state}
	}
	c.clk.Pause()
	if c.clk.Kind() == clock.KindDevice && c.output != nil {
		if err := c.output.Stop(); err != nil {
			c.log.Warn("stop output on pause", slog.String("error", err.Error()))
		}
	}
	c.state = Paused
	c.notify()
	return nil
}

// Resume continues from the paused position. A device that cannot restart
// hands over to the simulated clock at that position.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Paused {
		return &StateError{Op: "resume", State: c.state}
	}
	if c.clk.Kind() == clock.KindDevice {
		at := c.clk.Elapsed()
		if c.output == nil {
			c.swapToSimulatedLocked(at)
		} else if err := c.output.Play(ctx, at); err != nil {
			c.fallBackLocked("resume", err)
			c.swapToSimulatedLocked(at)
		} else {
			c.clk.Resume()
		}
	} else {
		c.clk.Resume()
	}
	c.state = Playing
	c.notify()
	return nil
}

func (c *Controller) swapToSimulatedLocked(at time.Duration) {
	c.clk.Release()
	c.clk = clock.NewSimulated(at, c.duration, c.now)
	c.degraded = true
}

// Seek moves playback to t, clamped to [0, duration]. It bumps the
// generation so the engine drops its cursor.
func (c *Controller) Seek(ctx context.Context, t time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Playing && c.state != Paused {
		return &StateError{Op: "seek", State: c.state}
	}
	t = max(0, min(t, c.duration))

	if c.clk.Kind() == clock.KindDevice && c.state == Playing {
		c.clk.Pause()
		if c.output == nil {
			c.swapToSimulatedLocked(t)
		} else if err := c.output.Play(ctx, t); err != nil {
			c.fallBackLocked("seek", err)
			c.swapToSimulatedLocked(t)
		} else {
			c.clk.Seek(t)
			c.clk.Resume()
		}
	} else {
		c.clk.Seek(t)
	}
	c.generation++
	c.log.Debug("seek", slog.Duration("to", t), slog.Uint64("generation", c.generation))
	c.notify()
	return nil
}

// Stop always succeeds and releases the clock and output.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
	c.state = Stopped
	c.generation++
	c.notify()
}

// Complete moves a playing controller to Finished if gen is still current.
// It reports whether the transition happened.
func (c *Controller) Complete(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Playing || c.generation != gen {
		return false
	}
	c.releaseLocked()
	c.state = Finished
	c.log.Info("playback finished", slog.Duration("duration", c.duration))
	c.notify()
	return true
}

func (c *Controller) releaseLocked() {
	if c.clk != nil {
		c.clk.Release()
	}
	if c.output != nil {
		if err := c.output.Stop(); err != nil {
			c.log.Warn("stop output", slog.String("error", err.Error()))
		}
	}
}

func (c *Controller) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

func (c *Controller) forwardAnomaly(a clock.Anomaly) {
	select {
	case c.anomalies <- a:
	default:
		c.log.Warn("clock anomaly dropped", slog.String("kind", string(a.Kind)))
	}
}
