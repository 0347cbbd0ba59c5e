// Package syncengine turns playback position into lyric transitions.
//
// One Engine runs per session. Each tick it reads a controller snapshot,
// reads the clock outside the controller's lock, resolves the active segment
// and emits exactly one transition when it changes. In gaps it sleeps until
// the next boundary instead of polling.
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/lyricsync/internal/clock"
	"github.com/loqalabs/lyricsync/internal/playback"
	"github.com/loqalabs/lyricsync/internal/presentation"
	"github.com/loqalabs/lyricsync/internal/timeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxGapWait   = time.Second

	minWait = time.Millisecond
	// WaitForChange tells Run to block until the controller signals.
	WaitForChange time.Duration = -1
)

type Options struct {
	SessionID    string
	PollInterval time.Duration
	MaxGapWait   time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Cursor is the engine's memory between ticks.
//
// A seek (a new controller generation) resets LastElapsed and adopts the new
// Generation. Active is kept: the next tick compares the line at the new
// position with the one already on screen, so a seek inside the current line
// emits nothing and any other seek emits exactly one transition. Ticks counts
// over the engine's lifetime and is never reset.
type Cursor struct {
	Active      int
	LastElapsed time.Duration
	Ticks       uint64
	Generation  uint64
}

type Engine struct {
	tl   *timeline.Timeline
	ctl  *playback.Controller
	sink presentation.Sink
	opts Options
	log  *slog.Logger

	cursor   Cursor
	noticed  bool
	finished bool

	ticks       metric.Int64Counter
	transitions metric.Int64Counter
	anomalies   metric.Int64Counter
}

func New(tl *timeline.Timeline, ctl *playback.Controller, sink presentation.Sink, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxGapWait < opts.PollInterval {
		opts.MaxGapWait = max(DefaultMaxGapWait, opts.PollInterval)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		tl:     tl,
		ctl:    ctl,
		sink:   sink,
		opts:   opts,
		log:    opts.Logger.With(slog.String("component", "sync-engine"), slog.String("session_id", opts.SessionID)),
		cursor: Cursor{Active: timeline.None},
	}
	e.initMetrics(otel.Meter("github.com/loqalabs/lyricsync/syncengine"))
	return e
}

func (e *Engine) initMetrics(meter metric.Meter) {
	var err error
	if e.ticks, err = meter.Int64Counter("lyricsync.engine.ticks", metric.WithDescription("Sync engine ticks")); err != nil {
		e.log.Warn("failed to create tick counter", slog.String("error", err.Error()))
	}
	if e.transitions, err = meter.Int64Counter("lyricsync.engine.transitions", metric.WithDescription("Lyric transitions emitted")); err != nil {
		e.log.Warn("failed to create transition counter", slog.String("error", err.Error()))
	}
	if e.anomalies, err = meter.Int64Counter("lyricsync.engine.clock_anomalies", metric.WithDescription("Clock anomalies reported")); err != nil {
		e.log.Warn("failed to create anomaly counter", slog.String("error", err.Error()))
	}
}

// Cursor returns a copy of the engine's cursor. Not safe to call while Run
// is active.
func (e *Engine) Cursor() Cursor { return e.cursor }

// Run ticks until playback finishes or stops, or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		wait, done := e.Tick(ctx)
		if done {
			return nil
		}
		var fire <-chan time.Time
		if wait != WaitForChange {
			timer.Reset(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ctl.Changes():
		case <-fire:
		}
	}
}

// Tick performs one poll. It returns how long to wait before the next one
// and whether the engine is done.
func (e *Engine) Tick(ctx context.Context) (time.Duration, bool) {
	e.drainAnomalies(ctx)
	snap := e.ctl.Snapshot()

	if snap.Degraded && !e.noticed {
		e.noticed = true
		e.emit(ctx, presentation.Event{
			Kind:     presentation.KindNotice,
			Message:  fmt.Sprintf("audio unavailable, lyrics only (%s)", snap.Reason),
			Position: e.cursor.LastElapsed,
		}, snap.Generation)
	}

	switch snap.State {
	case playback.Stopped:
		e.emit(ctx, presentation.Event{Kind: presentation.KindNotice, Message: "playback stopped", Position: e.cursor.LastElapsed}, snap.Generation)
		e.cursor = Cursor{Active: timeline.None, Generation: snap.Generation}
		return 0, true
	case playback.Paused:
		return WaitForChange, false
	case playback.Finished:
		e.finish(ctx, snap.Duration, snap.Generation)
		return 0, true
	}

	if snap.Generation != e.cursor.Generation {
		e.cursor.Generation = snap.Generation
		e.cursor.LastElapsed = 0
	}

	elapsed := snap.Clock.Elapsed()
	e.cursor.Ticks++
	e.add(ctx, e.ticks)

	if elapsed >= snap.Duration || snap.Clock.Exhausted() {
		if e.ctl.Complete(snap.Generation) {
			e.finish(ctx, snap.Duration, snap.Generation)
			return 0, true
		}
		// Someone else changed the state first; look again.
		return e.opts.PollInterval, false
	}

	idx := e.tl.ActiveIndex(elapsed)
	if idx != e.cursor.Active {
		e.transition(ctx, idx, elapsed, snap.Generation)
	}
	e.cursor.LastElapsed = elapsed

	if idx != timeline.None {
		return e.opts.PollInterval, false
	}
	target, ok := e.tl.NextBoundaryAfter(elapsed)
	if !ok {
		target = snap.Duration
	}
	return min(max(target-elapsed, minWait), e.opts.MaxGapWait), false
}

func (e *Engine) transition(ctx context.Context, next int, at time.Duration, gen uint64) {
	evt := presentation.Transition(e.tl, e.cursor.Active, next)
	evt.Position = at
	e.cursor.Active = next
	e.add(ctx, e.transitions)
	e.emit(ctx, evt, gen)
}

func (e *Engine) finish(ctx context.Context, duration time.Duration, gen uint64) {
	if e.finished {
		return
	}
	e.finished = true
	if e.cursor.Active != timeline.None {
		e.transition(ctx, timeline.None, duration, gen)
	}
	e.cursor.LastElapsed = duration
	e.emit(ctx, presentation.Event{Kind: presentation.KindFinished, Position: duration}, gen)
}

func (e *Engine) drainAnomalies(ctx context.Context) {
	for {
		select {
		case a := <-e.ctl.Anomalies():
			e.add(ctx, e.anomalies, attribute.String("kind", string(a.Kind)))
			e.emit(ctx, presentation.Event{
				Kind:     presentation.KindDiagnostic,
				Message:  describeAnomaly(a),
				Position: a.Clamped,
			}, e.cursor.Generation)
		default:
			return
		}
	}
}

func describeAnomaly(a clock.Anomaly) string {
	switch a.Kind {
	case clock.AnomalyRewind:
		return fmt.Sprintf("clock rewind: device reported %s, held at %s", a.Reported, a.Clamped)
	case clock.AnomalyFeedLost:
		return fmt.Sprintf("audio position lost at %s, continuing on wall clock", a.Clamped)
	default:
		return string(a.Kind)
	}
}

func (e *Engine) emit(ctx context.Context, evt presentation.Event, gen uint64) {
	evt.SessionID = e.opts.SessionID
	evt.Generation = gen
	evt.At = e.opts.Now()
	if err := e.sink.Publish(ctx, evt); err != nil {
		e.log.Warn("presentation sink failed",
			slog.String("kind", string(evt.Kind)),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
