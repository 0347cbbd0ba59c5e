// Package session ties one timeline to one playback controller, sync engine
// and presentation fan-out. A Manager owns the sessions of a daemon; the CLI
// builds a single Session directly.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/lyricsync/internal/audio"
	"github.com/loqalabs/lyricsync/internal/bus"
	"github.com/loqalabs/lyricsync/internal/capability"
	"github.com/loqalabs/lyricsync/internal/clock"
	"github.com/loqalabs/lyricsync/internal/config"
	"github.com/loqalabs/lyricsync/internal/eventstore"
	"github.com/loqalabs/lyricsync/internal/playback"
	"github.com/loqalabs/lyricsync/internal/presentation"
	"github.com/loqalabs/lyricsync/internal/syncengine"
	"github.com/loqalabs/lyricsync/internal/timeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/loqalabs/lyricsync/session")

// Deps are the shared collaborators a session may use. Everything except
// Config is optional.
type Deps struct {
	Config   config.Config
	Bus      *bus.Client
	Registry *capability.Registry
	Store    *eventstore.Store
	Redis    presentation.RedisClient
	Logger   *slog.Logger
	Now      func() time.Time
	// Sinks are added to the fan-out of every session, e.g. a terminal
	// writer in the CLI.
	Sinks []presentation.Sink
	// Outputs replaces the configured audio output chain.
	Outputs func(id, audioPath string) []audio.Output
}

// Request describes a session to create.
type Request struct {
	TimelinePath string `json:"timeline_path"`
	AudioPath    string `json:"audio_path,omitempty"`
	NoAudio      bool   `json:"no_audio,omitempty"`
}

// Info is the externally visible state of a session.
type Info struct {
	ID           string    `json:"id"`
	TimelinePath string    `json:"timeline_path"`
	AudioPath    string    `json:"audio_path,omitempty"`
	Output       string    `json:"output,omitempty"`
	Segments     int       `json:"segments"`
	State        string    `json:"state"`
	Position     float64   `json:"position_s"`
	Duration     float64   `json:"duration_s"`
	Clock        string    `json:"clock,omitempty"`
	Degraded     bool      `json:"degraded"`
	Reason       string    `json:"reason,omitempty"`
	Generation   uint64    `json:"generation"`
	CreatedAt    time.Time `json:"created_at"`
}

type Session struct {
	id      string
	req     Request
	deps    Deps
	tl      *timeline.Timeline
	ctl     *playback.Controller
	sink    presentation.Fanout
	hub     *presentation.Hub
	log     *slog.Logger
	created time.Time

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// Open loads the timeline, probes the audio duration, negotiates an output
// and records the session in the journal. ErrInvalidTimeline is returned
// before anything else happens.
func Open(parent context.Context, req Request, deps Deps) (*Session, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	records, err := timeline.ReadFile(req.TimelinePath)
	if err != nil {
		return nil, err
	}
	if _, err := timeline.Load(records); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := deps.Logger.With(slog.String("component", "session"), slog.String("session_id", id))
	pcfg := deps.Config.Playback
	noAudio := req.NoAudio || pcfg.NoAudio || req.AudioPath == ""

	tl, err := buildTimeline(parent, records, req.AudioPath, pcfg, log)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	ctx, span := tracer.Start(ctx, "lyricsync.session",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("session.timeline", req.TimelinePath),
			attribute.Int("session.segments", tl.Len()),
		))

	s := &Session{
		id:      id,
		req:     req,
		deps:    deps,
		tl:      tl,
		log:     log,
		created: deps.Now(),
		ctx:     ctx,
		cancel:  cancel,
		span:    span,
	}

	var candidates []audio.Output
	if !noAudio {
		candidates = s.outputs()
	}
	s.ctl = playback.New(parent, tl.Duration(), candidates, playback.Options{
		NoAudio: noAudio,
		Now:     deps.Now,
		Logger:  log,
	})
	s.sink = s.buildSinks()

	if s.journalEnabled() {
		kind := clock.KindSimulated
		if s.ctl.OutputName() != "" {
			kind = clock.KindDevice
		}
		if err := deps.Store.OpenSession(parent, eventstore.Session{
			ID:           id,
			TimelinePath: req.TimelinePath,
			AudioPath:    req.AudioPath,
			ClockKind:    string(kind),
			CreatedAt:    s.created,
		}); err != nil {
			log.Warn("failed to journal session", slogError(err))
		}
	}

	log.Info("session opened",
		slog.String("timeline", req.TimelinePath),
		slog.String("audio", req.AudioPath),
		slog.String("output", s.ctl.OutputName()),
		slog.Int("segments", tl.Len()),
		slog.Duration("duration", tl.Duration()))
	return s, nil
}

// buildTimeline extends the lyric duration to the audio length when it can
// be probed, otherwise pads past the last lyric.
func buildTimeline(ctx context.Context, records []timeline.Record, audioPath string, pcfg config.PlaybackConfig, log *slog.Logger) (*timeline.Timeline, error) {
	if audioPath != "" {
		d, err := audio.ProbeDuration(ctx, audioPath, pcfg.ProbeCommand)
		if err == nil {
			return timeline.New(records, d)
		}
		log.Warn("audio duration unknown, padding lyrics", slogError(err))
	}
	base, err := timeline.Load(records)
	if err != nil {
		return nil, err
	}
	if pcfg.TailPadding() <= 0 {
		return base, nil
	}
	return timeline.New(records, base.Duration()+pcfg.TailPadding())
}

func (s *Session) outputs() []audio.Output {
	if s.deps.Outputs != nil {
		return s.deps.Outputs(s.id, s.req.AudioPath)
	}
	pcfg := s.deps.Config.Playback
	var out []audio.Output
	for _, name := range pcfg.Outputs {
		switch name {
		case "exec":
			o, err := audio.NewExecOutput(audio.ExecOptions{
				Command: pcfg.PlayerCommand,
				Path:    s.req.AudioPath,
				Now:     s.deps.Now,
			}, s.log)
			if err != nil {
				s.log.Warn("skipping exec output", slogError(err))
				continue
			}
			out = append(out, o)
		case "bus":
			if s.deps.Bus == nil || s.deps.Registry == nil {
				s.log.Warn("skipping bus output, bus not connected")
				continue
			}
			out = append(out, audio.NewBusOutput(audio.BusOptions{
				Publisher: s.deps.Bus,
				Sinks:     s.deps.Registry,
				SessionID: s.id,
				Path:      s.req.AudioPath,
				Chunk:     time.Duration(pcfg.ChunkMS) * time.Millisecond,
				Now:       s.deps.Now,
			}, s.log))
		}
	}
	return out
}

func (s *Session) buildSinks() presentation.Fanout {
	pres := s.deps.Config.Presentation
	var sinks presentation.Fanout
	if pres.Log {
		sinks = append(sinks, presentation.NewLogSink(s.log))
	}
	if pres.Bus && s.deps.Bus != nil {
		sinks = append(sinks, presentation.NewBusSink(s.deps.Bus))
	}
	if s.journalEnabled() {
		sinks = append(sinks, presentation.NewJournalSink(s.deps.Store))
	}
	if pres.Redis && s.deps.Redis != nil {
		rcfg := s.deps.Config.Redis
		sinks = append(sinks, presentation.NewRedisSink(s.deps.Redis, rcfg.Prefix, rcfg.KeyTTL()))
	}
	if pres.WebSocket {
		s.hub = presentation.NewHub(s.log)
		sinks = append(sinks, s.hub)
	}
	return append(sinks, s.deps.Sinks...)
}

func (s *Session) journalEnabled() bool {
	return s.deps.Config.Presentation.Journal && s.deps.Store != nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Timeline() *timeline.Timeline { return s.tl }

// Hub is the WebSocket event stream, or nil when disabled.
func (s *Session) Hub() *presentation.Hub { return s.hub }

// Play starts playback from the beginning and launches the sync engine.
func (s *Session) Play(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if st := s.ctl.Snapshot().State; st == playback.Playing || st == playback.Paused {
		return &playback.StateError{Op: "play", State: st}
	}
	// The previous engine has seen Stopped or Finished and is exiting.
	if s.done != nil {
		<-s.done
	}
	if err := s.traced(ctx, "play", func() error { return s.ctl.Play(ctx) }); err != nil {
		return err
	}
	engine := syncengine.New(s.tl, s.ctl, s.sink, syncengine.Options{
		SessionID:    s.id,
		PollInterval: s.deps.Config.Playback.PollInterval(),
		MaxGapWait:   s.deps.Config.Playback.MaxGapWait(),
		Now:          s.deps.Now,
		Logger:       s.deps.Logger,
	})
	done := make(chan struct{})
	s.done = done
	go s.run(engine, done)
	return nil
}

func (s *Session) run(engine *syncengine.Engine, done chan struct{}) {
	defer close(done)
	if err := engine.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("sync engine exited", slogError(err))
	}
	s.span.AddEvent("engine.exit", trace.WithAttributes(
		attribute.String("state", s.ctl.Snapshot().State.String()),
		attribute.Int64("ticks", int64(engine.Cursor().Ticks)),
	))
}

func (s *Session) Pause(ctx context.Context) error {
	return s.op(ctx, "pause", func() error { return s.ctl.Pause() })
}

func (s *Session) Resume(ctx context.Context) error {
	return s.op(ctx, "resume", func() error { return s.ctl.Resume(ctx) })
}

// Seek moves playback to t; out-of-range positions are clamped.
func (s *Session) Seek(ctx context.Context, t time.Duration) error {
	return s.op(ctx, "seek", func() error { return s.ctl.Seek(ctx, t) })
}

// Stop halts playback and waits for the engine to exit.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.stopLocked(ctx)
	return nil
}

func (s *Session) stopLocked(ctx context.Context) {
	_ = s.traced(ctx, "stop", func() error {
		s.ctl.Stop()
		return nil
	})
	if s.done != nil {
		<-s.done
		s.done = nil
	}
}

// Wait blocks until the running engine exits or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Status() playback.Status { return s.ctl.Status() }

func (s *Session) Info() Info {
	st := s.ctl.Status()
	return Info{
		ID:           s.id,
		TimelinePath: s.req.TimelinePath,
		AudioPath:    s.req.AudioPath,
		Output:       st.Output,
		Segments:     s.tl.Len(),
		State:        st.State.String(),
		Position:     st.Position.Seconds(),
		Duration:     st.Duration.Seconds(),
		Clock:        string(st.ClockKind),
		Degraded:     st.Degraded,
		Reason:       st.Reason,
		Generation:   st.Generation,
		CreatedAt:    s.created,
	}
}

// Close stops playback, closes the event stream and stamps the journal
// with the final state. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	final := s.ctl.Snapshot().State
	s.stopLocked(ctx)
	s.closed = true
	s.cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	var err error
	if s.journalEnabled() {
		if err = s.deps.Store.CloseSession(ctx, s.id, final.String()); err != nil {
			s.log.Warn("failed to close journal session", slogError(err))
		}
	}
	s.span.SetAttributes(attribute.String("session.final_state", final.String()))
	s.span.End()
	s.log.Info("session closed", slog.String("final_state", final.String()))
	return err
}

func (s *Session) op(ctx context.Context, name string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.traced(ctx, name, fn)
}

func (s *Session) traced(ctx context.Context, name string, fn func() error) error {
	_, span := tracer.Start(ctx, "lyricsync.session."+name,
		trace.WithLinks(trace.LinkFromContext(s.ctx)),
		trace.WithAttributes(attribute.String("session.id", s.id)))
	defer span.End()
	err := fn()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Session) checkOpen() error {
	if s.closed {
		return fmt.Errorf("session %s: %w", s.id, ErrClosed)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
