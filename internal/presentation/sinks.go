package presentation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Fanout delivers every event to each sink in order and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink records events on a structured logger.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log.With(slog.String("component", "presentation"))}
}

func (l *LogSink) Publish(ctx context.Context, evt Event) error {
	attrs := []slog.Attr{
		slog.String("kind", string(evt.Kind)),
		slog.String("session_id", evt.SessionID),
		slog.Duration("position", evt.Position),
	}
	level := slog.LevelInfo
	switch evt.Kind {
	case KindTransition:
		attrs = append(attrs,
			slog.String("previous", evt.Previous),
			slog.String("next", evt.Next),
			slog.Int("next_index", evt.NextIndex))
		level = slog.LevelDebug
	case KindDiagnostic:
		attrs = append(attrs, slog.String("message", evt.Message))
		level = slog.LevelWarn
	default:
		attrs = append(attrs, slog.String("message", evt.Message))
	}
	l.log.LogAttrs(ctx, level, "lyric event", attrs...)
	return nil
}

// WriterSink renders events as plain lines for a terminal.
type WriterSink struct {
	mu       sync.Mutex
	w        io.Writer
	asciiArt bool
}

func NewWriterSink(w io.Writer, asciiArt bool) *WriterSink {
	return &WriterSink{w: w, asciiArt: asciiArt}
}

func (t *WriterSink) Publish(_ context.Context, evt Event) error {
	var b strings.Builder
	stamp := fmt.Sprintf("[%02d:%05.2f]", int(evt.Position/time.Minute), (evt.Position % time.Minute).Seconds())
	switch evt.Kind {
	case KindTransition:
		if evt.NextIndex < 0 {
			fmt.Fprintf(&b, "%s ...\n", stamp)
			break
		}
		if t.asciiArt && evt.ASCIIArt != "" {
			b.WriteString(evt.ASCIIArt)
			if !strings.HasSuffix(evt.ASCIIArt, "\n") {
				b.WriteByte('\n')
			}
		}
		fmt.Fprintf(&b, "%s %s\n", stamp, evt.Next)
	case KindNotice:
		fmt.Fprintf(&b, "%s (%s)\n", stamp, evt.Message)
	case KindDiagnostic:
		fmt.Fprintf(&b, "%s ! %s\n", stamp, evt.Message)
	case KindFinished:
		fmt.Fprintf(&b, "%s -- end --\n", stamp)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := io.WriteString(t.w, b.String())
	return err
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Last returns the most recent event of the given kind.
func (r *Recorder) Last(kind Kind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}
