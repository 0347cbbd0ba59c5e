// Package presentation delivers sync engine events to whatever shows them:
// logs, the terminal, the bus, Redis, the session journal and WebSocket
// clients.
package presentation

import (
	"context"
	"time"

	"github.com/loqalabs/lyricsync/internal/protocol"
	"github.com/loqalabs/lyricsync/internal/timeline"
)

type Kind string

const (
	KindTransition Kind = "transition"
	KindNotice     Kind = "notice"
	KindDiagnostic Kind = "diagnostic"
	KindFinished   Kind = "finished"
)

// Event is one thing the display should know about. For transitions the
// indices are timeline.None when no segment is showing on that side.
type Event struct {
	Kind          Kind
	SessionID     string
	PreviousIndex int
	NextIndex     int
	Previous      string
	Next          string
	ASCIIArt      string
	Position      time.Duration
	Generation    uint64
	Message       string
	At            time.Time
}

// Transition builds a transition event between two timeline indices.
func Transition(tl *timeline.Timeline, prev, next int) Event {
	evt := Event{Kind: KindTransition, PreviousIndex: prev, NextIndex: next}
	if prev != timeline.None {
		evt.Previous = tl.Segment(prev).Text
	}
	if next != timeline.None {
		seg := tl.Segment(next)
		evt.Next = seg.Text
		evt.ASCIIArt = seg.ASCIIArt
	}
	return evt
}

// Wire converts the event to its bus and WebSocket form. Absent segments are
// encoded as null.
func (e Event) Wire() protocol.LyricEvent {
	msg := protocol.LyricEvent{
		Kind:          string(e.Kind),
		SessionID:     e.SessionID,
		PreviousIndex: e.PreviousIndex,
		NextIndex:     e.NextIndex,
		ASCIIArt:      e.ASCIIArt,
		PositionMS:    e.Position.Milliseconds(),
		Generation:    e.Generation,
		Message:       e.Message,
		Timestamp:     e.At.UTC(),
	}
	if e.Kind == KindTransition {
		if e.PreviousIndex != timeline.None {
			prev := e.Previous
			msg.Previous = &prev
		}
		if e.NextIndex != timeline.None {
			next := e.Next
			msg.Next = &next
		}
	}
	return msg
}

// Sink receives events in emission order. Publish errors are reported to the
// engine, which logs them and carries on.
type Sink interface {
	Publish(ctx context.Context, evt Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event) error

func (f SinkFunc) Publish(ctx context.Context, evt Event) error { return f(ctx, evt) }
