package presentation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/lyricsync/internal/eventstore"
)

// Appender is the slice of the event store the journal needs.
type Appender interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// JournalSink records every event in the session journal.
type JournalSink struct {
	store Appender
}

func NewJournalSink(store Appender) *JournalSink {
	return &JournalSink{store: store}
}

func (j *JournalSink) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt.Wire())
	if err != nil {
		return fmt.Errorf("encode journal event: %w", err)
	}
	return j.store.AppendEvent(ctx, eventstore.Event{
		SessionID:  evt.SessionID,
		Kind:       string(evt.Kind),
		PositionMS: evt.Position.Milliseconds(),
		Generation: evt.Generation,
		Payload:    payload,
		CreatedAt:  evt.At,
	})
}
