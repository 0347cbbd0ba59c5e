package presentation

import (
	"context"

	"github.com/loqalabs/lyricsync/internal/protocol"
)

// Publisher is the slice of the bus client BusSink needs.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// BusSink publishes events on lyrics.event.<kind>.
type BusSink struct {
	pub Publisher
}

func NewBusSink(pub Publisher) *BusSink {
	return &BusSink{pub: pub}
}

func (b *BusSink) Publish(_ context.Context, evt Event) error {
	return b.pub.PublishJSON(protocol.EventSubject(string(evt.Kind)), evt.Wire())
}
