package transcribe

import (
	"context"
	"fmt"

	"github.com/loqalabs/lyricsync/internal/config"
	"github.com/loqalabs/lyricsync/internal/timeline"
)

// Recognizer turns an audio file into timed lyric records.
type Recognizer interface {
	Transcribe(ctx context.Context, audioPath string) ([]timeline.Record, error)
}

func NewRecognizer(cfg config.TranscribeConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown transcribe mode %q", cfg.Mode)
	}
}
