package transcribe

import (
	"context"

	"github.com/loqalabs/lyricsync/internal/timeline"
)

var demoLyrics = []timeline.Record{
	{Text: "Welcome", Start: 0.0, End: 1.0},
	{Text: "to", Start: 1.0, End: 1.5},
	{Text: "Automatic", Start: 1.5, End: 2.5},
	{Text: "Lyrics", Start: 2.5, End: 3.5},
	{Text: "Generator", Start: 3.5, End: 4.5},
	{Text: "This", Start: 5.0, End: 5.5},
	{Text: "is", Start: 5.5, End: 6.0},
	{Text: "a", Start: 6.0, End: 6.5},
	{Text: "demo", Start: 6.5, End: 7.0},
	{Text: "mode", Start: 7.0, End: 7.5},
	{Text: "without", Start: 8.0, End: 8.5},
	{Text: "Whisper", Start: 8.5, End: 9.0},
	{Text: "installed", Start: 9.0, End: 9.5},
}

type mockRecognizer struct{}

// NewMockRecognizer returns fixed demo lyrics regardless of the audio.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, _ string) ([]timeline.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]timeline.Record(nil), demoLyrics...), nil
}
