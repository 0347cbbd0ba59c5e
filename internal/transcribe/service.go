package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/lyricsync/internal/timeline"
)

// Service writes a lyrics file for an audio file using a Recognizer.
type Service struct {
	rec       Recognizer
	outputDir string
	asciiArt  bool
	log       *slog.Logger
}

func NewService(rec Recognizer, outputDir string, asciiArt bool, log *slog.Logger) *Service {
	return &Service{
		rec:       rec,
		outputDir: outputDir,
		asciiArt:  asciiArt,
		log:       log.With(slog.String("component", "transcribe")),
	}
}

// Result describes a generated lyrics file.
type Result struct {
	Path     string
	Timeline *timeline.Timeline
	Took     time.Duration
}

// Generate transcribes audioPath and writes <outputDir>/<base>_lyrics.json.
// The records are validated before anything is written.
func (s *Service) Generate(ctx context.Context, audioPath string) (Result, error) {
	start := time.Now()
	records, err := s.rec.Transcribe(ctx, audioPath)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe %s: %w", audioPath, err)
	}
	if s.asciiArt {
		for i := range records {
			if records[i].ASCIIArt == "" {
				records[i].ASCIIArt = Banner(records[i].Text)
			}
		}
	}
	tl, err := timeline.Load(records)
	if err != nil {
		return Result{}, err
	}

	path := timeline.LyricsPath(s.outputDir, audioPath)
	if err := timeline.WriteFile(path, records); err != nil {
		return Result{}, err
	}
	took := time.Since(start)
	s.log.Info("lyrics written",
		slog.String("audio", audioPath),
		slog.String("path", path),
		slog.Int("segments", tl.Len()),
		slog.Duration("took", took))
	return Result{Path: path, Timeline: tl, Took: took}, nil
}
