// Package audio holds the collaborators that actually make sound: output
// backends the playback controller negotiates once per session, and the
// duration probe used to size the timeline.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrOutputUnavailable means no backend can play the session's audio.
// Playback continues on a simulated clock.
var ErrOutputUnavailable = errors.New("audio output unavailable")

// Output is one way of playing a file. Position doubles as the device
// clock's feed: ok turns false when the backend no longer knows where it is.
type Output interface {
	Name() string
	// Open probes whether the backend can play at all. It does not start
	// playback.
	Open(ctx context.Context) error
	// Play starts (or restarts) playback at from.
	Play(ctx context.Context, from time.Duration) error
	Position() (pos time.Duration, ok bool)
	Stop() error
}

// Negotiate returns the first candidate whose Open succeeds. When none does
// the error wraps ErrOutputUnavailable and every probe failure.
func Negotiate(ctx context.Context, candidates []Output, log *slog.Logger) (Output, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no outputs configured", ErrOutputUnavailable)
	}
	errs := []error{ErrOutputUnavailable}
	for _, out := range candidates {
		if err := out.Open(ctx); err != nil {
			log.Info("audio output rejected",
				slog.String("output", out.Name()),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", out.Name(), err))
			continue
		}
		log.Info("audio output selected", slog.String("output", out.Name()))
		return out, nil
	}
	return nil, errors.Join(errs...)
}
