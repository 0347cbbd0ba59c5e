package session

import (
	"errors"
	"io/fs"

	"github.com/loqalabs/lyricsync/internal/playback"
	"github.com/loqalabs/lyricsync/internal/timeline"
)

// Error classes reported by the control surfaces.
const (
	ClassState    = "state"
	ClassInvalid  = "invalid_timeline"
	ClassMissing  = "missing_file"
	ClassNotFound = "not_found"
	ClassClosed   = "closed"
	ClassInternal = "internal"
)

// Classify maps an operation error to a stable class name.
func Classify(err error) string {
	var stateErr *playback.StateError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &stateErr):
		return ClassState
	case errors.Is(err, timeline.ErrInvalidTimeline):
		return ClassInvalid
	case errors.Is(err, fs.ErrNotExist):
		return ClassMissing
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrClosed):
		return ClassClosed
	default:
		return ClassInternal
	}
}
