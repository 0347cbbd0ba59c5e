// Package clock provides the playback time sources the sync engine polls.
//
// Every Source guarantees that Elapsed never decreases between two calls
// unless the owner explicitly seeks.
package clock

import "time"

// Source produces elapsed playback time.
type Source interface {
	Elapsed() time.Duration
	Exhausted() bool
}

// Clock is a Source the playback controller can steer.
type Clock interface {
	Source
	Kind() Kind
	Pause()
	Resume()
	Seek(t time.Duration)
	Release()
}

// Kind names the implementation backing a Clock.
type Kind string

const (
	KindDevice    Kind = "device"
	KindSimulated Kind = "simulated"
)

// AnomalyKind classifies a non-fatal clock irregularity.
type AnomalyKind string

const (
	// AnomalyRewind is a device position lower than the previous reading.
	AnomalyRewind AnomalyKind = "rewind"
	// AnomalyFeedLost is a device that stopped reporting before the end.
	AnomalyFeedLost AnomalyKind = "feed_lost"
)

// Anomaly describes a reading the clock refused to propagate.
type Anomaly struct {
	Kind     AnomalyKind
	Reported time.Duration
	Clamped  time.Duration
	At       time.Time
}
