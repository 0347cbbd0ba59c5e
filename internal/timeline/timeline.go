package timeline

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// None marks the absence of an active segment.
const None = -1

// ErrInvalidTimeline reports malformed timeline input. Loading fails and no
// session is started.
var ErrInvalidTimeline = errors.New("invalid timeline")

// Record is one transcribed unit as produced by a transcription backend.
type Record struct {
	Text     string
	Start    float64 // seconds
	End      float64 // seconds
	ASCIIArt string
}

// Segment is an immutable, validated Record.
type Segment struct {
	Index    int // position in the original input
	Text     string
	ASCIIArt string
	Start    time.Duration
	End      time.Duration
}

// Contains reports whether t lies in the half-open window [Start, End).
func (s Segment) Contains(t time.Duration) bool {
	return t >= s.Start && t < s.End
}

// span is a resolved, non-overlapping window owned by a single segment.
type span struct {
	from time.Duration
	to   time.Duration
	seg  int
}

// Timeline is the read-only, ordered set of segments for one audio stream.
// It is safe for concurrent use once constructed.
type Timeline struct {
	segments   []Segment
	spans      []span
	boundaries []time.Duration
	duration   time.Duration
}

// Load validates records and builds a Timeline whose duration is the latest
// segment end.
func Load(records []Record) (*Timeline, error) {
	return New(records, 0)
}

// New validates records and builds a Timeline. audioDuration extends the
// total duration when the audio is known to run past the last segment.
func New(records []Record, audioDuration time.Duration) (*Timeline, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrInvalidTimeline)
	}
	if audioDuration < 0 {
		return nil, fmt.Errorf("%w: negative audio duration %s", ErrInvalidTimeline, audioDuration)
	}

	segments := make([]Segment, 0, len(records))
	for i, rec := range records {
		seg, err := toSegment(i, rec)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}

	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Start < segments[j].Start
	})

	duration := audioDuration
	for _, seg := range segments {
		if seg.End > duration {
			duration = seg.End
		}
	}

	bounds := boundaries(segments)
	return &Timeline{
		segments:   segments,
		spans:      resolveSpans(segments, bounds),
		boundaries: bounds,
		duration:   duration,
	}, nil
}

func toSegment(i int, rec Record) (Segment, error) {
	text := strings.TrimSpace(rec.Text)
	if text == "" {
		return Segment{}, fmt.Errorf("%w: segment %d has empty text", ErrInvalidTimeline, i)
	}
	if !finite(rec.Start) || !finite(rec.End) {
		return Segment{}, fmt.Errorf("%w: segment %d has non-finite timing", ErrInvalidTimeline, i)
	}
	if rec.Start < 0 || rec.End < 0 {
		return Segment{}, fmt.Errorf("%w: segment %d has negative timing (%.3fs, %.3fs)", ErrInvalidTimeline, i, rec.Start, rec.End)
	}
	if rec.Start > MaxSeconds || rec.End > MaxSeconds {
		return Segment{}, fmt.Errorf("%w: segment %d timing exceeds %.0fs", ErrInvalidTimeline, i, MaxSeconds)
	}
	if rec.End < rec.Start {
		return Segment{}, fmt.Errorf("%w: segment %d ends at %.3fs before it starts at %.3fs", ErrInvalidTimeline, i, rec.End, rec.Start)
	}
	return Segment{
		Index:    i,
		Text:     text,
		ASCIIArt: rec.ASCIIArt,
		Start:    Seconds(rec.Start),
		End:      Seconds(rec.End),
	}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// MaxSeconds is the largest timing a segment may carry. It stays well inside
// the range of time.Duration.
const MaxSeconds = 1e9

// Seconds converts fractional seconds to a Duration. Values beyond the range
// of time.Duration saturate, and NaN converts to 0.
func Seconds(sec float64) time.Duration {
	ns := math.Round(sec * float64(time.Second))
	switch {
	case math.IsNaN(ns):
		return 0
	case ns >= math.MaxInt64:
		return math.MaxInt64
	case ns <= math.MinInt64:
		return math.MinInt64
	}
	return time.Duration(ns)
}

// Len returns the number of segments.
func (t *Timeline) Len() int { return len(t.segments) }

// Duration returns the total duration of the timeline.
func (t *Timeline) Duration() time.Duration { return t.duration }

// Segment returns the segment at sorted position i.
func (t *Timeline) Segment(i int) Segment { return t.segments[i] }

// Segments returns a copy of the sorted segments.
func (t *Timeline) Segments() []Segment {
	return append([]Segment(nil), t.segments...)
}

// ActiveIndex returns the sorted position of the segment active at at, or
// None. Overlaps resolve to the latest start; identical windows resolve to
// the first in input order.
func (t *Timeline) ActiveIndex(at time.Duration) int {
	i := sort.Search(len(t.spans), func(i int) bool { return t.spans[i].to > at })
	if i < len(t.spans) && t.spans[i].from <= at {
		return t.spans[i].seg
	}
	return None
}

// ActiveAt returns the segment active at at.
func (t *Timeline) ActiveAt(at time.Duration) (Segment, bool) {
	idx := t.ActiveIndex(at)
	if idx == None {
		return Segment{}, false
	}
	return t.segments[idx], true
}

// NextBoundaryAfter returns the smallest segment start or end strictly
// greater than at. It reports false once at reaches the total duration or no
// boundary remains.
func (t *Timeline) NextBoundaryAfter(at time.Duration) (time.Duration, bool) {
	if at >= t.duration {
		return 0, false
	}
	i := sort.Search(len(t.boundaries), func(i int) bool { return t.boundaries[i] > at })
	if i == len(t.boundaries) {
		return 0, false
	}
	return t.boundaries[i], true
}

func boundaries(segments []Segment) []time.Duration {
	all := make([]time.Duration, 0, len(segments)*2)
	for _, seg := range segments {
		all = append(all, seg.Start, seg.End)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	out := all[:0]
	for i, b := range all {
		if i == 0 || b != out[len(out)-1] {
			out = append(out, b)
		}
	}
	return out
}

// resolveSpans sweeps the sorted boundaries once and records which segment
// wins each elementary window. Gaps are not stored.
func resolveSpans(segments []Segment, bounds []time.Duration) []span {
	h := &activeHeap{segments: segments}
	var spans []span
	next := 0
	for bi, b := range bounds {
		for next < len(segments) && segments[next].Start == b {
			heap.Push(h, next)
			next++
		}
		for h.Len() > 0 && segments[h.top()].End <= b {
			heap.Pop(h)
		}
		if bi == len(bounds)-1 || h.Len() == 0 {
			continue
		}
		winner, to := h.top(), bounds[bi+1]
		if n := len(spans); n > 0 && spans[n-1].seg == winner && spans[n-1].to == b {
			spans[n-1].to = to
			continue
		}
		spans = append(spans, span{from: b, to: to, seg: winner})
	}
	return spans
}

// activeHeap orders candidate segments by latest start, then by sorted
// position, which equals input order among equal starts.
type activeHeap struct {
	segments []Segment
	items    []int
}

func (h *activeHeap) Len() int { return len(h.items) }

func (h *activeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.segments[a].Start != h.segments[b].Start {
		return h.segments[a].Start > h.segments[b].Start
	}
	return a < b
}

func (h *activeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *activeHeap) Push(x any) { h.items = append(h.items, x.(int)) }

func (h *activeHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

func (h *activeHeap) top() int { return h.items[0] }
