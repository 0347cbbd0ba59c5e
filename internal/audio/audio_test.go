package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/lyricsync/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeWAV(t *testing.T, seconds float64) string {
	t.Helper()
	const rate = 8000
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	samples := make([]int, int(seconds*rate))
	for i := range samples {
		samples[i] = (i % 64) * 256
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: rate}, Data: samples, SourceBitDepth: 16}); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

type fakeOutput struct {
	name    string
	openErr error
}

func (f *fakeOutput) Name() string                              { return f.name }
func (f *fakeOutput) Open(context.Context) error                { return f.openErr }
func (f *fakeOutput) Play(context.Context, time.Duration) error { return nil }
func (f *fakeOutput) Position() (time.Duration, bool)           { return 0, true }
func (f *fakeOutput) Stop() error                               { return nil }

func TestNegotiatePicksFirstAvailable(t *testing.T) {
	candidates := []Output{
		&fakeOutput{name: "exec", openErr: ErrOutputUnavailable},
		&fakeOutput{name: "bus"},
	}
	out, err := Negotiate(context.Background(), candidates, newLogger())
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if out.Name() != "bus" {
		t.Fatalf("expected bus, got %s", out.Name())
	}
}

func TestNegotiateJoinsFailures(t *testing.T) {
	candidates := []Output{
		&fakeOutput{name: "exec", openErr: errors.New("ffplay missing")},
		&fakeOutput{name: "bus", openErr: errors.New("no sink")},
	}
	_, err := Negotiate(context.Background(), candidates, newLogger())
	if !errors.Is(err, ErrOutputUnavailable) {
		t.Fatalf("expected ErrOutputUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "ffplay missing") || !strings.Contains(err.Error(), "no sink") {
		t.Fatalf("expected every failure reported, got %v", err)
	}

	if _, err := Negotiate(context.Background(), nil, newLogger()); !errors.Is(err, ErrOutputUnavailable) {
		t.Fatalf("expected ErrOutputUnavailable for empty list, got %v", err)
	}
}

func TestProbeDurationWAV(t *testing.T) {
	path := writeWAV(t, 1.5)
	d, err := ProbeDuration(context.Background(), path, "")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if d != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %s", d)
	}
}

func TestWAVDurationExcludesHeader(t *testing.T) {
	for _, secs := range []float64{0.25, 1, 3} {
		d, err := ProbeDuration(context.Background(), writeWAV(t, secs), "")
		if err != nil {
			t.Fatalf("duration of %.2fs file: %v", secs, err)
		}
		if want := time.Duration(secs * float64(time.Second)); d != want {
			t.Fatalf("expected %s, got %s", want, d)
		}
	}
}

func TestWAVDurationRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.wav")
	if err := os.WriteFile(path, []byte("not a riff file"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ProbeDuration(context.Background(), path, ""); !errors.Is(err, ErrUnknownDuration) {
		t.Fatalf("expected ErrUnknownDuration, got %v", err)
	}
}

func TestProbeDurationCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "song.mp3")
	if err := os.WriteFile(path, []byte("not really audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := ProbeDuration(context.Background(), path, `sh -c 'echo 12.5' probe`)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if d != 12500*time.Millisecond {
		t.Fatalf("expected 12.5s, got %s", d)
	}

	if _, err := ProbeDuration(context.Background(), path, ""); !errors.Is(err, ErrUnknownDuration) {
		t.Fatalf("expected ErrUnknownDuration, got %v", err)
	}
	if _, err := ProbeDuration(context.Background(), path, `sh -c 'echo nope' probe`); !errors.Is(err, ErrUnknownDuration) {
		t.Fatalf("expected ErrUnknownDuration for garbage output, got %v", err)
	}
}

func TestExecOutputUnavailable(t *testing.T) {
	out, err := NewExecOutput(ExecOptions{Command: "definitely-not-a-player-binary -q", Path: "song.mp3"}, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := out.Open(context.Background()); !errors.Is(err, ErrOutputUnavailable) {
		t.Fatalf("expected ErrOutputUnavailable, got %v", err)
	}
	if _, err := NewExecOutput(ExecOptions{Command: "  "}, newLogger()); err == nil {
		t.Fatal("expected empty command error")
	}
}

func TestExecOutputPlayAndStop(t *testing.T) {
	path := writeWAV(t, 0.1)
	out, err := NewExecOutput(ExecOptions{Command: `sh -c 'sleep 5' player`, Path: path}, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := out.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := out.Position(); ok {
		t.Fatal("position should be unknown before play")
	}
	if err := out.Play(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("play: %v", err)
	}
	pos, ok := out.Position()
	if !ok || pos < 2*time.Second {
		t.Fatalf("expected position from 2s, got %s ok=%v", pos, ok)
	}
	if err := out.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := out.Position(); ok {
		t.Fatal("position should be unknown after stop")
	}
}

func TestExecOutputCrashLosesFeed(t *testing.T) {
	path := writeWAV(t, 0.1)
	out, err := NewExecOutput(ExecOptions{Command: `sh -c 'exit 3' player`, Path: path}, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := out.Play(context.Background(), 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := out.Position(); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("crashed player still reports a position")
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = out.Stop()
}

type recordingPublisher struct {
	mu     sync.Mutex
	frames []protocol.AudioFrame
	subj   string
}

func (r *recordingPublisher) PublishJSON(subject string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subj = subject
	r.frames = append(r.frames, v.(protocol.AudioFrame))
	return nil
}

func (r *recordingPublisher) snapshot() []protocol.AudioFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.AudioFrame(nil), r.frames...)
}

type staticSinks bool

func (s staticSinks) HasHealthy(string) bool { return bool(s) }

func waitFinal(t *testing.T, pub *recordingPublisher) []protocol.AudioFrame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		frames := pub.snapshot()
		if n := len(frames); n > 0 && frames[n-1].Final {
			return frames
		}
		if time.Now().After(deadline) {
			t.Fatal("stream never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBusOutputRequiresSink(t *testing.T) {
	path := writeWAV(t, 0.1)
	out := NewBusOutput(BusOptions{Publisher: &recordingPublisher{}, Sinks: staticSinks(false), SessionID: "s1", Path: path}, newLogger())
	if err := out.Open(context.Background()); !errors.Is(err, ErrOutputUnavailable) {
		t.Fatalf("expected ErrOutputUnavailable, got %v", err)
	}
	out = NewBusOutput(BusOptions{Publisher: &recordingPublisher{}, Sinks: staticSinks(true), SessionID: "s1", Path: path}, newLogger())
	if err := out.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
}

func TestBusOutputStreamsWholeFile(t *testing.T) {
	path := writeWAV(t, 0.3)
	pub := &recordingPublisher{}
	out := NewBusOutput(BusOptions{Publisher: pub, Sinks: staticSinks(true), SessionID: "s1", Path: path, Chunk: 100 * time.Millisecond}, newLogger())
	if err := out.Play(context.Background(), 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	t.Cleanup(func() { _ = out.Stop() })

	frames := waitFinal(t, pub)
	var total int
	for i, f := range frames {
		if f.Sequence != i {
			t.Fatalf("frame %d has sequence %d", i, f.Sequence)
		}
		total += len(f.PCM)
	}
	if total != 4800 {
		t.Fatalf("expected 4800 PCM bytes, got %d", total)
	}
	if pub.subj != protocol.AudioSubject("s1") {
		t.Fatalf("unexpected subject %s", pub.subj)
	}
	if _, ok := out.Position(); !ok {
		t.Fatal("finished stream should keep reporting position")
	}
}

func TestBusOutputSeeksIntoFile(t *testing.T) {
	path := writeWAV(t, 0.3)
	pub := &recordingPublisher{}
	out := NewBusOutput(BusOptions{Publisher: pub, Sinks: staticSinks(true), SessionID: "s1", Path: path}, newLogger())
	if err := out.Play(context.Background(), 200*time.Millisecond); err != nil {
		t.Fatalf("play: %v", err)
	}
	t.Cleanup(func() { _ = out.Stop() })

	frames := waitFinal(t, pub)
	if frames[0].OffsetMS != 200 {
		t.Fatalf("expected first frame at 200ms, got %d", frames[0].OffsetMS)
	}
	var total int
	for _, f := range frames {
		total += len(f.PCM)
	}
	if total != 1600 {
		t.Fatalf("expected 1600 PCM bytes, got %d", total)
	}
	if pos, ok := out.Position(); !ok || pos < 200*time.Millisecond {
		t.Fatalf("expected position from 200ms, got %s ok=%v", pos, ok)
	}
	if err := out.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := out.Position(); ok {
		t.Fatal("stopped stream should not report position")
	}
}
