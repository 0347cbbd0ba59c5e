package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/lyricsync/internal/audio"
	"github.com/loqalabs/lyricsync/internal/clock"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeNow() *fakeNow {
	return &fakeNow{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// fakeOutput reports from + wall time since Play while playing.
type fakeOutput struct {
	now     *fakeNow
	mu      sync.Mutex
	openErr error
	playErr error
	playing bool
	from    time.Duration
	started time.Time
	plays   []time.Duration
	stops   int
}

func (f *fakeOutput) Name() string               { return "fake" }
func (f *fakeOutput) Open(context.Context) error { return f.openErr }

func (f *fakeOutput) Play(_ context.Context, from time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays = append(f.plays, from)
	if f.playErr != nil {
		return f.playErr
	}
	f.playing = true
	f.from = from
	f.started = f.now.Now()
	return nil
}

func (f *fakeOutput) Position() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.playing {
		return 0, false
	}
	return f.from + f.now.Now().Sub(f.started), true
}

func (f *fakeOutput) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
	f.stops++
	return nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSimulated(t *testing.T, duration time.Duration) (*Controller, *fakeNow) {
	t.Helper()
	now := newFakeNow()
	c := New(context.Background(), duration, nil, Options{NoAudio: true, Now: now.Now, Logger: newLogger()})
	return c, now
}

func newDevice(t *testing.T, duration time.Duration) (*Controller, *fakeOutput, *fakeNow) {
	t.Helper()
	now := newFakeNow()
	out := &fakeOutput{now: now}
	c := New(context.Background(), duration, []audio.Output{out}, Options{Now: now.Now, Logger: newLogger()})
	return c, out, now
}

func expectStateError(t *testing.T, err error, op string, state State) {
	t.Helper()
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError, got %v", err)
	}
	if se.Op != op || se.State != state {
		t.Fatalf("expected %s/%s, got %s/%s", op, state, se.Op, se.State)
	}
}

func TestSimulatedPlaybackAdvances(t *testing.T) {
	c, now := newSimulated(t, 4*time.Second)
	if err := c.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	for _, tc := range []struct {
		advance time.Duration
		want    time.Duration
	}{
		{500 * time.Millisecond, 500 * time.Millisecond},
		{1000 * time.Millisecond, 1500 * time.Millisecond},
		{1500 * time.Millisecond, 3 * time.Second},
	} {
		now.Advance(tc.advance)
		if got := c.Status().Position; got != tc.want {
			t.Fatalf("expected %s, got %s", tc.want, got)
		}
	}
	st := c.Status()
	if !st.Degraded || st.ClockKind != clock.KindSimulated {
		t.Fatalf("expected degraded simulated playback, got %+v", st)
	}
}

func TestPauseIsIdempotentAndRejected(t *testing.T) {
	c, now := newSimulated(t, 10*time.Second)
	if err := c.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	now.Advance(2 * time.Second)
	if err := c.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	now.Advance(time.Second)
	expectStateError(t, c.Pause(), "pause", Paused)
	if got := c.Status(); got.State != Paused || got.Position != 2*time.Second {
		t.Fatalf("second pause changed state: %+v", got)
	}

	now.Advance(5 * time.Second)
	if err := c.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	now.Advance(time.Second)
	if got := c.Status().Position; got != 3*time.Second {
		t.Fatalf("expected pause excluded (3s), got %s", got)
	}
}

func TestInvalidTransitions(t *testing.T) {
	c, _ := newSimulated(t, 10*time.Second)
	expectStateError(t, c.Pause(), "pause", Stopped)
	expectStateError(t, c.Resume(context.Background()), "resume", Stopped)
	expectStateError(t, c.Seek(context.Background(), time.Second), "seek", Stopped)
	if err := c.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	expectStateError(t, c.Play(context.Background()), "play", Playing)
	expectStateError(t, c.Resume(context.Background()), "resume", Playing)
}

func TestSeekClampsAndBumpsGeneration(t *testing.T) {
	c, _ := newSimulated(t, 10*time.Second)
	if err := c.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	gen := c.Snapshot().Generation
	if err := c.Seek(context.Background(), 42*time.Second); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if got := c.Status().Position; got != 10*time.Second {
		t.Fatalf("expected clamp to 10s, got %s", got)
	}
	if err := c.Seek(context.Background(), -time.Second); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if got := c.Status().Position; got != 0 {
		t.Fatalf("expected clamp to 0, got %s", got)
	}
	if c.Snapshot().Generation != gen+2 {
		t.Fatalf("expected generation to move by 2")
	}
}

func TestSeekWhilePausedHolds(t *testing.T) {
	c, now := newSimulated(t, 10*time.Second)
	_ = c.Play(context.Background())
	now.Advance(time.Second)
	_ = c.Pause()
	if err := c.Seek(context.Background(), 7*time.Second); err != nil {
		t.Fatalf("seek: %v", err)
	}
	now.Advance(time.Second)
	if got := c.Status(); got.State != Paused || got.Position != 7*time.Second {
		t.Fatalf("expected paused at 7s, got %+v", got)
	}
}

func TestDevicePlaybackFollowsOutput(t *testing.T) {
	c, out, now := newDevice(t, 10*time.Second)
	if err := c.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	if st := c.Status(); st.Degraded || st.ClockKind != clock.KindDevice {
		t.Fatalf("expected healthy device playback, got %+v", st)
	}
	now.Advance(2 * time.Second)
	if got := c.Status().Position; got != 2*time.Second {
		t.Fatalf("expected 2s, got %s", got)
	}
	if err := c.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if out.stops != 1 {
		t.Fatalf("expected output stopped on pause")
	}
	now.Advance(3 * time.Second)
	if err := c.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if out.plays[len(out.plays)-1] != 2*time.Second {
		t.Fatalf("expected output restarted at 2s, got %v", out.plays)
	}
	now.Advance(time.Second)
	if got := c.Status().Position; got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}

	if err := c.Seek(context.Background(), 6*time.Second); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if got := c.Status().Position; got != 6*time.Second {
		t.Fatalf("expected 6s after seek, got %s", got)
	}
	select {
	case a := <-c.Anomalies():
		t.Fatalf("seek should not raise anomalies, got %+v", a)
	default:
	}
}

func TestDeviceSeekBackwardRoundTrip(t *testing.T) {
	c, _, now := newDevice(t, 10*time.Second)
	_ = c.Play(context.Background())
	now.Advance(5 * time.Second)
	_ = c.Status()
	if err := c.Seek(context.Background(), time.Second); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if got := c.Status().Position; got != time.Second {
		t.Fatalf("expected 1s, got %s", got)
	}
	select {
	case a := <-c.Anomalies():
		t.Fatalf("backward seek is not a rewind anomaly, got %+v", a)
	default:
	}
}

func TestNegotiationFailureDegrades(t *testing.T) {
	now := newFakeNow()
	out := &fakeOutput{now: now, openErr: audio.ErrOutputUnavailable}
	c := New(context.Background(), 5*time.Second, []audio.Output{out}, Options{Now: now.Now, Logger: newLogger()})
	if c.OutputName() != "" {
		t.Fatalf("expected no output, got %s", c.OutputName())
	}
	if err := c.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	st := c.Status()
	if !st.Degraded || st.ClockKind != clock.KindSimulated || st.Reason == "" {
		t.Fatalf("expected degraded with reason, got %+v", st)
	}
}

func TestResumeFailureFallsBackToSimulated(t *testing.T) {
	c, out, now := newDevice(t, 10*time.Second)
	_ = c.Play(context.Background())
	now.Advance(2 * time.Second)
	_ = c.Pause()
	out.playErr = errors.New("device busy")
	if err := c.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	st := c.Status()
	if !st.Degraded || st.ClockKind != clock.KindSimulated {
		t.Fatalf("expected simulated fallback, got %+v", st)
	}
	now.Advance(time.Second)
	if got := c.Status().Position; got != 3*time.Second {
		t.Fatalf("expected to continue from 2s to 3s, got %s", got)
	}
}

func TestOutputNameConcurrentWithFallback(t *testing.T) {
	c, out, now := newDevice(t, 10*time.Second)
	_ = c.Play(context.Background())
	if c.OutputName() != "fake" || c.Status().Output != "fake" {
		t.Fatalf("expected fake output, got %q", c.OutputName())
	}
	out.mu.Lock()
	out.playErr = errors.New("device gone")
	out.mu.Unlock()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			_ = c.OutputName()
			_ = c.Status().Output
		}
	}()
	for i := 0; i < 20; i++ {
		now.Advance(100 * time.Millisecond)
		if err := c.Seek(context.Background(), time.Duration(i)*time.Second/2); err != nil {
			t.Fatalf("seek: %v", err)
		}
	}
	close(done)
	wg.Wait()

	st := c.Status()
	if c.OutputName() != "" || st.Output != "" {
		t.Fatalf("expected output dropped after fallback, got %q/%q", c.OutputName(), st.Output)
	}
	if !st.Degraded || st.ClockKind != clock.KindSimulated {
		t.Fatalf("expected simulated fallback, got %+v", st)
	}
}

// gatedOutput holds Play until release is closed once gate is set.
type gatedOutput struct {
	*fakeOutput
	gate    bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedOutput) Play(ctx context.Context, from time.Duration) error {
	if g.gate {
		close(g.entered)
		<-g.release
	}
	return g.fakeOutput.Play(ctx, from)
}

func TestSnapshotWaitsForSlowOutputDuringSeek(t *testing.T) {
	now := newFakeNow()
	out := &gatedOutput{
		fakeOutput: &fakeOutput{now: now},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	c := New(context.Background(), 10*time.Second, []audio.Output{out}, Options{Now: now.Now, Logger: newLogger()})
	if err := c.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	before := c.Snapshot()
	out.gate = true

	seekErr := make(chan error, 1)
	go func() { seekErr <- c.Seek(context.Background(), 7*time.Second) }()
	<-out.entered

	snaps := make(chan Snapshot, 1)
	go func() { snaps <- c.Snapshot() }()
	select {
	case snap := <-snaps:
		t.Fatalf("snapshot returned while the output was still starting: %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}

	close(out.release)
	if err := <-seekErr; err != nil {
		t.Fatalf("seek: %v", err)
	}
	snap := <-snaps
	if snap.Generation != before.Generation+1 {
		t.Fatalf("expected generation %d, got %d", before.Generation+1, snap.Generation)
	}
	if snap.ClockKind != clock.KindDevice || snap.Output != "fake" || snap.Degraded {
		t.Fatalf("expected healthy device after seek, got %+v", snap)
	}
	if got := snap.Clock.Elapsed(); got != 7*time.Second {
		t.Fatalf("expected 7s after seek, got %s", got)
	}
}

func TestCompleteAndRestart(t *testing.T) {
	c, now := newSimulated(t, 4*time.Second)
	_ = c.Play(context.Background())
	gen := c.Snapshot().Generation
	now.Advance(5 * time.Second)
	if c.Complete(gen + 1) {
		t.Fatal("stale generation must not complete")
	}
	if !c.Complete(gen) {
		t.Fatal("expected completion")
	}
	if c.Complete(gen) {
		t.Fatal("completion happens once")
	}
	st := c.Status()
	if st.State != Finished || st.Position != 4*time.Second {
		t.Fatalf("expected finished frozen at duration, got %+v", st)
	}
	now.Advance(time.Second)
	if got := c.Status().Position; got != 4*time.Second {
		t.Fatalf("finished position moved: %s", got)
	}

	if err := c.Play(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := c.Status().Position; got != 0 {
		t.Fatalf("expected restart from zero, got %s", got)
	}
}

func TestStopIsUnconditionalAndSignals(t *testing.T) {
	c, out, _ := newDevice(t, 10*time.Second)
	c.Stop()
	<-c.Changes()
	_ = c.Play(context.Background())
	<-c.Changes()
	_ = c.Pause()
	<-c.Changes()
	c.Stop()
	select {
	case <-c.Changes():
	default:
		t.Fatal("expected change signal on stop")
	}
	if st := c.Status(); st.State != Stopped || st.Position != 0 {
		t.Fatalf("expected stopped at 0, got %+v", st)
	}
	if out.stops < 2 {
		t.Fatalf("expected output stopped, got %d stops", out.stops)
	}
}

func TestStateErrorMessage(t *testing.T) {
	err := &StateError{Op: "resume", State: Finished}
	if err.Error() != "cannot resume while finished" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if State(9).String() != "state(9)" {
		t.Fatalf("unexpected unknown state string")
	}
}
