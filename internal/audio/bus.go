package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/lyricsync/internal/capability"
	"github.com/loqalabs/lyricsync/internal/protocol"
)

// Publisher is the slice of the bus client the stream needs.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// SinkDirectory answers whether a healthy remote node advertises a capability.
type SinkDirectory interface {
	HasHealthy(name string) bool
}

type BusOptions struct {
	Publisher Publisher
	Sinks     SinkDirectory
	SessionID string
	Path      string
	Chunk     time.Duration
	Now       func() time.Time
}

// BusOutput streams a WAV file as 16-bit PCM frames on audio.out.<session>,
// paced at real time, for remote speaker nodes. Position is bounded by what
// was actually published, so a stalled stream stalls the clock.
type BusOutput struct {
	opts BusOptions
	log  *slog.Logger

	mu      sync.Mutex
	from    time.Duration
	started time.Time
	sent    time.Duration
	active  bool
	failed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewBusOutput(opts BusOptions, log *slog.Logger) *BusOutput {
	if opts.Chunk <= 0 {
		opts.Chunk = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &BusOutput{
		opts: opts,
		log:  log.With(slog.String("component", "audio-bus"), slog.String("session_id", opts.SessionID)),
	}
}

func (b *BusOutput) Name() string { return "bus" }

func (b *BusOutput) Open(context.Context) error {
	if b.opts.Publisher == nil || b.opts.Sinks == nil {
		return fmt.Errorf("%w: bus not connected", ErrOutputUnavailable)
	}
	if !b.opts.Sinks.HasHealthy(capability.AudioSink) {
		return fmt.Errorf("%w: no healthy %s node", ErrOutputUnavailable, capability.AudioSink)
	}
	f, err := os.Open(b.opts.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutputUnavailable, err)
	}
	defer f.Close()
	if !wav.NewDecoder(f).IsValidFile() {
		return fmt.Errorf("%w: bus output streams WAV only", ErrOutputUnavailable)
	}
	return nil
}

func (b *BusOutput) Play(ctx context.Context, from time.Duration) error {
	if err := b.Stop(); err != nil {
		return err
	}

	f, err := os.Open(b.opts.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutputUnavailable, err)
	}
	dec := wav.NewDecoder(f)
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return fmt.Errorf("%w: read wav header: %v", ErrOutputUnavailable, err)
	}
	format := dec.Format()
	if format == nil || format.SampleRate <= 0 || format.NumChannels <= 0 {
		f.Close()
		return fmt.Errorf("%w: unsupported wav format", ErrOutputUnavailable)
	}
	if err := skipFrames(dec, format, from); err != nil {
		f.Close()
		return fmt.Errorf("%w: seek: %v", ErrOutputUnavailable, err)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	b.mu.Lock()
	b.from = from
	b.started = b.opts.Now()
	b.sent = 0
	b.active = true
	b.failed = false
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		defer f.Close()
		b.stream(streamCtx, dec, format, int(dec.BitDepth), from)
	}()
	return nil
}

func skipFrames(dec *wav.Decoder, format *goaudio.Format, from time.Duration) error {
	remaining := int(from.Seconds()*float64(format.SampleRate)) * format.NumChannels
	buf := &goaudio.IntBuffer{Format: format, Data: make([]int, 4096*format.NumChannels)}
	for remaining > 0 {
		if remaining < len(buf.Data) {
			buf.Data = buf.Data[:remaining]
		}
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if n == 0 {
			return nil
		}
		remaining -= n
	}
	return nil
}

func (b *BusOutput) stream(ctx context.Context, dec *wav.Decoder, format *goaudio.Format, bitDepth int, from time.Duration) {
	framesPerChunk := int(b.opts.Chunk.Seconds() * float64(format.SampleRate))
	if framesPerChunk <= 0 {
		framesPerChunk = 1
	}
	buf := &goaudio.IntBuffer{Format: format, Data: make([]int, framesPerChunk*format.NumChannels)}
	subject := protocol.AudioSubject(b.opts.SessionID)
	timer := time.NewTimer(0)
	defer timer.Stop()

	var sent time.Duration
	for seq := 0; ; seq++ {
		buf.Data = buf.Data[:cap(buf.Data)]
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			b.fail(err)
			return
		}
		final := n < len(buf.Data)
		frames := n / format.NumChannels
		frame := protocol.AudioFrame{
			SessionID:  b.opts.SessionID,
			Sequence:   seq,
			SampleRate: format.SampleRate,
			Channels:   format.NumChannels,
			BitDepth:   16,
			OffsetMS:   (from + sent).Milliseconds(),
			PCM:        toPCM16(buf.Data[:n], bitDepth),
			Final:      final,
		}
		if err := b.opts.Publisher.PublishJSON(subject, frame); err != nil {
			b.fail(err)
			return
		}
		sent += time.Duration(frames) * time.Second / time.Duration(format.SampleRate)
		b.mu.Lock()
		b.sent = sent
		started := b.started
		b.mu.Unlock()
		if final {
			b.log.Debug("audio stream complete", slog.Int("frames", seq+1))
			return
		}

		wait := started.Add(sent - b.opts.Chunk).Sub(b.opts.Now())
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (b *BusOutput) fail(err error) {
	b.log.Warn("audio stream failed", slog.String("error", err.Error()))
	b.mu.Lock()
	b.failed = true
	b.mu.Unlock()
}

// Position is the wall time since Play, capped at the published audio until
// the stream has been fully sent.
func (b *BusOutput) Position() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active || b.failed {
		return 0, false
	}
	pos := b.opts.Now().Sub(b.started)
	if b.done != nil {
		select {
		case <-b.done:
			return b.from + pos, true
		default:
		}
	}
	if pos > b.sent {
		pos = b.sent
	}
	return b.from + pos, true
}

func (b *BusOutput) Stop() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.active = false
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func toPCM16(samples []int, bitDepth int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		switch {
		case bitDepth == 8:
			s = (s - 128) << 8
		case bitDepth > 16:
			s >>= bitDepth - 16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}
