package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// ErrUnknownDuration is returned when neither the WAV header nor the probe
// command can tell how long a file is.
var ErrUnknownDuration = errors.New("audio duration unknown")

// ProbeDuration returns the length of the audio file at path. WAV files are
// read directly; anything else goes through probeCommand (an ffprobe-style
// invocation that prints seconds on stdout, with the path appended).
func ProbeDuration(ctx context.Context, path, probeCommand string) (time.Duration, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		d, err := wavDuration(path)
		if err == nil {
			return d, nil
		}
		if probeCommand == "" {
			return 0, err
		}
	}
	if strings.TrimSpace(probeCommand) == "" {
		return 0, fmt.Errorf("%w: no probe command for %s", ErrUnknownDuration, filepath.Base(path))
	}
	return execDuration(ctx, path, probeCommand)
}

// wavDuration measures the data chunk only; the decoder's own Duration
// counts the header bytes as audio.
func wavDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrUnknownDuration, filepath.Base(path), err)
	}
	bytesPerSec := int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth) / 8
	if bytesPerSec <= 0 {
		return 0, fmt.Errorf("%w: %s is not a valid wav file", ErrUnknownDuration, filepath.Base(path))
	}
	return time.Duration(dec.PCMLen() * int64(time.Second) / bytesPerSec), nil
}

func execDuration(ctx context.Context, path, probeCommand string) (time.Duration, error) {
	args, err := shellwords.NewParser().Parse(probeCommand)
	if err != nil {
		return 0, fmt.Errorf("parse probe command: %w", err)
	}
	if len(args) == 0 {
		return 0, errors.New("probe command is empty")
	}
	args = append(args, path)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("%w: probe failed: %v: %s", ErrUnknownDuration, err, strings.TrimSpace(stderr.String()))
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("%w: probe printed %q", ErrUnknownDuration, strings.TrimSpace(stdout.String()))
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
