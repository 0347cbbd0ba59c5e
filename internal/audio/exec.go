package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecOptions configures an external player such as ffplay.
type ExecOptions struct {
	// Command is the player invocation without the file, e.g.
	// "ffplay -nodisp -autoexit -loglevel quiet".
	Command string
	// SeekFlag precedes the start offset in seconds. Defaults to "-ss".
	SeekFlag string
	Path     string
	Now      func() time.Time
}

// ExecOutput plays a file through an external process. The process gives no
// position feedback, so position is the start offset plus wall time since
// launch. A clean exit keeps the estimate running; a crash or Stop ends it.
type ExecOutput struct {
	args     []string
	seekFlag string
	path     string
	now      func() time.Time
	log      *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	from    time.Duration
	started time.Time
	failed  bool
	running bool
	done    chan struct{}
}

func NewExecOutput(opts ExecOptions, log *slog.Logger) (*ExecOutput, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("player command is empty")
	}
	if opts.SeekFlag == "" {
		opts.SeekFlag = "-ss"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ExecOutput{
		args:     args,
		seekFlag: opts.SeekFlag,
		path:     opts.Path,
		now:      opts.Now,
		log:      log.With(slog.String("component", "audio-exec"), slog.String("player", args[0])),
	}, nil
}

func (e *ExecOutput) Name() string { return "exec" }

func (e *ExecOutput) Open(context.Context) error {
	if _, err := exec.LookPath(e.args[0]); err != nil {
		return fmt.Errorf("%w: %s not found", ErrOutputUnavailable, e.args[0])
	}
	if _, err := os.Stat(e.path); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputUnavailable, err)
	}
	return nil
}

func (e *ExecOutput) Play(ctx context.Context, from time.Duration) error {
	if err := e.Stop(); err != nil {
		e.log.Warn("stop previous player", slog.String("error", err.Error()))
	}

	args := append([]string{}, e.args[1:]...)
	if from > 0 {
		args = append(args, e.seekFlag, strconv.FormatFloat(from.Seconds(), 'f', 3, 64))
	}
	args = append(args, e.path)

	// The process outlives the request context; Stop ends it.
	cmd := exec.Command(e.args[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrOutputUnavailable, e.args[0], err)
	}
	if err := ctx.Err(); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}

	done := make(chan struct{})
	e.mu.Lock()
	e.cmd = cmd
	e.from = from
	e.started = e.now()
	e.failed = false
	e.running = true
	e.done = done
	e.mu.Unlock()

	go e.wait(cmd, done)
	return nil
}

func (e *ExecOutput) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	e.mu.Lock()
	if e.cmd == cmd {
		e.running = false
		if err != nil {
			e.failed = true
		}
	}
	e.mu.Unlock()
	if err != nil {
		e.log.Debug("player exited", slog.String("error", err.Error()))
	}
	close(done)
}

func (e *ExecOutput) Position() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil || e.failed {
		return 0, false
	}
	return e.from + e.now().Sub(e.started), true
}

func (e *ExecOutput) Stop() error {
	e.mu.Lock()
	cmd, running, done := e.cmd, e.running, e.done
	e.cmd = nil
	e.running = false
	e.mu.Unlock()

	if cmd == nil || !running {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill player: %w", err)
	}
	<-done
	return nil
}
