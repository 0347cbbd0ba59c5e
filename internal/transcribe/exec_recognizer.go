package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/loqalabs/lyricsync/internal/config"
	"github.com/loqalabs/lyricsync/internal/timeline"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs a Whisper-style command and reads JSON from stdout.
// The command receives --audio <path> plus --model and --language when set.
type execRecognizer struct {
	cmd []string
	cfg config.TranscribeConfig
	mu  sync.Mutex
}

type whisperWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type whisperSegment struct {
	Text  string        `json:"text"`
	Start float64       `json:"start"`
	End   float64       `json:"end"`
	Words []whisperWord `json:"words"`
}

type whisperResult struct {
	Segments []whisperSegment `json:"segments"`
}

func NewExecRecognizer(cfg config.TranscribeConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse transcribe command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("transcribe command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, audioPath string) ([]timeline.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", audioPath)
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		args = append(args, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("transcribe command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseOutput(stdout.Bytes())
}

// parseOutput accepts Whisper's {"segments": [...]} shape, preferring word
// timestamps, or a bare list of lyric records.
func parseOutput(data []byte) ([]timeline.Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var words []whisperWord
		if err := json.Unmarshal(data, &words); err != nil {
			return nil, fmt.Errorf("decode transcribe output: %w", err)
		}
		return wordsToRecords(words), nil
	}

	var result whisperResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode transcribe output: %w", err)
	}
	var records []timeline.Record
	for _, seg := range result.Segments {
		if len(seg.Words) > 0 {
			records = append(records, wordsToRecords(seg.Words)...)
			continue
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			records = append(records, timeline.Record{Text: text, Start: seg.Start, End: seg.End})
		}
	}
	if len(records) == 0 {
		return nil, errors.New("transcribe output contained no words")
	}
	return records, nil
}

func wordsToRecords(words []whisperWord) []timeline.Record {
	records := make([]timeline.Record, 0, len(words))
	for _, w := range words {
		text := strings.TrimSpace(w.Word)
		if text == "" {
			continue
		}
		records = append(records, timeline.Record{Text: text, Start: w.Start, End: w.End})
	}
	return records
}
