package timeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileRecord is the on-disk shape written by the transcription step. "word"
// and "text" are accepted interchangeably.
type fileRecord struct {
	Word     string  `json:"word,omitempty" yaml:"word,omitempty"`
	Text     string  `json:"text,omitempty" yaml:"text,omitempty"`
	Start    float64 `json:"start" yaml:"start"`
	End      float64 `json:"end" yaml:"end"`
	ASCIIArt string  `json:"ascii_art,omitempty" yaml:"ascii_art,omitempty"`
}

type fileEnvelope struct {
	Segments []fileRecord `json:"segments" yaml:"segments"`
}

// LyricsPath returns the timeline file name used for an audio file, e.g.
// "song.mp3" -> "<dir>/song_lyrics.json".
func LyricsPath(dir, audioPath string) string {
	base := filepath.Base(audioPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, base+"_lyrics.json")
}

// ReadFile decodes timeline records from a JSON or YAML file. Both a bare
// list and an object with a "segments" list are accepted.
func ReadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read timeline file: %w", err)
	}
	var raw []fileRecord
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err = decodeYAML(data)
	default:
		raw, err = decodeJSON(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidTimeline, filepath.Base(path), err)
	}
	records := make([]Record, 0, len(raw))
	for _, r := range raw {
		text := r.Word
		if text == "" {
			text = r.Text
		}
		records = append(records, Record{Text: text, Start: r.Start, End: r.End, ASCIIArt: r.ASCIIArt})
	}
	return records, nil
}

func decodeJSON(data []byte) ([]fileRecord, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env fileEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, err
		}
		return env.Segments, nil
	}
	var raw []fileRecord
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func decodeYAML(data []byte) ([]fileRecord, error) {
	var raw []fileRecord
	if err := yaml.Unmarshal(data, &raw); err == nil {
		return raw, nil
	}
	var env fileEnvelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return env.Segments, nil
}

// LoadFile reads and validates a timeline file.
func LoadFile(path string, audioDuration time.Duration) (*Timeline, error) {
	records, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(records, audioDuration)
}

// WriteFile stores records as an indented JSON list using the "word" key.
func WriteFile(path string, records []Record) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create timeline dir: %w", err)
		}
	}
	out := make([]fileRecord, 0, len(records))
	for _, r := range records {
		out = append(out, fileRecord{Word: strings.TrimSpace(r.Text), Start: r.Start, End: r.End, ASCIIArt: r.ASCIIArt})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode timeline: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
