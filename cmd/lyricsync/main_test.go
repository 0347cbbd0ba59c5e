package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAudioFilesFiltersByExtension(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.MP3", "a.wav", "notes.txt", "c.flac", "cover.jpg"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "album.ogg"), 0o755); err != nil {
		t.Fatal(err)
	}

	files, err := audioFiles(dir)
	if err != nil {
		t.Fatalf("audioFiles: %v", err)
	}
	want := []string{"a.wav", "b.MP3", "c.flac"}
	if len(files) != len(want) {
		t.Fatalf("expected %v, got %v", want, files)
	}
	for i, f := range files {
		if filepath.Base(f) != want[i] {
			t.Fatalf("file %d: expected %s, got %s", i, want[i], f)
		}
	}
}

func TestAudioFilesMissingDir(t *testing.T) {
	if _, err := audioFiles(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
