package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/loqalabs/lyricsync/internal/config"
	"github.com/loqalabs/lyricsync/internal/presentation"
	"github.com/loqalabs/lyricsync/internal/runtime"
	"github.com/loqalabs/lyricsync/internal/session"
	"github.com/loqalabs/lyricsync/internal/timeline"
	"github.com/loqalabs/lyricsync/internal/transcribe"
)

var version = "0.1.0-dev"

var audioExtensions = []string{".mp3", ".wav", ".ogg", ".flac", ".m4a"}

const usage = "usage: lyricsync <play|transcribe|validate|list|version> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "play":
		err = runPlay(ctx, os.Args[2:])
	case "transcribe":
		err = runTranscribe(ctx, os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, runtime.NewLogger(os.Stderr, cfg.Telemetry.LogLevel, "text"), nil
}

func runPlay(ctx context.Context, args []string) error {
	var (
		configPath, audioPath, lyricsPath string
		noAudio, generate                 bool
	)
	cmd := flag.NewFlagSet("play", flag.ExitOnError)
	cmd.StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.StringVar(&audioPath, "file", "", "Audio file to play")
	cmd.StringVar(&lyricsPath, "lyrics", "", "Lyrics file (default <lyrics_dir>/<name>_lyrics.json)")
	cmd.BoolVar(&noAudio, "no-audio", false, "Show lyrics on a simulated clock without audio")
	cmd.BoolVar(&generate, "transcribe", false, "Generate the lyrics file first when it is missing")
	_ = cmd.Parse(args)

	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if audioPath == "" && lyricsPath == "" {
		return errors.New("play: -file or -lyrics is required")
	}
	if lyricsPath == "" {
		lyricsPath = timeline.LyricsPath(cfg.Playback.LyricsDir, audioPath)
	}
	if _, err := os.Stat(lyricsPath); errors.Is(err, fs.ErrNotExist) && generate && audioPath != "" {
		res, err := generateLyrics(ctx, cfg, logger, audioPath)
		if err != nil {
			return err
		}
		lyricsPath = res.Path
	}

	// The terminal writer replaces the log, bus and journal presentation.
	cfg.Presentation.Log = false
	cfg.Presentation.Bus = false
	cfg.Presentation.Journal = false
	cfg.Presentation.WebSocket = false

	sess, err := session.Open(ctx, session.Request{
		TimelinePath: lyricsPath,
		AudioPath:    audioPath,
		NoAudio:      noAudio,
	}, session.Deps{
		Config: cfg,
		Logger: logger,
		Sinks:  []presentation.Sink{presentation.NewWriterSink(os.Stdout, cfg.Presentation.ASCIIArt)},
	})
	if err != nil {
		return err
	}
	defer sess.Close(context.WithoutCancel(ctx))

	if err := sess.Play(ctx); err != nil {
		return err
	}
	if err := sess.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runTranscribe(ctx context.Context, args []string) error {
	var configPath, audioPath string
	cmd := flag.NewFlagSet("transcribe", flag.ExitOnError)
	cmd.StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.StringVar(&audioPath, "file", "", "Audio file to transcribe")
	_ = cmd.Parse(args)

	if audioPath == "" {
		return errors.New("transcribe: -file is required")
	}
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	res, err := generateLyrics(ctx, cfg, logger, audioPath)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%d segments, %s)\n", res.Path, res.Timeline.Len(), res.Timeline.Duration())
	return nil
}

func generateLyrics(ctx context.Context, cfg config.Config, logger *slog.Logger, audioPath string) (transcribe.Result, error) {
	rec, err := transcribe.NewRecognizer(cfg.Transcribe)
	if err != nil {
		return transcribe.Result{}, err
	}
	svc := transcribe.NewService(rec, cfg.Playback.LyricsDir, cfg.Presentation.ASCIIArt, logger)
	return svc.Generate(ctx, audioPath)
}

func runValidate(args []string) error {
	var path string
	cmd := flag.NewFlagSet("validate", flag.ExitOnError)
	cmd.StringVar(&path, "file", "", "Lyrics file to validate")
	_ = cmd.Parse(args)

	if path == "" {
		return errors.New("validate: -file is required")
	}
	tl, err := timeline.LoadFile(path, 0)
	if err != nil {
		return err
	}
	fmt.Printf("timeline valid: %d segments, %s\n", tl.Len(), tl.Duration())
	return nil
}

func runList(args []string) error {
	var configPath, dir string
	cmd := flag.NewFlagSet("list", flag.ExitOnError)
	cmd.StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.StringVar(&dir, "dir", ".", "Directory to scan for audio files")
	_ = cmd.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	files, err := audioFiles(dir)
	if err != nil {
		return err
	}
	fmt.Print(transcribe.Banner("AUDIO FILES"))
	fmt.Println()
	if len(files) == 0 {
		fmt.Printf("no audio files in %s\n", dir)
		return nil
	}
	for i, f := range files {
		mark := " "
		if _, err := os.Stat(timeline.LyricsPath(cfg.Playback.LyricsDir, f)); err == nil {
			mark = "*"
		}
		fmt.Printf("%3d %s %s\n", i+1, mark, filepath.Base(f))
	}
	fmt.Println("\n* lyrics available")
	return nil
}

// audioFiles lists the audio files directly inside dir, sorted by name.
func audioFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(audioExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}
