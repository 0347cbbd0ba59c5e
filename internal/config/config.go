package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	// StdoutTraces pretty-prints spans when no OTLP endpoint is set.
	StdoutTraces bool   `yaml:"stdout_traces"`
	LogFormat    string `yaml:"log_format"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Node         NodeConfig         `yaml:"node"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Playback     PlaybackConfig     `yaml:"playback"`
	Transcribe   TranscribeConfig   `yaml:"transcribe"`
	Presentation PresentationConfig `yaml:"presentation"`
	Redis        RedisConfig        `yaml:"redis"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// PlaybackConfig tunes the sync engine and the audio output chain.
type PlaybackConfig struct {
	PollIntervalMS int      `yaml:"poll_interval_ms"`
	MaxGapWaitMS   int      `yaml:"max_gap_wait_ms"`
	TailPaddingMS  int      `yaml:"tail_padding_ms"`
	Outputs        []string `yaml:"outputs"`
	PlayerCommand  string   `yaml:"player_command"`
	ProbeCommand   string   `yaml:"probe_command"`
	ChunkMS        int      `yaml:"chunk_ms"`
	NoAudio        bool     `yaml:"no_audio"`
	LyricsDir      string   `yaml:"lyrics_dir"`
}

func (p PlaybackConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

func (p PlaybackConfig) MaxGapWait() time.Duration {
	return time.Duration(p.MaxGapWaitMS) * time.Millisecond
}

func (p PlaybackConfig) TailPadding() time.Duration {
	return time.Duration(p.TailPaddingMS) * time.Millisecond
}

type TranscribeConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type PresentationConfig struct {
	Log       bool `yaml:"log"`
	Bus       bool `yaml:"bus"`
	Journal   bool `yaml:"journal"`
	WebSocket bool `yaml:"websocket"`
	Redis     bool `yaml:"redis"`
	ASCIIArt  bool `yaml:"ascii_art"`
}

// RedisConfig points the Redis presentation sink at a server. KeyTTLSeconds
// bounds how long a session's "now playing" hash outlives its last update.
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	Prefix        string `yaml:"prefix"`
	KeyTTLSeconds int    `yaml:"key_ttl_seconds"`
}

func (r RedisConfig) KeyTTL() time.Duration {
	return time.Duration(r.KeyTTLSeconds) * time.Second
}

func Default() Config {
	return Config{
		RuntimeName: "lyricsync",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
			LogFormat:      "json",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "lyricsync-node-1",
			Role:              "player",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "lyrics.playback", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Enabled:       true,
			Path:          "./data/lyricsync-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Playback: PlaybackConfig{
			PollIntervalMS: 100,
			MaxGapWaitMS:   1000,
			TailPaddingMS:  2000,
			Outputs:        []string{"exec"},
			PlayerCommand:  "ffplay -nodisp -autoexit -loglevel quiet",
			ProbeCommand:   "ffprobe -v error -show_entries format=duration -of default=noprint_wrappers=1:nokey=1",
			ChunkMS:        100,
			LyricsDir:      "output",
		},
		Transcribe: TranscribeConfig{
			Mode:     "mock",
			Language: "en",
		},
		Presentation: PresentationConfig{
			Log:       true,
			Bus:       true,
			Journal:   true,
			WebSocket: true,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			Prefix:        "lyricsync:",
			KeyTTLSeconds: 3600,
		},
	}
}

// Load builds a Config from defaults, the optional YAML file at path, an
// optional dotenv file and LYRICSYNC_* environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv reads LYRICSYNC_ENV_FILE (default .env). Variables already set in
// the process environment win. A missing file is not an error.
func loadDotEnv() error {
	path := ".env"
	if v, ok := os.LookupEnv("LYRICSYNC_ENV_FILE"); ok && strings.TrimSpace(v) != "" {
		path = v
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LYRICSYNC_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LYRICSYNC_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LYRICSYNC_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LYRICSYNC_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LYRICSYNC_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LYRICSYNC_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LYRICSYNC_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LYRICSYNC_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LYRICSYNC_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Telemetry.LogFormat, "LYRICSYNC_TELEMETRY_LOG_FORMAT")
	overrideBool(&cfg.Bus.Enabled, "LYRICSYNC_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LYRICSYNC_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LYRICSYNC_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LYRICSYNC_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LYRICSYNC_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LYRICSYNC_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LYRICSYNC_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LYRICSYNC_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LYRICSYNC_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LYRICSYNC_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LYRICSYNC_NODE_ID")
	overrideString(&cfg.Node.Role, "LYRICSYNC_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LYRICSYNC_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LYRICSYNC_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.EventStore.Enabled, "LYRICSYNC_EVENT_STORE_ENABLED")
	overrideString(&cfg.EventStore.Path, "LYRICSYNC_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LYRICSYNC_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LYRICSYNC_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LYRICSYNC_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LYRICSYNC_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Playback.PollIntervalMS, "LYRICSYNC_PLAYBACK_POLL_INTERVAL_MS")
	overrideInt(&cfg.Playback.MaxGapWaitMS, "LYRICSYNC_PLAYBACK_MAX_GAP_WAIT_MS")
	overrideInt(&cfg.Playback.TailPaddingMS, "LYRICSYNC_PLAYBACK_TAIL_PADDING_MS")
	overrideStringSlice(&cfg.Playback.Outputs, "LYRICSYNC_PLAYBACK_OUTPUTS")
	overrideString(&cfg.Playback.PlayerCommand, "LYRICSYNC_PLAYBACK_PLAYER_COMMAND")
	overrideString(&cfg.Playback.ProbeCommand, "LYRICSYNC_PLAYBACK_PROBE_COMMAND")
	overrideInt(&cfg.Playback.ChunkMS, "LYRICSYNC_PLAYBACK_CHUNK_MS")
	overrideBool(&cfg.Playback.NoAudio, "LYRICSYNC_PLAYBACK_NO_AUDIO")
	overrideString(&cfg.Playback.LyricsDir, "LYRICSYNC_PLAYBACK_LYRICS_DIR")
	overrideString(&cfg.Transcribe.Mode, "LYRICSYNC_TRANSCRIBE_MODE")
	overrideString(&cfg.Transcribe.Command, "LYRICSYNC_TRANSCRIBE_COMMAND")
	overrideString(&cfg.Transcribe.ModelPath, "LYRICSYNC_TRANSCRIBE_MODEL_PATH")
	overrideString(&cfg.Transcribe.Language, "LYRICSYNC_TRANSCRIBE_LANGUAGE")
	overrideBool(&cfg.Presentation.Log, "LYRICSYNC_PRESENTATION_LOG")
	overrideBool(&cfg.Presentation.Bus, "LYRICSYNC_PRESENTATION_BUS")
	overrideBool(&cfg.Presentation.Journal, "LYRICSYNC_PRESENTATION_JOURNAL")
	overrideBool(&cfg.Presentation.WebSocket, "LYRICSYNC_PRESENTATION_WEBSOCKET")
	overrideBool(&cfg.Presentation.Redis, "LYRICSYNC_PRESENTATION_REDIS")
	overrideBool(&cfg.Presentation.ASCIIArt, "LYRICSYNC_PRESENTATION_ASCII_ART")
	overrideBool(&cfg.Redis.Enabled, "LYRICSYNC_REDIS_ENABLED")
	overrideString(&cfg.Redis.Addr, "LYRICSYNC_REDIS_ADDR")
	overrideString(&cfg.Redis.Password, "LYRICSYNC_REDIS_PASSWORD")
	overrideInt(&cfg.Redis.DB, "LYRICSYNC_REDIS_DB")
	overrideString(&cfg.Redis.Prefix, "LYRICSYNC_REDIS_PREFIX")
	overrideInt(&cfg.Redis.KeyTTLSeconds, "LYRICSYNC_REDIS_KEY_TTL_SECONDS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Enabled {
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
		switch cfg.EventStore.RetentionMode {
		case "ephemeral", "session", "persistent":
		default:
			return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
		}
		if cfg.EventStore.RetentionDays < 0 {
			return errors.New("event_store.retention_days must be >= 0")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Playback.PollIntervalMS <= 0 {
		return errors.New("playback.poll_interval_ms must be positive")
	}
	if cfg.Playback.MaxGapWaitMS < cfg.Playback.PollIntervalMS {
		return errors.New("playback.max_gap_wait_ms must be >= poll interval")
	}
	if cfg.Playback.TailPaddingMS < 0 {
		return errors.New("playback.tail_padding_ms must be >= 0")
	}
	for _, name := range cfg.Playback.Outputs {
		switch name {
		case "exec", "bus", "none":
		default:
			return fmt.Errorf("playback.outputs: unknown output %q (want exec|bus|none)", name)
		}
		if name == "exec" && strings.TrimSpace(cfg.Playback.PlayerCommand) == "" {
			return errors.New("playback.player_command must be set when the exec output is enabled")
		}
		if name == "bus" {
			if !cfg.Bus.Enabled {
				return errors.New("playback.outputs: bus output requires bus.enabled")
			}
			if cfg.Playback.ChunkMS <= 0 {
				return errors.New("playback.chunk_ms must be positive when the bus output is enabled")
			}
		}
	}
	switch cfg.Transcribe.Mode {
	case "mock":
	case "exec":
		if cfg.Transcribe.Command == "" {
			return errors.New("transcribe.command must be set when mode=exec")
		}
	default:
		return errors.New("transcribe.mode must be one of mock|exec")
	}
	if cfg.Presentation.Bus && !cfg.Bus.Enabled {
		return errors.New("presentation.bus requires bus.enabled")
	}
	if cfg.Presentation.Journal && !cfg.EventStore.Enabled {
		return errors.New("presentation.journal requires event_store.enabled")
	}
	if cfg.Redis.Enabled {
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return errors.New("redis.addr must not be empty when redis is enabled")
		}
		if cfg.Redis.DB < 0 || cfg.Redis.KeyTTLSeconds < 0 {
			return errors.New("redis.db and redis.key_ttl_seconds must be >= 0")
		}
	}
	if cfg.Presentation.Redis && !cfg.Redis.Enabled {
		return errors.New("presentation.redis requires redis.enabled")
	}
	return nil
}
