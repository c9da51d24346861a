package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration.
type Config struct {
	API     APIConfig
	Auth    AuthConfig
	Audio   AudioConfig
	Poll    PollConfig
	Cache   CacheConfig
	Storage StorageConfig
	Import  ImportConfig
	Relay   RelayConfig
	Log     LogConfig

	// Source is the config file that was applied, empty when none was found.
	Source string
}

type APIConfig struct {
	BaseURL       string
	Timeout       time.Duration
	UploadTimeout time.Duration
	MaxRetries    int
}

type AuthConfig struct {
	Token     string
	TokenFile string
}

type AudioConfig struct {
	RecorderCommand   string
	InputFormat       string
	InputDevice       string
	SampleRate        int
	Channels          int
	TickInterval      time.Duration
	PermissionGranted bool
}

type PollConfig struct {
	InitialGrace time.Duration
	Interval     time.Duration
	MaxAttempts  int
}

type CacheConfig struct {
	Validity      time.Duration
	SweepInterval time.Duration
}

type StorageConfig struct {
	// ArtifactDir empty means the artifact store's default directory.
	ArtifactDir string
	DBPath      string
}

type ImportConfig struct {
	// Patterns empty means the orchestrator's default audio patterns.
	Patterns []string
}

type RelayConfig struct {
	Addr string
}

type LogConfig struct {
	Level string
}

// SlogLevel parses Level, falling back to info.
func (c LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// fileConfig mirrors the YAML layout. Durations are Go duration strings.
type fileConfig struct {
	API struct {
		BaseURL       string `yaml:"base_url"`
		Timeout       string `yaml:"timeout"`
		UploadTimeout string `yaml:"upload_timeout"`
		MaxRetries    *int   `yaml:"max_retries"`
	} `yaml:"api"`
	Auth struct {
		Token     string `yaml:"token"`
		TokenFile string `yaml:"token_file"`
	} `yaml:"auth"`
	Audio struct {
		RecorderCommand   string `yaml:"recorder_command"`
		InputFormat       string `yaml:"input_format"`
		InputDevice       string `yaml:"input_device"`
		SampleRate        int    `yaml:"sample_rate"`
		Channels          int    `yaml:"channels"`
		TickInterval      string `yaml:"tick_interval"`
		PermissionGranted *bool  `yaml:"permission_granted"`
	} `yaml:"audio"`
	Poll struct {
		InitialGrace string `yaml:"initial_grace"`
		Interval     string `yaml:"interval"`
		MaxAttempts  int    `yaml:"max_attempts"`
	} `yaml:"poll"`
	Cache struct {
		Validity      string `yaml:"validity"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"cache"`
	Storage struct {
		ArtifactDir string `yaml:"artifact_dir"`
		DBPath      string `yaml:"db_path"`
	} `yaml:"storage"`
	Import struct {
		Patterns []string `yaml:"patterns"`
	} `yaml:"import"`
	Relay struct {
		Addr string `yaml:"addr"`
	} `yaml:"relay"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load resolves configuration from defaults, the optional YAML file and
// environment variables, in that order of increasing priority.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}
	configDir := filepath.Join(home, ".config", "convopipe")

	cfg := defaults(configDir)

	path := strings.TrimSpace(os.Getenv("CONVOPIPE_CONFIG"))
	explicit := path != ""
	if !explicit {
		path = filepath.Join(configDir, "config.yaml")
	}
	applied, err := applyFile(&cfg, path, explicit)
	if err != nil {
		return Config{}, err
	}
	if applied {
		cfg.Source = path
	}

	applyEnv(&cfg)
	clamp(&cfg)
	return cfg, nil
}

func defaults(configDir string) Config {
	return Config{
		API: APIConfig{
			BaseURL:       "http://localhost:8000/api/v1",
			Timeout:       60 * time.Second,
			UploadTimeout: 180 * time.Second,
			MaxRetries:    2,
		},
		Auth: AuthConfig{
			TokenFile: filepath.Join(configDir, "token"),
		},
		Audio: AudioConfig{
			RecorderCommand:   "ffmpeg",
			InputFormat:       "pulse",
			InputDevice:       "default",
			SampleRate:        44100,
			Channels:          2,
			TickInterval:      100 * time.Millisecond,
			PermissionGranted: true,
		},
		Poll: PollConfig{
			InitialGrace: 8 * time.Second,
			Interval:     3 * time.Second,
			MaxAttempts:  120,
		},
		Cache: CacheConfig{
			Validity:      300 * time.Second,
			SweepInterval: 60 * time.Second,
		},
		Storage: StorageConfig{
			DBPath: filepath.Join(configDir, "sessions.sqlite"),
		},
		Relay: RelayConfig{Addr: "127.0.0.1:8787"},
		Log:   LogConfig{Level: "info"},
	}
}

// applyFile overlays the YAML file at path. A missing file is only an error
// when the path was requested explicitly.
func applyFile(cfg *Config, path string, explicit bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return false, nil
		}
		return false, fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return false, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.API.BaseURL = firstNonEmpty(fc.API.BaseURL, cfg.API.BaseURL)
	if cfg.API.Timeout, err = durationOr(fc.API.Timeout, cfg.API.Timeout); err != nil {
		return false, fmt.Errorf("api.timeout: %w", err)
	}
	if cfg.API.UploadTimeout, err = durationOr(fc.API.UploadTimeout, cfg.API.UploadTimeout); err != nil {
		return false, fmt.Errorf("api.upload_timeout: %w", err)
	}
	if fc.API.MaxRetries != nil {
		cfg.API.MaxRetries = *fc.API.MaxRetries
	}

	cfg.Auth.Token = firstNonEmpty(fc.Auth.Token, cfg.Auth.Token)
	cfg.Auth.TokenFile = firstNonEmpty(expandHome(fc.Auth.TokenFile), cfg.Auth.TokenFile)

	cfg.Audio.RecorderCommand = firstNonEmpty(fc.Audio.RecorderCommand, cfg.Audio.RecorderCommand)
	cfg.Audio.InputFormat = firstNonEmpty(fc.Audio.InputFormat, cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = firstNonEmpty(fc.Audio.InputDevice, cfg.Audio.InputDevice)
	if fc.Audio.SampleRate != 0 {
		cfg.Audio.SampleRate = fc.Audio.SampleRate
	}
	if fc.Audio.Channels != 0 {
		cfg.Audio.Channels = fc.Audio.Channels
	}
	if cfg.Audio.TickInterval, err = durationOr(fc.Audio.TickInterval, cfg.Audio.TickInterval); err != nil {
		return false, fmt.Errorf("audio.tick_interval: %w", err)
	}
	if fc.Audio.PermissionGranted != nil {
		cfg.Audio.PermissionGranted = *fc.Audio.PermissionGranted
	}

	if cfg.Poll.InitialGrace, err = durationOr(fc.Poll.InitialGrace, cfg.Poll.InitialGrace); err != nil {
		return false, fmt.Errorf("poll.initial_grace: %w", err)
	}
	if cfg.Poll.Interval, err = durationOr(fc.Poll.Interval, cfg.Poll.Interval); err != nil {
		return false, fmt.Errorf("poll.interval: %w", err)
	}
	if fc.Poll.MaxAttempts != 0 {
		cfg.Poll.MaxAttempts = fc.Poll.MaxAttempts
	}

	if cfg.Cache.Validity, err = durationOr(fc.Cache.Validity, cfg.Cache.Validity); err != nil {
		return false, fmt.Errorf("cache.validity: %w", err)
	}
	if cfg.Cache.SweepInterval, err = durationOr(fc.Cache.SweepInterval, cfg.Cache.SweepInterval); err != nil {
		return false, fmt.Errorf("cache.sweep_interval: %w", err)
	}

	cfg.Storage.ArtifactDir = firstNonEmpty(expandHome(fc.Storage.ArtifactDir), cfg.Storage.ArtifactDir)
	cfg.Storage.DBPath = firstNonEmpty(expandHome(fc.Storage.DBPath), cfg.Storage.DBPath)
	if patterns := cleanList(fc.Import.Patterns); len(patterns) > 0 {
		cfg.Import.Patterns = patterns
	}
	cfg.Relay.Addr = firstNonEmpty(fc.Relay.Addr, cfg.Relay.Addr)
	cfg.Log.Level = firstNonEmpty(fc.Log.Level, cfg.Log.Level)
	return true, nil
}

func applyEnv(cfg *Config) {
	cfg.API.BaseURL = envOrDefault("CONVOPIPE_API_BASE", cfg.API.BaseURL)
	cfg.API.Timeout = envOrDefaultMillis("CONVOPIPE_API_TIMEOUT_MS", cfg.API.Timeout)
	cfg.API.UploadTimeout = envOrDefaultMillis("CONVOPIPE_UPLOAD_TIMEOUT_MS", cfg.API.UploadTimeout)
	cfg.API.MaxRetries = envOrDefaultInt("CONVOPIPE_API_MAX_RETRIES", cfg.API.MaxRetries)

	cfg.Auth.Token = envOrDefault("CONVOPIPE_TOKEN", cfg.Auth.Token)
	cfg.Auth.TokenFile = envOrDefault("CONVOPIPE_TOKEN_FILE", cfg.Auth.TokenFile)

	cfg.Audio.RecorderCommand = envOrDefault("CONVOPIPE_FFMPEG_COMMAND", cfg.Audio.RecorderCommand)
	cfg.Audio.InputFormat = envOrDefault("CONVOPIPE_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = firstNonEmpty(
		os.Getenv("CONVOPIPE_AUDIO_INPUT_DEVICE"),
		os.Getenv("PULSE_SOURCE"),
		cfg.Audio.InputDevice,
	)
	cfg.Audio.SampleRate = envOrDefaultInt("CONVOPIPE_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("CONVOPIPE_CHANNELS", cfg.Audio.Channels)
	cfg.Audio.TickInterval = envOrDefaultMillis("CONVOPIPE_TICK_MS", cfg.Audio.TickInterval)
	cfg.Audio.PermissionGranted = envOrDefaultBool("CONVOPIPE_MIC_PERMISSION", cfg.Audio.PermissionGranted)

	cfg.Poll.InitialGrace = envOrDefaultMillis("CONVOPIPE_POLL_GRACE_MS", cfg.Poll.InitialGrace)
	cfg.Poll.Interval = envOrDefaultMillis("CONVOPIPE_POLL_INTERVAL_MS", cfg.Poll.Interval)
	cfg.Poll.MaxAttempts = envOrDefaultInt("CONVOPIPE_POLL_MAX_ATTEMPTS", cfg.Poll.MaxAttempts)

	cfg.Cache.Validity = envOrDefaultSeconds("CONVOPIPE_CACHE_VALIDITY_S", cfg.Cache.Validity)
	cfg.Cache.SweepInterval = envOrDefaultSeconds("CONVOPIPE_CACHE_SWEEP_S", cfg.Cache.SweepInterval)

	cfg.Storage.ArtifactDir = envOrDefault("CONVOPIPE_ARTIFACT_DIR", cfg.Storage.ArtifactDir)
	cfg.Storage.DBPath = envOrDefault("CONVOPIPE_DB_PATH", cfg.Storage.DBPath)

	if patterns := cleanList(strings.Split(os.Getenv("CONVOPIPE_IMPORT_PATTERNS"), ",")); len(patterns) > 0 {
		cfg.Import.Patterns = patterns
	}
	cfg.Relay.Addr = envOrDefault("CONVOPIPE_RELAY_ADDR", cfg.Relay.Addr)
	cfg.Log.Level = strings.ToLower(envOrDefault("CONVOPIPE_LOG_LEVEL", cfg.Log.Level))
}

func clamp(cfg *Config) {
	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")
	if cfg.API.Timeout <= 0 {
		cfg.API.Timeout = 60 * time.Second
	}
	if cfg.API.UploadTimeout <= 0 {
		cfg.API.UploadTimeout = 180 * time.Second
	}
	if cfg.API.MaxRetries < 0 {
		cfg.API.MaxRetries = 0
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 44100
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 2
	}
	if cfg.Audio.TickInterval < 10*time.Millisecond {
		cfg.Audio.TickInterval = 100 * time.Millisecond
	}
	if cfg.Poll.InitialGrace < 0 {
		cfg.Poll.InitialGrace = 8 * time.Second
	}
	if cfg.Poll.Interval <= 0 {
		cfg.Poll.Interval = 3 * time.Second
	}
	if cfg.Poll.MaxAttempts <= 0 {
		cfg.Poll.MaxAttempts = 120
	}
	if cfg.Cache.Validity <= 0 {
		cfg.Cache.Validity = 300 * time.Second
	}
	if cfg.Cache.SweepInterval <= 0 {
		cfg.Cache.SweepInterval = 60 * time.Second
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		cfg.Log.Level = "info"
	}
}

func durationOr(value string, fallback time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func cleanList(values []string) []string {
	var out []string
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultMillis(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

func envOrDefaultSeconds(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Second
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
