package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ReelSmith worker. It is constructed
// once at process start and passed into constructors; there is no ambient
// global state.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Worker    WorkerConfig
	Progress  ProgressConfig
	Providers ProvidersConfig
	Storage   StorageConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type WorkerConfig struct {
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	DequeueTimeout time.Duration
	WorkdirRoot    string
}

type ProgressConfig struct {
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	BridgeRetryWait  time.Duration
	BridgeMaxRetries int
}

type ProvidersConfig struct {
	Script      string
	CallTimeout time.Duration
	OpenAI      OpenAIConfig
	Anthropic   AnthropicConfig
	ElevenLabs  ElevenLabsConfig
	Runway      RunwayConfig
	FFmpeg      FFmpegConfig
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

type AnthropicConfig struct {
	APIKey string
	Model  string
}

type ElevenLabsConfig struct {
	BaseURL string
	APIKey  string
	VoiceID string
}

type RunwayConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type FFmpegConfig struct {
	Bin string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

var validScriptProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("REELSMITH_PORT", 8080),
			Env:  envString("REELSMITH_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Worker: WorkerConfig{
			MaxRetries:     envInt("WORKER_MAX_RETRIES", 3),
			BackoffBase:    envDuration("WORKER_BACKOFF_BASE", 2*time.Second),
			BackoffCap:     envDuration("WORKER_BACKOFF_CAP", 60*time.Second),
			DequeueTimeout: envDuration("WORKER_DEQUEUE_TIMEOUT", 5*time.Second),
			WorkdirRoot:    envString("WORKER_WORKDIR", os.TempDir()),
		},
		Progress: ProgressConfig{
			PingInterval:     envDuration("PROGRESS_PING_INTERVAL", 30*time.Second),
			WriteTimeout:     envDuration("PROGRESS_WRITE_TIMEOUT", 10*time.Second),
			BridgeRetryWait:  envDuration("PROGRESS_BRIDGE_RETRY_WAIT", time.Second),
			BridgeMaxRetries: envInt("PROGRESS_BRIDGE_MAX_RETRIES", 5),
		},
		Providers: ProvidersConfig{
			Script:      envString("SCRIPT_PROVIDER", "openai"),
			CallTimeout: envDuration("PROVIDER_CALL_TIMEOUT", 5*time.Minute),
			OpenAI: OpenAIConfig{
				APIKey: os.Getenv("OPENAI_API_KEY"),
				Model:  envString("OPENAI_MODEL", "gpt-4o"),
			},
			Anthropic: AnthropicConfig{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
				Model:  envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
			ElevenLabs: ElevenLabsConfig{
				BaseURL: envString("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
				APIKey:  os.Getenv("ELEVENLABS_API_KEY"),
				VoiceID: envString("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
			},
			Runway: RunwayConfig{
				BaseURL: envString("RUNWAY_BASE_URL", "https://api.dev.runwayml.com"),
				APIKey:  os.Getenv("RUNWAY_API_KEY"),
				Model:   envString("RUNWAY_MODEL", "gen3a_turbo"),
			},
			FFmpeg: FFmpegConfig{
				Bin: envString("FFMPEG_BIN", "ffmpeg"),
			},
		},
		Storage: StorageConfig{
			Endpoint:  os.Getenv("STORAGE_ENDPOINT"),
			AccessKey: os.Getenv("STORAGE_ACCESS_KEY"),
			SecretKey: os.Getenv("STORAGE_SECRET_KEY"),
			Bucket:    envString("STORAGE_BUCKET", "reelsmith-renders"),
			UseSSL:    envBool("STORAGE_USE_SSL", false),
			PublicURL: os.Getenv("STORAGE_PUBLIC_URL"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Worker.MaxRetries < 1 {
		return fmt.Errorf("WORKER_MAX_RETRIES must be at least 1, got %d", c.Worker.MaxRetries)
	}
	if c.Worker.BackoffBase <= 0 || c.Worker.BackoffCap < c.Worker.BackoffBase {
		return fmt.Errorf("backoff cap %s must be at least backoff base %s", c.Worker.BackoffCap, c.Worker.BackoffBase)
	}

	if !validScriptProviders[c.Providers.Script] {
		return fmt.Errorf("SCRIPT_PROVIDER must be one of openai, anthropic; got %q", c.Providers.Script)
	}
	if c.Providers.Script == "openai" && c.Providers.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when SCRIPT_PROVIDER is openai")
	}
	if c.Providers.Script == "anthropic" && c.Providers.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when SCRIPT_PROVIDER is anthropic")
	}

	for name, baseURL := range map[string]string{
		"ELEVENLABS_BASE_URL": c.Providers.ElevenLabs.BaseURL,
		"RUNWAY_BASE_URL":     c.Providers.Runway.BaseURL,
	} {
		if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", name, baseURL)
		}
	}

	if c.Storage.Endpoint == "" {
		return fmt.Errorf("STORAGE_ENDPOINT is required")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
