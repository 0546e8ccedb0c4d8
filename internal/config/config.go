package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the hub configuration. It is loaded once at startup and never
// mutated afterwards.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Limits  LimitsConfig  `yaml:"limits"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr    string `yaml:"addr"`
	DataDir string `yaml:"data_dir"` // transcripts and attachments live here
	DBPath  string `yaml:"db_path"`  // sqlite; defaults to <data_dir>/hub.db
}

type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`   // base64; generated and persisted when empty
	RunnerToken string `yaml:"runner_token"` // legacy shared runner token; empty disables
	CookieName  string `yaml:"cookie_name"`
}

type LimitsConfig struct {
	MaxConnsPerUser    int   `yaml:"max_conns_per_user"`
	ViewerQueueSize    int   `yaml:"viewer_queue_size"`
	RunnerQueueSize    int   `yaml:"runner_queue_size"`
	FramesPerSecond    int   `yaml:"frames_per_second"` // per-principal inbound budget
	FrameBurst         int   `yaml:"frame_burst"`
	AttachmentMaxBytes int64 `yaml:"attachment_max_bytes"`
	AttachmentTTLHours int   `yaml:"attachment_ttl_hours"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file or overrides are
// given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:    ":8080",
			DataDir: "data",
		},
		Auth: AuthConfig{
			CookieName: "pizzapi_session",
		},
		Limits: LimitsConfig{
			MaxConnsPerUser:    32,
			ViewerQueueSize:    1000,
			RunnerQueueSize:    256,
			FramesPerSecond:    200,
			FrameBurst:         400,
			AttachmentMaxBytes: 25 << 20,
			AttachmentTTLHours: 24,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if addr := os.Getenv("PIZZAPI_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if dir := os.Getenv("PIZZAPI_DATA_DIR"); dir != "" {
		cfg.Server.DataDir = dir
	}
	if db := os.Getenv("PIZZAPI_DB_PATH"); db != "" {
		cfg.Server.DBPath = db
	}
	if secret := os.Getenv("PIZZAPI_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if token := os.Getenv("PIZZAPI_RUNNER_TOKEN"); token != "" {
		cfg.Auth.RunnerToken = token
	}
	if level := os.Getenv("PIZZAPI_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = filepath.Join(cfg.Server.DataDir, "hub.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir is required")
	}
	if c.Auth.CookieName == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.Limits.MaxConnsPerUser <= 0 {
		return fmt.Errorf("limits.max_conns_per_user must be positive")
	}
	if c.Limits.ViewerQueueSize <= 0 {
		return fmt.Errorf("limits.viewer_queue_size must be positive")
	}
	if c.Limits.RunnerQueueSize <= 0 {
		return fmt.Errorf("limits.runner_queue_size must be positive")
	}
	if c.Limits.FramesPerSecond <= 0 {
		return fmt.Errorf("limits.frames_per_second must be positive")
	}
	return nil
}
