package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Video      VideoConfig      `yaml:"video"`
	Events     EventsConfig     `yaml:"events"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	Auth       AuthConfig       `yaml:"auth"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RequestIPHeader string  `yaml:"request_ip_header"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// SchedulingConfig controls slot generation and the consultation join window.
type SchedulingConfig struct {
	SlotDurationMinutes int `yaml:"slot_duration_minutes"`
	JoinEarlyMinutes    int `yaml:"join_early_minutes"`
	JoinLateMinutes     int `yaml:"join_late_minutes"`
	NoShowGraceMinutes  int `yaml:"no_show_grace_minutes"`
	DefaultVisitMinutes int `yaml:"default_visit_minutes"`
}

// ProviderConfig holds the credentials for one video provider.
type ProviderConfig struct {
	BaseURL          string `yaml:"base_url"`
	APIKey           string `yaml:"api_key"`
	WebhookSecret    string `yaml:"webhook_secret"`
	RequireSignature bool   `yaml:"require_signature"`
}

// VideoConfig holds the per-provider settings and the default provider name.
type VideoConfig struct {
	DefaultProvider string         `yaml:"default_provider"`
	TimeoutSeconds  int            `yaml:"timeout_seconds"`
	RequestTimeout  time.Duration  `yaml:"-"` // Ignored by YAML parser
	MaxRetries      int            `yaml:"max_retries"`
	Jitsi           ProviderConfig `yaml:"jitsi"`
	Zoom            ProviderConfig `yaml:"zoom"`
	Whereby         ProviderConfig `yaml:"whereby"`
}

// EventsConfig configures the lifecycle event bus.
type EventsConfig struct {
	KafkaBroker string `yaml:"kafka_broker"`
	KafkaTopic  string `yaml:"kafka_topic"`
	WorkerCount int    `yaml:"worker_count"`
}

// SweeperConfig configures the no-show sweeper job.
type SweeperConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// AuthConfig holds the JWT verification settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 60
	}

	if cfg.Scheduling.SlotDurationMinutes <= 0 {
		cfg.Scheduling.SlotDurationMinutes = 30
	}
	if cfg.Scheduling.JoinEarlyMinutes <= 0 {
		cfg.Scheduling.JoinEarlyMinutes = 15
	}
	if cfg.Scheduling.JoinLateMinutes <= 0 {
		cfg.Scheduling.JoinLateMinutes = 120
	}
	if cfg.Scheduling.NoShowGraceMinutes <= 0 {
		cfg.Scheduling.NoShowGraceMinutes = 15
	}
	if cfg.Scheduling.DefaultVisitMinutes <= 0 {
		cfg.Scheduling.DefaultVisitMinutes = 15
	}

	if cfg.Video.DefaultProvider == "" {
		cfg.Video.DefaultProvider = "jitsi"
	}
	if cfg.Video.TimeoutSeconds <= 0 {
		cfg.Video.TimeoutSeconds = 10
	}
	cfg.Video.RequestTimeout = time.Duration(cfg.Video.TimeoutSeconds) * time.Second
	if cfg.Video.MaxRetries <= 0 {
		cfg.Video.MaxRetries = 3
	}

	if cfg.Events.WorkerCount <= 0 {
		log.Printf("events.worker_count is not set or invalid; defaulting to 1")
		cfg.Events.WorkerCount = 1
	}
	if cfg.Events.KafkaTopic == "" {
		cfg.Events.KafkaTopic = "consultation_lifecycle"
	}

	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = "*/5 * * * *"
	}

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret must be configured")
	}

	return &cfg, nil
}

// applyEnvOverrides lets credentials come from the environment instead of the
// config file, so the file can be committed without secrets.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("ZOOM_API_KEY"); v != "" {
		cfg.Video.Zoom.APIKey = v
	}
	if v := os.Getenv("ZOOM_WEBHOOK_SECRET"); v != "" {
		cfg.Video.Zoom.WebhookSecret = v
	}
	if v := os.Getenv("WHEREBY_API_KEY"); v != "" {
		cfg.Video.Whereby.APIKey = v
	}
	if v := os.Getenv("WHEREBY_WEBHOOK_SECRET"); v != "" {
		cfg.Video.Whereby.WebhookSecret = v
	}
	if v := os.Getenv("JITSI_WEBHOOK_SECRET"); v != "" {
		cfg.Video.Jitsi.WebhookSecret = v
	}
	if v := os.Getenv("KAFKA_BROKER"); v != "" {
		cfg.Events.KafkaBroker = v
	}
}
