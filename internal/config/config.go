package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Notes      NotesConfig      `yaml:"notes"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Sync       SyncConfig       `yaml:"sync"`
	API        APIConfig        `yaml:"api"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Exports    ExportConfig     `yaml:"exports"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type NotesConfig struct {
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
	DatabaseID string `yaml:"database_id"`
	APIVersion string `yaml:"api_version"`
	TimeoutSec int    `yaml:"timeout_sec"`
	MaxRetries int    `yaml:"max_retries"`
}

type SchedulerConfig struct {
	BaseURL      string  `yaml:"base_url"`
	APIKey       string  `yaml:"api_key"`
	WorkspaceID  string  `yaml:"workspace_id"`
	TimeoutSec   int     `yaml:"timeout_sec"`
	MaxRetries   int     `yaml:"max_retries"`
	RequestsPerS float64 `yaml:"requests_per_second"`
	Burst        int     `yaml:"burst"`
}

type SyncConfig struct {
	FastInterval     time.Duration `yaml:"fast_interval"`
	SlowInterval     time.Duration `yaml:"slow_interval"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	BatchSize        int           `yaml:"batch_size"`
	CoolDown         time.Duration `yaml:"cool_down"`
	Lease            time.Duration `yaml:"lease"`
	DispatchDelay    time.Duration `yaml:"dispatch_delay"`
	FingerprintTTL   time.Duration `yaml:"fingerprint_ttl"`
	StaleAttemptSkew time.Duration `yaml:"stale_attempt_skew"`
}

type APIConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Port         int     `yaml:"port"`
	HeaderAPIKey string  `yaml:"header_api_key"`
	APIKeys      []string `yaml:"api_keys"`
	RateRPS      float64 `yaml:"rate_rps"`
	RateBurst    int     `yaml:"rate_burst"`
}

type AlertsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; config values may reference its variables.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Notes.Token == "" {
		return errors.New("notes token is required")
	}
	if c.Notes.DatabaseID == "" {
		return errors.New("notes database_id is required")
	}
	if c.Scheduler.APIKey == "" {
		return errors.New("scheduler api_key is required")
	}
	if c.Sync.FastInterval >= c.Sync.SlowInterval {
		return fmt.Errorf("fast_interval (%s) must be shorter than slow_interval (%s)",
			c.Sync.FastInterval, c.Sync.SlowInterval)
	}
	if c.Alerts.Enabled && c.Alerts.BotToken == "" {
		return errors.New("alerts.bot_token is required when alerts are enabled")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "taskbridge"
	}
	if c.Notes.BaseURL == "" {
		c.Notes.BaseURL = "https://api.notes.example.com"
	}
	if c.Notes.APIVersion == "" {
		c.Notes.APIVersion = "2022-06-28"
	}
	if c.Notes.TimeoutSec == 0 {
		c.Notes.TimeoutSec = 30
	}
	if c.Notes.MaxRetries == 0 {
		c.Notes.MaxRetries = 3
	}
	if c.Scheduler.TimeoutSec == 0 {
		c.Scheduler.TimeoutSec = 30
	}
	if c.Scheduler.MaxRetries == 0 {
		c.Scheduler.MaxRetries = 3
	}
	if c.Scheduler.RequestsPerS == 0 {
		c.Scheduler.RequestsPerS = 1.5
	}
	if c.Scheduler.Burst == 0 {
		c.Scheduler.Burst = 3
	}
	if c.Sync.FastInterval == 0 {
		c.Sync.FastInterval = time.Minute
	}
	if c.Sync.SlowInterval == 0 {
		c.Sync.SlowInterval = 3 * time.Minute
	}
	if c.Sync.SweepInterval == 0 {
		c.Sync.SweepInterval = time.Hour
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 25
	}
	if c.Sync.CoolDown == 0 {
		c.Sync.CoolDown = 5 * time.Minute
	}
	if c.Sync.Lease == 0 {
		c.Sync.Lease = 2 * time.Minute
	}
	if c.Sync.DispatchDelay == 0 {
		c.Sync.DispatchDelay = 500 * time.Millisecond
	}
	if c.Sync.FingerprintTTL == 0 {
		c.Sync.FingerprintTTL = 24 * time.Hour
	}
	if c.Sync.StaleAttemptSkew == 0 {
		c.Sync.StaleAttemptSkew = 24 * time.Hour
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.HeaderAPIKey == "" {
		c.API.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateRPS == 0 {
		c.API.RateRPS = 10
	}
	if c.API.RateBurst == 0 {
		c.API.RateBurst = 20
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
