// Package config loads nodeflow's YAML configuration, overlaid with
// NODEFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/soochol/nodeflow/internal/credentials"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Log         LogConfig         `yaml:"log"`
	Engine      EngineConfig      `yaml:"engine"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Auth        AuthConfig        `yaml:"auth"`
	Storage     StorageConfig     `yaml:"storage"`
	Credentials CredentialsConfig `yaml:"credentials"`
	AI          AIConfig          `yaml:"ai"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatabaseConfig holds database connection settings. An empty URL keeps
// everything in memory.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// EngineConfig tunes workflow execution.
type EngineConfig struct {
	ParallelLevels  bool          `yaml:"parallel_levels"`
	MaxParallel     int           `yaml:"max_parallel"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	EventBuffer     int           `yaml:"event_buffer"`
	RunRetention    time.Duration `yaml:"run_retention"` // how long finished runs stay streamable
}

// SchedulerConfig holds settings for the workflow scheduler.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Timezone     string        `yaml:"timezone"`
	GlobalMax    int           `yaml:"global_max"`   // max concurrent runs system-wide
	PerWorkflow  int           `yaml:"per_workflow"` // max concurrent runs per workflow
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// CredentialsConfig maps credential ids to tokens. Static entries win over
// OAuth clients with the same id.
type CredentialsConfig struct {
	Static map[string]string                  `yaml:"static"`
	OAuth  map[string]credentials.OAuthClient `yaml:"oauth"`
}

// AIConfig enables the ai.complete action when BaseURL is set.
type AIConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// overrides are the environment variables that take precedence over YAML.
// Unset variables leave the YAML value alone.
type overrides struct {
	ConfigPath  string `env:"NODEFLOW_CONFIG"`
	DatabaseURL string `env:"NODEFLOW_DATABASE_URL"`
	Port        int    `env:"NODEFLOW_PORT"`
	JWTSecret   string `env:"NODEFLOW_JWT_SECRET"`
	Timezone    string `env:"NODEFLOW_TIMEZONE"`
	LogLevel    string `env:"NODEFLOW_LOG_LEVEL"`
	StorageDir  string `env:"NODEFLOW_STORAGE_DIR"`
}

// defaults returns a Config populated with sensible default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{
			DispatchTimeout: 60 * time.Second,
			EventBuffer:     256,
			RunRetention:    30 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			TickInterval: 30 * time.Second,
			Timezone:     "UTC",
			GlobalMax:    10,
			PerWorkflow:  3,
		},
		Storage: StorageConfig{Dir: "data/files"},
	}
}

// Load reads a YAML configuration file at path and returns a Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// LoadDefault resolves configuration without an explicit file path.
func LoadDefault() (*Config, error) {
	return Resolve("")
}

// Resolve loads .env if present, then the YAML file at path, falling back to
// NODEFLOW_CONFIG and finally "config.yaml". Only the implicit default may be
// missing, in which case defaults are used. Environment overrides are applied
// last and the result is validated.
func Resolve(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var ov overrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if path == "" {
		path = ov.ConfigPath
	}
	explicit := path != ""
	if !explicit {
		path = "config.yaml"
	}

	cfg, err := Load(path)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = defaults()
	}
	cfg.apply(ov)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(ov overrides) {
	if ov.DatabaseURL != "" {
		c.Database.URL = ov.DatabaseURL
	}
	if ov.Port != 0 {
		c.Server.Port = ov.Port
	}
	if ov.JWTSecret != "" {
		c.Auth.JWTSecret = ov.JWTSecret
	}
	if ov.Timezone != "" {
		c.Scheduler.Timezone = ov.Timezone
	}
	if ov.LogLevel != "" {
		c.Log.Level = ov.LogLevel
	}
	if ov.StorageDir != "" {
		c.Storage.Dir = ov.StorageDir
	}
}

// Validate reports every problem at once, each wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		bad("server.port %d out of range", c.Server.Port)
	}
	if _, err := c.Location(); err != nil {
		bad("scheduler.timezone %q: %v", c.Scheduler.Timezone, err)
	}
	if c.Scheduler.TickInterval <= 0 {
		bad("scheduler.tick_interval must be positive")
	}
	if c.Scheduler.GlobalMax <= 0 || c.Scheduler.PerWorkflow <= 0 {
		bad("scheduler.global_max and scheduler.per_workflow must be positive")
	}
	if c.Engine.DispatchTimeout <= 0 {
		bad("engine.dispatch_timeout must be positive")
	}
	if c.Engine.EventBuffer < 0 || c.Engine.MaxParallel < 0 {
		bad("engine.event_buffer and engine.max_parallel must not be negative")
	}
	if c.Engine.RunRetention <= 0 {
		bad("engine.run_retention must be positive")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		bad("log.level %q: %v", c.Log.Level, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		bad("log.format %q must be text or json", c.Log.Format)
	}
	for id, oc := range c.Credentials.OAuth {
		if oc.ClientID == "" || oc.TokenURL == "" {
			bad("credentials.oauth.%s needs client_id and token_url", id)
		}
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level; empty means info.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	err := lvl.UnmarshalText([]byte(l.Level))
	return lvl, err
}

// Location resolves the scheduler time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Scheduler.Timezone)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
