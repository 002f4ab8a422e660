// Package config loads nlweb-mcp settings from YAML, a .env file, and the
// environment, in that order of increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/nlweb-mcp/page"
)

const (
	projectConfigName = "nlweb-mcp.yaml"
	homeConfigDir     = ".nlweb-mcp"
	homeConfigName    = "config.yaml"
	dotEnvName        = ".env"
)

// Environment variables that override file settings.
const (
	EnvDBPath          = "NLWEB_MCP_DB_PATH"
	EnvLogLevel        = "NLWEB_MCP_LOG_LEVEL"
	EnvHTTPAddr        = "NLWEB_MCP_HTTP_ADDR"
	EnvMaxConcurrent   = "NLWEB_MCP_MAX_CONCURRENT"
	EnvAskTimeout      = "NLWEB_MCP_ASK_TIMEOUT"
	EnvAskMaxAttempts  = "NLWEB_MCP_ASK_MAX_ATTEMPTS"
	EnvOTLPEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	defaultLogLevel    = "info"
	defaultHTTPAddr    = "127.0.0.1:8765"
	defaultConcurrency = 8
	defaultAskTimeout  = 30 * time.Second
	defaultServiceName = "nlweb-mcp"
)

// Config is the full process configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Ask       AskConfig       `yaml:"ask"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Path is the file the config was read from, empty when none was found.
	Path string `yaml:"-"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type ServerConfig struct {
	HTTPAddr      string `yaml:"http_addr"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

type AskConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Load discovers, reads and validates the configuration for this process.
// A .env file in the working directory is loaded into the environment first;
// variables already set win over it.
func Load(explicitPath string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("config: resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("config: resolve user home: %w", err)
	}
	if err := loadDotEnv(filepath.Join(cwd, dotEnvName)); err != nil {
		return Config{}, err
	}
	return LoadFrom(explicitPath, cwd, homeDir, os.LookupEnv)
}

// LoadFrom is a testable variant of Load that reads the environment through
// lookupEnv and never touches the process environment.
func LoadFrom(explicitPath, cwd, homeDir string, lookupEnv func(string) (string, bool)) (Config, error) {
	var cfg Config

	path, found, err := DiscoverPathFrom(explicitPath, cwd, homeDir)
	if err != nil {
		return Config{}, err
	}
	if found {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, err
		}
		cfg.Path = path
	}

	if lookupEnv == nil {
		lookupEnv = func(string) (string, bool) { return "", false }
	}
	if err := cfg.applyEnv(lookupEnv); err != nil {
		return Config{}, err
	}

	cfg.Database.Path = expandHome(cfg.Database.Path, homeDir)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DiscoverPathFrom returns the first config file that exists among the
// explicit path, ./nlweb-mcp.yaml and ~/.nlweb-mcp/config.yaml. A missing
// explicit path is an error.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		if homeDir != "" {
			candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
		}
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config: file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("config: checking path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		value, ok := lookupEnv(key)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}

	if v, ok := get(EnvDBPath); ok {
		c.Database.Path = v
	}
	if v, ok := get(EnvLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := get(EnvHTTPAddr); ok {
		c.Server.HTTPAddr = v
	}
	if v, ok := get(EnvMaxConcurrent); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvMaxConcurrent, err)
		}
		c.Server.MaxConcurrent = n
	}
	if v, ok := get(EnvAskTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvAskTimeout, err)
		}
		c.Ask.Timeout = d
	}
	if v, ok := get(EnvAskMaxAttempts); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvAskMaxAttempts, err)
		}
		c.Ask.MaxAttempts = n
	}
	if v, ok := get(EnvOTLPEndpoint); ok {
		c.Telemetry.OTLPEndpoint = v
	}
	return nil
}

// Validate fills defaults and rejects out-of-range values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		path, err := page.DefaultSQLitePath()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		c.Database.Path = path
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		c.Server.HTTPAddr = defaultHTTPAddr
	}
	if c.Server.MaxConcurrent == 0 {
		c.Server.MaxConcurrent = defaultConcurrency
	}
	if c.Server.MaxConcurrent < 0 {
		return fmt.Errorf("config: server.max_concurrent must be positive, got %d", c.Server.MaxConcurrent)
	}

	if c.Ask.Timeout == 0 {
		c.Ask.Timeout = defaultAskTimeout
	}
	if c.Ask.Timeout < 0 {
		return fmt.Errorf("config: ask.timeout must be positive, got %s", c.Ask.Timeout)
	}
	if c.Ask.MaxAttempts == 0 {
		c.Ask.MaxAttempts = 1
	}
	if c.Ask.MaxAttempts < 0 {
		return fmt.Errorf("config: ask.max_attempts must be positive, got %d", c.Ask.MaxAttempts)
	}
	if c.Ask.Backoff < 0 || c.Ask.MaxBackoff < 0 {
		return errors.New("config: ask backoff durations must not be negative")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}
	return nil
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("config: unknown log level %q (want debug, info, warn or error)", level)
	}
}

func expandHome(path, homeDir string) string {
	if homeDir == "" {
		return path
	}
	if path == "~" {
		return homeDir
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(homeDir, rest)
	}
	return path
}
