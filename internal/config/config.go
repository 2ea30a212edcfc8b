// ABOUTME: Configuration loading and parsing for tripsync
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete tripsync configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Worker   WorkerConfig   `yaml:"worker"`
	Network  NetworkConfig  `yaml:"network"`
	Weather  WeatherConfig  `yaml:"weather"`
	Sync     SyncConfig     `yaml:"sync"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds the local store configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WorkerConfig holds the cache worker configuration
type WorkerConfig struct {
	// ListenAddr is where the caching proxy (and its control socket) binds
	ListenAddr string `yaml:"listen_addr"`
	// Origin is the upstream base URL of the travel site
	Origin string `yaml:"origin"`
	// Version names the current cache generation set; bumping it retires
	// all previous generations on the next activate
	Version   string `yaml:"version"`
	CacheDir  string `yaml:"cache_dir"`
	QuotaMB   int64  `yaml:"quota_mb"`
	APIMarker string `yaml:"api_marker"`
	// APIUpstreams maps request path prefixes to remote API base URLs
	// (e.g. "/v1/forecast" -> the weather API)
	APIUpstreams map[string]string `yaml:"api_upstreams"`
	// PrecacheManifest is the path to the TOML asset manifest precached at install
	PrecacheManifest string `yaml:"precache_manifest"`
	// OfflinePage optionally overrides the built-in offline fallback (Markdown)
	OfflinePage string `yaml:"offline_page"`
}

// NetworkConfig holds connectivity probe configuration
type NetworkConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	ProbeIntervalRaw string `yaml:"probe_interval"`
}

// WeatherConfig holds the forecast API configuration
type WeatherConfig struct {
	BaseURL  string `yaml:"base_url"`
	Timezone string `yaml:"timezone"`
}

// SyncConfig holds the remote sync endpoint configuration
type SyncConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Worker.ListenAddr == "" {
		c.Worker.ListenAddr = "localhost:8941"
	}
	if c.Worker.Version == "" {
		c.Worker.Version = "v1"
	}
	if c.Worker.APIMarker == "" {
		c.Worker.APIMarker = "/api/"
	}
	if c.Worker.QuotaMB <= 0 {
		c.Worker.QuotaMB = 512
	}
	if c.Network.ProbeInterval <= 0 {
		c.Network.ProbeInterval = 30 * time.Second
	}
	if c.Weather.BaseURL == "" {
		c.Weather.BaseURL = "https://api.open-meteo.com/v1/forecast"
	}
	if c.Weather.Timezone == "" {
		c.Weather.Timezone = "America/Sao_Paulo"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Worker.Origin == "" {
		return fmt.Errorf("worker.origin is required")
	}

	if c.Worker.CacheDir == "" {
		return fmt.Errorf("worker.cache_dir is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Network.ProbeIntervalRaw != "" {
		cfg.Network.ProbeInterval, err = time.ParseDuration(cfg.Network.ProbeIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing probe_interval %q: %w", cfg.Network.ProbeIntervalRaw, err)
		}
	}

	return nil
}
