// -------------------------------------------------------------------------------
// Configuration - Tile Proxy Settings
//
// Author: Alex Freidah
//
// Configuration types and loader for the tile proxy. Supports environment
// variable expansion in YAML values using ${VAR} syntax. Validates required
// fields before returning to catch misconfiguration early.
// -------------------------------------------------------------------------------

package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/munchbox/tile-proxy/internal/tile"
)

// -------------------------------------------------------------------------
// CONFIGURATION TYPES
// -------------------------------------------------------------------------

// Config holds the complete service configuration.
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Providers  []ProviderConfig       `yaml:"providers"`
	Layers     []LayerConfig          `yaml:"layers"`
	Downloader DownloaderConfig       `yaml:"downloader"`
	Health     HealthConfig           `yaml:"health"`
	Telemetry  TelemetryConfig        `yaml:"telemetry"`
	Areas      map[string]tile.Region `yaml:"areas"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	StoreTimeout time.Duration `yaml:"store_timeout"` // Per-lookup store read timeout (default: 2s)
	CacheMaxAge  time.Duration `yaml:"cache_max_age"` // Client Cache-Control max-age on hits (default: 24h)
}

// ProviderConfig holds settings for one remote tile provider. The rate limit
// is enforced process-wide per provider, shared by all download sessions.
type ProviderConfig struct {
	Name         string        `yaml:"name"`          // Identifier for metrics/tracing
	URLTemplate  string        `yaml:"url_template"`  // Tile URL with {z}/{x}/{y} placeholders
	RatePerSec   float64       `yaml:"rate_per_sec"`  // Token refill rate (default: 5)
	Burst        int           `yaml:"burst"`         // Max burst size (default: 1)
	FetchTimeout time.Duration `yaml:"fetch_timeout"` // Per-request timeout (default: 15s)
	UserAgent    string        `yaml:"user_agent"`
}

// LayerConfig binds a logical layer name to its ordered source chain and the
// provider its downloads come from. Source order is fallback priority; the
// first source is the download write target.
type LayerConfig struct {
	Name     string         `yaml:"name"`
	Provider string         `yaml:"provider"`
	Sources  []SourceConfig `yaml:"sources"`
}

// SourceConfig holds one MBTiles store registration.
type SourceConfig struct {
	Name        string `yaml:"name"`        // Identifier for metrics/health (default: file basename)
	Path        string `yaml:"path"`        // MBTiles file path
	Format      string `yaml:"format"`      // png or jpg, used when creating a new file (default: png)
	Attribution string `yaml:"attribution"` // Written into new store metadata
}

// DownloaderConfig holds worker pool and checkpoint settings.
type DownloaderConfig struct {
	Workers            int           `yaml:"workers"`             // Concurrent fetch workers (default: 4)
	RetryAttempts      int           `yaml:"retry_attempts"`      // Attempts per tile incl. the first (default: 3)
	BackoffBase        time.Duration `yaml:"backoff_base"`        // First retry delay (default: 500ms)
	BackoffMax         time.Duration `yaml:"backoff_max"`         // Cap on exponential backoff (default: 30s)
	CheckpointTiles    int           `yaml:"checkpoint_tiles"`    // Checkpoint every N tiles (default: 256)
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"` // ...or every T seconds (default: 30s)
	CheckpointDir      string        `yaml:"checkpoint_dir"`      // Session checkpoint directory
	Resume             bool          `yaml:"resume"`              // Resume paused sessions at startup
}

// HealthConfig holds per-source degradation settings for the read path.
type HealthConfig struct {
	ErrorThreshold   int           `yaml:"error_threshold"`   // Consecutive errors before degrading (default: 10)
	ErrorWindow      time.Duration `yaml:"error_window"`      // Sliding window for the error run (default: 1m)
	RecoveryInterval time.Duration `yaml:"recovery_interval"` // Degraded retry interval (default: 5m)
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"` // Use insecure connection (no TLS)
}

// -------------------------------------------------------------------------
// CONFIGURATION LOADER
// -------------------------------------------------------------------------

// LoadConfig reads and parses the configuration file with environment variable
// expansion. Returns an error if the file cannot be read, parsed, or validated.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// --- Expand environment variables ---
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.SetDefaultsAndValidate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// -------------------------------------------------------------------------
// VALIDATION
// -------------------------------------------------------------------------

// SetDefaultsAndValidate applies default values for optional fields and checks
// that all required configuration values are present.
func (c *Config) SetDefaultsAndValidate() error {
	var errors []string

	// --- Server validation ---
	if c.Server.ListenAddr == "" {
		errors = append(errors, "server.listen_addr is required")
	}
	if c.Server.StoreTimeout == 0 {
		c.Server.StoreTimeout = 2 * time.Second
	}
	if c.Server.CacheMaxAge == 0 {
		c.Server.CacheMaxAge = 24 * time.Hour
	}

	// --- Providers validation ---
	providerNames := make(map[string]bool)
	for i := range c.Providers {
		p := &c.Providers[i]
		prefix := fmt.Sprintf("providers[%d]", i)

		if p.Name == "" {
			errors = append(errors, fmt.Sprintf("%s: name is required", prefix))
		}
		if providerNames[p.Name] {
			errors = append(errors, fmt.Sprintf("%s: duplicate provider name '%s'", prefix, p.Name))
		}
		providerNames[p.Name] = true

		if p.URLTemplate == "" {
			errors = append(errors, fmt.Sprintf("%s: url_template is required", prefix))
		} else {
			if _, err := url.Parse(p.URLTemplate); err != nil {
				errors = append(errors, fmt.Sprintf("%s: url_template is not a valid URL: %v", prefix, err))
			}
			for _, ph := range []string{"{z}", "{x}", "{y}"} {
				if !strings.Contains(p.URLTemplate, ph) {
					errors = append(errors, fmt.Sprintf("%s: url_template missing %s placeholder", prefix, ph))
				}
			}
		}

		if p.RatePerSec == 0 {
			p.RatePerSec = 5
		}
		if p.RatePerSec < 0 {
			errors = append(errors, fmt.Sprintf("%s: rate_per_sec must be positive", prefix))
		}
		if p.Burst == 0 {
			p.Burst = 1
		}
		if p.FetchTimeout == 0 {
			p.FetchTimeout = 15 * time.Second
		}
	}

	// --- Layers validation ---
	if len(c.Layers) == 0 {
		errors = append(errors, "at least one layer is required")
	}

	layerNames := make(map[string]bool)
	sourceNames := make(map[string]bool)
	for i := range c.Layers {
		l := &c.Layers[i]
		prefix := fmt.Sprintf("layers[%d]", i)

		if l.Name == "" {
			errors = append(errors, fmt.Sprintf("%s: name is required", prefix))
		}
		if layerNames[l.Name] {
			errors = append(errors, fmt.Sprintf("%s: duplicate layer name '%s'", prefix, l.Name))
		}
		layerNames[l.Name] = true

		if l.Provider != "" && !providerNames[l.Provider] {
			errors = append(errors, fmt.Sprintf("%s: unknown provider '%s'", prefix, l.Provider))
		}

		if len(l.Sources) == 0 {
			errors = append(errors, fmt.Sprintf("%s: at least one source is required", prefix))
		}
		for j := range l.Sources {
			s := &l.Sources[j]
			sprefix := fmt.Sprintf("%s.sources[%d]", prefix, j)

			if s.Path == "" {
				errors = append(errors, fmt.Sprintf("%s: path is required", sprefix))
			}
			if s.Name == "" {
				s.Name = fmt.Sprintf("%s-%d", l.Name, j)
			}
			if sourceNames[s.Name] {
				errors = append(errors, fmt.Sprintf("%s: duplicate source name '%s'", sprefix, s.Name))
			}
			sourceNames[s.Name] = true

			if s.Format == "" {
				s.Format = "png"
			}
			if s.Format != "png" && s.Format != "jpg" {
				errors = append(errors, fmt.Sprintf("%s: format must be 'png' or 'jpg'", sprefix))
			}
		}
	}

	// --- Downloader defaults ---
	if c.Downloader.Workers == 0 {
		c.Downloader.Workers = 4
	}
	if c.Downloader.Workers < 0 {
		errors = append(errors, "downloader.workers must be positive")
	}
	if c.Downloader.RetryAttempts == 0 {
		c.Downloader.RetryAttempts = 3
	}
	if c.Downloader.BackoffBase == 0 {
		c.Downloader.BackoffBase = 500 * time.Millisecond
	}
	if c.Downloader.BackoffMax == 0 {
		c.Downloader.BackoffMax = 30 * time.Second
	}
	if c.Downloader.CheckpointTiles == 0 {
		c.Downloader.CheckpointTiles = 256
	}
	if c.Downloader.CheckpointInterval == 0 {
		c.Downloader.CheckpointInterval = 30 * time.Second
	}
	if c.Downloader.CheckpointDir == "" {
		c.Downloader.CheckpointDir = "checkpoints"
	}

	// --- Health defaults ---
	if c.Health.ErrorThreshold == 0 {
		c.Health.ErrorThreshold = 10
	}
	if c.Health.ErrorWindow == 0 {
		c.Health.ErrorWindow = time.Minute
	}
	if c.Health.RecoveryInterval == 0 {
		c.Health.RecoveryInterval = 5 * time.Minute
	}

	// --- Areas validation ---
	for name, region := range c.Areas {
		if err := region.Validate(); err != nil {
			errors = append(errors, fmt.Sprintf("areas.%s: %v", name, err))
		}
	}

	// --- Telemetry defaults ---
	if c.Telemetry.Metrics.Path == "" {
		c.Telemetry.Metrics.Path = "/metrics"
	}
	if c.Telemetry.Tracing.SampleRate == 0 && c.Telemetry.Tracing.Enabled {
		c.Telemetry.Tracing.SampleRate = 1.0
	}

	// --- Validate tracing config ---
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Endpoint == "" {
		errors = append(errors, "telemetry.tracing.endpoint is required when tracing is enabled")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}
	return nil
}

// Layer returns the layer config with the given name, or nil.
func (c *Config) Layer(name string) *LayerConfig {
	for i := range c.Layers {
		if c.Layers[i].Name == name {
			return &c.Layers[i]
		}
	}
	return nil
}

// Provider returns the provider config with the given name, or nil.
func (c *Config) Provider(name string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}
