package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key read from the environment,
// e.g. TIMESHIFT_MANIFEST_URL.
const EnvPrefix = "TIMESHIFT"

const (
	defaultBufferPeriod      = 10 * time.Second
	defaultMinSegments       = 10
	defaultPlaylistLookahead = 30 * time.Second
	defaultStaleTimeout      = 60 * time.Second
	defaultRetryAttempts     = 5
	defaultRetryBaseDelay    = time.Second
	defaultRequestTimeout    = 30 * time.Second
	defaultStoreCap          = 1000
	defaultCaptureInterval   = 3 * time.Second
	defaultPublishInterval   = time.Second
	defaultSuperviseInterval = time.Second
	defaultGracePeriod       = 10 * time.Second
	defaultJanitorGrace      = 10 * time.Minute
)

// Config is the single typed configuration value built once at startup and
// passed to every component that needs it.
type Config struct {
	ManifestURL       string        `mapstructure:"manifest_url"`
	OutputDir         string        `mapstructure:"output_dir"`
	Delays            []int         `mapstructure:"delays"`
	BufferPeriod      time.Duration `mapstructure:"buffer_period"`
	MinSegments       int           `mapstructure:"min_segments"`
	PlaylistLookahead time.Duration `mapstructure:"playlist_lookahead"`
	StaleTimeout      time.Duration `mapstructure:"stale_timeout"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	StoreCap          int           `mapstructure:"store_cap"`
	CaptureInterval   time.Duration `mapstructure:"capture_interval"`
	PublishInterval   time.Duration `mapstructure:"publish_interval"`
	SuperviseInterval time.Duration `mapstructure:"supervise_interval"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	HTTPAddr          string        `mapstructure:"http_addr"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`
	JanitorSchedule   string        `mapstructure:"janitor_schedule"`
	JanitorGrace      time.Duration `mapstructure:"janitor_grace"`
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// Build assembles the typed Config from defaults, an optional config file and
// TIMESHIFT_* environment variables, in increasing order of precedence.
// With an empty configPath, TIMESHIFT_CONFIG names the file if set.
func Build(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath == "" {
		configPath = GetEnv(EnvPrefix+"_CONFIG", "")
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("timeshift")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/timeshift")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults registers every key with its default so that AutomaticEnv can
// resolve it during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("manifest_url", "")
	v.SetDefault("output_dir", "./output")
	v.SetDefault("delays", []int{300})
	v.SetDefault("buffer_period", defaultBufferPeriod)
	v.SetDefault("min_segments", defaultMinSegments)
	v.SetDefault("playlist_lookahead", defaultPlaylistLookahead)
	v.SetDefault("stale_timeout", defaultStaleTimeout)
	v.SetDefault("retry_attempts", defaultRetryAttempts)
	v.SetDefault("retry_base_delay", defaultRetryBaseDelay)
	v.SetDefault("request_timeout", defaultRequestTimeout)
	v.SetDefault("store_cap", defaultStoreCap)
	v.SetDefault("capture_interval", defaultCaptureInterval)
	v.SetDefault("publish_interval", defaultPublishInterval)
	v.SetDefault("supervise_interval", defaultSuperviseInterval)
	v.SetDefault("grace_period", defaultGracePeriod)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("janitor_schedule", "@every 5m")
	v.SetDefault("janitor_grace", defaultJanitorGrace)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ManifestURL == "" {
		return fmt.Errorf("manifest_url is required")
	}
	u, err := url.Parse(c.ManifestURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("manifest_url must be an absolute URL: %q", c.ManifestURL)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if len(c.Delays) == 0 {
		return fmt.Errorf("at least one delay is required")
	}
	seen := make(map[int]bool, len(c.Delays))
	for _, d := range c.Delays {
		if d < 0 {
			return fmt.Errorf("delays must be non-negative, got %d", d)
		}
		if seen[d] {
			return fmt.Errorf("duplicate delay %d", d)
		}
		seen[d] = true
	}
	if c.BufferPeriod < 0 {
		return fmt.Errorf("buffer_period must be non-negative")
	}
	if c.MinSegments < 1 {
		return fmt.Errorf("min_segments must be at least 1")
	}
	if c.PlaylistLookahead <= 0 {
		return fmt.Errorf("playlist_lookahead must be positive")
	}
	if c.StaleTimeout <= 0 {
		return fmt.Errorf("stale_timeout must be positive")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1")
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("retry_base_delay must be positive")
	}
	if c.StoreCap < 1 {
		return fmt.Errorf("store_cap must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"capture_interval":   c.CaptureInterval,
		"publish_interval":   c.PublishInterval,
		"supervise_interval": c.SuperviseInterval,
		"grace_period":       c.GracePeriod,
		"request_timeout":    c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log_format must be one of: json, text")
	}
	return nil
}

// SortedDelays returns the configured delays in ascending order.
func (c *Config) SortedDelays() []int {
	out := append([]int(nil), c.Delays...)
	sort.Ints(out)
	return out
}
