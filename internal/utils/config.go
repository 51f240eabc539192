package utils

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PostgresConfig describes the connection to the token control-plane database.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// Config is the full service configuration, shared by both binaries. Sections
// that only apply to one service are simply ignored by the other.
type Config struct {
	// Env selects error verbosity: "production" hides failure details from
	// HTTP responses, anything else includes them.
	Env string `yaml:"env"`

	Server struct {
		Host    string `yaml:"host"`
		Port    string `yaml:"port"`
		Prefork bool   `yaml:"prefork"`
	} `yaml:"server"`

	Logger struct {
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
		Level      string `yaml:"level"`
	} `yaml:"logger"`

	Capture struct {
		ChromePath      string  `yaml:"chrome_path"`
		ChromeNoSandbox bool    `yaml:"chrome_no_sandbox"`
		ChromePoolSize  int     `yaml:"chrome_pool_size"`
		UserDataDir     string  `yaml:"user_data_dir"`
		TimeoutSecs     int     `yaml:"timeout_secs"`
		SettleMillis    int     `yaml:"settle_millis"`
		DefaultWidth    int     `yaml:"default_width"`
		DefaultHeight   int     `yaml:"default_height"`
		DefaultScale    float64 `yaml:"default_scale"`
		MaxHTMLBytes    int     `yaml:"max_html_bytes"`
		MaxPNGBytes     int     `yaml:"max_png_bytes"`
	} `yaml:"capture"`

	Fonts struct {
		// InlineDisabled turns stylesheet inlining off; it runs by default.
		InlineDisabled bool     `yaml:"inline_disabled"`
		TimeoutMillis  int      `yaml:"timeout_millis"`
		AllowedHosts   []string `yaml:"allowed_hosts"`
	} `yaml:"fonts"`

	Upload struct {
		MaxFileBytes int    `yaml:"max_file_bytes"`
		TempDir      string `yaml:"temp_dir"`
	} `yaml:"upload"`

	Matting struct {
		Endpoint    string `yaml:"endpoint"`
		APIKey      string `yaml:"api_key"`
		Model       string `yaml:"model"`
		Quality     string `yaml:"quality"`
		TimeoutSecs int    `yaml:"timeout_secs"`
	} `yaml:"matting"`

	Auth struct {
		Enabled  bool           `yaml:"enabled"`
		Postgres PostgresConfig `yaml:"postgres"`
	} `yaml:"auth"`

	RateLimiter RateLimiterConfig `yaml:"rate_limiter"`

	Redis struct {
		Host        string `yaml:"host"`
		RateLimitDB int    `yaml:"rate_limit_db"`
	} `yaml:"redis"`
}

// RateLimiterConfig controls the optional sliding-window limiters.
type RateLimiterConfig struct {
	Interval          time.Duration
	UserLimit         int
	EnableUserLimiter bool
}

// UnmarshalYAML accepts "1m"-style duration strings for the interval.
func (r *RateLimiterConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Interval          string `yaml:"interval"`
		UserLimit         int    `yaml:"user_limit"`
		EnableUserLimiter bool   `yaml:"enable_user_limiter"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Interval != "" {
		d, err := time.ParseDuration(raw.Interval)
		if err != nil {
			return fmt.Errorf("rate_limiter interval: %w", err)
		}
		r.Interval = d
	}
	r.UserLimit = raw.UserLimit
	r.EnableUserLimiter = raw.EnableUserLimiter
	return nil
}

// AppConfig holds the last loaded configuration. Handlers that are created
// before LoadConfig runs (tests mostly) see the zero value plus defaults.
var AppConfig Config

// GetConfig returns the current global configuration.
func GetConfig() Config {
	return AppConfig
}

// IsProduction reports whether error details must be hidden from responses.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// LoadConfig reads config.yaml (or $CONFIG_PATH) and applies environment
// overrides. A missing file is not an error: defaults apply.
func LoadConfig() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg := LoadFrom(path)
	AppConfig = cfg
	return cfg
}

// LoadFrom loads configuration from an explicit path. Invalid values panic:
// a service with broken configuration must not start.
func LoadFrom(path string) Config {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			panic(fmt.Sprintf("config %s: %v", path, err))
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		panic(fmt.Sprintf("config %s: %v", path, err))
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	validate(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":3000"
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}

	if cfg.Capture.TimeoutSecs == 0 {
		cfg.Capture.TimeoutSecs = 120
	}
	if cfg.Capture.SettleMillis == 0 {
		cfg.Capture.SettleMillis = 350
	}
	if cfg.Capture.DefaultWidth == 0 {
		cfg.Capture.DefaultWidth = 1200
	}
	if cfg.Capture.DefaultHeight == 0 {
		cfg.Capture.DefaultHeight = 800
	}
	if cfg.Capture.DefaultScale == 0 {
		cfg.Capture.DefaultScale = 2
	}
	if cfg.Capture.MaxHTMLBytes == 0 {
		cfg.Capture.MaxHTMLBytes = 2 * 1024 * 1024
	}
	if cfg.Capture.MaxPNGBytes == 0 {
		cfg.Capture.MaxPNGBytes = 32 * 1024 * 1024
	}

	if cfg.Fonts.TimeoutMillis == 0 {
		cfg.Fonts.TimeoutMillis = 3000
	}
	if len(cfg.Fonts.AllowedHosts) == 0 {
		cfg.Fonts.AllowedHosts = []string{"fonts.googleapis.com"}
	}

	if cfg.Upload.MaxFileBytes == 0 {
		cfg.Upload.MaxFileBytes = 10 * 1024 * 1024
	}

	if cfg.Matting.Model == "" {
		cfg.Matting.Model = "isnet-general"
	}
	if cfg.Matting.Quality == "" {
		cfg.Matting.Quality = "high"
	}
	if cfg.Matting.TimeoutSecs == 0 {
		cfg.Matting.TimeoutSecs = 60
	}

	if cfg.RateLimiter.Interval == 0 {
		cfg.RateLimiter.Interval = time.Minute
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if v[0] != ':' {
			v = ":" + v
		}
		cfg.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Env = v
	}
}

func validate(cfg *Config) {
	if cfg.RateLimiter.UserLimit < 0 {
		panic(fmt.Sprintf("config: user_limit must not be negative, got %d", cfg.RateLimiter.UserLimit))
	}
	if cfg.RateLimiter.Interval <= 0 {
		panic("config: rate_limiter interval must be positive")
	}
	if cfg.Capture.DefaultScale < 1 || cfg.Capture.DefaultScale > 4 {
		panic(fmt.Sprintf("config: default_scale must be within [1,4], got %v", cfg.Capture.DefaultScale))
	}
	if cfg.Auth.Enabled && cfg.Auth.Postgres.Host == "" {
		panic("config: auth enabled but postgres host is empty")
	}
}
