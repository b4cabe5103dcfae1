// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read when DELIVERYGW_CONFIG is unset. A missing file is not an error.
const DefaultConfigPath = "config/config.yaml"

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Uber      UberConfig      `yaml:"uber"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	CORS      CORSConfig      `yaml:"cors"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port      string `yaml:"port"`
	BodyLimit string `yaml:"body_limit"`
}

// RateLimitConfig holds the inbound fixed-window settings
type RateLimitConfig struct {
	PerMinute int64 `yaml:"per_minute"`
}

// CacheConfig selects and configures the cache backend
type CacheConfig struct {
	// Type is "local" or "redis". Empty picks redis when a URL is set.
	Type string `yaml:"type"`
	// JanitorInterval is the local sweep period in seconds; 0 disables it
	JanitorInterval int         `yaml:"janitor_interval"`
	Redis           RedisConfig `yaml:"redis"`
}

// RedisConfig holds the remote backend connection
type RedisConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// UberConfig holds the delivery provider credentials and endpoints
type UberConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	CustomerID   string `yaml:"customer_id"`
	Scope        string `yaml:"scope"`
	TokenURL     string `yaml:"token_url"`
	BaseURL      string `yaml:"base_url"`
}

// UpstreamConfig holds outbound retry and protection settings
type UpstreamConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// RequestsPerSecond caps outbound attempts; 0 disables the limiter
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	CircuitBreaker    bool    `yaml:"circuit_breaker"`
}

// HTTPConfig holds outbound transport timeouts in seconds
type HTTPConfig struct {
	Timeout               int `yaml:"timeout"`
	ResponseHeaderTimeout int `yaml:"response_header_timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// CORSConfig holds the browser origin allow-list
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	// AllowedOriginPatterns are regular expressions matched against the Origin header
	AllowedOriginPatterns []string `yaml:"allowed_origin_patterns"`
}

// RateWindow is the fixed window used for PerMinute.
func (c RateLimitConfig) RateWindow() time.Duration {
	return time.Minute
}

// JanitorDuration returns the janitor interval as a duration.
func (c CacheConfig) JanitorDuration() time.Duration {
	return time.Duration(c.JanitorInterval) * time.Second
}

// UseRedis reports whether the remote backend is selected.
func (c CacheConfig) UseRedis() bool {
	switch strings.ToLower(c.Type) {
	case "redis":
		return true
	case "local":
		return false
	default:
		return c.Redis.URL != ""
	}
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      "8080",
			BodyLimit: "1M",
		},
		RateLimit: RateLimitConfig{PerMinute: 60},
		Cache: CacheConfig{
			JanitorInterval: 60,
		},
		Uber: UberConfig{
			Scope:    "eats.deliveries",
			TokenURL: "https://login.uber.com/oauth/v2/token",
			BaseURL:  "https://api.uber.com/v1/",
		},
		Upstream: UpstreamConfig{
			MaxRetries: 2,
		},
		HTTP: HTTPConfig{
			Timeout:               30,
			ResponseHeaderTimeout: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Endpoint: "/metrics",
		},
		CORS: CORSConfig{
			AllowedOrigins:        []string{"https://baitdash.app"},
			AllowedOriginPatterns: []string{`^https://.+\.vercel\.app$`},
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file,
// an optional .env file and finally the process environment.
func Load() (*Config, error) {
	// Real environment wins over .env; a missing file is fine.
	_ = godotenv.Load()

	cfg := buildDefaultConfig()

	path := os.Getenv("DELIVERYGW_CONFIG")
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}
	if err := loadYAML(cfg, path, explicit); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(cfg *Config, path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	expanded := expandString(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString resolves ${VAR} and ${VAR:-default}. An unset variable without
// a default is left untouched so validation can report it.
func expandString(s string) string {
	if s == "" {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholderPattern.FindStringSubmatch(match)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if v := os.Getenv(name); v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return match
	})
}

func applyEnvOverrides(cfg *Config) error {
	setString("PORT", &cfg.Server.Port)
	setString("BODY_LIMIT", &cfg.Server.BodyLimit)

	if err := setInt64("RATE_LIMIT_PER_MINUTE", &cfg.RateLimit.PerMinute); err != nil {
		return err
	}

	setString("CACHE_TYPE", &cfg.Cache.Type)
	if err := setInt("CACHE_JANITOR_INTERVAL", &cfg.Cache.JanitorInterval); err != nil {
		return err
	}
	setString("REDIS_URL", &cfg.Cache.Redis.URL)
	setString("REDIS_TOKEN", &cfg.Cache.Redis.Token)

	setString("UBER_DIRECT_CLIENT_ID", &cfg.Uber.ClientID)
	setString("UBER_DIRECT_CLIENT_SECRET", &cfg.Uber.ClientSecret)
	setString("UBER_DIRECT_CUSTOMER_ID", &cfg.Uber.CustomerID)
	setString("UBER_DIRECT_SCOPE", &cfg.Uber.Scope)
	setString("UBER_OAUTH_TOKEN_URL", &cfg.Uber.TokenURL)
	setString("UBER_DIRECT_BASE_URL", &cfg.Uber.BaseURL)

	if err := setInt("UPSTREAM_MAX_RETRIES", &cfg.Upstream.MaxRetries); err != nil {
		return err
	}
	if v := os.Getenv("UPSTREAM_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid UPSTREAM_RPS %q: %w", v, err)
		}
		cfg.Upstream.RequestsPerSecond = f
	}
	if err := setBool("UPSTREAM_CIRCUIT_BREAKER", &cfg.Upstream.CircuitBreaker); err != nil {
		return err
	}

	if err := setInt("HTTP_TIMEOUT", &cfg.HTTP.Timeout); err != nil {
		return err
	}
	if err := setInt("HTTP_RESPONSE_HEADER_TIMEOUT", &cfg.HTTP.ResponseHeaderTimeout); err != nil {
		return err
	}

	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("LOG_FORMAT", &cfg.Log.Format)

	if err := setBool("METRICS_ENABLED", &cfg.Metrics.Enabled); err != nil {
		return err
	}
	setString("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORS.AllowedOrigins = splitList(v)
	}
	return nil
}

// Validate checks the settings required to serve traffic.
func (c *Config) Validate() error {
	var errs []error
	if c.Uber.ClientID == "" {
		errs = append(errs, errors.New("UBER_DIRECT_CLIENT_ID is required"))
	}
	if c.Uber.ClientSecret == "" {
		errs = append(errs, errors.New("UBER_DIRECT_CLIENT_SECRET is required"))
	}
	if c.Uber.CustomerID == "" {
		errs = append(errs, errors.New("UBER_DIRECT_CUSTOMER_ID is required"))
	}
	if c.RateLimit.PerMinute <= 0 {
		errs = append(errs, fmt.Errorf("rate limit must be positive, got %d", c.RateLimit.PerMinute))
	}
	if c.Upstream.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("upstream max retries must not be negative, got %d", c.Upstream.MaxRetries))
	}
	for name, raw := range map[string]string{
		"UBER_OAUTH_TOKEN_URL": c.Uber.TokenURL,
		"UBER_DIRECT_BASE_URL": c.Uber.BaseURL,
	} {
		if err := validateURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for _, p := range c.CORS.AllowedOriginPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("invalid CORS origin pattern %q: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q must be an absolute URL", raw)
	}
	return nil
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = b
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
