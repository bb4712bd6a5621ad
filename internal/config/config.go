// Package config loads client settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the client settings.
type Config struct {
	Endpoint       string        `env:"ENDPOINT" envDefault:"http://localhost:4000/graphql"`
	StreamURL      string        `env:"STREAM_URL"`
	DataDir        string        `env:"DATA_DIR" envDefault:".roomlink"`
	MaxRetries     int           `env:"MAX_RETRIES" envDefault:"3"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	RefreshTimeout time.Duration `env:"REFRESH_TIMEOUT" envDefault:"15s"`
	DialTimeout    time.Duration `env:"DIAL_TIMEOUT" envDefault:"10s"`
	AckTimeout     time.Duration `env:"ACK_TIMEOUT" envDefault:"10s"`
	TypingIdle     time.Duration `env:"TYPING_IDLE" envDefault:"5s"`
	RateLimit      float64       `env:"RATE_LIMIT" envDefault:"0"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string        `env:"LOG_FORMAT" envDefault:"console"`
	MetricsAddr    string        `env:"METRICS_ADDR"`
}

// Prefix is prepended to every variable name.
const Prefix = "ROOMLINK_"

// Load reads an optional .env file at path and parses the environment. A
// missing file is not an error.
func Load(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	return Parse(env.Options{Prefix: Prefix})
}

// Parse parses the environment with opts and validates the result.
func Parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = StreamURLFor(cfg.Endpoint)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings.
func (c Config) Validate() error {
	var errs []error
	if err := checkURL("endpoint", c.Endpoint, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("stream url", c.StreamURL, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative"))
	}
	if c.RequestTimeout <= 0 || c.RefreshTimeout <= 0 || c.DialTimeout <= 0 || c.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("timeouts must be positive"))
	}
	if c.TypingIdle <= 0 {
		errs = append(errs, fmt.Errorf("typing idle must be positive"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative"))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// StreamURLFor derives the streaming endpoint from the HTTP endpoint by
// switching the scheme.
func StreamURLFor(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return ""
	}
	return u.String()
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s %q is not a valid URL", name, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s %q must use one of %v", name, raw, schemes)
}
