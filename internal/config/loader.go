// Package config loads the hub connection settings from an optional YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort         = 2222
	DefaultPollInterval = 60 * time.Second
	DefaultAPIPort      = 8080
)

// Environment variables read by Load. They override values from the file.
const (
	EnvHost           = "NYMEA_HOST"
	EnvPort           = "NYMEA_PORT"
	EnvUsername       = "NYMEA_USERNAME"
	EnvPassword       = "NYMEA_PASSWORD"
	EnvTLS            = "NYMEA_TLS"
	EnvPollInterval   = "NYMEA_POLL_INTERVAL"
	EnvRequestTimeout = "NYMEA_REQUEST_TIMEOUT"
	EnvAPIPort        = "API_PORT"
	EnvLogLevel       = "LOG_LEVEL"
)

// Config is the complete runtime configuration
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	APIPort  int    `yaml:"api_port"`
	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with every default applied
func Default() Config {
	return Config{
		Port:         DefaultPort,
		TLS:          true,
		PollInterval: DefaultPollInterval,
		APIPort:      DefaultAPIPort,
		LogLevel:     "info",
	}
}

// Validate checks that the configuration can be used to reach a hub
func (c Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if c.Password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("api port %d out of range", c.APIPort))
	}
	if c.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("poll interval %s is below 1s", c.PollInterval))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request timeout %s is negative", c.RequestTimeout))
	}
	return errors.Join(errs...)
}

// Loader reads configuration from a file path and an environment lookup
type Loader struct {
	path   string
	lookup func(string) (string, bool)
	logger *zap.Logger
}

// NewLoader creates a loader for path. An empty path skips the file.
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:   path,
		lookup: os.LookupEnv,
		logger: logger,
	}
}

// Load returns defaults overlaid by the file, then the environment, and
// validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		if err := l.loadFile(&cfg); err != nil {
			return nil, err
		}
	}

	if err := l.applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l.logger.Info("Configuration loaded",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Bool("tls", cfg.TLS),
		zap.Duration("poll_interval", cfg.PollInterval))
	return &cfg, nil
}

func (l *Loader) loadFile(cfg *Config) error {
	l.logger.Debug("Loading config file", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	texts := map[string]*string{
		EnvHost:     &cfg.Host,
		EnvUsername: &cfg.Username,
		EnvPassword: &cfg.Password,
		EnvLogLevel: &cfg.LogLevel,
	}
	for key, dst := range texts {
		if v, ok := l.lookup(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		EnvPort:    &cfg.Port,
		EnvAPIPort: &cfg.APIPort,
	}
	for key, dst := range ints {
		v, ok := l.lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := cast.ToIntE(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		EnvPollInterval:   &cfg.PollInterval,
		EnvRequestTimeout: &cfg.RequestTimeout,
	}
	for key, dst := range durations {
		v, ok := l.lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = d
	}

	if v, ok := l.lookup(EnvTLS); ok && v != "" {
		b, err := cast.ToBoolE(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvTLS, v, err)
		}
		cfg.TLS = b
	}

	return nil
}

// parseDuration accepts Go durations ("90s") and bare seconds ("90")
func parseDuration(v string) (time.Duration, error) {
	if n, err := cast.ToIntE(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return cast.ToDurationE(v)
}
