package config

import (
	"encoding/base64"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr            = "localhost:8000"
	DefaultRegistryDriver  = "sqlite3"
	DefaultRegistryDSN     = "file:chat_rooms.db?_busy_timeout=5000&_foreign_keys=on"
	DefaultDataDir         = "chat_rooms"
	DefaultMaxMessageSize  = 4096
	DefaultRateLimitBurst  = 10
	DefaultRateLimitWindow = time.Second
	DefaultJanitorInterval = time.Minute
	DefaultAuthTimeout     = 10 * time.Second
)

// Params holds raw settings as read from flags or a config file.
type Params struct {
	Addr            string        `yaml:"addr"`
	RegistryDriver  string        `yaml:"registry_driver"`
	RegistryDSN     string        `yaml:"registry_dsn"`
	DataDir         string        `yaml:"data_dir"`
	SigningKey      string        `yaml:"signing_key"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	AuthTimeout     time.Duration `yaml:"auth_timeout"`
}

type RateLimitConfig struct {
	Burst  int
	Window time.Duration
}

type Config struct {
	ServerAddr      string
	RegistryDriver  string
	RegistryDSN     string
	DataDir         string
	SigningKey      []byte
	AllowedOrigins  []string
	MaxMessageSize  int64
	RateLimit       RateLimitConfig
	JanitorInterval time.Duration
	AuthTimeout     time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, errors.New("empty key")
	}
	return key, nil
}

// LoadFile overlays the YAML file at path onto p. Fields absent from the file are left untouched.
func LoadFile(path string, p *Params) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}

	if err := yaml.Unmarshal(raw, p); err != nil {
		return errors.Wrap(err, "parse config file")
	}

	return nil
}

func NewConfig(p Params) (*Config, error) {
	if p.Addr == "" {
		return nil, errors.New("server address cannot be empty")
	}
	if p.RegistryDSN == "" {
		return nil, errors.New("registry DSN cannot be empty")
	}
	if p.DataDir == "" {
		return nil, errors.New("data directory cannot be empty")
	}
	if p.SigningKey == "" {
		return nil, errors.New("signing secret cannot be empty")
	}

	driver := p.RegistryDriver
	if driver == "" {
		driver = DefaultRegistryDriver
	}
	if driver != "sqlite3" && driver != "postgres" {
		return nil, errors.Errorf("unsupported registry driver %q", driver)
	}

	signingKey, err := decodeSigningSecret(p.SigningKey)
	if err != nil {
		return nil, errors.Wrap(err, "decode signing secret")
	}

	cfg := &Config{
		ServerAddr:     p.Addr,
		RegistryDriver: driver,
		RegistryDSN:    p.RegistryDSN,
		DataDir:        p.DataDir,
		SigningKey:     signingKey,
		AllowedOrigins: normalizeOrigins(p.AllowedOrigins),
		MaxMessageSize: p.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:  p.RateLimitBurst,
			Window: p.RateLimitWindow,
		},
		JanitorInterval: p.JanitorInterval,
		AuthTimeout:     p.AuthTimeout,
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = DefaultRateLimitBurst
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = DefaultRateLimitWindow
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = DefaultJanitorInterval
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}

	return cfg, nil
}

// normalizeOrigins lowercases scheme and host and drops entries that are not origins.
// "*" is kept verbatim.
func normalizeOrigins(origins []string) []string {
	normalized := make([]string, 0, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			normalized = append(normalized, trimmed)
			continue
		}

		if o, ok := NormalizeOrigin(trimmed); ok {
			normalized = append(normalized, o)
		}
	}

	return normalized
}

func NormalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
