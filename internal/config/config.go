package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the proxy configuration. Values are resolved in order: defaults,
// the YAML file named by CONFIG_FILE, then environment variables (a .env file
// in the working directory is loaded first and never overrides the process
// environment).
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Volc   VolcConfig   `yaml:"volc"`
	Soniox SonioxConfig `yaml:"soniox"`
	Auth   AuthConfig   `yaml:"auth"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	// StaticDir serves a built frontend from / when set
	StaticDir string `yaml:"static_dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Env selects the zap preset: "development" or "production"
	Env string `yaml:"env"`
}

// VolcConfig configures the upstream relay. Durations accept Go syntax
// such as "10s".
type VolcConfig struct {
	BidiEndpoint     string        `yaml:"bidi_endpoint"`
	NoStreamEndpoint string        `yaml:"nostream_endpoint"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	CloseTimeout     time.Duration `yaml:"close_timeout"`
	AudioQueueSize   int           `yaml:"audio_queue_size"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
	FatalErrorCodes  []uint32      `yaml:"fatal_error_codes"`
}

type SonioxConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	ExpiresInSeconds int           `yaml:"expires_in_seconds"`
}

type AuthConfig struct {
	// Secret enables the JWT gate on /ws routes when set
	Secret string `yaml:"secret"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "3001",
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Log: LogConfig{
			Level: "info",
			Env:   "production",
		},
		Volc: VolcConfig{
			BidiEndpoint:     "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_async",
			NoStreamEndpoint: "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream",
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			CloseTimeout:     5 * time.Second,
			AudioQueueSize:   64,
			MaxMessageSize:   1 << 20,
		},
		Soniox: SonioxConfig{
			BaseURL:          "https://api.soniox.com",
			Timeout:          10 * time.Second,
			ExpiresInSeconds: 300,
		},
	}
}

// Load resolves the configuration from the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from lookup. Unparseable values are errors.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("PORT", &c.Server.Port)
	dur("PROXY_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	if v, ok := lookup("PROXY_ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	str("PROXY_STATIC_DIR", &c.Server.StaticDir)

	str("LOG_LEVEL", &c.Log.Level)
	str("APP_ENV", &c.Log.Env)

	str("VOLC_BIDI_ENDPOINT", &c.Volc.BidiEndpoint)
	str("VOLC_NOSTREAM_ENDPOINT", &c.Volc.NoStreamEndpoint)
	dur("VOLC_HANDSHAKE_TIMEOUT", &c.Volc.HandshakeTimeout)
	dur("VOLC_WRITE_TIMEOUT", &c.Volc.WriteTimeout)
	dur("VOLC_CLOSE_TIMEOUT", &c.Volc.CloseTimeout)
	num("VOLC_AUDIO_QUEUE_SIZE", &c.Volc.AudioQueueSize)
	if v, ok := lookup("VOLC_MAX_MESSAGE_SIZE"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("VOLC_MAX_MESSAGE_SIZE: %w", err))
		} else {
			c.Volc.MaxMessageSize = n
		}
	}
	if v, ok := lookup("VOLC_FATAL_ERROR_CODES"); ok {
		codes, err := parseCodes(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("VOLC_FATAL_ERROR_CODES: %w", err))
		} else {
			c.Volc.FatalErrorCodes = codes
		}
	}

	str("SONIOX_BASE_URL", &c.Soniox.BaseURL)
	dur("SONIOX_TIMEOUT", &c.Soniox.Timeout)
	num("SONIOX_KEY_TTL", &c.Soniox.ExpiresInSeconds)

	str("AUTH_SECRET", &c.Auth.Secret)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseCodes(v string) ([]uint32, error) {
	var codes []uint32
	for _, part := range splitList(v) {
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, err
		}
		codes = append(codes, uint32(n))
	}
	return codes, nil
}
