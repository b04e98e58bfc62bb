// Package config loads the agentvault YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Backend kinds.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Key sources for store keys.
const (
	KeySourceFile       = "file"
	KeySourceKeyring    = "keyring"
	KeySourcePassphrase = "passphrase"
)

// Config is the top-level configuration.
type Config struct {
	DataDir    string     `yaml:"data_dir"`
	Backend    Backend    `yaml:"backend"`
	Encryption Encryption `yaml:"encryption"`
	Log        Log        `yaml:"log"`
}

// Backend selects where store blobs live.
type Backend struct {
	Kind        string `yaml:"kind"`
	Path        string `yaml:"path"` // sqlite file or badger dir; defaults under DataDir
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// Encryption controls store keys. Enabled is a pointer so an absent key in
// the file keeps the default (on); only an explicit false disables it.
type Encryption struct {
	Enabled        *bool  `yaml:"enabled"`
	KeySource      string `yaml:"key_source"`
	KeyringService string `yaml:"keyring_service"`
	PassphraseEnv  string `yaml:"passphrase_env"`
}

// IsEnabled reports whether stores encrypt at rest.
func (e Encryption) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Log configures logrus.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when no file is given.
func Default() Config {
	enabled := true
	return Config{
		DataDir: defaultDataDir(),
		Backend: Backend{
			Kind:        BackendFile,
			RedisPrefix: "agentvault:",
		},
		Encryption: Encryption{
			Enabled:        &enabled,
			KeySource:      KeySourceFile,
			KeyringService: "agentvault",
			PassphraseEnv:  "AGENTVAULT_PASSPHRASE",
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".agentvault")
	}
	return ".agentvault"
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated fields and required companions.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.Backend.Kind {
	case BackendFile, BackendSQLite, BackendBadger, BackendMemory:
	case BackendRedis:
		if c.Backend.RedisAddr == "" {
			return fmt.Errorf("backend.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown backend.kind %q", c.Backend.Kind)
	}
	switch c.Encryption.KeySource {
	case KeySourceFile:
	case KeySourceKeyring:
		if c.Encryption.KeyringService == "" {
			return fmt.Errorf("encryption.keyring_service is required for the keyring key source")
		}
	case KeySourcePassphrase:
		if c.Encryption.PassphraseEnv == "" {
			return fmt.Errorf("encryption.passphrase_env is required for the passphrase key source")
		}
	default:
		return fmt.Errorf("unknown encryption.key_source %q", c.Encryption.KeySource)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// NewLogger builds a logrus logger from the log section.
func (c Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		log.SetLevel(level)
	}
	if c.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
