package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the SDK configuration. Values come from an optional YAML file
// with environment variables taking precedence.
type Config struct {
	AppID    string `yaml:"app_id"`
	BaseURL  string `yaml:"base_url"`
	LogLevel string `yaml:"log_level"`

	// ListenAddr is used by the host daemon only.
	ListenAddr string `yaml:"listen_addr"`

	Store StoreConfig `yaml:"store"`

	// AllowDebugOverride arms the setIsSubscribed entitlement override.
	// Must stay false in production builds.
	AllowDebugOverride bool `yaml:"allow_debug_override"`
}

// StoreConfig configures the encrypted persistent store.
type StoreConfig struct {
	Path   string `yaml:"path"`
	Secret string `yaml:"secret"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		BaseURL:    "https://api.nutritrack.app",
		LogLevel:   "info",
		ListenAddr: ":8080",
		Store: StoreConfig{
			Path: "commercekit.db",
		},
	}
}

// Load reads the configuration from a YAML file, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the configuration from path, falling back to the
// defaults plus environment overrides when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		cfg := Default()
		cfg.applyEnv()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COMMERCEKIT_APP_ID"); v != "" {
		c.AppID = v
	}
	if v := os.Getenv("COMMERCEKIT_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("COMMERCEKIT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("COMMERCEKIT_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("COMMERCEKIT_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("COMMERCEKIT_STORE_SECRET"); v != "" {
		c.Store.Secret = v
	}
	if v := os.Getenv("COMMERCEKIT_ALLOW_DEBUG_OVERRIDE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AllowDebugOverride = b
		}
	}
}

// Validate checks that all required fields are set.
func (c *Config) Validate() error {
	if c.AppID == "" {
		return fmt.Errorf("config: app_id is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("config: base_url is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("config: store.path is required")
	}
	if c.Store.Secret == "" {
		return fmt.Errorf("config: store.secret is required")
	}
	return nil
}
