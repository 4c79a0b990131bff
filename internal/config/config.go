// Package config loads the YAML configuration of the commands.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration of hubecho and testhubserver.
type Config struct {
	Hub    HubConfig    `yaml:"hub"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// HubConfig configures the hub connection of hubecho.
type HubConfig struct {
	URL               string            `yaml:"url"`
	TransferFormat    string            `yaml:"transferFormat"`
	SkipNegotiation   bool              `yaml:"skipNegotiation"`
	Timeout           time.Duration     `yaml:"timeout"`
	KeepAliveInterval time.Duration     `yaml:"keepAliveInterval"`
	HandshakeTimeout  time.Duration     `yaml:"handshakeTimeout"`
	Reconnect         bool              `yaml:"reconnect"`
	Headers           map[string]string `yaml:"headers,omitempty"`
}

// ServerConfig configures testhubserver.
type ServerConfig struct {
	Listen            string        `yaml:"listen"`
	Path              string        `yaml:"path"`
	KeepAliveInterval time.Duration `yaml:"keepAliveInterval"`
	MetricsPath       string        `yaml:"metricsPath"`
}

type LogConfig struct {
	Debug bool `yaml:"debug"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			URL:               "http://localhost:8080/test",
			TransferFormat:    "Text",
			Timeout:           30 * time.Second,
			KeepAliveInterval: 15 * time.Second,
			HandshakeTimeout:  15 * time.Second,
		},
		Server: ServerConfig{
			Listen:            ":8080",
			Path:              "/test",
			KeepAliveInterval: 15 * time.Second,
			MetricsPath:       "/metrics",
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes YAML from r over the defaults. Unknown keys are an error.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the values which can not be checked by decoding.
func (c *Config) Validate() error {
	if c.Hub.URL == "" {
		return errors.New("hub.url is required")
	}
	if !strings.HasPrefix(c.Hub.URL, "http://") && !strings.HasPrefix(c.Hub.URL, "https://") {
		return fmt.Errorf("hub.url %q must be an http or https url", c.Hub.URL)
	}
	switch c.Hub.TransferFormat {
	case "Text", "Binary":
	default:
		return fmt.Errorf("hub.transferFormat %q must be Text or Binary", c.Hub.TransferFormat)
	}
	for name, d := range map[string]time.Duration{
		"hub.timeout":              c.Hub.Timeout,
		"hub.keepAliveInterval":    c.Hub.KeepAliveInterval,
		"hub.handshakeTimeout":     c.Hub.HandshakeTimeout,
		"server.keepAliveInterval": c.Server.KeepAliveInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%v must be positive, got %v", name, d)
		}
	}
	if c.Server.Listen == "" {
		return errors.New("server.listen is required")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path %q must start with /", c.Server.Path)
	}
	return nil
}

// String returns the configuration as YAML, for logging.
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%#v", c)
	}
	return string(data)
}
