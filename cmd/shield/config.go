package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	goShield "github.com/MrEthical07/goShield"
	"github.com/MrEthical07/goShield/internal/gateway"
)

const defaultConfigPath = "config/config.yaml"

// fileConfig is the on-disk configuration. Relative file paths resolve
// against the directory of the config file.
type fileConfig struct {
	Port     int    `yaml:"port"`
	Hostname string `yaml:"hostname"`
	Workers  int    `yaml:"workers"`
	// Login is "basic" (default) or "certificate".
	Login string `yaml:"login"`

	TLS struct {
		Cert string `yaml:"cert"`
		Key  string `yaml:"key"`
		CA   string `yaml:"ca"`
	} `yaml:"tls"`

	Keys struct {
		Cookie   string `yaml:"cookie"`
		Password string `yaml:"password"`
	} `yaml:"keys"`

	Token struct {
		TTL    time.Duration `yaml:"ttl"`
		Cookie string        `yaml:"cookie"`
		Issuer string        `yaml:"issuer"`
	} `yaml:"token"`

	Hammering struct {
		Threshold *int          `yaml:"threshold"`
		Window    time.Duration `yaml:"window"`
		Cooldown  time.Duration `yaml:"cooldown"`
	} `yaml:"hammering"`

	SSO struct {
		URL         string        `yaml:"url"`
		Certificate string        `yaml:"certificate"`
		Authority   string        `yaml:"authority"`
		BaseURL     string        `yaml:"baseUrl"`
		Curve       string        `yaml:"curve"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"sso"`

	Users goShield.StaticUsers `yaml:"users"`
	Apps  []gateway.App        `yaml:"apps"`

	Metrics struct {
		Enabled *bool  `yaml:"enabled"`
		Access  string `yaml:"access"`
	} `yaml:"metrics"`

	Audit struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"audit"`

	Coordinator struct {
		// Socket is the unix socket of the coordinator. Defaults to a
		// temporary directory owned by serve.
		Socket string `yaml:"socket"`
	} `yaml:"coordinator"`

	Redis struct {
		Addr   string `yaml:"addr"`
		Prefix string `yaml:"prefix"`
	} `yaml:"redis"`

	dir string
}

func loadConfig(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.dir = filepath.Dir(abs)

	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Users == nil {
		cfg.Users = goShield.StaticUsers{}
	}
	switch cfg.Login {
	case "", "basic", "certificate":
	default:
		return nil, fmt.Errorf("unknown login %q", cfg.Login)
	}
	return &cfg, nil
}

func (c *fileConfig) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.dir, path)
}

func (c *fileConfig) readFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	return os.ReadFile(c.resolve(path))
}

func (c *fileConfig) addr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

func (c *fileConfig) tlsEnabled() bool {
	return c.TLS.Cert != "" && c.TLS.Key != ""
}

// engineConfig maps the file onto goShield.Config, keeping defaults for
// everything left out.
func (c *fileConfig) engineConfig() (goShield.Config, error) {
	cfg := goShield.DefaultConfig()
	cfg.Keys.Cookie = c.Keys.Cookie
	cfg.Keys.Password = c.Keys.Password
	if cfg.Keys.Password == "" {
		return cfg, errors.New("keys.password is required")
	}

	if c.Token.TTL > 0 {
		cfg.Token.TTL = c.Token.TTL
	}
	if c.Token.Cookie != "" {
		cfg.Token.CookieName = c.Token.Cookie
	}
	cfg.Token.Issuer = c.Token.Issuer

	if c.Hammering.Threshold != nil {
		cfg.Hammering.Threshold = *c.Hammering.Threshold
	}
	if c.Hammering.Window > 0 {
		cfg.Hammering.Window = c.Hammering.Window
	}
	if c.Hammering.Cooldown > 0 {
		cfg.Hammering.Cooldown = c.Hammering.Cooldown
	}

	if c.SSO.URL != "" {
		var err error
		cfg.SSO.URL = c.SSO.URL
		if cfg.SSO.Certificate, err = c.readFile(c.SSO.Certificate); err != nil {
			return cfg, fmt.Errorf("sso certificate: %w", err)
		}
		if cfg.SSO.AuthorityCertificate, err = c.readFile(c.SSO.Authority); err != nil {
			return cfg, fmt.Errorf("sso authority: %w", err)
		}
		cfg.SSO.BaseURL = c.SSO.BaseURL
		if c.SSO.Curve != "" {
			cfg.SSO.Curve = c.SSO.Curve
		}
		if c.SSO.Timeout > 0 {
			cfg.SSO.Timeout = c.SSO.Timeout
		}
	}

	if c.Metrics.Enabled != nil {
		cfg.Metrics.Enabled = *c.Metrics.Enabled
	}
	cfg.Audit.Enabled = c.Audit.Enabled

	return cfg, cfg.Validate()
}
