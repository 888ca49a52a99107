package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/gitlib/internal/subtree"
)

// DefaultRef is the remote branch used when neither the command line nor
// the configuration names one.
const DefaultRef = "master"

// ServiceURLs maps well-known hosting services to their URL templates
var ServiceURLs = map[string]string{
	"github":    "git@github.com:%{account}/%{lib}.git",
	"bitbucket": "git@bitbucket.org:%{account}/%{lib}.git",
}

// Config represents the complete git-lib configuration
type Config struct {
	DefaultAccount string                   `yaml:"default_account"`
	DefaultRef     string                   `yaml:"default_ref"`
	Accounts       map[string]AccountConfig `yaml:"accounts"`
	Split          SplitConfig              `yaml:"split"`
	Auth           AuthConfig               `yaml:"auth"`
}

// AccountConfig configures a remote account
type AccountConfig struct {
	// URL is a template that may reference %{account} and %{lib}, or the
	// name of a well-known service.
	URL string `yaml:"url"`
}

// SplitConfig configures the external split command
type SplitConfig struct {
	Command  []string `yaml:"command"`
	WithFlag string   `yaml:"with_flag"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// Default returns a configuration with all defaults applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns the configuration file location under the user config directory
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(dir, "git-lib", "config.yaml"), nil
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadOptional behaves like Load but returns the defaults when the file
// does not exist.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// expandEnv expands environment variables in path-like fields
func (c *Config) expandEnv() {
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	for i, arg := range c.Split.Command {
		c.Split.Command[i] = os.ExpandEnv(arg)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.DefaultRef == "" {
		c.DefaultRef = DefaultRef
	}
	if len(c.Split.Command) == 0 {
		c.Split.Command = append([]string(nil), subtree.DefaultCommand...)
	}
	if c.Split.WithFlag == "" {
		c.Split.WithFlag = subtree.DefaultWithFlag
	}
	if c.Accounts == nil {
		c.Accounts = make(map[string]AccountConfig)
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	for name, acct := range c.Accounts {
		if acct.URL == "" {
			return fmt.Errorf("accounts.%s.url is required", name)
		}
	}

	if c.DefaultAccount != "" {
		if _, ok := c.Accounts[c.DefaultAccount]; !ok {
			return fmt.Errorf("default_account %q is not defined under accounts", c.DefaultAccount)
		}
	}

	if c.Split.Command[0] == "" {
		return fmt.Errorf("split.command must start with a program name")
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	return nil
}

// AccountURL returns the URL template configured for account
func (c *Config) AccountURL(account string) (string, bool) {
	acct, ok := c.Accounts[account]
	if !ok {
		return "", false
	}
	if known, ok := ServiceURLs[acct.URL]; ok {
		return known, true
	}
	return acct.URL, true
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}
