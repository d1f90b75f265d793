package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// CLIConfig holds bbctl configuration (profiles and saved tokens).
type CLIConfig struct {
	CurrentProfile string                 `yaml:"current_profile" mapstructure:"current_profile"`
	Profiles       map[string]*CLIProfile `yaml:"profiles" mapstructure:"profiles"`
	Defaults       *CLIDefaults           `yaml:"defaults" mapstructure:"defaults"`
	path           string
}

// CLIProfile holds the gateway endpoint and token for a CLI profile
type CLIProfile struct {
	GatewayURL  string `yaml:"gateway_url" mapstructure:"gateway_url"`
	AccessToken string `yaml:"access_token" mapstructure:"access_token"`
	Subject     string `yaml:"subject" mapstructure:"subject"`
}

// CLIDefaults holds default endpoint URLs for CLI operations
type CLIDefaults struct {
	GatewayURL string `yaml:"gateway_url" mapstructure:"gateway_url"`
}

// DefaultCLI returns a CLIConfig with default values
func DefaultCLI() *CLIConfig {
	return &CLIConfig{
		CurrentProfile: "default",
		Profiles:       make(map[string]*CLIProfile),
		Defaults:       &CLIDefaults{GatewayURL: "http://localhost:8080"},
	}
}

// LoadCLI loads configuration for bbctl.
// Uses $HOME/.bbctl unless BBCTL_CONFIG_DIR is set.
func LoadCLI() (*CLIConfig, error) {
	configDir := os.Getenv("BBCTL_CONFIG_DIR")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		configDir = filepath.Join(home, ".bbctl")
	}
	return LoadCLIFrom(filepath.Join(configDir, "config.yaml"))
}

// LoadCLIFrom loads a CLI config file, tolerating its absence.
func LoadCLIFrom(configPath string) (*CLIConfig, error) {
	v := viper.New()

	v.SetDefault("current_profile", "default")
	v.SetDefault("defaults.gateway_url", "http://localhost:8080")

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BBCTL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("defaults.gateway_url", "BBCTL_GATEWAY_URL")

	_ = v.ReadInConfig() // file may not exist yet

	cfg := DefaultCLI()
	cfg.path = configPath

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]*CLIProfile)
	}

	return cfg, nil
}

// Save writes the CLI config to disk
func (c *CLIConfig) Save() error {
	if c.path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		c.path = filepath.Join(home, ".bbctl", "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.path, data, 0600)
}

// SaveProfile stores a token for a profile and makes it current.
func (c *CLIConfig) SaveProfile(name, gatewayURL, accessToken, subject string) error {
	if c.Profiles == nil {
		c.Profiles = make(map[string]*CLIProfile)
	}
	c.Profiles[name] = &CLIProfile{
		GatewayURL:  gatewayURL,
		AccessToken: accessToken,
		Subject:     subject,
	}
	c.CurrentProfile = name
	return c.Save()
}

// GetProfile retrieves a profile by name (or current profile if name is empty)
func (c *CLIConfig) GetProfile(name string) (*CLIProfile, error) {
	if name == "" {
		name = c.CurrentProfile
	}

	profile, ok := c.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile '%s' not found", name)
	}

	return profile, nil
}

// RemoveProfile removes a profile from the configuration
func (c *CLIConfig) RemoveProfile(name string) error {
	if _, ok := c.Profiles[name]; !ok {
		return fmt.Errorf("profile '%s' not found", name)
	}

	delete(c.Profiles, name)

	if c.CurrentProfile == name {
		c.CurrentProfile = ""
	}

	return c.Save()
}

// GetGatewayURL returns the gateway URL from profile or defaults
func (c *CLIConfig) GetGatewayURL(profile string) string {
	if p, err := c.GetProfile(profile); err == nil && p.GatewayURL != "" {
		return p.GatewayURL
	}
	return c.Defaults.GatewayURL
}
