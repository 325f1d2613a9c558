package main

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CLIConfig is the resolved CLI configuration: built-in defaults, then
// ~/.keyhaven/config.yaml, then environment overrides, in that order.
// newClient and the command tree only ever see the resolved view.
type CLIConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	TLSCACert string `yaml:"tls_ca_cert"`
	Format    string `yaml:"format"` // default output format when --format is not given
}

var cfg CLIConfig

// envOverrides maps environment variables onto config fields.
var envOverrides = map[string]func(*CLIConfig, string){
	"KEYHAVEN_ADDR":   func(c *CLIConfig, v string) { c.Address = v },
	"KEYHAVEN_TOKEN":  func(c *CLIConfig, v string) { c.Token = v },
	"KEYHAVEN_CACERT": func(c *CLIConfig, v string) { c.TLSCACert = v },
	"KEYHAVEN_FORMAT": func(c *CLIConfig, v string) { c.Format = v },
}

func configPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keyhaven", "config.yaml")
}

// loadConfig resolves the effective configuration.
func loadConfig() {
	cfg = CLIConfig{
		Address: "http://127.0.0.1:8300",
		Format:  "table",
	}
	if data, err := os.ReadFile(configPath()); err == nil {
		yaml.Unmarshal(data, &cfg) //nolint:errcheck
	}
	for env, apply := range envOverrides {
		if v := os.Getenv(env); v != "" {
			apply(&cfg, v)
		}
	}
}

// saveConfig persists the current configuration. Only file-backed
// fields survive a round trip; environment overrides are re-applied on
// the next load.
func saveConfig() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
