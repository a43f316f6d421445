package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Client configures the offline-first CLI. Values come from the YAML file and are overridden
// by the environment.
type Client struct {
	ServerURL      string        `yaml:"server_url"`
	DataDir        string        `yaml:"data_dir"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	LogLevel       string        `yaml:"log_level"`
	// AssumeYes skips the confirmation prompt on destructive commands.
	AssumeYes bool `yaml:"assume_yes"`
}

// ConfigDir is $XDG_CONFIG_HOME/matheditor, falling back to ~/.config/matheditor.
func ConfigDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "matheditor"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", "matheditor"), nil
}

// LoadClient reads path (or config.yaml under ConfigDir when path is empty). A missing file is
// not an error.
func LoadClient(path string) (Client, error) {
	dir, err := ConfigDir()
	if err != nil {
		return Client{}, err
	}
	cfg := Client{
		ServerURL:      "http://localhost:8787",
		DataDir:        dir,
		RequestTimeout: 10 * time.Second,
		LogLevel:       "warn",
	}
	if path == "" {
		path = filepath.Join(dir, "config.yaml")
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Client{}, fmt.Errorf("read client config: %w", err)
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Client{}, fmt.Errorf("parse client config %s: %w", path, err)
		}
	}

	cfg.ServerURL = getenv("MATHEDITOR_SERVER_URL", cfg.ServerURL)
	cfg.DataDir = getenv("MATHEDITOR_DATA_DIR", cfg.DataDir)
	cfg.RequestTimeout = getenvDuration("MATHEDITOR_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.LogLevel = getenv("MATHEDITOR_LOG_LEVEL", cfg.LogLevel)
	cfg.AssumeYes = getenvBool("MATHEDITOR_ASSUME_YES", cfg.AssumeYes)
	return cfg, nil
}
