package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"sealchat/internal/config"
	"sealchat/internal/domain"
)

// ConfigFile is the configuration file name inside the home directory.
const ConfigFile = "sealchat.toml"

// Config holds runtime wiring options for building the app.
type Config struct {
	Home       string // state directory, e.g. $HOME/.sealchat
	ConfigPath string // optional; defaults to Home/sealchat.toml

	// Relay and Connector replace the ones the configuration selects.
	// Tests use them to put several users on one in-process relay.
	Relay     Relay
	Connector domain.Connector
}

func (c Config) configPath() string {
	if c.ConfigPath != "" {
		return c.ConfigPath
	}
	return filepath.Join(c.Home, ConfigFile)
}

// LoadConfig reads and validates the configuration file.
func (c Config) LoadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(c.configPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no configuration at %s, run init first", c.configPath())
	}
	return cfg, err
}

// WriteConfig writes a starter configuration for identity unless a file
// already exists, and returns its path.
func (c Config) WriteConfig(identity, relayURL string) (string, error) {
	path := c.configPath()
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	cfg := &config.Config{
		Account: &config.Account{Identity: identity},
		Relay:   &config.Relay{URL: relayURL},
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return "", err
	}
	return path, nil
}
