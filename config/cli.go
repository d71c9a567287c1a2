package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// CLI holds boardctl settings.
type CLI struct {
	Server       string        `yaml:"server"`
	Workspace    string        `yaml:"workspace"`
	Token        string        `yaml:"token"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Push         bool          `yaml:"push"`
}

// DefaultCLIPath is ~/.config/boardctl.yaml.
func DefaultCLIPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "boardctl.yaml")
}

// LoadCLI reads path (a missing file is not an error) and applies
// BOARD_SERVER, BOARD_WORKSPACE and BOARD_TOKEN on top.
func LoadCLI(path string) (CLI, error) {
	cfg := CLI{Server: "http://localhost:8080", PollInterval: 10 * time.Second, Push: true}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return CLI{}, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return CLI{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	cfg.Server = envString("BOARD_SERVER", cfg.Server)
	cfg.Workspace = envString("BOARD_WORKSPACE", cfg.Workspace)
	cfg.Token = envString("BOARD_TOKEN", cfg.Token)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return cfg, nil
}
