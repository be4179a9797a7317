// Package config resolves server configuration from defaults, an
// optional YAML file and the environment, in that order. Command-line
// flags are applied on top by the CLI layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces the environment variables, e.g.
// COMFYSPACES_LISTEN.
const EnvPrefix = "comfyspaces"

// Watch strategies for the app-log tail.
const (
	// WatchPoll re-reads the log file on a fixed interval.
	WatchPoll = "poll"
	// WatchNotify reacts to filesystem events instead of polling.
	WatchNotify = "fsnotify"
)

// Config is the resolved server configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" envconfig:"LISTEN"`
	// SpacesRoot is the directory holding one subdirectory per
	// workspace.
	SpacesRoot string `yaml:"spaces_root" envconfig:"SPACES_ROOT"`
	// AppRepo is the application source repository cloned into each
	// workspace.
	AppRepo string `yaml:"app_repo" envconfig:"APP_REPO"`
	// AppPort is the port the app process binds when a workspace names
	// none.
	AppPort int `yaml:"app_port" envconfig:"APP_PORT"`
	// PollInterval is the app-log tail cadence when polling.
	PollInterval time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	// Watch selects the app-log watch strategy: WatchPoll or
	// WatchNotify.
	Watch string `yaml:"watch" envconfig:"WATCH"`
	// LogLevel selects the server log verbosity (debug, info, warn,
	// error).
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:       "127.0.0.1:8787",
		AppRepo:      "https://github.com/comfyanonymous/ComfyUI.git",
		AppPort:      8188,
		PollInterval: 500 * time.Millisecond,
		Watch:        WatchPoll,
		LogLevel:     "info",
	}
}

// Load resolves the configuration. A non-empty path must name a YAML
// file; environment variables override whatever the file set.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return c, fmt.Errorf("read environment: %w", err)
	}

	if c.Watch != WatchPoll && c.Watch != WatchNotify {
		return c, fmt.Errorf("unknown watch strategy %q (want %s or %s)", c.Watch, WatchPoll, WatchNotify)
	}

	if c.SpacesRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return c, fmt.Errorf("resolve home directory: %w", err)
		}
		c.SpacesRoot = filepath.Join(home, ".comfyspaces", "spaces")
	}
	return c, nil
}
