package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/config"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/logmux"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/pipeline"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "comfyspaces",
	Short: "Manage and activate isolated application workspaces",
	Long: `comfyspaces runs the workspace activation service: each workspace
owns an application checkout, a Python sandbox, a pinned dependency set
and a set of extension modules. Activation rebuilds that runnable state
and streams an ordered log of every step to the observer.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log verbosity (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves file/env configuration and applies the shared
// flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// newPipeline builds the activation pipeline from resolved config,
// including the configured app-log watch strategy.
func newPipeline(cfg config.Config) *pipeline.Pipeline {
	opts := pipeline.Options{
		AppRepo:      cfg.AppRepo,
		AppPort:      cfg.AppPort,
		PollInterval: cfg.PollInterval,
	}
	if cfg.Watch == config.WatchNotify {
		opts.NewWatcher = func(path string, mux *logmux.Mux) logmux.Watcher {
			return logmux.NewNotifyWatcher(path, mux)
		}
	}
	return pipeline.New(opts)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
