package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/log"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/serve"
)

var (
	serveListen     string
	serveSpacesRoot string
	serveAppRepo    string
	serveAppPort    int
	serveWatch      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workspace activation service",
	Long: `Run the HTTP service exposing workspace activation.

GET /api/spaces/{id}/activate holds the connection open and streams the
activation log as NDJSON; closing the connection cancels the run.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("listen") {
			cfg.Listen = serveListen
		}
		if cmd.Flags().Changed("spaces-root") {
			cfg.SpacesRoot = serveSpacesRoot
		}
		if cmd.Flags().Changed("app-repo") {
			cfg.AppRepo = serveAppRepo
		}
		if cmd.Flags().Changed("app-port") {
			cfg.AppPort = serveAppPort
		}
		if cmd.Flags().Changed("watch") {
			cfg.Watch = serveWatch
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel)})
		defer log.Sync()

		p := newPipeline(cfg)
		srv := &http.Server{
			Addr:    cfg.Listen,
			Handler: serve.NewServer(cfg.SpacesRoot, p).Router(),
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		log.Info("server listening", "addr", cfg.Listen, "spaces_root", cfg.SpacesRoot)

		select {
		case <-ctx.Done():
			log.Info("shutting down")
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address")
	serveCmd.Flags().StringVar(&serveSpacesRoot, "spaces-root", "", "directory holding the workspaces")
	serveCmd.Flags().StringVar(&serveAppRepo, "app-repo", "", "application source repository URL")
	serveCmd.Flags().IntVar(&serveAppPort, "app-port", 0, "default app port when a workspace names none")
	serveCmd.Flags().StringVar(&serveWatch, "watch", "", "app-log watch strategy (poll or fsnotify)")
}
