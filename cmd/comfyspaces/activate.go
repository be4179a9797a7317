package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/log"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/logmux"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/pipeline"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/workspace"
)

var activateCmd = &cobra.Command{
	Use:   "activate <workspace-id>",
	Short: "Activate a workspace from the command line",
	Long: `Run the activation pipeline for one workspace, printing the log
stream to stdout. Interrupting the command cancels the run; the app
process itself stays up, it is launched detached.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel)})
		defer log.Sync()

		ws, err := workspace.Open(cfg.SpacesRoot, args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sink := logmux.SinkFunc(func(e logmux.Entry) error {
			_, err := fmt.Printf("%s %s\n", e.Timestamp.Format("15:04:05"), e.Message)
			return err
		})

		p := newPipeline(cfg)
		if err := p.Run(ctx, ws, sink); err != nil && !errors.Is(err, pipeline.ErrCancelled) {
			return err
		}
		return nil
	},
}
