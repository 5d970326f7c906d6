package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aklyachkin/syncwire/config"
	"github.com/aklyachkin/syncwire/logging"
	"github.com/aklyachkin/syncwire/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		logging.Init(logging.Config{
			Level:       cfg.LogLevel,
			Format:      cfg.LogFormat,
			Environment: cfg.Environment,
		})
		logger := logging.Default()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv, err := server.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
