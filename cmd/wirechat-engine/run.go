package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-engine/internal/app"
	"github.com/vovakirdan/wirechat-engine/internal/config"
	"github.com/vovakirdan/wirechat-engine/internal/log"
)

var runFlags config.Config

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine and the control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(runFlags)
		if err != nil {
			return err
		}
		logger := log.New(cfg.LogLevel, cfg.LogFormat)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		application, err := app.New(&cfg, logger)
		if err != nil {
			return err
		}

		logger.Info().Str("version", version).Msg("starting wirechat engine")
		if err := application.Run(ctx); err != nil {
			return err
		}
		logger.Info().Msg("engine stopped")
		return nil
	},
}

func init() {
	flags := runCmd.Flags()
	flags.StringVar(&runFlags.SessionID, "session", "", "session id to resume")
	flags.StringVar(&runFlags.DatabasePath, "db", "", "cache database path")
	flags.StringVar(&runFlags.ChatURL, "chat-url", "", "chat server websocket URL")
	flags.StringVar(&runFlags.PresenceURL, "presence-url", "", "presence server websocket URL")
	flags.StringVar(&runFlags.DiscoveryURL, "discovery-url", "", "gateway URL resolving the servers")
	flags.StringVar(&runFlags.Control.Addr, "addr", "", "control API listen address")
	rootCmd.AddCommand(runCmd)
}
