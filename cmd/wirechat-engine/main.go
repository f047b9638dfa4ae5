package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-engine/internal/config"
	"github.com/vovakirdan/wirechat-engine/internal/log"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "wirechat-engine",
	Short:         "Chat session and history engine",
	Long:          "wirechat-engine keeps a chat session online, caches room history locally and exposes it through a local control API.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "wirechat-engine %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the configuration with CLI overrides applied last.
func loadConfig(overrides config.Config) (config.Config, error) {
	bootstrap := log.New("info", "console")
	cfg, path, err := config.Load(bootstrap, configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	overrides.LogLevel = logLevel
	cfg.UpdateFrom(overrides)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wirechat-engine: %v\n", err)
		os.Exit(1)
	}
}
