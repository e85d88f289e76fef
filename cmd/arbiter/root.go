package main

import (
	"fmt"
	"os"

	"github.com/okarsono/arbiter/internal/config"
	"github.com/okarsono/arbiter/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "arbiter",
	Short: "Arbiter match runner",
	Long:  `Arbiter runs head-to-head bot matches in sandboxes with per-player clocks, records replays, and can serve a ranked queue.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Log.Level, cfg.Log.Format)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.arbiter/config.yaml)")
	rootCmd.PersistentFlags().String("log.level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log.format", config.DefaultLogFormat, "log format (text, json)")
	rootCmd.PersistentFlags().String("sandbox.mode", "", "sandbox mode (process, container)")
}
