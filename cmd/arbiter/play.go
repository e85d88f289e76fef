package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/okarsono/arbiter/internal/maps"
	"github.com/okarsono/arbiter/internal/match"
	"github.com/okarsono/arbiter/internal/pathutil"
	"github.com/okarsono/arbiter/internal/player"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play <player-dir> <player-dir> [player-dir...]",
	Short: "Run one match between 2 to 4 player packages",
	Long:  `Launches each player in a sandbox, arbitrates the match turn by turn, and writes a replay. Player directories must contain a player.yaml manifest.`,
	Args:  cobra.RangeArgs(2, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		mapName, _ := cmd.Flags().GetString("map")
		mode, _ := cmd.Flags().GetString("mode")
		replayPath, _ := cmd.Flags().GetString("replay")
		timeoutStr, _ := cmd.Flags().GetString("timeout")
		echoLogs, _ := cmd.Flags().GetBool("echo-logs")

		players := make([]player.Package, 0, len(args))
		for _, arg := range args {
			dir, err := pathutil.Expand(arg)
			if err != nil {
				return fmt.Errorf("load player %s: %w", arg, err)
			}
			pkg, err := player.Load(dir)
			if err != nil {
				return fmt.Errorf("load player %s: %w", arg, err)
			}
			players = append(players, *pkg)
		}

		m, err := maps.Resolve(mapName, cfg.Match.MapsDir)
		if err != nil {
			return err
		}

		params := match.Params{
			Players:    players,
			Map:        m,
			Mode:       mode,
			ReplayPath: replayPath,
		}
		if echoLogs || cfg.Match.EchoLogs {
			params.Echo = os.Stderr
		}

		orc, err := match.New(cfg, params)
		if err != nil {
			return err
		}

		ctx := context.Background()
		if timeoutStr != "" {
			timeout, err := time.ParseDuration(timeoutStr)
			if err != nil {
				return fmt.Errorf("parse timeout: %w", err)
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
		}

		handler := NewSignalHandler(ctx)
		handler.Start()
		defer handler.Stop()

		out, err := orc.Run(handler.Context())
		if err != nil {
			return fmt.Errorf("match failed: %w", err)
		}

		fmt.Println(newFormatter().FormatOutcome(out, m))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(playCmd)
	playCmd.Flags().String("map", "", "map name from the catalog (default: built-in quickstart)")
	playCmd.Flags().String("mode", "", "sandbox mode override (process, container)")
	playCmd.Flags().String("replay", "", "replay output path (default: <matchdir>/replay.arb.gz)")
	playCmd.Flags().String("timeout", "", "abort the match after this duration, e.g. 10m")
	playCmd.Flags().Bool("echo-logs", false, "mirror player output to stderr while the match runs")
}
