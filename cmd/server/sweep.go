package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/sandbox"
	"github.com/isdmx/execbox/supervisor"
)

var olderThan time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove orphaned sandbox units owned by this instance and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := logger.NewFromConfig(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		backend, err := sandbox.NewBackend(log, cfg)
		if err != nil {
			return err
		}
		defer backend.Close()

		maxAge := cfg.Reaper.MaxAge
		if cmd.Flags().Changed("older-than") {
			maxAge = olderThan
		}
		if lifetime := cfg.MaxUnitLifetime(); maxAge <= lifetime {
			return fmt.Errorf("older-than %s would remove units that may still be running (longest unit lifetime %s)",
				maxAge, lifetime)
		}
		removed := supervisor.NewReaper(log, backend, time.Minute, maxAge).Sweep(cmd.Context())
		log.Info("Sweep complete", zap.Int("removed", removed), zap.Duration("older_than", maxAge))
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&olderThan, "older-than", 0, "remove units older than this (default reaper.max_age)")
	rootCmd.AddCommand(sweepCmd)
}
