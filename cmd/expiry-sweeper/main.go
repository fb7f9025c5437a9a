package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ms-reservations/internal/app"
	"ms-reservations/internal/config"
	"ms-reservations/internal/expiry"
	"ms-reservations/internal/logger"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		limit int
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "expiry-sweeper",
		Short: "Expire submitted registrations whose hold window has lapsed",
		Long: `Runs one expiry sweep and prints the result as JSON.

With --watch the sweep repeats every SWEEP_INTERVAL until interrupted.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logger.NewLogger("expiry-sweeper")
			defer log.Close()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log.SetLevel(logger.ParseLevel(cfg.LogLevel))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			defer a.Close()

			if !cmd.Flags().Changed("limit") {
				limit = cfg.Reservation.SweepLimit
			}
			if watch {
				return a.Sweeper.Run(ctx, cfg.Reservation.SweepInterval, limit)
			}
			return sweepOnce(ctx, a.Sweeper, limit, cmd)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", expiry.DefaultLimit, fmt.Sprintf("registrations to examine (max %d)", expiry.MaxLimit))
	cmd.Flags().BoolVar(&watch, "watch", false, "keep sweeping on an interval")
	return cmd
}

func sweepOnce(ctx context.Context, s *expiry.Sweeper, limit int, cmd *cobra.Command) error {
	res, err := s.Sweep(ctx, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
