package main

import (
	"encoding/json"
	"fmt"
	"os"

	"ms-reservations/internal/capacity"
	"ms-reservations/internal/config"
	"ms-reservations/internal/database"
	"ms-reservations/internal/database/migrations"
	"ms-reservations/internal/logger"
	regdb "ms-reservations/internal/registrations/db"
	"ms-reservations/internal/seed"

	"github.com/spf13/cobra"
)

func main() {
	plan := seed.DefaultPlan()
	var migrate bool

	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Create a demo event with capacity limits and draft registrations",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logger.NewLogger("seed")
			defer log.Close()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			bunDB, err := database.ConnectPostgres(ctx, cfg.Database, log)
			if err != nil {
				return err
			}
			defer bunDB.Close()

			if migrate {
				runner := migrations.NewRunner(bunDB, cfg.Database.MigrationsDir, log)
				defer runner.Close()
				if err := runner.Up(); err != nil {
					return err
				}
			}

			rdb, err := database.ConnectRedis(ctx, cfg.Redis, log)
			if err != nil {
				return err
			}
			defer rdb.Close()

			res, err := seed.Run(ctx, &regdb.DB{Bun: bunDB}, capacity.NewRedis(rdb, log), plan)
			if err != nil {
				return err
			}
			log.Info("SEED", fmt.Sprintf("Seeded event %s with %d registrations", res.EventID, len(res.RegistrationIDs)))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	f := cmd.Flags()
	f.StringVar(&plan.TenantID, "tenant", plan.TenantID, "tenant id")
	f.StringVar(&plan.EventName, "event-name", plan.EventName, "event name")
	f.IntVar(&plan.Seats, "seats", plan.Seats, "seat capacity")
	f.IntVar(&plan.Stalls, "stalls", plan.Stalls, "stall resources and capacity")
	f.IntVar(&plan.RVSites, "rv-sites", plan.RVSites, "RV resources and capacity")
	f.StringSliceVar(&plan.Classes, "classes", plan.Classes, "class ids, one event line each")
	f.IntVar(&plan.ClassCapacity, "class-capacity", plan.ClassCapacity, "capacity per class line")
	f.IntVar(&plan.Registrations, "registrations", plan.Registrations, "draft registrations to create")
	f.BoolVar(&migrate, "migrate", true, "apply migrations first")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
