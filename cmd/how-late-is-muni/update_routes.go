package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pmaris/how-late-is-muni/reconcile"
	"github.com/pmaris/how-late-is-muni/upstream"
)

var updateRoutesCmd = &cobra.Command{
	Use:   "update_routes",
	Short: "Fetches the provider's route list and upserts it, without touching schedules",
	RunE:  updateRoutes,
}

func updateRoutes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStorage()
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	up := upstream.NewClient(upstream.Config{
		AgencyTag:   cfg.AgencyTag,
		BaseURL:     cfg.APIURL,
		HTTPTimeout: cfg.HTTPTimeoutSeconds,
	})

	routes, err := reconcile.New(up, store).ReconcileRoutesOnly(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("upserted %d routes\n", len(routes))
	return nil
}
