package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	muni "github.com/pmaris/how-late-is-muni"
	"github.com/pmaris/how-late-is-muni/reconcile"
	"github.com/pmaris/how-late-is-muni/storage"
	"github.com/pmaris/how-late-is-muni/upstream"
)

var (
	updateSchedulesRouteTag string
	updateSchedulesDryRun   bool
)

var updateSchedulesCmd = &cobra.Command{
	Use:   "update_schedules",
	Short: "Reconciles routes and their schedules against the provider",
	RunE:  updateSchedules,
}

func init() {
	updateSchedulesCmd.Flags().StringVar(&updateSchedulesRouteTag, "route", "", "reconcile a single route instead of every route")
	updateSchedulesCmd.Flags().BoolVar(&updateSchedulesDryRun, "dry-run", false, "reconcile against a fresh, empty in-memory store without touching real storage; no diff is reported")
}

func updateSchedules(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var store storage.Storage
	if updateSchedulesDryRun {
		store = storage.NewMemoryStorage()
	} else {
		store, err = openStorage()
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
	}

	up := upstream.NewClient(upstream.Config{
		AgencyTag:   cfg.AgencyTag,
		BaseURL:     cfg.APIURL,
		HTTPTimeout: cfg.HTTPTimeoutSeconds,
	})

	r := reconcile.New(up, store)
	ctx := context.Background()

	if updateSchedulesRouteTag != "" {
		if _, err := r.ReconcileRoutesOnly(ctx); err != nil {
			return err
		}
		if err := r.ReconcileRoute(ctx, updateSchedulesRouteTag); err != nil {
			return fmt.Errorf("reconciling route %s: %w", updateSchedulesRouteTag, err)
		}
		activeTags, err := store.LoadActiveRouteTags(muni.ServiceClassForWeekday(time.Now().Weekday()))
		if err != nil {
			return fmt.Errorf("loading active routes: %w", err)
		}
		if !containsTag(activeTags, updateSchedulesRouteTag) {
			return fmt.Errorf("%w: %s", ErrUnknownRoute, updateSchedulesRouteTag)
		}
	} else if err := r.ReconcileAll(ctx); err != nil {
		return err
	}

	if updateSchedulesDryRun {
		fmt.Println("dry run complete, no changes persisted")
	} else {
		fmt.Println("schedules reconciled")
	}
	return nil
}
