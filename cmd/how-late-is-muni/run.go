package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	muni "github.com/pmaris/how-late-is-muni"
	"github.com/pmaris/how-late-is-muni/upstream"
)

var runRouteTag string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the supervisory loop, polling predictions for every active route",
	RunE:  run,
}

func init() {
	runCmd.Flags().StringVar(&runRouteTag, "route", "", "restrict to a single route tag instead of every active route")
}

func run(cmd *cobra.Command, args []string) error {
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	workerCfg := muni.WorkerConfig{
		UpdateInterval:                  cfg.UpdateInterval(),
		DuplicateArrivalThreshold:       cfg.DuplicateArrivalThreshold,
		SingleScheduledArrivalThreshold: cfg.SingleScheduledArrivalThreshold,
	}

	if runRouteTag == "" {
		manager := muni.NewManager(up, store, muni.ManagerConfig{
			SupervisorInterval: cfg.SupervisorInterval(),
			DaySwitchTime:      cfg.DaySwitchTime,
			WorkerConfig:       workerCfg,
		})
		manager.Run(ctx)
		return nil
	}

	route, err := store.RouteByTag(runRouteTag)
	if err != nil {
		return fmt.Errorf("looking up route %s: %w", runRouteTag, err)
	}
	if route == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRoute, runRouteTag)
	}

	serviceClass := muni.ServiceClassForWeekday(time.Now().Weekday())

	activeTags, err := store.LoadActiveRouteTags(serviceClass)
	if err != nil {
		return fmt.Errorf("loading active routes: %w", err)
	}
	if !containsTag(activeTags, runRouteTag) {
		return fmt.Errorf("%w: %s", ErrUnknownRoute, runRouteTag)
	}

	worker, err := muni.NewRouteWorker(up, store, *route, serviceClass, workerCfg)
	if err != nil {
		return fmt.Errorf("starting worker for %s: %w", runRouteTag, err)
	}
	worker.Run(ctx)
	return nil
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
