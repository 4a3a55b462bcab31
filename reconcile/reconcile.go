// Package reconcile fetches the provider's route list and per-route
// schedules and reconciles them against storage: activating new
// schedule versions, deactivating superseded ones, and upserting
// stops, stop-schedule-class associations and scheduled arrivals.
package reconcile

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/pmaris/how-late-is-muni/internal/log"
	"github.com/pmaris/how-late-is-muni/model"
	"github.com/pmaris/how-late-is-muni/storage"
	"github.com/pmaris/how-late-is-muni/upstream"
)

// UpstreamSource is the subset of upstream.Client the reconciler
// needs, narrowed to an interface so tests can fake it.
type UpstreamSource interface {
	ListRoutes(ctx context.Context) ([]upstream.RouteSummary, error)
	RouteConfig(ctx context.Context, routeTag string) ([]upstream.ConfigStop, error)
	Schedule(ctx context.Context, routeTag string) ([]upstream.Schedule, error)
}

// Reconciler drives one agency's schedule database toward agreement
// with the upstream provider.
type Reconciler struct {
	Upstream UpstreamSource
	Storage  storage.Storage

	// RouteConcurrency bounds how many routes are reconciled at
	// once. Zero means unbounded.
	RouteConcurrency int
}

func New(up UpstreamSource, store storage.Storage) *Reconciler {
	return &Reconciler{Upstream: up, Storage: store}
}

// ReconcileAll fetches the route list, upserts it, then reconciles
// every route's schedule.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	routes, err := r.ReconcileRoutesOnly(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if r.RouteConcurrency > 0 {
		g.SetLimit(r.RouteConcurrency)
	}

	for _, route := range routes {
		route := route
		g.Go(func() error {
			if err := r.ReconcileRoute(gctx, route.Tag); err != nil {
				log.Warnf("reconcile", "route %s: %v, skipping this run", route.Tag, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ReconcileRoutesOnly fetches the route list and upserts it, without
// touching any route's schedule. Exposed separately for the
// update_routes CLI command.
func (r *Reconciler) ReconcileRoutesOnly(ctx context.Context) ([]upstream.RouteSummary, error) {
	routes, err := r.Upstream.ListRoutes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}

	rows := make([]storage.RouteRow, 0, len(routes))
	for _, route := range routes {
		rows = append(rows, storage.RouteRow{Tag: route.Tag, Title: route.Title})
	}
	if err := r.Storage.BulkUpsertRoutes(rows); err != nil {
		return nil, fmt.Errorf("upserting routes: %w", err)
	}

	return routes, nil
}

// ReconcileRoute reconciles a single route's schedule.
func (r *Reconciler) ReconcileRoute(ctx context.Context, routeTag string) error {
	schedules, err := r.Upstream.Schedule(ctx, routeTag)
	if err != nil {
		return fmt.Errorf("fetching schedule: %w", err)
	}
	if len(schedules) == 0 {
		return nil
	}

	route, err := r.Storage.RouteByTag(routeTag)
	if err != nil {
		return fmt.Errorf("looking up route: %w", err)
	}
	if route == nil {
		return fmt.Errorf("route %s not found in storage, run route reconciliation first", routeTag)
	}

	toAdd := make([]upstream.Schedule, 0, len(schedules))
	for _, sched := range schedules {
		existing, err := r.Storage.ActiveScheduleClass(route.ID, sched.Direction, sched.ServiceClass)
		if err != nil {
			return fmt.Errorf("looking up active schedule class: %w", err)
		}
		if existing == nil || existing.Name != sched.ScheduleClassName {
			toAdd = append(toAdd, sched)
		}
	}

	if len(toAdd) == 0 {
		return nil
	}

	// Superseding is wholesale: deactivate everything for the route,
	// then activate the new set. This matches the provider's
	// observed behavior of replacing a route's whole schedule at
	// once rather than per-triple (SPEC_FULL.md §9.1).
	if err := r.Storage.DeactivateScheduleClasses(route.ID); err != nil {
		return fmt.Errorf("deactivating schedule classes: %w", err)
	}

	activated := make([]activatedSchedule, 0, len(toAdd))
	for _, sched := range toAdd {
		sc, err := r.Storage.ActivateScheduleClass(route.ID, sched.Direction, sched.ServiceClass, sched.ScheduleClassName)
		if err != nil {
			return fmt.Errorf("activating schedule class: %w", err)
		}
		activated = append(activated, activatedSchedule{class: sc, schedule: sched})
	}

	config, err := r.Upstream.RouteConfig(ctx, routeTag)
	if err != nil {
		return fmt.Errorf("fetching route config: %w", err)
	}
	coordsByTag := map[string]upstream.ConfigStop{}
	for _, cs := range config {
		coordsByTag[cs.Tag] = cs
	}

	stopTags := map[string]bool{}
	for _, a := range activated {
		for _, tag := range a.schedule.HeaderStops {
			stopTags[tag] = true
		}
	}

	stopRows := make([]storage.StopRow, 0, len(stopTags))
	for tag := range stopTags {
		row := storage.StopRow{RouteTag: routeTag, Tag: tag}
		if cs, ok := coordsByTag[tag]; ok {
			row.Latitude = cs.Latitude
			row.Longitude = cs.Longitude
		} else {
			log.Warnf("reconcile", "route %s stop %s: no coordinates in route config", routeTag, tag)
		}
		stopRows = append(stopRows, row)
	}
	if err := r.Storage.BulkUpsertStops(stopRows); err != nil {
		return fmt.Errorf("upserting stops: %w", err)
	}

	stops, err := r.Storage.StopsByRoute(route.ID)
	if err != nil {
		return fmt.Errorf("reloading stops: %w", err)
	}
	stopIDByTag := map[string]int64{}
	for _, s := range stops {
		stopIDByTag[s.Tag] = s.ID
	}

	type assocKey struct {
		stopID, scheduleClassID int64
		stopOrder               int
	}
	assocSeen := map[assocKey]bool{}
	assocRows := []storage.StopScheduleClassRow{}

	type pendingArrival struct {
		stopID, scheduleClassID int64
		blockID, time           int
	}
	arrivalSeen := map[pendingArrival]bool{}
	var pending []pendingArrival

	for _, a := range activated {
		for _, trip := range a.schedule.Trips {
			order := 0
			for _, tripStop := range trip.Stops {
				order++

				if tripStop.EpochMS == -1 {
					continue
				}
				stopID, ok := stopIDByTag[tripStop.Tag]
				if !ok {
					log.Warnf("reconcile", "route %s: trip stop %s not among this route's stops", routeTag, tripStop.Tag)
					continue
				}

				ak := assocKey{stopID, a.class.ID, order}
				if !assocSeen[ak] {
					assocSeen[ak] = true
					assocRows = append(assocRows, storage.StopScheduleClassRow{
						StopID:          stopID,
						ScheduleClassID: a.class.ID,
						StopOrder:       order,
					})
				}

				seconds := int(tripStop.EpochMS / 1000)
				if seconds >= model.SecondsPerDay {
					seconds -= model.SecondsPerDay
				}

				pk := pendingArrival{stopID, a.class.ID, trip.BlockID, seconds}
				if !arrivalSeen[pk] {
					arrivalSeen[pk] = true
					pending = append(pending, pk)
				}
			}
		}
	}

	assocs, err := r.Storage.BulkUpsertStopScheduleClasses(assocRows)
	if err != nil {
		return fmt.Errorf("upserting stop-schedule-class associations: %w", err)
	}
	// A stop belongs to at most one stop_order within a given
	// schedule class (§3: functionally unique on (stop, schedule
	// class)), so this lookup can drop stop_order from the key.
	sscIDByStopAndClass := make(map[[2]int64]int64, len(assocs))
	for i, assoc := range assocs {
		sscIDByStopAndClass[[2]int64{assocRows[i].StopID, assocRows[i].ScheduleClassID}] = assoc.ID
	}

	arrivalRows := make([]storage.ScheduledArrivalRow, 0, len(pending))
	for i, p := range pending {
		sscID, ok := sscIDByStopAndClass[[2]int64{p.stopID, p.scheduleClassID}]
		if !ok {
			return errors.Wrapf(fmt.Errorf("no stop-schedule-class association for stop %d class %d", p.stopID, p.scheduleClassID), "resolving pending arrival (row %d)", i+1)
		}
		arrivalRows = append(arrivalRows, storage.ScheduledArrivalRow{
			StopScheduleClassID: sscID,
			BlockID:             p.blockID,
			Time:                p.time,
		})
	}

	if err := r.Storage.BulkUpsertScheduledArrivals(arrivalRows); err != nil {
		return fmt.Errorf("upserting scheduled arrivals: %w", err)
	}

	return nil
}

type activatedSchedule struct {
	class    *model.ScheduleClass
	schedule upstream.Schedule
}
