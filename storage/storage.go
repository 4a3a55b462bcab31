// Package storage persists routes, stops, schedule classes, their
// stop-ordering, scheduled arrivals, and observed arrivals. All bulk
// writes are idempotent at the natural-key level, so that a retry
// after a crash or a re-run of reconciliation never produces
// duplicate rows.
package storage

import (
	"github.com/pmaris/how-late-is-muni/model"
)

// Storage is implemented by each persistence backend (Postgres,
// SQLite, and an in-memory backend for tests). Every bulk operation
// is idempotent: applying the same rows twice leaves the store
// unchanged, per SPEC_FULL.md §8.
type Storage interface {
	// BulkUpsertRoutes upserts routes on conflict of tag, updating
	// title.
	BulkUpsertRoutes(routes []RouteRow) error

	// BulkUpsertStops upserts stops on conflict of (route, tag),
	// updating title/latitude/longitude.
	BulkUpsertStops(stops []StopRow) error

	// ActivateScheduleClass returns the existing active
	// ScheduleClass for (route, direction, serviceClass) if its name
	// matches; otherwise it creates a new active row and returns it.
	// Deactivation of any predecessor is a separate call, so callers
	// can batch fetch-then-deactivate-then-activate.
	ActivateScheduleClass(routeID int64, direction model.Direction, serviceClass model.ServiceClass, name string) (*model.ScheduleClass, error)

	// ActiveScheduleClass returns the currently active ScheduleClass
	// for the triple, or nil if none is active.
	ActiveScheduleClass(routeID int64, direction model.Direction, serviceClass model.ServiceClass) (*model.ScheduleClass, error)

	// DeactivateScheduleClasses deactivates every active
	// ScheduleClass belonging to routeID.
	DeactivateScheduleClasses(routeID int64) error

	// DeactivateScheduleClass deactivates a single ScheduleClass.
	DeactivateScheduleClass(scheduleClassID int64) error

	// BulkUpsertStopScheduleClasses upserts the association rows, on
	// conflict of (stop, schedule_class, stop_order) doing nothing,
	// and returns the resolved row for each input (freshly created or
	// pre-existing) in the same order, so callers can key
	// ScheduledArrivalRow.StopScheduleClassID off the result.
	BulkUpsertStopScheduleClasses(rows []StopScheduleClassRow) ([]model.StopScheduleClass, error)

	// BulkUpsertScheduledArrivals upserts scheduled arrival rows, on
	// conflict of (stop_schedule_class, block_id, time) doing
	// nothing.
	BulkUpsertScheduledArrivals(rows []ScheduledArrivalRow) error

	// LoadActiveRouteTags returns the tags of routes with at least
	// one active ScheduleClass for the given service class.
	LoadActiveRouteTags(serviceClass model.ServiceClass) ([]string, error)

	// LoadScheduledArrivals returns, for an active route/service
	// class, a stop_tag -> block_id -> []ScheduledArrival index.
	LoadScheduledArrivals(routeTag string, serviceClass model.ServiceClass) (map[string]map[int][]model.ScheduledArrival, error)

	// LoadStopsForWorker returns the stops participating in any
	// active schedule class for (route, service class).
	LoadStopsForWorker(routeTag string, serviceClass model.ServiceClass) ([]model.Stop, error)

	// RouteByTag looks up a route by its tag. Returns nil, nil if
	// not found.
	RouteByTag(tag string) (*model.Route, error)

	// StopsByRoute returns every stop ever upserted for a route,
	// regardless of schedule class activity.
	StopsByRoute(routeID int64) ([]model.Stop, error)

	// RecordArrival persists an observed arrival, applying the
	// (stop, scheduled_arrival) dedup window described in
	// SPEC_FULL.md §4.2: if an Arrival already exists for the same
	// pair whose time is within dupThreshold seconds of
	// observedUnixTime, it is updated in place; otherwise a new row
	// is inserted.
	RecordArrival(stopID int64, scheduledArrivalID int64, observedUnixTime int64, difference int, dupThreshold int) error
}

// RouteRow is the natural-key row accepted by BulkUpsertRoutes.
type RouteRow struct {
	Tag   string
	Title string
}

// StopRow is the natural-key row accepted by BulkUpsertStops.
type StopRow struct {
	RouteTag  string
	Tag       string
	Title     string
	Latitude  *float64
	Longitude *float64
}

// StopScheduleClassRow is the natural-key row accepted by
// BulkUpsertStopScheduleClasses.
type StopScheduleClassRow struct {
	StopID          int64
	ScheduleClassID int64
	StopOrder       int
}

// ScheduledArrivalRow is the natural-key row accepted by
// BulkUpsertScheduledArrivals.
type ScheduledArrivalRow struct {
	StopScheduleClassID int64
	BlockID             int
	Time                int
}
