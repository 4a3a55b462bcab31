package reconcile_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pmaris/how-late-is-muni/model"
	"github.com/pmaris/how-late-is-muni/reconcile"
	"github.com/pmaris/how-late-is-muni/storage"
	"github.com/pmaris/how-late-is-muni/upstream"
)

type fakeUpstream struct {
	routes    []upstream.RouteSummary
	configs   map[string][]upstream.ConfigStop
	schedules map[string][]upstream.Schedule
}

func (f *fakeUpstream) ListRoutes(ctx context.Context) ([]upstream.RouteSummary, error) {
	return f.routes, nil
}

func (f *fakeUpstream) RouteConfig(ctx context.Context, routeTag string) ([]upstream.ConfigStop, error) {
	return f.configs[routeTag], nil
}

func (f *fakeUpstream) Schedule(ctx context.Context, routeTag string) ([]upstream.Schedule, error) {
	return f.schedules[routeTag], nil
}

// capturingStorage wraps a real Storage and records the rows passed
// to BulkUpsertStopScheduleClasses, so tests can inspect the computed
// StopOrder without the Storage interface needing to expose it.
type capturingStorage struct {
	storage.Storage
	capturedAssocRows []storage.StopScheduleClassRow
}

func (c *capturingStorage) BulkUpsertStopScheduleClasses(rows []storage.StopScheduleClassRow) ([]model.StopScheduleClass, error) {
	c.capturedAssocRows = append(c.capturedAssocRows, rows...)
	return c.Storage.BulkUpsertStopScheduleClasses(rows)
}

func oneRouteFixture() *fakeUpstream {
	lat, lon := 37.78, -122.41
	return &fakeUpstream{
		routes: []upstream.RouteSummary{{Tag: "38R", Title: "38R-Geary Rapid"}},
		configs: map[string][]upstream.ConfigStop{
			"38R": {
				{Tag: "1001", Latitude: &lat, Longitude: &lon},
				{Tag: "1002"},
			},
		},
		schedules: map[string][]upstream.Schedule{
			"38R": {
				{
					Tag:               "38R",
					Direction:         model.DirectionInbound,
					ServiceClass:      model.ServiceClassWeekday,
					ScheduleClassName: "2015T_FALL",
					HeaderStops:       []string{"1001", "1002"},
					Trips: []upstream.ScheduleTrip{
						{
							BlockID: 5678,
							Stops: []upstream.ScheduleTripStop{
								{Tag: "1001", EpochMS: 8 * 3600 * 1000},
								{Tag: "1002", EpochMS: -1},
								{Tag: "9999", EpochMS: 9 * 3600 * 1000}, // not among route's stops
							},
						},
					},
				},
			},
		},
	}
}

func TestReconcileAllCreatesRouteAndSchedule(t *testing.T) {
	up := oneRouteFixture()
	store := storage.NewMemoryStorage()
	r := reconcile.New(up, store)

	require.NoError(t, r.ReconcileAll(context.Background()))

	route, err := store.RouteByTag("38R")
	require.NoError(t, err)
	require.NotNil(t, route)

	tags, err := store.LoadActiveRouteTags(model.ServiceClassWeekday)
	require.NoError(t, err)
	require.Equal(t, []string{"38R"}, tags)

	byStop, err := store.LoadScheduledArrivals("38R", model.ServiceClassWeekday)
	require.NoError(t, err)
	require.Len(t, byStop["1001"][5678], 1)
	require.Equal(t, 8*3600, byStop["1001"][5678][0].Time)
	// Stop 1002's only trip-stop was skipped (epoch_ms == -1).
	require.Empty(t, byStop["1002"])

	stops, err := store.StopsByRoute(route.ID)
	require.NoError(t, err)
	byTag := map[string]model.Stop{}
	for _, s := range stops {
		byTag[s.Tag] = s
	}
	require.NotNil(t, byTag["1001"].Latitude)
	require.Nil(t, byTag["1002"].Latitude)
}

func TestReconcileAllIsIdempotent(t *testing.T) {
	up := oneRouteFixture()
	store := storage.NewMemoryStorage()
	r := reconcile.New(up, store)

	require.NoError(t, r.ReconcileAll(context.Background()))
	before, err := store.LoadScheduledArrivals("38R", model.ServiceClassWeekday)
	require.NoError(t, err)

	require.NoError(t, r.ReconcileAll(context.Background()))
	after, err := store.LoadScheduledArrivals("38R", model.ServiceClassWeekday)
	require.NoError(t, err)

	require.Equal(t, len(before["1001"][5678]), len(after["1001"][5678]))

	route, err := store.RouteByTag("38R")
	require.NoError(t, err)
	active, err := store.ActiveScheduleClass(route.ID, model.DirectionInbound, model.ServiceClassWeekday)
	require.NoError(t, err)
	require.Equal(t, "2015T_FALL", active.Name)
}

func TestReconcileRouteNewScheduleVersionSupersedesOld(t *testing.T) {
	up := oneRouteFixture()
	store := storage.NewMemoryStorage()
	r := reconcile.New(up, store)

	require.NoError(t, r.ReconcileAll(context.Background()))

	up.schedules["38R"][0].ScheduleClassName = "2016T_SPRING"
	require.NoError(t, r.ReconcileRoute(context.Background(), "38R"))

	route, err := store.RouteByTag("38R")
	require.NoError(t, err)
	active, err := store.ActiveScheduleClass(route.ID, model.DirectionInbound, model.ServiceClassWeekday)
	require.NoError(t, err)
	require.Equal(t, "2016T_SPRING", active.Name)
}

func TestReconcileRouteOrderIsRawTripStopPosition(t *testing.T) {
	lat, lon := 37.78, -122.41
	up := &fakeUpstream{
		routes: []upstream.RouteSummary{{Tag: "38R", Title: "38R-Geary Rapid"}},
		configs: map[string][]upstream.ConfigStop{
			"38R": {
				{Tag: "1001", Latitude: &lat, Longitude: &lon},
				{Tag: "1002", Latitude: &lat, Longitude: &lon},
			},
		},
		schedules: map[string][]upstream.Schedule{
			"38R": {
				{
					Tag:               "38R",
					Direction:         model.DirectionInbound,
					ServiceClass:      model.ServiceClassWeekday,
					ScheduleClassName: "2015T_FALL",
					HeaderStops:       []string{"1001", "1002"},
					Trips: []upstream.ScheduleTrip{
						{
							BlockID: 5678,
							Stops: []upstream.ScheduleTripStop{
								{Tag: "1001", EpochMS: -1},               // skipped, still consumes order 1
								{Tag: "1002", EpochMS: 8 * 3600 * 1000}, // kept, must land on order 2
							},
						},
					},
				},
			},
		},
	}

	store := &capturingStorage{Storage: storage.NewMemoryStorage()}
	r := reconcile.New(up, store)
	require.NoError(t, r.ReconcileAll(context.Background()))

	require.Len(t, store.capturedAssocRows, 1)
	require.Equal(t, 2, store.capturedAssocRows[0].StopOrder)
}

func TestReconcileRouteNoScheduleIsNoop(t *testing.T) {
	up := &fakeUpstream{
		routes:    []upstream.RouteSummary{{Tag: "N", Title: "N-Judah"}},
		schedules: map[string][]upstream.Schedule{},
	}
	store := storage.NewMemoryStorage()
	r := reconcile.New(up, store)

	require.NoError(t, r.ReconcileAll(context.Background()))

	tags, err := store.LoadActiveRouteTags(model.ServiceClassWeekday)
	require.NoError(t, err)
	require.Empty(t, tags)
}
