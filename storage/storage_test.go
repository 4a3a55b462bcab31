package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pmaris/how-late-is-muni/model"
	"github.com/pmaris/how-late-is-muni/storage"
)

// StorageBuilder constructs a fresh Storage backend for a test.
// PSQLStorage implements the same interface and contract but needs a
// live Postgres instance, so it isn't exercised here.
type StorageBuilder func(t *testing.T) storage.Storage

func builders() map[string]StorageBuilder {
	return map[string]StorageBuilder{
		"memory": func(t *testing.T) storage.Storage {
			return storage.NewMemoryStorage()
		},
		"sqlite": func(t *testing.T) storage.Storage {
			s, err := storage.NewSQLiteStorage()
			require.NoError(t, err)
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s storage.Storage)) {
	for name, build := range builders() {
		name, build := name, build
		t.Run(name, func(t *testing.T) {
			fn(t, build(t))
		})
	}
}

func TestBulkUpsertRoutesIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Storage) {
		rows := []storage.RouteRow{
			{Tag: "38R", Title: "38R-Geary Rapid"},
			{Tag: "N", Title: "N-Judah"},
		}

		require.NoError(t, s.BulkUpsertRoutes(rows))
		require.NoError(t, s.BulkUpsertRoutes(rows))

		tags, err := s.LoadActiveRouteTags(model.ServiceClassWeekday)
		require.NoError(t, err)
		require.Empty(t, tags, "upserting routes alone activates no schedule classes")

		route, err := s.RouteByTag("38R")
		require.NoError(t, err)
		require.NotNil(t, route)
		require.Equal(t, "38R-Geary Rapid", route.Title)
	})
}

func TestBulkUpsertRoutesUpdatesTitle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Storage) {
		require.NoError(t, s.BulkUpsertRoutes([]storage.RouteRow{{Tag: "38R", Title: "Old Title"}}))
		require.NoError(t, s.BulkUpsertRoutes([]storage.RouteRow{{Tag: "38R", Title: "New Title"}}))

		route, err := s.RouteByTag("38R")
		require.NoError(t, err)
		require.Equal(t, "New Title", route.Title)
	})
}

func TestBulkUpsertStopsIdempotentAndNullableCoords(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Storage) {
		require.NoError(t, s.BulkUpsertRoutes([]storage.RouteRow{{Tag: "38R", Title: "38R-Geary Rapid"}}))

		lat := 37.78
		lon := -122.41
		rows := []storage.StopRow{
			{RouteTag: "38R", Tag: "1234", Title: "Geary & 1st", Latitude: &lat, Longitude: &lon},
			{RouteTag: "38R", Tag: "5678", Title: "Geary & 2nd"}, // no coords supplied
		}
		require.NoError(t, s.BulkUpsertStops(rows))
		require.NoError(t, s.BulkUpsertStops(rows))

		route, err := s.RouteByTag("38R")
		require.NoError(t, err)
		stops, err := s.StopsByRoute(route.ID)
		require.NoError(t, err)
		require.Len(t, stops, 2)

		byTag := map[string]model.Stop{}
		for _, st := range stops {
			byTag[st.Tag] = st
		}
		require.NotNil(t, byTag["1234"].Latitude)
		require.Nil(t, byTag["5678"].Latitude)
	})
}

func TestActivateScheduleClassInvariant(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Storage) {
		require.NoError(t, s.BulkUpsertRoutes([]storage.RouteRow{{Tag: "38R", Title: "t"}}))
		route, err := s.RouteByTag("38R")
		require.NoError(t, err)

		sc1, err := s.ActivateScheduleClass(route.ID, model.DirectionInbound, model.ServiceClassWeekday, "2015T_FALL")
		require.NoError(t, err)
		require.True(t, sc1.IsActive)

		// Re-activating with the same name returns the same row,
		// and does not create a duplicate.
		sc1Again, err := s.ActivateScheduleClass(route.ID, model.DirectionInbound, model.ServiceClassWeekday, "2015T_FALL")
		require.NoError(t, err)
		require.Equal(t, sc1.ID, sc1Again.ID)

		active, err := s.ActiveScheduleClass(route.ID, model.DirectionInbound, model.ServiceClassWeekday)
		require.NoError(t, err)
		require.Equal(t, sc1.ID, active.ID)

		// Deactivating, then activating a new version: at most one
		// active row for the triple at any time.
		require.NoError(t, s.DeactivateScheduleClass(sc1.ID))
		active, err = s.ActiveScheduleClass(route.ID, model.DirectionInbound, model.ServiceClassWeekday)
		require.NoError(t, err)
		require.Nil(t, active)

		sc2, err := s.ActivateScheduleClass(route.ID, model.DirectionInbound, model.ServiceClassWeekday, "2016T_SPRING")
		require.NoError(t, err)
		require.NotEqual(t, sc1.ID, sc2.ID)

		active, err = s.ActiveScheduleClass(route.ID, model.DirectionInbound, model.ServiceClassWeekday)
		require.NoError(t, err)
		require.Equal(t, sc2.ID, active.ID)
	})
}

func TestDeactivateScheduleClassesForRoute(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Storage) {
		require.NoError(t, s.BulkUpsertRoutes([]storage.RouteRow{{Tag: "38R", Title: "t"}}))
		route, err := s.RouteByTag("38R")
		require.NoError(t, err)

		_, err = s.ActivateScheduleClass(route.ID, model.DirectionInbound, model.ServiceClassWeekday, "v1")
		require.NoError(t, err)
		_, err = s.ActivateScheduleClass(route.ID, model.DirectionOutbound, model.ServiceClassWeekday, "v1")
		require.NoError(t, err)

		require.NoError(t, s.DeactivateScheduleClasses(route.ID))

		tags, err := s.LoadActiveRouteTags(model.ServiceClassWeekday)
		require.NoError(t, err)
		require.Empty(t, tags)
	})
}

func TestBulkUpsertStopScheduleClassesDoesNothingOnConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Storage) {
		route, stop, sc := seedRouteStopSchedule(t, s)

		row := storage.StopScheduleClassRow{StopID: stop.ID, ScheduleClassID: sc.ID, StopOrder: 1}
		first, err := s.BulkUpsertStopScheduleClasses([]storage.StopScheduleClassRow{row})
		require.NoError(t, err)
		second, err := s.BulkUpsertStopScheduleClasses([]storage.StopScheduleClassRow{row})
		require.NoError(t, err)
		require.Equal(t, first[0].ID, second[0].ID)

		stops, err := s.LoadStopsForWorker(route.Tag, model.ServiceClassWeekday)
		require.NoError(t, err)
		require.Len(t, stops, 1)
	})
}

func TestLoadScheduledArrivalsOnlyIncludesActive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Storage) {
		route, stop, sc := seedRouteStopSchedule(t, s)
		assocs, err := s.BulkUpsertStopScheduleClasses([]storage.StopScheduleClassRow{
			{StopID: stop.ID, ScheduleClassID: sc.ID, StopOrder: 1},
		})
		require.NoError(t, err)
		sscID := assocs[0].ID

		require.NoError(t, s.BulkUpsertScheduledArrivals([]storage.ScheduledArrivalRow{
			{StopScheduleClassID: sscID, BlockID: 5678, Time: 100},
			{StopScheduleClassID: sscID, BlockID: 5678, Time: 200},
		}))
		// Idempotent.
		require.NoError(t, s.BulkUpsertScheduledArrivals([]storage.ScheduledArrivalRow{
			{StopScheduleClassID: sscID, BlockID: 5678, Time: 100},
		}))

		byStop, err := s.LoadScheduledArrivals(route.Tag, model.ServiceClassWeekday)
		require.NoError(t, err)
		require.Len(t, byStop[stop.Tag][5678], 2)

		// Once deactivated, the reconciled schedule should no
		// longer surface in the worker's index.
		require.NoError(t, s.DeactivateScheduleClass(sc.ID))
		byStop, err = s.LoadScheduledArrivals(route.Tag, model.ServiceClassWeekday)
		require.NoError(t, err)
		require.Empty(t, byStop[stop.Tag])
	})
}

func TestRecordArrivalDedupWindow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Storage) {
		_, stop, sc := seedRouteStopSchedule(t, s)
		assocs, err := s.BulkUpsertStopScheduleClasses([]storage.StopScheduleClassRow{
			{StopID: stop.ID, ScheduleClassID: sc.ID, StopOrder: 1},
		})
		require.NoError(t, err)
		require.NoError(t, s.BulkUpsertScheduledArrivals([]storage.ScheduledArrivalRow{
			{StopScheduleClassID: assocs[0].ID, BlockID: 5678, Time: 100},
		}))

		byStop, err := s.LoadScheduledArrivals("38R", model.ServiceClassWeekday)
		require.NoError(t, err)
		sa := byStop[stop.Tag][5678][0]

		require.NoError(t, s.RecordArrival(stop.ID, sa.ID, 1_000_000, 10, 300))
		require.NoError(t, s.RecordArrival(stop.ID, sa.ID, 1_000_100, 15, 300))

		// The Storage interface exposes no read of arrival rows, so
		// the row count is not asserted here (nor in worker_test.go).
		// This only confirms that a save inside the window and a
		// repeated save at the same instant both succeed.
		require.NoError(t, s.RecordArrival(stop.ID, sa.ID, 1_000_100, 15, 300))
	})
}

func seedRouteStopSchedule(t *testing.T, s storage.Storage) (model.Route, model.Stop, *model.ScheduleClass) {
	require.NoError(t, s.BulkUpsertRoutes([]storage.RouteRow{{Tag: "38R", Title: "38R-Geary Rapid"}}))
	route, err := s.RouteByTag("38R")
	require.NoError(t, err)

	require.NoError(t, s.BulkUpsertStops([]storage.StopRow{{RouteTag: "38R", Tag: "1234", Title: "Geary & 1st"}}))
	stops, err := s.StopsByRoute(route.ID)
	require.NoError(t, err)
	require.Len(t, stops, 1)

	sc, err := s.ActivateScheduleClass(route.ID, model.DirectionInbound, model.ServiceClassWeekday, "2015T_FALL")
	require.NoError(t, err)

	return *route, stops[0], sc
}
