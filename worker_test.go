package muni

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pmaris/how-late-is-muni/model"
	"github.com/pmaris/how-late-is-muni/storage"
	"github.com/pmaris/how-late-is-muni/upstream"
)

func newTestWorker(t *testing.T, store storage.Storage) (*RouteWorker, model.Stop) {
	require.NoError(t, store.BulkUpsertRoutes([]storage.RouteRow{{Tag: "38R", Title: "38R-Geary Rapid"}}))
	route, err := store.RouteByTag("38R")
	require.NoError(t, err)

	require.NoError(t, store.BulkUpsertStops([]storage.StopRow{{RouteTag: "38R", Tag: "1234", Title: "Geary & 1st"}}))
	stops, err := store.StopsByRoute(route.ID)
	require.NoError(t, err)

	sc, err := store.ActivateScheduleClass(route.ID, model.DirectionInbound, model.ServiceClassWeekday, "2015T_FALL")
	require.NoError(t, err)

	assocs, err := store.BulkUpsertStopScheduleClasses([]storage.StopScheduleClassRow{
		{StopID: stops[0].ID, ScheduleClassID: sc.ID, StopOrder: 1},
	})
	require.NoError(t, err)

	require.NoError(t, store.BulkUpsertScheduledArrivals([]storage.ScheduledArrivalRow{
		{StopScheduleClassID: assocs[0].ID, BlockID: 5678, Time: 100},
	}))

	w, err := NewRouteWorker(upstream.NewClient(upstream.Config{AgencyTag: "sf-muni", BaseURL: "http://example.invalid"}), store, *route, model.ServiceClassWeekday, WorkerConfig{
		UpdateInterval:                  30 * time.Second,
		DuplicateArrivalThreshold:       300,
		SingleScheduledArrivalThreshold: 100,
	})
	require.NoError(t, err)

	return w, stops[0]
}

func TestWorkerSaveTwiceWithinDedupWindowLeavesScheduledIndexIntact(t *testing.T) {
	store := storage.NewMemoryStorage()
	w, stop := newTestWorker(t, store)

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Unix()
	observed1 := midnight + 100 // seconds-since-midnight == 100, exact match
	observed2 := observed1 + 5

	w.save(stop.Tag, 5678, observed1)
	w.save(stop.Tag, 5678, observed2)

	byStop, err := store.LoadScheduledArrivals("38R", model.ServiceClassWeekday)
	require.NoError(t, err)
	require.Len(t, byStop[stop.Tag][5678], 1)
}

func TestWorkerSaveDiscardsUnknownStop(t *testing.T) {
	store := storage.NewMemoryStorage()
	w, _ := newTestWorker(t, store)

	// Should not panic; unknown stop tag is logged and dropped.
	w.save("nonexistent", 5678, time.Now().Unix())
}

func TestWorkerSaveDiscardsBlockWithNoScheduledArrival(t *testing.T) {
	store := storage.NewMemoryStorage()
	w, stop := newTestWorker(t, store)

	w.save(stop.Tag, 9999, time.Now().Unix())
	// No panic, no row created for the unknown block. Exercised
	// indirectly: LoadScheduledArrivals still only shows block 5678.
	byStop, err := store.LoadScheduledArrivals("38R", model.ServiceClassWeekday)
	require.NoError(t, err)
	require.Contains(t, byStop[stop.Tag], 5678)
	require.NotContains(t, byStop[stop.Tag], 9999)
}
