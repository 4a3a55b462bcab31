package muni

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/pmaris/how-late-is-muni/internal/log"
	"github.com/pmaris/how-late-is-muni/model"
	"github.com/pmaris/how-late-is-muni/storage"
	"github.com/pmaris/how-late-is-muni/upstream"
)

// WorkerState is a RouteWorker's lifecycle state.
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerRunning
	WorkerStopping
	WorkerTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// WorkerConfig carries the polling knobs a RouteWorker needs, all
// sourced from config.Config.
type WorkerConfig struct {
	UpdateInterval                  time.Duration
	DuplicateArrivalThreshold       int
	SingleScheduledArrivalThreshold int
}

// RouteWorker periodically polls predictions for one route, infers
// arrivals by differencing consecutive snapshots, matches each to its
// closest scheduled arrival, and persists the observation.
type RouteWorker struct {
	Route        model.Route
	ServiceClass model.ServiceClass
	WorkerConfig

	upstream *upstream.Client
	store    storage.Storage

	stopTags          []string
	stopIDByTag       map[string]int64
	scheduledArrivals map[string]map[int][]model.ScheduledArrival

	state atomic.Int32
}

// NewRouteWorker loads the route's stops and scheduled arrivals for
// the given service class once, up front.
func NewRouteWorker(up *upstream.Client, store storage.Storage, route model.Route, serviceClass model.ServiceClass, cfg WorkerConfig) (*RouteWorker, error) {
	stops, err := store.LoadStopsForWorker(route.Tag, serviceClass)
	if err != nil {
		return nil, err
	}
	scheduledArrivals, err := store.LoadScheduledArrivals(route.Tag, serviceClass)
	if err != nil {
		return nil, err
	}

	stopTags := make([]string, 0, len(stops))
	stopIDByTag := make(map[string]int64, len(stops))
	for _, s := range stops {
		stopTags = append(stopTags, s.Tag)
		stopIDByTag[s.Tag] = s.ID
	}

	w := &RouteWorker{
		Route:             route,
		ServiceClass:      serviceClass,
		WorkerConfig:      cfg,
		upstream:          up,
		store:             store,
		stopTags:          stopTags,
		stopIDByTag:       stopIDByTag,
		scheduledArrivals: scheduledArrivals,
	}
	w.state.Store(int32(WorkerIdle))
	return w, nil
}

// State returns the worker's current lifecycle state.
func (w *RouteWorker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Run polls until ctx is cancelled. It never returns an error: all
// fetch and persistence failures are logged and the worker retries
// next tick.
func (w *RouteWorker) Run(ctx context.Context) {
	w.state.Store(int32(WorkerRunning))
	defer w.state.Store(int32(WorkerTerminated))

	ticker := time.NewTicker(w.UpdateInterval)
	defer ticker.Stop()

	var previousSnapshot, currentSnapshot upstream.Snapshot
	var previousT, currentT int64
	haveSnapshot := false

	for {
		select {
		case <-ctx.Done():
			w.state.Store(int32(WorkerStopping))
			return
		case <-ticker.C:
		}

		snapshot, err := w.upstream.Predictions(ctx, w.Route.Tag, w.stopTags)
		if err != nil {
			log.Warnf("worker", "route %s: fetching predictions: %v", w.Route.Tag, err)
			continue
		}

		previousSnapshot, previousT = currentSnapshot, currentT
		currentSnapshot, currentT = snapshot, time.Now().Unix()

		if !haveSnapshot {
			haveSnapshot = true
			continue
		}

		if currentT-previousT > 3*int64(w.UpdateInterval/time.Second) {
			log.Warnf("worker", "route %s: snapshot gap of %ds exceeds staleness cutoff, discarding batch", w.Route.Tag, currentT-previousT)
			continue
		}

		arrivals := InferArrivals(previousSnapshot, previousT, currentSnapshot, currentT)
		for stopTag, blockIDs := range arrivals {
			for _, blockID := range blockIDs {
				if err := w.save(stopTag, blockID, currentT); err != nil {
					log.Warnf("worker", "route %s: %v", w.Route.Tag, err)
				}
			}
		}
	}
}

// save matches one inferred arrival to its closest scheduled arrival
// and persists it. A nil error with no write is the normal outcome
// when the stop, block, or match threshold rules out a candidate.
func (w *RouteWorker) save(stopTag string, blockID int, observedUnixTime int64) error {
	stopID, ok := w.stopIDByTag[stopTag]
	if !ok {
		log.Warnf("worker", "route %s: arrival at unknown stop %s", w.Route.Tag, stopTag)
		return nil
	}

	candidates := w.scheduledArrivals[stopTag][blockID]
	if len(candidates) == 0 {
		log.Warnf("worker", "route %s stop %s: no scheduled arrival for block %d", w.Route.Tag, stopTag, blockID)
		return nil
	}

	a := secondsSinceMidnight(observedUnixTime)
	matched, ok := MatchScheduledArrival(a, candidates, w.SingleScheduledArrivalThreshold)
	if !ok {
		return nil // no match within threshold; discarded silently, per design
	}

	difference := a - matched.Time
	err := w.store.RecordArrival(stopID, matched.ID, observedUnixTime, difference, w.DuplicateArrivalThreshold)
	return errors.Wrapf(err, "stop %s block %d: recording arrival", stopTag, blockID)
}

func secondsSinceMidnight(unixTime int64) int {
	t := time.Unix(unixTime, 0).Local()
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}
