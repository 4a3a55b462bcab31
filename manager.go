package muni

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pmaris/how-late-is-muni/internal/log"
	"github.com/pmaris/how-late-is-muni/model"
	"github.com/pmaris/how-late-is-muni/reconcile"
	"github.com/pmaris/how-late-is-muni/storage"
	"github.com/pmaris/how-late-is-muni/upstream"
)

const DefaultSupervisorInterval = 60 * time.Second

// ManagerConfig carries the knobs RouteManager and the RouteWorkers it
// spawns need, sourced from config.Config.
type ManagerConfig struct {
	SupervisorInterval time.Duration
	DaySwitchTime      int // seconds after local midnight
	WorkerConfig
}

// RouteManager owns the supervisory loop that keeps the set of
// running RouteWorkers in agreement with the current service day: it
// reconciles schedules, determines today's ServiceClass, and starts
// or stops workers as routes' active schedules change.
type RouteManager struct {
	ManagerConfig

	upstream   *upstream.Client
	store      storage.Storage
	reconciler *reconcile.Reconciler

	mu       sync.Mutex
	cancel   map[string]context.CancelFunc
	wg       sync.WaitGroup
	lastDate string
}

func NewManager(up *upstream.Client, store storage.Storage, cfg ManagerConfig) *RouteManager {
	if cfg.SupervisorInterval == 0 {
		cfg.SupervisorInterval = DefaultSupervisorInterval
	}
	return &RouteManager{
		ManagerConfig: cfg,
		upstream:      up,
		store:         store,
		reconciler:    reconcile.New(up, store),
		cancel:        make(map[string]context.CancelFunc),
	}
}

// Run ticks the supervisory loop until ctx is cancelled, switching
// the active day whenever the calendar date has advanced and the
// local time of day has passed DaySwitchTime. It always performs one
// switch immediately on entry.
func (m *RouteManager) Run(ctx context.Context) {
	if err := m.switchDay(ctx); err != nil {
		log.Warnf("manager", "initial day switch: %v", err)
	}

	ticker := time.NewTicker(m.SupervisorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			m.wg.Wait()
			return
		case <-ticker.C:
		}

		now := time.Now()
		today := now.Format("20060102")
		m.mu.Lock()
		dateAdvanced := today != m.lastDate
		m.mu.Unlock()

		if !dateAdvanced {
			continue
		}
		if secondsSinceMidnight(now.Unix()) < m.DaySwitchTime {
			continue
		}

		if err := m.switchDay(ctx); err != nil {
			log.Warnf("manager", "day switch: %v", err)
		}
	}
}

// switchDay reconciles schedules against upstream, recomputes today's
// ServiceClass and the routes active under it, and replaces every
// running RouteWorker with a fresh one built against the new
// schedules. A single route's worker failing to start is logged and
// skipped; it never aborts the switch for other routes.
func (m *RouteManager) switchDay(ctx context.Context) error {
	if err := m.reconciler.ReconcileAll(ctx); err != nil {
		return fmt.Errorf("reconciling: %w", err)
	}

	now := time.Now()
	serviceClass := ServiceClassForWeekday(now.Weekday())

	routeTags, err := m.store.LoadActiveRouteTags(serviceClass)
	if err != nil {
		return fmt.Errorf("loading active routes: %w", err)
	}

	m.stopAll()
	m.wg.Wait()

	m.mu.Lock()
	m.lastDate = now.Format("20060102")
	m.cancel = make(map[string]context.CancelFunc)
	m.mu.Unlock()

	for _, tag := range routeTags {
		route, err := m.store.RouteByTag(tag)
		if err != nil || route == nil {
			log.Warnf("manager", "route %s: looking up route: %v", tag, err)
			continue
		}

		worker, err := NewRouteWorker(m.upstream, m.store, *route, serviceClass, m.WorkerConfig)
		if err != nil {
			log.Warnf("manager", "route %s: starting worker: %v", tag, err)
			continue
		}

		workerCtx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		m.cancel[tag] = cancel
		m.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			worker.Run(workerCtx)
		}()
	}

	log.Infof("manager", "switched to service class %s with %d active routes", serviceClass, len(routeTags))
	return nil
}

func (m *RouteManager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.cancel {
		cancel()
	}
}

func ServiceClassForWeekday(day time.Weekday) model.ServiceClass {
	switch day {
	case time.Saturday:
		return model.ServiceClassSaturday
	case time.Sunday:
		return model.ServiceClassSunday
	default:
		return model.ServiceClassWeekday
	}
}
