package storage

import (
	"fmt"
	"sync"

	"github.com/pmaris/how-late-is-muni/model"
)

// MemoryStorage is a deterministic in-process Storage implementation
// used by unit tests that don't need a real database. A single mutex
// stands in for the natural-key uniqueness constraints a real
// database enforces.
type MemoryStorage struct {
	mu sync.Mutex

	nextID int64

	routesByTag map[string]*model.Route
	stops       map[stopKey]*model.Stop
	classes     map[int64]*model.ScheduleClass
	activeClass map[classKey]int64
	assocs      map[assocKey]*model.StopScheduleClass
	scheduled   map[scheduledKey]*model.ScheduledArrival
	arrivals    map[arrivalKey]*model.Arrival
}

type stopKey struct {
	routeID int64
	tag     string
}

type classKey struct {
	routeID      int64
	direction    model.Direction
	serviceClass model.ServiceClass
}

type assocKey struct {
	stopID          int64
	scheduleClassID int64
	stopOrder       int
}

type scheduledKey struct {
	stopScheduleClassID int64
	blockID             int
	time                int
}

type arrivalKey struct {
	stopID             int64
	scheduledArrivalID int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		routesByTag: map[string]*model.Route{},
		stops:       map[stopKey]*model.Stop{},
		classes:     map[int64]*model.ScheduleClass{},
		activeClass: map[classKey]int64{},
		assocs:      map[assocKey]*model.StopScheduleClass{},
		scheduled:   map[scheduledKey]*model.ScheduledArrival{},
		arrivals:    map[arrivalKey]*model.Arrival{},
	}
}

func (s *MemoryStorage) newID() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStorage) BulkUpsertRoutes(routes []RouteRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range routes {
		if existing, ok := s.routesByTag[r.Tag]; ok {
			existing.Title = r.Title
			continue
		}
		s.routesByTag[r.Tag] = &model.Route{
			ID:    s.newID(),
			Tag:   r.Tag,
			Title: r.Title,
		}
	}
	return nil
}

func (s *MemoryStorage) BulkUpsertStops(stops []StopRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range stops {
		route, ok := s.routesByTag[row.RouteTag]
		if !ok {
			return fmt.Errorf("upserting stop %s: unknown route %s", row.Tag, row.RouteTag)
		}
		key := stopKey{route.ID, row.Tag}
		if existing, ok := s.stops[key]; ok {
			existing.Title = row.Title
			existing.Latitude = row.Latitude
			existing.Longitude = row.Longitude
			continue
		}
		s.stops[key] = &model.Stop{
			ID:        s.newID(),
			RouteID:   route.ID,
			RouteTag:  route.Tag,
			Tag:       row.Tag,
			Title:     row.Title,
			Latitude:  row.Latitude,
			Longitude: row.Longitude,
		}
	}
	return nil
}

func (s *MemoryStorage) ActivateScheduleClass(routeID int64, direction model.Direction, serviceClass model.ServiceClass, name string) (*model.ScheduleClass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := classKey{routeID, direction, serviceClass}
	if id, ok := s.activeClass[key]; ok {
		existing := s.classes[id]
		if existing.Name == name {
			return copyClass(existing), nil
		}
	}

	sc := &model.ScheduleClass{
		ID:           s.newID(),
		RouteID:      routeID,
		Direction:    direction,
		ServiceClass: serviceClass,
		Name:         name,
		IsActive:     true,
	}
	s.classes[sc.ID] = sc
	s.activeClass[key] = sc.ID
	return copyClass(sc), nil
}

func (s *MemoryStorage) ActiveScheduleClass(routeID int64, direction model.Direction, serviceClass model.ServiceClass) (*model.ScheduleClass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := classKey{routeID, direction, serviceClass}
	id, ok := s.activeClass[key]
	if !ok {
		return nil, nil
	}
	sc := s.classes[id]
	if !sc.IsActive {
		return nil, nil
	}
	return copyClass(sc), nil
}

func (s *MemoryStorage) DeactivateScheduleClasses(routeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, id := range s.activeClass {
		if key.routeID != routeID {
			continue
		}
		s.classes[id].IsActive = false
		delete(s.activeClass, key)
	}
	return nil
}

func (s *MemoryStorage) DeactivateScheduleClass(scheduleClassID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.classes[scheduleClassID]
	if !ok {
		return nil
	}
	sc.IsActive = false
	key := classKey{sc.RouteID, sc.Direction, sc.ServiceClass}
	if s.activeClass[key] == scheduleClassID {
		delete(s.activeClass, key)
	}
	return nil
}

func (s *MemoryStorage) BulkUpsertStopScheduleClasses(rows []StopScheduleClassRow) ([]model.StopScheduleClass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved := make([]model.StopScheduleClass, 0, len(rows))
	for _, row := range rows {
		key := assocKey{row.StopID, row.ScheduleClassID, row.StopOrder}
		if existing, ok := s.assocs[key]; ok {
			resolved = append(resolved, *existing)
			continue
		}
		assoc := &model.StopScheduleClass{
			ID:              s.newID(),
			StopID:          row.StopID,
			ScheduleClassID: row.ScheduleClassID,
			StopOrder:       row.StopOrder,
		}
		s.assocs[key] = assoc
		resolved = append(resolved, *assoc)
	}
	return resolved, nil
}

func (s *MemoryStorage) BulkUpsertScheduledArrivals(rows []ScheduledArrivalRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		key := scheduledKey{row.StopScheduleClassID, row.BlockID, row.Time}
		if _, ok := s.scheduled[key]; ok {
			continue
		}
		s.scheduled[key] = &model.ScheduledArrival{
			ID:                  s.newID(),
			StopScheduleClassID: row.StopScheduleClassID,
			BlockID:             row.BlockID,
			Time:                row.Time,
		}
	}
	return nil
}

func (s *MemoryStorage) LoadActiveRouteTags(serviceClass model.ServiceClass) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	tags := []string{}
	for key, id := range s.activeClass {
		if key.serviceClass != serviceClass {
			continue
		}
		sc := s.classes[id]
		if !sc.IsActive {
			continue
		}
		for _, r := range s.routesByTag {
			if r.ID == sc.RouteID && !seen[r.Tag] {
				seen[r.Tag] = true
				tags = append(tags, r.Tag)
			}
		}
	}
	return tags, nil
}

func (s *MemoryStorage) LoadScheduledArrivals(routeTag string, serviceClass model.ServiceClass) (map[string]map[int][]model.ScheduledArrival, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	route, ok := s.routesByTag[routeTag]
	if !ok {
		return map[string]map[int][]model.ScheduledArrival{}, nil
	}

	// Active schedule class IDs for this route/serviceClass.
	activeIDs := map[int64]bool{}
	for key, id := range s.activeClass {
		if key.routeID == route.ID && key.serviceClass == serviceClass {
			activeIDs[id] = true
		}
	}

	// Stop-schedule-class rows whose schedule class is active.
	sscToStop := map[int64]int64{}
	for _, assoc := range s.assocs {
		if activeIDs[assoc.ScheduleClassID] {
			sscToStop[assoc.ID] = assoc.StopID
		}
	}

	stopTagByID := map[int64]string{}
	for _, st := range s.stops {
		stopTagByID[st.ID] = st.Tag
	}

	result := map[string]map[int][]model.ScheduledArrival{}
	for _, sa := range s.scheduled {
		stopID, ok := sscToStop[sa.StopScheduleClassID]
		if !ok {
			continue
		}
		tag := stopTagByID[stopID]
		if tag == "" {
			continue
		}
		if result[tag] == nil {
			result[tag] = map[int][]model.ScheduledArrival{}
		}
		result[tag][sa.BlockID] = append(result[tag][sa.BlockID], *sa)
	}
	return result, nil
}

func (s *MemoryStorage) LoadStopsForWorker(routeTag string, serviceClass model.ServiceClass) ([]model.Stop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	route, ok := s.routesByTag[routeTag]
	if !ok {
		return nil, nil
	}

	activeIDs := map[int64]bool{}
	for key, id := range s.activeClass {
		if key.routeID == route.ID && key.serviceClass == serviceClass {
			activeIDs[id] = true
		}
	}

	stopIDs := map[int64]bool{}
	for _, assoc := range s.assocs {
		if activeIDs[assoc.ScheduleClassID] {
			stopIDs[assoc.StopID] = true
		}
	}

	stops := []model.Stop{}
	for _, st := range s.stops {
		if stopIDs[st.ID] {
			stops = append(stops, *st)
		}
	}
	return stops, nil
}

func (s *MemoryStorage) RouteByTag(tag string) (*model.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.routesByTag[tag]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStorage) StopsByRoute(routeID int64) ([]model.Stop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stops := []model.Stop{}
	for _, st := range s.stops {
		if st.RouteID == routeID {
			stops = append(stops, *st)
		}
	}
	return stops, nil
}

func (s *MemoryStorage) RecordArrival(stopID int64, scheduledArrivalID int64, observedUnixTime int64, difference int, dupThreshold int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := arrivalKey{stopID, scheduledArrivalID}
	if existing, ok := s.arrivals[key]; ok {
		if existing.Time >= observedUnixTime-int64(dupThreshold) {
			existing.Time = observedUnixTime
			existing.Difference = difference
			return nil
		}
	}

	s.arrivals[key] = &model.Arrival{
		ID:                 s.newID(),
		StopID:             stopID,
		ScheduledArrivalID: scheduledArrivalID,
		Time:               observedUnixTime,
		Difference:         difference,
	}
	return nil
}

func copyClass(sc *model.ScheduleClass) *model.ScheduleClass {
	cp := *sc
	return &cp
}
