package storage

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/pmaris/how-late-is-muni/model"
)

// PSQLStorage is the primary production Storage backend.
type PSQLStorage struct {
	db *sql.DB
}

// NewPSQLStorage opens a Postgres-backed Storage using the provided
// connection string. If clearDB is true, all tables are dropped and
// recreated first; intended for tests only.
func NewPSQLStorage(connStr string, clearDB bool) (*PSQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging db: %w", err)
	}

	if clearDB {
		_, err = db.Exec(`
DROP TABLE IF EXISTS arrival;
DROP TABLE IF EXISTS scheduled_arrival;
DROP TABLE IF EXISTS stop_schedule_class;
DROP TABLE IF EXISTS schedule_class;
DROP TABLE IF EXISTS stop;
DROP TABLE IF EXISTS route;
`)
		if err != nil {
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	if _, err := db.Exec(schemaPostgres); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &PSQLStorage{db: db}, nil
}

func (s *PSQLStorage) Close() error {
	return s.db.Close()
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS route (
    id BIGSERIAL PRIMARY KEY,
    tag TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stop (
    id BIGSERIAL PRIMARY KEY,
    route_id BIGINT NOT NULL REFERENCES route(id),
    tag TEXT NOT NULL,
    title TEXT NOT NULL,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    UNIQUE (route_id, tag)
);

CREATE TABLE IF NOT EXISTS schedule_class (
    id BIGSERIAL PRIMARY KEY,
    route_id BIGINT NOT NULL REFERENCES route(id),
    direction TEXT NOT NULL,
    service_class TEXT NOT NULL,
    name TEXT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS schedule_class_active_idx
    ON schedule_class (route_id, direction, service_class)
    WHERE is_active;

CREATE TABLE IF NOT EXISTS stop_schedule_class (
    id BIGSERIAL PRIMARY KEY,
    stop_id BIGINT NOT NULL REFERENCES stop(id),
    schedule_class_id BIGINT NOT NULL REFERENCES schedule_class(id),
    stop_order INTEGER NOT NULL,
    UNIQUE (stop_id, schedule_class_id, stop_order)
);

CREATE TABLE IF NOT EXISTS scheduled_arrival (
    id BIGSERIAL PRIMARY KEY,
    stop_schedule_class_id BIGINT NOT NULL REFERENCES stop_schedule_class(id),
    block_id INTEGER NOT NULL,
    time INTEGER NOT NULL CHECK (time >= 0 AND time < 86400),
    UNIQUE (stop_schedule_class_id, block_id, time)
);

CREATE TABLE IF NOT EXISTS arrival (
    id BIGSERIAL PRIMARY KEY,
    stop_id BIGINT NOT NULL REFERENCES stop(id),
    scheduled_arrival_id BIGINT NOT NULL REFERENCES scheduled_arrival(id),
    time BIGINT NOT NULL,
    difference INTEGER NOT NULL,
    UNIQUE (stop_id, scheduled_arrival_id, time)
);
`

func (s *PSQLStorage) BulkUpsertRoutes(routes []RouteRow) error {
	if len(routes) == 0 {
		return nil
	}

	tags := make([]string, len(routes))
	titles := make([]string, len(routes))
	for i, r := range routes {
		tags[i] = r.Tag
		titles[i] = r.Title
	}

	_, err := s.db.Exec(`
INSERT INTO route (tag, title)
SELECT * FROM UNNEST($1::text[], $2::text[])
ON CONFLICT (tag) DO UPDATE SET title = excluded.title`,
		pq.Array(tags), pq.Array(titles))
	if err != nil {
		return fmt.Errorf("bulk upserting routes: %w", err)
	}
	return nil
}

func (s *PSQLStorage) BulkUpsertStops(stops []StopRow) error {
	if len(stops) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
INSERT INTO stop (route_id, tag, title, latitude, longitude)
SELECT id, $2, $3, $4, $5 FROM route WHERE tag = $1
ON CONFLICT (route_id, tag) DO UPDATE SET
    title = excluded.title,
    latitude = excluded.latitude,
    longitude = excluded.longitude`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range stops {
		if _, err := stmt.Exec(r.RouteTag, r.Tag, r.Title, r.Latitude, r.Longitude); err != nil {
			return fmt.Errorf("upserting stop %s/%s: %w", r.RouteTag, r.Tag, err)
		}
	}

	return tx.Commit()
}

func (s *PSQLStorage) ActivateScheduleClass(routeID int64, direction model.Direction, serviceClass model.ServiceClass, name string) (*model.ScheduleClass, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	sc, err := activeScheduleClassPSQLTx(tx, routeID, direction, serviceClass)
	if err != nil {
		return nil, err
	}
	if sc != nil && sc.Name == name {
		return sc, tx.Commit()
	}

	row := tx.QueryRow(`
INSERT INTO schedule_class (route_id, direction, service_class, name, is_active)
VALUES ($1, $2, $3, $4, TRUE)
RETURNING id`, routeID, string(direction), string(serviceClass), name)

	var id int64
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("inserting schedule class: %w", err)
	}

	created := &model.ScheduleClass{
		ID:           id,
		RouteID:      routeID,
		Direction:    direction,
		ServiceClass: serviceClass,
		Name:         name,
		IsActive:     true,
	}
	return created, tx.Commit()
}

func activeScheduleClassPSQLTx(tx *sql.Tx, routeID int64, direction model.Direction, serviceClass model.ServiceClass) (*model.ScheduleClass, error) {
	row := tx.QueryRow(`
SELECT id, name FROM schedule_class
WHERE route_id = $1 AND direction = $2 AND service_class = $3 AND is_active`,
		routeID, string(direction), string(serviceClass))

	var id int64
	var name string
	if err := row.Scan(&id, &name); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying active schedule class: %w", err)
	}

	return &model.ScheduleClass{
		ID:           id,
		RouteID:      routeID,
		Direction:    direction,
		ServiceClass: serviceClass,
		Name:         name,
		IsActive:     true,
	}, nil
}

func (s *PSQLStorage) ActiveScheduleClass(routeID int64, direction model.Direction, serviceClass model.ServiceClass) (*model.ScheduleClass, error) {
	row := s.db.QueryRow(`
SELECT id, name FROM schedule_class
WHERE route_id = $1 AND direction = $2 AND service_class = $3 AND is_active`,
		routeID, string(direction), string(serviceClass))

	var id int64
	var name string
	if err := row.Scan(&id, &name); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying active schedule class: %w", err)
	}

	return &model.ScheduleClass{
		ID:           id,
		RouteID:      routeID,
		Direction:    direction,
		ServiceClass: serviceClass,
		Name:         name,
		IsActive:     true,
	}, nil
}

func (s *PSQLStorage) DeactivateScheduleClasses(routeID int64) error {
	_, err := s.db.Exec(`UPDATE schedule_class SET is_active = FALSE WHERE route_id = $1 AND is_active`, routeID)
	if err != nil {
		return fmt.Errorf("deactivating schedule classes for route %d: %w", routeID, err)
	}
	return nil
}

func (s *PSQLStorage) DeactivateScheduleClass(scheduleClassID int64) error {
	_, err := s.db.Exec(`UPDATE schedule_class SET is_active = FALSE WHERE id = $1`, scheduleClassID)
	if err != nil {
		return fmt.Errorf("deactivating schedule class %d: %w", scheduleClassID, err)
	}
	return nil
}

// BulkUpsertStopScheduleClasses upserts one row at a time rather than
// via the UNNEST bulk idiom used elsewhere in this file: each row's
// resolved id is needed by the caller to build ScheduledArrivalRows,
// and Postgres doesn't guarantee RETURNING rows are ordered to match
// a multi-row INSERT's input arrays.
func (s *PSQLStorage) BulkUpsertStopScheduleClasses(rows []StopScheduleClassRow) ([]model.StopScheduleClass, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
INSERT INTO stop_schedule_class (stop_id, schedule_class_id, stop_order)
VALUES ($1, $2, $3)
ON CONFLICT (stop_id, schedule_class_id, stop_order) DO UPDATE SET stop_order = excluded.stop_order
RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	resolved := make([]model.StopScheduleClass, 0, len(rows))
	for _, r := range rows {
		var id int64
		if err := stmt.QueryRow(r.StopID, r.ScheduleClassID, r.StopOrder).Scan(&id); err != nil {
			return nil, fmt.Errorf("upserting stop_schedule_class: %w", err)
		}
		resolved = append(resolved, model.StopScheduleClass{
			ID:              id,
			StopID:          r.StopID,
			ScheduleClassID: r.ScheduleClassID,
			StopOrder:       r.StopOrder,
		})
	}

	return resolved, tx.Commit()
}

func (s *PSQLStorage) BulkUpsertScheduledArrivals(rows []ScheduledArrivalRow) error {
	if len(rows) == 0 {
		return nil
	}

	sscIDs := make([]int64, len(rows))
	blockIDs := make([]int32, len(rows))
	times := make([]int32, len(rows))
	for i, r := range rows {
		sscIDs[i] = r.StopScheduleClassID
		blockIDs[i] = int32(r.BlockID)
		times[i] = int32(r.Time)
	}

	_, err := s.db.Exec(`
INSERT INTO scheduled_arrival (stop_schedule_class_id, block_id, time)
SELECT * FROM UNNEST($1::bigint[], $2::int[], $3::int[])
ON CONFLICT (stop_schedule_class_id, block_id, time) DO NOTHING`,
		pq.Array(sscIDs), pq.Array(blockIDs), pq.Array(times))
	if err != nil {
		return fmt.Errorf("bulk upserting scheduled_arrival: %w", err)
	}
	return nil
}

func (s *PSQLStorage) LoadActiveRouteTags(serviceClass model.ServiceClass) ([]string, error) {
	rows, err := s.db.Query(`
SELECT DISTINCT r.tag
FROM route r
JOIN schedule_class sc ON sc.route_id = r.id
WHERE sc.service_class = $1 AND sc.is_active`, string(serviceClass))
	if err != nil {
		return nil, fmt.Errorf("querying active route tags: %w", err)
	}
	defer rows.Close()

	tags := []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scanning route tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *PSQLStorage) LoadScheduledArrivals(routeTag string, serviceClass model.ServiceClass) (map[string]map[int][]model.ScheduledArrival, error) {
	rows, err := s.db.Query(`
SELECT st.tag, sa.block_id, sa.id, sa.stop_schedule_class_id, sa.time
FROM scheduled_arrival sa
JOIN stop_schedule_class ssc ON ssc.id = sa.stop_schedule_class_id
JOIN schedule_class sc ON sc.id = ssc.schedule_class_id
JOIN stop st ON st.id = ssc.stop_id
JOIN route r ON r.id = sc.route_id
WHERE r.tag = $1 AND sc.service_class = $2 AND sc.is_active`, routeTag, string(serviceClass))
	if err != nil {
		return nil, fmt.Errorf("querying scheduled arrivals: %w", err)
	}
	defer rows.Close()

	result := map[string]map[int][]model.ScheduledArrival{}
	for rows.Next() {
		var tag string
		var sa model.ScheduledArrival
		if err := rows.Scan(&tag, &sa.BlockID, &sa.ID, &sa.StopScheduleClassID, &sa.Time); err != nil {
			return nil, fmt.Errorf("scanning scheduled arrival: %w", err)
		}
		if result[tag] == nil {
			result[tag] = map[int][]model.ScheduledArrival{}
		}
		result[tag][sa.BlockID] = append(result[tag][sa.BlockID], sa)
	}
	return result, rows.Err()
}

func (s *PSQLStorage) LoadStopsForWorker(routeTag string, serviceClass model.ServiceClass) ([]model.Stop, error) {
	rows, err := s.db.Query(`
SELECT DISTINCT st.id, st.route_id, st.tag, st.title, st.latitude, st.longitude
FROM stop st
JOIN stop_schedule_class ssc ON ssc.stop_id = st.id
JOIN schedule_class sc ON sc.id = ssc.schedule_class_id
JOIN route r ON r.id = sc.route_id
WHERE r.tag = $1 AND sc.service_class = $2 AND sc.is_active`, routeTag, string(serviceClass))
	if err != nil {
		return nil, fmt.Errorf("querying stops for worker: %w", err)
	}
	defer rows.Close()

	return scanStopsPSQL(rows, routeTag)
}

func scanStopsPSQL(rows *sql.Rows, routeTag string) ([]model.Stop, error) {
	stops := []model.Stop{}
	for rows.Next() {
		var st model.Stop
		if err := rows.Scan(&st.ID, &st.RouteID, &st.Tag, &st.Title, &st.Latitude, &st.Longitude); err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		st.RouteTag = routeTag
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

func (s *PSQLStorage) RouteByTag(tag string) (*model.Route, error) {
	row := s.db.QueryRow(`SELECT id, tag, title FROM route WHERE tag = $1`, tag)
	var r model.Route
	if err := row.Scan(&r.ID, &r.Tag, &r.Title); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying route %s: %w", tag, err)
	}
	return &r, nil
}

func (s *PSQLStorage) StopsByRoute(routeID int64) ([]model.Stop, error) {
	var routeTag string
	err := s.db.QueryRow(`SELECT tag FROM route WHERE id = $1`, routeID).Scan(&routeTag)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("querying route %d: %w", routeID, err)
	}

	rows, err := s.db.Query(`SELECT id, route_id, tag, title, latitude, longitude FROM stop WHERE route_id = $1`, routeID)
	if err != nil {
		return nil, fmt.Errorf("querying stops for route %d: %w", routeID, err)
	}
	defer rows.Close()

	return scanStopsPSQL(rows, routeTag)
}

func (s *PSQLStorage) RecordArrival(stopID int64, scheduledArrivalID int64, observedUnixTime int64, difference int, dupThreshold int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
SELECT id, time FROM arrival
WHERE stop_id = $1 AND scheduled_arrival_id = $2
ORDER BY time DESC LIMIT 1`, stopID, scheduledArrivalID)

	var id, existingTime int64
	err = row.Scan(&id, &existingTime)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("querying existing arrival: %w", err)
	}

	if err == nil && existingTime >= observedUnixTime-int64(dupThreshold) {
		if _, err := tx.Exec(`UPDATE arrival SET time = $1, difference = $2 WHERE id = $3`, observedUnixTime, difference, id); err != nil {
			return fmt.Errorf("updating arrival: %w", err)
		}
		return tx.Commit()
	}

	_, err = tx.Exec(`
INSERT INTO arrival (stop_id, scheduled_arrival_id, time, difference)
VALUES ($1, $2, $3, $4)
ON CONFLICT (stop_id, scheduled_arrival_id, time) DO UPDATE SET difference = excluded.difference`,
		stopID, scheduledArrivalID, observedUnixTime, difference)
	if err != nil {
		return fmt.Errorf("inserting arrival: %w", err)
	}

	return tx.Commit()
}
