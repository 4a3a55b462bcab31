package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pmaris/how-late-is-muni/model"
)

// SQLiteConfig configures the SQLite backend. It's a small local/dev
// alternative to PSQLStorage; schema and upsert semantics mirror it
// exactly (SQLite has supported UPSERT/ON CONFLICT since 3.24).
type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

type SQLiteStorage struct {
	SQLiteConfig

	db *sql.DB
}

func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	onDisk := false
	directory := "."
	if len(cfg) > 0 {
		onDisk = cfg[0].OnDisk
		directory = cfg[0].Directory
	}

	sourceName := ":memory:"
	if onDisk {
		sourceName = directory + "/how-late-is-muni.db"
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(schemaSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStorage{
		SQLiteConfig: SQLiteConfig{OnDisk: onDisk, Directory: directory},
		db:           db,
	}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS route (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tag TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stop (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    route_id INTEGER NOT NULL REFERENCES route(id),
    tag TEXT NOT NULL,
    title TEXT NOT NULL,
    latitude REAL,
    longitude REAL,
    UNIQUE (route_id, tag)
);

CREATE TABLE IF NOT EXISTS schedule_class (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    route_id INTEGER NOT NULL REFERENCES route(id),
    direction TEXT NOT NULL,
    service_class TEXT NOT NULL,
    name TEXT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS schedule_class_active_idx
    ON schedule_class (route_id, direction, service_class)
    WHERE is_active;

CREATE TABLE IF NOT EXISTS stop_schedule_class (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    stop_id INTEGER NOT NULL REFERENCES stop(id),
    schedule_class_id INTEGER NOT NULL REFERENCES schedule_class(id),
    stop_order INTEGER NOT NULL,
    UNIQUE (stop_id, schedule_class_id, stop_order)
);

CREATE TABLE IF NOT EXISTS scheduled_arrival (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    stop_schedule_class_id INTEGER NOT NULL REFERENCES stop_schedule_class(id),
    block_id INTEGER NOT NULL,
    time INTEGER NOT NULL CHECK (time >= 0 AND time < 86400),
    UNIQUE (stop_schedule_class_id, block_id, time)
);

CREATE TABLE IF NOT EXISTS arrival (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    stop_id INTEGER NOT NULL REFERENCES stop(id),
    scheduled_arrival_id INTEGER NOT NULL REFERENCES scheduled_arrival(id),
    time INTEGER NOT NULL,
    difference INTEGER NOT NULL,
    UNIQUE (stop_id, scheduled_arrival_id, time)
);
`

func (s *SQLiteStorage) BulkUpsertRoutes(routes []RouteRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
INSERT INTO route (tag, title) VALUES (?, ?)
ON CONFLICT (tag) DO UPDATE SET title = excluded.title`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range routes {
		if _, err := stmt.Exec(r.Tag, r.Title); err != nil {
			return fmt.Errorf("upserting route %s: %w", r.Tag, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStorage) BulkUpsertStops(stops []StopRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
INSERT INTO stop (route_id, tag, title, latitude, longitude)
SELECT id, ?, ?, ?, ? FROM route WHERE tag = ?
ON CONFLICT (route_id, tag) DO UPDATE SET
    title = excluded.title,
    latitude = excluded.latitude,
    longitude = excluded.longitude`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range stops {
		if _, err := stmt.Exec(r.Tag, r.Title, r.Latitude, r.Longitude, r.RouteTag); err != nil {
			return fmt.Errorf("upserting stop %s/%s: %w", r.RouteTag, r.Tag, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStorage) ActivateScheduleClass(routeID int64, direction model.Direction, serviceClass model.ServiceClass, name string) (*model.ScheduleClass, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	sc, err := activeScheduleClassTx(tx, routeID, direction, serviceClass)
	if err != nil {
		return nil, err
	}
	if sc != nil && sc.Name == name {
		return sc, tx.Commit()
	}

	res, err := tx.Exec(`
INSERT INTO schedule_class (route_id, direction, service_class, name, is_active)
VALUES (?, ?, ?, ?, 1)`, routeID, string(direction), string(serviceClass), name)
	if err != nil {
		return nil, fmt.Errorf("inserting schedule class: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting insert id: %w", err)
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

func activeScheduleClassTx(tx *sql.Tx, routeID int64, direction model.Direction, serviceClass model.ServiceClass) (*model.ScheduleClass, error) {
	row := tx.QueryRow(`
SELECT id, name FROM schedule_class
WHERE route_id = ? AND direction = ? AND service_class = ? AND is_active`,
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

func (s *SQLiteStorage) ActiveScheduleClass(routeID int64, direction model.Direction, serviceClass model.ServiceClass) (*model.ScheduleClass, error) {
	row := s.db.QueryRow(`
SELECT id, name FROM schedule_class
WHERE route_id = ? AND direction = ? AND service_class = ? AND is_active`,
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

func (s *SQLiteStorage) DeactivateScheduleClasses(routeID int64) error {
	_, err := s.db.Exec(`UPDATE schedule_class SET is_active = 0 WHERE route_id = ? AND is_active`, routeID)
	if err != nil {
		return fmt.Errorf("deactivating schedule classes for route %d: %w", routeID, err)
	}
	return nil
}

func (s *SQLiteStorage) DeactivateScheduleClass(scheduleClassID int64) error {
	_, err := s.db.Exec(`UPDATE schedule_class SET is_active = 0 WHERE id = ?`, scheduleClassID)
	if err != nil {
		return fmt.Errorf("deactivating schedule class %d: %w", scheduleClassID, err)
	}
	return nil
}

func (s *SQLiteStorage) BulkUpsertStopScheduleClasses(rows []StopScheduleClassRow) ([]model.StopScheduleClass, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
INSERT INTO stop_schedule_class (stop_id, schedule_class_id, stop_order)
VALUES (?, ?, ?)
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

func (s *SQLiteStorage) BulkUpsertScheduledArrivals(rows []ScheduledArrivalRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
INSERT INTO scheduled_arrival (stop_schedule_class_id, block_id, time)
VALUES (?, ?, ?)
ON CONFLICT (stop_schedule_class_id, block_id, time) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.StopScheduleClassID, r.BlockID, r.Time); err != nil {
			return fmt.Errorf("upserting scheduled_arrival: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStorage) LoadActiveRouteTags(serviceClass model.ServiceClass) ([]string, error) {
	rows, err := s.db.Query(`
SELECT DISTINCT r.tag
FROM route r
JOIN schedule_class sc ON sc.route_id = r.id
WHERE sc.service_class = ? AND sc.is_active`, string(serviceClass))
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

func (s *SQLiteStorage) LoadScheduledArrivals(routeTag string, serviceClass model.ServiceClass) (map[string]map[int][]model.ScheduledArrival, error) {
	rows, err := s.db.Query(`
SELECT st.tag, sa.block_id, sa.id, sa.stop_schedule_class_id, sa.time
FROM scheduled_arrival sa
JOIN stop_schedule_class ssc ON ssc.id = sa.stop_schedule_class_id
JOIN schedule_class sc ON sc.id = ssc.schedule_class_id
JOIN stop st ON st.id = ssc.stop_id
JOIN route r ON r.id = sc.route_id
WHERE r.tag = ? AND sc.service_class = ? AND sc.is_active`, routeTag, string(serviceClass))
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

func (s *SQLiteStorage) LoadStopsForWorker(routeTag string, serviceClass model.ServiceClass) ([]model.Stop, error) {
	rows, err := s.db.Query(`
SELECT DISTINCT st.id, st.route_id, st.tag, st.title, st.latitude, st.longitude
FROM stop st
JOIN stop_schedule_class ssc ON ssc.stop_id = st.id
JOIN schedule_class sc ON sc.id = ssc.schedule_class_id
JOIN route r ON r.id = sc.route_id
WHERE r.tag = ? AND sc.service_class = ? AND sc.is_active`, routeTag, string(serviceClass))
	if err != nil {
		return nil, fmt.Errorf("querying stops for worker: %w", err)
	}
	defer rows.Close()

	return scanStops(rows, routeTag)
}

func scanStops(rows *sql.Rows, routeTag string) ([]model.Stop, error) {
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

func (s *SQLiteStorage) RouteByTag(tag string) (*model.Route, error) {
	row := s.db.QueryRow(`SELECT id, tag, title FROM route WHERE tag = ?`, tag)
	var r model.Route
	if err := row.Scan(&r.ID, &r.Tag, &r.Title); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying route %s: %w", tag, err)
	}
	return &r, nil
}

func (s *SQLiteStorage) StopsByRoute(routeID int64) ([]model.Stop, error) {
	route := s.db.QueryRow(`SELECT tag FROM route WHERE id = ?`, routeID)
	var routeTag string
	if err := route.Scan(&routeTag); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("querying route %d: %w", routeID, err)
	}

	rows, err := s.db.Query(`SELECT id, route_id, tag, title, latitude, longitude FROM stop WHERE route_id = ?`, routeID)
	if err != nil {
		return nil, fmt.Errorf("querying stops for route %d: %w", routeID, err)
	}
	defer rows.Close()

	return scanStops(rows, routeTag)
}

func (s *SQLiteStorage) RecordArrival(stopID int64, scheduledArrivalID int64, observedUnixTime int64, difference int, dupThreshold int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
SELECT id, time FROM arrival
WHERE stop_id = ? AND scheduled_arrival_id = ?
ORDER BY time DESC LIMIT 1`, stopID, scheduledArrivalID)

	var id int64
	var existingTime int64
	err = row.Scan(&id, &existingTime)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("querying existing arrival: %w", err)
	}

	if err == nil && existingTime >= observedUnixTime-int64(dupThreshold) {
		_, err := tx.Exec(`UPDATE arrival SET time = ?, difference = ? WHERE id = ?`, observedUnixTime, difference, id)
		if err != nil {
			return fmt.Errorf("updating arrival: %w", err)
		}
		return tx.Commit()
	}

	_, err = tx.Exec(`
INSERT INTO arrival (stop_id, scheduled_arrival_id, time, difference)
VALUES (?, ?, ?, ?)
ON CONFLICT (stop_id, scheduled_arrival_id, time) DO UPDATE SET difference = excluded.difference`,
		stopID, scheduledArrivalID, observedUnixTime, difference)
	if err != nil {
		return fmt.Errorf("inserting arrival: %w", err)
	}

	return tx.Commit()
}
