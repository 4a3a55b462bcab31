// Package upstream is a thin HTTP/JSON client for the transit
// provider's prediction API. It does exactly one round trip per call
// and performs no retries; callers own retry cadence (SPEC_FULL.md
// §4.1).
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pmaris/how-late-is-muni/internal/log"
	"github.com/pmaris/how-late-is-muni/model"
)

// Config holds everything needed to talk to one agency's feed.
type Config struct {
	AgencyTag   string
	BaseURL     string
	HTTPTimeout int // seconds
}

// Client fetches routes, schedules and predictions for a single
// agency.
type Client struct {
	agency string
	base   string
	http   *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		agency: cfg.AgencyTag,
		base:   cfg.BaseURL,
		http:   &http.Client{Timeout: timeoutOrDefault(cfg.HTTPTimeout)},
	}
}

func timeoutOrDefault(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = 15
	}
	return time.Duration(seconds) * time.Second
}

// RouteSummary is one entry of ListRoutes.
type RouteSummary struct {
	Tag   string
	Title string
}

// ListRoutes fetches the agency's full route list.
func (c *Client) ListRoutes(ctx context.Context) ([]RouteSummary, error) {
	var parsed rawRouteListResponse
	if err := c.get(ctx, "routeList", url.Values{}, &parsed); err != nil {
		return nil, fmt.Errorf("fetching route list: %w", err)
	}

	routes := make([]RouteSummary, 0, len(parsed.Route.Items))
	for _, r := range parsed.Route.Items {
		routes = append(routes, RouteSummary{Tag: r.Tag, Title: r.Title})
	}
	return routes, nil
}

// ConfigStop is one stop returned by RouteConfig.
type ConfigStop struct {
	Tag       string
	Latitude  *float64
	Longitude *float64
}

// RouteConfig fetches the stop list and coordinates for one route.
func (c *Client) RouteConfig(ctx context.Context, routeTag string) ([]ConfigStop, error) {
	var parsed rawRouteConfigResponse
	params := url.Values{"r": {routeTag}}
	if err := c.get(ctx, "routeConfig", params, &parsed); err != nil {
		return nil, fmt.Errorf("fetching route config for %s: %w", routeTag, err)
	}

	stops := make([]ConfigStop, 0, len(parsed.Route.Stop.Items))
	for _, s := range parsed.Route.Stop.Items {
		cs := ConfigStop{Tag: s.Tag}
		if lat, err := strconv.ParseFloat(s.Lat, 64); err == nil {
			cs.Latitude = &lat
		} else if s.Lat != "" {
			log.Warnf("upstream", "route %s stop %s: malformed latitude %q", routeTag, s.Tag, s.Lat)
		}
		if lon, err := strconv.ParseFloat(s.Lon, 64); err == nil {
			cs.Longitude = &lon
		} else if s.Lon != "" {
			log.Warnf("upstream", "route %s stop %s: malformed longitude %q", routeTag, s.Tag, s.Lon)
		}
		stops = append(stops, cs)
	}
	return stops, nil
}

// ScheduleTripStop is one stop visited by a scheduled trip.
type ScheduleTripStop struct {
	Tag     string
	EpochMS int64
}

// ScheduleTrip is one scheduled run of a block along a route.
type ScheduleTrip struct {
	BlockID int
	Stops   []ScheduleTripStop
}

// Schedule is one (direction, service_class) schedule version for a
// route.
type Schedule struct {
	Tag               string
	Title             string
	Direction         model.Direction
	ServiceClass      model.ServiceClass
	ScheduleClassName string
	HeaderStops       []string
	Trips             []ScheduleTrip
}

// Schedule fetches every published (direction, service_class)
// schedule for a route. Returns an empty slice, not an error, when
// the provider omits the "route" key entirely.
func (c *Client) Schedule(ctx context.Context, routeTag string) ([]Schedule, error) {
	var parsed rawScheduleResponse
	params := url.Values{"r": {routeTag}}
	if err := c.get(ctx, "schedule", params, &parsed); err != nil {
		return nil, fmt.Errorf("fetching schedule for %s: %w", routeTag, err)
	}

	schedules := make([]Schedule, 0, len(parsed.Route.Items))
	for _, raw := range parsed.Route.Items {
		direction, err := model.ParseDirection(raw.Direction)
		if err != nil {
			log.Warnf("upstream", "route %s: %v, skipping schedule entry", routeTag, err)
			continue
		}
		serviceClass, err := model.ParseServiceClass(raw.ServiceClass)
		if err != nil {
			log.Warnf("upstream", "route %s: %v, skipping schedule entry", routeTag, err)
			continue
		}

		sched := Schedule{
			Tag:               raw.Tag,
			Title:             raw.Title,
			Direction:         direction,
			ServiceClass:      serviceClass,
			ScheduleClassName: raw.ScheduleClassName,
		}
		for _, hs := range raw.Header.Stop.Items {
			sched.HeaderStops = append(sched.HeaderStops, hs.Tag)
		}

		for _, t := range raw.Trips.Items {
			blockID, err := strconv.Atoi(t.BlockID)
			if err != nil {
				log.Warnf("upstream", "route %s: non-integer block id %q, dropping trip", routeTag, t.BlockID)
				continue
			}
			trip := ScheduleTrip{BlockID: blockID}
			for _, ts := range t.Stops.Items {
				epochMS, err := strconv.ParseInt(ts.EpochTime, 10, 64)
				if err != nil {
					log.Warnf("upstream", "route %s block %d: malformed epochTime %q, dropping trip-stop", routeTag, blockID, ts.EpochTime)
					continue
				}
				trip.Stops = append(trip.Stops, ScheduleTripStop{Tag: ts.Tag, EpochMS: epochMS})
			}
			sched.Trips = append(sched.Trips, trip)
		}
		schedules = append(schedules, sched)
	}
	return schedules, nil
}

// Snapshot is one retrieval of predictions for every requested stop
// on a route: stop_tag -> block_id -> trip_tag -> seconds_until.
type Snapshot map[string]map[int]map[string]int

// Predictions fetches one snapshot of predictions for the given
// stops on a route.
func (c *Client) Predictions(ctx context.Context, routeTag string, stopTags []string) (Snapshot, error) {
	params := url.Values{}
	for _, tag := range stopTags {
		params.Add("stops", routeTag+"|"+tag)
	}

	var parsed rawPredictionsResponse
	if err := c.get(ctx, "predictionsForMultiStops", params, &parsed); err != nil {
		return nil, fmt.Errorf("fetching predictions for %s: %w", routeTag, err)
	}

	snapshot := Snapshot{}
	for _, stopPred := range parsed.Predictions.Items {
		blocks := snapshot[stopPred.StopTag]
		if blocks == nil {
			blocks = map[int]map[string]int{}
			snapshot[stopPred.StopTag] = blocks
		}
		for _, dir := range stopPred.Direction.Items {
			for _, p := range dir.Prediction.Items {
				blockID, err := strconv.Atoi(p.Block)
				if err != nil {
					log.Warnf("upstream", "stop %s: non-integer block id %q, dropping prediction", stopPred.StopTag, p.Block)
					continue
				}
				seconds, err := strconv.Atoi(p.Seconds)
				if err != nil {
					log.Warnf("upstream", "stop %s block %d: malformed seconds %q, dropping prediction", stopPred.StopTag, blockID, p.Seconds)
					continue
				}
				trips := blocks[blockID]
				if trips == nil {
					trips = map[string]int{}
					blocks[blockID] = trips
				}
				trips[p.TripTag] = seconds
			}
		}
	}
	return snapshot, nil
}

func (c *Client) get(ctx context.Context, command string, params url.Values, out interface{}) error {
	params.Set("command", command)
	params.Set("a", c.agency)

	reqURL := c.base + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", command, resp.StatusCode, body)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
