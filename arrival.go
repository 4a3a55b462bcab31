package muni

import (
	"github.com/pmaris/how-late-is-muni/model"
	"github.com/pmaris/how-late-is-muni/upstream"
)

// ArrivalThreshold is the soonest-predicted-seconds cutoff under
// which a vanished block is credited as an arrival rather than a
// rerouted/dropped prediction. A design constant, not configuration.
const ArrivalThreshold = 500

// InferArrivals compares two consecutive prediction snapshots and
// returns, for each stop, the block ids whose vehicles plausibly
// arrived between the two snapshots. A block id may appear more than
// once for a stop (once per dropped trip tag); downstream dedup
// happens at the Arrival row level.
func InferArrivals(previous upstream.Snapshot, previousT int64, current upstream.Snapshot, currentT int64) map[string][]int {
	delta := int(currentT - previousT)
	arrivals := map[string][]int{}

	for stopTag, blocks := range previous {
		currentBlocks, ok := current[stopTag]
		if !ok {
			continue // data hole, not an arrival
		}

		for blockID, trips := range blocks {
			currentTrips, ok := currentBlocks[blockID]
			if !ok {
				e := soonestSeconds(trips)
				if e < ArrivalThreshold || e < delta {
					arrivals[stopTag] = append(arrivals[stopTag], blockID)
				}
				continue
			}

			for tripTag, s := range trips {
				if _, stillThere := currentTrips[tripTag]; stillThere {
					continue
				}
				if s < ArrivalThreshold || delta > s {
					arrivals[stopTag] = append(arrivals[stopTag], blockID)
				}
			}
		}
	}

	return arrivals
}

func soonestSeconds(trips map[string]int) int {
	soonest := 0
	first := true
	for _, seconds := range trips {
		if first || seconds < soonest {
			soonest = seconds
			first = false
		}
	}
	return soonest
}

// MatchScheduledArrival finds the ScheduledArrival closest to an
// observed arrival time a (seconds since service-day midnight). ok is
// false when there is no candidate, or the single-candidate guard
// rejects the only one.
func MatchScheduledArrival(a int, candidates []model.ScheduledArrival, singleScheduledArrivalThreshold int) (model.ScheduledArrival, bool) {
	if len(candidates) == 0 {
		return model.ScheduledArrival{}, false
	}

	if len(candidates) == 1 {
		if absInt(a-candidates[0].Time) <= singleScheduledArrivalThreshold {
			return candidates[0], true
		}
		return model.ScheduledArrival{}, false
	}

	best := candidates[0]
	bestDistance := wrapDistance(a, best.Time)
	for _, c := range candidates[1:] {
		d := wrapDistance(a, c.Time)
		if d < bestDistance {
			bestDistance = d
			best = c
		}
	}
	return best, true
}

// wrapDistance is the distance between an observed time and a
// scheduled time, accounting for wraparound at the midnight boundary
// on either side.
func wrapDistance(a, s int) int {
	return minInt(
		absInt(a-s),
		absInt(a-s-model.SecondsPerDay),
		absInt(a-(s-model.SecondsPerDay)),
	)
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
