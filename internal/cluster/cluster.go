// Package cluster groups repeated detections of the same physical defect and ranks
// the resulting work items.
//
// Clustering is greedy and seeded: each unassigned event, taken in input order, opens a
// cluster and absorbs every later unassigned event within the radius of that seed. The
// radius is never measured from other members, so membership is not transitive. Two
// events farther apart than the radius can share a cluster when both are near the seed,
// and a chain of events spaced just under the radius is split into several clusters.
// This matches the historical output of the service; switching to connected-component
// linkage would change cluster counts and scores.
package cluster

import (
	"math"
	"sort"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"road-service/internal/models"
	"road-service/internal/scoring"
)

// DefaultRadiusMeters is the seed radius used when none is configured.
const DefaultRadiusMeters = 50.0

const earthRadiusMeters = 6371000

var clusterNamespace = uuid.MustParse("d2b7a4c1-0f63-4e8e-bb0c-5a9e61f0c2d7")

// Engine clusters event snapshots.
type Engine struct {
	radius float64
}

// NewEngine creates an Engine. A non-positive radius selects DefaultRadiusMeters.
func NewEngine(radiusMeters float64) *Engine {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	return &Engine{radius: radiusMeters}
}

// Radius returns the seed radius in meters.
func (c *Engine) Radius() float64 {
	return c.radius
}

// Cluster groups events with the engine radius. See Cluster.
func (c *Engine) Cluster(events []models.DetectionEvent) []models.DefectCluster {
	return Cluster(events, c.radius)
}

// Cluster groups events in input order. The slice must not be modified while
// clustering runs; members point into it.
func Cluster(events []models.DetectionEvent, radiusMeters float64) []models.DefectCluster {
	assigned := make([]bool, len(events))
	var clusters []models.DefectCluster

	for i := range events {
		if assigned[i] {
			continue
		}
		assigned[i] = true
		seed := &events[i]
		members := []*models.DetectionEvent{seed}

		for j := i + 1; j < len(events); j++ {
			if assigned[j] {
				continue
			}
			if HaversineDistance(seed.Latitude, seed.Longitude, events[j].Latitude, events[j].Longitude) <= radiusMeters {
				assigned[j] = true
				members = append(members, &events[j])
			}
		}

		clusters = append(clusters, summarize(seed.ID, members))
	}

	return clusters
}

func summarize(seedID string, members []*models.DetectionEvent) models.DefectCluster {
	sort.SliceStable(members, func(a, b int) bool {
		return members[a].Timestamp.Before(members[b].Timestamp)
	})

	n := len(members)
	lats := make([]float64, n)
	lons := make([]float64, n)
	severities := make([]float64, n)
	ids := make([]string, n)
	for i, m := range members {
		lats[i] = m.Latitude
		lons[i] = m.Longitude
		severities[i] = m.SeverityIndex
		ids[i] = m.ID
	}

	avg := stat.Mean(severities, nil)
	return models.DefectCluster{
		ID:                uuid.NewSHA1(clusterNamespace, []byte(seedID)).String(),
		CentroidLatitude:  stat.Mean(lats, nil),
		CentroidLongitude: stat.Mean(lons, nil),
		MemberIDs:         ids,
		AvgSeverity:       avg,
		MaxSeverity:       floats.Max(severities),
		DetectionCount:    n,
		DominantType:      dominantType(members),
		FirstSeen:         members[0].Timestamp,
		LastSeen:          members[n-1].Timestamp,
		PriorityScore:     scoring.ClusterPriority(avg, n),
		Members:           members,
	}
}

// dominantType is the most frequent type; ties go to the type seen first in member order.
func dominantType(members []*models.DetectionEvent) models.CoarseType {
	counts := make(map[models.CoarseType]int)
	var order []models.CoarseType
	for _, m := range members {
		if counts[m.CoarseType] == 0 {
			order = append(order, m.CoarseType)
		}
		counts[m.CoarseType]++
	}

	best := order[0]
	for _, t := range order[1:] {
		if counts[t] > counts[best] {
			best = t
		}
	}
	return best
}

// Worklist orders clusters for maintenance: highest priority first, then oldest, then id.
// The input slice is not modified.
func Worklist(clusters []models.DefectCluster) []models.DefectCluster {
	out := make([]models.DefectCluster, len(clusters))
	copy(out, clusters)
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].PriorityScore != out[b].PriorityScore {
			return out[a].PriorityScore > out[b].PriorityScore
		}
		if !out[a].FirstSeen.Equal(out[b].FirstSeen) {
			return out[a].FirstSeen.Before(out[b].FirstSeen)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// ClusterOf maps every member event id to its cluster.
func ClusterOf(clusters []models.DefectCluster) map[string]*models.DefectCluster {
	index := make(map[string]*models.DefectCluster)
	for i := range clusters {
		for _, id := range clusters[i].MemberIDs {
			index[id] = &clusters[i]
		}
	}
	return index
}

// HaversineDistance returns the great-circle distance in meters.
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}
