package geo

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"

	"github.com/orbit-so/go-orbit/service/persist"
	"github.com/orbit-so/go-orbit/service/redis"
	"github.com/orbit-so/go-orbit/util"
)

// Resolution 8 hexagons have an average edge length of about 461 meters,
// which keeps cell sets small at pedestrian densities while still bounding
// the disk scan for the largest allowed circle.
const cellResolution = 8

// Minimal width of a res-8 hexagon (edge * sqrt(3)). Each grid-disk ring
// extends coverage by at least this much.
const cellMinWidthMeters = 798.0

// CircleReader resolves effective circles with their owners' current centers.
type CircleReader interface {
	FindEffectiveWithPosition(ctx context.Context, ownerIDs []persist.DBID, at time.Time) ([]persist.CircleWithPosition, error)
}

// Candidate is an effective circle whose owner's center is within the
// circle's radius of the queried position.
type Candidate struct {
	persist.CircleWithPosition
	DistanceMeters float64
}

// Index answers "which circles contain this position" using redis cell sets
// as the coarse filter and exact haversine containment as the fine filter.
type Index struct {
	cells       *redis.Cache
	circles     CircleReader
	maxRadius   float64
	searchLimit int
	diskSize    int
}

// NewIndex creates a geo index. maxRadiusMeters bounds how far away an owner
// can be while her circle still contains the queried point, which fixes the
// grid-disk size up front.
func NewIndex(cells *redis.Cache, circles CircleReader, maxRadiusMeters float64, searchLimit int) *Index {
	return &Index{
		cells:       cells,
		circles:     circles,
		maxRadius:   maxRadiusMeters,
		searchLimit: searchLimit,
		diskSize:    int(math.Ceil(maxRadiusMeters/cellMinWidthMeters)) + 1,
	}
}

// CellID returns the index cell for a position
func CellID(lat, lon float64) string {
	return h3.LatLngToCell(h3.NewLatLng(lat, lon), cellResolution).String()
}

// QueryNearby returns the effective circles containing the given position,
// closest owner first, excluding circles owned by the querying user. The
// result is capped at the configured search limit.
func (i *Index) QueryNearby(ctx context.Context, userID persist.DBID, lat, lon float64) ([]Candidate, error) {
	origin := h3.LatLngToCell(h3.NewLatLng(lat, lon), cellResolution)

	ownerIDs := make([]persist.DBID, 0, 16)
	for _, cell := range h3.GridDisk(origin, i.diskSize) {
		members, err := i.cells.SMembers(ctx, cell.String())
		if err != nil {
			return nil, err
		}
		for _, member := range members {
			if id := persist.DBID(member); id != userID {
				ownerIDs = append(ownerIDs, id)
			}
		}
	}

	ownerIDs = util.Dedupe(ownerIDs, false)
	if len(ownerIDs) == 0 {
		return nil, nil
	}

	circles, err := i.circles.FindEffectiveWithPosition(ctx, ownerIDs, time.Now())
	if err != nil {
		return nil, err
	}

	return i.filterNearby(PointFromLatLon(lat, lon), circles), nil
}

// filterNearby applies exact containment to the coarse candidate set
func (i *Index) filterNearby(origin orb.Point, circles []persist.CircleWithPosition) []Candidate {
	candidates := make([]Candidate, 0, len(circles))
	for _, c := range circles {
		radius := c.RadiusMeters
		if radius > i.maxRadius {
			radius = i.maxRadius
		}
		dist := Distance(origin, PointFromLatLon(c.Lat, c.Lon))
		if dist <= radius {
			candidates = append(candidates, Candidate{CircleWithPosition: c, DistanceMeters: dist})
		}
	}

	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].DistanceMeters < candidates[b].DistanceMeters
	})

	if len(candidates) > i.searchLimit {
		candidates = candidates[:i.searchLimit]
	}
	return candidates
}
