package geo

import (
	"math"

	"github.com/paulmach/orb"
)

const earthRadiusMeters = 6371000

// PointFromLatLon builds an orb.Point, which stores lon first.
func PointFromLatLon(lat, lon float64) orb.Point {
	return orb.Point{lon, lat}
}

// Distance calculates the Haversine distance between two points in meters.
func Distance(p1, p2 orb.Point) float64 {
	lat1 := p1.Lat() * (math.Pi / 180.0)
	lat2 := p2.Lat() * (math.Pi / 180.0)
	dLat := (p2.Lat() - p1.Lat()) * (math.Pi / 180.0)
	dLon := (p2.Lon() - p1.Lon()) * (math.Pi / 180.0)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1)*math.Cos(lat2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}
