package geo

import (
	"math"

	"github.com/example/ride-realtime/internal/models"
)

const earthRadiusMeters = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Within reports whether p lies inside radius meters of center. A
// non-positive radius means unbounded; a missing position is only accepted
// when unbounded.
func Within(center models.Coord, p *models.Coord, radius float64) bool {
	if radius <= 0 {
		return true
	}
	if p == nil {
		return false
	}
	return Distance(center, *p) <= radius
}
