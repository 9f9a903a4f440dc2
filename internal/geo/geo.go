package geo

import (
	"math"

	"github.com/example/home-services-matching/internal/models"
)

const EarthRadiusMiles = 3959.0

// HaversineMiles returns the great-circle distance in miles between two
// points given in degrees.
func HaversineMiles(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMiles * c
}

// DistanceMiles is nil when either side has no coordinates.
func DistanceMiles(a, b *models.Coord) *float64 {
	if a == nil || b == nil {
		return nil
	}
	d := HaversineMiles(a.Lat, a.Lon, b.Lat, b.Lon)
	return &d
}
