package geo

import "math"

const (
	earthRadiusKm = 6371.0
	// Light in fibre covers roughly 200 km per millisecond.
	fibreKmPerMs = 200.0
)

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Latitude  float64
	Longitude float64
}

// DistanceKm is the great-circle distance between a and b.
func DistanceKm(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// PredictedMinRTTMs is the round trip lower bound over distanceKm of fibre.
func PredictedMinRTTMs(distanceKm float64) float64 {
	return 2 * distanceKm / fibreKmPerMs
}
