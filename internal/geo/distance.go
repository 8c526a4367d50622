package geo

import "math"

const (
	// EarthRadiusKm is Earth's mean radius in kilometres for the haversine calculation.
	EarthRadiusKm = 6371.0088
	// MetersPerKm converts kilometres to metres.
	MetersPerKm = 1000.0
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies inside the WGS84 ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// HaversineKm calculates the great-circle distance between two points in kilometres.
// Full precision is kept; rounding for display is left to the caller.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const degToRad = math.Pi / 180
	dLat := (lat2 - lat1) * degToRad
	dLng := (lng2 - lng1) * degToRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// DistanceKm is HaversineKm for two points.
func DistanceKm(a, b Point) float64 {
	return HaversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

// DistanceMeters is HaversineKm for two points, in metres.
func DistanceMeters(a, b Point) float64 {
	return DistanceKm(a, b) * MetersPerKm
}

// IsWithinRadiusKm checks if two points are within radiusKm of each other.
func IsWithinRadiusKm(a, b Point, radiusKm float64) bool {
	return DistanceKm(a, b) <= radiusKm
}

// RoundKm rounds a distance to two decimals for presentation.
func RoundKm(km float64) float64 {
	return math.Round(km*100) / 100
}
