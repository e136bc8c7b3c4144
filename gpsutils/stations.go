package gpsutils

import (
	"math"

	geo "github.com/kellydunn/golang-geo"

	"github.com/kroegman/neartrip/config"
)

// DistanceMeters returns the great-circle distance between two points in
// meters.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := geo.NewPoint(lat1, lon1)
	p2 := geo.NewPoint(lat2, lon2)
	return p1.GreatCircleDistance(p2) * 1000
}

// FindClosestStation returns the active station nearest to (lat, lon) and
// its distance in meters. Inactive stations and stations without finite
// coordinates are invisible. Ties go to the first station in list order. The
// second return is false when no station qualifies or the input position is
// not finite.
func FindClosestStation(lat, lon float64, stations []*config.StationConfig) (*config.StationConfig, float64, bool) {
	if !finite(lat) || !finite(lon) {
		return nil, 0, false
	}
	var closest *config.StationConfig
	var closestDist float64
	for _, station := range stations {
		if !station.IsActive() || !finite(station.Latitude) || !finite(station.Longitude) {
			continue
		}
		dist := DistanceMeters(lat, lon, station.Latitude, station.Longitude)
		if closest == nil || dist < closestDist {
			closest = station
			closestDist = dist
		}
	}
	if closest == nil {
		return nil, 0, false
	}
	return closest, closestDist, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
