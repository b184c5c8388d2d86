package checkin

import (
	"math"

	"github.com/tendant/simple-checkin/pkg/domain"
)

const (
	earthRadiusMeters = 6371000.0

	// DefaultAccuracyThreshold is the widest GPS accuracy radius, in meters,
	// that is still trusted.
	DefaultAccuracyThreshold = 50.0
)

// HaversineDistance returns the great-circle distance in meters.
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// EvaluateGeofence judges a reported location against an event geofence.
// When the geofence does not require GPS the result is marked Bypassed and
// the caller asserts presence by other means. defaultThreshold applies when
// the geofence sets no accuracy threshold of its own.
func EvaluateGeofence(reported domain.Location, geofence domain.EventGeofence, defaultThreshold float64) domain.GeofenceResult {
	if !geofence.RequireGPS {
		return domain.GeofenceResult{Bypassed: true, WithinRadius: true, Confident: true}
	}

	threshold := geofence.AccuracyThreshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if threshold <= 0 {
		threshold = DefaultAccuracyThreshold
	}

	distance := HaversineDistance(geofence.Latitude, geofence.Longitude, reported.Latitude, reported.Longitude)
	return domain.GeofenceResult{
		DistanceMeters: distance,
		WithinRadius:   distance <= geofence.RadiusMeters,
		Confident:      reported.AccuracyMeters >= 0 && reported.AccuracyMeters <= threshold,
	}
}
