package domain

// EventGeofence is the registered location of an event.
// AccuracyThreshold of zero means the service default applies.
type EventGeofence struct {
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`
	RadiusMeters      float64 `json:"radius_meters"`
	RequireGPS        bool    `json:"require_gps"`
	AccuracyThreshold float64 `json:"accuracy_threshold,omitempty"`
}

// Location is a position reported by the scanning device.
type Location struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracy_meters"`
}

// GeofenceResult is the proximity judgement for a reported location.
type GeofenceResult struct {
	DistanceMeters float64
	WithinRadius   bool
	Confident      bool
	Bypassed       bool
}
