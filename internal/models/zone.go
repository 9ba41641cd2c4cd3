package models

// Zone kinds
const (
	ZoneRestricted = "restricted"
	ZoneParking    = "parking"
)

// Zone is a typed region of interest for one camera
type Zone struct {
	CameraID string `json:"camera_id" yaml:"camera_id"`
	// ID is the key the zone was declared under (reported as id_zona)
	ID string `json:"id" yaml:"id"`
	// Name is the zone kind, "restricted" or "parking"
	Name     string    `json:"name" yaml:"name"`
	Polygons [][]Point `json:"polygons" yaml:"polygons"`
	// Relative polygons are expressed in 0..1 and scaled by the frame shape
	Relative              bool  `json:"relative,omitempty" yaml:"relative"`
	PermanenceThresholdMs int64 `json:"permanence_threshold_ms,omitempty" yaml:"permanence_threshold_ms"`
}

// Scaled returns the polygons in pixel space for the given image size
func (z Zone) Scaled(width, height float64) [][]Point {
	if !z.Relative {
		return z.Polygons
	}
	out := make([][]Point, len(z.Polygons))
	for i, poly := range z.Polygons {
		scaled := make([]Point, len(poly))
		for j, p := range poly {
			scaled[j] = Point{X: p.X * width, Y: p.Y * height}
		}
		out[i] = scaled
	}
	return out
}

// PresenceKey is the key used in TrackedObject.Zones
func (z Zone) PresenceKey() string {
	return z.Name + ":" + z.ID
}
