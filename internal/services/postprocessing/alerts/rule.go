package alerts

import (
	"context"

	"camevents-worker-go/internal/models"
	"camevents-worker-go/internal/services/tracking"
)

// FrameContext is what a rule sees while one frame is applied. The camera
// state is exclusively owned by the caller for the duration of the frame.
type FrameContext struct {
	Ctx    context.Context
	Frame  *models.Frame
	State  *models.CameraState
	Zones  []models.Zone
	Width  float64
	Height float64
	Now    int64 // frame epoch, ms
}

// CameraID of the frame
func (fc *FrameContext) CameraID() string { return fc.State.CameraID }

// ZonesNamed returns the zones of one kind
func (fc *FrameContext) ZonesNamed(name string) []models.Zone {
	var out []models.Zone
	for _, z := range fc.Zones {
		if z.Name == name {
			out = append(out, z)
		}
	}
	return out
}

// Rule is any alert processor. It also implements at least one of
// ObjectRule, EvictionRule or FrameRule.
type Rule interface {
	Name() string
}

// ObjectRule evaluates one observed object
type ObjectRule interface {
	Rule
	Observe(fc *FrameContext, obs tracking.Observation) ([]models.AlertEvent, error)
}

// EvictionRule reacts to objects that left the scene
type EvictionRule interface {
	Rule
	Evicted(fc *FrameContext, obj *models.TrackedObject) []models.AlertEvent
}

// FrameRule evaluates the frame as a whole
type FrameRule interface {
	Rule
	EvaluateFrame(fc *FrameContext, update tracking.Update) ([]models.AlertEvent, error)
}

// objectAlert fills the fields every object-scoped alert carries
func objectAlert(fc *FrameContext, obj *models.TrackedObject, det models.DetectedObject, kind models.AlertKind) models.AlertEvent {
	coords := obj.BoundingBox
	return models.AlertEvent{
		CameraID:       fc.CameraID(),
		SubjectID:      obj.TrackingID,
		Kind:           kind,
		EpochObject:    det.EpochObject,
		EpochFrame:     fc.Now,
		TrackingID:     obj.TrackingID,
		ObjectID:       obj.ObjectID,
		ObjectCategory: obj.Category,
		VehicleType:    models.VehicleTypes[obj.Category],
		Coords:         &coords,
		FirstSeenEpoch: obj.FirstSeenEpoch,
	}
}
