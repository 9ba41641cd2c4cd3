package alerts

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"camevents-worker-go/internal/models"
	"camevents-worker-go/internal/services/postprocessing/suppressions"
	"camevents-worker-go/internal/services/tracking"
)

// AbandonedRule raises one alert when an object's stationary time crosses the
// abandonment threshold. It re-arms only after the object moves.
type AbandonedRule struct {
	threshold time.Duration
	dedup     *suppressions.Cache
}

func NewAbandonedRule(threshold time.Duration, dedup *suppressions.Cache) *AbandonedRule {
	return &AbandonedRule{threshold: threshold, dedup: dedup}
}

func (r *AbandonedRule) Name() string { return "abandoned" }

// thresholdMs honours the per-message override in hours
func (r *AbandonedRule) thresholdMs(frame *models.Frame) int64 {
	if frame != nil && frame.AbandonedHours != nil && *frame.AbandonedHours > 0 {
		return int64(*frame.AbandonedHours * float64(time.Hour/time.Millisecond))
	}
	return r.threshold.Milliseconds()
}

func (r *AbandonedRule) Observe(fc *FrameContext, obs tracking.Observation) ([]models.AlertEvent, error) {
	obj := obs.Object
	if obj.AlertSent || obj.AccumulatedStationaryMs < r.thresholdMs(fc.Frame) {
		return nil, nil
	}

	cameraID := fc.CameraID()
	if r.dedup.ShouldSuppress(cameraID, obj.TrackingID, models.AlertKindAbandoned, fc.Now, &obj.BoundingBox) {
		log.Debug().
			Str("camera_id", cameraID).
			Str("id_tracking", obj.TrackingID).
			Msg("Abandoned alert blocked by cooldown")
		return nil, nil
	}

	event := objectAlert(fc, obj, obs.Detection, models.AlertKindAbandoned)
	event.Category = models.CategoryInformative
	event.Type = models.TypeAbandoned
	event.TimeAbandoned = float64(obj.AccumulatedStationaryMs) / 1000
	event.AbandonedMins = event.TimeAbandoned / 60
	event.TotalTime = float64(fc.Now-obj.FirstSeenEpoch) / 1000
	event.Message = fmt.Sprintf("Vehiculo detectado como abandonado en cámara %s", cameraID)

	r.dedup.Record(cameraID, obj.TrackingID, models.AlertKindAbandoned, fc.Now, &obj.BoundingBox)
	obj.AlertSent = true
	obj.State = models.TrackStateAlerted

	return []models.AlertEvent{models.NewAlertEvent(event)}, nil
}
