package tracking

import (
	"fmt"
	"time"

	"camevents-worker-go/internal/helpers"
	"camevents-worker-go/internal/models"
)

// Observation is one detection applied to the store this frame
type Observation struct {
	Object    *models.TrackedObject // live record inside the camera state
	Detection models.DetectedObject
	Match     Match
	// PreviousID is the id the record was stored under before a re-identification
	PreviousID string
	// Moved is set when the object left its previous position this frame
	Moved bool
}

// ObjectError is a detection that could not be applied
type ObjectError struct {
	Detection models.DetectedObject
	Err       error
}

// Update is the outcome of applying one frame
type Update struct {
	Observations []Observation
	Evicted      []*models.TrackedObject
	Errors       []ObjectError
}

// Tracker applies frames to a camera state
type Tracker struct {
	params          Params
	missedThreshold int
	staleTTLMs      int64
	categories      map[string]bool
}

// NewTracker creates a tracker. An empty categories list tracks everything.
func NewTracker(params Params, missedThreshold int, staleTTL time.Duration, categories []string) *Tracker {
	t := &Tracker{
		params:          params,
		missedThreshold: missedThreshold,
		staleTTLMs:      staleTTL.Milliseconds(),
	}
	if len(categories) > 0 {
		t.categories = make(map[string]bool, len(categories))
		for _, c := range categories {
			t.categories[c] = true
		}
	}
	return t
}

// Tracks reports whether a category is tracked
func (t *Tracker) Tracks(category string) bool {
	return t.categories == nil || t.categories[category]
}

// Apply matches every detection of the frame against the state, updates dwell
// accounting and evicts objects missing for too long. now is the frame epoch
// in milliseconds. A failing detection is reported in Update.Errors and does
// not affect the others.
func (t *Tracker) Apply(state *models.CameraState, detections []models.DetectedObject, now int64) Update {
	var update Update

	accepted := make([]models.DetectedObject, 0, len(detections))
	seen := make(map[string]bool, len(detections))
	reserved := make(map[string]bool, len(detections))
	for _, det := range detections {
		if !t.Tracks(det.Category) {
			continue
		}
		if err := validate(det); err != nil {
			update.Errors = append(update.Errors, ObjectError{Detection: det, Err: err})
			continue
		}
		id := string(det.TrackingID)
		if seen[id] {
			update.Errors = append(update.Errors, ObjectError{Detection: det, Err: fmt.Errorf("duplicate tracking id %s in frame", id)})
			continue
		}
		seen[id] = true
		if _, ok := state.Objects[id]; ok {
			reserved[id] = true
		}
		accepted = append(accepted, det)
	}

	matched := make(map[string]bool, len(accepted))
	for _, det := range accepted {
		obs, err := t.applyOne(state, det, reserved, now)
		if err != nil {
			update.Errors = append(update.Errors, ObjectError{Detection: det, Err: err})
			continue
		}
		matched[obs.Object.TrackingID] = true
		reserved[obs.Object.TrackingID] = true
		update.Observations = append(update.Observations, obs)
	}

	for _, id := range sortedIDs(state.Objects) {
		if matched[id] {
			continue
		}
		obj := state.Objects[id]
		obj.MissedFrameCount++
		stale := t.staleTTLMs > 0 && now-obj.LastSeenEpoch > t.staleTTLMs
		if obj.MissedFrameCount > t.missedThreshold || stale {
			delete(state.Objects, id)
			update.Evicted = append(update.Evicted, obj)
		}
	}

	return update
}

func (t *Tracker) applyOne(state *models.CameraState, det models.DetectedObject, reserved map[string]bool, now int64) (obs Observation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic applying detection %s: %v", det.TrackingID, r)
		}
	}()

	id := string(det.TrackingID)
	centroid := helpers.Centroid(det.Coords)
	match := Reidentify(state.Objects, det, reserved, t.params)

	if match.Kind == MatchNew {
		obj := &models.TrackedObject{
			CameraID:       state.CameraID,
			TrackingID:     id,
			ObjectID:       string(det.ObjectID),
			Centroid:       centroid,
			BoundingBox:    det.Coords,
			Category:       det.Category,
			FirstSeenEpoch: now,
			LastSeenEpoch:  now,
			State:          models.TrackStateNew,
		}
		state.Objects[id] = obj
		return Observation{Object: obj, Detection: det, Match: match}, nil
	}

	obj := state.Objects[match.ExistingID]
	if match.Kind == MatchReidentified {
		delete(state.Objects, match.ExistingID)
		obj.TrackingID = id
		state.Objects[id] = obj
	}

	moved := helpers.Distance(obj.Centroid, centroid) > t.params.DistanceThreshold
	if moved {
		// first_seen_epoch is kept; only the dwell accumulator restarts
		obj.AccumulatedStationaryMs = 0
		obj.AlertSent = false
		obj.State = models.TrackStateMoved
	} else {
		if elapsed := now - obj.LastSeenEpoch; elapsed > 0 {
			obj.AccumulatedStationaryMs += elapsed
		}
		if !obj.AlertSent {
			obj.State = models.TrackStateStationary
		}
	}

	obj.Centroid = centroid
	obj.BoundingBox = det.Coords
	obj.LastSeenEpoch = now
	obj.MissedFrameCount = 0
	if det.ObjectID != "" {
		obj.ObjectID = string(det.ObjectID)
	}

	obs = Observation{Object: obj, Detection: det, Match: match, Moved: moved}
	if match.Kind == MatchReidentified {
		obs.PreviousID = match.ExistingID
	}
	return obs, nil
}

func validate(det models.DetectedObject) error {
	if det.TrackingID == "" {
		return fmt.Errorf("detection without id_tracking")
	}
	if det.Coords.Width() <= 0 || det.Coords.Height() <= 0 {
		return fmt.Errorf("invalid coords %v for %s", det.Coords, det.TrackingID)
	}
	return nil
}
