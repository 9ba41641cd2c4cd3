package models

// TrackState is the lifecycle position of a TrackedObject
type TrackState string

const (
	TrackStateNew        TrackState = "NEW"
	TrackStateStationary TrackState = "STATIONARY"
	TrackStateAlerted    TrackState = "ALERTED"
	TrackStateMoved      TrackState = "MOVED"
)

// ZonePresence tracks an object's stay inside one zone
type ZonePresence struct {
	EnteredEpoch   int64 `json:"entered_epoch"`
	TimerEpoch     int64 `json:"timer_epoch"` // re-armed after each permanence alert
	LimitAlertSent bool  `json:"limit_alert_sent,omitempty"`

	// box at entry, parking releases the space once the object leaves it
	EntryBox *BoundingBox `json:"entry_box,omitempty"`
}

// TrackedObject is the durable per-object state kept for one camera
type TrackedObject struct {
	CameraID                string                   `json:"camera_id"`
	TrackingID              string                   `json:"tracking_id"`
	ObjectID                string                   `json:"object_id,omitempty"`
	Centroid                Point                    `json:"centroid"`
	BoundingBox             BoundingBox              `json:"bounding_box"`
	Category                string                   `json:"category"`
	FirstSeenEpoch          int64                    `json:"first_seen_epoch"`
	LastSeenEpoch           int64                    `json:"last_seen_epoch"`
	AccumulatedStationaryMs int64                    `json:"accumulated_stationary_ms"`
	MissedFrameCount        int                      `json:"missed_frame_count"`
	AlertSent               bool                     `json:"alert_sent"`
	State                   TrackState               `json:"state"`
	Zones                   map[string]*ZonePresence `json:"zones,omitempty"`
}

// Clone returns a deep copy
func (t *TrackedObject) Clone() *TrackedObject {
	c := *t
	if t.Zones != nil {
		c.Zones = make(map[string]*ZonePresence, len(t.Zones))
		for k, v := range t.Zones {
			p := *v
			if v.EntryBox != nil {
				b := *v.EntryBox
				p.EntryBox = &b
			}
			c.Zones[k] = &p
		}
	}
	return &c
}

// CongestionState is the per-camera congestion detector state
type CongestionState struct {
	LapseIndex   int64 `json:"lapse_index"` // epoch ms / lapse length
	LapseSum     int   `json:"lapse_sum"`   // vehicles summed over the lapse frames
	LapseFrames  int   `json:"lapse_frames"`
	Consecutive  int   `json:"consecutive"`
	AlertActive  bool  `json:"alert_active"`
	AlertedEpoch int64 `json:"alerted_epoch,omitempty"`
}

// CameraState is everything persisted for one camera
type CameraState struct {
	CameraID          string                    `json:"camera_id"`
	LastEpoch         int64                     `json:"last_epoch"`
	FirstEpoch        int64                     `json:"first_epoch"`
	LastSnapshotEpoch int64                     `json:"last_snapshot_epoch"`
	Objects           map[string]*TrackedObject `json:"objects"`
	Congestion        *CongestionState          `json:"congestion,omitempty"`
}

// NewCameraState returns an empty state for the camera
func NewCameraState(cameraID string) *CameraState {
	return &CameraState{
		CameraID: cameraID,
		Objects:  make(map[string]*TrackedObject),
	}
}
