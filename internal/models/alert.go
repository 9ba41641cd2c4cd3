package models

import (
	"fmt"

	"github.com/google/uuid"
)

// AlertKind identifies which state machine transition produced an alert
type AlertKind string

const (
	AlertKindEntry       AlertKind = "entry"
	AlertKindPermanence  AlertKind = "permanence"
	AlertKindAbandoned   AlertKind = "abandoned"
	AlertKindStolenMatch AlertKind = "stolen-match"
	AlertKindOccupancy   AlertKind = "occupancy"
	AlertKindLeft        AlertKind = "left"
	AlertKindCongestion  AlertKind = "congestion"
)

// Alert classification codes understood by downstream consumers
const (
	CategoryInformative = 1
	CategoryWarning     = 2
	CategoryCongestion  = 5

	TypeRestrictedZone = 1
	TypeParking        = 2
	TypeAbandoned      = 4
	TypeWatchlist      = 6

	TypeCongestionEnded  = 1
	TypeCongestionActive = 2

	SubTypeEntry      = 1
	SubTypePermanence = 2

	SubTypeParkingNew   = 1
	SubTypeParkingLimit = 2
	SubTypeParkingLeft  = 3

	SubTypeCongestionStart = 1
	SubTypeCongestionEnd   = 2
)

// VehicleTypes maps detector categories to vehicle names
var VehicleTypes = map[string]string{
	"2": "bicicleta",
	"3": "auto",
	"4": "motocicleta",
	"6": "bus",
	"7": "tren",
	"8": "camion",
}

// AlertEvent is an outbound alert. It is built once and never mutated.
type AlertEvent struct {
	AlertID     string    `json:"alert_id"`
	CameraID    string    `json:"camera_id"`
	SubjectID   string    `json:"subject_id"`
	Kind        AlertKind `json:"kind"`
	Category    int       `json:"category"`
	Type        int       `json:"type"`
	SubType     int       `json:"sub_type,omitempty"`
	Message     string    `json:"message"`
	EpochObject int64     `json:"epoch_object,omitempty"`
	EpochFrame  int64     `json:"epoch_frame"`

	// Kind specific payload
	TrackingID     string       `json:"id_tracking,omitempty"`
	ObjectID       string       `json:"object_id,omitempty"`
	ObjectCategory string       `json:"object_category,omitempty"`
	VehicleType    string       `json:"vehicle_type,omitempty"`
	Coords         *BoundingBox `json:"coords,omitempty"`
	FirstSeenEpoch int64        `json:"first_seen_epoch,omitempty"`
	TimeAbandoned  float64      `json:"time_abandoned,omitempty"`  // seconds
	AbandonedMins  float64      `json:"tiempo_abandono,omitempty"` // minutes
	TotalTime      float64      `json:"tiempo_total,omitempty"`    // seconds since first seen
	TimeInZone     float64      `json:"time_in_zone,omitempty"`    // seconds
	ZoneID         string       `json:"id_zona,omitempty"`
	PlateText      string       `json:"plate_text,omitempty"`
	ListType       string       `json:"alert_type,omitempty"`
	VehicleInfo    string       `json:"vehicle_info,omitempty"`
	Accuracy       *float64     `json:"accuracy,omitempty"`
	VehicleCount   int          `json:"vehicle_count,omitempty"`
}

var alertNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("camevents-worker/alerts"))

// NewAlertEvent stamps the alert id onto the event. The id is a name based
// UUID of the transition (camera, subject, kind, sub type, zone or list,
// frame), so emitting the same alert for the same frame again yields the
// same id.
func NewAlertEvent(e AlertEvent) AlertEvent {
	name := fmt.Sprintf("%s|%s|%s|%d|%s|%s|%d", e.CameraID, e.SubjectID, e.Kind, e.SubType, e.ZoneID, e.ListType, e.EpochFrame)
	e.AlertID = uuid.NewSHA1(alertNamespace, []byte(name)).String()
	return e
}

// AlertCooldownKey represents a unique key for alert deduplication
type AlertCooldownKey struct {
	CameraID  string
	SubjectID string
	Kind      AlertKind
}

// String returns a string representation of the cooldown key
func (k AlertCooldownKey) String() string {
	return k.CameraID + "|" + k.SubjectID + "|" + string(k.Kind)
}

// MessagePublisher submits outbound messages without waiting for broker confirmation
type MessagePublisher interface {
	PublishAsync(subject string, data interface{}) error
}
