package alerts

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"camevents-worker-go/internal/helpers"
	"camevents-worker-go/internal/models"
	"camevents-worker-go/internal/services/kvstore"
	"camevents-worker-go/internal/services/tracking"
)

const (
	msgParkingNew   = "Objeto Nuevo"
	msgParkingLimit = "El objeto sobrepaso el limite de tiempo"
	msgParkingLeft  = "Objeto Saliendo"
)

// ParkingRule reports occupancy: a new object in a parking zone, the same
// object exceeding its category's time limit (once), and the object leaving.
// Cameras without parking zones treat the whole frame as one zone per category.
type ParkingRule struct {
	defaultLimit time.Duration
	padding      float64
	limits       *lookupCache
}

// NewParkingRule creates the rule. Limits per camera and category are read
// from the KV store under parking_limit.<camera>.<category> (milliseconds).
// An occupied space is only released once the object's ground point leaves
// both the zone and its entry box grown by padding.
func NewParkingRule(kv kvstore.Store, defaultLimit time.Duration, padding float64, cacheTTL time.Duration) *ParkingRule {
	return &ParkingRule{
		defaultLimit: defaultLimit,
		padding:      padding,
		limits:       newLookupCache(kv, cacheTTL),
	}
}

func (r *ParkingRule) Name() string { return "parking" }

func (r *ParkingRule) limitMs(fc *FrameContext, category string) int64 {
	raw, found, err := r.limits.get(fc.Ctx, kvstore.Key("parking_limit", fc.CameraID(), category))
	if err != nil {
		log.Warn().Err(err).Str("camera_id", fc.CameraID()).Msg("Parking limit lookup failed, using default")
	}
	if found {
		if v, perr := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); perr == nil && v > 0 {
			return v
		}
	}
	return r.defaultLimit.Milliseconds()
}

// scopes returns presence key -> zone id for the spaces the object occupies
func (r *ParkingRule) scopes(fc *FrameContext, obj *models.TrackedObject) (all map[string]string, occupied map[string]bool) {
	zones := fc.ZonesNamed(models.ZoneParking)
	all = make(map[string]string)
	occupied = make(map[string]bool)

	if len(zones) == 0 {
		key := models.ZoneParking + ":" + obj.Category
		all[key] = obj.Category
		occupied[key] = true
		return all, occupied
	}

	point := helpers.GroundPoint(obj.BoundingBox, fc.Width, fc.Height)
	for _, z := range zones {
		key := z.PresenceKey()
		all[key] = z.ID
		if helpers.InAnyPolygon(point, z.Scaled(fc.Width, fc.Height)) {
			occupied[key] = true
			continue
		}
		if p, ok := obj.Zones[key]; ok && p.EntryBox != nil && helpers.BoxContains(helpers.ExpandBox(*p.EntryBox, r.padding), point) {
			occupied[key] = true
		}
	}
	return all, occupied
}

func (r *ParkingRule) Observe(fc *FrameContext, obs tracking.Observation) ([]models.AlertEvent, error) {
	obj := obs.Object
	all, occupied := r.scopes(fc, obj)

	var events []models.AlertEvent
	for _, key := range sortedKeys(all) {
		zoneID := all[key]
		presence, tracked := obj.Zones[key]

		switch {
		case occupied[key] && !tracked:
			if obj.Zones == nil {
				obj.Zones = make(map[string]*models.ZonePresence)
			}
			entry := obj.BoundingBox
			obj.Zones[key] = &models.ZonePresence{EnteredEpoch: fc.Now, TimerEpoch: fc.Now, EntryBox: &entry}
			events = append(events, r.event(fc, obj, obs.Detection, zoneID, models.AlertKindOccupancy, models.CategoryInformative, models.SubTypeParkingNew, msgParkingNew))

		case occupied[key] && tracked:
			if presence.LimitAlertSent || fc.Now-presence.EnteredEpoch < r.limitMs(fc, obj.Category) {
				continue
			}
			presence.LimitAlertSent = true
			event := r.event(fc, obj, obs.Detection, zoneID, models.AlertKindOccupancy, models.CategoryWarning, models.SubTypeParkingLimit, msgParkingLimit)
			event.TimeInZone = float64(fc.Now-presence.EnteredEpoch) / 1000
			events = append(events, event)

		case !occupied[key] && tracked:
			delete(obj.Zones, key)
			events = append(events, r.event(fc, obj, obs.Detection, zoneID, models.AlertKindLeft, models.CategoryInformative, models.SubTypeParkingLeft, msgParkingLeft))
		}
	}
	return events, nil
}

// Evicted reports every parking space the object still occupied
func (r *ParkingRule) Evicted(fc *FrameContext, obj *models.TrackedObject) []models.AlertEvent {
	keys := make([]string, 0, len(obj.Zones))
	for key := range obj.Zones {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var events []models.AlertEvent
	for _, key := range keys {
		if !strings.HasPrefix(key, models.ZoneParking+":") {
			continue
		}
		zoneID := strings.TrimPrefix(key, models.ZoneParking+":")
		det := models.DetectedObject{EpochObject: obj.LastSeenEpoch}
		event := r.event(fc, obj, det, zoneID, models.AlertKindLeft, models.CategoryInformative, models.SubTypeParkingLeft, msgParkingLeft)
		event.EpochFrame = obj.LastSeenEpoch
		events = append(events, event)
	}
	return events
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *ParkingRule) event(fc *FrameContext, obj *models.TrackedObject, det models.DetectedObject, zoneID string, kind models.AlertKind, category, subType int, message string) models.AlertEvent {
	event := objectAlert(fc, obj, det, kind)
	event.Category = category
	event.Type = models.TypeParking
	event.SubType = subType
	event.ZoneID = zoneID
	event.Message = message
	return models.NewAlertEvent(event)
}
