package alerts

import (
	"fmt"
	"time"

	"camevents-worker-go/internal/helpers"
	"camevents-worker-go/internal/models"
	"camevents-worker-go/internal/services/tracking"
)

// RestrictedZoneRule emits an entry alert when an object's ground point enters
// a restricted zone and a permanence alert each time it stays past the zone's
// permanence threshold. Leaving the zone clears the timer.
type RestrictedZoneRule struct {
	defaultPermanence time.Duration
}

func NewRestrictedZoneRule(defaultPermanence time.Duration) *RestrictedZoneRule {
	return &RestrictedZoneRule{defaultPermanence: defaultPermanence}
}

func (r *RestrictedZoneRule) Name() string { return "restricted" }

func (r *RestrictedZoneRule) permanenceMs(z models.Zone) int64 {
	if z.PermanenceThresholdMs > 0 {
		return z.PermanenceThresholdMs
	}
	return r.defaultPermanence.Milliseconds()
}

func (r *RestrictedZoneRule) Observe(fc *FrameContext, obs tracking.Observation) ([]models.AlertEvent, error) {
	zones := fc.ZonesNamed(models.ZoneRestricted)
	if len(zones) == 0 {
		return nil, nil
	}

	obj := obs.Object
	point := helpers.GroundPoint(obj.BoundingBox, fc.Width, fc.Height)

	var events []models.AlertEvent
	for _, z := range zones {
		key := z.PresenceKey()
		inside := helpers.InAnyPolygon(point, z.Scaled(fc.Width, fc.Height))
		presence, tracked := obj.Zones[key]

		switch {
		case inside && !tracked:
			if obj.Zones == nil {
				obj.Zones = make(map[string]*models.ZonePresence)
			}
			obj.Zones[key] = &models.ZonePresence{EnteredEpoch: fc.Now, TimerEpoch: fc.Now}

			event := objectAlert(fc, obj, obs.Detection, models.AlertKindEntry)
			event.Category = models.CategoryInformative
			event.Type = models.TypeRestrictedZone
			event.SubType = models.SubTypeEntry
			event.ZoneID = z.ID
			event.Message = fmt.Sprintf("Ingreso detectado en zona(s): %s", z.ID)
			events = append(events, models.NewAlertEvent(event))

		case inside && tracked:
			if fc.Now-presence.TimerEpoch < r.permanenceMs(z) {
				continue
			}
			stay := float64(fc.Now-presence.EnteredEpoch) / 1000
			presence.TimerEpoch = fc.Now

			event := objectAlert(fc, obj, obs.Detection, models.AlertKindPermanence)
			event.Category = models.CategoryInformative
			event.Type = models.TypeRestrictedZone
			event.SubType = models.SubTypePermanence
			event.ZoneID = z.ID
			event.TimeInZone = stay
			event.Message = fmt.Sprintf("Permanencia de Vehículo: %.0fs", stay)
			events = append(events, models.NewAlertEvent(event))

		case !inside && tracked:
			delete(obj.Zones, key)
		}
	}
	return events, nil
}
