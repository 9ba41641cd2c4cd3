package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"camevents-worker-go/internal/models"
	"camevents-worker-go/internal/services/kvstore"
	"camevents-worker-go/internal/services/postprocessing/suppressions"
	"camevents-worker-go/internal/services/tracking"
)

// plateAttributeID marks OCR attributes that carry a license plate
const plateAttributeID = 1

// PlateMatchRule compares recognized plates against watchlists held in the KV
// store under watchlist.<list type>.<PLATE>. The stored value is free-form
// vehicle information forwarded in the alert.
type PlateMatchRule struct {
	listTypes []string
	lists     *lookupCache
	dedup     *suppressions.Cache
}

func NewPlateMatchRule(kv kvstore.Store, listTypes []string, cacheTTL time.Duration, dedup *suppressions.Cache) *PlateMatchRule {
	return &PlateMatchRule{
		listTypes: listTypes,
		lists:     newLookupCache(kv, cacheTTL),
		dedup:     dedup,
	}
}

func (r *PlateMatchRule) Name() string { return "platematch" }

// NormalizePlate uppercases and strips spaces and dashes
func NormalizePlate(plate string) string {
	plate = strings.ToUpper(strings.TrimSpace(plate))
	return strings.NewReplacer(" ", "", "-", "").Replace(plate)
}

func (r *PlateMatchRule) EvaluateFrame(fc *FrameContext, _ tracking.Update) ([]models.AlertEvent, error) {
	var events []models.AlertEvent
	for _, det := range fc.Frame.Objects() {
		if det.AttributeID != plateAttributeID || det.Description == "" {
			continue
		}
		plate := NormalizePlate(det.Description)
		if plate == "" {
			continue
		}

		for _, listType := range r.listTypes {
			info, found, err := r.lists.get(fc.Ctx, kvstore.Key("watchlist", listType, plate))
			if err != nil {
				log.Warn().Err(err).Str("camera_id", fc.CameraID()).Str("plate_text", plate).Msg("Watchlist lookup failed")
				continue
			}
			if !found {
				continue
			}

			subject := plate + "_" + listType
			if r.dedup.ShouldSuppress(fc.CameraID(), subject, models.AlertKindStolenMatch, fc.Now, nil) {
				log.Debug().Str("camera_id", fc.CameraID()).Str("plate_text", plate).Msg("Watchlist alert blocked by cooldown")
				continue
			}
			r.dedup.Record(fc.CameraID(), subject, models.AlertKindStolenMatch, fc.Now, nil)

			category := models.CategoryInformative
			if strings.EqualFold(listType, "robados") {
				category = models.CategoryWarning
			}
			coords := det.Coords
			accuracy := det.AttributeAccuracy
			if accuracy == nil {
				accuracy = det.Accuracy
			}

			events = append(events, models.NewAlertEvent(models.AlertEvent{
				CameraID:       fc.CameraID(),
				SubjectID:      plate,
				Kind:           models.AlertKindStolenMatch,
				Category:       category,
				Type:           models.TypeWatchlist,
				Message:        fmt.Sprintf("Vehiculo de lista '%s' detectado en camara %s", listType, fc.CameraID()),
				EpochObject:    det.EpochObject,
				EpochFrame:     fc.Now,
				TrackingID:     string(det.TrackingID),
				ObjectID:       string(det.ObjectID),
				ObjectCategory: det.Category,
				Coords:         &coords,
				PlateText:      plate,
				ListType:       listType,
				VehicleInfo:    string(info),
				Accuracy:       accuracy,
			}))
		}
	}
	return events, nil
}
