package alerts

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"camevents-worker-go/internal/models"
	"camevents-worker-go/internal/services/kvstore"
	"camevents-worker-go/internal/services/tracking"
)

const dayMs = int64(24 * time.Hour / time.Millisecond)

// CongestionRule aggregates the number of tracked vehicles per lapse, stores
// the lapse value as history and compares it against the same lapse on
// previous weeks. A lapse is congested when its value exceeds mean + stddev.
// After minLapses consecutive congested lapses it raises one alert, and a
// closing alert once traffic returns to normal.
type CongestionRule struct {
	kv        kvstore.Store
	lapseMs   int64
	weeks     int
	minLapses int
	limits    *lookupCache
}

func NewCongestionRule(kv kvstore.Store, lapse time.Duration, weeks, minLapses int, cacheTTL time.Duration) *CongestionRule {
	if lapse <= 0 {
		lapse = time.Minute
	}
	return &CongestionRule{
		kv:        kv,
		lapseMs:   lapse.Milliseconds(),
		weeks:     weeks,
		minLapses: minLapses,
		limits:    newLookupCache(kv, cacheTTL),
	}
}

func (r *CongestionRule) Name() string { return "congestion" }

// HistoryKey locates one lapse value: day index since epoch and lapse index within the day
func HistoryKey(cameraID string, day, lapse int64) string {
	return kvstore.Key("congestion", cameraID, strconv.FormatInt(day, 10), strconv.FormatInt(lapse, 10))
}

func (r *CongestionRule) EvaluateFrame(fc *FrameContext, update tracking.Update) ([]models.AlertEvent, error) {
	state := fc.State
	if state.Congestion == nil {
		state.Congestion = &models.CongestionState{LapseIndex: fc.Now / r.lapseMs}
	}
	cs := state.Congestion
	index := fc.Now / r.lapseMs

	var events []models.AlertEvent
	if index != cs.LapseIndex {
		if cs.LapseFrames > 0 {
			value := float64(cs.LapseSum) / float64(cs.LapseFrames)
			congested := r.closeLapse(fc, cs.LapseIndex, value)
			// a gap of skipped lapses breaks the streak
			if index-cs.LapseIndex > 1 {
				congested = false
			}
			events = append(events, r.advance(fc, cs, congested, value)...)
		}
		cs.LapseIndex = index
		cs.LapseSum = 0
		cs.LapseFrames = 0
	}

	cs.LapseSum += len(update.Observations)
	cs.LapseFrames++
	return events, nil
}

// closeLapse stores the lapse value and compares it with previous weeks
func (r *CongestionRule) closeLapse(fc *FrameContext, lapseIndex int64, value float64) bool {
	start := lapseIndex * r.lapseMs
	day := start / dayMs
	lapse := (start % dayMs) / r.lapseMs
	cameraID := fc.CameraID()

	if r.kv == nil {
		return false
	}
	if err := r.kv.Put(fc.Ctx, HistoryKey(cameraID, day, lapse), []byte(strconv.FormatFloat(value, 'f', 3, 64))); err != nil {
		log.Warn().Err(err).Str("camera_id", cameraID).Msg("Failed to store congestion history")
	}

	var history []float64
	for i := 1; i <= r.weeks; i++ {
		raw, err := r.kv.Get(fc.Ctx, HistoryKey(cameraID, day-int64(7*i), lapse))
		if err != nil {
			continue
		}
		if v, perr := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64); perr == nil {
			history = append(history, v)
		}
	}
	if len(history) == 0 {
		return false
	}

	mean, std := meanStd(history)
	return value > mean+std
}

func (r *CongestionRule) limit(fc *FrameContext) int {
	raw, found, err := r.limits.get(fc.Ctx, kvstore.Key("congestion_limit", fc.CameraID()))
	if err == nil && found {
		if v, perr := strconv.Atoi(strings.TrimSpace(string(raw))); perr == nil && v > 0 {
			return v
		}
	}
	return r.minLapses
}

func (r *CongestionRule) advance(fc *FrameContext, cs *models.CongestionState, congested bool, value float64) []models.AlertEvent {
	cameraID := fc.CameraID()

	if congested {
		cs.Consecutive++
		if cs.Consecutive < r.limit(fc) || cs.AlertActive {
			return nil
		}
		cs.AlertActive = true
		cs.AlertedEpoch = fc.Now
		minutes := int64(cs.Consecutive) * r.lapseMs / int64(time.Minute/time.Millisecond)

		log.Info().Str("camera_id", cameraID).Int("lapses", cs.Consecutive).Msg("Congestion detected")
		return []models.AlertEvent{models.NewAlertEvent(models.AlertEvent{
			CameraID:     cameraID,
			SubjectID:    cameraID,
			Kind:         models.AlertKindCongestion,
			Category:     models.CategoryCongestion,
			Type:         models.TypeCongestionActive,
			SubType:      models.SubTypeCongestionStart,
			Message:      fmt.Sprintf("%d minutos de congestión", minutes),
			EpochFrame:   fc.Now,
			VehicleCount: int(math.Round(value)),
		})}
	}

	cs.Consecutive = 0
	if !cs.AlertActive {
		return nil
	}
	cs.AlertActive = false

	log.Info().Str("camera_id", cameraID).Msg("Congestion ended")
	return []models.AlertEvent{models.NewAlertEvent(models.AlertEvent{
		CameraID:     cameraID,
		SubjectID:    cameraID,
		Kind:         models.AlertKindCongestion,
		Category:     models.CategoryCongestion,
		Type:         models.TypeCongestionEnded,
		SubType:      models.SubTypeCongestionEnd,
		Message:      "Termino la congestión",
		EpochObject:  cs.AlertedEpoch,
		EpochFrame:   fc.Now,
		VehicleCount: int(math.Round(value)),
	})}
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
