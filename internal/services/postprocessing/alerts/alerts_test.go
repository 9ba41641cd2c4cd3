package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camevents-worker-go/internal/helpers"
	"camevents-worker-go/internal/models"
	"camevents-worker-go/internal/services/kvstore"
	"camevents-worker-go/internal/services/postprocessing/suppressions"
	"camevents-worker-go/internal/services/tracking"
)

func newDedup() *suppressions.Cache {
	return suppressions.NewCache(time.Hour, 5*time.Minute, 0.85, 20)
}

func frameContext(state *models.CameraState, now int64, zones ...models.Zone) *FrameContext {
	return &FrameContext{
		Ctx:    context.Background(),
		Frame:  &models.Frame{CameraID: models.FlexString(state.CameraID), EpochFrame: now},
		State:  state,
		Zones:  zones,
		Width:  1920,
		Height: 1080,
		Now:    now,
	}
}

func observe(state *models.CameraState, id, category string, box models.BoundingBox) tracking.Observation {
	obj, ok := state.Objects[id]
	if !ok {
		obj = &models.TrackedObject{CameraID: state.CameraID, TrackingID: id, Category: category}
		state.Objects[id] = obj
	}
	obj.BoundingBox = box
	obj.Centroid = helpers.Centroid(box)
	return tracking.Observation{
		Object:    obj,
		Detection: models.DetectedObject{TrackingID: models.FlexString(id), Category: category, Coords: box},
	}
}

var squareZone = models.Zone{
	CameraID: "5",
	ID:       "z1",
	Name:     models.ZoneRestricted,
	Polygons: [][]models.Point{{{X: 0, Y: 0}, {X: 500, Y: 0}, {X: 500, Y: 500}, {X: 0, Y: 500}}},
}

func TestAbandonedRuleFiresOnce(t *testing.T) {
	rule := NewAbandonedRule(10*time.Minute, newDedup())
	state := models.NewCameraState("5")
	box := models.BoundingBox{100, 100, 200, 180}

	obs := observe(state, "a2", "3", box)
	obs.Object.FirstSeenEpoch = 0
	obs.Object.AccumulatedStationaryMs = 601_000

	events, err := rule.Observe(frameContext(state, 601_000), obs)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, models.AlertKindAbandoned, e.Kind)
	assert.Equal(t, models.TypeAbandoned, e.Type)
	assert.Equal(t, int64(0), e.FirstSeenEpoch)
	assert.InDelta(t, 601.0, e.TimeAbandoned, 0.001)
	assert.Equal(t, "auto", e.VehicleType)
	assert.NotEmpty(t, e.AlertID)
	assert.True(t, obs.Object.AlertSent)

	obs.Object.AccumulatedStationaryMs = 700_000
	events, err = rule.Observe(frameContext(state, 700_000), obs)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAbandonedRuleFrameOverride(t *testing.T) {
	rule := NewAbandonedRule(72*time.Hour, newDedup())
	state := models.NewCameraState("5")
	obs := observe(state, "a1", "3", models.BoundingBox{100, 100, 200, 180})
	obs.Object.AccumulatedStationaryMs = int64(2 * time.Hour / time.Millisecond)

	fc := frameContext(state, 1000)
	events, _ := rule.Observe(fc, obs)
	assert.Empty(t, events)

	hours := 1.5
	fc.Frame.AbandonedHours = &hours
	events, _ = rule.Observe(fc, obs)
	assert.Len(t, events, 1)
}

func TestAbandonedRuleSuppressedBySimilarReport(t *testing.T) {
	dedup := newDedup()
	rule := NewAbandonedRule(time.Minute, dedup)
	state := models.NewCameraState("5")
	box := models.BoundingBox{100, 100, 200, 180}

	dedup.Record("5", "old", models.AlertKindAbandoned, 0, &box)

	obs := observe(state, "new", "3", box)
	obs.Object.AccumulatedStationaryMs = 120_000
	events, _ := rule.Observe(frameContext(state, 120_000), obs)

	assert.Empty(t, events)
	assert.False(t, obs.Object.AlertSent)
}

func TestRestrictedZoneEntryPermanenceAndReentry(t *testing.T) {
	rule := NewRestrictedZoneRule(5 * time.Second)
	state := models.NewCameraState("5")
	inside := models.BoundingBox{100, 100, 200, 200}
	outside := models.BoundingBox{900, 900, 1000, 1000}
	t0 := int64(1_000_000)

	events, err := rule.Observe(frameContext(state, t0, squareZone), observe(state, "a1", "3", inside))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.AlertKindEntry, events[0].Kind)
	assert.Equal(t, "z1", events[0].ZoneID)

	events, _ = rule.Observe(frameContext(state, t0+3000, squareZone), observe(state, "a1", "3", inside))
	assert.Empty(t, events)

	events, _ = rule.Observe(frameContext(state, t0+5000, squareZone), observe(state, "a1", "3", inside))
	require.Len(t, events, 1)
	assert.Equal(t, models.AlertKindPermanence, events[0].Kind)
	assert.Equal(t, models.SubTypePermanence, events[0].SubType)
	assert.Equal(t, "Permanencia de Vehículo: 5s", events[0].Message)

	// re-armed: next permanence only after another full threshold
	events, _ = rule.Observe(frameContext(state, t0+7000, squareZone), observe(state, "a1", "3", inside))
	assert.Empty(t, events)
	events, _ = rule.Observe(frameContext(state, t0+10_000, squareZone), observe(state, "a1", "3", inside))
	require.Len(t, events, 1)
	assert.Equal(t, models.AlertKindPermanence, events[0].Kind)

	events, _ = rule.Observe(frameContext(state, t0+11_000, squareZone), observe(state, "a1", "3", outside))
	assert.Empty(t, events)
	assert.Empty(t, state.Objects["a1"].Zones)

	events, _ = rule.Observe(frameContext(state, t0+12_000, squareZone), observe(state, "a1", "3", inside))
	require.Len(t, events, 1)
	assert.Equal(t, models.AlertKindEntry, events[0].Kind)
}

func TestRestrictedZoneUsesZoneThreshold(t *testing.T) {
	rule := NewRestrictedZoneRule(time.Hour)
	state := models.NewCameraState("5")
	zone := squareZone
	zone.PermanenceThresholdMs = 2000
	box := models.BoundingBox{100, 100, 200, 200}

	rule.Observe(frameContext(state, 0, zone), observe(state, "a1", "3", box))
	events, _ := rule.Observe(frameContext(state, 2000, zone), observe(state, "a1", "3", box))

	require.Len(t, events, 1)
	assert.Equal(t, models.AlertKindPermanence, events[0].Kind)
}

func TestParkingRuleWithoutZones(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	require.NoError(t, kv.Put(context.Background(), "parking_limit.5.3", []byte("10000")))
	rule := NewParkingRule(kv, 5*time.Minute, 0.2, time.Minute)
	state := models.NewCameraState("5")
	box := models.BoundingBox{100, 100, 200, 200}

	events, err := rule.Observe(frameContext(state, 0), observe(state, "a1", "3", box))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, msgParkingNew, events[0].Message)
	assert.Equal(t, "3", events[0].ZoneID)

	events, _ = rule.Observe(frameContext(state, 9000), observe(state, "a1", "3", box))
	assert.Empty(t, events)

	events, _ = rule.Observe(frameContext(state, 10_000), observe(state, "a1", "3", box))
	require.Len(t, events, 1)
	assert.Equal(t, models.CategoryWarning, events[0].Category)
	assert.Equal(t, msgParkingLimit, events[0].Message)

	events, _ = rule.Observe(frameContext(state, 20_000), observe(state, "a1", "3", box))
	assert.Empty(t, events)

	left := rule.Evicted(frameContext(state, 30_000), state.Objects["a1"])
	require.Len(t, left, 1)
	assert.Equal(t, msgParkingLeft, left[0].Message)
	assert.Equal(t, models.AlertKindLeft, left[0].Kind)
}

func TestParkingRuleWithZones(t *testing.T) {
	rule := NewParkingRule(nil, time.Minute, 0.2, time.Minute)
	state := models.NewCameraState("5")
	zone := squareZone
	zone.Name = models.ZoneParking
	zone.ID = "p7"

	events, _ := rule.Observe(frameContext(state, 0, zone), observe(state, "a1", "3", models.BoundingBox{100, 100, 200, 200}))
	require.Len(t, events, 1)
	assert.Equal(t, "p7", events[0].ZoneID)

	events, _ = rule.Observe(frameContext(state, 1000, zone), observe(state, "a1", "3", models.BoundingBox{900, 900, 1000, 1000}))
	require.Len(t, events, 1)
	assert.Equal(t, msgParkingLeft, events[0].Message)
}

func TestParkingRuleExitHysteresis(t *testing.T) {
	rule := NewParkingRule(nil, time.Minute, 0.2, time.Minute)
	state := models.NewCameraState("5")
	zone := squareZone
	zone.Name = models.ZoneParking

	// ground point (450, 470) is inside the zone
	events, _ := rule.Observe(frameContext(state, 0, zone), observe(state, "a1", "3", models.BoundingBox{400, 400, 500, 500}))
	require.Len(t, events, 1)

	// ground point (520, 510) is outside the zone but inside the padded entry box
	events, _ = rule.Observe(frameContext(state, 1000, zone), observe(state, "a1", "3", models.BoundingBox{470, 440, 570, 540}))
	assert.Empty(t, events)

	events, _ = rule.Observe(frameContext(state, 2000, zone), observe(state, "a1", "3", models.BoundingBox{700, 700, 800, 800}))
	require.Len(t, events, 1)
	assert.Equal(t, msgParkingLeft, events[0].Message)
}

func TestPlateMatchRule(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	require.NoError(t, kv.Put(context.Background(), "watchlist.robados.ABC123", []byte("sedan rojo")))
	rule := NewPlateMatchRule(kv, []string{"robados", "buscados"}, time.Minute, newDedup())
	state := models.NewCameraState("5")

	frame := &models.Frame{
		CameraID: "5",
		ObjectDict: map[string][]models.DetectedObject{
			"3": {
				{TrackingID: "7", Coords: models.BoundingBox{1, 1, 50, 50}, AttributeID: 1, Description: "abc-123"},
				{TrackingID: "8", Coords: models.BoundingBox{1, 1, 50, 50}, AttributeID: 2, Description: "ABC123"},
				{TrackingID: "9", Coords: models.BoundingBox{1, 1, 50, 50}, AttributeID: 1, Description: "ZZZ999"},
			},
		},
	}
	fc := frameContext(state, 1000)
	fc.Frame = frame

	events, err := rule.EvaluateFrame(fc, tracking.Update{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "ABC123", e.PlateText)
	assert.Equal(t, "robados", e.ListType)
	assert.Equal(t, models.CategoryWarning, e.Category)
	assert.Equal(t, models.TypeWatchlist, e.Type)
	assert.Equal(t, "sedan rojo", e.VehicleInfo)
	assert.Equal(t, "Vehiculo de lista 'robados' detectado en camara 5", e.Message)

	// cooldown
	events, _ = rule.EvaluateFrame(fc, tracking.Update{})
	assert.Empty(t, events)
}

func observations(n int) tracking.Update {
	return tracking.Update{Observations: make([]tracking.Observation, n)}
}

func TestCongestionRuleStartAndEnd(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	ctx := context.Background()
	lapse := time.Minute
	rule := NewCongestionRule(kv, lapse, 2, 3, time.Minute)
	state := models.NewCameraState("5")

	base := 14 * dayMs
	// normal traffic in the same lapses one and two weeks ago
	for l := int64(0); l < 10; l++ {
		require.NoError(t, kv.Put(ctx, HistoryKey("5", 7, l), []byte("2")))
		require.NoError(t, kv.Put(ctx, HistoryKey("5", 0, l), []byte("4")))
	}

	var events []models.AlertEvent
	run := func(lapseIndex int64, vehicles int) {
		now := base + lapseIndex*lapse.Milliseconds()
		out, err := rule.EvaluateFrame(frameContext(state, now), observations(vehicles))
		require.NoError(t, err)
		events = append(events, out...)
	}

	for l := int64(0); l < 4; l++ {
		run(l, 20)
	}
	require.Len(t, events, 1)
	assert.Equal(t, models.TypeCongestionActive, events[0].Type)
	assert.Equal(t, "3 minutos de congestión", events[0].Message)

	run(4, 20)
	run(5, 1)
	run(6, 1)
	require.Len(t, events, 2)
	assert.Equal(t, "Termino la congestión", events[1].Message)
	assert.Equal(t, models.TypeCongestionEnded, events[1].Type)

	stored, err := kv.Get(ctx, HistoryKey("5", 14, 0))
	require.NoError(t, err)
	assert.Equal(t, "20.000", string(stored))
}

func TestCongestionRuleNoHistoryNeverAlerts(t *testing.T) {
	rule := NewCongestionRule(kvstore.NewMemoryStore(), time.Minute, 4, 1, time.Minute)
	state := models.NewCameraState("5")

	for l := int64(0); l < 5; l++ {
		events, err := rule.EvaluateFrame(frameContext(state, l*60_000), observations(50))
		require.NoError(t, err)
		assert.Empty(t, events)
	}
}
