package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camevents-worker-go/internal/models"
	"camevents-worker-go/internal/services/kvstore"
)

var testParams = Params{DistanceThreshold: 15, SimilarityThreshold: 0.85, MaxDistance: 20}

func det(id, category string, box models.BoundingBox) models.DetectedObject {
	return models.DetectedObject{TrackingID: models.FlexString(id), Category: category, Coords: box}
}

func newTracker() *Tracker {
	return NewTracker(testParams, 2, 0, nil)
}

func TestReidentifyDirectAndMoved(t *testing.T) {
	objects := map[string]*models.TrackedObject{
		"a1": {TrackingID: "a1", Category: "3", Centroid: models.Point{X: 150, Y: 140}, BoundingBox: models.BoundingBox{100, 100, 200, 180}},
	}

	m := Reidentify(objects, det("a1", "3", models.BoundingBox{105, 100, 205, 180}), nil, testParams)
	assert.Equal(t, MatchDirect, m.Kind)
	assert.Equal(t, "a1", m.ExistingID)

	m = Reidentify(objects, det("a1", "3", models.BoundingBox{300, 100, 400, 180}), nil, testParams)
	assert.Equal(t, MatchMoved, m.Kind)
}

func TestReidentifyBySimilarity(t *testing.T) {
	box := models.BoundingBox{100, 100, 200, 180}
	objects := map[string]*models.TrackedObject{
		"a1": {TrackingID: "a1", Category: "3", Centroid: models.Point{X: 150, Y: 140}, BoundingBox: box},
	}

	m := Reidentify(objects, det("a2", "3", box), nil, testParams)
	assert.Equal(t, MatchReidentified, m.Kind)
	assert.Equal(t, "a1", m.ExistingID)
	assert.InDelta(t, 1.0, m.Score, 1e-9)

	// other category never matches
	m = Reidentify(objects, det("a2", "4", box), nil, testParams)
	assert.Equal(t, MatchNew, m.Kind)

	// reserved ids are not candidates
	m = Reidentify(objects, det("a2", "3", box), map[string]bool{"a1": true}, testParams)
	assert.Equal(t, MatchNew, m.Kind)
}

func TestReidentifyTieKeepsLowestID(t *testing.T) {
	box := models.BoundingBox{100, 100, 200, 180}
	objects := map[string]*models.TrackedObject{
		"12": {TrackingID: "12", Category: "3", BoundingBox: box},
		"9":  {TrackingID: "9", Category: "3", BoundingBox: box},
		"30": {TrackingID: "30", Category: "3", BoundingBox: box},
	}

	for i := 0; i < 20; i++ {
		m := Reidentify(objects, det("99", "3", box), nil, testParams)
		require.Equal(t, MatchReidentified, m.Kind)
		assert.Equal(t, "9", m.ExistingID)
	}
}

func TestReidentifyHigherScoreWins(t *testing.T) {
	objects := map[string]*models.TrackedObject{
		"1": {TrackingID: "1", Category: "3", BoundingBox: models.BoundingBox{102, 100, 202, 180}},
		"2": {TrackingID: "2", Category: "3", BoundingBox: models.BoundingBox{100, 100, 200, 180}},
	}

	m := Reidentify(objects, det("3", "3", models.BoundingBox{100, 100, 200, 180}), nil, testParams)
	assert.Equal(t, "2", m.ExistingID)
}

func TestApplyReidentificationPreservesDwell(t *testing.T) {
	tr := newTracker()
	state := models.NewCameraState("5")
	box := models.BoundingBox{100, 100, 200, 180}
	t0 := int64(1_700_000_000_000)

	tr.Apply(state, []models.DetectedObject{det("a1", "3", box)}, t0)
	update := tr.Apply(state, []models.DetectedObject{det("a2", "3", box)}, t0+60_000)

	require.Len(t, update.Observations, 1)
	obs := update.Observations[0]
	assert.Equal(t, MatchReidentified, obs.Match.Kind)
	assert.Equal(t, "a1", obs.PreviousID)

	_, oldExists := state.Objects["a1"]
	assert.False(t, oldExists)
	obj := state.Objects["a2"]
	require.NotNil(t, obj)
	assert.Equal(t, t0, obj.FirstSeenEpoch)
	assert.Equal(t, int64(60_000), obj.AccumulatedStationaryMs)
	assert.Len(t, state.Objects, 1)
}

func TestApplyMovementResetsDwellKeepsFirstSeen(t *testing.T) {
	tr := newTracker()
	state := models.NewCameraState("5")
	t0 := int64(1000)

	tr.Apply(state, []models.DetectedObject{det("a1", "3", models.BoundingBox{100, 100, 200, 180})}, t0)
	tr.Apply(state, []models.DetectedObject{det("a1", "3", models.BoundingBox{100, 100, 200, 180})}, t0+10_000)
	state.Objects["a1"].AlertSent = true

	update := tr.Apply(state, []models.DetectedObject{det("a1", "3", models.BoundingBox{300, 100, 400, 180})}, t0+20_000)

	require.Len(t, update.Observations, 1)
	assert.True(t, update.Observations[0].Moved)
	obj := state.Objects["a1"]
	assert.Equal(t, int64(0), obj.AccumulatedStationaryMs)
	assert.False(t, obj.AlertSent)
	assert.Equal(t, t0, obj.FirstSeenEpoch)
	assert.Equal(t, models.TrackStateMoved, obj.State)
}

func TestApplyEvictsAfterMissedFrames(t *testing.T) {
	tr := newTracker()
	state := models.NewCameraState("5")

	tr.Apply(state, []models.DetectedObject{det("a1", "3", models.BoundingBox{100, 100, 200, 180})}, 1000)
	for i := 1; i <= 2; i++ {
		update := tr.Apply(state, nil, int64(1000+i*1000))
		assert.Empty(t, update.Evicted)
	}

	update := tr.Apply(state, nil, 4000)
	require.Len(t, update.Evicted, 1)
	assert.Equal(t, "a1", update.Evicted[0].TrackingID)
	assert.Empty(t, state.Objects)
}

func TestApplyEvictsStaleObjects(t *testing.T) {
	tr := NewTracker(testParams, 100, 30*time.Second, nil)
	state := models.NewCameraState("5")

	tr.Apply(state, []models.DetectedObject{det("a1", "3", models.BoundingBox{100, 100, 200, 180})}, 0)
	update := tr.Apply(state, nil, 31_000)

	assert.Len(t, update.Evicted, 1)
}

func TestApplyIsolatesBadDetections(t *testing.T) {
	tr := newTracker()
	state := models.NewCameraState("5")

	update := tr.Apply(state, []models.DetectedObject{
		det("", "3", models.BoundingBox{0, 0, 10, 10}),
		det("b1", "3", models.BoundingBox{50, 50, 40, 60}),
		det("c1", "3", models.BoundingBox{100, 100, 200, 180}),
		det("c1", "3", models.BoundingBox{400, 100, 500, 180}),
	}, 1000)

	assert.Len(t, update.Errors, 3)
	require.Len(t, update.Observations, 1)
	assert.Equal(t, "c1", update.Observations[0].Object.TrackingID)
}

func TestApplyTwoSimilarObjectsStayDistinct(t *testing.T) {
	tr := newTracker()
	state := models.NewCameraState("5")
	box := models.BoundingBox{100, 100, 200, 180}

	tr.Apply(state, []models.DetectedObject{det("a1", "3", box)}, 1000)
	tr.Apply(state, []models.DetectedObject{det("a1", "3", box), det("a2", "3", box)}, 2000)

	assert.Len(t, state.Objects, 2)
}

func TestApplySkipsUntrackedCategories(t *testing.T) {
	tr := NewTracker(testParams, 2, 0, []string{"3"})
	state := models.NewCameraState("5")

	update := tr.Apply(state, []models.DetectedObject{det("p1", "1", models.BoundingBox{0, 0, 10, 10})}, 1000)

	assert.Empty(t, update.Observations)
	assert.Empty(t, state.Objects)
}

func TestStoreSnapshotRestoreSymmetry(t *testing.T) {
	s := NewStore(nil, time.Second)
	tr := newTracker()

	require.NoError(t, s.WithCamera(context.Background(), "5", func(state *models.CameraState) error {
		tr.Apply(state, []models.DetectedObject{det("a1", "3", models.BoundingBox{100, 100, 200, 180})}, 1000)
		state.LastEpoch = 1000
		state.Objects["a1"].Zones = map[string]*models.ZonePresence{"restricted:z1": {EnteredEpoch: 1000, TimerEpoch: 1000}}
		return nil
	}))

	snap, err := s.Snapshot("5")
	require.NoError(t, err)

	other := NewStore(nil, time.Second)
	require.NoError(t, other.Restore("5", snap))
	again, err := other.Snapshot("5")
	require.NoError(t, err)
	assert.JSONEq(t, string(snap), string(again))

	obj, ok := other.Get("5", "a1")
	require.True(t, ok)
	assert.Equal(t, int64(1000), obj.FirstSeenEpoch)
}

func TestStoreGetPutDelete(t *testing.T) {
	s := NewStore(nil, time.Second)

	s.Put(&models.TrackedObject{CameraID: "5", TrackingID: "a1", Category: "3"})
	obj, ok := s.Get("5", "a1")
	require.True(t, ok)
	obj.Category = "mutated"

	again, _ := s.Get("5", "a1")
	assert.Equal(t, "3", again.Category)

	assert.True(t, s.Delete("5", "a1"))
	assert.False(t, s.Delete("5", "a1"))
	_, ok = s.Get("5", "a1")
	assert.False(t, ok)
}

func TestStoreLazyRestoreFromKV(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	ctx := context.Background()

	first := NewStore(kv, time.Second)
	require.NoError(t, first.WithCamera(ctx, "5", func(state *models.CameraState) error {
		state.LastEpoch = 42
		state.Objects["a1"] = &models.TrackedObject{CameraID: "5", TrackingID: "a1", FirstSeenEpoch: 7}
		return first.Save(ctx, state)
	}))

	cameras, err := kvstore.ListCameras(ctx, kv)
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, cameras)

	second := NewStore(kv, time.Second)
	assert.Empty(t, second.Cameras())
	require.NoError(t, second.WithCamera(ctx, "5", func(state *models.CameraState) error {
		assert.Equal(t, int64(42), state.LastEpoch)
		require.Contains(t, state.Objects, "a1")
		assert.Equal(t, int64(7), state.Objects["a1"].FirstSeenEpoch)
		return nil
	}))
}

type failingKV struct{ kvstore.MemoryStore }

func (f *failingKV) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestStoreRestoreFailsOpen(t *testing.T) {
	s := NewStore(&failingKV{}, 10*time.Millisecond)

	called := false
	err := s.WithCamera(context.Background(), "5", func(state *models.CameraState) error {
		called = true
		assert.Empty(t, state.Objects)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, called)
}
