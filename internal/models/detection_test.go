package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameKeepsValidDetections(t *testing.T) {
	data := []byte(`{
		"camera_id": 5,
		"epoch_frame": 1700000000000,
		"object_dict": {
			"3": [
				{"id_tracking": "a1", "coords": [100, 100, 200, 180], "epoch_object": 1700000000000},
				{"id_tracking": "a2", "coords": ["x", 100, 200, 180], "epoch_object": 1700000000000},
				{"id_tracking": {"nested": true}, "coords": [1, 2, 3, 4]}
			],
			"7": "not a list"
		}
	}`)

	frame, err := ParseFrame(data)
	require.NoError(t, err)
	assert.Equal(t, "5", frame.CameraID.String())

	objects := frame.Objects()
	require.Len(t, objects, 1)
	assert.Equal(t, "a1", objects[0].TrackingID.String())
	assert.Equal(t, "3", objects[0].Category)
	assert.Equal(t, BoundingBox{100, 100, 200, 180}, objects[0].Coords)

	require.Len(t, frame.Invalid, 3)
	assert.Equal(t, "3", frame.Invalid[0].Category)
	assert.Equal(t, 1, frame.Invalid[0].Index)
	assert.Equal(t, 2, frame.Invalid[1].Index)
	assert.Equal(t, "7", frame.Invalid[2].Category)
	assert.Equal(t, -1, frame.Invalid[2].Index)
}

func TestParseFrameRejectsBadEnvelope(t *testing.T) {
	_, err := ParseFrame([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = ParseFrame([]byte(`{"camera_id": "5", "object_dict": []}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = ParseFrame([]byte(`{"epoch_frame": 1000, "object_dict": {}}`))
	assert.ErrorIs(t, err, ErrIncompleteFrame)

	_, err = ParseFrame([]byte(`{"camera_id": "5", "epoch_frame": 1000}`))
	assert.ErrorIs(t, err, ErrIncompleteFrame)
}

func TestParseFrameOptionalFields(t *testing.T) {
	frame, err := ParseFrame([]byte(`{
		"camera_id": "9",
		"epoch_frame": 1000,
		"object_dict": {},
		"shape": [720, 1280],
		"zone_restricted": "{'21': [[[0,0],[1,0],[1,1]]]}",
		"tiempo_considerado_abandono": 2.5
	}`))
	require.NoError(t, err)

	w, h := frame.ImageSize()
	assert.Equal(t, 1280.0, w)
	assert.Equal(t, 720.0, h)
	require.NotNil(t, frame.AbandonedHours)
	assert.Equal(t, 2.5, *frame.AbandonedHours)
	assert.NotEmpty(t, frame.ZoneRestricted)
	assert.Empty(t, frame.Invalid)
}
