package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"camevents-worker-go/internal/models"
)

func TestCentroidAndArea(t *testing.T) {
	box := models.BoundingBox{100, 100, 200, 180}

	assert.Equal(t, models.Point{X: 150, Y: 140}, Centroid(box))
	assert.Equal(t, 8000.0, Area(box))
	assert.Equal(t, 0.0, Area(models.BoundingBox{10, 10, 5, 20}))
}

func TestSimilarityScore(t *testing.T) {
	box := models.BoundingBox{100, 100, 200, 180}

	assert.InDelta(t, 1.0, SimilarityScore(box, box, 20), 1e-9)

	// 10px shift, same area: 0.7*(1-10/20) + 0.3
	shifted := models.BoundingBox{110, 100, 210, 180}
	assert.InDelta(t, 0.65, SimilarityScore(box, shifted, 20), 1e-9)

	// beyond max distance only the area term remains
	far := models.BoundingBox{500, 500, 600, 580}
	assert.InDelta(t, 0.3, SimilarityScore(box, far, 20), 1e-9)

	// half the area, same centroid
	half := models.BoundingBox{125, 100, 175, 180}
	assert.InDelta(t, 0.7+0.3*0.5, SimilarityScore(box, half, 20), 1e-9)
}

func TestPointInPolygon(t *testing.T) {
	square := []models.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}

	assert.True(t, PointInPolygon(models.Point{X: 5, Y: 5}, square))
	assert.False(t, PointInPolygon(models.Point{X: 15, Y: 5}, square))
	assert.False(t, PointInPolygon(models.Point{X: 5, Y: -1}, square))
	assert.False(t, PointInPolygon(models.Point{X: 1, Y: 1}, square[:2]))

	concave := []models.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 5, Y: 5}, {X: 0, Y: 10}}
	assert.True(t, PointInPolygon(models.Point{X: 5, Y: 2}, concave))
	assert.False(t, PointInPolygon(models.Point{X: 5, Y: 8}, concave))
}

func TestGroundPoint(t *testing.T) {
	box := models.BoundingBox{100, 100, 200, 200}
	assert.Equal(t, models.Point{X: 150, Y: 170}, GroundPoint(box, 1920, 1080))

	offscreen := models.BoundingBox{1900, 1000, 2000, 1200}
	p := GroundPoint(offscreen, 1920, 1080)
	assert.Equal(t, 1919.0, p.X)
	assert.Equal(t, 1079.0, p.Y)
}

func TestExpandBoxContains(t *testing.T) {
	box := models.BoundingBox{100, 100, 200, 200}
	expanded := ExpandBox(box, 0.2)

	assert.Equal(t, models.BoundingBox{80, 80, 220, 220}, expanded)
	assert.True(t, BoxContains(expanded, models.Point{X: 215, Y: 150}))
	assert.False(t, BoxContains(box, models.Point{X: 215, Y: 150}))
}
