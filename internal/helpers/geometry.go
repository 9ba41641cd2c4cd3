package helpers

import (
	"math"

	"camevents-worker-go/internal/models"
)

// groundOffsetY is how far down the box the contact point sits (0 top, 1 bottom)
const groundOffsetY = 0.7

// Centroid returns the center of the bounding box
func Centroid(b models.BoundingBox) models.Point {
	return models.Point{X: (b[0] + b[2]) / 2, Y: (b[1] + b[3]) / 2}
}

// Distance is the euclidean distance between two points
func Distance(a, b models.Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Area of a bounding box; inverted boxes have zero area
func Area(b models.BoundingBox) float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// SimilarityScore blends centroid proximity (70%) with area ratio (30%).
// maxDistance normalizes the distance term; at or beyond it the term is 0.
func SimilarityScore(a, b models.BoundingBox, maxDistance float64) float64 {
	distanceScore := 0.0
	if maxDistance > 0 {
		distanceScore = math.Max(0, 1-Distance(Centroid(a), Centroid(b))/maxDistance)
	}

	areaA, areaB := Area(a), Area(b)
	areaScore := 0.0
	if m := math.Max(areaA, areaB); m > 0 {
		areaScore = 1 - math.Abs(areaA-areaB)/m
	}

	return 0.7*distanceScore + 0.3*areaScore
}

// PointInPolygon is a ray casting containment test. Polygons with fewer
// than three vertices contain nothing.
func PointInPolygon(p models.Point, polygon []models.Point) bool {
	n := len(polygon)
	if n < 3 {
		return false
	}

	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		pi, pj := polygon[i], polygon[j]
		if (pi.Y > p.Y) != (pj.Y > p.Y) {
			xCross := (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y) + pi.X
			if p.X < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// InAnyPolygon reports whether p lies in at least one polygon
func InAnyPolygon(p models.Point, polygons [][]models.Point) bool {
	for _, poly := range polygons {
		if PointInPolygon(p, poly) {
			return true
		}
	}
	return false
}

// GroundPoint is the representative contact point of an object: horizontally
// centered and 70% down the box, clamped to the image.
func GroundPoint(b models.BoundingBox, width, height float64) models.Point {
	p := models.Point{
		X: b[0] + 0.5*b.Width(),
		Y: b[1] + groundOffsetY*b.Height(),
	}
	if width > 0 {
		p.X = clamp(p.X, 0, width-1)
	}
	if height > 0 {
		p.Y = clamp(p.Y, 0, height-1)
	}
	return p
}

// ExpandBox grows the box by padding (a fraction of its size) on every side
func ExpandBox(b models.BoundingBox, padding float64) models.BoundingBox {
	dx, dy := b.Width()*padding, b.Height()*padding
	return models.BoundingBox{b[0] - dx, b[1] - dy, b[2] + dx, b[3] + dy}
}

// BoxContains reports whether p lies inside b, borders included
func BoxContains(b models.BoundingBox, p models.Point) bool {
	return p.X >= b[0] && p.X <= b[2] && p.Y >= b[1] && p.Y <= b[3]
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}
