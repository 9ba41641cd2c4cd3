package tracking

import (
	"camevents-worker-go/internal/helpers"
	"camevents-worker-go/internal/models"
)

// MatchKind is the outcome of re-identifying one detection
type MatchKind int

const (
	// MatchNew means no stored object corresponds to the detection
	MatchNew MatchKind = iota
	// MatchDirect is the same tracking id within the distance threshold
	MatchDirect
	// MatchMoved is the same tracking id beyond the distance threshold
	MatchMoved
	// MatchReidentified is a different stored id scoring above the similarity threshold
	MatchReidentified
)

func (k MatchKind) String() string {
	switch k {
	case MatchDirect:
		return "direct"
	case MatchMoved:
		return "moved"
	case MatchReidentified:
		return "reidentified"
	default:
		return "new"
	}
}

// Match is a re-identification decision plus its confidence
type Match struct {
	Kind       MatchKind
	ExistingID string
	Score      float64
}

// Params tunes re-identification and dwell accounting
type Params struct {
	DistanceThreshold   float64 // px
	SimilarityThreshold float64 // 0-1, candidates must score strictly above it
	MaxDistance         float64 // px, normalizes the distance term of the score
}

// Reidentify decides which stored object, if any, the detection belongs to.
// Stored ids in reserved (already claimed this frame, or present under their
// own id in the same frame) are never chosen as similarity candidates.
// objects is not mutated.
func Reidentify(objects map[string]*models.TrackedObject, det models.DetectedObject, reserved map[string]bool, p Params) Match {
	id := string(det.TrackingID)
	centroid := helpers.Centroid(det.Coords)

	if existing, ok := objects[id]; ok {
		d := helpers.Distance(existing.Centroid, centroid)
		if d <= p.DistanceThreshold {
			return Match{Kind: MatchDirect, ExistingID: id, Score: 1}
		}
		return Match{Kind: MatchMoved, ExistingID: id, Score: helpers.SimilarityScore(existing.BoundingBox, det.Coords, p.MaxDistance)}
	}

	best := Match{Kind: MatchNew}
	for _, candID := range sortedIDs(objects) {
		if candID == id || reserved[candID] {
			continue
		}
		cand := objects[candID]
		if cand.Category != det.Category {
			continue
		}
		score := helpers.SimilarityScore(cand.BoundingBox, det.Coords, p.MaxDistance)
		if score <= p.SimilarityThreshold {
			continue
		}
		// ids are visited in ascending order, so equal scores keep the lowest id
		if best.Kind == MatchNew || score > best.Score {
			best = Match{Kind: MatchReidentified, ExistingID: candID, Score: score}
		}
	}
	return best
}
