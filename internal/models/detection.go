package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrMalformedFrame marks payloads that are not valid JSON frames. They are never retried.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrIncompleteFrame marks frames without a camera id or detection list.
	ErrIncompleteFrame = errors.New("incomplete frame")
)

// FlexString accepts both JSON strings and numbers. Upstream detectors are
// inconsistent about how they encode camera and tracking identifiers.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" || raw == "" {
		*f = ""
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	if _, err := strconv.ParseFloat(raw, 64); err != nil {
		return fmt.Errorf("expected string or number, got %s", raw)
	}
	*f = FlexString(raw)
	return nil
}

func (f FlexString) String() string { return string(f) }

// BoundingBox is x1, y1, x2, y2 in pixel space
type BoundingBox [4]float64

func (b BoundingBox) Width() float64  { return b[2] - b[0] }
func (b BoundingBox) Height() float64 { return b[3] - b[1] }

// Point is a 2D pixel coordinate
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// DetectedObject is a single detection as produced by the upstream detector
type DetectedObject struct {
	TrackingID  FlexString  `json:"id_tracking"`
	ObjectID    FlexString  `json:"object_id,omitempty"`
	Category    string      `json:"-"`
	Coords      BoundingBox `json:"coords"`
	EpochObject int64       `json:"epoch_object"`
	Accuracy    *float64    `json:"accuracy,omitempty"`

	// Attribute enrichment (OCR/color stages upstream)
	AttributeID       int      `json:"attribute_id,omitempty"`
	Description       string   `json:"description,omitempty"`
	AttributeAccuracy *float64 `json:"accuracy_attribute,omitempty"`
}

// Frame is one detection batch from one camera
type Frame struct {
	CameraID   FlexString                  `json:"camera_id"`
	EpochFrame int64                       `json:"epoch_frame"`
	ObjectDict map[string][]DetectedObject `json:"object_dict"`

	// Optional per-frame zone definitions, string encoded or structured
	ZoneRestricted json.RawMessage `json:"zone_restricted,omitempty"`
	// Image shape as [height, width]; used to scale relative zone coordinates
	Shape []int `json:"shape,omitempty"`
	// Per-message override of the abandonment threshold, in hours
	AbandonedHours *float64 `json:"tiempo_considerado_abandono,omitempty"`

	// Detections dropped while decoding; the rest of the frame is kept
	Invalid []InvalidDetection `json:"-"`
}

// InvalidDetection is an object_dict entry that could not be decoded
type InvalidDetection struct {
	Category string
	Index    int // -1 when the whole category list was unreadable
	Err      error
}

func (d InvalidDetection) Error() string {
	return fmt.Sprintf("detection %s[%d]: %v", d.Category, d.Index, d.Err)
}

type frameFields Frame

// ParseFrame decodes a broker payload. Decoding failures of the envelope wrap
// ErrMalformedFrame, missing camera id or detection list wrap
// ErrIncompleteFrame. Detections are decoded one by one: an unreadable
// detection lands in Frame.Invalid and the others are kept.
func ParseFrame(data []byte) (*Frame, error) {
	var wire struct {
		frameFields
		ObjectDict map[string]json.RawMessage `json:"object_dict"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	frame := Frame(wire.frameFields)
	if frame.CameraID == "" {
		return nil, fmt.Errorf("%w: missing camera_id", ErrIncompleteFrame)
	}
	if wire.ObjectDict == nil {
		return nil, fmt.Errorf("%w: missing object_dict", ErrIncompleteFrame)
	}

	frame.ObjectDict = make(map[string][]DetectedObject, len(wire.ObjectDict))
	for category, raw := range wire.ObjectDict {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			frame.Invalid = append(frame.Invalid, InvalidDetection{Category: category, Index: -1, Err: err})
			continue
		}
		detections := make([]DetectedObject, 0, len(items))
		for i, item := range items {
			var det DetectedObject
			if err := json.Unmarshal(item, &det); err != nil {
				frame.Invalid = append(frame.Invalid, InvalidDetection{Category: category, Index: i, Err: err})
				continue
			}
			detections = append(detections, det)
		}
		frame.ObjectDict[category] = detections
	}
	sort.Slice(frame.Invalid, func(i, j int) bool {
		if frame.Invalid[i].Category != frame.Invalid[j].Category {
			return frame.Invalid[i].Category < frame.Invalid[j].Category
		}
		return frame.Invalid[i].Index < frame.Invalid[j].Index
	})
	return &frame, nil
}

// Objects flattens object_dict into a slice ordered by category then tracking id,
// assigning each detection its category.
func (f *Frame) Objects() []DetectedObject {
	categories := make([]string, 0, len(f.ObjectDict))
	for c := range f.ObjectDict {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var out []DetectedObject
	for _, c := range categories {
		group := make([]DetectedObject, len(f.ObjectDict[c]))
		copy(group, f.ObjectDict[c])
		sort.SliceStable(group, func(i, j int) bool {
			return CompareIDs(string(group[i].TrackingID), string(group[j].TrackingID)) < 0
		})
		for i := range group {
			group[i].Category = c
			out = append(out, group[i])
		}
	}
	return out
}

// ImageSize returns width and height from Shape, defaulting to 1920x1080.
func (f *Frame) ImageSize() (width, height float64) {
	if len(f.Shape) >= 2 && f.Shape[0] > 0 && f.Shape[1] > 0 {
		return float64(f.Shape[1]), float64(f.Shape[0])
	}
	return 1920, 1080
}

// CompareIDs orders identifiers numerically when both parse as numbers,
// lexically otherwise.
func CompareIDs(a, b string) int {
	na, errA := strconv.ParseFloat(a, 64)
	nb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
