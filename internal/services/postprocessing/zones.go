package postprocessing

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"camevents-worker-go/internal/models"
)

// ZoneFile is the static zones document loaded from ZONES_FILE
type ZoneFile struct {
	Zones []models.Zone `yaml:"zones"`
}

// LoadZoneFile reads static zones from yaml
func LoadZoneFile(path string) ([]models.Zone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read zones file: %w", err)
	}

	var zf ZoneFile
	if err := yaml.Unmarshal(data, &zf); err != nil {
		return nil, fmt.Errorf("failed to parse zones file: %w", err)
	}
	for i := range zf.Zones {
		if zf.Zones[i].Name == "" {
			zf.Zones[i].Name = models.ZoneRestricted
		}
		if zf.Zones[i].ID == "" {
			zf.Zones[i].ID = zf.Zones[i].Name
		}
	}
	return zf.Zones, nil
}

type cachedZones struct {
	version uint64
	zones   []models.Zone
}

// ZoneRegistry turns frame-embedded zone data into typed zones, parsing each
// distinct payload once per camera. Cameras whose frames carry no zones use
// the static zones.
type ZoneRegistry struct {
	mu     sync.RWMutex
	static map[string][]models.Zone
	parsed map[string]cachedZones
}

func NewZoneRegistry(static []models.Zone) *ZoneRegistry {
	r := &ZoneRegistry{
		static: make(map[string][]models.Zone),
		parsed: make(map[string]cachedZones),
	}
	for _, z := range static {
		r.static[z.CameraID] = append(r.static[z.CameraID], z)
	}
	return r
}

// ZonesFor returns the zones that apply to the frame
func (r *ZoneRegistry) ZonesFor(frame *models.Frame) []models.Zone {
	cameraID := frame.CameraID.String()
	raw := strings.TrimSpace(string(frame.ZoneRestricted))
	if raw == "" || raw == "null" {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.static[cameraID]
	}

	version := hashZones(raw)
	r.mu.RLock()
	cached, ok := r.parsed[cameraID]
	r.mu.RUnlock()
	if ok && cached.version == version {
		return cached.zones
	}

	zones, err := ParseZones(cameraID, raw)
	if err != nil {
		log.Warn().Err(err).Str("camera_id", cameraID).Msg("Ignoring invalid zone_restricted")
		zones = nil
	}

	r.mu.Lock()
	r.parsed[cameraID] = cachedZones{version: version, zones: zones}
	r.mu.Unlock()

	log.Debug().Str("camera_id", cameraID).Int("zones", len(zones)).Msg("Zones updated")
	return zones
}

func hashZones(raw string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(raw))
	return h.Sum64()
}

// ParseZones accepts both zone_restricted shapes:
//
//	"{'21': [[[x,y],...]], ...}"                          string-encoded, pixel polygons, restricted
//	{"restricted": {"coords": [...], "minimum_time": ms}}  structured, kind per key
//
// Polygons with fewer than three valid points are dropped.
func ParseZones(cameraID, raw string) ([]models.Zone, error) {
	doc := gjson.Parse(raw)
	if doc.Type == gjson.String {
		return parseStringZones(cameraID, doc.String())
	}
	if !doc.IsObject() {
		return nil, fmt.Errorf("zone_restricted must be an object or string")
	}

	var zones []models.Zone
	doc.ForEach(func(key, value gjson.Result) bool {
		name := strings.ToLower(key.String())
		if name != models.ZoneRestricted && name != models.ZoneParking {
			return true
		}
		if !value.IsObject() {
			return true
		}
		polygons := parsePolygons(value.Get("coords"))
		if len(polygons) == 0 {
			return true
		}
		zones = append(zones, models.Zone{
			CameraID:              cameraID,
			ID:                    key.String(),
			Name:                  name,
			Polygons:              polygons,
			Relative:              isRelative(polygons),
			PermanenceThresholdMs: value.Get("minimum_time").Int(),
		})
		return true
	})
	return zones, nil
}

// parseStringZones handles the python-literal mapping of zone id to polygons
func parseStringZones(cameraID, literal string) ([]models.Zone, error) {
	literal = strings.TrimSpace(literal)
	switch strings.ToLower(literal) {
	case "", "none", "{}", "[]":
		return nil, nil
	}

	normalized := strings.NewReplacer("'", `"`, "(", "[", ")", "]").Replace(literal)
	if !gjson.Valid(normalized) {
		return nil, fmt.Errorf("unparseable zone literal")
	}

	doc := gjson.Parse(normalized)
	if !doc.IsObject() {
		return nil, fmt.Errorf("zone literal must be a mapping")
	}

	var zones []models.Zone
	doc.ForEach(func(key, value gjson.Result) bool {
		polygons := parsePolygons(value)
		if len(polygons) == 0 {
			return true
		}
		zones = append(zones, models.Zone{
			CameraID: cameraID,
			ID:       key.String(),
			Name:     models.ZoneRestricted,
			Polygons: polygons,
			Relative: isRelative(polygons),
		})
		return true
	})
	sort.Slice(zones, func(i, j int) bool { return models.CompareIDs(zones[i].ID, zones[j].ID) < 0 })
	return zones, nil
}

// parsePolygons reads either one polygon [[x,y],...] or a list of them
func parsePolygons(v gjson.Result) [][]models.Point {
	if !v.IsArray() {
		return nil
	}
	items := v.Array()
	if len(items) == 0 {
		return nil
	}

	var candidates []gjson.Result
	if first := items[0]; first.IsArray() && len(first.Array()) > 0 && first.Array()[0].IsArray() {
		candidates = items
	} else {
		candidates = []gjson.Result{v}
	}

	var polygons [][]models.Point
	for _, c := range candidates {
		var poly []models.Point
		for _, p := range c.Array() {
			xy := p.Array()
			if len(xy) < 2 || xy[0].Type != gjson.Number || xy[1].Type != gjson.Number {
				continue
			}
			poly = append(poly, models.Point{X: xy[0].Float(), Y: xy[1].Float()})
		}
		if len(poly) >= 3 {
			polygons = append(polygons, poly)
		}
	}
	return polygons
}

// isRelative reports whether every coordinate lies in [0, 1]
func isRelative(polygons [][]models.Point) bool {
	for _, poly := range polygons {
		for _, p := range poly {
			if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
				return false
			}
		}
	}
	return true
}
