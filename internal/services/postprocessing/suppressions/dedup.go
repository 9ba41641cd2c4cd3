package suppressions

import (
	"sync"
	"time"

	"camevents-worker-go/internal/helpers"
	"camevents-worker-go/internal/models"
)

type entry struct {
	key      string
	subject  string
	family   string
	lastSent int64
	coords   *models.BoundingBox
}

// cameraEntries holds one camera's entries and its frame clock. Cameras
// do not share a clock, so each one expires only against its own.
type cameraEntries struct {
	clock     int64
	lastPurge int64
	entries   map[string]*entry
}

func (ce *cameraEntries) advance(now int64) {
	if now > ce.clock {
		ce.clock = now
	}
}

// Cache suppresses repeated alerts for the same subject inside a cooldown.
// All times are epoch milliseconds taken from the frames being processed.
type Cache struct {
	mu                  sync.Mutex
	cooldownMs          int64
	purgeIntervalMs     int64
	similarityThreshold float64
	maxDistance         float64

	cameras map[string]*cameraEntries
}

// NewCache creates a deduplication cache
func NewCache(cooldown, purgeInterval time.Duration, similarityThreshold, maxDistance float64) *Cache {
	return &Cache{
		cooldownMs:          cooldown.Milliseconds(),
		purgeIntervalMs:     purgeInterval.Milliseconds(),
		similarityThreshold: similarityThreshold,
		maxDistance:         maxDistance,
		cameras:             make(map[string]*cameraEntries),
	}
}

// family groups kinds that describe the same condition
func family(kind models.AlertKind) string {
	switch kind {
	case models.AlertKindEntry, models.AlertKindPermanence:
		return "zone"
	default:
		return string(kind)
	}
}

func cooldownKey(cameraID, subjectID string, kind models.AlertKind) string {
	return models.AlertCooldownKey{CameraID: cameraID, SubjectID: subjectID, Kind: models.AlertKind(family(kind))}.String()
}

// ShouldSuppress reports whether an equivalent alert was recorded within the
// cooldown: same subject and kind family, or a stored detection of the same
// family whose coordinates score at or above the similarity threshold.
func (c *Cache) ShouldSuppress(cameraID, subjectID string, kind models.AlertKind, now int64, coords *models.BoundingBox) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cam, ok := c.cameras[cameraID]
	if !ok {
		return false
	}
	cam.advance(now)
	entries := cam.entries

	fam := family(kind)
	key := cooldownKey(cameraID, subjectID, kind)
	for k, e := range entries {
		if now-e.lastSent >= c.cooldownMs {
			delete(entries, k)
			continue
		}
		if e.family != fam {
			continue
		}
		if k == key {
			return true
		}
		if coords != nil && e.coords != nil &&
			helpers.SimilarityScore(*coords, *e.coords, c.maxDistance) >= c.similarityThreshold {
			return true
		}
	}
	if len(entries) == 0 {
		delete(c.cameras, cameraID)
	}
	return false
}

// Record stores the alert as sent at now
func (c *Cache) Record(cameraID, subjectID string, kind models.AlertKind, now int64, coords *models.BoundingBox) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cam, ok := c.cameras[cameraID]
	if !ok {
		cam = &cameraEntries{lastPurge: now, entries: make(map[string]*entry)}
		c.cameras[cameraID] = cam
	}
	cam.advance(now)

	key := cooldownKey(cameraID, subjectID, kind)
	e := &entry{key: key, subject: subjectID, family: family(kind), lastSent: now}
	if coords != nil {
		box := *coords
		e.coords = &box
	}
	cam.entries[key] = e

	if c.purgeIntervalMs > 0 && cam.clock-cam.lastPurge >= c.purgeIntervalMs {
		cam.lastPurge = cam.clock
		c.purgeLocked()
	}
}

// Purge drops every expired entry and returns how many were removed. Each
// camera's entries expire against the latest frame time seen for that camera.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked()
}

func (c *Cache) purgeLocked() int {
	removed := 0
	for id, cam := range c.cameras {
		for k, e := range cam.entries {
			if cam.clock-e.lastSent >= c.cooldownMs {
				delete(cam.entries, k)
				removed++
			}
		}
		if len(cam.entries) == 0 {
			delete(c.cameras, id)
		}
	}
	return removed
}

// Len returns the number of live entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, cam := range c.cameras {
		n += len(cam.entries)
	}
	return n
}
