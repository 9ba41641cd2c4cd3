package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"camevents-worker-go/internal/models"
	"camevents-worker-go/internal/services/kvstore"
)

type partition struct {
	mu         sync.Mutex
	state      *models.CameraState
	restored   bool
	registered bool
}

// Store is the per-camera tracked object map. Each camera is an independent
// partition with its own lock: at most one mutation per camera runs at a
// time while different cameras proceed in parallel.
type Store struct {
	kv             kvstore.Store
	restoreTimeout time.Duration

	mu         sync.Mutex
	partitions map[string]*partition
}

// NewStore creates a store. kv may be nil, in which case nothing is persisted.
func NewStore(kv kvstore.Store, restoreTimeout time.Duration) *Store {
	return &Store{
		kv:             kv,
		restoreTimeout: restoreTimeout,
		partitions:     make(map[string]*partition),
	}
}

func (s *Store) partition(cameraID string) *partition {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[cameraID]
	if !ok {
		p = &partition{state: models.NewCameraState(cameraID)}
		s.partitions[cameraID] = p
	}
	return p
}

// WithCamera runs fn holding the camera's lock. The first call for a camera
// restores its state from the KV store; restore failures degrade to an empty
// state.
func (s *Store) WithCamera(ctx context.Context, cameraID string, fn func(state *models.CameraState) error) error {
	p := s.partition(cameraID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.restored {
		p.restored = true
		s.restoreLocked(ctx, p, cameraID)
	}
	return fn(p.state)
}

func (s *Store) restoreLocked(ctx context.Context, p *partition, cameraID string) {
	if s.kv == nil {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, s.restoreTimeout)
	defer cancel()

	raw, err := s.kv.Get(rctx, kvstore.CameraKey(cameraID))
	if errors.Is(err, kvstore.ErrNotFound) {
		log.Debug().Str("camera_id", cameraID).Msg("No persisted state for camera")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("camera_id", cameraID).Msg("Failed to restore camera state, starting empty")
		return
	}

	state, err := decodeState(cameraID, raw)
	if err != nil {
		log.Warn().Err(err).Str("camera_id", cameraID).Msg("Discarding corrupt camera snapshot")
		return
	}
	p.state = state
	p.registered = true

	log.Info().
		Str("camera_id", cameraID).
		Int("objects", len(state.Objects)).
		Int64("last_epoch", state.LastEpoch).
		Msg("Camera state restored")
}

// Get returns a copy of a tracked object
func (s *Store) Get(cameraID, trackingID string) (*models.TrackedObject, bool) {
	p := s.partition(cameraID)
	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.state.Objects[trackingID]
	if !ok {
		return nil, false
	}
	return obj.Clone(), true
}

// Put stores a copy of obj under its camera and tracking id
func (s *Store) Put(obj *models.TrackedObject) {
	p := s.partition(obj.CameraID)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.Objects[obj.TrackingID] = obj.Clone()
}

// Delete removes a tracked object and reports whether it existed
func (s *Store) Delete(cameraID, trackingID string) bool {
	p := s.partition(cameraID)
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.state.Objects[trackingID]
	delete(p.state.Objects, trackingID)
	return ok
}

// Snapshot serializes the camera's state
func (s *Store) Snapshot(cameraID string) ([]byte, error) {
	p := s.partition(cameraID)
	p.mu.Lock()
	defer p.mu.Unlock()

	return json.Marshal(p.state)
}

// Restore replaces the camera's state with a snapshot
func (s *Store) Restore(cameraID string, data []byte) error {
	state, err := decodeState(cameraID, data)
	if err != nil {
		return err
	}

	p := s.partition(cameraID)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = state
	p.restored = true
	return nil
}

// Save writes state to the KV store. The caller must be inside WithCamera for
// state's camera.
func (s *Store) Save(ctx context.Context, state *models.CameraState) error {
	if s.kv == nil {
		return nil
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode camera state: %w", err)
	}
	if err := s.kv.Put(ctx, kvstore.CameraKey(state.CameraID), raw); err != nil {
		return err
	}

	p := s.partition(state.CameraID)
	if !p.registered {
		if err := kvstore.RegisterCamera(ctx, s.kv, state.CameraID); err != nil {
			return fmt.Errorf("failed to register camera: %w", err)
		}
		p.registered = true
	}
	return nil
}

// SaveAll persists every loaded camera, used on shutdown
func (s *Store) SaveAll(ctx context.Context) error {
	var errs []error
	for _, cameraID := range s.Cameras() {
		err := s.WithCamera(ctx, cameraID, func(state *models.CameraState) error {
			return s.Save(ctx, state)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("camera %s: %w", cameraID, err))
		}
	}
	return errors.Join(errs...)
}

// Cameras lists the loaded camera ids in order
func (s *Store) Cameras() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.partitions))
	for id := range s.partitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func decodeState(cameraID string, raw []byte) (*models.CameraState, error) {
	var state models.CameraState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode camera state: %w", err)
	}
	state.CameraID = cameraID
	if state.Objects == nil {
		state.Objects = make(map[string]*models.TrackedObject)
	}
	return &state, nil
}

func sortedIDs(objects map[string]*models.TrackedObject) []string {
	ids := make([]string, 0, len(objects))
	for id := range objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return models.CompareIDs(ids[i], ids[j]) < 0 })
	return ids
}
