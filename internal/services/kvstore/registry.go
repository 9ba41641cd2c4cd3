package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ListCameras returns the camera ids recorded in the registry
func ListCameras(ctx context.Context, s Store) ([]string, error) {
	raw, err := s.Get(ctx, RegistryKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("corrupt camera registry: %w", err)
	}
	return ids, nil
}

// RegisterCamera adds the camera to the registry if missing. Callers that
// share a registry across processes accept last-writer-wins semantics.
func RegisterCamera(ctx context.Context, s Store, cameraID string) error {
	ids, err := ListCameras(ctx, s)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == cameraID {
			return nil
		}
	}

	ids = append(ids, cameraID)
	sort.Strings(ids)
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.Put(ctx, RegistryKey, raw)
}
