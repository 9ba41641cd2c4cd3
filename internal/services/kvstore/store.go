// Package kvstore is the external key-value store used for warm restarts and
// lookup tables (parking limits, watchlists, congestion history).
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("key not found")

// Store is the minimal contract every backend satisfies
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key joins the parts with "." after escaping each one. Letters, digits, "-"
// and "_" are kept; every other byte, "=" included, becomes "=" plus two hex
// digits, so distinct parts always give distinct keys. An empty part is "=".
func Key(parts ...string) string {
	clean := make([]string, len(parts))
	for i, p := range parts {
		clean[i] = escape(p)
	}
	return strings.Join(clean, ".")
}

func escape(part string) string {
	if part == "" {
		return "="
	}
	var b strings.Builder
	for i := 0; i < len(part); i++ {
		c := part[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}
	return b.String()
}

// CameraKey is where a camera's tracking snapshot is stored
func CameraKey(cameraID string) string {
	return Key("camera", cameraID)
}

// RegistryKey holds the JSON list of cameras with persisted state
const RegistryKey = "cameras"
