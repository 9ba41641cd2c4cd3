package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"camevents-worker-go/internal/config"
)

// NewServiceLogger derives a component logger from the global one, tagged
// with the worker and build so lines from several replicas can be told apart.
func NewServiceLogger(cfg *config.Config, service string) zerolog.Logger {
	ctx := log.With().Str("worker_id", cfg.WorkerID).Str("service", service)
	if cfg.Version != "" {
		ctx = ctx.Str("version", cfg.Version)
	}
	return ctx.Logger()
}

func WithCamera(base zerolog.Logger, cameraID string) zerolog.Logger {
	return base.With().Str("camera_id", cameraID).Logger()
}

// WithRule tags a camera logger with the alert rule being evaluated
func WithRule(base zerolog.Logger, cameraID, rule string) zerolog.Logger {
	return base.With().Str("camera_id", cameraID).Str("rule", rule).Logger()
}
