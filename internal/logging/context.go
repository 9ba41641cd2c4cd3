package logging

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"camevents-worker-go/internal/models"
)

type ctxKey string

const (
	ctxCameraID ctxKey = "camera_id"
	ctxEpoch    ctxKey = "epoch_frame"
)

// WithFrame tags ctx with the frame being processed
func WithFrame(ctx context.Context, frame *models.Frame) context.Context {
	ctx = context.WithValue(ctx, ctxCameraID, frame.CameraID.String())
	return context.WithValue(ctx, ctxEpoch, frame.EpochFrame)
}

func withContext(ctx context.Context, e *zerolog.Event) *zerolog.Event {
	if ctx == nil {
		return e
	}
	if v, ok := ctx.Value(ctxCameraID).(string); ok && v != "" {
		e.Str("camera_id", v)
	}
	if v, ok := ctx.Value(ctxEpoch).(int64); ok && v != 0 {
		e.Int64("epoch_frame", v)
	}
	return e
}

func Info(ctx context.Context) *zerolog.Event  { return withContext(ctx, log.Info()) }
func Debug(ctx context.Context) *zerolog.Event { return withContext(ctx, log.Debug()) }
func Warn(ctx context.Context) *zerolog.Event  { return withContext(ctx, log.Warn()) }
func Error(ctx context.Context) *zerolog.Event { return withContext(ctx, log.Error()) }
