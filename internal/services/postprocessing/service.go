package postprocessing

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/rs/zerolog"

	"camevents-worker-go/internal/config"
	"camevents-worker-go/internal/logging"
	"camevents-worker-go/internal/models"
	"camevents-worker-go/internal/services/postprocessing/alerts"
	"camevents-worker-go/internal/services/tracking"
)

// Result summarizes one processed frame
type Result struct {
	Stale        bool
	Sleeping     bool
	Observations int
	Evicted      int
	Alerts       int
	Errors       int
}

// Stats are cumulative counters since start
type Stats struct {
	Frames  int64
	Stale   int64
	Skipped int64
	Alerts  int64
	Errors  int64
}

// Service applies frames to the per-camera tracked state and turns the
// resulting transitions into published alerts.
type Service struct {
	cfg       *config.Config
	store     *tracking.Store
	tracker   *tracking.Tracker
	zones     *ZoneRegistry
	duty      *DutyCycle
	publisher models.MessagePublisher
	logger    zerolog.Logger

	objectRules   []alerts.ObjectRule
	evictionRules []alerts.EvictionRule
	frameRules    []alerts.FrameRule

	snapshotMs int64

	frames  atomic.Int64
	stale   atomic.Int64
	skipped atomic.Int64
	alerts  atomic.Int64
	errors  atomic.Int64
}

// NewService creates the engine. Each rule is registered under every rule
// interface it implements.
func NewService(cfg *config.Config, store *tracking.Store, tracker *tracking.Tracker, zones *ZoneRegistry, publisher models.MessagePublisher, rules ...alerts.Rule) (*Service, error) {
	if publisher == nil {
		return nil, fmt.Errorf("message publisher is required")
	}
	if store == nil || tracker == nil {
		return nil, fmt.Errorf("tracking store and tracker are required")
	}
	if zones == nil {
		zones = NewZoneRegistry(nil)
	}

	s := &Service{
		cfg:        cfg,
		store:      store,
		tracker:    tracker,
		zones:      zones,
		duty:       NewDutyCycle(cfg.DutyCycleEnabled, cfg.DutyCycleActive, cfg.DutyCycleSleep, cfg.DutyCycleBackupLead),
		publisher:  publisher,
		logger:     logging.NewServiceLogger(cfg, "engine"),
		snapshotMs: cfg.SnapshotInterval.Milliseconds(),
	}

	names := make([]string, 0, len(rules))
	for _, rule := range rules {
		registered := false
		if r, ok := rule.(alerts.ObjectRule); ok {
			s.objectRules = append(s.objectRules, r)
			registered = true
		}
		if r, ok := rule.(alerts.EvictionRule); ok {
			s.evictionRules = append(s.evictionRules, r)
			registered = true
		}
		if r, ok := rule.(alerts.FrameRule); ok {
			s.frameRules = append(s.frameRules, r)
			registered = true
		}
		if !registered {
			return nil, fmt.Errorf("rule %s implements no rule interface", rule.Name())
		}
		names = append(names, rule.Name())
	}

	s.logger.Info().
		Strs("processors", names).
		Bool("duty_cycle", s.duty != nil).
		Dur("snapshot_interval", cfg.SnapshotInterval).
		Msg("Post-processing service initialized")

	return s, nil
}

// Shutdown persists every camera state
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.store.SaveAll(ctx)
	stats := s.Stats()
	s.logger.Info().
		Int64("frames", stats.Frames).
		Int64("stale", stats.Stale).
		Int64("alerts", stats.Alerts).
		Int64("errors", stats.Errors).
		Msg("Post-processing service shutdown")
	return err
}

func (s *Service) Stats() Stats {
	return Stats{
		Frames:  s.frames.Load(),
		Stale:   s.stale.Load(),
		Skipped: s.skipped.Load(),
		Alerts:  s.alerts.Load(),
		Errors:  s.errors.Load(),
	}
}

// ProcessFrame applies one frame to its camera. Frames with an epoch at or
// before the camera's last processed epoch are discarded untouched, which
// makes redelivery idempotent. Alerts are published while the camera is
// held so their order follows frame order.
func (s *Service) ProcessFrame(ctx context.Context, frame *models.Frame) (Result, error) {
	var result Result
	cameraID := frame.CameraID.String()
	now := frame.EpochFrame
	s.frames.Add(1)

	err := s.store.WithCamera(ctx, cameraID, func(state *models.CameraState) error {
		if state.LastEpoch != 0 && now <= state.LastEpoch {
			result.Stale = true
			return nil
		}
		if state.FirstEpoch == 0 {
			state.FirstEpoch = now
		}
		if !s.duty.Active(state.FirstEpoch, now) {
			result.Sleeping = true
			state.LastEpoch = now
			return nil
		}

		width, height := frame.ImageSize()
		fc := &alerts.FrameContext{
			Ctx:    ctx,
			Frame:  frame,
			State:  state,
			Zones:  s.zones.ZonesFor(frame),
			Width:  width,
			Height: height,
			Now:    now,
		}

		update := s.tracker.Apply(state, frame.Objects(), now)
		camLog := logging.WithCamera(s.logger, cameraID)
		for _, oe := range update.Errors {
			camLog.Warn().
				Err(oe.Err).
				Str("id_tracking", oe.Detection.TrackingID.String()).
				Msg("Skipping detection")
		}
		for _, inv := range frame.Invalid {
			camLog.Warn().
				Err(inv.Err).
				Str("category", inv.Category).
				Int("index", inv.Index).
				Msg("Skipping undecodable detection")
		}
		result.Observations = len(update.Observations)
		result.Evicted = len(update.Evicted)
		result.Errors = len(update.Errors) + len(frame.Invalid)

		var events []models.AlertEvent
		for _, obs := range update.Observations {
			for _, rule := range s.objectRules {
				events = append(events, s.observe(fc, rule, obs, &result)...)
			}
		}
		for _, obj := range update.Evicted {
			for _, rule := range s.evictionRules {
				events = append(events, s.evict(fc, rule, obj, &result)...)
			}
		}
		for _, rule := range s.frameRules {
			events = append(events, s.evaluate(fc, rule, update, &result)...)
		}

		state.LastEpoch = now
		s.persist(ctx, state, now, len(events) > 0)

		for _, event := range events {
			s.publish(event)
		}
		result.Alerts = len(events)
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("failed to process frame for camera %s: %w", cameraID, err)
	}

	switch {
	case result.Stale:
		s.stale.Add(1)
		camLog := logging.WithCamera(s.logger, cameraID)
		camLog.Debug().Int64("epoch_frame", now).Msg("Discarding stale frame")
	case result.Sleeping:
		s.skipped.Add(1)
	}
	s.alerts.Add(int64(result.Alerts))
	s.errors.Add(int64(result.Errors))

	return result, nil
}

// observe runs one object rule, isolating its failure to this object
func (s *Service) observe(fc *alerts.FrameContext, rule alerts.ObjectRule, obs tracking.Observation, result *Result) (events []models.AlertEvent) {
	ruleLog := logging.WithRule(s.logger, fc.CameraID(), rule.Name())
	defer func() {
		if r := recover(); r != nil {
			result.Errors++
			events = nil
			ruleLog.Error().
				Str("id_tracking", obs.Object.TrackingID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Rule panicked")
		}
	}()

	events, err := rule.Observe(fc, obs)
	if err != nil {
		result.Errors++
		ruleLog.Warn().Err(err).Str("id_tracking", obs.Object.TrackingID).Msg("Rule failed for object")
	}
	return events
}

func (s *Service) evict(fc *alerts.FrameContext, rule alerts.EvictionRule, obj *models.TrackedObject, result *Result) (events []models.AlertEvent) {
	defer func() {
		if r := recover(); r != nil {
			result.Errors++
			events = nil
			ruleLog := logging.WithRule(s.logger, fc.CameraID(), rule.Name())
			ruleLog.Error().
				Str("id_tracking", obj.TrackingID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Rule panicked on eviction")
		}
	}()

	return rule.Evicted(fc, obj)
}

func (s *Service) evaluate(fc *alerts.FrameContext, rule alerts.FrameRule, update tracking.Update, result *Result) (events []models.AlertEvent) {
	ruleLog := logging.WithRule(s.logger, fc.CameraID(), rule.Name())
	defer func() {
		if r := recover(); r != nil {
			result.Errors++
			events = nil
			ruleLog.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Rule panicked")
		}
	}()

	events, err := rule.EvaluateFrame(fc, update)
	if err != nil {
		result.Errors++
		ruleLog.Warn().Err(err).Msg("Frame rule failed")
	}
	return events
}

// persist snapshots the camera after alerts, periodically, and ahead of an
// idle window. Failures are logged and processing goes on.
func (s *Service) persist(ctx context.Context, state *models.CameraState, now int64, alerted bool) {
	due := alerted ||
		(s.snapshotMs > 0 && now-state.LastSnapshotEpoch >= s.snapshotMs) ||
		s.duty.NearWindowEnd(state.FirstEpoch, now)
	if !due {
		return
	}

	previous := state.LastSnapshotEpoch
	state.LastSnapshotEpoch = now
	if err := s.store.Save(ctx, state); err != nil {
		state.LastSnapshotEpoch = previous
		camLog := logging.WithCamera(s.logger, state.CameraID)
		camLog.Warn().Err(err).Msg("Failed to persist camera state")
	}
}

func (s *Service) publish(event models.AlertEvent) {
	if err := s.publisher.PublishAsync(s.cfg.OutputSubject, event); err != nil {
		s.logger.Error().
			Err(err).
			Str("camera_id", event.CameraID).
			Str("alert_id", event.AlertID).
			Str("kind", string(event.Kind)).
			Msg("Failed to publish alert")
		return
	}

	s.logger.Info().
		Str("camera_id", event.CameraID).
		Str("alert_id", event.AlertID).
		Str("kind", string(event.Kind)).
		Str("subject_id", event.SubjectID).
		Msg("Alert published")
}
