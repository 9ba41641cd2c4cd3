package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"camevents-worker-go/internal/config"
	"camevents-worker-go/internal/logging"
	"camevents-worker-go/internal/models"
	"camevents-worker-go/internal/services/kvstore"
	"camevents-worker-go/internal/services/messaging"
	"camevents-worker-go/internal/services/postprocessing"
	"camevents-worker-go/internal/services/postprocessing/alerts"
	"camevents-worker-go/internal/services/postprocessing/suppressions"
	"camevents-worker-go/internal/services/tracking"
	"camevents-worker-go/internal/worker"
)

// ServiceContainer holds all services
type ServiceContainer struct {
	Config       *config.Config
	Messaging    *messaging.Service
	KV           kvstore.Store
	Store        *tracking.Store
	Engine       *postprocessing.Service
	Publisher    *messaging.Publisher
	Pool         *worker.Pool
	Consumer     *messaging.Consumer
	logger       zerolog.Logger
	started      bool
	cancelWorker context.CancelFunc
}

// NewServiceContainer creates a new service container
func NewServiceContainer(ctx context.Context, cfg *config.Config) (*ServiceContainer, error) {
	sc := &ServiceContainer{
		Config: cfg,
		logger: logging.NewServiceLogger(cfg, "container"),
	}

	var static []models.Zone
	if cfg.ZonesFile != "" {
		var err error
		static, err = postprocessing.LoadZoneFile(cfg.ZonesFile)
		if err != nil {
			return nil, err
		}
		sc.logger.Info().Str("path", cfg.ZonesFile).Int("zones", len(static)).Msg("Static zones loaded")
	}

	// The broker may come up after the worker; keep trying until it does
	if err := messaging.Retry(ctx, cfg, "broker setup", sc.connectBroker); err != nil {
		return nil, err
	}

	sc.Store = tracking.NewStore(sc.KV, cfg.RestoreTimeout)
	tracker := tracking.NewTracker(tracking.Params{
		DistanceThreshold:   cfg.DistanceThreshold,
		SimilarityThreshold: cfg.SimilarityThreshold,
		MaxDistance:         cfg.ReidMaxDistance,
	}, cfg.MissedFrameThreshold, cfg.StaleObjectTTL, cfg.TrackCategories)
	dedup := suppressions.NewCache(cfg.DedupCooldown, cfg.DedupPurgeInterval, cfg.SimilarityThreshold, cfg.ReidMaxDistance)

	sc.Publisher = messaging.NewPublisher(cfg, sc.Messaging.JetStream())
	engine, err := postprocessing.NewService(cfg, sc.Store, tracker, postprocessing.NewZoneRegistry(static), sc.Publisher, buildRules(cfg, sc.KV, dedup)...)
	if err != nil {
		sc.Shutdown(ctx)
		return nil, err
	}
	sc.Engine = engine

	sc.Pool = worker.NewPool(cfg.WorkerPoolSize, cfg.TaskQueueSize)
	sc.Consumer = messaging.NewConsumer(cfg, messaging.NewJetStreamConnector(cfg), sc.Pool, sc.handleFrame)

	sc.logger.Info().
		Str("kv_backend", cfg.KVBackend).
		Int("workers", cfg.WorkerPoolSize).
		Int("prefetch", cfg.Prefetch).
		Msg("Services initialized")
	return sc, nil
}

// connectBroker opens the publisher connection, which also hosts the output
// stream and the KV bucket. A partial setup is torn down before returning.
func (sc *ServiceContainer) connectBroker(ctx context.Context) error {
	cfg := sc.Config
	msg, err := messaging.NewService(cfg, "publisher", jetstream.WithPublishAsyncMaxPending(cfg.PublishQueueSize))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if _, err := msg.EnsureStream(ctx, cfg.OutputStream, cfg.OutputSubject); err != nil {
		msg.Shutdown(ctx)
		return err
	}

	kv, err := newKVStore(ctx, cfg, msg.JetStream())
	if err != nil {
		msg.Shutdown(ctx)
		return err
	}

	sc.Messaging = msg
	sc.KV = kv
	return nil
}

// buildRules instantiates the enabled processors in evaluation order
func buildRules(cfg *config.Config, kv kvstore.Store, dedup *suppressions.Cache) []alerts.Rule {
	var rules []alerts.Rule
	if cfg.ProcessorEnabled("abandoned") {
		rules = append(rules, alerts.NewAbandonedRule(cfg.AbandonedThreshold, dedup))
	}
	if cfg.ProcessorEnabled("restricted") {
		rules = append(rules, alerts.NewRestrictedZoneRule(cfg.ZonePermanence))
	}
	if cfg.ProcessorEnabled("parking") {
		rules = append(rules, alerts.NewParkingRule(kv, cfg.ParkingLimit, cfg.ParkingPadding, cfg.WatchlistCacheTTL))
	}
	if cfg.ProcessorEnabled("platematch") {
		rules = append(rules, alerts.NewPlateMatchRule(kv, cfg.WatchlistTypes, cfg.WatchlistCacheTTL, dedup))
	}
	if cfg.ProcessorEnabled("congestion") {
		rules = append(rules, alerts.NewCongestionRule(kv, cfg.CongestionLapse, cfg.CongestionWeeks, cfg.CongestionMinLapses, cfg.WatchlistCacheTTL))
	}
	return rules
}

func newKVStore(ctx context.Context, cfg *config.Config, js jetstream.JetStream) (kvstore.Store, error) {
	switch cfg.KVBackend {
	case "jetstream", "":
		s, err := kvstore.NewJetStreamStore(ctx, js, cfg.KVBucket)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := kvstore.NewSQLiteStore(cfg.KVSQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return kvstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown KV backend %q", cfg.KVBackend)
	}
}

// handleFrame runs on a pool worker
func (sc *ServiceContainer) handleFrame(ctx context.Context, frame *models.Frame) error {
	ctx = logging.WithFrame(ctx, frame)
	start := time.Now()

	result, err := sc.Engine.ProcessFrame(ctx, frame)
	if err != nil {
		logging.Error(ctx).Err(err).Msg("Frame processing failed")
		return err
	}

	logging.Debug(ctx).
		Bool("stale", result.Stale).
		Bool("sleeping", result.Sleeping).
		Int("objects", result.Observations).
		Int("evicted", result.Evicted).
		Int("alerts", result.Alerts).
		Int("errors", result.Errors).
		Dur("processing_time", time.Since(start)).
		Msg("Frame processed")
	return nil
}

// Start begins consuming frames
func (sc *ServiceContainer) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(context.Background())
	sc.cancelWorker = cancel
	sc.started = true

	sc.Publisher.Start()
	sc.Pool.Start(workerCtx)
	sc.Consumer.Start(ctx)
}

// Shutdown gracefully shuts down all services: stop intake, finish in-flight
// frames, persist state, flush alerts, then close connections.
func (sc *ServiceContainer) Shutdown(ctx context.Context) error {
	var errs []error

	if sc.started {
		if err := sc.Consumer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if sc.Pool != nil {
		sc.Pool.Close()
		if err := sc.Pool.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if sc.cancelWorker != nil {
		sc.cancelWorker()
	}

	if sc.Engine != nil {
		if err := sc.Engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to persist state: %w", err))
		}
	}

	if sc.started {
		if err := sc.Publisher.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if sc.KV != nil {
		if err := sc.KV.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if sc.Messaging != nil {
		if err := sc.Messaging.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
