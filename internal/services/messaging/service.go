package messaging

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"camevents-worker-go/internal/config"
)

// Service is one NATS connection with its JetStream context
type Service struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  *config.Config
}

// NewService connects to NATS. role names the connection on the server.
func NewService(cfg *config.Config, role string, jsOpts ...jetstream.JetStreamOpt) (*Service, error) {
	opts := []nats.Option{
		nats.Name(fmt.Sprintf("camevents-worker-%s-%s", role, cfg.WorkerID)),
		nats.Timeout(cfg.NatsConnectTimeout),
		nats.ReconnectWait(cfg.NatsReconnectWait),
		nats.MaxReconnects(cfg.NatsMaxReconnects),
		nats.DrainTimeout(cfg.NatsDrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("role", role).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("role", role).Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.NatsURL, opts...)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(conn, jsOpts...)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	log.Info().Str("url", cfg.NatsURL).Str("role", role).Msg("NATS connection established")

	return &Service{
		conn: conn,
		js:   js,
		cfg:  cfg,
	}, nil
}

func (s *Service) JetStream() jetstream.JetStream {
	return s.js
}

// EnsureStream creates the stream when it does not exist yet. Existing
// streams are left as configured by the operator.
func (s *Service) EnsureStream(ctx context.Context, name, subject string) (jetstream.Stream, error) {
	stream, err := s.js.Stream(ctx, name)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, fmt.Errorf("failed to look up stream %s: %w", name, err)
	}

	stream, err = s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{subject},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	log.Info().Str("stream", name).Str("subject", subject).Msg("JetStream stream created")
	return stream, nil
}

func (s *Service) IsClosed() bool {
	return s.conn == nil || s.conn.IsClosed()
}

func (s *Service) Shutdown(ctx context.Context) error {
	if s.conn != nil {
		// Try graceful drain with timeout, fallback to immediate close
		if err := s.conn.Drain(); err != nil {
			log.Warn().Err(err).Msg("Failed to drain NATS connection gracefully, closing immediately")
			s.conn.Close()
		}
	}
	return nil
}

// CalculateBackoffDelay calculates jittered exponential backoff delay
func CalculateBackoffDelay(cfg *config.Config, attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	// Base delay with exponential backoff
	baseDelay := time.Duration(math.Pow(2, float64(attempt))) * time.Second

	// Clamp to configured min/max
	if baseDelay < cfg.ReconnectBackoffMin {
		baseDelay = cfg.ReconnectBackoffMin
	}
	if baseDelay > cfg.ReconnectBackoffMax {
		baseDelay = cfg.ReconnectBackoffMax
	}

	// Add jitter (random percentage of the delay)
	jitterPct := float64(cfg.ReconnectJitterPct) / 100.0
	jitter := time.Duration(float64(baseDelay) * jitterPct * (rand.Float64()*2 - 1))

	return baseDelay + jitter
}

// Retry runs fn until it succeeds or ctx is done, sleeping the reconnect
// backoff between attempts. Startup steps that need the broker go through it
// so an unreachable broker delays the worker instead of stopping it.
func Retry(ctx context.Context, cfg *config.Config, step string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s interrupted: %w (last error: %v)", step, ctx.Err(), err)
		}

		delay := CalculateBackoffDelay(cfg, attempt)
		log.Warn().Err(err).Str("step", step).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("Startup step failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s interrupted: %w (last error: %v)", step, ctx.Err(), err)
		}
	}
}
