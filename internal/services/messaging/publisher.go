package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"camevents-worker-go/internal/config"
	"camevents-worker-go/internal/logging"
	"camevents-worker-go/internal/models"
)

var (
	ErrPublisherClosed  = errors.New("publisher closed")
	ErrPublishQueueFull = errors.New("publish queue full")
)

// AsyncPublisher is the JetStream publish surface the publisher needs
type AsyncPublisher interface {
	PublishAsync(subject string, payload []byte, opts ...jetstream.PublishOpt) (jetstream.PubAckFuture, error)
}

type outbound struct {
	subject string
	payload []byte
	msgID   string
}

type inflightPublish struct {
	msgID  string
	sentAt time.Time
}

// PublisherStats are cumulative counters since start
type PublisherStats struct {
	Sent        int64
	Acked       int64
	Nacked      int64
	Unconfirmed int64
	Failed      int64
}

// Publisher sends alerts without blocking the caller. A single goroutine
// owns the broker side: it publishes queued messages and collects their
// confirmations. Messages the broker does not confirm in time are counted
// and logged, not retried.
type Publisher struct {
	cfg    *config.Config
	js     AsyncPublisher
	queue  chan outbound
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	inflight map[jetstream.PubAckFuture]inflightPublish

	sent        atomic.Int64
	acked       atomic.Int64
	nacked      atomic.Int64
	unconfirmed atomic.Int64
	failed      atomic.Int64
}

func NewPublisher(cfg *config.Config, js AsyncPublisher) *Publisher {
	size := cfg.PublishQueueSize
	if size < 1 {
		size = 1
	}
	return &Publisher{
		cfg:      cfg,
		js:       js,
		queue:    make(chan outbound, size),
		logger:   logging.NewServiceLogger(cfg, "publisher"),
		done:     make(chan struct{}),
		inflight: make(map[jetstream.PubAckFuture]inflightPublish),
	}
}

// Start launches the publishing goroutine
func (p *Publisher) Start() {
	go p.run()
}

// PublishAsync encodes data and queues it for publishing
func (p *Publisher) PublishAsync(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	msg := outbound{subject: subject, payload: payload}
	if event, ok := data.(models.AlertEvent); ok {
		msg.msgID = event.AlertID
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	select {
	case p.queue <- msg:
		return nil
	default:
		p.failed.Add(1)
		return ErrPublishQueueFull
	}
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Sent:        p.sent.Load(),
		Acked:       p.acked.Load(),
		Nacked:      p.nacked.Load(),
		Unconfirmed: p.unconfirmed.Load(),
		Failed:      p.failed.Load(),
	}
}

// Close stops accepting messages and waits until queued messages are
// published and confirmed, or ctx is done.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		stats := p.Stats()
		p.logger.Info().
			Int64("sent", stats.Sent).
			Int64("acked", stats.Acked).
			Int64("nacked", stats.Nacked).
			Int64("unconfirmed", stats.Unconfirmed).
			Int64("failed", stats.Failed).
			Msg("Publisher closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publisher did not flush in time: %w", ctx.Err())
	}
}

func (p *Publisher) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.AckFlushInterval)
	defer ticker.Stop()

	queue := p.queue
	for queue != nil || len(p.inflight) > 0 {
		select {
		case msg, ok := <-queue:
			if !ok {
				queue = nil
				continue
			}
			p.send(msg)
		case <-ticker.C:
		}
		p.poll()
	}
}

func (p *Publisher) send(msg outbound) {
	var opts []jetstream.PublishOpt
	if msg.msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msg.msgID))
	}

	future, err := p.js.PublishAsync(msg.subject, msg.payload, opts...)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error().Err(err).Str("subject", msg.subject).Str("alert_id", msg.msgID).Msg("Failed to publish message")
		return
	}
	p.sent.Add(1)
	p.inflight[future] = inflightPublish{msgID: msg.msgID, sentAt: time.Now()}
}

// poll collects confirmations without blocking
func (p *Publisher) poll() {
	for future, info := range p.inflight {
		select {
		case <-future.Ok():
			p.acked.Add(1)
			delete(p.inflight, future)
		case err := <-future.Err():
			p.nacked.Add(1)
			delete(p.inflight, future)
			p.logger.Warn().Err(err).Str("alert_id", info.msgID).Msg("Broker rejected message")
		default:
			if time.Since(info.sentAt) >= p.cfg.PublishAckTimeout {
				p.unconfirmed.Add(1)
				delete(p.inflight, future)
				p.logger.Warn().
					Str("alert_id", info.msgID).
					Dur("timeout", p.cfg.PublishAckTimeout).
					Msg("Message not confirmed by broker")
			}
		}
	}
}
