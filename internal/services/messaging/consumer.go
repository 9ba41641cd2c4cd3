package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"camevents-worker-go/internal/config"
	"camevents-worker-go/internal/logging"
	"camevents-worker-go/internal/models"
	"camevents-worker-go/internal/worker"
)

// Delivery is one inbound broker message awaiting settlement
type Delivery interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// Session is one live subscription to the input queue
type Session interface {
	// Fetch returns up to max deliveries, waiting at most wait for the first
	Fetch(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)
	Close() error
}

// Connector opens sessions against the broker
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// FrameHandler processes one parsed frame on a worker
type FrameHandler func(ctx context.Context, frame *models.Frame) error

type settlement int

const (
	settleAck settlement = iota
	settleNak
	settleTerm
)

func (s settlement) String() string {
	switch s {
	case settleAck:
		return "ack"
	case settleNak:
		return "nak"
	default:
		return "term"
	}
}

type pendingSettlement struct {
	delivery Delivery
	action   settlement
}

// ConsumerStats are cumulative counters since start
type ConsumerStats struct {
	Consumed   int64
	Acked      int64
	Requeued   int64
	Rejected   int64
	Reconnects int64
}

// Consumer pulls frames from the broker and hands them to the worker pool.
// One goroutine owns all broker I/O: fetching, settling deliveries and
// reconnecting. Workers never touch the broker; they report completions
// back through the pool.
type Consumer struct {
	cfg       *config.Config
	connector Connector
	pool      *worker.Pool
	handler   FrameHandler
	logger    zerolog.Logger
	backoff   func(attempt int) time.Duration

	pending   []pendingSettlement
	inFlight  int
	lastFlush time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	consumed   atomic.Int64
	acked      atomic.Int64
	requeued   atomic.Int64
	rejected   atomic.Int64
	reconnects atomic.Int64
}

func NewConsumer(cfg *config.Config, connector Connector, pool *worker.Pool, handler FrameHandler) *Consumer {
	return &Consumer{
		cfg:       cfg,
		connector: connector,
		pool:      pool,
		handler:   handler,
		logger:    logging.NewServiceLogger(cfg, "consumer"),
		backoff:   func(attempt int) time.Duration { return CalculateBackoffDelay(cfg, attempt) },
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the consumer loop in the background
func (c *Consumer) Start(ctx context.Context) {
	go func() {
		defer close(c.doneCh)
		c.run(ctx)
	}()
}

// Stop stops fetching, waits for in-flight frames within the drain timeout,
// settles what completed and closes the session.
func (c *Consumer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("consumer did not stop in time: %w", ctx.Err())
	}
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Consumed:   c.consumed.Load(),
		Acked:      c.acked.Load(),
		Requeued:   c.requeued.Load(),
		Rejected:   c.rejected.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

func (c *Consumer) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Consumer) run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	attempt := 0
	for {
		if c.stopping() || runCtx.Err() != nil {
			return
		}

		session, err := c.connector.Connect(runCtx)
		if err != nil {
			delay := c.backoff(attempt)
			attempt++
			c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Failed to open consumer session")
			if !c.sleep(runCtx, delay) {
				return
			}
			continue
		}

		c.logger.Info().Str("stream", c.cfg.InputStream).Str("consumer", c.cfg.ConsumerName).Msg("Consumer session opened")
		consumed, err := c.serve(runCtx, session)
		if consumed > 0 {
			attempt = 0
		}

		if c.stopping() || runCtx.Err() != nil {
			c.drain()
			if cerr := session.Close(); cerr != nil {
				c.logger.Warn().Err(cerr).Msg("Failed to close consumer session")
			}
			c.logger.Info().Interface("stats", c.Stats()).Msg("Consumer stopped")
			return
		}

		c.flush(len(c.pending))
		if cerr := session.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("Failed to close broken consumer session")
		}

		c.reconnects.Add(1)
		delay := c.backoff(attempt)
		attempt++
		c.logger.Warn().Err(err).Int64("consumed", consumed).Dur("retry_in", delay).Msg("Consumer session lost, reconnecting")
		if !c.sleep(runCtx, delay) {
			c.drain()
			return
		}
	}
}

// serve fetches and dispatches until the session fails or the consumer stops
func (c *Consumer) serve(ctx context.Context, session Session) (int64, error) {
	var consumed int64
	ticker := time.NewTicker(c.cfg.AckFlushFastInterval)
	defer ticker.Stop()

	for {
		c.collectCompletions()
		c.maybeFlush()
		if c.stopping() || ctx.Err() != nil {
			return consumed, nil
		}

		capacity := c.cfg.Prefetch - c.inFlight
		if capacity <= 0 {
			select {
			case comp, ok := <-c.pool.Completions():
				if !ok {
					return consumed, worker.ErrPoolClosed
				}
				c.complete(comp)
			case <-ticker.C:
			case <-c.stopCh:
			}
			continue
		}

		wait := c.cfg.FetchMaxWait
		if c.inFlight > 0 || len(c.pending) > 0 {
			wait = c.cfg.AckFlushInterval
		}

		deliveries, err := session.Fetch(ctx, capacity, wait)
		for _, d := range deliveries {
			consumed++
			c.dispatch(d)
		}
		if err != nil {
			if ctx.Err() != nil {
				return consumed, nil
			}
			return consumed, err
		}
	}
}

func (c *Consumer) dispatch(d Delivery) {
	c.consumed.Add(1)

	frame, err := models.ParseFrame(d.Data())
	switch {
	case errors.Is(err, models.ErrMalformedFrame):
		c.logger.Warn().Err(err).Int("bytes", len(d.Data())).Msg("Rejecting malformed frame")
		c.settle(d, settleTerm)
		return
	case err != nil:
		c.logger.Debug().Err(err).Msg("Dropping incomplete frame")
		c.settle(d, settleAck)
		return
	}

	task := worker.Task{
		Handle: d,
		Run: func(ctx context.Context) error {
			return c.handler(ctx, frame)
		},
	}
	if err := c.pool.TrySubmit(task); err != nil {
		c.logger.Debug().
			Err(err).
			Str("camera_id", frame.CameraID.String()).
			Int("queued", c.pool.QueueLen()).
			Int("in_flight", c.inFlight).
			Msg("Requeueing frame")
		c.settle(d, settleNak)
		return
	}
	c.inFlight++
}

func (c *Consumer) collectCompletions() {
	for {
		select {
		case comp, ok := <-c.pool.Completions():
			if !ok {
				return
			}
			c.complete(comp)
		default:
			return
		}
	}
}

func (c *Consumer) complete(comp worker.Completion) {
	c.inFlight--
	d, ok := comp.Handle.(Delivery)
	if !ok {
		return
	}
	if comp.Err != nil {
		c.logger.Error().Err(comp.Err).Msg("Frame processing failed, rejecting")
		c.settle(d, settleTerm)
		return
	}
	c.settle(d, settleAck)
}

func (c *Consumer) settle(d Delivery, action settlement) {
	c.pending = append(c.pending, pendingSettlement{delivery: d, action: action})
}

// maybeFlush settles a batch on the regular cadence, faster while a backlog
// of settlements builds up.
func (c *Consumer) maybeFlush() {
	if len(c.pending) == 0 {
		return
	}
	interval := c.cfg.AckFlushInterval
	if len(c.pending) > c.cfg.AckBatchSize {
		interval = c.cfg.AckFlushFastInterval
	}
	if time.Since(c.lastFlush) < interval {
		return
	}
	c.flush(c.cfg.AckBatchSize)
}

func (c *Consumer) flush(max int) {
	c.lastFlush = time.Now()
	if max <= 0 || max > len(c.pending) {
		max = len(c.pending)
	}

	for _, p := range c.pending[:max] {
		var err error
		switch p.action {
		case settleAck:
			err = p.delivery.Ack()
			c.acked.Add(1)
		case settleNak:
			err = p.delivery.Nak()
			c.requeued.Add(1)
		case settleTerm:
			err = p.delivery.Term()
			c.rejected.Add(1)
		}
		if err != nil {
			c.logger.Debug().Err(err).Str("action", p.action.String()).Msg("Failed to settle delivery")
		}
	}
	c.pending = append(c.pending[:0], c.pending[max:]...)
}

// drain waits for in-flight frames up to the drain timeout and settles them
func (c *Consumer) drain() {
	deadline := time.NewTimer(c.cfg.NatsDrainTimeout)
	defer deadline.Stop()

	for c.inFlight > 0 {
		select {
		case comp, ok := <-c.pool.Completions():
			if !ok {
				c.inFlight = 0
				continue
			}
			c.complete(comp)
		case <-deadline.C:
			c.logger.Warn().Int("in_flight", c.inFlight).Msg("Drain timeout, unsettled frames will be redelivered")
			c.flush(len(c.pending))
			return
		}
	}
	c.flush(len(c.pending))
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// JetStreamConnector opens pull consumer sessions on the input stream. Each
// session owns its own connection.
type JetStreamConnector struct {
	cfg *config.Config
}

func NewJetStreamConnector(cfg *config.Config) *JetStreamConnector {
	return &JetStreamConnector{cfg: cfg}
}

func (j *JetStreamConnector) Connect(ctx context.Context) (Session, error) {
	svc, err := NewService(j.cfg, "consumer")
	if err != nil {
		return nil, err
	}

	stream, err := svc.EnsureStream(ctx, j.cfg.InputStream, j.cfg.InputSubject)
	if err != nil {
		svc.Shutdown(ctx)
		return nil, err
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       j.cfg.ConsumerName,
		FilterSubject: j.cfg.InputSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: j.cfg.Prefetch,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		svc.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create consumer %s: %w", j.cfg.ConsumerName, err)
	}

	return &jetStreamSession{svc: svc, cons: cons}, nil
}

type jetStreamSession struct {
	svc  *Service
	cons jetstream.Consumer
}

func (s *jetStreamSession) Fetch(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if s.svc.IsClosed() {
		return nil, nats.ErrConnectionClosed
	}

	batch, err := s.cons.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, err
	}

	var out []Delivery
	for msg := range batch.Messages() {
		out = append(out, msg)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, jetstream.ErrNoMessages) {
		return out, err
	}
	return out, nil
}

func (s *jetStreamSession) Close() error {
	return s.svc.Shutdown(context.Background())
}
