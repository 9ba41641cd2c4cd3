package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrQueueFull  = errors.New("worker queue full")
	ErrPoolClosed = errors.New("worker pool closed")
)

// Task is one unit of work. Handle is opaque to the pool and is returned
// with the task's completion.
type Task struct {
	Handle interface{}
	Run    func(ctx context.Context) error
}

// Completion reports the outcome of a task
type Completion struct {
	Handle interface{}
	Err    error
}

// Pool runs tasks on a fixed set of goroutines fed by a bounded queue.
// Submission never blocks: a full queue is reported to the caller.
type Pool struct {
	size        int
	tasks       chan Task
	completions chan Completion

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewPool creates a pool of size workers and a queue of queueSize tasks
func NewPool(size, queueSize int) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		size:        size,
		tasks:       make(chan Task, queueSize),
		completions: make(chan Completion, queueSize+size),
	}
}

// Start launches the workers. The completions channel is closed once every
// worker has exited after Close.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go p.run(ctx, i)
	}
	go func() {
		p.wg.Wait()
		close(p.completions)
	}()

	log.Info().Int("workers", p.size).Int("queue_size", cap(p.tasks)).Msg("Worker pool started")
}

// TrySubmit enqueues a task without blocking
func (p *Pool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Completions delivers task outcomes in completion order
func (p *Pool) Completions() <-chan Completion {
	return p.completions
}

// QueueLen is the number of tasks waiting for a worker
func (p *Pool) QueueLen() int {
	return len(p.tasks)
}

// Close stops accepting tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.tasks)
}

// Wait blocks until every worker has exited or ctx is done
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for workers: %w", ctx.Err())
	}
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		err := p.execute(ctx, id, task)
		p.completions <- Completion{Handle: task.Handle, Err: err}
	}
}

// execute runs one task, converting a panic into an error
func (p *Pool) execute(ctx context.Context, id int, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Int("worker", id).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from panic in worker task")
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(ctx)
}
