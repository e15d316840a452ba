package orchestrator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/wotbot/metrics"
)

var (
	// ErrBusy is returned when a session already has too many queued
	// messages.
	ErrBusy = errors.New("session busy")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatcher closed")
)

const defaultWorkers = 8

// Handler answers one message of a session.
type Handler interface {
	Handle(ctx context.Context, sessionID, text string) Reply
}

type job struct {
	ctx  context.Context
	text string
	done chan Reply
}

// Dispatcher runs invocations on a bounded worker pool. Messages of one
// session are handled strictly in arrival order, one at a time.
type Dispatcher struct {
	logger     *zap.Logger
	metrics    *metrics.Metrics
	handler    Handler
	sem        *semaphore.Weighted
	maxPending int

	mu     sync.Mutex
	queues map[string][]*job
	closed bool
	wg     sync.WaitGroup
}

// DispatcherOption defines a functional option for Dispatcher
type DispatcherOption func(*Dispatcher)

// WithWorkers sets how many invocations may run at once
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMaxPending sets how many messages may wait behind the running one of
// a session. A negative value means no bound.
func WithMaxPending(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxPending = n
	}
}

// WithDispatcherMetrics records pool usage
func WithDispatcherMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher creates a dispatcher in front of handler.
func NewDispatcher(logger *zap.Logger, handler Handler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger:     logger.Named("dispatcher"),
		handler:    handler,
		sem:        semaphore.NewWeighted(defaultWorkers),
		maxPending: -1,
		queues:     make(map[string][]*job),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit queues a message and returns a channel receiving its reply. The
// invocation is detached from ctx cancellation: a caller that stops
// waiting does not abort it.
func (d *Dispatcher) Submit(ctx context.Context, sessionID, text string) (<-chan Reply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	q, running := d.queues[sessionID]
	if running && d.maxPending >= 0 && len(q) > d.maxPending {
		d.metrics.BusyRejected()
		d.logger.Warn("Session busy", zap.String("session_id", sessionID), zap.Int("queued", len(q)))
		return nil, ErrBusy
	}

	j := &job{
		ctx:  context.WithoutCancel(ctx),
		text: text,
		done: make(chan Reply, 1),
	}
	d.queues[sessionID] = append(q, j)
	if !running {
		d.wg.Add(1)
		go d.drain(sessionID)
	}
	return j.done, nil
}

// Do submits a message and waits for its reply or for ctx to end.
func (d *Dispatcher) Do(ctx context.Context, sessionID, text string) (Reply, error) {
	done, err := d.Submit(ctx, sessionID, text)
	if err != nil {
		return Reply{}, err
	}
	select {
	case reply := <-done:
		return reply, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// drain is the single consumer of a session queue. It exits once the queue
// is empty, removing it under the lock so a later Submit starts a new one.
func (d *Dispatcher) drain(sessionID string) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		q := d.queues[sessionID]
		if len(q) == 0 {
			delete(d.queues, sessionID)
			d.mu.Unlock()
			return
		}
		j := q[0]
		d.mu.Unlock()

		j.done <- d.run(sessionID, j)

		d.mu.Lock()
		d.queues[sessionID] = d.queues[sessionID][1:]
		d.mu.Unlock()
	}
}

func (d *Dispatcher) run(sessionID string, j *job) Reply {
	// Acquire cannot fail on a context without cancellation.
	_ = d.sem.Acquire(j.ctx, 1)
	defer d.sem.Release(1)

	d.metrics.InflightInc()
	defer d.metrics.InflightDec()

	return d.handler.Handle(j.ctx, sessionID, j.text)
}

// Close stops accepting messages and waits until queued ones are handled
// or ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
