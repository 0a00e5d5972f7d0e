package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
)

// ErrDispatcherStopped is returned by Submit after Shutdown.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// EventHandler processes one inbound event. Core implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, evt model.InboundEvent) (Result, error)
}

// DoneFunc receives the outcome of a submitted event.
type DoneFunc func(res Result, err error)

type job struct {
	evt  model.InboundEvent
	done DoneFunc
}

// Dispatcher fans events out to a fixed set of workers. Every conversation
// hashes to one worker, so its events run one at a time in arrival order.
type Dispatcher struct {
	handler EventHandler
	shards  []chan job
	log     *logger.Logger

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	drained chan struct{}
}

// NewDispatcher creates a dispatcher with workers shards of queueSize each.
func NewDispatcher(handler EventHandler, workers, queueSize int, log *logger.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	d := &Dispatcher{
		handler: handler,
		shards:  make([]chan job, workers),
		log:     log.Named("dispatcher"),
		drained: make(chan struct{}),
	}
	for i := range d.shards {
		d.shards[i] = make(chan job, queueSize)
	}
	return d
}

// Start launches the workers. Every event runs on a child of ctx, which the
// caller should not tie to process signals: Shutdown decides when in-flight
// events are cut short.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	for i, ch := range d.shards {
		d.wg.Add(1)
		go d.work(ctx, i, ch)
	}
	go func() {
		d.wg.Wait()
		close(d.drained)
	}()
	d.log.Info("dispatcher started", zap.Int("workers", len(d.shards)))
}

func (d *Dispatcher) work(ctx context.Context, shard int, jobs <-chan job) {
	defer d.wg.Done()
	for j := range jobs {
		var (
			res Result
			err error
		)
		if ctx.Err() != nil {
			res = Result{Outcome: OutcomeInterrupted, Error: ctx.Err().Error()}
			err = fmt.Errorf("%w: dispatcher stopped before the event ran", ErrInterrupted)
		} else {
			res, err = d.handle(ctx, j.evt)
		}
		if err != nil {
			d.log.Warn("event not processed",
				zap.Int("shard", shard),
				zap.String("conversation_id", j.evt.ConversationID),
				zap.String("event_id", j.evt.ID),
				zap.Error(err),
			)
		}
		if j.done != nil {
			j.done(res, err)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, evt model.InboundEvent) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("event handler panicked", zap.Any("panic", p), zap.String("event_id", evt.ID))
			res = Result{Outcome: OutcomeFailed, Error: "handler panicked"}
			err = errors.New("event handler panicked")
		}
	}()
	return d.handler.HandleEvent(ctx, evt)
}

// Submit queues evt on its conversation's shard. It blocks while the shard is
// full until ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, evt model.InboundEvent, done DoneFunc) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}

	select {
	case d.shards[d.shard(evt.ConversationID)] <- job{evt: evt, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) shard(conversationID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(len(d.shards)))
}

// Shutdown rejects new submissions and waits for queued events to finish. If
// ctx ends first, in-flight events are cancelled and left unprocessed, queued
// ones are reported as interrupted, and ctx.Err() is returned once every
// worker has exited.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		for _, ch := range d.shards {
			close(ch)
		}
	}
	cancel := d.cancel
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}

	select {
	case <-d.drained:
		d.log.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
	}

	d.log.Warn("drain timed out, interrupting in-flight events")
	cancel()
	<-d.drained
	return ctx.Err()
}

// Stop is Shutdown without a deadline.
func (d *Dispatcher) Stop() {
	_ = d.Shutdown(context.Background())
}
