package orchestrator_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/orchestrator"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
)

// recordingHandler keeps the order events arrived in per conversation and
// flags overlapping runs of one conversation.
type recordingHandler struct {
	mu      sync.Mutex
	seen    map[string][]string
	running map[string]bool
	overlap bool
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{seen: map[string][]string{}, running: map[string]bool{}}
}

func (h *recordingHandler) HandleEvent(ctx context.Context, evt model.InboundEvent) (orchestrator.Result, error) {
	h.mu.Lock()
	if h.running[evt.ConversationID] {
		h.overlap = true
	}
	h.running[evt.ConversationID] = true
	h.mu.Unlock()

	time.Sleep(time.Millisecond)

	h.mu.Lock()
	h.seen[evt.ConversationID] = append(h.seen[evt.ConversationID], evt.ID)
	h.running[evt.ConversationID] = false
	h.mu.Unlock()
	return orchestrator.Result{Outcome: orchestrator.OutcomeProcessed}, nil
}

func TestDispatcher_PreservesOrderPerConversation(t *testing.T) {
	h := newRecordingHandler()
	d := orchestrator.NewDispatcher(h, 4, 16, logger.NewNop())
	d.Start(context.Background())

	var wg sync.WaitGroup
	conversations := []string{"c1", "c2", "c3"}
	for i := 0; i < 10; i++ {
		for _, c := range conversations {
			wg.Add(1)
			evt := model.InboundEvent{ID: fmt.Sprintf("%s-%d", c, i), ConversationID: c, AuthorType: model.AuthorCustomer}
			require.NoError(t, d.Submit(context.Background(), evt, func(res orchestrator.Result, err error) {
				defer wg.Done()
				assert.NoError(t, err)
				assert.Equal(t, orchestrator.OutcomeProcessed, res.Outcome)
			}))
		}
	}
	wg.Wait()
	d.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.False(t, h.overlap)
	for _, c := range conversations {
		require.Len(t, h.seen[c], 10)
		for i, id := range h.seen[c] {
			assert.Equal(t, fmt.Sprintf("%s-%d", c, i), id)
		}
	}
}

type panickingHandler struct{}

func (panickingHandler) HandleEvent(ctx context.Context, evt model.InboundEvent) (orchestrator.Result, error) {
	panic("boom")
}

func TestDispatcher_SurvivesHandlerPanic(t *testing.T) {
	d := orchestrator.NewDispatcher(panickingHandler{}, 1, 1, logger.NewNop())
	d.Start(context.Background())
	defer d.Stop()

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		evt := model.InboundEvent{ID: fmt.Sprint(i), ConversationID: "c1"}
		require.NoError(t, d.Submit(context.Background(), evt, func(res orchestrator.Result, err error) {
			done <- err
		}))
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			assert.Error(t, err)
		case <-time.After(time.Second):
			t.Fatal("worker did not survive the panic")
		}
	}
}

func TestDispatcher_RejectsAfterStop(t *testing.T) {
	d := orchestrator.NewDispatcher(newRecordingHandler(), 2, 1, logger.NewNop())
	d.Start(context.Background())
	d.Stop()
	d.Stop()

	err := d.Submit(context.Background(), model.InboundEvent{ConversationID: "c1"}, nil)
	assert.ErrorIs(t, err, orchestrator.ErrDispatcherStopped)
}

func TestDispatcher_SubmitHonorsContext(t *testing.T) {
	h := &blockingHandler{started: make(chan struct{}, 4), release: make(chan struct{})}
	d := orchestrator.NewDispatcher(h, 1, 1, logger.NewNop())
	d.Start(context.Background())
	defer func() {
		close(h.release)
		d.Stop()
	}()

	evt := model.InboundEvent{ConversationID: "c1"}
	require.NoError(t, d.Submit(context.Background(), evt, nil))
	<-h.started
	require.NoError(t, d.Submit(context.Background(), evt, nil)) // fills the queue

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Submit(ctx, evt, nil), context.DeadlineExceeded)
}

type blockingHandler struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingHandler) HandleEvent(ctx context.Context, evt model.InboundEvent) (orchestrator.Result, error) {
	b.started <- struct{}{}
	<-b.release
	return orchestrator.Result{Outcome: orchestrator.OutcomeProcessed}, nil
}

// ctxHandler runs until its context ends, like a pipeline stuck on an LLM call.
type ctxHandler struct {
	started chan struct{}
}

func (h *ctxHandler) HandleEvent(ctx context.Context, evt model.InboundEvent) (orchestrator.Result, error) {
	h.started <- struct{}{}
	<-ctx.Done()
	return orchestrator.Result{Outcome: orchestrator.OutcomeInterrupted}, ctx.Err()
}

func TestDispatcher_ShutdownTimeoutInterruptsEvents(t *testing.T) {
	h := &ctxHandler{started: make(chan struct{}, 2)}
	d := orchestrator.NewDispatcher(h, 1, 2, logger.NewNop())
	d.Start(context.Background())

	errs := make(chan error, 2)
	collect := func(res orchestrator.Result, err error) {
		assert.Equal(t, orchestrator.OutcomeInterrupted, res.Outcome)
		errs <- err
	}
	require.NoError(t, d.Submit(context.Background(), model.InboundEvent{ID: "e1", ConversationID: "c1"}, collect))
	<-h.started
	require.NoError(t, d.Submit(context.Background(), model.InboundEvent{ID: "e2", ConversationID: "c1"}, collect))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Shutdown(ctx), context.DeadlineExceeded)

	require.Len(t, errs, 2)
	assert.ErrorIs(t, <-errs, context.Canceled)
	assert.ErrorIs(t, <-errs, orchestrator.ErrInterrupted)
	assert.Len(t, h.started, 0, "queued event must not run after the drain deadline")
}

func TestDispatcher_ShutdownDrainsInTime(t *testing.T) {
	h := &blockingHandler{started: make(chan struct{}, 1), release: make(chan struct{})}
	d := orchestrator.NewDispatcher(h, 1, 1, logger.NewNop())
	d.Start(context.Background())

	done := make(chan error, 1)
	require.NoError(t, d.Submit(context.Background(), model.InboundEvent{ConversationID: "c1"}, func(_ orchestrator.Result, err error) {
		done <- err
	}))
	<-h.started

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(h.release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	assert.NoError(t, <-done)
}

func TestDispatcher_ShutdownBeforeStart(t *testing.T) {
	d := orchestrator.NewDispatcher(newRecordingHandler(), 1, 1, logger.NewNop())
	assert.NoError(t, d.Shutdown(context.Background()))
	assert.ErrorIs(t, d.Submit(context.Background(), model.InboundEvent{ConversationID: "c1"}, nil), orchestrator.ErrDispatcherStopped)
}
