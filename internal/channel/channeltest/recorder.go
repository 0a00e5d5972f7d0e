// Package channeltest provides a recording channel.Client for tests.
package channeltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/capitalize-ai/support-orchestrator/internal/channel"
)

// Recorder records every successful channel call.
type Recorder struct {
	mu        sync.Mutex
	messages  []channel.Message
	transfers []channel.Transfer

	failSends     int
	failTransfers int
	attempts      int
}

// New creates an empty recorder.
func New() *Recorder {
	return &Recorder{}
}

// FailSends makes the next n SendMessage calls fail with a transient error.
func (r *Recorder) FailSends(n int) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSends = n
	return r
}

// FailTransfers makes the next n PassControl calls fail with a transient error.
func (r *Recorder) FailTransfers(n int) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failTransfers = n
	return r
}

// SendMessage records the message.
func (r *Recorder) SendMessage(ctx context.Context, msg channel.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.failSends > 0 {
		r.failSends--
		return fmt.Errorf("%w: simulated", channel.ErrTransient)
	}
	r.messages = append(r.messages, msg)
	return nil
}

// PassControl records the transfer.
func (r *Recorder) PassControl(ctx context.Context, t channel.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.failTransfers > 0 {
		r.failTransfers--
		return fmt.Errorf("%w: simulated", channel.ErrTransient)
	}
	r.transfers = append(r.transfers, t)
	return nil
}

// Messages returns the delivered messages.
func (r *Recorder) Messages() []channel.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channel.Message(nil), r.messages...)
}

// Texts returns the delivered message texts.
func (r *Recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Text
	}
	return out
}

// Transfers returns the completed transfers.
func (r *Recorder) Transfers() []channel.Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channel.Transfer(nil), r.transfers...)
}

// Attempts returns how many calls were made, failed ones included.
func (r *Recorder) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}
