// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/capitalize-ai/support-orchestrator/internal/llm"
)

// Reply is one scripted answer. Then, if set, runs when the reply is served.
type Reply struct {
	Content string
	Err     error
	Then    func()
}

// Text returns a successful reply.
func Text(content string) Reply {
	return Reply{Content: content}
}

// Fail returns a failing reply.
func Fail(err error) Reply {
	return Reply{Err: err}
}

type rule struct {
	match   string
	replies []Reply
	next    int
}

// Fake answers completions whose system prompt contains a registered marker.
// Replies for a marker are consumed in order and the last one repeats.
type Fake struct {
	mu       sync.Mutex
	rules    []*rule
	calls    []*llm.CompletionRequest
	Embedder func(text string) ([]float32, error)
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{}
}

// On registers replies for requests whose system prompt contains match.
func (f *Fake) On(match string, replies ...Reply) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{match: match, replies: replies})
	return f
}

// Name returns the provider name.
func (f *Fake) Name() string {
	return "fake"
}

// Complete returns the next scripted reply.
func (f *Fake) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	for _, r := range f.rules {
		if !strings.Contains(req.System, r.match) || len(r.replies) == 0 {
			continue
		}
		reply := r.replies[r.next]
		if r.next < len(r.replies)-1 {
			r.next++
		}
		if reply.Then != nil {
			reply.Then()
		}
		if reply.Err != nil {
			return nil, reply.Err
		}
		return &llm.CompletionResponse{Content: reply.Content, Model: "fake", TokensIn: 10, TokensOut: 5}, nil
	}
	return nil, fmt.Errorf("llmtest: no reply for system prompt %q", firstLine(req.System))
}

// Embed calls Embedder or reports embeddings as unsupported.
func (f *Fake) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.Embedder == nil {
		return nil, llm.ErrEmbeddingsUnsupported
	}
	return f.Embedder(text)
}

// Calls returns how many completions matched the marker.
func (f *Fake) Calls(match string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c.System, match) {
			n++
		}
	}
	return n
}

// Requests returns every completion request received.
func (f *Fake) Requests() []*llm.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*llm.CompletionRequest(nil), f.calls...)
}

// ErrUnavailable is a convenient transient failure.
var ErrUnavailable = errors.New("llmtest: model unavailable")

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
