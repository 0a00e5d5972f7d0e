// Package searchtest provides a scripted search.Client for tests.
package searchtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/capitalize-ai/support-orchestrator/internal/search"
)

// Fake returns fixed results and solutions.
type Fake struct {
	mu sync.Mutex

	Results   []search.Result
	Solutions map[string]*search.Solution // keyed by article, problem or root cause id

	searchFailures  int
	resolveFailures int
	searches        []search.Query
	resolves        []search.ResolveRequest
}

// New creates a fake returning the given search results.
func New(results ...search.Result) *Fake {
	return &Fake{Results: results, Solutions: map[string]*search.Solution{}}
}

// WithSolution registers the solution resolved from id.
func (f *Fake) WithSolution(id string, sol *search.Solution) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Solutions[id] = sol
	return f
}

// FailSearches makes the next n searches fail with a transient error.
func (f *Fake) FailSearches(n int) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchFailures = n
	return f
}

// FailResolves makes the next n resolves fail with a transient error.
func (f *Fake) FailResolves(n int) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveFailures = n
	return f
}

// Search returns Results.
func (f *Fake) Search(ctx context.Context, q search.Query) ([]search.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, q)
	if f.searchFailures > 0 {
		f.searchFailures--
		return nil, fmt.Errorf("%w: simulated", search.ErrTransient)
	}
	return append([]search.Result(nil), f.Results...), nil
}

// ResolveSolution returns the registered solution for the first matching id.
func (f *Fake) ResolveSolution(ctx context.Context, req search.ResolveRequest) (*search.Solution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves = append(f.resolves, req)
	if f.resolveFailures > 0 {
		f.resolveFailures--
		return nil, fmt.Errorf("%w: simulated", search.ErrTransient)
	}
	for _, id := range []string{req.ArticleID, req.ProblemID, req.RootCauseID} {
		if id == "" {
			continue
		}
		if sol, ok := f.Solutions[id]; ok {
			return sol, nil
		}
	}
	return nil, search.ErrNoSolution
}

// Searches returns the queries received.
func (f *Fake) Searches() []search.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]search.Query(nil), f.searches...)
}

// Resolves returns the resolve requests received.
func (f *Fake) Resolves() []search.ResolveRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]search.ResolveRequest(nil), f.resolves...)
}
