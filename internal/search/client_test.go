package search_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/search"
)

func TestHTTPClient_Search(t *testing.T) {
	var got search.Query
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"id":"a1","kind":"article","title":"Reset router","score":0.91}]}`))
	}))
	defer srv.Close()

	c := search.NewHTTPClient(search.Config{BaseURL: srv.URL + "/", APIKey: "key"})
	results, err := c.Search(context.Background(), search.Query{Text: "router reboots", Keywords: []string{"router"}})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, model.KnowledgeArticle, results[0].Kind)
	assert.Equal(t, 0.91, results[0].Match().Score)
	assert.Equal(t, "router reboots", got.Text)
	assert.Equal(t, []string{"router"}, got.Keywords)
}

func TestHTTPClient_SearchErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{name: "server error is transient", status: http.StatusBadGateway, transient: true},
		{name: "throttling is transient", status: http.StatusTooManyRequests, transient: true},
		{name: "bad request is permanent", status: http.StatusBadRequest, transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			_, err := search.NewHTTPClient(search.Config{BaseURL: srv.URL}).Search(context.Background(), search.Query{Text: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, search.IsTransient(err))
		})
	}
}

func TestHTTPClient_ResolveSolution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req search.ResolveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		if req.ArticleID != "a1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"id":"s1","title":"Reset","actions":[{"id":"x1","sequence":1,"type":"send_message","name":"Explain"}]}`))
	}))
	defer srv.Close()

	c := search.NewHTTPClient(search.Config{BaseURL: srv.URL})

	sol, err := c.ResolveSolution(context.Background(), search.ResolveRequest{ArticleID: "a1"})
	require.NoError(t, err)
	require.Len(t, sol.Actions, 1)
	require.NotNil(t, sol.Actions[0].Sequence)
	assert.Equal(t, "send_message", sol.Actions[0].Definition().Type)

	_, err = c.ResolveSolution(context.Background(), search.ResolveRequest{ProblemID: "p1"})
	assert.ErrorIs(t, err, search.ErrNoSolution)
}

func TestHTTPClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := search.NewHTTPClient(search.Config{BaseURL: url}).Search(context.Background(), search.Query{Text: "x"})
	assert.True(t, search.IsTransient(err))
}
