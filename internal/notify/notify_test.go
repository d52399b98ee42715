package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/handit-ai/handit-core/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPicksImplementation(t *testing.T) {
	assert.IsType(t, &LogNotifier{}, New(config.NotifyConfig{}, nil))
	assert.IsType(t, &HTTPNotifier{}, New(config.NotifyConfig{Endpoint: "http://relay"}, nil))
}

func TestHTTPNotifierPostsEnvelope(t *testing.T) {
	var got struct {
		Template string       `json:"template"`
		Data     ModelFailure `json:"data"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(config.NotifyConfig{Endpoint: srv.URL}, nil)
	err := n.SendModelFailure(context.Background(), ModelFailure{
		ModelID:    7,
		LogID:      42,
		Recipients: []Recipient{{Email: "ops@example.com"}},
	})
	require.NoError(t, err)
	assert.Equal(t, TemplateModelFailure, got.Template)
	assert.Equal(t, uint(42), got.Data.LogID)
	assert.Equal(t, "ops@example.com", got.Data.Recipients[0].Email)
}

func TestHTTPNotifierUsesClientCredentials(t *testing.T) {
	var authHeader atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"relay-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		authHeader.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	n := NewHTTPNotifier(config.NotifyConfig{
		Endpoint:     srv.URL + "/send",
		TokenURL:     srv.URL + "/token",
		ClientID:     "handit",
		ClientSecret: "secret",
	}, nil)
	err := n.SendOptimizationReady(context.Background(), OptimizationReady{
		ModelID:          1,
		OptimizedModelID: 2,
		Recipients:       []Recipient{{Email: "a@example.com"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer relay-token", authHeader.Load())
}

func TestHTTPNotifierRelayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mailbox full", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(config.NotifyConfig{Endpoint: srv.URL}, nil)
	err := n.SendModelFailure(context.Background(), ModelFailure{Recipients: []Recipient{{Email: "a@example.com"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "mailbox full")
}

func TestHTTPNotifierSkipsEmptyRecipients(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(config.NotifyConfig{Endpoint: srv.URL}, nil)
	require.NoError(t, n.SendOptimizationReady(context.Background(), OptimizationReady{}))
	assert.Zero(t, calls.Load())
}
