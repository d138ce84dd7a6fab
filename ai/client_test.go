package ai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/aires/ai"
	_ "github.com/c360studio/aires/ai/providers"
	"github.com/c360studio/aires/batch"
)

func chatResponse(content string) map[string]any {
	return map[string]any{
		"model": "test-model",
		"choices": []map[string]any{{
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 8},
	}
}

func newClient(endpoint string, retry ai.RetryConfig) *ai.Client {
	return ai.NewClient(map[batch.Stage]ai.Options{
		batch.StageDocs: {
			Backend:  "localHTTP",
			Model:    "test-model",
			Endpoint: endpoint,
			Timeout:  2 * time.Second,
		},
	},
		ai.WithRetryConfig(retry),
		ai.WithRateLimit(1000, 1000, time.Second))
}

func fastRetry(attempts int) ai.RetryConfig {
	return ai.RetryConfig{
		MaxAttempts:       attempts,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Millisecond,
	}
}

func TestClient_Analyze_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse(
			`{"confidence": 0.85, "summary": "CS0103 means an unknown identifier.", "details": {"docs": "language reference"}}`))
	}))
	defer server.Close()

	client := newClient(server.URL, fastRetry(3))
	result, err := client.Analyze(context.Background(), batch.StageDocs, "explain CS0103")
	require.NoError(t, err)

	assert.InDelta(t, 0.85, result.Finding.Confidence, 0.001)
	assert.Contains(t, result.Finding.Summary, "CS0103")
	assert.Equal(t, "test-model", result.Model)
	assert.NotEmpty(t, result.Raw)
}

func TestClient_Analyze_SendsPromptUnmodified(t *testing.T) {
	long := strings.Repeat("x", 40_000) + " TAIL"
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		for _, m := range req.Messages {
			if m.Role == "user" {
				got = m.Content
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse(`{"confidence": 0.5, "summary": "ok"}`))
	}))
	defer server.Close()

	client := newClient(server.URL, fastRetry(1))
	_, err := client.Analyze(context.Background(), batch.StageDocs, long)
	require.NoError(t, err)

	// Size budgeting happens in the prompt builder; the client must not
	// cut the prompt a second time.
	assert.Equal(t, long, got)
}

func TestClient_Analyze_RetriesOn500(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "backend exploded", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse(`{"confidence": 0.6, "summary": "recovered"}`))
	}))
	defer server.Close()

	client := newClient(server.URL, fastRetry(3))
	result, err := client.Analyze(context.Background(), batch.StageDocs, "prompt")
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, "recovered", result.Finding.Summary)
}

func TestClient_Analyze_429IsRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newClient(server.URL, fastRetry(2))
	_, err := client.Analyze(context.Background(), batch.StageDocs, "prompt")
	require.Error(t, err)
	assert.Equal(t, ai.KindRateLimited, ai.KindOf(err))
	assert.True(t, ai.IsRetryable(err))
}

func TestClient_Analyze_SchemaMismatchIsPermanent(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse("this is prose, not a finding"))
	}))
	defer server.Close()

	client := newClient(server.URL, fastRetry(3))
	_, err := client.Analyze(context.Background(), batch.StageDocs, "prompt")
	require.Error(t, err)
	assert.Equal(t, ai.KindSchemaMismatch, ai.KindOf(err))
	assert.False(t, ai.IsRetryable(err))
	// Permanent failures never retry.
	assert.Equal(t, int64(1), calls.Load())
}

func TestClient_Analyze_4xxIsPermanent(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	client := newClient(server.URL, fastRetry(3))
	_, err := client.Analyze(context.Background(), batch.StageDocs, "prompt")
	require.Error(t, err)
	assert.Equal(t, ai.KindHTTPError, ai.KindOf(err))
	assert.False(t, ai.IsRetryable(err))
	assert.Equal(t, int64(1), calls.Load())
}

func TestClient_Analyze_TimeoutClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := ai.NewClient(map[batch.Stage]ai.Options{
		batch.StageDocs: {
			Backend:  "localHTTP",
			Model:    "test-model",
			Endpoint: server.URL,
			Timeout:  20 * time.Millisecond,
		},
	},
		ai.WithRetryConfig(fastRetry(1)),
		ai.WithRateLimit(1000, 1000, time.Second))

	_, err := client.Analyze(context.Background(), batch.StageDocs, "prompt")
	require.Error(t, err)
	assert.Equal(t, ai.KindTimeout, ai.KindOf(err))
	assert.True(t, ai.IsRetryable(err))
}

func TestClient_Analyze_CircuitOpensAfterFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := ai.NewClient(map[batch.Stage]ai.Options{
		batch.StageDocs: {
			Backend:  "localHTTP",
			Model:    "test-model",
			Endpoint: server.URL,
			Timeout:  time.Second,
		},
	},
		ai.WithRetryConfig(fastRetry(3)),
		ai.WithRateLimit(1000, 1000, time.Second),
		ai.WithHealthConfig(ai.HealthConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour}))

	_, err := client.Analyze(context.Background(), batch.StageDocs, "prompt")
	require.Error(t, err)

	// The circuit opened during the retries; the next call fails fast.
	_, err = client.Analyze(context.Background(), batch.StageDocs, "prompt")
	require.Error(t, err)
	assert.Equal(t, ai.KindBackendUnavailable, ai.KindOf(err))

	health := client.Health()
	require.Contains(t, health, "localHTTP")
	assert.True(t, health["localHTTP"].CircuitOpen)
}

func TestClient_Analyze_UnknownStage(t *testing.T) {
	client := newClient("http://127.0.0.1:1", fastRetry(1))
	_, err := client.Analyze(context.Background(), batch.StageSynth, "prompt")
	assert.Error(t, err)
}
