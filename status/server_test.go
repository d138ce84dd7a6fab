package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/aires/batch"
	"github.com/c360studio/aires/service"
	"github.com/c360studio/aires/store"
)

func testSources(healths map[string]service.Health) *Sources {
	return &Sources{
		Healths: func() map[string]service.Health { return healths },
		StateCounts: func(context.Context) (map[store.FileState]int, error) {
			return map[store.FileState]int{
				store.StatePipelining: 2,
				store.StateCompleted:  7,
			}, nil
		},
		DetectedToday: func(context.Context) (int, error) { return 6, nil },
		OutboxBacklog: func(context.Context) (int, error) { return 3, nil },
		QueueDepth:    func(context.Context) (int, error) { return 5, nil },
		LastError:     func(context.Context) (string, error) { return "Timeout: stage 2", nil },
		WatcherStats:  func() (int64, int64, int64) { return 10, 9, 1 },
		StageStats: func() map[string]StageStats {
			return map[string]StageStats{"docs": {Processed: 4, Failed: 1}}
		},
		BatchStats: func() (int64, int64) { return 7, 2 },
	}
}

func okHealths() map[string]service.Health {
	return map[string]service.Health{
		"watcher": {Status: service.StatusOK},
		"parser":  {Status: service.StatusOK},
	}
}

func newTestServer(healths map[string]service.Health) *Server {
	sources := testSources(healths)
	return NewServer("127.0.0.1:0", sources, NewMetrics(sources), nil)
}

func get(t *testing.T, s *Server, path string) (*http.Response, []byte) {
	t.Helper()
	return do(t, s, http.MethodGet, path)
}

func post(t *testing.T, s *Server, path string) (*http.Response, []byte) {
	t.Helper()
	return do(t, s, http.MethodPost, path)
}

func do(t *testing.T, s *Server, method, path string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	s.router().ServeHTTP(rr, req)
	resp := rr.Result()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(okHealths())
	resp, body := get(t, s, "/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got statusResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, service.StatusOK, got.Status)
	assert.False(t, got.Draining)
	assert.Equal(t, 2, got.Files["pipelining"])
	require.NotNil(t, got.DetectedToday)
	assert.Equal(t, 6, *got.DetectedToday)
	require.NotNil(t, got.OutboxBacklog)
	assert.Equal(t, 3, *got.OutboxBacklog)
	require.NotNil(t, got.QueueDepth)
	assert.Equal(t, 5, *got.QueueDepth)
	assert.Equal(t, "Timeout: stage 2", got.LastError)
	assert.Equal(t, int64(4), got.Stages["docs"].Processed)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(okHealths())
	resp, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	down := okHealths()
	down["parser"] = service.Health{Status: service.StatusDown}
	s = newTestServer(down)
	resp, body = get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"down"`)
}

func TestHealth_StaleActivityDegrades(t *testing.T) {
	healths := map[string]service.Health{
		"watcher":      {Status: service.StatusOK, LastActivity: time.Now().Add(-10 * time.Minute)},
		"orchestrator": {Status: service.StatusOK, LastActivity: time.Now()},
		"parser":       {Status: service.StatusOK},
	}
	s := newTestServer(healths)
	s.HealthWindow = 5 * time.Minute

	_, body := get(t, s, "/status")
	var got statusResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, service.StatusDegraded, got.Status)
	assert.Equal(t, service.StatusDegraded, got.Services["watcher"].Status)
	assert.NotEmpty(t, got.Services["watcher"].Detail)
	assert.Equal(t, service.StatusOK, got.Services["orchestrator"].Status)
	// Components with no recorded activity yet are not penalized.
	assert.Equal(t, service.StatusOK, got.Services["parser"].Status)

	// Without a window the stale component stays ok.
	s.HealthWindow = 0
	resp, _ := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatus_DegradedComponentDegradesOverall(t *testing.T) {
	healths := okHealths()
	healths["retention-cleaner"] = service.Health{Status: service.StatusDegraded}
	s := newTestServer(healths)

	_, body := get(t, s, "/status")
	var got statusResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, service.StatusDegraded, got.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(okHealths())
	s.metrics.ObserveStage(batch.StageDocs, 2*time.Second, nil)

	resp, body := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	text := string(body)
	assert.Contains(t, text, "aires_stage_duration_seconds_bucket")
	assert.Contains(t, text, `aires_files_detected_total 10`)
	assert.Contains(t, text, `aires_batches_completed_total 7`)
	assert.Contains(t, text, `aires_outbox_backlog 3`)
	assert.Contains(t, text, `aires_files_in_state{state="pipelining"} 2`)
	assert.Contains(t, text, `aires_service_up{service="watcher"} 1`)
}

func TestDrainEndpoint(t *testing.T) {
	s := newTestServer(okHealths())

	resp, _ := post(t, s, "/drain")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	var drained int
	s.DrainFunc = func() { drained++ }
	resp, body := post(t, s, "/drain")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"draining":true`)
	assert.Equal(t, 1, drained)

	// Draining twice is idempotent.
	resp, _ = post(t, s, "/drain")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, drained)

	_, body = get(t, s, "/status")
	assert.Contains(t, string(body), `"draining":true`)
}

func TestReloadEndpoint(t *testing.T) {
	s := newTestServer(okHealths())

	resp, _ := post(t, s, "/reload")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	s.ReloadFunc = func() error { return nil }
	resp, _ = post(t, s, "/reload")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.ReloadFunc = func() error { return fmt.Errorf("bad log level") }
	resp, body := post(t, s, "/reload")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "bad log level")
}

func TestStartStop(t *testing.T) {
	s := newTestServer(okHealths())
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	assert.Equal(t, service.StatusOK, s.Healthcheck().Status)
	require.NoError(t, s.Stop(time.Second))
	assert.Equal(t, service.StatusDown, s.Healthcheck().Status)
}
