package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/follower-crawler/internal/controller"
	"github.com/JakeFAU/follower-crawler/internal/crawler"
	"github.com/JakeFAU/follower-crawler/internal/protocol"
)

type fakeStats struct{ st controller.Stats }

func (f fakeStats) Stats() controller.Stats { return f.st }

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzWithoutScheduler(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	stats := fakeStats{st: controller.Stats{
		RunID:     "run-1",
		Completed: 500,
		Crawled:   450,
		Failed:    50,
		Pending:   2000,
		Queued:    91000,
		Sessions:  1,
		Elapsed:   10 * time.Second,
	}}
	server := NewServer(stats, controller.NewRegistry(), zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "run-1", body["run_id"])
	require.EqualValues(t, 450, body["crawled"])
	require.EqualValues(t, 91000, body["queued"])
	require.InDelta(t, 50.0, body["per_second"], 0.001)
}

func TestServer_Workers(t *testing.T) {
	t.Parallel()

	left, right := net.Pipe()
	t.Cleanup(func() { _ = right.Close() })
	secret := []byte("s")
	sess := controller.NewSession("10.0.0.9", "acct",
		protocol.NewCodec(left, secret, protocol.NewLedger(0), time.Second),
		controller.SessionConfig{Secret: secret}, zap.NewNop())
	t.Cleanup(sess.Stop)
	sess.Assign([]crawler.ID{1, 2, 3})

	registry := controller.NewRegistry()
	registry.Add(sess)

	server := NewServer(fakeStats{}, registry, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workers", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t,
		`[{"name":"10.0.0.9","account":"acct","alive":true,"ready":false,"pending":3}]`,
		rec.Body.String())
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "followers_queue_depth")
}
