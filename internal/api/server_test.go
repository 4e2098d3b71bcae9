package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/buyer-fit/internal/learner"
	"github.com/sells-group/buyer-fit/internal/model"
	"github.com/sells-group/buyer-fit/internal/queue"
	"github.com/sells-group/buyer-fit/internal/service"
	"github.com/sells-group/buyer-fit/internal/store"
)

func newTestServer(t *testing.T) (http.Handler, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	require.NoError(t, s.UpsertBuyer(ctx, model.Buyer{ID: "b1", Name: "Westline Capital"}))
	require.NoError(t, s.UpsertDeal(ctx, model.Deal{ID: "d1", Name: "Sunrise Mechanical", Attributes: model.DealAttributes{Location: "CA"}}))
	require.NoError(t, s.UpsertUniverse(ctx, model.Universe{
		ID: "u1", Name: "Home services", Weights: model.DefaultWeights(),
		BuyerIDs: []string{"b1"}, DealIDs: []string{"d1"},
	}))

	svc := service.New(s, queue.New(s), queue.NewRecoverer(s, nil, 3), learner.New(learner.DefaultConfig(), s))
	return NewRouter(service.Authorized(svc, service.DefaultPolicy()), Options{Pinger: s}), s
}

func do(t *testing.T, h http.Handler, method, path, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set(HeaderCallerID, "tester")
		req.Header.Set(HeaderCallerRole, role)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Health(t *testing.T) {
	h, _ := newTestServer(t)
	rr := do(t, h, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestRouter_HealthUnavailable(t *testing.T) {
	h := NewRouter(nil, Options{Pinger: downPinger{}})
	rr := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRouter_Metrics(t *testing.T) {
	h, _ := newTestServer(t)
	rr := do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestRouter_EnqueueAndStats(t *testing.T) {
	h, _ := newTestServer(t)
	body := model.EnqueueRequest{UniverseID: "u1", BuyerID: "b1", DealID: "d1", ScoreType: model.ScoreTypeDeal}

	rr := do(t, h, http.MethodPost, "/v1/queue", "analyst", body)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.JSONEq(t, `{"queued":true}`, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/v1/queue", "analyst", body)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"queued":false}`, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/v1/queue/stats", "system", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	var stats map[string]int
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats[string(model.QueueStatusPending)])
}

func TestRouter_AuthErrors(t *testing.T) {
	h, _ := newTestServer(t)

	rr := do(t, h, http.MethodGet, "/v1/queue/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/queue/stats", "superuser", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "unknown roles are not attached")

	rr = do(t, h, http.MethodPost, "/v1/recover", "analyst", map[string]int{"threshold_minutes": 5})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRouter_BadRequests(t *testing.T) {
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/queue", strings.NewReader("{not json"))
	req.Header.Set(HeaderCallerID, "tester")
	req.Header.Set(HeaderCallerRole, "admin")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/queue", "admin", model.EnqueueRequest{UniverseID: "u1", BuyerID: "b1", DealID: "d1", ScoreType: "fit"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/decisions", "admin", model.DecisionRequest{BuyerID: "b1", DealID: "d1", Action: "maybe"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_NotFound(t *testing.T) {
	h, _ := newTestServer(t)

	rr := do(t, h, http.MethodGet, "/v1/scores/b1/d1", "analyst", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/scores/b1/d1/snapshot", "analyst", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/jobs/missing", "analyst", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/deals/missing/recalculate", "admin", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_DecisionAndRecalculate(t *testing.T) {
	h, s := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/v1/decisions", "analyst", model.DecisionRequest{
		BuyerID: "b1", DealID: "d1", Action: model.ActionPassed, Reason: "wrong region", Category: "geography",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var entry model.LearningEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entry))
	assert.Equal(t, []string{"geography"}, entry.RejectionCategories)

	rr = do(t, h, http.MethodGet, "/v1/scores/b1/d1", "analyst", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var sc model.Score
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sc))
	assert.True(t, sc.PassedOnDeal)

	rr = do(t, h, http.MethodPost, "/v1/deals/d1/recalculate", "system", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var res service.Recalculation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Adjustment.PassedGeography)
	assert.Zero(t, res.Enqueued, "rescoring already queued by the decision")

	stats, err := s.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats[model.QueueStatusPending])
}

func TestRouter_RecoverAndJob(t *testing.T) {
	h, s := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/v1/recover", "system", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"scoring_queue":0,"enrichment_jobs":0,"rate_limit_counters":0}`, rr.Body.String())

	job, err := s.CreateJob(context.Background(), "enrich", 3)
	require.NoError(t, err)
	rr = do(t, h, http.MethodGet, "/v1/jobs/"+job.ID, "analyst", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got model.EnrichmentJob
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 3, got.Total)
}

func TestRouter_CORSPreflight(t *testing.T) {
	h := NewRouter(nil, Options{AllowedOrigins: []string{"https://app.example.com"}})
	req := httptest.NewRequest(http.MethodOptions, "/v1/queue", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}
