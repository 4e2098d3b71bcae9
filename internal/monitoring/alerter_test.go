package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/buyer-fit/internal/config"
	"github.com/sells-group/buyer-fit/internal/model"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		TerminalFailureThreshold: 1,
		BacklogThreshold:         1000,
	})

	snap := &MetricsSnapshot{
		Pending:   200,
		Completed: 5000,
		Failed:    3,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_TerminalFailures(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{TerminalFailureThreshold: 2})

	snap := &MetricsSnapshot{
		Failed:      7,
		NewFailures: 2,
		RecentFailures: []model.QueueItem{
			{ID: 11, BuyerID: "b1", DealID: "d1", ScoreType: model.ScoreTypeDeal, Attempts: 3, LastError: "deal d1 not found"},
			{ID: 12, BuyerID: "b2", DealID: "d1", ScoreType: model.ScoreTypeDeal, Attempts: 3},
		},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertQueueTerminalFailures, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "2 scoring queue item(s)")
	assert.Len(t, alerts[0].Details["items"], 2)

	snap.NewFailures = 1
	assert.Empty(t, a.Evaluate(snap), "below threshold")
}

func TestAlerter_Evaluate_ZeroThresholdMeansAnyFailure(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	alerts := a.Evaluate(&MetricsSnapshot{Failed: 1, NewFailures: 1})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertQueueTerminalFailures, alerts[0].Type)
}

func TestAlerter_Evaluate_CircuitBreakerTripped(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		TrippedJobs: []model.EnrichmentJob{
			{ID: "j1", JobType: "enrich", Processed: 40, Total: 100, ErrorCount: 5, CircuitBreakerTripped: true},
		},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCircuitBreakerTripped, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "enrich job j1")
	assert.Contains(t, alerts[0].Message, "40/100")
}

func TestAlerter_Evaluate_Backlog(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{BacklogThreshold: 100})

	alerts := a.Evaluate(&MetricsSnapshot{Pending: 150, Processing: 4})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertQueueBacklog, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "150")
}

func TestAlerter_Evaluate_ZeroBacklogThreshold(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		BacklogThreshold: 0, // disabled
	})

	alerts := a.Evaluate(&MetricsSnapshot{Pending: 1_000_000})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		TerminalFailureThreshold: 1,
		BacklogThreshold:         10,
	})

	snap := &MetricsSnapshot{
		Pending:     50,
		Failed:      3,
		NewFailures: 3,
		TrippedJobs: []model.EnrichmentJob{{ID: "j1", JobType: "enrich"}},
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertQueueTerminalFailures])
	assert.True(t, types[AlertCircuitBreakerTripped])
	assert.True(t, types[AlertQueueBacklog])
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertQueueTerminalFailures, Severity: "high", Message: "test alert 1"},
		{Type: AlertQueueBacklog, Severity: "medium", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertQueueBacklog, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertCircuitBreakerTripped, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}
