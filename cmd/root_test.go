package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/buyer-fit/internal/config"
	"github.com/sells-group/buyer-fit/internal/model"
	"github.com/sells-group/buyer-fit/internal/queue"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"serve", "work", "enqueue", "recover", "recalc", "migrate", "import", "enrich", "job"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "buyer-fit", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestJobCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range jobCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"status", "list", "resume"} {
		assert.True(t, names[name], "job should have subcommand %q", name)
	}
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		cmd  string
		flag string
		def  string
	}{
		{"serve", "port", "0"},
		{"serve", "no-workers", "false"},
		{"work", "drain", "false"},
		{"enqueue", "score-type", "deal"},
		{"enqueue", "trigger", "manual"},
		{"recover", "threshold-minutes", "0"},
		{"recalc", "deal", ""},
		{"import", "kind", ""},
		{"import", "concurrency", "4"},
		{"enrich", "resume", ""},
	}
	for _, tt := range tests {
		t.Run(tt.cmd+"/"+tt.flag, func(t *testing.T) {
			c, _, err := rootCmd.Find([]string{tt.cmd})
			require.NoError(t, err)
			f := c.Flags().Lookup(tt.flag)
			require.NotNil(t, f, "%s should have --%s", tt.cmd, tt.flag)
			assert.Equal(t, tt.def, f.DefValue)
		})
	}
}

// sqliteConfig points the package config at a fresh SQLite file.
func sqliteConfig(t *testing.T) {
	t.Helper()
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = &config.Config{
		Store:      config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "cmd.db")},
		Server:     config.ServerConfig{Port: 8080},
		Queue:      config.QueueConfig{Workers: 2, PollIntervalMs: 10, ClaimBatchSize: 1, MaxAttempts: 3},
		Recovery:   config.RecoveryConfig{StaleThresholdSecs: 120, IntervalSecs: 60},
		Scorer:     config.ScorerConfig{SizeTolerance: 0.25, MaxThesisBonus: 50},
		Learner:    config.LearnerConfig{MinMultiplier: 0.2, MaxMultiplier: 3, UpRate: 2, DownRate: 0.5, MinSamples: 5},
		RateLimit:  config.RateLimitConfig{Backend: "memory"},
		Enrichment: config.EnrichmentConfig{Provider: "enrichment"},
	}
}

func TestInitScoring_SQLite(t *testing.T) {
	sqliteConfig(t)
	ctx := context.Background()

	env, err := initScoring(ctx, "work")
	require.NoError(t, err)
	defer env.Close()

	require.NoError(t, env.Store.UpsertBuyer(ctx, model.Buyer{ID: "b1", Name: "Westline Capital"}))
	require.NoError(t, env.Store.UpsertDeal(ctx, model.Deal{ID: "d1", Name: "Sunrise Mechanical", Attributes: model.DealAttributes{Location: "CA"}}))
	require.NoError(t, env.Store.UpsertUniverse(ctx, model.Universe{
		ID: "u1", Name: "Home services", Weights: model.DefaultWeights(),
		BuyerIDs: []string{"b1"}, DealIDs: []string{"d1"},
	}))

	n, err := env.Queue.EnqueueUniverse(ctx, "u1", model.ScoreTypeDeal, model.TriggerBulk)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resolved, err := newPool(env, nil).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	sc, err := env.Store.GetScore(ctx, "b1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "u1", sc.UniverseID)
}

func TestInitScoring_InvalidConfig(t *testing.T) {
	sqliteConfig(t)
	cfg.Enrichment.BaseURL = ""

	_, err := initScoring(context.Background(), "enrich")
	assert.ErrorContains(t, err, "enrichment.base_url")
}

func TestBuildHandler(t *testing.T) {
	sqliteConfig(t)
	env, err := initScoring(context.Background(), "serve")
	require.NoError(t, err)
	defer env.Close()

	h := buildHandler(env)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "v1 routes require a caller")

	req := httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
	req.Header.Set("X-Caller-ID", "ops")
	req.Header.Set("X-Caller-Role", "system")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStaleThresholdDefaults(t *testing.T) {
	sqliteConfig(t)
	assert.Equal(t, 2*time.Minute, staleThreshold())
	assert.Equal(t, time.Minute, recoveryInterval())

	cfg.Recovery = config.RecoveryConfig{}
	assert.Equal(t, queue.DefaultStaleThreshold, staleThreshold())
	assert.Equal(t, time.Minute, recoveryInterval())
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	jobStatusCmd.SetOut(&buf)
	defer jobStatusCmd.SetOut(nil)

	require.NoError(t, printJSON(jobStatusCmd, model.EnrichmentJob{ID: "j1", Status: model.JobStatusRunning}))

	var got model.EnrichmentJob
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "j1", got.ID)
}
