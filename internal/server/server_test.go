package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zouzh14/explicandum-core/internal/account"
	"github.com/zouzh14/explicandum-core/internal/alert"
	"github.com/zouzh14/explicandum-core/internal/config"
	"github.com/zouzh14/explicandum-core/internal/detect"
	"github.com/zouzh14/explicandum-core/internal/sched"
	"github.com/zouzh14/explicandum-core/internal/tasks"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type noopNotifier struct{}

func (noopNotifier) SendCriticalAlert(context.Context, []*detect.Event) error  { return nil }
func (noopNotifier) SendDailyReport(context.Context, *alert.DailyReport) error { return nil }

type testEnv struct {
	srv   *Server
	store *alert.MemoryStore
}

func newTestServer(t *testing.T, mutate func(*config.Config), accounts ...*account.Account) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Port:              "8080",
		Env:               "test",
		LogLevel:          "error",
		LogFormat:         "text",
		MonitoringEnabled: true,
		ScanInterval:      5 * time.Minute,
		CleanupInterval:   7 * 24 * time.Hour,
		RetentionDays:     30,
		SoftTimeLimit:     25 * time.Minute,
		HardTimeLimit:     30 * time.Minute,
	}
	if mutate != nil {
		mutate(cfg)
	}

	store := alert.NewMemoryStore()
	manager := alert.NewManager(store, noopNotifier{})
	detector := detect.New(account.NewMemorySource(accounts...))
	runner := tasks.NewRunner(cfg, detector, manager, nil)

	scheduler := sched.New()
	require.NoError(t, runner.Register(scheduler))

	return &testEnv{
		srv:   New(cfg, manager, runner, scheduler),
		store: store,
	}
}

func doRequest(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func overQuotaAccount(id string) *account.Account {
	now := time.Now().UTC()
	return &account.Account{
		ID:           id,
		Role:         "user",
		TokenQuota:   1000,
		TokensUsed:   950,
		CreatedAt:    now.Add(-48 * time.Hour),
		LastActiveAt: &now,
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestServer(t, nil)

	w := doRequest(env.srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(env.srv, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips only after Run; before that the server is not ready.
	w = doRequest(env.srv, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t, nil)
	w := doRequest(env.srv, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "explicandum_")
}

func TestTriggerScanStoresRisks(t *testing.T) {
	env := newTestServer(t, nil, overQuotaAccount("acct_1"))

	w := doRequest(env.srv, http.MethodPost, "/api/v1/monitoring/scan", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Run    *sched.Run        `json:"run"`
		Result *tasks.ScanResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Run)
	assert.Equal(t, sched.StateSucceeded, resp.Run.State)
	require.NotNil(t, resp.Result)
	assert.Greater(t, resp.Result.Stored, 0)

	// The stored risks are visible through the list endpoint.
	w = doRequest(env.srv, http.MethodGet, "/api/v1/monitoring/risks", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Risks []*alert.Record `json:"risks"`
		Count int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, resp.Result.Stored, list.Count)
}

func TestListRisksByLevel(t *testing.T) {
	env := newTestServer(t, nil)
	now := time.Now().UTC()
	ctx := context.Background()

	_, err := env.store.InsertIfAbsent(ctx, alert.NewRecord(&detect.Event{
		ID: "quota_exhaustion_a1b2c3d4e5f60718", Type: detect.TypeUsage,
		Level: detect.LevelCritical, Title: "Quota", Timestamp: now,
	}))
	require.NoError(t, err)
	_, err = env.store.InsertIfAbsent(ctx, alert.NewRecord(&detect.Event{
		ID: "high_usage_b2c3d4e5f6071829", Type: detect.TypePerformance,
		Level: detect.LevelMedium, Title: "Usage", Timestamp: now,
	}))
	require.NoError(t, err)

	w := doRequest(env.srv, http.MethodGet, "/api/v1/monitoring/risks?level=critical", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Risks []*alert.Record `json:"risks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Risks, 1)
	assert.Equal(t, "quota_exhaustion_a1b2c3d4e5f60718", list.Risks[0].ID)

	w = doRequest(env.srv, http.MethodGet, "/api/v1/monitoring/risks?level=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(env.srv, http.MethodGet, "/api/v1/monitoring/risks?limit=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveRisk(t *testing.T) {
	env := newTestServer(t, nil)
	_, err := env.store.InsertIfAbsent(context.Background(), alert.NewRecord(&detect.Event{
		ID: "quota_exhaustion_a1b2c3d4e5f60718", Type: detect.TypeUsage,
		Level: detect.LevelHigh, Title: "Quota", Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, err)

	w := doRequest(env.srv, http.MethodPost,
		"/api/v1/monitoring/risks/quota_exhaustion_a1b2c3d4e5f60718/resolve",
		`{"resolvedBy":"oncall"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	rec := env.store.Get("quota_exhaustion_a1b2c3d4e5f60718")
	require.NotNil(t, rec)
	assert.True(t, rec.Resolved)
	assert.Equal(t, "oncall", rec.ResolvedBy)

	// Second resolve: already resolved means 404.
	w = doRequest(env.srv, http.MethodPost,
		"/api/v1/monitoring/risks/quota_exhaustion_a1b2c3d4e5f60718/resolve", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Malformed ID is rejected before storage is touched.
	w = doRequest(env.srv, http.MethodPost,
		"/api/v1/monitoring/risks/NOT-AN-ID/resolve", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveScannedRisk(t *testing.T) {
	env := newTestServer(t, nil, overQuotaAccount("acct_1"))

	w := doRequest(env.srv, http.MethodPost, "/api/v1/monitoring/scan", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Resolve an event the scan actually stored, so the ID format the
	// detector emits goes through the param middleware unmodified.
	records, err := env.store.GetUnresolved(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	id := records[0].ID

	w = doRequest(env.srv, http.MethodPost,
		"/api/v1/monitoring/risks/"+id+"/resolve", `{"resolvedBy":"oncall"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rec := env.store.Get(id)
	require.NotNil(t, rec)
	assert.True(t, rec.Resolved)
}

func TestStatisticsEndpoint(t *testing.T) {
	env := newTestServer(t, nil)
	_, err := env.store.InsertIfAbsent(context.Background(), alert.NewRecord(&detect.Event{
		ID: "high_usage_b2c3d4e5f6071829", Type: detect.TypePerformance,
		Level: detect.LevelMedium, Title: "Usage", Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, err)

	w := doRequest(env.srv, http.MethodGet, "/api/v1/monitoring/statistics?hours=48", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats alert.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 48, stats.PeriodHours)
	assert.Equal(t, 1, stats.Total)

	w = doRequest(env.srv, http.MethodGet, "/api/v1/monitoring/statistics?hours=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	env := newTestServer(t, nil)

	w := doRequest(env.srv, http.MethodGet, "/api/v1/monitoring/scheduler", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tasks []sched.TaskStatus `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 2)
	assert.Equal(t, tasks.ScanTaskName, resp.Tasks[0].Name)
}

func TestMonitoringStatusEndpoint(t *testing.T) {
	env := newTestServer(t, func(cfg *config.Config) {
		cfg.MonitoringEnabled = false
	})

	w := doRequest(env.srv, http.MethodGet, "/api/v1/monitoring/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["monitoringEnabled"])
	assert.Nil(t, resp["lastScan"], "no scan has run yet")
}

func TestAdminSecretGuardsAPI(t *testing.T) {
	env := newTestServer(t, func(cfg *config.Config) {
		cfg.AdminSecret = "s3cret"
	})

	w := doRequest(env.srv, http.MethodGet, "/api/v1/monitoring/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(env.srv, http.MethodGet, "/api/v1/monitoring/status", "",
		map[string]string{"X-Admin-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(env.srv, http.MethodGet, "/api/v1/monitoring/status", "",
		map[string]string{"X-Admin-Secret": "s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open without the secret.
	w = doRequest(env.srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTriggerCleanup(t *testing.T) {
	env := newTestServer(t, nil)

	w := doRequest(env.srv, http.MethodPost, "/api/v1/monitoring/cleanup", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Run *sched.Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Run)
	assert.Equal(t, sched.StateSucceeded, resp.Run.State)
}

func TestSendReportEndpoint(t *testing.T) {
	env := newTestServer(t, nil)

	w := doRequest(env.srv, http.MethodPost, "/api/v1/monitoring/report", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sent bool `json:"sent"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Sent)
}
