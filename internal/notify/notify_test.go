package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zouzh14/explicandum-core/internal/alert"
	"github.com/zouzh14/explicandum-core/internal/circuitbreaker"
	"github.com/zouzh14/explicandum-core/internal/detect"
	"github.com/zouzh14/explicandum-core/internal/retry"
)

func fastNotifier(url, secret string) *WebhookNotifier {
	n := NewWebhookNotifier(url, secret)
	n.policy = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return n
}

func TestWebhookSignsAndDelivers(t *testing.T) {
	const secret = "test-secret"

	var gotBody []byte
	var gotSig, gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Monitor-Signature")
		gotEvent = r.Header.Get("X-Monitor-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := fastNotifier(srv.URL, secret)
	events := []*detect.Event{{
		ID:    "evt_1",
		Type:  detect.TypeUsage,
		Level: detect.LevelCritical,
		Title: "Quota Exhaustion Risk",
	}}
	require.NoError(t, n.SendCriticalAlert(context.Background(), events))

	assert.Equal(t, "critical_alert", gotEvent)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)

	var p payload
	require.NoError(t, json.Unmarshal(gotBody, &p))
	require.Len(t, p.Events, 1)
	assert.Equal(t, "evt_1", p.Events[0].ID)
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := fastNotifier(srv.URL, "")
	err := n.SendCriticalAlert(context.Background(), []*detect.Event{{ID: "evt_1"}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := fastNotifier(srv.URL, "")
	err := n.SendCriticalAlert(context.Background(), []*detect.Event{{ID: "evt_1"}})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookDailyReport(t *testing.T) {
	var p payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &p)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := fastNotifier(srv.URL, "")
	report := &alert.DailyReport{
		GeneratedAt: time.Now().UTC(),
		WindowHours: 24,
		Stats:       &alert.Stats{Total: 3, Unresolved: 1, Resolved: 2, PeriodHours: 24},
	}
	require.NoError(t, n.SendDailyReport(context.Background(), report))

	assert.Equal(t, "daily_report", p.Kind)
	require.NotNil(t, p.Report)
	assert.Equal(t, 3, p.Report.Stats.Total)
}

func TestWebhookCircuitOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := fastNotifier(srv.URL, "")

	// Three delivery failures trip the circuit.
	for i := 0; i < 3; i++ {
		err := n.SendCriticalAlert(context.Background(), []*detect.Event{{ID: "evt_1"}})
		require.Error(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())

	// Fourth send is rejected without touching the endpoint.
	err := n.SendCriticalAlert(context.Background(), []*detect.Event{{ID: "evt_1"}})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookCircuitRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := fastNotifier(srv.URL, "")
	n.breaker = circuitbreaker.New(1, 10*time.Millisecond)
	n.breaker.RecordFailure(breakerKey) // trip open

	err := n.SendCriticalAlert(context.Background(), []*detect.Event{{ID: "evt_1"}})
	require.ErrorIs(t, err, ErrCircuitOpen)

	// After the open window the probe goes through and closes the circuit.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, n.SendCriticalAlert(context.Background(), []*detect.Event{{ID: "evt_1"}}))
	require.NoError(t, n.SendCriticalAlert(context.Background(), []*detect.Event{{ID: "evt_1"}}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := NewLogNotifier(nil)
	assert.NoError(t, n.SendCriticalAlert(context.Background(), []*detect.Event{{ID: "evt_1"}}))
	assert.NoError(t, n.SendDailyReport(context.Background(), &alert.DailyReport{Stats: &alert.Stats{}}))
}
