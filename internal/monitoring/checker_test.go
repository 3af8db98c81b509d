package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/jobcost-cli/internal/config"
	"github.com/sells-group/jobcost-cli/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24, FailureRateThreshold: 0.25}
	checker := NewChecker(NewCollector(s, time.Hour), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_Defaults(t *testing.T) {
	checker := NewChecker(NewCollector(newTestStore(t), 0), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, 5*time.Minute, checker.interval)
	assert.Equal(t, 24, checker.lookback)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s := newTestStore(t)
	seedBatches(t, s,
		model.ImportStatusFailed,
		model.ImportStatusFailed,
		model.ImportStatusFailed,
		model.ImportStatusSuccess,
		model.ImportStatusSuccess,
	)

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, FailureRateThreshold: 0.25, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(s, time.Hour), NewAlerter(cfg), cfg)

	snap, alerts, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, snap.ImportFailed)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertImportFailureRate, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckHealthy(t *testing.T) {
	s := newTestStore(t)
	seedBatches(t, s, model.ImportStatusSuccess)
	cfg := config.MonitoringConfig{FailureRateThreshold: 0.25}
	checker := NewChecker(NewCollector(s, time.Hour), NewAlerter(cfg), cfg)

	snap, alerts, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ImportSuccess)
	assert.Empty(t, alerts)
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{}
	checker := NewChecker(NewCollector(failingStore{}, time.Hour), NewAlerter(cfg), cfg)
	_, _, err := checker.Check(context.Background())
	assert.Error(t, err)
}
