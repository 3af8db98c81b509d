package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/jobcost-cli/internal/config"
)

// fastPolicy retries without meaningful sleeps.
var fastPolicy = Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.WarnLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestDo_RetriesLockedDatabase(t *testing.T) {
	logs := observeLogs(t)
	calls := 0
	err := Do(context.Background(), fastPolicy, "insert_detail_lines", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	entries := logs.FilterMessage("retrying after transient error").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "insert_detail_lines", entries[0].ContextMap()["op"])
	assert.EqualValues(t, 2, entries[1].ContextMap()["attempt"])
}

func TestDo_ForeignKeyFailureIsNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, "insert_detail_lines", func(context.Context) error {
		calls++
		return errors.New("FOREIGN KEY constraint failed")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.NotContains(t, err.Error(), "gave up")
}

func TestDoVal_GivesUpWithOperationName(t *testing.T) {
	calls := 0
	cause := NewTransientError(errors.New("deadlock detected"), "deadlock")
	got, err := DoVal(context.Background(), fastPolicy, "upsert_aggregate", func(context.Context) (bool, error) {
		calls++
		return true, cause
	})
	require.Error(t, err)
	assert.False(t, got)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "upsert_aggregate: gave up after 3 attempts")
	assert.ErrorIs(t, err, cause)
}

func TestDoVal_SingleAttemptReturnsCauseUnwrapped(t *testing.T) {
	cause := NewTransientError(errors.New("conn closed"), "conn")
	_, err := DoVal(context.Background(), Policy{MaxAttempts: 1}, "workers_by_number", func(context.Context) (map[string]int, error) {
		return nil, cause
	})
	assert.Same(t, cause, err)
}

func TestDoVal_ReturnsValue(t *testing.T) {
	calls := 0
	got, err := DoVal(context.Background(), fastPolicy, "existing_detail_lines", func(context.Context) (map[int64]bool, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("i/o timeout")
		}
		return map[int64]bool{7: true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{7: true}, got)
}

func TestDo_CancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := Policy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, slow, "insert_workers", func(context.Context) error {
			calls++
			return errors.New("database is locked")
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Do kept waiting after cancel")
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}.withDefaults()
	assert.Equal(t, 100*time.Millisecond, p.backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.backoff(2))
	assert.Equal(t, 800*time.Millisecond, p.backoff(4))
	assert.Equal(t, time.Second, p.backoff(10))

	p.Jitter = 0.5
	for range 50 {
		d := p.backoff(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.RetryConfig{MaxAttempts: 5, InitialBackoff: 50, MaxBackoff: 400, Multiplier: 3})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, 400*time.Millisecond, p.MaxBackoff)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.Equal(t, 0.25, p.Jitter)

	assert.Equal(t, DefaultPolicy(), FromConfig(config.RetryConfig{}))
}
