package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bebsworthy/appstrap/internal/config"
	apperrors "github.com/bebsworthy/appstrap/internal/errors"
	"github.com/bebsworthy/appstrap/internal/logging"
	"github.com/bebsworthy/appstrap/internal/metrics"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writes and reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) messages(t *testing.T) []string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var msgs []string
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		msgs = append(msgs, entry["msg"].(string))
	}
	return msgs
}

func countOf(msgs []string, msg string) int {
	n := 0
	for _, m := range msgs {
		if m == msg {
			n++
		}
	}
	return n
}

type fixture struct {
	sup     *Supervisor
	logs    *syncBuffer
	metrics *metrics.SupervisorMetrics
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	logs := &syncBuffer{}
	m := metrics.NewSupervisorMetrics(prometheus.NewRegistry())
	sup := New(Options{
		Timeout: timeout,
		Logger:  slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Metrics: m,
	})
	return &fixture{sup: sup, logs: logs, metrics: m}
}

func counterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := cv.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	var metric io_prometheus_client.Metric
	require.NoError(t, counter.Write(&metric))
	return metric.GetCounter().GetValue()
}

// blockForever ignores cancellation until the test ends.
func blockForever(t *testing.T) Subsystem {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	return func(ctx context.Context, h *Handle) error {
		<-release
		return nil
	}
}

func runAsync(ctx context.Context, sup *Supervisor) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()
	return errCh
}

func waitResult(t *testing.T, errCh <-chan error, within time.Duration) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(within):
		t.Fatalf("Run did not return within %v", within)
		return nil
	}
}

func TestRun_SubsystemRequestsShutdown(t *testing.T) {
	f := newFixture(t, time.Second)

	ticks := 0
	require.NoError(t, f.sup.Add("app1", func(ctx context.Context, h *Handle) error {
		for i := 0; i < 3; i++ {
			time.Sleep(5 * time.Millisecond)
			ticks++
		}
		h.RequestShutdown()
		return nil
	}))

	err := waitResult(t, runAsync(context.Background(), f.sup), 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 3, ticks)
	assert.Equal(t, StateStopped, f.sup.State())
	assert.Equal(t, CauseRequested, f.sup.Cause())

	results := f.sup.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "app1", results[0].Name)
	assert.Equal(t, metrics.OutcomeCompleted, results[0].Outcome)
	assert.NoError(t, results[0].Err)

	msgs := f.logs.messages(t)
	assert.Equal(t, 1, countOf(msgs, "shutdown requested"))
	assert.Equal(t, 1, countOf(msgs, "shutting down"))
	assert.Equal(t, 1, countOf(msgs, "shutdown complete"))
	assert.Equal(t, 1.0, counterValue(t, f.metrics.SubsystemExits, "app1", metrics.OutcomeCompleted))
}

func TestRun_RequestCancelsSiblings(t *testing.T) {
	f := newFixture(t, time.Second)

	sawCancel := make(chan struct{})
	require.NoError(t, f.sup.Add("worker", func(ctx context.Context, h *Handle) error {
		<-h.ShutdownRequested()
		close(sawCancel)
		return ctx.Err()
	}))
	require.NoError(t, f.sup.Add("trigger", func(ctx context.Context, h *Handle) error {
		h.RequestShutdown()
		return nil
	}))

	err := waitResult(t, runAsync(context.Background(), f.sup), 2*time.Second)
	require.NoError(t, err, "returning ctx.Err() after shutdown is a clean exit")

	select {
	case <-sawCancel:
	default:
		t.Fatal("worker did not observe shutdown")
	}
	assert.Len(t, f.sup.Results(), 2)
}

func TestRun_ConcurrentRequestsShutdownOnce(t *testing.T) {
	f := newFixture(t, time.Second)

	start := make(chan struct{})
	for _, name := range []string{"a", "b"} {
		require.NoError(t, f.sup.Add(name, func(ctx context.Context, h *Handle) error {
			<-start
			h.RequestShutdown()
			h.RequestShutdown()
			<-ctx.Done()
			return nil
		}))
	}

	errCh := runAsync(context.Background(), f.sup)
	<-f.sup.Ready()
	close(start)

	require.NoError(t, waitResult(t, errCh, 2*time.Second))

	msgs := f.logs.messages(t)
	assert.Equal(t, 1, countOf(msgs, "shutdown requested"))
	assert.Equal(t, 1, countOf(msgs, "shutting down"))
	assert.Equal(t, 1.0, counterValue(t, f.metrics.Shutdowns, string(CauseRequested)))
	assert.Equal(t, 0.0, counterValue(t, f.metrics.Shutdowns, string(CauseAllFinished)))
}

func TestRun_ParentContextCancelledThenTimeout(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)
	require.NoError(t, f.sup.Add("stuck", blockForever(t)))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, f.sup)
	<-f.sup.Ready()
	assert.Equal(t, StateRunning, f.sup.State())

	started := time.Now()
	cancel()

	err := waitResult(t, errCh, 2*time.Second)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond)

	assert.ErrorIs(t, err, apperrors.ErrShutdownTimeout)
	assert.Contains(t, err.Error(), "stuck")
	assert.Equal(t, CauseContext, f.sup.Cause())
	assert.Equal(t, StateStopped, f.sup.State())

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, []string{"stuck"}, appErr.Details["still_running"])

	results := f.sup.Results()
	require.Len(t, results, 1)
	assert.Equal(t, metrics.OutcomeAbandoned, results[0].Outcome)
	assert.Equal(t, 1.0, counterValue(t, f.metrics.SubsystemExits, "stuck", metrics.OutcomeAbandoned))
}

func TestRun_TimeoutNamesOnlyUnfinished(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)
	require.NoError(t, f.sup.Add("zeta", blockForever(t)))
	require.NoError(t, f.sup.Add("alpha", blockForever(t)))
	require.NoError(t, f.sup.Add("polite", func(ctx context.Context, h *Handle) error {
		<-ctx.Done()
		return nil
	}))

	errCh := runAsync(context.Background(), f.sup)
	<-f.sup.Ready()
	f.sup.RequestShutdown()

	err := waitResult(t, errCh, 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpha, zeta")
	assert.NotContains(t, err.Error(), "polite")
}

func TestRun_SubsystemErrorTriggersShutdown(t *testing.T) {
	f := newFixture(t, time.Second)
	boom := errors.New("boom")

	siblingStopped := make(chan struct{})
	require.NoError(t, f.sup.Add("sibling", func(ctx context.Context, h *Handle) error {
		<-ctx.Done()
		close(siblingStopped)
		return nil
	}))
	require.NoError(t, f.sup.Add("broken", func(ctx context.Context, h *Handle) error {
		return boom
	}))

	err := waitResult(t, runAsync(context.Background(), f.sup), 2*time.Second)
	require.Error(t, err)

	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, apperrors.ErrSubsystemFailed)
	assert.NotErrorIs(t, err, apperrors.ErrShutdownTimeout)
	assert.Contains(t, err.Error(), `subsystem "broken" failed`)
	assert.Equal(t, CauseSubsystemFailed, f.sup.Cause())

	select {
	case <-siblingStopped:
	default:
		t.Fatal("sibling was not cancelled")
	}
	assert.Equal(t, 1.0, counterValue(t, f.metrics.SubsystemExits, "broken", metrics.OutcomeFailed))
}

func TestRun_PanicIsFailure(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.sup.Add("crashy", func(ctx context.Context, h *Handle) error {
		panic("unexpected state")
	}))

	err := waitResult(t, runAsync(context.Background(), f.sup), 2*time.Second)
	require.Error(t, err)

	assert.ErrorIs(t, err, apperrors.ErrSubsystemFailed)
	assert.ErrorIs(t, err, apperrors.ErrPanicRecovered)
	assert.Contains(t, err.Error(), "unexpected state")

	results := f.sup.Results()
	require.Len(t, results, 1)
	assert.Equal(t, metrics.OutcomePanicked, results[0].Outcome)
}

func TestRun_AllFinishedWithoutRequest(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.sup.Add("oneshot", func(ctx context.Context, h *Handle) error {
		return nil
	}))

	require.NoError(t, waitResult(t, runAsync(context.Background(), f.sup), 2*time.Second))
	assert.Equal(t, CauseAllFinished, f.sup.Cause())
}

func TestRun_NoSubsystems(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.sup.Run(context.Background()))
	assert.Equal(t, StateStopped, f.sup.State())
}

func TestRun_RequestBeforeRun(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.sup.Add("waiter", func(ctx context.Context, h *Handle) error {
		<-ctx.Done()
		return nil
	}))

	f.sup.RequestShutdown()
	require.NoError(t, waitResult(t, runAsync(context.Background(), f.sup), 2*time.Second))
	assert.Equal(t, CauseRequested, f.sup.Cause())
}

func TestRun_Twice(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.sup.Run(context.Background()))

	err := f.sup.Run(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAlreadyRunning)
}

func TestAdd_Validation(t *testing.T) {
	f := newFixture(t, time.Second)
	noop := func(ctx context.Context, h *Handle) error { return nil }

	assert.ErrorIs(t, f.sup.Add("", noop), apperrors.ErrInvalidInput)
	assert.ErrorIs(t, f.sup.Add("app1", nil), apperrors.ErrInvalidInput)

	require.NoError(t, f.sup.Add("app1", noop))
	assert.ErrorIs(t, f.sup.Add("app1", noop), apperrors.ErrDuplicateSubsystem)

	require.NoError(t, f.sup.Run(context.Background()))
	assert.ErrorIs(t, f.sup.Add("late", noop), apperrors.ErrAlreadyRunning)
}

func TestHandle(t *testing.T) {
	f := newFixture(t, time.Second)

	var gotName string
	require.NoError(t, f.sup.Add("named", func(ctx context.Context, h *Handle) error {
		gotName = h.Name()
		h.Logger().Info("hello")
		h.RequestShutdown()
		<-h.ShutdownRequested()
		return nil
	}))

	require.NoError(t, waitResult(t, runAsync(context.Background(), f.sup), 2*time.Second))
	assert.Equal(t, "named", gotName)
	assert.Equal(t, 1, countOf(f.logs.messages(t), "hello"))
}

func TestRun_LogsCarryRunID(t *testing.T) {
	logs := &syncBuffer{}
	logger, err := logging.NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, logs)
	require.NoError(t, err)

	sup := New(Options{Timeout: time.Second, Logger: logger.Logger})
	require.NoError(t, sup.Add("app1", func(ctx context.Context, h *Handle) error {
		h.Logger().InfoContext(ctx, "working")
		h.RequestShutdown()
		return nil
	}))
	require.NoError(t, sup.Run(context.Background()))
	require.NotEmpty(t, sup.RunID())

	logs.mu.Lock()
	lines := strings.Split(strings.TrimSpace(logs.buf.String()), "\n")
	logs.mu.Unlock()

	require.NotEmpty(t, lines)
	seen := make(map[string]bool)
	for _, line := range lines {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		assert.Equal(t, sup.RunID(), entry["correlation_id"], "line %q", line)
		assert.Equal(t, "supervisor", entry["component"])
		seen[entry["msg"].(string)] = true
	}
	assert.True(t, seen["shutdown requested"])
	assert.True(t, seen["working"])
}

func TestDrainReady(t *testing.T) {
	done := make(chan Result, 3)
	done <- Result{Name: "alpha", Outcome: metrics.OutcomeCompleted}

	got := drainReady(done, 2)
	require.Len(t, got, 1)
	assert.Equal(t, "alpha", got[0].Name)

	assert.Empty(t, drainReady(done, 2))

	done <- Result{Name: "beta"}
	done <- Result{Name: "gamma"}
	got = drainReady(done, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "beta", got[0].Name)
	assert.Len(t, done, 1)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "shutting_down", StateShuttingDown.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestPackageRun(t *testing.T) {
	err := Run(context.Background(), map[string]Subsystem{
		"app1": func(ctx context.Context, h *Handle) error {
			h.RequestShutdown()
			return nil
		},
	}, time.Second)
	require.NoError(t, err)

	err = Run(context.Background(), map[string]Subsystem{
		"bad": nil,
	}, time.Second)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
