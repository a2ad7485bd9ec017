package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/shellguard/internal/config"
	"github.com/jkaninda/shellguard/internal/executor"
	"github.com/jkaninda/shellguard/internal/history"
)

type fakeExecutor struct {
	mu       sync.Mutex
	requests []executor.Request
	success  bool
	block    chan struct{}
	running  atomic.Int32
	peak     atomic.Int32
}

func (f *fakeExecutor) Execute(ctx context.Context, req executor.Request) *executor.Result {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	if f.success {
		return &executor.Result{Status: history.StatusCompleted, Success: true}
	}
	msg := "command exited with code 1"
	return &executor.Result{Status: history.StatusCompleted, Error: &msg}
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_InvalidExpression(t *testing.T) {
	_, err := New(&fakeExecutor{}, &config.SchedulerConfig{
		Jobs: []config.JobConfig{{Name: "bad", Schedule: "every tuesday", Command: "ls"}},
	}, nil, testLogger())
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestRunNow_BuildsRequestAndRecordsStatus(t *testing.T) {
	f := &fakeExecutor{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s, err := New(f, &config.SchedulerConfig{
		Jobs: []config.JobConfig{
			{Name: "disk", Schedule: "0 * * * *", Command: "df -h", WorkingDirectory: "/", TimeoutSeconds: 10, Profile: "ops"},
		},
	}, metrics, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.RunNow(context.Background(), "disk"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown job")
	}

	req := f.requests[0]
	if req.Command != "df -h" || req.WorkingDirectory != "/" || req.Timeout != 10 || req.Profile != "ops" {
		t.Errorf("request = %+v", req)
	}
	if req.UserID != DefaultUserID {
		t.Errorf("UserID = %q, want %q", req.UserID, DefaultUserID)
	}

	jobs := s.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	st := jobs[0]
	if st.Runs != 1 || st.LastRun == nil || st.LastStatus != history.StatusCompleted || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
	if st.NextRun.IsZero() {
		t.Error("NextRun not computed")
	}

	if v := counterValue(t, metrics.JobsFired); v != 1 {
		t.Errorf("fired = %v, want 1", v)
	}
	if v := counterValue(t, metrics.JobsFailed); v != 1 {
		t.Errorf("failed = %v, want 1", v)
	}
}

func TestScheduler_BoundsConcurrency(t *testing.T) {
	f := &fakeExecutor{success: true, block: make(chan struct{})}
	jobs := []config.JobConfig{
		{Name: "a", Schedule: "@hourly", Command: "true"},
		{Name: "b", Schedule: "@hourly", Command: "true"},
		{Name: "c", Schedule: "@hourly", Command: "true"},
	}
	s, err := New(f, &config.SchedulerConfig{MaxConcurrentJobs: 2, Jobs: jobs}, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_ = s.RunNow(context.Background(), name)
		}(j.Name)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.running.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := f.running.Load(); got != 2 {
		t.Errorf("running = %d, want 2", got)
	}

	close(f.block)
	wg.Wait()
	if got := f.peak.Load(); got != 2 {
		t.Errorf("peak concurrency = %d, want 2", got)
	}
	if f.count() != 3 {
		t.Errorf("executions = %d, want 3", f.count())
	}
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	f := &fakeExecutor{success: true}
	s, err := New(f, &config.SchedulerConfig{
		Jobs: []config.JobConfig{{Name: "tick", Schedule: "@every 1s", Command: "date"}},
	}, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	stop := s.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for f.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	stop()

	if f.count() == 0 {
		t.Fatal("job never fired")
	}
}

func TestComputeNextRunFrom(t *testing.T) {
	from := time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC)
	next, err := ComputeNextRunFrom("0 * * * *", from)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
	if _, err := ComputeNextRunFrom("nope", from); err == nil {
		t.Error("expected error")
	}
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Error("expected nil metrics for nil registry")
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	return m.GetCounter().GetValue()
}
