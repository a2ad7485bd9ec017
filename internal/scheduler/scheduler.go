// Package scheduler runs configured commands on cron schedules.
// Every run goes through the execution coordinator, inheriting the full
// pipeline (approval, policy, sandbox, ledger, audit).
//
// Core invariant: scheduled execution is NOT privileged execution.
// Jobs run as their configured user ID and profile like any other caller.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/shellguard/internal/config"
	"github.com/jkaninda/shellguard/internal/executor"
	"github.com/jkaninda/shellguard/internal/history"
)

// DefaultUserID is the caller identity for jobs that do not set one.
const DefaultUserID = "scheduler"

// Executor is the part of the coordinator the scheduler needs.
type Executor interface {
	Execute(ctx context.Context, req executor.Request) *executor.Result
}

// JobStatus is a snapshot of one job for status endpoints.
type JobStatus struct {
	Name       string         `json:"name"`
	Schedule   string         `json:"schedule"`
	Command    string         `json:"command"`
	NextRun    time.Time      `json:"next_run"`
	LastRun    *time.Time     `json:"last_run,omitempty"`
	LastStatus history.Status `json:"last_status,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Runs       int            `json:"runs"`
}

type job struct {
	cfg   config.JobConfig
	entry cron.EntryID

	// Guarded by Scheduler.mu.
	lastRun    time.Time
	lastStatus history.Status
	lastError  string
	runs       int
}

// Scheduler fires configured jobs. It runs on robfig/cron's goroutine;
// overlapping runs of the same job are skipped and total concurrency is
// bounded by a semaphore.
type Scheduler struct {
	exec    Executor
	metrics *Metrics
	logger  *slog.Logger
	cron    *cron.Cron
	sem     chan struct{}

	mu   sync.Mutex
	jobs map[string]*job

	ctx context.Context // set by Start before the cron loop runs
}

// New creates a Scheduler and registers every job. Invalid cron
// expressions are reported here, before anything runs.
func New(exec Executor, cfg *config.SchedulerConfig, metrics *Metrics, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		exec:    exec,
		metrics: metrics,
		logger:  logger,
		sem:     make(chan struct{}, cfg.MaxConcurrent()),
		jobs:    make(map[string]*job, len(cfg.Jobs)),
		ctx:     context.Background(),
	}
	s.cron = cron.New(
		cron.WithParser(newParser()),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
	)

	for _, jc := range cfg.Jobs {
		j := &job{cfg: jc}
		id, err := s.cron.AddFunc(jc.Schedule, func() { s.fire(s.ctx, j) })
		if err != nil {
			return nil, fmt.Errorf("job %q: invalid cron expression %q: %w", jc.Name, jc.Schedule, err)
		}
		j.entry = id
		s.jobs[jc.Name] = j
	}
	return s, nil
}

// Start begins firing jobs. Returns a stop function that waits for running
// jobs to finish (matches approval.StartCleanup pattern).
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.cron.Start()

	s.logger.InfoContext(ctx, "cron scheduler started",
		slog.Int("jobs", len(s.jobs)),
		slog.Int("max_concurrent", cap(s.sem)),
	)

	return func() {
		cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("cron scheduler stopped")
	}
}

// fire runs a single job through the coordinator and records the result.
func (s *Scheduler) fire(ctx context.Context, j *job) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return
	}

	start := time.Now()
	userID := j.cfg.UserID
	if userID == "" {
		userID = DefaultUserID
	}

	s.logger.InfoContext(ctx, "firing scheduled command",
		slog.String("job", j.cfg.Name),
		slog.String("command", j.cfg.Command),
		slog.String("user_id", userID),
	)
	if s.metrics != nil {
		s.metrics.JobsFired.Inc()
	}

	res := s.exec.Execute(ctx, executor.Request{
		Command:          j.cfg.Command,
		WorkingDirectory: j.cfg.WorkingDirectory,
		Timeout:          j.cfg.TimeoutSeconds,
		RunAsShell:       j.cfg.RunAsShell,
		Profile:          j.cfg.Profile,
		UserID:           userID,
	})

	var errMsg string
	if res.Error != nil {
		errMsg = *res.Error
	}

	s.mu.Lock()
	j.lastRun = start.UTC()
	j.lastStatus = res.Status
	j.lastError = errMsg
	j.runs++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.JobDuration.Observe(time.Since(start).Seconds())
		if res.Success {
			s.metrics.JobsSucceeded.Inc()
		} else {
			s.metrics.JobsFailed.Inc()
		}
	}

	if !res.Success {
		s.logger.WarnContext(ctx, "scheduled command failed",
			slog.String("job", j.cfg.Name),
			slog.String("status", string(res.Status)),
			slog.String("error", errMsg),
		)
	}
}

// Jobs returns the status of every job sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{
			Name:       j.cfg.Name,
			Schedule:   j.cfg.Schedule,
			Command:    j.cfg.Command,
			NextRun:    s.cron.Entry(j.entry).Next,
			LastStatus: j.lastStatus,
			LastError:  j.lastError,
			Runs:       j.runs,
		}
		if st.NextRun.IsZero() {
			if next, err := ComputeNextRunFrom(j.cfg.Schedule, time.Now().UTC()); err == nil {
				st.NextRun = next
			}
		}
		if !j.lastRun.IsZero() {
			t := j.lastRun
			st.LastRun = &t
		}
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// RunNow fires a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	s.fire(ctx, j)
	return nil
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ComputeNextRunFrom computes the next run time from a given reference time.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	sched, err := newParser().Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
