package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	errBusy      = errors.New("too many commands running on this connection")
	errDuplicate = errors.New("request id already running")
)

// trackedExec is one command running on behalf of a connection.
type trackedExec struct {
	RequestID string
	Command   string
	StartedAt time.Time
	cancel    context.CancelFunc
}

// execTracker bounds and tracks the commands running on one connection.
// Each command gets its own cancelable context so the client can abort it.
type execTracker struct {
	mu      sync.Mutex
	running map[string]*trackedExec // requestID -> exec
	limit   int
	logger  *slog.Logger
}

func newExecTracker(limit int, logger *slog.Logger) *execTracker {
	if limit <= 0 {
		limit = 1
	}
	return &execTracker{
		running: make(map[string]*trackedExec),
		limit:   limit,
		logger:  logger,
	}
}

// start registers a command and returns the context it must run under.
func (t *execTracker) start(parent context.Context, requestID, command string) (context.Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.running[requestID]; ok {
		return nil, errDuplicate
	}
	if len(t.running) >= t.limit {
		return nil, errBusy
	}

	ctx, cancel := context.WithCancel(parent)
	t.running[requestID] = &trackedExec{
		RequestID: requestID,
		Command:   command,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	return ctx, nil
}

// finish releases a command's slot.
func (t *execTracker) finish(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.running[requestID]; ok {
		e.cancel()
		delete(t.running, requestID)
		t.logger.Debug("exec finished",
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(e.StartedAt)),
		)
	}
}

// cancel aborts a running command. Reports false if it is not running.
func (t *execTracker) cancel(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.running[requestID]
	if ok {
		e.cancel()
	}
	return ok
}

// cancelAll aborts every running command (connection closed).
func (t *execTracker) cancelAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.running {
		e.cancel()
	}
	return len(t.running)
}

func (t *execTracker) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}
