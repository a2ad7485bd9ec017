package approval

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AutoApprover remembers operator decisions and approves repeats.
// When the same user ran the same command in the same directory and an
// operator approved it N times within the lookback window, further identical
// requests skip the prompt.
type AutoApprover struct {
	mu       sync.Mutex
	history  map[string][]time.Time // key → timestamps of manual approvals
	counters map[string]int         // userID → auto-approval count this hour
	hourSlot int64                  // current hour slot for counter reset
	config   AutoApprovalConfig
	logger   *slog.Logger
	now      func() time.Time
}

// AutoApprovalConfig controls auto-approval behavior.
type AutoApprovalConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	MaxAutoApprovals  int  `yaml:"max_per_hour" json:"max_per_hour"`             // Per user per hour. Default: 10.
	RequiredApprovals int  `yaml:"required_approvals" json:"required_approvals"` // Manual approvals needed before auto. Default: 3.
	WindowHours       int  `yaml:"window_hours" json:"window_hours"`             // Lookback window in hours. Default: 24.
}

// NewAutoApprover creates an AutoApprover with the given config.
func NewAutoApprover(cfg AutoApprovalConfig, logger *slog.Logger) *AutoApprover {
	if cfg.MaxAutoApprovals <= 0 {
		cfg.MaxAutoApprovals = 10
	}
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = 3
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	return &AutoApprover{
		history:  make(map[string][]time.Time),
		counters: make(map[string]int),
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// ShouldAutoApprove reports whether req was manually approved often enough
// to skip the operator, and why.
func (a *AutoApprover) ShouldAutoApprove(req Request) (bool, string) {
	if !a.config.Enabled {
		return false, ""
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if slot := now.Unix() / 3600; slot != a.hourSlot {
		a.counters = make(map[string]int)
		a.hourSlot = slot
	}
	if a.counters[req.UserID] >= a.config.MaxAutoApprovals {
		return false, ""
	}

	cutoff := now.Add(-a.window())
	recent := 0
	for _, ts := range a.history[approvalKey(req)] {
		if ts.After(cutoff) {
			recent++
		}
	}
	if recent < a.config.RequiredApprovals {
		return false, ""
	}

	a.counters[req.UserID]++
	reason := fmt.Sprintf("%d prior manual approvals in %dh window", recent, a.config.WindowHours)
	a.logger.Info("auto-approving command",
		slog.String("user_id", req.UserID),
		slog.String("command", req.Command),
		slog.String("reason", reason),
	)
	return true, reason
}

// RecordManualApproval records that an operator approved req.
func (a *AutoApprover) RecordManualApproval(req Request) {
	key := approvalKey(req)

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cutoff := now.Add(-a.window())
	entries := append(a.history[key], now)
	pruned := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	a.history[key] = pruned
}

func (a *AutoApprover) window() time.Duration {
	return time.Duration(a.config.WindowHours) * time.Hour
}

func approvalKey(req Request) string {
	h := sha256.Sum256([]byte(req.UserID + "|" + req.WorkDir + "|" + req.Command))
	return fmt.Sprintf("%x", h[:16])
}
