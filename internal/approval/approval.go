// Package approval implements human sign-off for commands that require it
// before they reach the policy engine and the sandbox.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrExpired         = errors.New("approval expired")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// DefaultTTL bounds how long a command may wait for an operator.
const DefaultTTL = 5 * time.Minute

// Status represents the state of an approval request.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PendingApproval is a command waiting for an operator decision.
type PendingApproval struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	Command    string    `json:"command"`
	WorkDir    string    `json:"workdir"`
	Profile    string    `json:"profile,omitempty"`
	Status     Status    `json:"status"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`

	done chan struct{} // closed once the status leaves pending
}

// Manager stores pending approval requests in memory.
// Thread-safe. Approvals expire after a configurable TTL.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
	ttl     time.Duration
	logger  *slog.Logger
}

// NewManager creates an approval manager with the given default TTL.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		pending: make(map[string]*PendingApproval),
		ttl:     ttl,
		logger:  logger,
	}
}

// Create stores a new pending approval and returns its unique ID.
func (m *Manager) Create(_ context.Context, req Request) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", fmt.Errorf("generating approval ID: %w", err)
	}

	now := time.Now().UTC()
	pa := &PendingApproval{
		ID:        id,
		UserID:    req.UserID,
		Command:   req.Command,
		WorkDir:   req.WorkDir,
		Profile:   req.Profile,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.pending[id] = pa
	m.mu.Unlock()

	m.logger.Info("approval created",
		slog.String("approval_id", id),
		slog.String("user_id", req.UserID),
		slog.String("command", req.Command),
		slog.String("workdir", req.WorkDir),
	)

	return id, nil
}

// Approve marks a pending approval as approved by the given approver.
func (m *Manager) Approve(_ context.Context, id, approverID string) error {
	return m.resolve(id, approverID, StatusApproved)
}

// Deny marks a pending approval as denied.
func (m *Manager) Deny(_ context.Context, id, denierID string) error {
	return m.resolve(id, denierID, StatusDenied)
}

func (m *Manager) resolve(id, resolverID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.pending[id]
	if !ok {
		return ErrNotFound
	}

	if pa.Status == StatusPending && time.Now().UTC().After(pa.ExpiresAt) {
		m.finish(pa, StatusExpired)
		return ErrExpired
	}

	if pa.Status != StatusPending {
		return ErrAlreadyResolved
	}

	pa.ResolvedBy = resolverID
	m.finish(pa, status)

	m.logger.Info("approval resolved",
		slog.String("approval_id", id),
		slog.String("resolver", resolverID),
		slog.String("status", status.String()),
		slog.String("command", pa.Command),
	)

	return nil
}

// finish moves pa out of pending and wakes waiters. Caller holds m.mu.
func (m *Manager) finish(pa *PendingApproval, status Status) {
	if pa.Status != StatusPending {
		return
	}
	pa.Status = status
	pa.ResolvedAt = time.Now().UTC()
	close(pa.done)
}

// Get returns a copy of the approval with the given ID.
func (m *Manager) Get(_ context.Context, id string) (PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.pending[id]
	if !ok {
		return PendingApproval{}, ErrNotFound
	}

	// Mark as expired on access if past TTL.
	if pa.Status == StatusPending && time.Now().UTC().After(pa.ExpiresAt) {
		m.finish(pa, StatusExpired)
	}

	return pa.snapshot(), nil
}

// List returns copies of all tracked approvals, oldest first.
func (m *Manager) List(_ context.Context) []PendingApproval {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	out := make([]PendingApproval, 0, len(m.pending))
	for _, pa := range m.pending {
		if pa.Status == StatusPending && now.After(pa.ExpiresAt) {
			m.finish(pa, StatusExpired)
		}
		out = append(out, pa.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Wait blocks until the approval is resolved, expires or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (Status, error) {
	m.mu.Lock()
	pa, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return StatusPending, ErrNotFound
	}
	done, expiresAt := pa.done, pa.ExpiresAt
	m.mu.Unlock()

	timer := time.NewTimer(time.Until(expiresAt))
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		m.mu.Lock()
		m.finish(pa, StatusExpired)
		m.mu.Unlock()
	case <-ctx.Done():
		return StatusPending, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return pa.Status, nil
}

func (pa *PendingApproval) snapshot() PendingApproval {
	cp := *pa
	cp.done = nil
	return cp
}

// Cleanup removes expired and old resolved approvals.
func (m *Manager) Cleanup(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for id, pa := range m.pending {
		if pa.Status == StatusPending && now.After(pa.ExpiresAt) {
			m.finish(pa, StatusExpired)
		}
		// Remove anything resolved or expired more than 2x TTL ago.
		if pa.Status != StatusPending && now.After(pa.ExpiresAt.Add(m.ttl)) {
			delete(m.pending, id)
		}
	}
}

// StartCleanup starts a background goroutine that calls Cleanup periodically.
// Returns a cancel function to stop the goroutine.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Cleanup(ctx)
			}
		}
	}()
	return cancel
}

func generateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
