// Package history keeps a bounded, in-memory audit log of command invocations.
package history

import (
	"sync"
	"time"
)

// DefaultCapacity is used when a non-positive capacity is configured.
const DefaultCapacity = 100

// Status is the terminal state of an invocation.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusDenied    Status = "denied"
	StatusTimedOut  Status = "timed_out"
	StatusErrored   Status = "errored"
)

// Record is a single ledger entry. Records are values; the ledger never
// hands out references to its internal storage.
type Record struct {
	ID        string         `json:"id"`
	Command   string         `json:"command"`
	WorkDir   string         `json:"workdir"`
	UserID    string         `json:"user_id,omitempty"`
	Profile   string         `json:"profile,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	ExitCode  *int           `json:"exit_code,omitempty"`
	Duration  *time.Duration `json:"duration,omitempty"`
	Success   bool           `json:"success"`
	Status    Status         `json:"status"`
	Error     string         `json:"error,omitempty"`
}

// Ledger is a fixed-capacity FIFO. Appending to a full ledger evicts the
// oldest record. A single mutex guards both the ring and its length.
type Ledger struct {
	mu    sync.Mutex
	ring  []Record
	head  int // index of the oldest record
	count int
}

// NewLedger creates a ledger holding at most capacity records.
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{ring: make([]Record, capacity)}
}

// Append adds r, evicting the oldest record when the ledger is full.
func (l *Ledger) Append(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	capacity := len(l.ring)
	if l.count < capacity {
		l.ring[(l.head+l.count)%capacity] = r
		l.count++
		return
	}
	l.ring[l.head] = r
	l.head = (l.head + 1) % capacity
}

// Snapshot returns a copy of the records, oldest first.
func (l *Ledger) Snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.ring[(l.head+i)%len(l.ring)].clone()
	}
	return out
}

func (r Record) clone() Record {
	if r.ExitCode != nil {
		code := *r.ExitCode
		r.ExitCode = &code
	}
	if r.Duration != nil {
		d := *r.Duration
		r.Duration = &d
	}
	return r
}

// Clear removes every record.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear(l.ring)
	l.head = 0
	l.count = 0
}

// Len returns the number of records currently held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Cap returns the ledger's capacity.
func (l *Ledger) Cap() int {
	return len(l.ring)
}
