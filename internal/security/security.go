// Package security implements the append-only audit log and default-deny
// role checks for gateway callers.
package security

import (
	"errors"
	"time"

	"github.com/jkaninda/shellguard/internal/history"
)

// ErrPermissionDenied is returned when a caller's role lacks an action.
var ErrPermissionDenied = errors.New("permission denied")

// Gateway actions checked by RBAC.
const (
	ActionExec             = "exec"
	ActionCheck            = "check"
	ActionHistoryRead      = "history:read"
	ActionHistoryClear     = "history:clear"
	ActionApprovalsRead    = "approvals:read"
	ActionApprovalsResolve = "approvals:resolve"
)

// AuditEvent is a single entry in the append-only audit log.
type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	RecordID   string    `json:"record_id"`
	UserID     string    `json:"user_id,omitempty"`
	Profile    string    `json:"profile,omitempty"`
	Action     string    `json:"action"`
	Command    string    `json:"command"`
	WorkDir    string    `json:"workdir"`
	Result     string    `json:"result"` // "completed", "denied", "timed_out", "errored"
	ExitCode   *int      `json:"exit_code,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func eventFromRecord(rec history.Record) AuditEvent {
	ev := AuditEvent{
		Timestamp: rec.Timestamp.UTC(),
		RecordID:  rec.ID,
		UserID:    rec.UserID,
		Profile:   rec.Profile,
		Action:    ActionExec,
		Command:   rec.Command,
		WorkDir:   rec.WorkDir,
		Result:    string(rec.Status),
		ExitCode:  rec.ExitCode,
		Error:     rec.Error,
	}
	if rec.Duration != nil {
		ev.DurationMS = rec.Duration.Milliseconds()
	}
	return ev
}
