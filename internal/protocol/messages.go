// Package protocol defines the WebSocket message types for exec sessions.
// All messages are JSON-encoded and wrapped in an Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "shellguard-exec-v1"

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Client → Server
	MsgExecRequest  MessageType = "exec.request"
	MsgExecCancel   MessageType = "exec.cancel"
	MsgCheckRequest MessageType = "check.request"
	MsgPing         MessageType = "ping"

	// Server → Client
	MsgReady        MessageType = "session.ready"
	MsgExecAccepted MessageType = "exec.accepted"
	MsgExecResult   MessageType = "exec.result"
	MsgCheckResult  MessageType = "check.result"
	MsgPong         MessageType = "pong"

	// Bidirectional
	MsgError MessageType = "error"
)

// Error codes carried in ErrorPayload.
const (
	CodeBadMessage  = "bad_message"
	CodeUnknownType = "unknown_type"
	CodeRateLimited = "rate_limited"
	CodeForbidden   = "forbidden"
	CodeBusy        = "busy"
	CodeDuplicate   = "duplicate_id"
	CodeNotFound    = "not_found"
	CodeCheckFailed = "check_failed"
)

// Envelope is the top-level message wrapper for all WebSocket communication.
// Replies carry the ID of the message they answer in ReplyTo.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Reply creates an envelope answering e.
func (e *Envelope) Reply(msgType MessageType, payload any) (*Envelope, error) {
	out, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	out.ReplyTo = e.ID
	return out, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// ReadyPayload is sent with MsgReady once the session is authenticated.
type ReadyPayload struct {
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// CheckRequest is sent with MsgCheckRequest.
type CheckRequest struct {
	Command string `json:"command"`
	Profile string `json:"profile,omitempty"`
}

// CheckResult is sent with MsgCheckResult.
type CheckResult struct {
	Command string `json:"command"`
	Profile string `json:"profile"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Rule    string `json:"rule"`
}

// CancelPayload is sent with MsgExecCancel to abort a running command.
type CancelPayload struct {
	RequestID string `json:"request_id"`
}

// ErrorPayload is sent with MsgError for protocol-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
