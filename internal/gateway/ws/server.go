// Package ws implements the WebSocket exec endpoint. A client authenticates
// once during the handshake and then sends exec and check requests over a
// single long-lived connection; results come back asynchronously, correlated
// by message ID.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/shellguard/internal/config"
	"github.com/jkaninda/shellguard/internal/executor"
	"github.com/jkaninda/shellguard/internal/policy"
	"github.com/jkaninda/shellguard/internal/protocol"
	"github.com/jkaninda/shellguard/internal/ratelimit"
	"github.com/jkaninda/shellguard/internal/security"
)

const pingInterval = 30 * time.Second

// Coordinator is the part of executor.Coordinator the WebSocket endpoint uses.
type Coordinator interface {
	Execute(ctx context.Context, req executor.Request) *executor.Result
	Check(command, profile, userID string) (policy.Verdict, string, error)
}

// AuthFunc resolves the user behind an upgrade request.
type AuthFunc func(r *http.Request) (userID string, ok bool)

// Server serves exec sessions over WebSocket.
type Server struct {
	coord   Coordinator
	auth    AuthFunc
	cfg     *config.WebSocketGatewayConfig
	limiter *ratelimit.Limiter
	rbac    *security.RBAC
	logger  *slog.Logger

	wg sync.WaitGroup // in-flight commands across all connections
}

// NewServer creates a WebSocket server. auth must not be nil.
func NewServer(coord Coordinator, auth AuthFunc, cfg *config.WebSocketGatewayConfig, logger *slog.Logger) *Server {
	return &Server{
		coord:  coord,
		auth:   auth,
		cfg:    cfg,
		logger: logger,
	}
}

// WithLimiter applies per-user rate limiting to every exec and check message.
func (s *Server) WithLimiter(l *ratelimit.Limiter) *Server {
	s.limiter = l
	return s
}

// WithRBAC enforces the exec and check permissions per message.
func (s *Server) WithRBAC(r *security.RBAC) *Server {
	s.rbac = r
	return s
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// Wait blocks until every command started by this server has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.auth(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, userID)
}

// session is one authenticated connection.
type session struct {
	id      string
	userID  string
	conn    *websocket.Conn
	tracker *execTracker
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, userID string) {
	ctx, cancel := context.WithCancel(ctx)
	sess := &session{
		id:      uuid.New().String(),
		userID:  userID,
		conn:    conn,
		tracker: newExecTracker(s.cfg.WSMaxConcurrent(), s.logger),
	}
	defer func() {
		if n := sess.tracker.cancelAll(); n > 0 {
			s.logger.Info("canceled running commands on disconnect",
				slog.String("session_id", sess.id),
				slog.Int("count", n),
			)
		}
		cancel()
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	s.logger.Info("exec session opened",
		slog.String("session_id", sess.id),
		slog.String("user_id", userID),
	)

	ready, _ := protocol.NewEnvelope(protocol.MsgReady, protocol.ReadyPayload{
		SessionID:     sess.id,
		UserID:        userID,
		MaxConcurrent: sess.tracker.limit,
	})
	if err := s.writeEnvelope(ctx, conn, ready); err != nil {
		return
	}

	go s.pingLoop(ctx, conn, sess.id)

	// Main message loop.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("exec session closed", slog.String("session_id", sess.id))
			} else {
				s.logger.Warn("exec session error",
					slog.String("session_id", sess.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(ctx, sess, &protocol.Envelope{}, protocol.CodeBadMessage, "invalid JSON envelope")
			continue
		}

		s.handleMessage(ctx, sess, &env)
	}
}

func (s *Server) handleMessage(ctx context.Context, sess *session, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgPing:
		pong, _ := env.Reply(protocol.MsgPong, nil)
		_ = s.writeEnvelope(ctx, sess.conn, pong)

	case protocol.MsgExecRequest:
		s.handleExec(ctx, sess, env)

	case protocol.MsgExecCancel:
		var p protocol.CancelPayload
		if err := env.Decode(&p); err != nil || p.RequestID == "" {
			s.sendError(ctx, sess, env, protocol.CodeBadMessage, "request_id is required")
			return
		}
		if !sess.tracker.cancel(p.RequestID) {
			s.sendError(ctx, sess, env, protocol.CodeNotFound, "no running command with that id")
			return
		}
		s.logger.Info("exec canceled by client",
			slog.String("session_id", sess.id),
			slog.String("request_id", p.RequestID),
		)

	case protocol.MsgCheckRequest:
		s.handleCheck(ctx, sess, env)

	default:
		s.sendError(ctx, sess, env, protocol.CodeUnknownType, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

// admit applies rate limiting and RBAC. It reports the error to the client
// and returns false when the message must be dropped.
func (s *Server) admit(ctx context.Context, sess *session, env *protocol.Envelope, action string) bool {
	if err := s.limiter.Allow(sess.userID); errors.Is(err, ratelimit.ErrRateLimited) {
		s.sendError(ctx, sess, env, protocol.CodeRateLimited,
			fmt.Sprintf("rate limit exceeded, retry in %s", s.limiter.RetryAfter(sess.userID)))
		return false
	}
	if err := s.rbac.CheckPermission(ctx, sess.userID, action); err != nil {
		s.sendError(ctx, sess, env, protocol.CodeForbidden, err.Error())
		return false
	}
	return true
}

func (s *Server) handleExec(ctx context.Context, sess *session, env *protocol.Envelope) {
	if env.ID == "" {
		s.sendError(ctx, sess, env, protocol.CodeBadMessage, "id is required")
		return
	}
	if !s.admit(ctx, sess, env, security.ActionExec) {
		return
	}

	var req executor.Request
	if err := env.Decode(&req); err != nil {
		s.sendError(ctx, sess, env, protocol.CodeBadMessage, "invalid exec payload")
		return
	}
	// The bound profile always applies; clients cannot pick their own.
	req.UserID = sess.userID
	req.Profile = ""

	execCtx, err := sess.tracker.start(ctx, env.ID, req.Command)
	switch {
	case errors.Is(err, errBusy):
		s.sendError(ctx, sess, env, protocol.CodeBusy, err.Error())
		return
	case errors.Is(err, errDuplicate):
		s.sendError(ctx, sess, env, protocol.CodeDuplicate, err.Error())
		return
	}

	accepted, _ := env.Reply(protocol.MsgExecAccepted, nil)
	_ = s.writeEnvelope(ctx, sess.conn, accepted)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sess.tracker.finish(env.ID)

		res := s.coord.Execute(execCtx, req)
		out, err := env.Reply(protocol.MsgExecResult, res)
		if err != nil {
			s.logger.Error("encoding exec result failed", slog.String("error", err.Error()))
			return
		}
		if err := s.writeEnvelope(ctx, sess.conn, out); err != nil {
			s.logger.Debug("exec result not delivered",
				slog.String("session_id", sess.id),
				slog.String("request_id", env.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (s *Server) handleCheck(ctx context.Context, sess *session, env *protocol.Envelope) {
	if !s.admit(ctx, sess, env, security.ActionCheck) {
		return
	}

	var req protocol.CheckRequest
	if err := env.Decode(&req); err != nil || req.Command == "" {
		s.sendError(ctx, sess, env, protocol.CodeBadMessage, "command is required")
		return
	}

	verdict, profile, err := s.coord.Check(req.Command, req.Profile, sess.userID)
	if err != nil {
		s.sendError(ctx, sess, env, protocol.CodeCheckFailed, err.Error())
		return
	}
	out, _ := env.Reply(protocol.MsgCheckResult, protocol.CheckResult{
		Command: req.Command,
		Profile: profile,
		Allowed: verdict.Allowed,
		Reason:  verdict.Reason,
		Rule:    string(verdict.Rule),
	})
	_ = s.writeEnvelope(ctx, sess.conn, out)
}

func (s *Server) sendError(ctx context.Context, sess *session, env *protocol.Envelope, code, msg string) {
	out, _ := env.Reply(protocol.MsgError, protocol.ErrorPayload{Code: code, Message: msg})
	if err := s.writeEnvelope(ctx, sess.conn, out); err != nil {
		s.logger.Debug("error reply not delivered",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn, sessionID string) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("websocket ping failed",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
