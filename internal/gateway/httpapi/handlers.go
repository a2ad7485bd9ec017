package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/shellguard/internal/approval"
	"github.com/jkaninda/shellguard/internal/executor"
	"github.com/jkaninda/shellguard/internal/history"
	"github.com/jkaninda/shellguard/internal/policy"
	"github.com/jkaninda/shellguard/internal/ratelimit"
	"github.com/jkaninda/shellguard/internal/scheduler"
	"github.com/jkaninda/shellguard/internal/security"
	"github.com/jkaninda/shellguard/internal/storage"
)

func (g *Gateway) registerRoutes() {
	g.group.Post("/exec", g.handleExec,
		okapi.DocSummary("Validate and execute a command"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(executor.Request{}),
		okapi.DocResponse(executor.Result{}),
		okapi.DocResponse(http.StatusBadRequest, executor.Result{}),
		okapi.DocResponse(http.StatusForbidden, executor.Result{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/exec/stream", g.handleExecStream,
		okapi.DocSummary("Execute a command and stream progress via SSE"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(executor.Request{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/check", g.handleCheck,
		okapi.DocSummary("Check a command against policy without running it"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(CheckRequest{}),
		okapi.DocResponse(CheckResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/profiles", g.handleProfiles,
		okapi.DocSummary("List policy profiles"),
		okapi.DocTags("Execution"),
		okapi.DocResponse([]string{}),
	)
	g.group.Get("/history", g.handleHistory,
		okapi.DocSummary("In-memory history ledger, oldest first"),
		okapi.DocTags("History"),
		okapi.DocResponse([]history.Record{}),
	)
	g.group.Delete("/history", g.handleClearHistory,
		okapi.DocSummary("Clear the in-memory history ledger"),
		okapi.DocTags("History"),
		okapi.DocResponse(okapi.M{}),
	)

	if g.records != nil {
		g.group.Get("/records", g.handleRecords,
			okapi.DocSummary("Query persistent execution records, newest first"),
			okapi.DocTags("History"),
			okapi.DocResponse([]history.Record{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	if g.approvals != nil {
		g.group.Get("/approvals", g.handleApprovals,
			okapi.DocSummary("List approval requests"),
			okapi.DocTags("Approvals"),
			okapi.DocResponse([]approval.PendingApproval{}),
		)
		g.group.Post("/approvals/{id}/approve", g.handleApprove,
			okapi.DocSummary("Approve a pending command"),
			okapi.DocTags("Approvals"),
			okapi.DocPathParam("id", "string", "Approval ID"),
			okapi.DocResponse(ApprovalResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
			okapi.DocResponse(http.StatusGone, ErrorBody{}),
		)
		g.group.Post("/approvals/{id}/deny", g.handleDeny,
			okapi.DocSummary("Deny a pending command"),
			okapi.DocTags("Approvals"),
			okapi.DocPathParam("id", "string", "Approval ID"),
			okapi.DocResponse(ApprovalResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	if g.jobs != nil {
		g.group.Get("/jobs", g.handleJobs,
			okapi.DocSummary("List scheduled commands"),
			okapi.DocTags("Scheduler"),
			okapi.DocResponse([]scheduler.JobStatus{}),
		)
		g.group.Post("/jobs/{name}/run", g.handleJobRun,
			okapi.DocSummary("Run a scheduled command now"),
			okapi.DocTags("Scheduler"),
			okapi.DocPathParam("name", "string", "Job name"),
			okapi.DocResponse(http.StatusAccepted, okapi.M{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}
}

// apiError is an error response with its HTTP status.
type apiError struct {
	code int
	msg  string
}

func (e *apiError) write(c *okapi.Context) error {
	return c.JSON(e.code, ErrorBody{Error: e.msg})
}

// admit applies the rate limit and then RBAC for one request.
func (g *Gateway) admit(ctx context.Context, userID, action string) *apiError {
	if userID == "" {
		return &apiError{http.StatusUnauthorized, "Unauthorized"}
	}
	if g.limiter != nil {
		if err := g.limiter.Allow(userID); errors.Is(err, ratelimit.ErrRateLimited) {
			return &apiError{http.StatusTooManyRequests, fmt.Sprintf("rate limit exceeded, retry in %s", g.limiter.RetryAfter(userID))}
		}
	}
	if err := g.rbac.CheckPermission(ctx, userID, action); err != nil {
		return &apiError{http.StatusForbidden, err.Error()}
	}
	return nil
}

// --- Execution ---

// execute runs req as userID. The caller cannot pick a profile: the
// coordinator resolves it from the user's binding.
func (g *Gateway) execute(ctx context.Context, userID string, req executor.Request) *executor.Result {
	req.UserID = userID
	req.Profile = ""

	g.logger.InfoContext(ctx, "http exec",
		slog.String("user_id", userID),
		slog.String("command", req.Command),
	)
	return g.coord.Execute(ctx, req)
}

// statusFor maps a result to its HTTP status. Commands that ran (whatever
// their exit code) and timeouts are 200; the body carries the details.
func statusFor(res *executor.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Status == history.StatusDenied:
		return http.StatusForbidden
	case errors.Is(res.Err, executor.ErrInvalidRequest), errors.Is(res.Err, executor.ErrWorkdirMissing):
		return http.StatusBadRequest
	case errors.Is(res.Err, executor.ErrSandboxDisposed):
		return http.StatusServiceUnavailable
	case errors.Is(res.Err, executor.ErrExecutionFailed):
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

func (g *Gateway) handleExec(c *okapi.Context) error {
	userID := c.GetString("userID")
	if e := g.admit(c.Context(), userID, security.ActionExec); e != nil {
		return e.write(c)
	}

	var req executor.Request
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	res := g.execute(c.Context(), userID, req)
	return c.JSON(statusFor(res), res)
}

// SSEEvent is one server-sent event on the exec stream.
type SSEEvent struct {
	Type    string           `json:"type"` // "accepted", "result", "done"
	Content string           `json:"content,omitempty"`
	Result  *executor.Result `json:"result,omitempty"`
}

// handleExecStream acknowledges the request at once, then sends the result
// when the command finishes. Useful when approval may take minutes.
func (g *Gateway) handleExecStream(c *okapi.Context) error {
	userID := c.GetString("userID")
	if e := g.admit(c.Context(), userID, security.ActionExec); e != nil {
		return e.write(c)
	}

	var req executor.Request
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	c.SSEvent("accepted", SSEEvent{Type: "accepted", Content: req.Command})
	res := g.execute(c.Context(), userID, req)
	c.SSEvent("result", SSEEvent{Type: "result", Result: res})
	c.SSEvent("done", SSEEvent{Type: "done"})
	return nil
}

// CheckRequest is the JSON body for POST /v1/check.
type CheckRequest struct {
	Command string `json:"command"`
	Profile string `json:"profile,omitempty"` // Default: the caller's bound profile.
}

// CheckResponse is the verdict for a checked command.
type CheckResponse struct {
	Command string `json:"command"`
	Profile string `json:"profile"`
	policy.Verdict
}

func (g *Gateway) check(userID string, req CheckRequest) (*CheckResponse, *apiError) {
	if req.Command == "" {
		return nil, &apiError{http.StatusBadRequest, "command is required"}
	}
	verdict, profile, err := g.coord.Check(req.Command, req.Profile, userID)
	if errors.Is(err, policy.ErrUnknownProfile) {
		return nil, &apiError{http.StatusNotFound, err.Error()}
	}
	if err != nil {
		return nil, &apiError{http.StatusInternalServerError, "policy check failed"}
	}
	return &CheckResponse{Command: req.Command, Profile: profile, Verdict: verdict}, nil
}

func (g *Gateway) handleCheck(c *okapi.Context) error {
	userID := c.GetString("userID")
	if e := g.admit(c.Context(), userID, security.ActionCheck); e != nil {
		return e.write(c)
	}

	var req CheckRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	resp, e := g.check(userID, req)
	if e != nil {
		return e.write(c)
	}
	return c.OK(resp)
}

func (g *Gateway) handleProfiles(c *okapi.Context) error {
	if e := g.admit(c.Context(), c.GetString("userID"), security.ActionCheck); e != nil {
		return e.write(c)
	}
	return c.OK(g.coord.Profiles())
}

// --- History ---

func (g *Gateway) handleHistory(c *okapi.Context) error {
	if e := g.admit(c.Context(), c.GetString("userID"), security.ActionHistoryRead); e != nil {
		return e.write(c)
	}
	return c.OK(g.coord.History())
}

func (g *Gateway) handleClearHistory(c *okapi.Context) error {
	userID := c.GetString("userID")
	if e := g.admit(c.Context(), userID, security.ActionHistoryClear); e != nil {
		return e.write(c)
	}
	g.coord.ClearHistory()
	g.logger.Info("history cleared", slog.String("user_id", userID))
	return c.OK(okapi.M{"status": "cleared"})
}

// recordFilter parses ?user=&profile=&status=&limit= query parameters.
func recordFilter(q url.Values) (storage.Filter, error) {
	f := storage.Filter{
		UserID:  q.Get("user"),
		Profile: q.Get("profile"),
		Status:  history.Status(q.Get("status")),
	}
	switch f.Status {
	case "", history.StatusCompleted, history.StatusDenied, history.StatusTimedOut, history.StatusErrored:
	default:
		return f, fmt.Errorf("unknown status %q", f.Status)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, fmt.Errorf("limit must be a positive integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (g *Gateway) handleRecords(c *okapi.Context) error {
	if e := g.admit(c.Context(), c.GetString("userID"), security.ActionHistoryRead); e != nil {
		return e.write(c)
	}

	f, err := recordFilter(c.Request().URL.Query())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	records, err := g.records.List(c.Context(), f)
	if err != nil {
		g.logger.Error("listing records failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing records failed")
	}
	return c.OK(records)
}

// --- Approvals ---

// ApprovalResponse is the JSON response after an approval decision.
type ApprovalResponse struct {
	ApprovalID string    `json:"approval_id"`
	Status     string    `json:"status"`
	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`
}

func (g *Gateway) resolve(ctx context.Context, id, userID string, approve bool) (*ApprovalResponse, *apiError) {
	if id == "" {
		return nil, &apiError{http.StatusBadRequest, "approval id is required"}
	}

	var err error
	status := "denied"
	if approve {
		status = "approved"
		err = g.approvals.Approve(ctx, id, userID)
	} else {
		err = g.approvals.Deny(ctx, id, userID)
	}
	if err != nil {
		return nil, approvalError(err)
	}

	g.logger.InfoContext(ctx, "http approval",
		slog.String("user_id", userID),
		slog.String("approval_id", id),
		slog.String("decision", status),
	)
	return &ApprovalResponse{ApprovalID: id, Status: status, ResolvedBy: userID, ResolvedAt: time.Now().UTC()}, nil
}

func (g *Gateway) handleApprovals(c *okapi.Context) error {
	if e := g.admit(c.Context(), c.GetString("userID"), security.ActionApprovalsRead); e != nil {
		return e.write(c)
	}
	return c.OK(g.approvals.List(c.Context()))
}

func (g *Gateway) handleApprove(c *okapi.Context) error {
	return g.handleDecision(c, true)
}

func (g *Gateway) handleDeny(c *okapi.Context) error {
	return g.handleDecision(c, false)
}

func (g *Gateway) handleDecision(c *okapi.Context, approve bool) error {
	userID := c.GetString("userID")
	if e := g.admit(c.Context(), userID, security.ActionApprovalsResolve); e != nil {
		return e.write(c)
	}
	resp, e := g.resolve(c.Context(), c.Param("id"), userID, approve)
	if e != nil {
		return e.write(c)
	}
	return c.OK(resp)
}

// approvalError maps approval errors to appropriate HTTP responses.
func approvalError(err error) *apiError {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return &apiError{http.StatusNotFound, "approval not found"}
	case errors.Is(err, approval.ErrExpired):
		return &apiError{http.StatusGone, "approval expired"}
	case errors.Is(err, approval.ErrAlreadyResolved):
		return &apiError{http.StatusConflict, "approval already resolved"}
	default:
		return &apiError{http.StatusInternalServerError, "approval error"}
	}
}

// --- Scheduler ---

func (g *Gateway) handleJobs(c *okapi.Context) error {
	if e := g.admit(c.Context(), c.GetString("userID"), security.ActionHistoryRead); e != nil {
		return e.write(c)
	}
	return c.OK(g.jobs.Jobs())
}

func (g *Gateway) handleJobRun(c *okapi.Context) error {
	userID := c.GetString("userID")
	if e := g.admit(c.Context(), userID, security.ActionExec); e != nil {
		return e.write(c)
	}
	name := c.Param("name")
	known := false
	for _, j := range g.jobs.Jobs() {
		if j.Name == name {
			known = true
			break
		}
	}
	if !known {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "job not found"})
	}

	// The run outlives the request; it is bounded by the job's own timeout.
	go func() {
		_ = g.jobs.RunNow(context.WithoutCancel(c.Context()), name)
	}()
	g.logger.Info("job triggered", slog.String("job", name), slog.String("user_id", userID))
	return c.JSON(http.StatusAccepted, okapi.M{"status": "triggered", "job": name})
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
