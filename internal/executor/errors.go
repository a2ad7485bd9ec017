package executor

import (
	"errors"
	"fmt"

	"github.com/jkaninda/shellguard/internal/policy"
	"github.com/jkaninda/shellguard/internal/sandbox"
)

var (
	ErrValidationDenied     = errors.New("command denied by policy")
	ErrApprovalDenied       = errors.New("command execution was not approved")
	ErrApprovalGateRequired = errors.New("approval is required but no approval gate was provided")
	ErrSandboxDisposed      = errors.New("sandbox has been disposed")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrExecutionFailed      = errors.New("execution failed")

	// Runner failures, re-exported so callers need only this package.
	ErrWorkdirMissing = sandbox.ErrWorkdirMissing
	ErrTimedOut       = sandbox.ErrTimedOut
	ErrStartFailed    = sandbox.ErrStartFailed
	ErrCanceled       = sandbox.ErrCanceled
)

// DeniedError carries the policy verdict for a rejected command.
type DeniedError struct {
	Reason string
	Rule   policy.Rule
}

func (e *DeniedError) Error() string { return e.Reason }

func (e *DeniedError) Unwrap() error { return ErrValidationDenied }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
