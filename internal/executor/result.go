package executor

import (
	"github.com/jkaninda/shellguard/internal/history"
	"github.com/jkaninda/shellguard/internal/policy"
	"github.com/jkaninda/shellguard/internal/sandbox"
)

// Result is the tagged outcome of Execute. Error is nil (JSON null) on success.
type Result struct {
	Status          history.Status   `json:"status"`
	Success         bool             `json:"success"`
	FormattedOutput string           `json:"formattedOutput"`
	Error           *string          `json:"error"`
	RawData         *sandbox.Outcome `json:"rawData"`
	Verdict         *policy.Verdict  `json:"verdict,omitempty"`
	RecordID        string           `json:"recordId,omitempty"`

	// Err is the typed error behind Error; use errors.Is/As on it.
	Err error `json:"-"`
}

func errored(err error) *Result {
	r := &Result{
		Status:          history.StatusErrored,
		FormattedOutput: err.Error(),
		Err:             err,
	}
	r.setError()
	return r
}

func (r *Result) setError() {
	if r.Err == nil {
		r.Error = nil
		return
	}
	msg := r.Err.Error()
	r.Error = &msg
}
