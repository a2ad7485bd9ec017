package executor

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Timeout bounds, in seconds.
const (
	MinTimeout     = 1
	MaxTimeout     = 3600
	DefaultTimeout = 30
)

// Request is an inbound command execution request.
type Request struct {
	Command          string `json:"command"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Timeout          int    `json:"timeout,omitempty"` // seconds
	CaptureOutput    *bool  `json:"captureOutput,omitempty"`
	RunAsShell       bool   `json:"runAsShell,omitempty"`
	Profile          string `json:"profile,omitempty"`
	UserID           string `json:"userId,omitempty"`
}

// Normalize validates r and fills in defaults. defaultTimeout applies when
// r.Timeout is zero. The working directory must exist.
func (r Request) Normalize(defaultTimeout time.Duration) (Request, error) {
	r.Command = strings.TrimSpace(r.Command)
	if r.Command == "" {
		return r, invalidf("command is required")
	}

	if r.Timeout == 0 {
		r.Timeout = int(defaultTimeout / time.Second)
		if r.Timeout <= 0 {
			r.Timeout = DefaultTimeout
		}
	}
	if r.Timeout < MinTimeout || r.Timeout > MaxTimeout {
		return r, invalidf("timeout must be between %d and %d seconds, got %d", MinTimeout, MaxTimeout, r.Timeout)
	}

	if r.WorkingDirectory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return r, fmt.Errorf("%w: %v", ErrWorkdirMissing, err)
		}
		r.WorkingDirectory = wd
	}
	abs, err := filepath.Abs(r.WorkingDirectory)
	if err != nil {
		return r, invalidf("working directory %q: %v", r.WorkingDirectory, err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return r, fmt.Errorf("%w: %s", ErrWorkdirMissing, abs)
	}
	r.WorkingDirectory = abs

	if r.CaptureOutput == nil {
		capture := true
		r.CaptureOutput = &capture
	}
	return r, nil
}

// TimeoutDuration returns the timeout as a duration.
func (r Request) TimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

func (r Request) capture() bool {
	return r.CaptureOutput == nil || *r.CaptureOutput
}

// ParseRequest converts a decoded tool-call argument object into a Request.
// The profile is never taken from tool-call arguments.
// Numbers may arrive as float64 (encoding/json), any integer type or a
// numeric string.
func ParseRequest(args map[string]any) (Request, error) {
	var req Request

	cmd, ok := args["command"].(string)
	if !ok || strings.TrimSpace(cmd) == "" {
		return req, invalidf("'command' must be a non-empty string")
	}
	req.Command = cmd

	if v, present := args["workingDirectory"]; present && v != nil {
		s, ok := v.(string)
		if !ok {
			return req, invalidf("'workingDirectory' must be a string")
		}
		req.WorkingDirectory = s
	}

	if v, present := args["timeout"]; present && v != nil {
		n, err := toInt(v)
		if err != nil {
			return req, invalidf("'timeout': %v", err)
		}
		req.Timeout = n
	}

	if v, present := args["captureOutput"]; present && v != nil {
		b, err := toBool(v)
		if err != nil {
			return req, invalidf("'captureOutput': %v", err)
		}
		req.CaptureOutput = &b
	}

	if v, present := args["runAsShell"]; present && v != nil {
		b, err := toBool(v)
		if err != nil {
			return req, invalidf("'runAsShell': %v", err)
		}
		req.RunAsShell = b
	}
	return req, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%v is not a whole number", n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	default:
		return false, fmt.Errorf("unsupported type %T", v)
	}
}
