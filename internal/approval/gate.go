package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Request identifies the command an approval is asked for.
type Request struct {
	Command string
	WorkDir string
	UserID  string
	Profile string
}

// Gate decides whether a command may proceed to validation and execution.
// A false answer with a nil error is a denial.
type Gate interface {
	RequestApproval(ctx context.Context, req Request) (bool, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, req Request) (bool, error)

func (f GateFunc) RequestApproval(ctx context.Context, req Request) (bool, error) {
	return f(ctx, req)
}

// StaticGate always gives the same answer.
type StaticGate bool

func (g StaticGate) RequestApproval(context.Context, Request) (bool, error) {
	return bool(g), nil
}

// PromptGate asks on a terminal. Prompts are serialized; anything other
// than "y" or "yes" is a denial.
type PromptGate struct {
	mu    sync.Mutex
	out   io.Writer
	in    io.Reader
	once  sync.Once
	lines chan string
}

// NewPromptGate creates a gate that reads answers from in and writes prompts to out.
func NewPromptGate(in io.Reader, out io.Writer) *PromptGate {
	return &PromptGate{in: in, out: out}
}

func (g *PromptGate) RequestApproval(ctx context.Context, req Request) (bool, error) {
	g.once.Do(g.startReader)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := fmt.Fprintf(g.out, "Run %q in %s? [y/N]: ", req.Command, req.WorkDir); err != nil {
		return false, fmt.Errorf("writing prompt: %w", err)
	}

	select {
	case line, ok := <-g.lines:
		if !ok {
			return false, io.ErrUnexpectedEOF
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// startReader owns the input stream so a canceled prompt never leaves two
// readers competing for the next line.
func (g *PromptGate) startReader() {
	g.lines = make(chan string)
	go func() {
		defer close(g.lines)
		scanner := bufio.NewScanner(g.in)
		for scanner.Scan() {
			g.lines <- scanner.Text()
		}
	}()
}

// ManagerGate parks commands in a Manager until an operator approves or
// denies them, or the approval expires.
type ManagerGate struct {
	manager *Manager
	auto    *AutoApprover
	logger  *slog.Logger
}

// NewManagerGate creates a gate backed by m. auto may be nil.
func NewManagerGate(m *Manager, auto *AutoApprover, logger *slog.Logger) *ManagerGate {
	return &ManagerGate{manager: m, auto: auto, logger: logger}
}

func (g *ManagerGate) RequestApproval(ctx context.Context, req Request) (bool, error) {
	if g.auto != nil {
		if ok, _ := g.auto.ShouldAutoApprove(req); ok {
			return true, nil
		}
	}

	id, err := g.manager.Create(ctx, req)
	if err != nil {
		return false, err
	}

	status, err := g.manager.Wait(ctx, id)
	if err != nil {
		// Nobody can act on an approval whose caller is gone.
		_ = g.manager.Deny(context.Background(), id, "system")
		return false, fmt.Errorf("waiting for approval %s: %w", id, err)
	}

	switch status {
	case StatusApproved:
		if g.auto != nil {
			g.auto.RecordManualApproval(req)
		}
		return true, nil
	case StatusExpired:
		g.logger.Warn("approval expired",
			slog.String("approval_id", id),
			slog.String("command", req.Command),
		)
	}
	return false, nil
}
