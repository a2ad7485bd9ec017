// Package cli implements an interactive shell gateway: each line typed is
// validated and executed through the coordinator, and approval prompts are
// answered on the same terminal.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jkaninda/shellguard/internal/approval"
	"github.com/jkaninda/shellguard/internal/executor"
	"github.com/jkaninda/shellguard/internal/history"
	"github.com/jkaninda/shellguard/internal/policy"
)

// DefaultUserID identifies the local terminal user.
const DefaultUserID = "cli-user"

// Coordinator is the part of executor.Coordinator the shell uses.
type Coordinator interface {
	Execute(ctx context.Context, req executor.Request) *executor.Result
	Check(command, profile, userID string) (policy.Verdict, string, error)
	History() []history.Record
	Profiles() []string
}

// Gateway is the interactive command-line interface.
type Gateway struct {
	coord   Coordinator
	userID  string
	workdir string
	scanner *bufio.Scanner
	out     io.Writer
	logger  *slog.Logger

	once sync.Once
	done chan struct{} // closed by Stop to signal shutdown
}

var _ approval.Gate = (*Gateway)(nil)

// NewGateway creates a shell reading from in and writing to out. Bind must
// be called before Start.
func NewGateway(in io.Reader, out io.Writer, userID string, logger *slog.Logger) *Gateway {
	if userID == "" {
		userID = DefaultUserID
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return &Gateway{
		userID:  userID,
		workdir: wd,
		scanner: bufio.NewScanner(in),
		out:     out,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Bind attaches the coordinator. The shell is usually also the coordinator's
// approval gate, so the two are created in that order.
func (g *Gateway) Bind(coord Coordinator) *Gateway {
	g.coord = coord
	return g
}

// Start runs the interactive REPL. Blocks until ctx is cancelled,
// Stop is called, input ends or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	if g.coord == nil {
		return errors.New("cli gateway has no coordinator")
	}

	fmt.Fprintln(g.out, "shellguard: commands are checked against policy before they run.")
	fmt.Fprintln(g.out, `Type "help" for built-ins or "exit" to quit.`)

	for {
		fmt.Fprintf(g.out, "%s$ ", filepath.Base(g.workdir))

		// Check for context cancellation or Stop signal between prompts.
		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		if !g.scanner.Scan() {
			break
		}

		line := strings.TrimSpace(g.scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			fmt.Fprintln(g.out, "Goodbye.")
			return nil
		}
		g.handleLine(ctx, line)
	}

	if err := g.scanner.Err(); err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	return nil
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	g.once.Do(func() { close(g.done) })
	return nil
}

func (g *Gateway) handleLine(ctx context.Context, line string) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "help":
		fmt.Fprintln(g.out, "  cd <dir>        change the working directory")
		fmt.Fprintln(g.out, "  check <command> show the policy verdict without running")
		fmt.Fprintln(g.out, "  history         list recent invocations")
		fmt.Fprintln(g.out, "  profiles        list policy profiles")
		fmt.Fprintln(g.out, "  exit            quit")
	case "cd":
		g.changeDir(arg)
	case "check":
		g.check(arg)
	case "history":
		g.printHistory()
	case "profiles":
		for _, p := range g.coord.Profiles() {
			fmt.Fprintln(g.out, p)
		}
	default:
		g.execute(ctx, line)
	}
}

func (g *Gateway) execute(ctx context.Context, line string) {
	g.logger.DebugContext(ctx, "cli request",
		slog.String("user_id", g.userID),
		slog.String("command", line),
	)

	res := g.coord.Execute(ctx, executor.Request{
		Command:          line,
		WorkingDirectory: g.workdir,
		UserID:           g.userID,
	})
	if res.FormattedOutput != "" {
		fmt.Fprintln(g.out, strings.TrimRight(res.FormattedOutput, "\n"))
	}
	if res.Error != nil && !res.Success {
		fmt.Fprintf(g.out, "Error: %s\n", *res.Error)
	}
}

func (g *Gateway) changeDir(dir string) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(g.out, "cd: %v\n", err)
			return
		}
		dir = home
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(g.workdir, dir)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		fmt.Fprintf(g.out, "cd: %s: no such directory\n", dir)
		return
	}
	g.workdir = filepath.Clean(dir)
}

func (g *Gateway) check(command string) {
	if command == "" {
		fmt.Fprintln(g.out, "usage: check <command>")
		return
	}
	verdict, profile, err := g.coord.Check(command, "", g.userID)
	if err != nil {
		fmt.Fprintf(g.out, "Error: %v\n", err)
		return
	}
	state := "denied"
	if verdict.Allowed {
		state = "allowed"
	}
	fmt.Fprintf(g.out, "%s by profile %s (%s): %s\n", state, profile, verdict.Rule, verdict.Reason)
}

func (g *Gateway) printHistory() {
	records := g.coord.History()
	if len(records) == 0 {
		fmt.Fprintln(g.out, "no history")
		return
	}
	for _, r := range records {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		fmt.Fprintf(g.out, "%s  %-9s exit=%-3s %s\n",
			r.Timestamp.Local().Format("15:04:05"), r.Status, exit, r.Command)
	}
}

// RequestApproval asks on the shell's own input. It runs on the REPL
// goroutine, inside Execute, so the scanner has a single reader.
func (g *Gateway) RequestApproval(ctx context.Context, req approval.Request) (bool, error) {
	fmt.Fprintf(g.out, "\nApproval required\n")
	fmt.Fprintf(g.out, "  Command:   %s\n", req.Command)
	fmt.Fprintf(g.out, "  Directory: %s\n", req.WorkDir)
	if req.Profile != "" {
		fmt.Fprintf(g.out, "  Profile:   %s\n", req.Profile)
	}
	fmt.Fprint(g.out, "Approve? [y/N]: ")

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !g.scanner.Scan() {
		return false, io.ErrUnexpectedEOF
	}

	answer := strings.TrimSpace(strings.ToLower(g.scanner.Text()))
	if answer == "y" || answer == "yes" {
		return true, nil
	}
	fmt.Fprintln(g.out, "Denied.")
	return false, nil
}
