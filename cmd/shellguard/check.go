package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/shellguard/internal/config"
	"github.com/jkaninda/shellguard/internal/storage"
)

var (
	checkProfile string
	checkUser    string
	checkJSON    bool
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] -- command [args...]",
	Short: "Show the policy verdict for a command without running it",
	Long: `Validate a command against a policy profile and print the verdict.
Nothing is executed and nothing is recorded.

Exit codes:
  0  allowed
  1  error (e.g. unknown profile)
  3  denied`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkProfile, "profile", "", "policy profile (default: the user's bound profile)")
	checkCmd.Flags().StringVar(&checkUser, "user", "cli-user", "user identity for policy bindings")
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "print the verdict as JSON")
}

// checkOutput is the JSON form of a verdict.
type checkOutput struct {
	Command string `json:"command"`
	Profile string `json:"profile"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Rule    string `json:"rule"`
}

func runCheck(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// No persistence or gate: a check never runs anything.
	cfg.Storage = &config.StorageConfig{Driver: storage.DriverNone}
	cfg.Audit.Enabled = false
	cfg.Execution.RequireApproval = false

	sc, err := initShared(cfg, newLogger(slog.LevelWarn), nil)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	command := commandLine(args)
	verdict, profile, err := sc.Coordinator.Check(command, checkProfile, checkUser)
	if err != nil {
		return err
	}

	if checkJSON {
		if err := writeJSON(os.Stdout, checkOutput{
			Command: command,
			Profile: profile,
			Allowed: verdict.Allowed,
			Reason:  verdict.Reason,
			Rule:    string(verdict.Rule),
		}); err != nil {
			return err
		}
	} else {
		state := "denied"
		if verdict.Allowed {
			state = "allowed"
		}
		fmt.Printf("%s (profile %s, rule %s): %s\n", state, profile, verdict.Rule, verdict.Reason)
	}

	if !verdict.Allowed {
		return &exitError{code: ExitPolicyDenied}
	}
	return nil
}
