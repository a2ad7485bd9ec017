package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/shellguard/internal/history"
	"github.com/jkaninda/shellguard/internal/storage"
)

var (
	historyUser    string
	historyProfile string
	historyStatus  string
	historyLimit   int
	historyJSON    bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded executions from persistent storage, newest first",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyUser, "user", "", "only records for this user")
	historyCmd.Flags().StringVar(&historyProfile, "profile", "", "only records for this profile")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "completed, denied, timed_out or errored")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum records to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print records as JSON")
}

func runHistory(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(slog.LevelWarn)

	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	if store == nil {
		return errors.New("persistent storage is disabled (storage.driver=none)")
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	records, err := store.List(ctx, storage.Filter{
		UserID:  historyUser,
		Profile: historyProfile,
		Status:  history.Status(historyStatus),
		Limit:   historyLimit,
	})
	if err != nil {
		return fmt.Errorf("listing records: %w", err)
	}

	if historyJSON {
		return writeJSON(os.Stdout, records)
	}
	if len(records) == 0 {
		fmt.Println("no records")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tUSER\tPROFILE\tSTATUS\tEXIT\tDURATION\tCOMMAND")
	for _, r := range records {
		exit, duration := "-", "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		if r.Duration != nil {
			duration = r.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format(time.DateTime), r.UserID, r.Profile, r.Status, exit, duration, r.Command)
	}
	return tw.Flush()
}
