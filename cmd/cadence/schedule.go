package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/cadence/internal/schedule"
)

var (
	scheduleListState string
	scheduleListKind  string
	scheduleListRule  string
	scheduleListLimit int
	scheduleRetryAt   string
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect and manage schedulables",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns, reminders and rule firings",
	RunE:  runScheduleList,
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a schedulable and its recipient outcomes",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleShow,
}

var scheduleCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a draft or scheduled item",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleCancel,
}

var scheduleRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reschedule a failed item",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRetry,
}

var scheduleSendNowCmd = &cobra.Command{
	Use:   "send-now <id>",
	Short: "Make a draft or scheduled item due immediately",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleSendNow,
}

func init() {
	scheduleListCmd.Flags().StringVar(&scheduleListState, "state", "", "Filter by state (draft, scheduled, dispatching, sent, partially_failed, failed, cancelled)")
	scheduleListCmd.Flags().StringVar(&scheduleListKind, "kind", "", "Filter by kind (campaign, reminder, rule_action)")
	scheduleListCmd.Flags().StringVar(&scheduleListRule, "rule", "", "Filter rule firings by rule ID")
	scheduleListCmd.Flags().IntVar(&scheduleListLimit, "limit", 50, "Maximum number of items to show")

	scheduleRetryCmd.Flags().StringVar(&scheduleRetryAt, "at", "", "Due time (RFC 3339, default: now)")

	scheduleCmd.AddCommand(scheduleListCmd, scheduleShowCmd, scheduleCancelCmd, scheduleRetryCmd, scheduleSendNowCmd)
	rootCmd.AddCommand(scheduleCmd)
}

// withStore runs fn against the configured schedule store
func withStore(fn func(ctx context.Context, store *schedule.Store) error) error {
	_, d, err := openDatabase()
	if err != nil {
		return err
	}
	defer d.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return fn(context.Background(), schedule.NewStore(d.DB, logger))
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store *schedule.Store) error {
		items, err := store.List(ctx, schedule.ListFilter{
			State:  schedule.State(scheduleListState),
			Kind:   schedule.Kind(scheduleListKind),
			RuleID: scheduleListRule,
			Limit:  scheduleListLimit,
		})
		if err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println("Nothing scheduled")
			return nil
		}
		printItems(os.Stdout, items)
		return nil
	})
}

func printItems(out io.Writer, items []*schedule.Item) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATE\tDUE\tATTEMPTS\tOWNER")
	fmt.Fprintln(w, "--\t----\t-----\t---\t--------\t-----")

	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(item.ID),
			item.Kind,
			item.State,
			formatTime(item.DueAt),
			item.AttemptCount,
			item.OwnerID,
		)
	}
	w.Flush()
}

func runScheduleShow(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store *schedule.Store) error {
		item, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		outcomes, err := store.Outcomes(ctx, item.ID)
		if err != nil {
			return err
		}
		printItem(os.Stdout, item, outcomes)
		return nil
	})
}

func printItem(out io.Writer, item *schedule.Item, outcomes []schedule.Outcome) {
	fmt.Fprintf(out, "ID:         %s\n", item.ID)
	fmt.Fprintf(out, "Kind:       %s\n", item.Kind)
	fmt.Fprintf(out, "State:      %s\n", item.State)
	fmt.Fprintf(out, "Due:        %s\n", formatTime(item.DueAt))
	if item.OwnerID != "" {
		fmt.Fprintf(out, "Owner:      %s\n", item.OwnerID)
	}
	if item.RuleID != "" {
		fmt.Fprintf(out, "Rule:       %s\n", item.RuleID)
	}
	fmt.Fprintf(out, "Attempts:   %d\n", item.AttemptCount)
	fmt.Fprintf(out, "Created:    %s\n", item.CreatedAt.Format(time.RFC3339))
	if item.FinishedAt != nil {
		fmt.Fprintf(out, "Finished:   %s\n", item.FinishedAt.Format(time.RFC3339))
	}
	if item.LastError != "" {
		fmt.Fprintf(out, "Last error: %s\n", item.LastError)
	}

	var payload any
	if err := json.Unmarshal(item.Payload, &payload); err == nil {
		pretty, _ := json.MarshalIndent(payload, "  ", "  ")
		fmt.Fprintf(out, "\nPayload:\n  %s\n", pretty)
	}

	if len(outcomes) == 0 {
		return
	}
	fmt.Fprintf(out, "\nOutcomes:\n")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ATTEMPT\tCONTACT\tADDRESS\tSTATUS\tREASON")
	for _, o := range outcomes {
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\n", o.Attempt, truncateID(o.ContactID), o.Address, o.Status, o.Reason)
	}
	w.Flush()
}

func runScheduleCancel(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store *schedule.Store) error {
		if err := store.Cancel(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to cancel: %w", err)
		}
		fmt.Printf("Cancelled %s\n", args[0])
		return nil
	})
}

func runScheduleRetry(cmd *cobra.Command, args []string) error {
	due := time.Now()
	if scheduleRetryAt != "" {
		t, err := time.Parse(time.RFC3339, scheduleRetryAt)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		due = t
	}

	return withStore(func(ctx context.Context, store *schedule.Store) error {
		if err := store.Retry(ctx, args[0], due); err != nil {
			return fmt.Errorf("failed to retry: %w", err)
		}
		fmt.Printf("Rescheduled %s for %s\n", args[0], due.Format(time.RFC3339))
		return nil
	})
}

func runScheduleSendNow(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store *schedule.Store) error {
		if err := store.Schedule(ctx, args[0], time.Now()); err != nil {
			return fmt.Errorf("failed to schedule: %w", err)
		}
		fmt.Printf("%s is due now; a running dispatcher will pick it up\n", args[0])
		return nil
	})
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
