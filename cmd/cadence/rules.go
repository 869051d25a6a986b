package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/cadence/internal/automation"
	"github.com/foxzi/cadence/internal/schedule"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Automation rule commands",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List automation rules",
	RunE:  runRulesList,
}

var rulesToggleCmd = &cobra.Command{
	Use:   "toggle <rule_id> <on|off>",
	Short: "Activate or deactivate a rule",
	Long: `Activate or deactivate a rule. Firings that are already scheduled
are not affected.`,
	Args: cobra.ExactArgs(2),
	RunE: runRulesToggle,
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <rule_id>",
	Short: "Delete a rule and void its pending firings",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesDelete,
}

func init() {
	rulesCmd.AddCommand(rulesListCmd, rulesToggleCmd, rulesDeleteCmd)
	rootCmd.AddCommand(rulesCmd)
}

func withEngine(fn func(ctx context.Context, engine *automation.Engine) error) error {
	_, d, err := openDatabase()
	if err != nil {
		return err
	}
	defer d.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store := schedule.NewStore(d.DB, logger)
	engine := automation.NewEngine(d.DB, automation.NewRepository(d.DB), store, logger)
	return fn(context.Background(), engine)
}

func runRulesList(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, engine *automation.Engine) error {
		rules, err := engine.ListRules(ctx)
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			fmt.Println("No rules")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTRIGGER\tACTION\tDELAY\tACTIVE\tEXECUTIONS")
		fmt.Fprintln(w, "--\t----\t-------\t------\t-----\t------\t----------")
		for _, r := range rules {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dm\t%t\t%d\n",
				truncateID(r.ID), r.Name, r.Trigger, r.Action.Type, r.DelayMinutes, r.IsActive, r.ExecutionCount)
		}
		return w.Flush()
	})
}

func runRulesToggle(cmd *cobra.Command, args []string) error {
	active, err := parseSwitch(args[1])
	if err != nil {
		return err
	}

	return withEngine(func(ctx context.Context, engine *automation.Engine) error {
		rule, err := engine.ToggleRule(ctx, args[0], active)
		if err != nil {
			return fmt.Errorf("failed to toggle rule: %w", err)
		}
		state := "inactive"
		if rule.IsActive {
			state = "active"
		}
		fmt.Printf("Rule %s is now %s\n", rule.ID, state)
		return nil
	})
}

func runRulesDelete(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, engine *automation.Engine) error {
		voided, err := engine.DeleteRule(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to delete rule: %w", err)
		}
		fmt.Printf("Deleted rule %s (%d pending firings voided)\n", args[0], voided)
		return nil
	})
}

// parseSwitch accepts on/off as well as anything strconv.ParseBool does
func parseSwitch(s string) (bool, error) {
	switch s {
	case "on", "enable", "enabled":
		return true, nil
	case "off", "disable", "disabled":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
	return b, nil
}
