package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/cadence/internal/app"
	"github.com/foxzi/cadence/internal/automation"
	"github.com/foxzi/cadence/internal/payment"
	"github.com/foxzi/cadence/internal/schedule"
)

var paymentTimeout time.Duration

var paymentCmd = &cobra.Command{
	Use:   "payment",
	Short: "Payment reconciliation commands",
}

var paymentReconcileCmd = &cobra.Command{
	Use:   "reconcile <session_id>",
	Short: "Poll the gateway until a checkout session settles",
	Long: `Poll the payment gateway for a checkout session and write the
result to its reservation. Resolved reservations are reported without
contacting the gateway.`,
	Args: cobra.ExactArgs(1),
	RunE: runPaymentReconcile,
}

func init() {
	paymentReconcileCmd.Flags().DurationVar(&paymentTimeout, "timeout", 2*time.Minute, "Give up after this long")

	paymentCmd.AddCommand(paymentReconcileCmd)
	rootCmd.AddCommand(paymentCmd)
}

func runPaymentReconcile(cmd *cobra.Command, args []string) error {
	cfg, d, err := openDatabase()
	if err != nil {
		return err
	}
	defer d.Close()

	if cfg.Payment.GatewayURL == "" {
		return fmt.Errorf("payment.gateway_url is not configured")
	}

	logger := app.NewLogger(cfg.Logging, os.Stderr)
	store := schedule.NewStore(d.DB, logger)
	engine := automation.NewEngine(d.DB, automation.NewRepository(d.DB), store, logger)

	reconciler := payment.NewReconciler(
		payment.NewRepository(d.DB),
		payment.NewHTTPGateway(cfg.Payment.GatewayURL, cfg.Payment.APIKey),
		engine,
		payment.ReconcilerConfig{Interval: cfg.Payment.PollInterval, MaxAttempts: cfg.Payment.MaxAttempts},
		logger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), paymentTimeout)
	defer cancel()

	outcome, err := reconciler.Reconcile(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Session %s: %s\n", args[0], outcome)
	return nil
}
