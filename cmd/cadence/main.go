package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/cadence/internal/app"
	"github.com/foxzi/cadence/internal/config"
	"github.com/foxzi/cadence/internal/db"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Cadence - campaign scheduling and automation",
	Long: `Cadence dispatches scheduled campaigns and reminders, runs
trigger->action automation rules and reconciles checkout payments.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatcher and HTTP API",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cadence version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openDatabase loads the config and opens the migrated database, for
// commands that work on stored state without starting the server
func openDatabase() (*config.Config, *db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	d, err := db.New(cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, nil, err
	}
	return cfg, d, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app.Version = version
	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	printConfigSummary(os.Stdout, cfg)
	return nil
}

func printConfigSummary(w io.Writer, cfg *config.Config) {
	enabled := func(b bool) string {
		if b {
			return "enabled"
		}
		return "disabled"
	}

	fmt.Fprintf(w, "Configuration is valid\n")
	fmt.Fprintf(w, "  Name: %s\n", cfg.Server.Name)
	fmt.Fprintf(w, "  API: %s\n", cfg.API.ListenAddr)
	fmt.Fprintf(w, "  Storage: %s\n", cfg.Storage.Path)
	fmt.Fprintf(w, "  Dispatch: %d workers every %s\n", cfg.Dispatch.Workers, cfg.Dispatch.PollInterval)
	fmt.Fprintf(w, "  Email: %s\n", enabled(cfg.Channels.Email.Enabled))
	fmt.Fprintf(w, "  WhatsApp: %s\n", enabled(cfg.Channels.WhatsApp.Enabled))
	fmt.Fprintf(w, "  Payments: %s\n", enabled(cfg.Payment.GatewayURL != ""))
	fmt.Fprintf(w, "  AMQP events: %s\n", enabled(cfg.Events.AMQPURL != ""))
	fmt.Fprintf(w, "  Metrics: %s\n", enabled(cfg.Metrics.Enabled))
}
