package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/cadence/internal/channel"
)

var (
	initOutput     string
	initDataDir    string
	initAPIKey     string
	initSMTPHost   string
	initSMTPUser   string
	initFrom       string
	initDKIM       bool
	initGatewayURL string
	initForce      bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Cadence configuration",
	Long: `Interactive wizard to create a Cadence configuration file.

This command helps you set up Cadence by:
  1. Creating a configuration file with a hashed API key
  2. Generating a payment webhook secret
  3. Optionally generating a DKIM key for campaign email

Examples:
  # Interactive mode - prompts for missing values
  cadence init

  # Non-interactive
  cadence init --smtp-host smtp.example.com --from news@example.com --dkim -o cadence.yaml`,
	RunE: runInit,
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "API key commands",
}

var apikeyHashCmd = &cobra.Command{
	Use:   "hash <key>",
	Short: "Print the bcrypt hash to put in api.api_key_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := hashAPIKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/cadence", "Data directory for databases and keys")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initSMTPHost, "smtp-host", "", "SMTP relay host (empty disables email)")
	initCmd.Flags().StringVar(&initSMTPUser, "smtp-user", "", "SMTP relay username")
	initCmd.Flags().StringVar(&initFrom, "from", "", "Default sender address")
	initCmd.Flags().BoolVar(&initDKIM, "dkim", false, "Generate a DKIM key")
	initCmd.Flags().StringVar(&initGatewayURL, "gateway-url", "", "Payment gateway base URL (empty disables checkout)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	apikeyCmd.AddCommand(apikeyHashCmd)
	rootCmd.AddCommand(initCmd, apikeyCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Cadence Configuration Wizard")
	fmt.Println("============================")
	fmt.Println()

	initDataDir = prompt(reader, "Data directory", initDataDir)

	if initSMTPHost == "" {
		initSMTPHost = prompt(reader, "SMTP relay host (blank to skip email)", "")
	}
	if initSMTPHost != "" {
		if initFrom == "" {
			initFrom = prompt(reader, "Sender address", "")
			if initFrom == "" {
				return fmt.Errorf("sender address is required when email is enabled")
			}
		}
		if initSMTPUser == "" {
			initSMTPUser = prompt(reader, "SMTP username", "")
		}
		if !initDKIM {
			answer := prompt(reader, "Generate DKIM key? [y/N]", "n")
			initDKIM = strings.ToLower(answer) == "y" || strings.ToLower(answer) == "yes"
		}
	} else {
		initDKIM = false
	}

	if initGatewayURL == "" {
		initGatewayURL = prompt(reader, "Payment gateway URL (blank to skip payments)", "")
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}
	apiKeyHash, err := hashAPIKey(initAPIKey)
	if err != nil {
		return err
	}
	webhookSecret := "whsec_" + generateRandomString(32)

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	var dkimKeyPath, dkimRecord string
	if initDKIM {
		domain := domainOf(initFrom)
		dkimKeyPath = filepath.Join(initDataDir, "dkim", domain+".key")
		if err := os.MkdirAll(filepath.Dir(dkimKeyPath), 0700); err != nil {
			return fmt.Errorf("failed to create DKIM directory: %w", err)
		}
		dkimRecord, err = channel.GenerateDKIMKey(dkimKeyPath, 2048)
		if err != nil {
			return fmt.Errorf("failed to generate DKIM key: %w", err)
		}
		fmt.Printf("  DKIM key saved to: %s\n", dkimKeyPath)
	}

	config := generateConfig(apiKeyHash, webhookSecret, dkimKeyPath)
	if err := os.WriteFile(initOutput, []byte(config), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	if dkimRecord != "" {
		fmt.Println("DNS Record to Add")
		fmt.Println("=================")
		fmt.Printf("   Name:  cadence._domainkey.%s\n", domainOf(initFrom))
		fmt.Printf("   Type:  TXT\n")
		fmt.Printf("   Value: %s\n", dkimRecord)
		fmt.Println()
	}

	printNextSteps(webhookSecret)
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func hashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return addr
}

func generateConfig(apiKeyHash, webhookSecret, dkimKeyPath string) string {
	emailSection := `  email:
    enabled: false`
	if initSMTPHost != "" {
		dkimSection := fmt.Sprintf(`    dkim:
      enabled: false
      selector: "cadence"
      domain: "%s"
      key_file: "%s/dkim/%s.key"`, domainOf(initFrom), initDataDir, domainOf(initFrom))
		if dkimKeyPath != "" {
			dkimSection = fmt.Sprintf(`    dkim:
      enabled: true
      selector: "cadence"
      domain: "%s"
      key_file: "%s"`, domainOf(initFrom), dkimKeyPath)
		}
		emailSection = fmt.Sprintf(`  email:
    enabled: true
    host: "%s"
    port: 587
    starttls: true
    username: "%s"
    # password: set CADENCE_SMTP_PASSWORD
    from: "%s"
%s`, initSMTPHost, initSMTPUser, initFrom, dkimSection)
	}

	paymentSection := `# payment:
#   gateway_url: "https://pay.example.com"
#   api_key: set CADENCE_GATEWAY_API_KEY`
	if initGatewayURL != "" {
		paymentSection = fmt.Sprintf(`payment:
  gateway_url: "%s"
  # api_key: set CADENCE_GATEWAY_API_KEY
  webhook_secret: "%s"
  poll_interval: 2s
  max_attempts: 8`, initGatewayURL, webhookSecret)
	}

	return fmt.Sprintf(`# Cadence configuration
# Generated by: cadence init

api:
  listen_addr: ":8080"
  api_key_hash: "%s"
  read_timeout: 30s
  write_timeout: 30s
  idle_timeout: 60s

storage:
  path: "%s/cadence.db"
  quota_path: "%s/quota.db"
  retention: 720h

dispatch:
  workers: 2
  poll_interval: 5s
  stale_after: 10m

automation:
  inactive_after: 720h
  sweep_interval: 1h

channels:
%s
  whatsapp:
    enabled: false
    store_path: "%s/whatsapp.db"
  rate_limit:
    email:
      messages_per_hour: 1000
      per_second: 5
      burst: 10

%s

logging:
  level: "info"
  format: "json"
`,
		apiKeyHash,
		initDataDir, initDataDir,
		emailSection,
		initDataDir,
		paymentSection,
	)
}

func printNextSteps(webhookSecret string) {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Check the configuration:")
	fmt.Printf("   cadence config validate -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("2. Start the server:")
	fmt.Printf("   cadence serve -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("3. Create a campaign:")
	fmt.Println("   curl -X POST http://localhost:8080/api/v1/campaigns \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\" \\\n", initAPIKey)
	fmt.Println("     -H \"Content-Type: application/json\" \\")
	fmt.Println(`     -d '{"owner_id": "me", "channel": "email", "target": {"all": true}, "subject": "Hello", "body": "Hi {{name}}"}'`)
	fmt.Println()
	fmt.Println("Credentials")
	fmt.Println("-----------")
	fmt.Printf("API Key:        %s\n", initAPIKey)
	if initGatewayURL != "" {
		fmt.Printf("Webhook Secret: %s\n", webhookSecret)
	}
	fmt.Println()
}
