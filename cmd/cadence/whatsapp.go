package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/foxzi/cadence/internal/app"
	"github.com/foxzi/cadence/internal/channel"
)

var (
	whatsappQRFile string
	whatsappWait   time.Duration
)

var whatsappCmd = &cobra.Command{
	Use:   "whatsapp",
	Short: "WhatsApp channel commands",
}

var whatsappPairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Link this server as a WhatsApp device",
	Long: `Link the configured WhatsApp session store to a phone.

A QR code is printed to the terminal and written as PNG to --qr. Scan it
from WhatsApp > Linked devices. Codes rotate until the phone confirms.`,
	RunE: runWhatsAppPair,
}

func init() {
	whatsappPairCmd.Flags().StringVar(&whatsappQRFile, "qr", "whatsapp-qr.png", "Where to write the QR code image")
	whatsappPairCmd.Flags().DurationVar(&whatsappWait, "wait", 3*time.Minute, "How long to wait for the phone")

	whatsappCmd.AddCommand(whatsappPairCmd)
	rootCmd.AddCommand(whatsappCmd)
}

func runWhatsAppPair(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelWait := context.WithTimeout(ctx, whatsappWait)
	defer cancelWait()

	logger := app.NewLogger(cfg.Logging, os.Stderr)
	session, err := channel.OpenWhatsApp(ctx, cfg.Channels.WhatsApp.StorePath, logger)
	if err != nil {
		return err
	}
	defer session.Disconnect()

	err = session.Pair(ctx, whatsappQRFile, func(code string) {
		fmt.Println(terminalQR(code))
		fmt.Printf("QR code also saved to %s\n", whatsappQRFile)
	})
	if err != nil {
		return fmt.Errorf("pairing failed: %w", err)
	}

	fmt.Println("WhatsApp device linked")
	return nil
}

// terminalQR renders code with half-block characters
func terminalQR(code string) string {
	q, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return code
	}
	return q.ToSmallString(false)
}
