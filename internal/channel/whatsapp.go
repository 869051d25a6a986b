package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// ErrNotPaired is returned when the WhatsApp device has no linked session
var ErrNotPaired = errors.New("whatsapp device is not paired")

// waClient is the part of *whatsmeow.Client the sender uses
type waClient interface {
	SendMessage(ctx context.Context, to types.JID, message *waProto.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	IsConnected() bool
}

// WhatsAppSender sends text messages from a single linked WhatsApp device
type WhatsAppSender struct {
	client waClient
	logger *slog.Logger
}

// WhatsAppSession owns the whatsmeow client and its SQLite device store
type WhatsAppSession struct {
	Client *whatsmeow.Client
	logger *slog.Logger
}

// OpenWhatsApp opens (creating if needed) the device store at storePath
func OpenWhatsApp(ctx context.Context, storePath string, logger *slog.Logger) (*WhatsAppSession, error) {
	if err := os.MkdirAll(filepath.Dir(storePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create whatsapp store directory: %w", err)
	}

	dsn := "file:" + storePath + "?_foreign_keys=on&_busy_timeout=5000"
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Stdout("Database", "WARN", true))
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsapp store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load whatsapp device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Stdout("WhatsApp", "INFO", true))
	return &WhatsAppSession{Client: client, logger: logger}, nil
}

// Paired reports whether the device has a linked session
func (s *WhatsAppSession) Paired() bool {
	return s.Client.Store != nil && s.Client.Store.ID != nil
}

// Connect connects a paired device
func (s *WhatsAppSession) Connect() error {
	if !s.Paired() {
		return ErrNotPaired
	}
	if err := s.Client.Connect(); err != nil {
		return fmt.Errorf("failed to connect whatsapp: %w", err)
	}
	s.logger.Info("whatsapp connected", "jid", s.Client.Store.ID.String())
	return nil
}

// Pair links the device by QR code. Each code is written as a PNG to
// qrPath and passed to onCode; Pair returns once the phone confirms.
func (s *WhatsAppSession) Pair(ctx context.Context, qrPath string, onCode func(code string)) error {
	if s.Paired() {
		return fmt.Errorf("already paired as %s", s.Client.Store.ID.String())
	}

	qrChan, err := s.Client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get qr channel: %w", err)
	}
	if err := s.Client.Connect(); err != nil {
		return fmt.Errorf("failed to connect whatsapp: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("qr channel closed")
			}
			switch item.Event {
			case "code":
				if err := qrcode.WriteFile(item.Code, qrcode.Medium, 256, qrPath); err != nil {
					return fmt.Errorf("failed to write qr code: %w", err)
				}
				if onCode != nil {
					onCode(item.Code)
				}
			case "success":
				s.logger.Info("whatsapp paired", "jid", s.Client.Store.ID.String())
				return nil
			case "timeout":
				return fmt.Errorf("pairing timed out")
			default:
				if item.Error != nil {
					return fmt.Errorf("pairing failed: %w", item.Error)
				}
			}
		}
	}
}

// Disconnect closes the websocket
func (s *WhatsAppSession) Disconnect() {
	s.Client.Disconnect()
}

// NewWhatsAppSender creates a sender over a connected session
func NewWhatsAppSender(session *WhatsAppSession, logger *slog.Logger) *WhatsAppSender {
	return &WhatsAppSender{client: session.Client, logger: logger}
}

// Send delivers the text part of content to the recipient's phone number
func (s *WhatsAppSender) Send(ctx context.Context, _ SenderConfig, to Recipient, content Content) Result {
	user := phoneDigits(to.Phone)
	if user == "" {
		return Failed("recipient has no phone number")
	}
	if !s.client.IsConnected() {
		return Failed("whatsapp is not connected")
	}

	text := content.Text
	if text == "" {
		text = content.Subject
	}
	if strings.TrimSpace(text) == "" {
		return Failed("empty message")
	}

	jid := types.NewJID(user, types.DefaultUserServer)
	msg := &waProto.Message{Conversation: &text}
	if _, err := s.client.SendMessage(ctx, jid, msg); err != nil {
		s.logger.Debug("whatsapp delivery failed", "contact_id", to.ContactID, "error", err)
		return Failed("whatsapp send: %v", err)
	}
	return Delivered()
}

// phoneDigits strips formatting from an E.164-ish number
func phoneDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
