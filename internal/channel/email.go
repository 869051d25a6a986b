package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// EmailConfig contains SMTP relay settings
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	StartTLS bool
	// ImplicitTLS dials TLS directly (port 465).
	ImplicitTLS bool
	HeloName    string
	Timeout     time.Duration
	DKIM        DKIMConfig

	// InsecureSkipVerify is only meant for local relays and tests.
	InsecureSkipVerify bool
}

// EmailSender submits one message per recipient to an SMTP relay
type EmailSender struct {
	cfg    EmailConfig
	signer *dkimSigner
	logger *slog.Logger
}

// NewEmailSender creates a new SMTP relay sender
func NewEmailSender(cfg EmailConfig, logger *slog.Logger) (*EmailSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}

	s := &EmailSender{cfg: cfg, logger: logger}

	if cfg.DKIM.Enabled {
		signer, err := newDKIMSigner(cfg.DKIM)
		if err != nil {
			return nil, err
		}
		s.signer = signer
		logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
	}

	return s, nil
}

// Send delivers content to the recipient's email address
func (s *EmailSender) Send(ctx context.Context, cfg SenderConfig, to Recipient, content Content) Result {
	if to.Email == "" {
		return Failed("recipient has no email address")
	}
	if cfg.FromEmail == "" {
		return Failed("sender from address is not configured")
	}

	data := buildMessage(cfg, to, content, time.Now())

	if s.signer != nil {
		signed, err := s.signer.sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned", "error", err)
		} else {
			data = signed
		}
	}

	if err := s.submit(ctx, cfg.FromEmail, to.Email, data); err != nil {
		s.logger.Debug("email delivery failed", "contact_id", to.ContactID, "error", err)
		return Failed("%v", err)
	}

	return Delivered()
}

func (s *EmailSender) submit(ctx context.Context, from, to string, data []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         s.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	}

	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classify(err, "connect")
	}

	// Abort the session if the dispatch context is cancelled mid-flight.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var c *smtp.Client
	switch {
	case s.cfg.ImplicitTLS:
		c = smtp.NewClient(tls.Client(conn, tlsConfig))
	case s.cfg.StartTLS:
		// Greets and upgrades before we introduce ourselves; HELO below
		// then runs over TLS.
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return classify(err, "STARTTLS")
		}
	default:
		c = smtp.NewClient(conn)
	}
	defer c.Close()

	c.CommandTimeout = s.cfg.Timeout
	c.SubmissionTimeout = s.cfg.Timeout

	if err := c.Hello(s.cfg.HeloName); err != nil {
		return classify(err, "HELO")
	}

	if s.cfg.Username != "" {
		auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
		if err := c.Auth(auth); err != nil {
			return classify(err, "AUTH")
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return classify(err, "MAIL FROM")
	}
	if err := c.Rcpt(to, nil); err != nil {
		return classify(err, "RCPT TO")
	}

	wc, err := c.Data()
	if err != nil {
		return classify(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return classify(err, "DATA write")
	}
	if err := wc.Close(); err != nil {
		return classify(err, "DATA close")
	}

	return c.Quit()
}

// DeliveryError is an SMTP failure with its permanence
type DeliveryError struct {
	Temporary bool
	Stage     string
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "permanent"
	if e.Temporary {
		kind = "temporary"
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// classify marks 5xx replies permanent; everything else is temporary
func classify(err error, stage string) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{Temporary: smtpErr.Code < 500, Stage: stage, Err: err}
	}
	return &DeliveryError{Temporary: true, Stage: stage, Err: err}
}

// buildMessage renders an RFC 5322 message with optional HTML alternative
func buildMessage(cfg SenderConfig, to Recipient, content Content, now time.Time) []byte {
	var buf bytes.Buffer

	writeHeader(&buf, "From", formatAddress(cfg.FromName, cfg.FromEmail))
	writeHeader(&buf, "To", formatAddress(to.Name, to.Email))
	if cfg.ReplyTo != "" {
		writeHeader(&buf, "Reply-To", cfg.ReplyTo)
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", content.Subject))
	writeHeader(&buf, "Date", now.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", fmt.Sprintf("<%s@%s>", uuid.New().String(), domainOf(cfg.FromEmail)))
	writeHeader(&buf, "MIME-Version", "1.0")

	if content.HTML == "" {
		writeHeader(&buf, "Content-Type", "text/plain; charset=utf-8")
		buf.WriteString("\r\n")
		buf.WriteString(normalizeNewlines(content.Text))
		return buf.Bytes()
	}

	boundary := strings.ReplaceAll(uuid.New().String(), "-", "")
	writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
	buf.WriteString("\r\n")

	if content.Text != "" {
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		buf.WriteString(normalizeNewlines(content.Text))
		buf.WriteString("\r\n")
	}

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	buf.WriteString(normalizeNewlines(content.HTML))
	buf.WriteString("\r\n")
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	// Header values must not smuggle extra lines.
	value = strings.NewReplacer("\r", "", "\n", "").Replace(value)
	fmt.Fprintf(buf, "%s: %s\r\n", name, value)
}

func formatAddress(name, email string) string {
	if name == "" {
		return email
	}
	return mime.QEncoding.Encode("utf-8", name) + " <" + email + ">"
}

func domainOf(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "localhost"
	}
	return strings.ToLower(email[at+1:])
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
