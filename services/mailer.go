package services

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"dmarcwatch/config"
)

// Message is a single-recipient email with plain text and HTML bodies.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Mailer delivers one message. Implementations must honour ctx deadlines.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// NewMailer picks SendGrid when an API key is configured and SMTP when a
// host is. It returns nil when neither is set.
func NewMailer(cfg config.Config) Mailer {
	switch {
	case cfg.SendGridAPIKey != "":
		return NewSendGridMailer(cfg.SendGridAPIKey, cfg.FromEmail, cfg.FromName)
	case cfg.SMTPHost != "":
		return NewSMTPMailer(SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.FromEmail,
			FromName: cfg.FromName,
		})
	default:
		return nil
	}
}

type SendGridMailer struct {
	client   *sendgrid.Client
	from     string
	fromName string
}

func NewSendGridMailer(apiKey, from, fromName string) *SendGridMailer {
	return &SendGridMailer{client: sendgrid.NewSendClient(apiKey), from: from, fromName: fromName}
}

func (m *SendGridMailer) Send(ctx context.Context, msg Message) error {
	from := mail.NewEmail(m.fromName, m.from)
	to := mail.NewEmail("", msg.To)
	message := mail.NewSingleEmail(from, msg.Subject, to, msg.Text, msg.HTML)

	resp, err := m.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	// From is the envelope sender; FromName only decorates the header.
	From     string
	FromName string
}

type SMTPMailer struct {
	config SMTPConfig
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{config: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	body, err := m.compose(msg)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(m.config.Host, m.config.Port)
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	c, err := smtp.NewClient(conn, m.config.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer func() { _ = c.Close() }()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.config.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if m.config.User != "" && m.config.Password != "" {
		if err := c.Auth(smtp.PlainAuth("", m.config.User, m.config.Password, m.config.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(m.config.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(sanitizeHeader(msg.To)); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return c.Quit()
}

// compose builds a multipart/alternative message.
func (m *SMTPMailer) compose(msg Message) ([]byte, error) {
	from := m.config.From
	if strings.TrimSpace(m.config.FromName) != "" {
		from = fmt.Sprintf("%s <%s>", m.config.FromName, m.config.From)
	}

	var parts bytes.Buffer
	mw := multipart.NewWriter(&parts)
	for _, p := range []struct{ contentType, body string }{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	headers := []string{
		"From: " + sanitizeHeader(from),
		"To: " + sanitizeHeader(msg.To),
		"Subject: " + sanitizeHeader(msg.Subject),
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=" + mw.Boundary(),
		"",
		"",
	}
	return append([]byte(strings.Join(headers, "\r\n")), parts.Bytes()...), nil
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}
