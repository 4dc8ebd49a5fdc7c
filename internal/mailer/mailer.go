// Package mailer delivers reward, claim and operator emails.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kkkkikiki/giftcard/internal/logging"
)

// ErrNoRecipient is returned when a message has no To address
var ErrNoRecipient = errors.New("mailer: message has no recipient")

// Message is one HTML email
type Message struct {
	To       string
	CC       []string
	From     string
	Subject  string
	HTMLBody string
}

// Recipients returns the To address followed by non-empty CC addresses
func (m Message) Recipients() []string {
	out := []string{m.To}
	for _, cc := range m.CC {
		if cc = strings.TrimSpace(cc); cc != "" {
			out = append(out, cc)
		}
	}
	return out
}

// Mailer abstracts email delivery
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig holds SMTP server settings
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	DefaultFrom string
}

// SMTPMailer sends messages through an SMTP relay
type SMTPMailer struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates an SMTPMailer
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

// Send implements Mailer.
func (s *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.From == "" {
		msg.From = s.cfg.DefaultFrom
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if err := s.send(addr, auth, msg.From, msg.Recipients(), render(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", logging.MaskEmail(msg.To), err)
	}
	return nil
}

func render(msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + msg.From + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	if cc := msg.Recipients()[1:]; len(cc) > 0 {
		b.WriteString("Cc: " + strings.Join(cc, ", ") + "\r\n")
	}
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("Message-ID: <" + uuid.NewString() + "@giftcard>\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTMLBody)
	return []byte(b.String())
}

// LogMailer logs messages instead of sending them. Intended for development and testing.
type LogMailer struct {
	Logger *slog.Logger
}

// Send logs the message envelope.
func (l *LogMailer) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "email delivered to log",
		logging.Email("to", msg.To),
		slog.Int("cc", len(msg.Recipients())-1),
		slog.String("subject", msg.Subject),
	)
	return nil
}

// Recorder keeps every message in memory. It can be told to fail so callers can exercise
// delivery errors.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

// Send implements Mailer.
func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	r.messages = append(r.messages, msg)
	return nil
}

// Messages returns a copy of the recorded messages
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// SetErr makes subsequent sends fail with err (nil restores delivery)
func (r *Recorder) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = err
}
