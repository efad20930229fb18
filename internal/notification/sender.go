package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	mail "gopkg.in/mail.v2"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers through an SMTP relay, one connection per message.
type SMTPSender struct {
	from   string
	dialer *mail.Dialer
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.StartTLSPolicy = mail.OpportunisticStartTLS
	return &SMTPSender{from: cfg.From, dialer: d}
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", htmlBody)

	d := *s.dialer
	if deadline, ok := ctx.Deadline(); ok {
		d.Timeout = time.Until(deadline)
	}
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

// LogSender writes messages to the log instead of sending them. Used when no
// SMTP host is configured.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, to, subject, htmlBody string) error {
	s.log.Info().
		Str("to", to).
		Str("subject", subject).
		Int("body_bytes", len(htmlBody)).
		Msg("email not sent: smtp disabled")
	return nil
}

type Message struct {
	To      string
	Subject string
	Body    string
}

// Recorder is an in-memory Sender for tests. When Err is set every Send
// records the attempt and then fails with it.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

func (r *Recorder) Send(_ context.Context, to, subject, htmlBody string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{To: to, Subject: subject, Body: htmlBody})
	return r.Err
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// SentTo returns the subjects of every message addressed to `to`, in order.
func (r *Recorder) SentTo(to string) []string {
	var out []string
	for _, m := range r.Messages() {
		if m.To == to {
			out = append(out, m.Subject)
		}
	}
	return out
}
