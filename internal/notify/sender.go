package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"
)

type Kind string

const (
	KindVerification  Kind = "verification"
	KindPasswordReset Kind = "password_reset"
	KindRecoveryEmail Kind = "recovery_email"
)

type Message struct {
	Kind      Kind
	Tenant    string
	To        string
	Secret    string
	ExpiresAt time.Time
}

type Sender interface {
	Send(ctx context.Context, m Message) error
}

var subjects = map[Kind]string{
	KindVerification:  "Confirm your email address",
	KindPasswordReset: "Password reset",
	KindRecoveryEmail: "Confirm your recovery email",
}

var paths = map[Kind]string{
	KindVerification:  "verify",
	KindPasswordReset: "reset",
	KindRecoveryEmail: "recovery",
}

// Link builds the URL a recipient follows. Without a base URL the raw
// secret is returned.
func Link(baseURL string, m Message) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return m.Secret
	}
	q := url.Values{}
	q.Set("token", m.Secret)
	q.Set("tenant", m.Tenant)
	return fmt.Sprintf("%s/%s?%s", base, paths[m.Kind], q.Encode())
}

type LogSender struct {
	baseURL string
	log     *zap.Logger
}

func NewLogSender(baseURL string, log *zap.Logger) LogSender {
	if log == nil {
		log = zap.NewNop()
	}
	return LogSender{baseURL: baseURL, log: log}
}

func (s LogSender) Send(_ context.Context, m Message) error {
	s.log.Info("notification generated",
		zap.String("kind", string(m.Kind)),
		zap.String("tenant", m.Tenant),
		zap.String("to", m.To),
		zap.String("link", Link(s.baseURL, m)),
		zap.Time("expires_at", m.ExpiresAt))
	return nil
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type SMTPSender struct {
	host    string
	port    int
	from    string
	baseURL string
	now     func() time.Time
	send    sendFunc
}

func NewSMTPSender(host string, port int, from, baseURL string) *SMTPSender {
	return &SMTPSender{host: host, port: port, from: from, baseURL: baseURL, now: time.Now, send: smtp.SendMail}
}

func (s *SMTPSender) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := s.compose(m)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	if err := s.send(addr, nil, s.from, []string{m.To}, raw); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (s *SMTPSender) compose(m Message) ([]byte, error) {
	subject, ok := subjects[m.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown notification kind %q", m.Kind)
	}
	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{{Address: s.from}})
	h.SetAddressList("To", []*mail.Address{{Address: m.To}})
	h.SetSubject(subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf("Use this link to continue:\r\n%s\r\n\r\nThe link expires at %s.\r\n",
		Link(s.baseURL, m), m.ExpiresAt.UTC().Format(time.RFC1123))
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func NewSender(kind, smtpHost string, smtpPort int, from, baseURL string, log *zap.Logger) Sender {
	if kind == "smtp" {
		return NewSMTPSender(smtpHost, smtpPort, from, baseURL)
	}
	return NewLogSender(baseURL, log)
}
