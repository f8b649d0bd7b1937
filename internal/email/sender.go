// Package email delivers account mail such as confirmation links.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/logging"
)

// Sender delivers one plain-text message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// New returns an SMTPSender when a relay host is configured and a LogSender otherwise.
func New(cfg config.SmtpConfig, logger *slog.Logger) Sender {
	if cfg.Host == "" {
		return NewLogSender(logger)
	}
	return NewSMTPSender(cfg)
}

// defaultSendTimeout bounds an SMTP exchange when ctx carries no deadline.
const defaultSendTimeout = 30 * time.Second

// SMTPSender relays mail through an SMTP server using PLAIN auth when
// credentials are set. STARTTLS is negotiated when the server offers it.
type SMTPSender struct {
	addr string
	host string
	from mail.Address
	auth smtp.Auth

	// dial opens the relay connection, replaced in tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
	now  func() time.Time
}

// NewSMTPSender creates a sender for cfg.
func NewSMTPSender(cfg config.SmtpConfig) *SMTPSender {
	s := &SMTPSender{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host: cfg.Host,
		from: mail.Address{Address: cfg.From},
		dial: (&net.Dialer{}).DialContext,
		now:  time.Now,
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return s
}

// Send builds a text/plain message and hands it to the relay. The whole
// exchange is bounded by the ctx deadline and aborted when ctx is cancelled.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	msg := s.buildMessage(rcpt, subject, body)
	if err := s.deliver(ctx, rcpt.Address, msg); err != nil {
		return fmt.Errorf("send mail via %s: %w", s.addr, err)
	}
	return nil
}

func (s *SMTPSender) deliver(ctx context.Context, rcpt string, msg []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultSendTimeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	conn, err := s.dial(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return err
		}
	}
	if s.auth != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp: server doesn't support AUTH")
		}
		if err := c.Auth(s.auth); err != nil {
			return err
		}
	}
	if err := c.Mail(s.from.Address); err != nil {
		return err
	}
	if err := c.Rcpt(rcpt); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (s *SMTPSender) buildMessage(to *mail.Address, subject, body string) []byte {
	var buf bytes.Buffer
	writeHeader := func(k, v string) {
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(v)
		buf.WriteString("\r\n")
	}

	writeHeader("From", s.from.String())
	writeHeader("To", to.String())
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", subject))
	writeHeader("Date", s.now().Format(time.RFC1123Z))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", `text/plain; charset="utf-8"`)
	writeHeader("Content-Transfer-Encoding", "8bit")
	buf.WriteString("\r\n")

	// SMTP requires CRLF line endings in the body.
	body = strings.ReplaceAll(body, "\r\n", "\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return buf.Bytes()
}

// LogSender writes messages to the logger instead of sending them.
// Used in development when no SMTP relay is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logging.OrDiscard(logger)}
}

// Send logs the message at info level.
func (s *LogSender) Send(ctx context.Context, to, subject, body string) error {
	s.logger.InfoContext(ctx, "email not sent: no smtp host configured",
		"to", to,
		"subject", subject,
		"body", body,
	)
	return nil
}
