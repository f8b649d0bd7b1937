package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identitycore/authgate/internal/config"
)

// fakeRelay speaks just enough SMTP over one side of a net.Pipe to record
// what the sender submits.
type fakeRelay struct {
	addr   string
	auth   string
	from   string
	to     []string
	msg    string
	reject map[string]string
}

func (r *fakeRelay) serve(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)
	_ = tp.PrintfLine("220 relay.test ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)
		if reply, ok := r.reject[verb]; ok {
			_ = tp.PrintfLine("%s", reply)
			continue
		}
		switch verb {
		case "EHLO":
			_ = tp.PrintfLine("250-relay.test")
			_ = tp.PrintfLine("250 AUTH PLAIN")
		case "AUTH":
			r.auth = arg
			_ = tp.PrintfLine("235 2.7.0 authenticated")
		case "MAIL":
			r.from = strings.TrimSuffix(strings.TrimPrefix(arg, "FROM:<"), ">")
			_ = tp.PrintfLine("250 ok")
		case "RCPT":
			r.to = append(r.to, strings.TrimSuffix(strings.TrimPrefix(arg, "TO:<"), ">"))
			_ = tp.PrintfLine("250 ok")
		case "DATA":
			_ = tp.PrintfLine("354 go ahead")
			var lines []string
			for {
				l, err := tp.ReadLine()
				if err != nil {
					return
				}
				if l == "." {
					break
				}
				lines = append(lines, strings.TrimPrefix(l, "."))
			}
			r.msg = strings.Join(lines, "\r\n") + "\r\n"
			_ = tp.PrintfLine("250 queued")
		case "QUIT":
			_ = tp.PrintfLine("221 bye")
			return
		default:
			_ = tp.PrintfLine("502 not implemented")
		}
	}
}

func newTestSender(t *testing.T, cfg config.SmtpConfig) (*SMTPSender, *fakeRelay) {
	t.Helper()
	relay := &fakeRelay{}
	s := NewSMTPSender(cfg)
	s.now = func() time.Time { return time.Date(2025, 11, 1, 12, 0, 0, 0, time.UTC) }
	s.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		relay.addr = addr
		client, server := net.Pipe()
		go relay.serve(server)
		return client, nil
	}
	return s, relay
}

func TestSMTPSender_Send(t *testing.T) {
	s, relay := newTestSender(t, config.SmtpConfig{
		Host:     "localhost",
		Port:     587,
		Username: "mailer",
		Password: "secret",
		From:     "no-reply@example.com",
	})

	err := s.Send(context.Background(), "a@x.com", "Confirm your email", "line one\nline two\n")
	require.NoError(t, err)

	assert.Equal(t, "localhost:587", relay.addr)
	assert.Equal(t, "PLAIN "+base64.StdEncoding.EncodeToString([]byte("\x00mailer\x00secret")), relay.auth)
	assert.Equal(t, "no-reply@example.com", relay.from)
	assert.Equal(t, []string{"a@x.com"}, relay.to)

	assert.Contains(t, relay.msg, "From: <no-reply@example.com>\r\n")
	assert.Contains(t, relay.msg, "To: <a@x.com>\r\n")
	assert.Contains(t, relay.msg, "Subject: Confirm your email\r\n")
	assert.Contains(t, relay.msg, "Date: Sat, 01 Nov 2025 12:00:00 +0000\r\n")
	assert.True(t, strings.HasSuffix(relay.msg, "\r\n\r\nline one\r\nline two\r\n"))
}

func TestSMTPSender_NoAuthWithoutUsername(t *testing.T) {
	s, relay := newTestSender(t, config.SmtpConfig{Host: "localhost", Port: 25, From: "a@b.c"})

	require.NoError(t, s.Send(context.Background(), "a@x.com", "s", "b"))
	assert.Empty(t, relay.auth)
	assert.Equal(t, "localhost:25", relay.addr)
	assert.Equal(t, []string{"a@x.com"}, relay.to)
}

func TestSMTPSender_Errors(t *testing.T) {
	s, relay := newTestSender(t, config.SmtpConfig{Host: "localhost", Port: 25, From: "a@b.c"})
	relay.reject = map[string]string{"RCPT": "550 5.1.1 no such user"}

	err := s.Send(context.Background(), "a@x.com", "s", "b")
	var protoErr *textproto.Error
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, 550, protoErr.Code)

	dialErr := errors.New("connection refused")
	s.dial = func(context.Context, string, string) (net.Conn, error) { return nil, dialErr }
	assert.ErrorIs(t, s.Send(context.Background(), "a@x.com", "s", "b"), dialErr)

	err = s.Send(context.Background(), "not an address", "s", "b")
	assert.ErrorContains(t, err, "invalid recipient")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, "a@x.com", "s", "b"), context.Canceled)
}

func TestSMTPSender_StalledRelayHonorsDeadline(t *testing.T) {
	s := NewSMTPSender(config.SmtpConfig{Host: "localhost", Port: 25, From: "a@b.c"})
	var server net.Conn
	s.dial = func(context.Context, string, string) (net.Conn, error) {
		var client net.Conn
		client, server = net.Pipe()
		return client, nil
	}
	t.Cleanup(func() {
		if server != nil {
			server.Close()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Send(ctx, "a@x.com", "s", "b")
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNew(t *testing.T) {
	assert.IsType(t, &LogSender{}, New(config.SmtpConfig{}, nil))
	assert.IsType(t, &SMTPSender{}, New(config.SmtpConfig{Host: "smtp.example.com", Port: 587}, nil))
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, s.Send(context.Background(), "a@x.com", "Confirm your email", "link"))
	assert.Contains(t, buf.String(), "to=a@x.com")
	assert.Contains(t, buf.String(), `subject="Confirm your email"`)
}
