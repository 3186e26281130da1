package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"saf-broker/internal/config"
)

// NewSender returns a LogSender in dev mode and an SMTP sender otherwise.
func NewSender(cfg config.Mail) Sender {
	if cfg.DevMode {
		return LogSender{}
	}
	return &SMTPSender{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host:     cfg.Host,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
	}
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg Message) error {
	log.WithFields(log.Fields{
		"to":      msg.To,
		"subject": msg.Subject,
	}).Info("dev mode: email not sent")
	return nil
}

type SMTPSender struct {
	addr     string
	host     string
	username string
	password string
	from     string
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return errors.Wrap(err, "dial smtp")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "smtp handshake")
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return errors.Wrap(err, "starttls")
		}
	}
	if s.username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.username, s.password, s.host)); err != nil {
			return errors.Wrap(err, "smtp auth")
		}
	}

	if err := c.Mail(s.from); err != nil {
		return errors.Wrap(err, "smtp MAIL FROM")
	}
	if err := c.Rcpt(msg.To); err != nil {
		return errors.Wrap(err, "smtp RCPT TO")
	}
	w, err := c.Data()
	if err != nil {
		return errors.Wrap(err, "smtp DATA")
	}
	if _, err := w.Write(s.compose(msg)); err != nil {
		return errors.Wrap(err, "write message")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "finish message")
	}
	return c.Quit()
}

func (s *SMTPSender) compose(msg Message) []byte {
	contentType := "text/plain"
	if msg.HTML {
		contentType = "text/html"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: %s; charset=UTF-8\r\n\r\n", contentType)
	b.WriteString(msg.Body)
	return b.Bytes()
}
