package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/textproto"
	"path/filepath"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/dhcgn/mailgate/model"
)

const (
	sendTimeout     = 30 * time.Second
	implicitTLSPort = 465
)

type Options struct {
	// Host defaults to "smtp.<domain>" of the signed-in user.
	Host               string
	Port               int
	UseTLS             bool
	InsecureSkipVerify bool
}

// Sender submits mail on behalf of the signed-in user using their own
// credentials.
type Sender struct {
	opts   Options
	logger *slog.Logger
}

func NewSender(opts Options, logger *slog.Logger) (*Sender, error) {
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("smtp port must be between 1 and 65535")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{opts: opts, logger: logger}, nil
}

func (s *Sender) host(creds model.Credentials) string {
	if s.opts.Host != "" {
		return s.opts.Host
	}
	return "smtp." + creds.Domain
}

func (s *Sender) client(creds model.Credentials) (*mail.Client, error) {
	host := s.host(creds)
	opts := []mail.Option{
		mail.WithTimeout(sendTimeout),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(creds.Email),
		mail.WithPassword(creds.Password),
		mail.WithTLSConfig(&tls.Config{ServerName: host, InsecureSkipVerify: s.opts.InsecureSkipVerify}),
	}
	switch {
	case !s.opts.UseTLS:
		opts = append(opts, mail.WithTLSPortPolicy(mail.NoTLS), mail.WithPort(s.opts.Port))
	case s.opts.Port == implicitTLSPort:
		opts = append(opts, mail.WithSSL(), mail.WithPort(s.opts.Port))
	default:
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory), mail.WithPort(s.opts.Port))
	}
	c, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, &model.ProtocolError{Op: "smtp client", Err: err}
	}
	return c, nil
}

// Verify connects and authenticates without sending anything.
func (s *Sender) Verify(ctx context.Context, creds model.Credentials) error {
	c, err := s.client(creds)
	if err != nil {
		return err
	}
	if err := c.DialWithContext(ctx); err != nil {
		return classify("smtp connect", err)
	}
	if err := c.Close(); err != nil {
		s.logger.Debug("smtp close failed", "err", err)
	}
	return nil
}

func (s *Sender) Send(ctx context.Context, creds model.Credentials, out model.Outgoing) error {
	msg, err := buildMessage(creds.Email, out)
	if err != nil {
		return err
	}
	c, err := s.client(creds)
	if err != nil {
		return err
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return classify("smtp send", err)
	}
	s.logger.Debug("message submitted", "from", creds.Email, "recipients", len(out.To), "attachments", len(out.Attachments))
	return nil
}

func buildMessage(from string, out model.Outgoing) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("from %q: %w", from, model.ErrInvalidRequest)
	}
	if err := msg.To(out.To...); err != nil {
		return nil, fmt.Errorf("recipients: %v: %w", err, model.ErrInvalidRequest)
	}
	msg.Subject(out.Subject)
	msg.SetBodyString(mail.TypeTextPlain, out.Body)
	for _, a := range out.Attachments {
		name := filepath.Base(a.Name)
		if err := msg.AttachReader(name, bytes.NewReader(a.Data), mail.WithFileContentType(mail.ContentType(contentType(name, a.ContentType)))); err != nil {
			return nil, fmt.Errorf("attach %s: %w", name, err)
		}
	}
	return msg, nil
}

// contentType prefers the type implied by the file extension over the one
// supplied by the browser.
func contentType(name, declared string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	if declared != "" {
		return declared
	}
	return "application/octet-stream"
}

func classify(op string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && (tpErr.Code == 535 || tpErr.Code == 534 || tpErr.Code == 530) {
		return &model.AuthError{Service: "smtp", Message: tpErr.Msg}
	}
	return &model.ProtocolError{Op: op, Err: err}
}
