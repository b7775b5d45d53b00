package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"github.com/dhcgn/mailgate/gateway"
	"github.com/dhcgn/mailgate/model"
)

const dialTimeout = 30 * time.Second

type Options struct {
	// Host defaults to "imap.<domain>" of the signed-in user.
	Host               string
	Port               int
	UseTLS             bool
	InsecureSkipVerify bool
}

// Opener dials a fresh IMAP connection per request.
type Opener struct {
	opts   Options
	logger *slog.Logger
}

func NewOpener(opts Options, logger *slog.Logger) (*Opener, error) {
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("imap port must be between 1 and 65535")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Opener{opts: opts, logger: logger}, nil
}

func (o *Opener) host(creds model.Credentials) string {
	if o.opts.Host != "" {
		return o.opts.Host
	}
	return "imap." + creds.Domain
}

// Open connects and logs in. The session must be closed by the caller.
func (o *Opener) Open(ctx context.Context, creds model.Credentials) (gateway.Session, error) {
	client, cleanup, err := o.dial(ctx, creds)
	if err != nil {
		return nil, err
	}
	return &Session{client: client, cleanup: cleanup}, nil
}

func (o *Opener) dial(ctx context.Context, creds model.Credentials) (*imapclient.Client, func(), error) {
	host := o.host(creds)
	address := net.JoinHostPort(host, strconv.Itoa(o.opts.Port))
	options := &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if o.opts.UseTLS {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config: &tls.Config{
				ServerName:         host,
				InsecureSkipVerify: o.opts.InsecureSkipVerify,
			},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, nil, &model.ProtocolError{Op: "connect", Err: fmt.Errorf("dial imap %s: %w", address, err)}
	}

	client := imapclient.New(conn, options)
	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	if err := client.Login(creds.Email, creds.Password).Wait(); err != nil {
		stopClose()
		_ = client.Close()
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Type == imapv2.StatusResponseTypeNo {
			return nil, nil, &model.AuthError{Service: "imap", Message: respErr.Text}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, nil, &model.ProtocolError{Op: "login", Err: err}
	}

	o.logger.Debug("imap connection established", "address", address, "user", creds.Email, "tls", o.opts.UseTLS)

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				o.logger.Debug("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			o.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

// Session is one logged-in IMAP connection.
type Session struct {
	client    *imapclient.Client
	cleanup   func()
	closeOnce sync.Once
}

func (s *Session) SelectMailbox(ctx context.Context, name string) (model.MailboxStatus, error) {
	data, err := s.client.Select(name, nil).Wait()
	if err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Type == imapv2.StatusResponseTypeNo {
			return model.MailboxStatus{}, fmt.Errorf("mailbox %q: %s: %w", name, respErr.Text, model.ErrNotFound)
		}
		return model.MailboxStatus{}, protocolError(ctx, "select", err)
	}
	return model.MailboxStatus{Name: name, Exists: data.NumMessages}, nil
}

// FetchMessage reads BODY[TEXT]. Without markSeen it uses BODY.PEEK so the
// \Seen flag is left untouched.
func (s *Session) FetchMessage(ctx context.Context, seq uint32, markSeen bool) (*model.RawMessage, error) {
	section := &imapv2.FetchItemBodySection{Specifier: imapv2.PartSpecifierText, Peek: !markSeen}
	options := &imapv2.FetchOptions{
		Flags:         true,
		Envelope:      true,
		InternalDate:  true,
		RFC822Size:    true,
		BodyStructure: &imapv2.FetchItemBodyStructure{Extended: true},
		BodySection:   []*imapv2.FetchItemBodySection{section},
	}
	msgs, err := s.client.Fetch(imapv2.SeqSetNum(seq), options).Collect()
	if err != nil {
		return nil, protocolError(ctx, "fetch", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %d: %w", seq, model.ErrNotFound)
	}
	buf := msgs[0]

	text := buf.FindBodySection(section)
	if text == nil {
		text = []byte{}
	}
	return &model.RawMessage{
		Envelope:  convertEnvelope(buf.SeqNum, buf.Envelope, buf.Flags, buf.InternalDate, buf.RFC822Size),
		Text:      text,
		Structure: convertStructure(buf.BodyStructure),
	}, nil
}

func (s *Session) FetchEnvelopes(ctx context.Context, from, to uint32) ([]model.Envelope, error) {
	var set imapv2.SeqSet
	set.AddRange(from, to)
	options := &imapv2.FetchOptions{
		Flags:        true,
		Envelope:     true,
		InternalDate: true,
		RFC822Size:   true,
	}
	msgs, err := s.client.Fetch(set, options).Collect()
	if err != nil {
		return nil, protocolError(ctx, "fetch", err)
	}
	out := make([]model.Envelope, 0, len(msgs))
	for _, buf := range msgs {
		out = append(out, convertEnvelope(buf.SeqNum, buf.Envelope, buf.Flags, buf.InternalDate, buf.RFC822Size))
	}
	return out, nil
}

func (s *Session) ListMailboxes(ctx context.Context) ([]string, error) {
	list, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, protocolError(ctx, "list", err)
	}
	names := make([]string, 0, len(list))
	for _, data := range list {
		if hasAttr(data.Attrs, imapv2.MailboxAttrNoSelect) {
			continue
		}
		names = append(names, data.Mailbox)
	}
	return names, nil
}

// DeleteRange flags the inclusive range as deleted and expunges it.
func (s *Session) DeleteRange(ctx context.Context, top, bottom uint32) error {
	var set imapv2.SeqSet
	set.AddRange(bottom, top)
	store := s.client.Store(set, &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagDeleted},
	}, nil)
	if err := store.Close(); err != nil {
		return protocolError(ctx, "store", err)
	}
	if err := s.client.Expunge().Close(); err != nil {
		return protocolError(ctx, "expunge", err)
	}
	return nil
}

func (s *Session) Close() error {
	s.closeOnce.Do(s.cleanup)
	return nil
}

func protocolError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return &model.ProtocolError{Op: op, Err: err}
}

func hasAttr(attrs []imapv2.MailboxAttr, want imapv2.MailboxAttr) bool {
	for _, a := range attrs {
		if strings.EqualFold(string(a), string(want)) {
			return true
		}
	}
	return false
}

func convertEnvelope(seq uint32, env *imapv2.Envelope, flags []imapv2.Flag, internal time.Time, size int64) model.Envelope {
	out := model.Envelope{
		SeqNum:       seq,
		InternalDate: internal,
		Size:         size,
	}
	for _, f := range flags {
		out.Flags = append(out.Flags, string(f))
	}
	if env != nil {
		out.Subject = env.Subject
		if len(env.From) > 0 {
			out.SenderMailbox = env.From[0].Mailbox
			out.SenderHost = env.From[0].Host
		}
	}
	return out
}

// convertStructure maps a BODYSTRUCTURE tree to the gateway's own node types.
func convertStructure(bs imapv2.BodyStructure) model.StructureNode {
	switch part := bs.(type) {
	case *imapv2.BodyStructureSinglePart:
		if strings.EqualFold(part.Type, "message") && strings.EqualFold(part.Subtype, "rfc822") {
			return &model.EmbeddedMessage{Octets: part.Size}
		}
		leaf := &model.Leaf{
			MediaType:        strings.ToUpper(part.Type),
			Subtype:          strings.ToUpper(part.Subtype),
			Params:           model.NewParams(part.Params),
			TransferEncoding: strings.ToUpper(part.Encoding),
			Octets:           part.Size,
		}
		if disp := part.Disposition(); disp != nil {
			leaf.Disposition = &model.Disposition{
				Value:  strings.ToLower(disp.Value),
				Params: model.NewParams(disp.Params),
			}
		}
		return leaf
	case *imapv2.BodyStructureMultiPart:
		mp := &model.Multipart{Subtype: strings.ToUpper(part.Subtype)}
		if part.Extended != nil {
			mp.Params = model.NewParams(part.Extended.Params)
		}
		for _, child := range part.Children {
			mp.Children = append(mp.Children, convertStructure(child))
		}
		return mp
	default:
		return nil
	}
}
