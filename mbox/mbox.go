package mbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/mailgate/gateway"
	"github.com/dhcgn/mailgate/model"
)

const fileExt = ".mbox"

// Opener serves a directory of mbox files as read-only mailboxes, one per
// file. It stands in for an IMAP server during local development.
type Opener struct {
	dir    string
	logger *slog.Logger
}

func NewOpener(dir string, logger *slog.Logger) (*Opener, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("mbox directory is empty")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("mbox directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("mbox directory %s is not a directory", dir)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Opener{dir: dir, logger: logger}, nil
}

// Open ignores the password; any signed-in user sees the same directory.
func (o *Opener) Open(ctx context.Context, creds model.Credentials) (gateway.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &model.ProtocolError{Op: "connect", Err: err}
	}
	o.logger.Debug("mbox session opened", "dir", o.dir, "user", creds.Email)
	return &Session{dir: o.dir, logger: o.logger}, nil
}

// Session holds the messages of the selected mailbox for one request.
type Session struct {
	dir      string
	logger   *slog.Logger
	selected string
	messages [][]byte
}

func (s *Session) SelectMailbox(ctx context.Context, name string) (model.MailboxStatus, error) {
	path, err := s.mailboxPath(name)
	if err != nil {
		return model.MailboxStatus{}, err
	}
	var messages [][]byte
	err = Scan(ctx, path, func(seq uint32, raw []byte) error {
		messages = append(messages, raw)
		return nil
	})
	if err != nil {
		return model.MailboxStatus{}, &model.ProtocolError{Op: "select", Err: err}
	}
	s.selected = name
	s.messages = messages
	return model.MailboxStatus{Name: name, Exists: uint32(len(messages))}, nil
}

// FetchMessage ignores markSeen; mbox mailboxes are read-only.
func (s *Session) FetchMessage(ctx context.Context, seq uint32, markSeen bool) (*model.RawMessage, error) {
	raw, err := s.message(seq)
	if err != nil {
		return nil, err
	}
	msg, err := ParseMessage(seq, raw)
	if err != nil {
		return nil, &model.ProtocolError{Op: "fetch", Err: err}
	}
	return msg, nil
}

func (s *Session) FetchEnvelopes(ctx context.Context, from, to uint32) ([]model.Envelope, error) {
	var out []model.Envelope
	for seq := from; seq <= to; seq++ {
		if err := ctx.Err(); err != nil {
			return nil, &model.ProtocolError{Op: "fetch", Err: err}
		}
		raw, err := s.message(seq)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		header, err := readHeader(raw)
		if err != nil {
			s.logger.Debug("mbox header unreadable", "mailbox", s.selected, "seq", seq, "err", err)
		}
		out = append(out, envelope(seq, header, int64(len(raw))))
	}
	return out, nil
}

func (s *Session) ListMailboxes(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &model.ProtocolError{Op: "list", Err: err}
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), fileExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if strings.EqualFold(name, "inbox") {
			name = "INBOX"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Session) DeleteRange(ctx context.Context, top, bottom uint32) error {
	return &model.ProtocolError{Op: "store", Err: model.ErrReadOnly}
}

func (s *Session) Close() error {
	s.messages = nil
	return nil
}

func (s *Session) message(seq uint32) ([]byte, error) {
	if s.selected == "" {
		return nil, &model.ProtocolError{Op: "fetch", Err: errors.New("no mailbox selected")}
	}
	if seq < 1 || int(seq) > len(s.messages) {
		return nil, fmt.Errorf("message %d in %s: %w", seq, s.selected, model.ErrNotFound)
	}
	return s.messages[seq-1], nil
}

func (s *Session) mailboxPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("mailbox %q: %w", name, model.ErrNotFound)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", &model.ProtocolError{Op: "select", Err: err}
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		base := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if strings.EqualFold(filepath.Ext(e.Name()), fileExt) && strings.EqualFold(base, name) {
			return filepath.Join(s.dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("mailbox %q: %w", name, model.ErrNotFound)
}

// Scan calls fn for every message in the mbox file at path, numbering them
// from 1.
func Scan(ctx context.Context, path string, fn func(seq uint32, raw []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return ScanReader(ctx, file, fn)
}

func ScanReader(ctx context.Context, r io.Reader, fn func(seq uint32, raw []byte) error) error {
	reader := mboxlib.NewReader(r)
	for seq := uint32(1); ; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", seq, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", seq, err)
		}

		if err := fn(seq, raw); err != nil {
			return err
		}
	}
}

// ParseMessage builds what an IMAP server would report for raw: the envelope,
// the BODYSTRUCTURE tree and the BODY[TEXT] bytes.
func ParseMessage(seq uint32, raw []byte) (*model.RawMessage, error) {
	header, err := readHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("message %d header: %w", seq, err)
	}
	_, text := SplitRawMessage(raw)
	if text == nil {
		text = []byte{}
	}
	return &model.RawMessage{
		Envelope:  envelope(seq, header, int64(len(raw))),
		Text:      text,
		Structure: buildStructure(header, text),
	}, nil
}

func readHeader(raw []byte) (textproto.Header, error) {
	return textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
}

// SplitRawMessage splits raw at the first blank line, whichever line ending
// comes first.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return raw[:crlf], raw[crlf+4:]
	case lf >= 0:
		return raw[:lf], raw[lf+2:]
	}

	return raw, nil
}

func envelope(seq uint32, h textproto.Header, size int64) model.Envelope {
	mh := mail.Header{Header: message.Header{Header: h}}
	env := model.Envelope{SeqNum: seq, Size: size}

	if subject, err := mh.Subject(); err == nil {
		env.Subject = subject
	} else {
		env.Subject = mh.Get("Subject")
	}
	if date, err := mh.Date(); err == nil {
		env.InternalDate = date
	}
	if from, err := mh.AddressList("From"); err == nil && len(from) > 0 {
		addr := from[0].Address
		if at := strings.LastIndex(addr, "@"); at >= 0 {
			env.SenderMailbox, env.SenderHost = addr[:at], addr[at+1:]
		} else {
			env.SenderMailbox = addr
		}
	}
	env.Flags = statusFlags(mh.Get("Status") + mh.Get("X-Status"))
	return env
}

// statusFlags maps the mbox Status and X-Status letters to IMAP flags.
func statusFlags(status string) []string {
	var flags []string
	seen := map[string]bool{}
	for _, c := range status {
		var flag string
		switch c {
		case 'R':
			flag = model.FlagSeen
		case 'A':
			flag = model.FlagAnswered
		case 'F':
			flag = model.FlagFlagged
		case 'D':
			flag = model.FlagDeleted
		}
		if flag != "" && !seen[flag] {
			seen[flag] = true
			flags = append(flags, flag)
		}
	}
	return flags
}

func buildStructure(h textproto.Header, body []byte) model.StructureNode {
	mh := message.Header{Header: h}
	mediaType, params, err := mh.ContentType()
	if err != nil || mediaType == "" {
		mediaType, params = "text/plain", map[string]string{"charset": "us-ascii"}
	}
	typ, sub, _ := strings.Cut(mediaType, "/")

	switch {
	case typ == "multipart":
		mp := &model.Multipart{Subtype: strings.ToUpper(sub), Params: model.NewParams(params)}
		boundary := params["boundary"]
		if boundary == "" {
			return mp
		}
		mr := textproto.NewMultipartReader(bytes.NewReader(body), boundary)
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			content, err := io.ReadAll(part)
			if err != nil {
				break
			}
			mp.Children = append(mp.Children, buildStructure(part.Header, content))
		}
		return mp
	case typ == "message" && sub == "rfc822":
		return &model.EmbeddedMessage{Octets: uint32(len(body))}
	}

	leaf := &model.Leaf{
		MediaType:        strings.ToUpper(typ),
		Subtype:          strings.ToUpper(sub),
		Params:           model.NewParams(params),
		TransferEncoding: strings.ToUpper(strings.TrimSpace(h.Get("Content-Transfer-Encoding"))),
		Octets:           uint32(len(body)),
	}
	if leaf.TransferEncoding == "" {
		leaf.TransferEncoding = "7BIT"
	}
	if h.Has("Content-Disposition") {
		disp, dparams, err := mh.ContentDisposition()
		if err == nil {
			leaf.Disposition = &model.Disposition{Value: disp, Params: model.NewParams(dparams)}
		}
	}
	return leaf
}
