package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dhcgn/mailgate/assemble"
	"github.com/dhcgn/mailgate/logging"
	"github.com/dhcgn/mailgate/model"
	"github.com/dhcgn/mailgate/stats"
	"github.com/dhcgn/mailgate/structure"
)

const MaxPageSize = 200

// Session is a request-scoped connection to a mail store. It is opened for a
// single API call and closed when the call returns.
type Session interface {
	SelectMailbox(ctx context.Context, name string) (model.MailboxStatus, error)
	// FetchMessage returns the raw text, envelope and structure of seq.
	// With markSeen the server flags the message \Seen as it is read.
	FetchMessage(ctx context.Context, seq uint32, markSeen bool) (*model.RawMessage, error)
	FetchEnvelopes(ctx context.Context, from, to uint32) ([]model.Envelope, error)
	ListMailboxes(ctx context.Context) ([]string, error)
	DeleteRange(ctx context.Context, top, bottom uint32) error
	Close() error
}

type Opener interface {
	Open(ctx context.Context, creds model.Credentials) (Session, error)
}

type Sender interface {
	Verify(ctx context.Context, creds model.Credentials) error
	Send(ctx context.Context, creds model.Credentials, msg model.Outgoing) error
}

type ListRequest struct {
	Mailbox  string
	Page     int
	PageSize int
}

type DetailRequest struct {
	Mailbox string
	SeqNum  uint32
}

type AttachmentRequest struct {
	Mailbox string
	SeqNum  uint32
	Name    string
}

type DeleteRequest struct {
	Mailbox string
	Top     uint32
	Bottom  uint32
}

type Service struct {
	opener    Opener
	sender    Sender
	events    stats.Emitter
	assembler *assemble.Assembler
	logger    *slog.Logger
}

func New(opener Opener, sender Sender, events stats.Emitter, logger *slog.Logger) (*Service, error) {
	if opener == nil {
		return nil, fmt.Errorf("session opener must not be nil")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender must not be nil")
	}
	if events == nil {
		events = stats.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		opener:    opener,
		sender:    sender,
		events:    events,
		assembler: assemble.New(logger),
		logger:    logger,
	}, nil
}

// SignIn checks the credentials against the SMTP and IMAP servers and returns
// them with the domain filled in.
func (s *Service) SignIn(ctx context.Context, creds model.Credentials) (model.Credentials, error) {
	creds, err := normalizeCredentials(creds)
	if err != nil {
		return model.Credentials{}, err
	}
	if err := s.sender.Verify(ctx, creds); err != nil {
		s.protocolFailure(ctx, stats.StageSMTP, err)
		return model.Credentials{}, err
	}
	err = s.withSession(ctx, creds, func(Session) error { return nil })
	if err != nil {
		return model.Credentials{}, err
	}
	return creds, nil
}

func (s *Service) List(ctx context.Context, creds model.Credentials, req ListRequest) (assemble.Listing, error) {
	if err := validateMailbox(req.Mailbox); err != nil {
		return assemble.Listing{}, err
	}
	if req.Page < 0 {
		return assemble.Listing{}, fmt.Errorf("page must not be negative: %w", model.ErrInvalidRequest)
	}
	if req.PageSize < 1 || req.PageSize > MaxPageSize {
		return assemble.Listing{}, fmt.Errorf("page size must be between 1 and %d: %w", MaxPageSize, model.ErrInvalidRequest)
	}

	var listing assemble.Listing
	err := s.withSession(ctx, creds, func(sess Session) error {
		status, err := sess.SelectMailbox(ctx, req.Mailbox)
		if err != nil {
			return err
		}
		top, bottom, ok := PageBounds(status.Exists, req.Page, req.PageSize)
		var envelopes []model.Envelope
		if ok {
			envelopes, err = sess.FetchEnvelopes(ctx, bottom, top)
			if err != nil {
				return err
			}
			sort.Slice(envelopes, func(i, j int) bool {
				return envelopes[i].SeqNum > envelopes[j].SeqNum
			})
		}
		listing = s.assembler.Listing(status.Exists, req.Page, req.PageSize, envelopes)
		return nil
	})
	return listing, err
}

// PageBounds returns the inclusive sequence range of a newest-first page.
// ok is false when the page lies past the oldest message.
func PageBounds(exists uint32, page, pageSize int) (top, bottom uint32, ok bool) {
	if page < 0 || pageSize < 1 {
		return 0, 0, false
	}
	t := int64(exists) - int64(page)*int64(pageSize)
	if t < 1 {
		return 0, 0, false
	}
	b := t - int64(pageSize) + 1
	if b < 1 {
		b = 1
	}
	return uint32(t), uint32(b), true
}

func (s *Service) Detail(ctx context.Context, creds model.Credentials, req DetailRequest) (assemble.Detail, error) {
	if err := validateMailbox(req.Mailbox); err != nil {
		return assemble.Detail{}, err
	}
	if req.SeqNum < 1 {
		return assemble.Detail{}, fmt.Errorf("sequence number must be positive: %w", model.ErrInvalidRequest)
	}

	var detail assemble.Detail
	err := s.withMessage(ctx, creds, req.Mailbox, req.SeqNum, true, func(msg *model.RawMessage, analysis *model.MessageAnalysis) error {
		detail = s.assembler.Detail(msg, analysis)
		for _, w := range detail.Warnings {
			s.decodeWarning(ctx, w)
		}
		return nil
	})
	return detail, err
}

func (s *Service) Attachment(ctx context.Context, creds model.Credentials, req AttachmentRequest) (assemble.Download, error) {
	if err := validateMailbox(req.Mailbox); err != nil {
		return assemble.Download{}, err
	}
	if req.SeqNum < 1 {
		return assemble.Download{}, fmt.Errorf("sequence number must be positive: %w", model.ErrInvalidRequest)
	}
	if req.Name == "" {
		return assemble.Download{}, fmt.Errorf("attachment name is empty: %w", model.ErrInvalidRequest)
	}

	var download assemble.Download
	err := s.withMessage(ctx, creds, req.Mailbox, req.SeqNum, false, func(msg *model.RawMessage, analysis *model.MessageAnalysis) error {
		dl, err := s.assembler.Attachment(msg, analysis, req.Name)
		if err != nil {
			return err
		}
		s.decodeWarning(ctx, dl.Warning)
		download = dl
		return nil
	})
	return download, err
}

func (s *Service) Mailboxes(ctx context.Context, creds model.Credentials) ([]string, error) {
	var names []string
	err := s.withSession(ctx, creds, func(sess Session) error {
		var err error
		names, err = sess.ListMailboxes(ctx)
		return err
	})
	if names == nil {
		names = []string{}
	}
	return names, err
}

// Delete removes the inclusive sequence range. Top and Bottom may be given in
// either order.
func (s *Service) Delete(ctx context.Context, creds model.Credentials, req DeleteRequest) error {
	if err := validateMailbox(req.Mailbox); err != nil {
		return err
	}
	top, bottom := req.Top, req.Bottom
	if bottom > top {
		top, bottom = bottom, top
	}
	if bottom < 1 {
		return fmt.Errorf("sequence range must start at 1 or above: %w", model.ErrInvalidRequest)
	}
	return s.withSession(ctx, creds, func(sess Session) error {
		status, err := sess.SelectMailbox(ctx, req.Mailbox)
		if err != nil {
			return err
		}
		if top > status.Exists {
			return fmt.Errorf("sequence %d beyond %d messages: %w", top, status.Exists, model.ErrNotFound)
		}
		return sess.DeleteRange(ctx, top, bottom)
	})
}

func (s *Service) Send(ctx context.Context, creds model.Credentials, msg model.Outgoing) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("no recipients: %w", model.ErrInvalidRequest)
	}
	for _, to := range msg.To {
		if !strings.Contains(to, "@") {
			return fmt.Errorf("recipient %q: %w", to, model.ErrInvalidRequest)
		}
	}
	if err := s.sender.Send(ctx, creds, msg); err != nil {
		s.protocolFailure(ctx, stats.StageSMTP, err)
		return err
	}
	s.events.EmitEvent(stats.Event{Stage: stats.StageSMTP, Type: stats.EventTypeServed, Detail: "send"})
	return nil
}

// withMessage fetches and analyzes one message. Opening the detail view marks
// the message read; attachment downloads leave its flags alone.
func (s *Service) withMessage(ctx context.Context, creds model.Credentials, mailbox string, seq uint32, markSeen bool, fn func(*model.RawMessage, *model.MessageAnalysis) error) error {
	return s.withSession(ctx, creds, func(sess Session) error {
		status, err := sess.SelectMailbox(ctx, mailbox)
		if err != nil {
			return err
		}
		if seq > status.Exists {
			return fmt.Errorf("message %d in %s: %w", seq, mailbox, model.ErrNotFound)
		}
		msg, err := sess.FetchMessage(ctx, seq, markSeen)
		if err != nil {
			return err
		}
		analysis := structure.Analyze(msg.Structure, msg.Text, s.log(ctx))
		stats.EmitAnalysis(s.events, analysis)
		return fn(msg, analysis)
	})
}

// withSession opens a session for the duration of fn. The session is closed
// on every return path.
func (s *Service) withSession(ctx context.Context, creds model.Credentials, fn func(Session) error) (err error) {
	sess, err := s.opener.Open(ctx, creds)
	if err != nil {
		s.protocolFailure(ctx, stats.StageIMAP, err)
		return err
	}
	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			s.log(ctx).Debug("session close failed", "err", closeErr)
		}
	}()

	if err = fn(sess); err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			s.events.EmitEvent(stats.Event{Stage: stats.StageHTTP, Type: stats.EventTypeNotFound})
		case model.IsProtocolError(err) || model.IsAuthError(err):
			s.protocolFailure(ctx, stats.StageIMAP, err)
		}
		return err
	}
	s.events.EmitEvent(stats.Event{Stage: stats.StageHTTP, Type: stats.EventTypeServed})
	return nil
}

func (s *Service) decodeWarning(ctx context.Context, err error) {
	if err == nil {
		return
	}
	evt := stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeError, Err: err}
	if structure.IsDecodeError(err) {
		evt.Type = stats.EventTypeDecodeFailure
	}
	s.events.EmitEvent(evt)
	s.log(ctx).Warn("message part degraded", "err", err)
}

func (s *Service) protocolFailure(ctx context.Context, stage stats.Stage, err error) {
	s.events.EmitEvent(stats.Event{Stage: stage, Type: stats.EventTypeProtocolError, Err: err})
	s.log(ctx).Error("mail server request failed", "stage", stage, "err", err)
}

func validateMailbox(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("mailbox name is empty: %w", model.ErrInvalidRequest)
	}
	return nil
}

func normalizeCredentials(creds model.Credentials) (model.Credentials, error) {
	creds.Email = strings.TrimSpace(creds.Email)
	creds.Domain = strings.ToLower(strings.TrimSpace(creds.Domain))
	if creds.Email == "" || creds.Password == "" {
		return model.Credentials{}, fmt.Errorf("email and password are required: %w", model.ErrInvalidRequest)
	}
	if creds.Domain == "" {
		at := strings.LastIndex(creds.Email, "@")
		if at < 0 || at == len(creds.Email)-1 {
			return model.Credentials{}, fmt.Errorf("domain missing and not derivable from %q: %w", creds.Email, model.ErrInvalidRequest)
		}
		creds.Domain = strings.ToLower(creds.Email[at+1:])
	}
	return creds, nil
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	if logger, ok := logging.Lookup(ctx); ok {
		return logger
	}
	return s.logger
}
