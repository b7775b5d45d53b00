package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/dhcgn/mailgate/model"
	"github.com/dhcgn/mailgate/stats"
)

type fakeSession struct {
	exists   uint32
	messages map[uint32]*model.RawMessage
	deleted  [][2]uint32
	seen     []uint32
	fetchErr error
	closed   int
}

func (f *fakeSession) SelectMailbox(ctx context.Context, name string) (model.MailboxStatus, error) {
	if name == "Missing" {
		return model.MailboxStatus{}, &model.ProtocolError{Op: "select", Err: errors.New("NO no such mailbox")}
	}
	return model.MailboxStatus{Name: name, Exists: f.exists}, nil
}

func (f *fakeSession) FetchMessage(ctx context.Context, seq uint32, markSeen bool) (*model.RawMessage, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	msg, ok := f.messages[seq]
	if !ok {
		return nil, model.ErrNotFound
	}
	if markSeen {
		f.seen = append(f.seen, seq)
	}
	return msg, nil
}

func (f *fakeSession) FetchEnvelopes(ctx context.Context, from, to uint32) ([]model.Envelope, error) {
	var out []model.Envelope
	for seq := from; seq <= to; seq++ {
		out = append(out, model.Envelope{SeqNum: seq, Subject: "message"})
	}
	return out, nil
}

func (f *fakeSession) ListMailboxes(ctx context.Context) ([]string, error) {
	return []string{"INBOX", "Sent"}, nil
}

func (f *fakeSession) DeleteRange(ctx context.Context, top, bottom uint32) error {
	f.deleted = append(f.deleted, [2]uint32{top, bottom})
	return nil
}

func (f *fakeSession) Close() error {
	f.closed++
	return nil
}

type fakeOpener struct {
	session *fakeSession
	err     error
}

func (o *fakeOpener) Open(ctx context.Context, creds model.Credentials) (Session, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.session, nil
}

type fakeSender struct {
	verifyErr error
	sent      []model.Outgoing
}

func (s *fakeSender) Verify(ctx context.Context, creds model.Credentials) error {
	return s.verifyErr
}

func (s *fakeSender) Send(ctx context.Context, creds model.Credentials, msg model.Outgoing) error {
	s.sent = append(s.sent, msg)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []stats.Event
}

func (r *recorder) EmitEvent(evt stats.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) count(typ stats.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func invoice(seq uint32, payload string) *model.RawMessage {
	text := strings.Join([]string{
		"--b1",
		"Content-Type: text/plain",
		"",
		"Please pay.",
		"--b1",
		"Content-Disposition: attachment; filename=invoice.pdf",
		"Content-Transfer-Encoding: base64",
		"",
		payload,
		"--b1--",
		"",
	}, "\r\n")
	return &model.RawMessage{
		Envelope: model.Envelope{SeqNum: seq, SenderMailbox: "billing", SenderHost: "example.com", Subject: "Invoice"},
		Text:     []byte(text),
		Structure: &model.Multipart{
			Subtype: "MIXED",
			Params:  model.NewParams(map[string]string{"BOUNDARY": "b1"}),
			Children: []model.StructureNode{
				&model.Leaf{MediaType: "TEXT", Subtype: "PLAIN", TransferEncoding: "7BIT"},
				&model.Leaf{
					MediaType:        "APPLICATION",
					Subtype:          "PDF",
					Disposition:      &model.Disposition{Value: "attachment", Params: model.NewParams(map[string]string{"FILENAME": "invoice.pdf"})},
					TransferEncoding: "BASE64",
				},
			},
		},
	}
}

func newTestService(t *testing.T, sess *fakeSession) (*Service, *recorder, *fakeSender) {
	t.Helper()
	rec := &recorder{}
	sender := &fakeSender{}
	svc, err := New(&fakeOpener{session: sess}, sender, rec, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc, rec, sender
}

var creds = model.Credentials{Email: "user@example.com", Password: "secret", Domain: "example.com"}

func TestPageBounds(t *testing.T) {
	tests := []struct {
		name             string
		exists           uint32
		page, size       int
		wantTop, wantBot uint32
		wantOK           bool
	}{
		{name: "first page", exists: 45, page: 0, size: 20, wantTop: 45, wantBot: 26, wantOK: true},
		{name: "second page", exists: 45, page: 1, size: 20, wantTop: 25, wantBot: 6, wantOK: true},
		{name: "last partial page", exists: 45, page: 2, size: 20, wantTop: 5, wantBot: 1, wantOK: true},
		{name: "past the end", exists: 45, page: 3, size: 20, wantOK: false},
		{name: "empty mailbox", exists: 0, page: 0, size: 20, wantOK: false},
		{name: "exact fit", exists: 20, page: 0, size: 20, wantTop: 20, wantBot: 1, wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			top, bottom, ok := PageBounds(tt.exists, tt.page, tt.size)
			if ok != tt.wantOK || top != tt.wantTop || bottom != tt.wantBot {
				t.Errorf("PageBounds() = (%d, %d, %v), want (%d, %d, %v)", top, bottom, ok, tt.wantTop, tt.wantBot, tt.wantOK)
			}
		})
	}
}

func TestList(t *testing.T) {
	sess := &fakeSession{exists: 5}
	svc, rec, _ := newTestService(t, sess)

	listing, err := svc.List(context.Background(), creds, ListRequest{Mailbox: "INBOX", Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if listing.TotalEmailsCount != 5 || listing.RequestedPageNumber != 1 || listing.PageSize != 2 {
		t.Errorf("listing header = %+v", listing)
	}
	if len(listing.Emails) != 2 || listing.Emails[0].SequenceNumber != 3 || listing.Emails[1].SequenceNumber != 2 {
		t.Errorf("emails = %+v, want sequence 3 then 2", listing.Emails)
	}
	if sess.closed != 1 {
		t.Errorf("session closed %d times, want 1", sess.closed)
	}
	if rec.count(stats.EventTypeServed) != 1 {
		t.Errorf("served events = %d, want 1", rec.count(stats.EventTypeServed))
	}

	listing, err = svc.List(context.Background(), creds, ListRequest{Mailbox: "INBOX", Page: 9, PageSize: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listing.Emails) != 0 {
		t.Errorf("page past the end returned %d emails", len(listing.Emails))
	}
}

func TestListValidation(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeSession{exists: 5})
	for _, req := range []ListRequest{
		{Mailbox: "", Page: 0, PageSize: 10},
		{Mailbox: "INBOX", Page: -1, PageSize: 10},
		{Mailbox: "INBOX", Page: 0, PageSize: 0},
		{Mailbox: "INBOX", Page: 0, PageSize: MaxPageSize + 1},
	} {
		if _, err := svc.List(context.Background(), creds, req); !errors.Is(err, model.ErrInvalidRequest) {
			t.Errorf("List(%+v) error = %v, want ErrInvalidRequest", req, err)
		}
	}
}

func TestDetailAndAttachment(t *testing.T) {
	sess := &fakeSession{exists: 1, messages: map[uint32]*model.RawMessage{1: invoice(1, "JVBERi0xLjQK")}}
	svc, rec, _ := newTestService(t, sess)
	ctx := context.Background()

	detail, err := svc.Detail(ctx, creds, DetailRequest{Mailbox: "INBOX", SeqNum: 1})
	if err != nil {
		t.Fatalf("Detail() error = %v", err)
	}
	if detail.BodyText != "Please pay." || len(detail.Attachments) != 1 || detail.Attachments[0].FileName != "invoice.pdf" {
		t.Errorf("detail = %+v", detail)
	}

	dl, err := svc.Attachment(ctx, creds, AttachmentRequest{Mailbox: "INBOX", SeqNum: 1, Name: "invoice.pdf"})
	if err != nil {
		t.Fatalf("Attachment() error = %v", err)
	}
	if string(dl.Content) != "%PDF-1.4\n" {
		t.Errorf("content = %q", dl.Content)
	}

	_, err = svc.Attachment(ctx, creds, AttachmentRequest{Mailbox: "INBOX", SeqNum: 1, Name: "missing.txt"})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Attachment(missing.txt) error = %v, want ErrNotFound", err)
	}
	if rec.count(stats.EventTypeNotFound) != 1 {
		t.Errorf("not_found events = %d, want 1", rec.count(stats.EventTypeNotFound))
	}
	if rec.count(stats.EventTypeResolved) != 3 {
		t.Errorf("resolved events = %d, want 3", rec.count(stats.EventTypeResolved))
	}
	if sess.closed != 3 {
		t.Errorf("session closed %d times, want 3", sess.closed)
	}
}

func TestDetailMarksSeen(t *testing.T) {
	sess := &fakeSession{exists: 2, messages: map[uint32]*model.RawMessage{
		1: invoice(1, "JVBERi0xLjQK"),
		2: invoice(2, "JVBERi0xLjQK"),
	}}
	svc, _, _ := newTestService(t, sess)
	ctx := context.Background()

	if _, err := svc.Attachment(ctx, creds, AttachmentRequest{Mailbox: "INBOX", SeqNum: 1, Name: "invoice.pdf"}); err != nil {
		t.Fatalf("Attachment() error = %v", err)
	}
	if len(sess.seen) != 0 {
		t.Errorf("attachment download marked %v seen, want none", sess.seen)
	}
	if _, err := svc.Detail(ctx, creds, DetailRequest{Mailbox: "INBOX", SeqNum: 2}); err != nil {
		t.Fatalf("Detail() error = %v", err)
	}
	if len(sess.seen) != 1 || sess.seen[0] != 2 {
		t.Errorf("seen = %v, want [2]", sess.seen)
	}
}

func TestDetailBeyondMailbox(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeSession{exists: 1})
	_, err := svc.Detail(context.Background(), creds, DetailRequest{Mailbox: "INBOX", SeqNum: 2})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Detail() error = %v, want ErrNotFound", err)
	}
}

func TestCorruptedAttachmentCompletes(t *testing.T) {
	sess := &fakeSession{exists: 1, messages: map[uint32]*model.RawMessage{1: invoice(1, "@@@@")}}
	svc, rec, _ := newTestService(t, sess)

	dl, err := svc.Attachment(context.Background(), creds, AttachmentRequest{Mailbox: "INBOX", SeqNum: 1, Name: "invoice.pdf"})
	if err != nil {
		t.Fatalf("Attachment() error = %v", err)
	}
	if len(dl.Content) != 0 {
		t.Errorf("content = %q, want empty", dl.Content)
	}
	if rec.count(stats.EventTypeDecodeFailure) != 1 {
		t.Errorf("decode_failure events = %d, want 1", rec.count(stats.EventTypeDecodeFailure))
	}
}

func TestProtocolFailureAborts(t *testing.T) {
	fetchErr := &model.ProtocolError{Op: "fetch", Err: errors.New("connection reset")}
	sess := &fakeSession{exists: 1, fetchErr: fetchErr}
	svc, rec, _ := newTestService(t, sess)

	_, err := svc.Detail(context.Background(), creds, DetailRequest{Mailbox: "INBOX", SeqNum: 1})
	if !model.IsProtocolError(err) {
		t.Fatalf("Detail() error = %v, want ProtocolError", err)
	}
	if sess.closed != 1 {
		t.Errorf("session closed %d times, want 1", sess.closed)
	}
	if rec.count(stats.EventTypeProtocolError) != 1 {
		t.Errorf("protocol_error events = %d, want 1", rec.count(stats.EventTypeProtocolError))
	}
}

func TestDelete(t *testing.T) {
	sess := &fakeSession{exists: 10}
	svc, _, _ := newTestService(t, sess)
	ctx := context.Background()

	if err := svc.Delete(ctx, creds, DeleteRequest{Mailbox: "INBOX", Top: 3, Bottom: 5}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(sess.deleted) != 1 || sess.deleted[0] != [2]uint32{5, 3} {
		t.Errorf("deleted = %v, want [[5 3]]", sess.deleted)
	}
	if err := svc.Delete(ctx, creds, DeleteRequest{Mailbox: "INBOX", Top: 3, Bottom: 0}); !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("Delete(bottom 0) error = %v, want ErrInvalidRequest", err)
	}
	if err := svc.Delete(ctx, creds, DeleteRequest{Mailbox: "INBOX", Top: 11, Bottom: 1}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Delete(beyond) error = %v, want ErrNotFound", err)
	}
}

func TestSignIn(t *testing.T) {
	sess := &fakeSession{}
	svc, _, sender := newTestService(t, sess)

	got, err := svc.SignIn(context.Background(), model.Credentials{Email: "User@Example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if got.Domain != "example.com" {
		t.Errorf("Domain = %q, want example.com", got.Domain)
	}
	if sess.closed != 1 {
		t.Errorf("session closed %d times, want 1", sess.closed)
	}

	sender.verifyErr = &model.AuthError{Service: "smtp", Message: "535 bad credentials"}
	if _, err := svc.SignIn(context.Background(), model.Credentials{Email: "a@b.c", Password: "x"}); !model.IsAuthError(err) {
		t.Errorf("SignIn() error = %v, want AuthError", err)
	}
	if _, err := svc.SignIn(context.Background(), model.Credentials{Email: "nodomain", Password: "x"}); !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("SignIn() error = %v, want ErrInvalidRequest", err)
	}
}

func TestSend(t *testing.T) {
	svc, _, sender := newTestService(t, &fakeSession{})
	ctx := context.Background()
	if err := svc.Send(ctx, creds, model.Outgoing{To: []string{"bob@example.org"}, Subject: "hi"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("sent %d messages, want 1", len(sender.sent))
	}
	if err := svc.Send(ctx, creds, model.Outgoing{}); !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("Send(no recipients) error = %v, want ErrInvalidRequest", err)
	}
}
