package assemble

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message/charset"

	"github.com/dhcgn/mailgate/model"
	"github.com/dhcgn/mailgate/structure"
)

// DateLayout is the wire format of send_date fields, always UTC.
const DateLayout = "2006-01-02T15:04:05"

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(DateLayout)
}

type ListingItem struct {
	FromAddress    string `json:"from_address"`
	Subject        string `json:"subject"`
	WasRead        bool   `json:"was_read"`
	SendDate       string `json:"send_date"`
	SequenceNumber uint32 `json:"sequence_number"`
}

type Listing struct {
	TotalEmailsCount    uint32        `json:"total_emails_count"`
	RequestedPageNumber int           `json:"requested_page_number"`
	PageSize            int           `json:"page_size"`
	Emails              []ListingItem `json:"emails"`
}

type AttachmentInfo struct {
	FileName   string `json:"file_name"`
	SizeOctets uint32 `json:"size_octets"`
	IsFile     bool   `json:"is_file"`
}

type Detail struct {
	FromAddress string           `json:"from_address"`
	Subject     string           `json:"subject"`
	SendDate    string           `json:"send_date"`
	BodyText    string           `json:"body_text"`
	Attachments []AttachmentInfo `json:"attachments"`

	Warnings []error `json:"-"`
}

// Download is a decoded attachment ready to be streamed to the client.
type Download struct {
	FileName string
	Content  []byte
	Warning  error
}

// Disposition returns the Content-Disposition header value for d.
func (d Download) Disposition() string {
	v := mime.FormatMediaType("attachment", map[string]string{"filename": d.FileName})
	if v == "" {
		return "attachment"
	}
	return v
}

// Assembler renders the read views of a message from its analysis. Parts are
// decoded only when a view needs them.
type Assembler struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Assembler {
	return &Assembler{logger: logger}
}

// Listing builds a listing page from envelopes. Envelopes are emitted in the
// order given.
func (a *Assembler) Listing(total uint32, page, pageSize int, envelopes []model.Envelope) Listing {
	items := make([]ListingItem, 0, len(envelopes))
	for _, env := range envelopes {
		items = append(items, ListingItem{
			FromAddress:    env.Sender(),
			Subject:        env.Subject,
			WasRead:        env.Seen(),
			SendDate:       formatDate(env.InternalDate),
			SequenceNumber: env.SeqNum,
		})
	}
	return Listing{
		TotalEmailsCount:    total,
		RequestedPageNumber: page,
		PageSize:            pageSize,
		Emails:              items,
	}
}

func (a *Assembler) Detail(msg *model.RawMessage, analysis *model.MessageAnalysis) Detail {
	detail := Detail{
		FromAddress: msg.Envelope.Sender(),
		Subject:     msg.Envelope.Subject,
		SendDate:    formatDate(msg.Envelope.InternalDate),
		Attachments: []AttachmentInfo{},
	}

	if body, ok := analysis.Body(); ok {
		content, err := a.decode(body, msg.Text)
		if err != nil {
			detail.Warnings = append(detail.Warnings, err)
		}
		text, err := toUTF8(body.Charset, content)
		if err != nil {
			detail.Warnings = append(detail.Warnings, err)
			if a.logger != nil {
				a.logger.Debug("charset conversion failed", "charset", body.Charset, "err", err)
			}
		}
		detail.BodyText = text
	}

	for _, d := range analysis.Attachments() {
		detail.Attachments = append(detail.Attachments, AttachmentInfo{
			FileName:   d.Label,
			SizeOctets: d.SizeOctets,
			IsFile:     true,
		})
	}
	return detail
}

// Attachment decodes the attachment labelled name. It returns
// model.ErrNotFound when no attachment carries that label.
func (a *Assembler) Attachment(msg *model.RawMessage, analysis *model.MessageAnalysis, name string) (Download, error) {
	d, ok := analysis.FindAttachment(name)
	if !ok {
		return Download{}, fmt.Errorf("attachment %q: %w", name, model.ErrNotFound)
	}
	content, err := a.decode(d, msg.Text)
	return Download{FileName: d.Label, Content: content, Warning: err}, nil
}

func (a *Assembler) decode(d model.PartDescriptor, buf []byte) ([]byte, error) {
	fn, covered := structure.DecoderFor(d.Encoding)
	if !covered && a.logger != nil {
		a.logger.Debug("transfer encoding passed through", "encoding", d.EncodingTag, "label", d.Label)
	}
	raw := d.Range.Slice(buf)
	out, err := fn(raw)
	if err != nil {
		err = &structure.DecodeError{Encoding: d.EncodingTag, Err: err}
		if a.logger != nil {
			a.logger.Warn("part decode failed", "label", d.Label, "err", err)
		}
		return []byte{}, err
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// toUTF8 converts content from the declared charset. Unknown charsets fall
// back to the raw bytes with invalid sequences replaced.
func toUTF8(label string, content []byte) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" || strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "us-ascii") {
		return strings.ToValidUTF8(string(content), "�"), nil
	}
	r, err := charset.Reader(label, bytes.NewReader(content))
	if err != nil {
		return strings.ToValidUTF8(string(content), "�"), fmt.Errorf("charset %q: %w", label, err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return strings.ToValidUTF8(string(content), "�"), fmt.Errorf("charset %q: %w", label, err)
	}
	return strings.ToValidUTF8(string(out), "�"), nil
}
