package model

import "strings"

type Role int

const (
	RoleUnclassified Role = iota
	RoleBody
	RoleAttachment
)

func (r Role) String() string {
	switch r {
	case RoleBody:
		return "body"
	case RoleAttachment:
		return "attachment"
	default:
		return "unclassified"
	}
}

type Encoding int

const (
	EncodingSevenBit Encoding = iota
	EncodingBase64
	EncodingOther
)

// ParseEncoding maps a Content-Transfer-Encoding tag to an Encoding. An empty
// tag means 7bit per RFC 2045.
func ParseEncoding(tag string) Encoding {
	switch strings.ToUpper(strings.TrimSpace(tag)) {
	case "", "7BIT":
		return EncodingSevenBit
	case "BASE64":
		return EncodingBase64
	default:
		return EncodingOther
	}
}

func (e Encoding) String() string {
	switch e {
	case EncodingSevenBit:
		return "7bit"
	case EncodingBase64:
		return "base64"
	default:
		return "other"
	}
}

// ByteRange is a half-open [Start, End) range inside RawMessage.Text.
type ByteRange struct {
	Start int
	End   int
}

func (r ByteRange) Len() int {
	return r.End - r.Start
}

// Slice returns the bytes covered by r, or nil when r does not fit buf.
func (r ByteRange) Slice(buf []byte) []byte {
	if r.Start < 0 || r.End < r.Start || r.End > len(buf) {
		return nil
	}
	return buf[r.Start:r.End]
}

// PartDescriptor is a resolved leaf part.
type PartDescriptor struct {
	Label       string
	Role        Role
	Encoding    Encoding
	EncodingTag string
	Charset     string
	Range       ByteRange
	SizeOctets  uint32
	Located     bool
}

func (d PartDescriptor) IsFile() bool {
	return d.Role == RoleAttachment
}

// MessageAnalysis lists descriptors in document order.
type MessageAnalysis struct {
	Descriptors     []PartDescriptor
	SkippedSubtrees int
}

// Body returns the single body descriptor, if any.
func (a *MessageAnalysis) Body() (PartDescriptor, bool) {
	for _, d := range a.Descriptors {
		if d.Role == RoleBody {
			return d, true
		}
	}
	return PartDescriptor{}, false
}

func (a *MessageAnalysis) Attachments() []PartDescriptor {
	var out []PartDescriptor
	for _, d := range a.Descriptors {
		if d.IsFile() {
			out = append(out, d)
		}
	}
	return out
}

// FindAttachment returns the first attachment whose label equals name exactly.
func (a *MessageAnalysis) FindAttachment(name string) (PartDescriptor, bool) {
	for _, d := range a.Descriptors {
		if d.IsFile() && d.Label == name {
			return d, true
		}
	}
	return PartDescriptor{}, false
}

func (a *MessageAnalysis) Unlocated() int {
	n := 0
	for _, d := range a.Descriptors {
		if !d.Located {
			n++
		}
	}
	return n
}
