package structure

import (
	"bytes"
	"encoding/base64"
	"reflect"
	"strings"
	"testing"

	"github.com/dhcgn/mailgate/model"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func textLeaf() *model.Leaf {
	return &model.Leaf{MediaType: "TEXT", Subtype: "PLAIN", Params: model.NewParams(map[string]string{"charset": "us-ascii"}), TransferEncoding: "7BIT", Octets: 5}
}

func pdfLeaf() *model.Leaf {
	return &model.Leaf{
		MediaType:        "APPLICATION",
		Subtype:          "PDF",
		Params:           model.NewParams(map[string]string{"name": "invoice.pdf"}),
		Disposition:      &model.Disposition{Value: "attachment", Params: model.NewParams(map[string]string{"filename": "invoice.pdf"})},
		TransferEncoding: "BASE64",
		Octets:           12,
	}
}

// scenarioB is multipart/mixed with a body, an inline image without a
// disposition and a base64 PDF.
func scenarioB() (model.StructureNode, []byte) {
	buf := crlf(
		"This is a multi-part message in MIME format.",
		"--b1",
		"Content-Type: text/plain; charset=us-ascii",
		"",
		"Hello",
		"--b1",
		"Content-Type: image/png",
		"Content-Transfer-Encoding: base64",
		"",
		"iVBORw0KGgo=",
		"--b1",
		"Content-Type: application/pdf; name=invoice.pdf",
		"Content-Transfer-Encoding: base64",
		"Content-Disposition: attachment; filename=invoice.pdf",
		"",
		"JVBERi0xLjQK",
		"--b1--",
		"",
	)
	root := &model.Multipart{
		Subtype: "MIXED",
		Params:  model.NewParams(map[string]string{"boundary": "b1"}),
		Children: []model.StructureNode{
			textLeaf(),
			&model.Leaf{MediaType: "IMAGE", Subtype: "PNG", TransferEncoding: "BASE64", Octets: 12},
			pdfLeaf(),
		},
	}
	return root, buf
}

func TestLocate(t *testing.T) {
	buf := crlf(
		"--xyz",
		"Content-Type: text/plain",
		"",
		"first",
		"--xyz",
		"",
		"second",
		"line two",
		"--xyz--",
	)
	tests := []struct {
		name     string
		boundary string
		index    int
		want     string
		ok       bool
	}{
		{name: "first part", boundary: "xyz", index: 0, want: "first", ok: true},
		{name: "part without headers", boundary: "xyz", index: 1, want: "second\r\nline two", ok: true},
		{name: "index past end", boundary: "xyz", index: 2, ok: false},
		{name: "unknown boundary", boundary: "abc", index: 0, ok: false},
		{name: "empty boundary", boundary: "", index: 0, ok: false},
		{name: "negative index", boundary: "xyz", index: -1, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng, ok := NewLocator(buf).Locate(tt.boundary, tt.index)
			if ok != tt.ok {
				t.Fatalf("Locate() ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				if rng != (model.ByteRange{}) {
					t.Errorf("Locate() range = %+v, want zero range", rng)
				}
				return
			}
			if got := string(rng.Slice(buf)); got != tt.want {
				t.Errorf("Locate() content = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLocateQuotesBoundary(t *testing.T) {
	buf := []byte("--a.b+c\n\nbody\n--a.b+c--\n")
	rng, ok := NewLocator(buf).Locate("a.b+c", 0)
	if !ok {
		t.Fatal("expected boundary with regex metacharacters to match")
	}
	if got := string(rng.Slice(buf)); got != "body" {
		t.Errorf("content = %q, want %q", got, "body")
	}
	other := []byte("--aXbbc\n\nbody\n--aXbbc--\n")
	if _, ok := NewLocator(other).Locate("a.b+c", 0); ok {
		t.Error("metacharacters must not act as wildcards")
	}
}

func TestLocateIgnoresLongerBoundary(t *testing.T) {
	buf := crlf("--outer", "", "--outerX is not a delimiter", "--outer--")
	rng, ok := NewLocator(buf).Locate("outer", 0)
	if !ok {
		t.Fatal("expected a match")
	}
	if got := string(rng.Slice(buf)); got != "--outerX is not a delimiter" {
		t.Errorf("content = %q", got)
	}
}

func TestLocateEmptyParts(t *testing.T) {
	buf := crlf(
		"--b1",
		"Content-Type: text/plain",
		"",
		"--b1",
		"Content-Disposition: attachment; filename=invoice.pdf",
		"",
		"JVBERi0xLjQK",
		"--b1",
		"",
		"--b1",
		"Content-Type: image/png",
		"",
		"iVBORw0KGgo=",
		"--b1--",
		"",
	)
	want := []string{"", "JVBERi0xLjQK", "", "iVBORw0KGgo="}

	l := NewLocator(buf)
	prevEnd := 0
	for i, w := range want {
		rng, ok := l.Locate("b1", i)
		if !ok {
			t.Fatalf("part %d not located", i)
		}
		if got := string(rng.Slice(buf)); got != w {
			t.Errorf("part %d content = %q, want %q", i, got, w)
		}
		if rng.Start < prevEnd {
			t.Errorf("part %d range %+v overlaps previous end %d", i, rng, prevEnd)
		}
		prevEnd = rng.End
	}
	if _, ok := l.Locate("b1", len(want)); ok {
		t.Errorf("part %d located, want only %d parts", len(want), len(want))
	}
}

func TestAnalyzeHeaderOnlyBody(t *testing.T) {
	root := &model.Multipart{
		Subtype: "MIXED",
		Params:  model.NewParams(map[string]string{"BOUNDARY": "b1"}),
		Children: []model.StructureNode{
			textLeaf(),
			pdfLeaf(),
			&model.Leaf{
				MediaType:        "IMAGE",
				Subtype:          "PNG",
				Disposition:      &model.Disposition{Value: "attachment", Params: model.NewParams(map[string]string{"filename": "x.png"})},
				TransferEncoding: "BASE64",
			},
		},
	}
	buf := crlf(
		"--b1",
		"Content-Type: text/plain",
		"",
		"--b1",
		"Content-Disposition: attachment; filename=invoice.pdf",
		"Content-Transfer-Encoding: base64",
		"",
		"JVBERi0xLjQK",
		"--b1",
		"Content-Disposition: attachment; filename=x.png",
		"",
		"iVBORw0KGgo=",
		"--b1--",
		"",
	)

	a := Analyze(root, buf, nil)
	if len(a.Descriptors) != 3 {
		t.Fatalf("got %d descriptors, want 3", len(a.Descriptors))
	}
	body, ok := a.Body()
	if !ok || !body.Located || body.Range.Len() != 0 {
		t.Errorf("body = %+v, want located empty range", body)
	}
	att, ok := a.FindAttachment("invoice.pdf")
	if !ok {
		t.Fatal("invoice.pdf not found")
	}
	decoded, err := Decode(att.EncodingTag, att.Range.Slice(buf))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if string(decoded) != "%PDF-1.4\n" {
		t.Errorf("invoice.pdf content = %q, want the PDF payload", decoded)
	}
	png, ok := a.FindAttachment("x.png")
	if !ok || string(png.Range.Slice(buf)) != "iVBORw0KGgo=" {
		t.Errorf("x.png = %+v, content %q", png, png.Range.Slice(buf))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		leaf *model.Leaf
		want Classification
	}{
		{name: "plain text", leaf: textLeaf(), want: Classification{Role: model.RoleBody, Label: LabelBody}},
		{name: "lower case text", leaf: &model.Leaf{MediaType: "text", Subtype: "plain"}, want: Classification{Role: model.RoleBody, Label: LabelBody}},
		{name: "attachment filename", leaf: pdfLeaf(), want: Classification{Role: model.RoleAttachment, Label: "invoice.pdf", IsFile: true}},
		{
			name: "name fallback",
			leaf: &model.Leaf{MediaType: "TEXT", Subtype: "CSV", Disposition: &model.Disposition{Value: "attachment", Params: model.NewParams(map[string]string{"name": "data.csv"})}},
			want: Classification{Role: model.RoleAttachment, Label: "data.csv", IsFile: true},
		},
		{
			name: "disposition without name",
			leaf: &model.Leaf{MediaType: "TEXT", Subtype: "PLAIN", Disposition: &model.Disposition{Value: "inline"}},
			want: Classification{Role: model.RoleUnclassified, Label: LabelUnparsed},
		},
		{name: "html", leaf: &model.Leaf{MediaType: "TEXT", Subtype: "HTML"}, want: Classification{Role: model.RoleUnclassified, Label: LabelUnparsed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.leaf); got != tt.want {
				t.Errorf("Classify() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAnalyzeSinglePart(t *testing.T) {
	buf := []byte("Hello there\r\n")
	a := Analyze(textLeaf(), buf, nil)
	if len(a.Descriptors) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(a.Descriptors))
	}
	d := a.Descriptors[0]
	if d.Role != model.RoleBody || d.Label != LabelBody {
		t.Errorf("descriptor = %+v, want body", d)
	}
	if d.Range != (model.ByteRange{Start: 0, End: len(buf)}) {
		t.Errorf("range = %+v, want whole buffer", d.Range)
	}
	if len(a.Attachments()) != 0 {
		t.Errorf("attachments = %v, want none", a.Attachments())
	}
}

func TestAnalyzeMixed(t *testing.T) {
	root, buf := scenarioB()
	a := Analyze(root, buf, nil)

	if len(a.Descriptors) != 3 {
		t.Fatalf("got %d descriptors, want 3", len(a.Descriptors))
	}
	wantRoles := []model.Role{model.RoleBody, model.RoleUnclassified, model.RoleAttachment}
	wantContent := []string{"Hello", "iVBORw0KGgo=", "JVBERi0xLjQK"}
	for i, d := range a.Descriptors {
		if d.Role != wantRoles[i] {
			t.Errorf("descriptor %d role = %v, want %v", i, d.Role, wantRoles[i])
		}
		if !d.Located {
			t.Errorf("descriptor %d not located", i)
		}
		if got := string(d.Range.Slice(buf)); got != wantContent[i] {
			t.Errorf("descriptor %d content = %q, want %q", i, got, wantContent[i])
		}
	}

	att, ok := a.FindAttachment("invoice.pdf")
	if !ok {
		t.Fatal("invoice.pdf not found")
	}
	decoded, err := Decode(att.EncodingTag, att.Range.Slice(buf))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if string(decoded) != "%PDF-1.4\n" {
		t.Errorf("decoded = %q", decoded)
	}
	if _, ok := a.FindAttachment("missing.txt"); ok {
		t.Error("missing.txt must not be found")
	}
}

func TestAnalyzeRangesAreOrderedAndDisjoint(t *testing.T) {
	inner := &model.Multipart{
		Subtype: "ALTERNATIVE",
		Params:  model.NewParams(map[string]string{"BOUNDARY": "in"}),
		Children: []model.StructureNode{
			textLeaf(),
			&model.Leaf{MediaType: "TEXT", Subtype: "HTML"},
		},
	}
	root := &model.Multipart{
		Subtype: "MIXED",
		Params:  model.NewParams(map[string]string{"BOUNDARY": "out"}),
		Children: []model.StructureNode{
			inner,
			pdfLeaf(),
		},
	}
	buf := crlf(
		"--out",
		"Content-Type: multipart/alternative; boundary=in",
		"",
		"--in",
		"Content-Type: text/plain",
		"",
		"plain",
		"--in",
		"Content-Type: text/html",
		"",
		"<p>html</p>",
		"--in--",
		"",
		"--out",
		"Content-Disposition: attachment; filename=invoice.pdf",
		"",
		"JVBERi0xLjQK",
		"--out--",
	)

	a := Analyze(root, buf, nil)
	if len(a.Descriptors) != 3 {
		t.Fatalf("got %d descriptors, want 3", len(a.Descriptors))
	}
	prevEnd := 0
	for i, d := range a.Descriptors {
		if d.Range.Start < prevEnd || d.Range.End < d.Range.Start || d.Range.End > len(buf) {
			t.Errorf("descriptor %d range %+v overlaps or out of bounds (prev end %d)", i, d.Range, prevEnd)
		}
		prevEnd = d.Range.End
	}
	if got := string(a.Descriptors[1].Range.Slice(buf)); got != "<p>html</p>" {
		t.Errorf("html content = %q", got)
	}
}

func TestAnalyzeIsRepeatable(t *testing.T) {
	root, buf := scenarioB()
	first := Analyze(root, buf, nil)
	second := Analyze(root, buf, nil)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("analysis differs between runs:\n%+v\n%+v", first, second)
	}
}

func TestAnalyzeMissingBoundary(t *testing.T) {
	root := &model.Multipart{
		Subtype:  "MIXED",
		Children: []model.StructureNode{textLeaf(), pdfLeaf()},
	}
	a := Analyze(root, []byte("--b1\r\n\r\nHello\r\n--b1--\r\n"), nil)
	if len(a.Descriptors) != 0 {
		t.Errorf("got %d descriptors, want 0", len(a.Descriptors))
	}
	if a.SkippedSubtrees != 1 {
		t.Errorf("SkippedSubtrees = %d, want 1", a.SkippedSubtrees)
	}
}

func TestAnalyzeUnlocatedPart(t *testing.T) {
	root := &model.Multipart{
		Subtype:  "MIXED",
		Params:   model.NewParams(map[string]string{"BOUNDARY": "b1"}),
		Children: []model.StructureNode{textLeaf(), pdfLeaf()},
	}
	buf := crlf("--b1", "", "Hello", "--b1--")
	a := Analyze(root, buf, nil)
	if len(a.Descriptors) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(a.Descriptors))
	}
	d := a.Descriptors[1]
	if d.Located || d.Role != model.RoleUnclassified || d.Label != LabelUnparsed || d.Range != (model.ByteRange{}) {
		t.Errorf("unlocated descriptor = %+v", d)
	}
	if a.Unlocated() != 1 {
		t.Errorf("Unlocated() = %d, want 1", a.Unlocated())
	}
}

func TestAnalyzeSingleBody(t *testing.T) {
	root := &model.Multipart{
		Subtype:  "MIXED",
		Params:   model.NewParams(map[string]string{"BOUNDARY": "b1"}),
		Children: []model.StructureNode{textLeaf(), textLeaf()},
	}
	buf := crlf("--b1", "", "one", "--b1", "", "two", "--b1--")
	a := Analyze(root, buf, nil)
	if len(a.Descriptors) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(a.Descriptors))
	}
	if a.Descriptors[0].Role != model.RoleBody {
		t.Errorf("first text part role = %v, want body", a.Descriptors[0].Role)
	}
	if a.Descriptors[1].Role != model.RoleUnclassified || a.Descriptors[1].Label != LabelUnparsed {
		t.Errorf("second text part = %+v, want unclassified", a.Descriptors[1])
	}
}

func TestAnalyzeEmbeddedMessageKeepsSiblingIndex(t *testing.T) {
	root := &model.Multipart{
		Subtype: "MIXED",
		Params:  model.NewParams(map[string]string{"BOUNDARY": "b1"}),
		Children: []model.StructureNode{
			&model.EmbeddedMessage{Octets: 20},
			textLeaf(),
		},
	}
	buf := crlf("--b1", "Content-Type: message/rfc822", "", "Subject: fwd", "--b1", "", "after", "--b1--")
	a := Analyze(root, buf, nil)
	if len(a.Descriptors) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(a.Descriptors))
	}
	if got := string(a.Descriptors[0].Range.Slice(buf)); got != "after" {
		t.Errorf("content = %q, want %q", got, "after")
	}
}

func TestAnalyzeCorruptedBase64(t *testing.T) {
	root := &model.Multipart{
		Subtype:  "MIXED",
		Params:   model.NewParams(map[string]string{"BOUNDARY": "b1"}),
		Children: []model.StructureNode{textLeaf(), pdfLeaf()},
	}
	buf := crlf("--b1", "", "Hello", "--b1", "", "!!!not base64!!!", "--b1--")
	a := Analyze(root, buf, nil)
	att, ok := a.FindAttachment("invoice.pdf")
	if !ok {
		t.Fatal("invoice.pdf not found")
	}
	out, err := Decode(att.EncodingTag, att.Range.Slice(buf))
	if !IsDecodeError(err) {
		t.Fatalf("Decode() error = %v, want DecodeError", err)
	}
	if out == nil || len(out) != 0 {
		t.Errorf("Decode() content = %q, want empty", out)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x00, 0x7f, 0xff, 'a', '\n'}, 100)

	encoded := base64.StdEncoding.EncodeToString(payload)
	var wire bytes.Buffer
	for len(encoded) > 76 {
		wire.WriteString(encoded[:76] + "\r\n")
		encoded = encoded[76:]
	}
	wire.WriteString(encoded)

	decoded, err := Decode("BASE64", wire.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatalf("decoded payload mismatch")
	}
	if base64.StdEncoding.EncodeToString(decoded) != strings.ReplaceAll(wire.String(), "\r\n", "") {
		t.Errorf("re-encoding does not reproduce wire bytes")
	}

	seven := []byte("plain text\r\nline")
	for _, tag := range []string{"", "7BIT", "7bit"} {
		out, err := Decode(tag, seven)
		if err != nil || !bytes.Equal(out, seven) {
			t.Errorf("Decode(%q) = %q, %v; want identity", tag, out, err)
		}
	}
}

func TestDecoderForCoverage(t *testing.T) {
	tests := []struct {
		tag     string
		covered bool
	}{
		{"7BIT", true},
		{"", true},
		{"base64", true},
		{"QUOTED-PRINTABLE", false},
		{"8BIT", false},
		{"BINARY", false},
	}
	for _, tt := range tests {
		_, covered := DecoderFor(model.ParseEncoding(tt.tag))
		if covered != tt.covered {
			t.Errorf("DecoderFor(%q) covered = %v, want %v", tt.tag, covered, tt.covered)
		}
	}
	out, err := Decode("QUOTED-PRINTABLE", []byte("a=3Db"))
	if err != nil || string(out) != "a=3Db" {
		t.Errorf("quoted-printable must pass through, got %q, %v", out, err)
	}
}
