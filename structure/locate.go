package structure

import (
	"regexp"

	"github.com/dhcgn/mailgate/model"
)

// boundaryPattern matches one part: the delimiter line, optional header
// lines, a blank line, then the content up to the next delimiter. A part
// whose header block runs straight into the next delimiter has empty
// content and is captured by the first group; every other part by the
// second. The trailing delimiter is matched but not consumed by the caller,
// so it can open the following part.
func boundaryPattern(boundary string) *regexp.Regexp {
	q := regexp.QuoteMeta(boundary)
	return regexp.MustCompile(`(?:\A|\n)--` + q + `[ \t]*\r?\n(?:[^\r\n]+\r?\n)*\r?\n(?:()|((?s:.*?))\r?\n)--` + q + `(?:--)?[ \t]*(?:\r?\n|\z)`)
}

// Locator finds part content inside one raw buffer. The buffer is scanned
// once per boundary; later lookups for the same boundary reuse the result.
type Locator struct {
	buf      []byte
	patterns map[string]*regexp.Regexp
	parts    map[string][]model.ByteRange
}

func NewLocator(buf []byte) *Locator {
	return &Locator{
		buf:      buf,
		patterns: make(map[string]*regexp.Regexp),
		parts:    make(map[string][]model.ByteRange),
	}
}

// Locate returns the content range of the index-th part delimited by
// boundary, counting from zero. ok is false when there are not enough parts.
func (l *Locator) Locate(boundary string, index int) (model.ByteRange, bool) {
	if boundary == "" || index < 0 {
		return model.ByteRange{}, false
	}
	parts, found := l.parts[boundary]
	if !found {
		parts = l.scan(boundary)
		l.parts[boundary] = parts
	}
	if index >= len(parts) {
		return model.ByteRange{}, false
	}
	return parts[index], true
}

func (l *Locator) scan(boundary string) []model.ByteRange {
	re, found := l.patterns[boundary]
	if !found {
		re = boundaryPattern(boundary)
		l.patterns[boundary] = re
	}

	var parts []model.ByteRange
	pos := 0
	for pos <= len(l.buf) {
		loc := re.FindSubmatchIndex(l.buf[pos:])
		if loc == nil {
			break
		}
		start, end := loc[2], loc[3]
		if start < 0 {
			start, end = loc[4], loc[5]
		}
		start, end = pos+start, pos+end
		parts = append(parts, model.ByteRange{Start: start, End: end})
		// The closing delimiter starts right after the content.
		pos = end
	}
	return parts
}
