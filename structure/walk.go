package structure

import (
	"log/slog"

	"github.com/dhcgn/mailgate/model"
)

type walker struct {
	buf     []byte
	locator *Locator
	logger  *slog.Logger
	result  *model.MessageAnalysis
	hasBody bool
}

// Analyze resolves every leaf of root to a descriptor over buf. It never
// fails: parts that cannot be located come back with an empty range and
// Located set to false. A nil logger disables logging.
func Analyze(root model.StructureNode, buf []byte, logger *slog.Logger) *model.MessageAnalysis {
	w := &walker{
		buf:     buf,
		locator: NewLocator(buf),
		logger:  logger,
		result:  &model.MessageAnalysis{},
	}
	if root != nil {
		w.walk(root, "", 0)
	}
	return w.result
}

func (w *walker) walk(node model.StructureNode, boundary string, index int) {
	switch n := node.(type) {
	case *model.Leaf:
		w.leaf(n, boundary, index)
	case *model.Multipart:
		inner := n.Boundary()
		if inner == "" {
			w.result.SkippedSubtrees++
			if w.logger != nil {
				w.logger.Debug("multipart without boundary skipped", "subtype", n.Subtype, "children", len(n.Children))
			}
			return
		}
		for i, child := range n.Children {
			w.walk(child, inner, i)
		}
	case *model.EmbeddedMessage:
		if w.logger != nil {
			w.logger.Debug("embedded message not resolved", "octets", n.Octets)
		}
	}
}

func (w *walker) leaf(leaf *model.Leaf, boundary string, index int) {
	var (
		rng     model.ByteRange
		located bool
	)
	if boundary == "" {
		rng, located = model.ByteRange{Start: 0, End: len(w.buf)}, true
	} else {
		rng, located = w.locator.Locate(boundary, index)
	}

	class := Classify(leaf)
	if !located {
		if w.logger != nil {
			w.logger.Debug("part not located", "boundary", boundary, "index", index, "type", leaf.MediaType+"/"+leaf.Subtype)
		}
		class = unparsed()
	}
	if class.Role == model.RoleBody {
		if w.hasBody {
			class = unparsed()
		} else {
			w.hasBody = true
		}
	}

	w.result.Descriptors = append(w.result.Descriptors, model.PartDescriptor{
		Label:       class.Label,
		Role:        class.Role,
		Encoding:    model.ParseEncoding(leaf.TransferEncoding),
		EncodingTag: leaf.TransferEncoding,
		Charset:     leaf.Params.Get("CHARSET"),
		Range:       rng,
		SizeOctets:  leaf.Octets,
		Located:     located,
	})
}
