package structure

import (
	"strings"

	"github.com/dhcgn/mailgate/model"
)

const (
	LabelBody     = "Email text"
	LabelUnparsed = "Unparsed attachment"
)

type Classification struct {
	Role   model.Role
	Label  string
	IsFile bool
}

// Classify assigns a role to a leaf from its content type and disposition.
func Classify(leaf *model.Leaf) Classification {
	if leaf.Disposition != nil {
		name := leaf.Disposition.Params.Get("FILENAME")
		if name == "" {
			name = leaf.Disposition.Params.Get("NAME")
		}
		if name != "" {
			return Classification{Role: model.RoleAttachment, Label: name, IsFile: true}
		}
		return unparsed()
	}
	if strings.EqualFold(leaf.MediaType, "TEXT") && strings.EqualFold(leaf.Subtype, "PLAIN") {
		return Classification{Role: model.RoleBody, Label: LabelBody}
	}
	return unparsed()
}

func unparsed() Classification {
	return Classification{Role: model.RoleUnclassified, Label: LabelUnparsed}
}
