package model

import "strings"

// StructureNode is one node of a message's BODYSTRUCTURE tree. It is one of
// *Leaf, *Multipart or *EmbeddedMessage.
type StructureNode interface {
	structureNode()
}

// Params holds MIME parameters keyed by upper-case name.
type Params map[string]string

// NewParams copies in, upper-casing every key.
func NewParams(in map[string]string) Params {
	if len(in) == 0 {
		return nil
	}
	out := make(Params, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}

func (p Params) Get(name string) string {
	if p == nil {
		return ""
	}
	return p[strings.ToUpper(name)]
}

type Disposition struct {
	Value  string
	Params Params
}

// Leaf is a single, non-multipart body part. MediaType, Subtype and
// TransferEncoding are upper case.
type Leaf struct {
	MediaType        string
	Subtype          string
	Params           Params
	Disposition      *Disposition
	TransferEncoding string
	Octets           uint32
}

// Multipart groups child parts separated by the BOUNDARY parameter.
type Multipart struct {
	Subtype  string
	Params   Params
	Children []StructureNode
}

func (m *Multipart) Boundary() string {
	return m.Params.Get("BOUNDARY")
}

// EmbeddedMessage is a message/rfc822 part. Its inner structure is not resolved.
type EmbeddedMessage struct {
	Octets uint32
}

func (*Leaf) structureNode()            {}
func (*Multipart) structureNode()       {}
func (*EmbeddedMessage) structureNode() {}
