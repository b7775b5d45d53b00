package model

import (
	"strings"
	"time"
)

const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
)

// Credentials identify the mailbox owner on whose behalf a request runs.
type Credentials struct {
	Email    string
	Password string
	Domain   string
}

// Envelope carries the listing metadata of a single fetched message.
type Envelope struct {
	SeqNum        uint32
	SenderMailbox string
	SenderHost    string
	Subject       string
	InternalDate  time.Time
	Flags         []string
	Size          int64
}

// Sender returns the sender address, or just the mailbox part when the host is unknown.
func (e Envelope) Sender() string {
	if e.SenderHost == "" {
		return e.SenderMailbox
	}
	if e.SenderMailbox == "" {
		return ""
	}
	return e.SenderMailbox + "@" + e.SenderHost
}

func (e Envelope) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

func (e Envelope) Seen() bool {
	return e.HasFlag(FlagSeen)
}

// RawMessage is one message as returned by the protocol layer. Text holds the
// BODY[TEXT] bytes exactly as the server sent them and must not be modified.
type RawMessage struct {
	Envelope  Envelope
	Text      []byte
	Structure StructureNode
}

// MailboxStatus is the result of selecting a mailbox.
type MailboxStatus struct {
	Name   string
	Exists uint32
}

// Outgoing is a message submitted for delivery over SMTP.
type Outgoing struct {
	To          []string
	Subject     string
	Body        string
	Attachments []OutgoingAttachment
}

type OutgoingAttachment struct {
	Name        string
	ContentType string
	Data        []byte
}
