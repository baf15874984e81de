package model

import "time"

// Common IMAP system flags.
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
)

// Envelope holds the parsed envelope data of a message.
type Envelope struct {
	MessageID string    `json:"message_id"`
	InReplyTo string    `json:"in_reply_to,omitempty"`
	Subject   string    `json:"subject"`
	From      []string  `json:"from"`
	To        []string  `json:"to"`
	Cc        []string  `json:"cc,omitempty"`
	Bcc       []string  `json:"bcc,omitempty"`
	Date      time.Time `json:"date"`
}

// PartKind tags a node in the MIME part tree.
type PartKind string

const (
	PartText       PartKind = "text"
	PartHTML       PartKind = "html"
	PartAttachment PartKind = "attachment"
	PartMultipart  PartKind = "multipart"
)

// BodyPart is one node of a message's MIME structure. Leaf kinds carry
// content metadata; multipart nodes carry children.
type BodyPart struct {
	Kind     PartKind    `json:"kind"`
	MIMEType string      `json:"mime_type"`
	Charset  string      `json:"charset,omitempty"`
	Filename string      `json:"filename,omitempty"`
	Size     int64       `json:"size,omitempty"`
	Children []*BodyPart `json:"children,omitempty"`
}

// Message is a cached message. (FolderID, UIDValidity epoch, UID) is the
// identity; sequence numbers are session-scoped and never persisted.
type Message struct {
	// FolderID links this message to its cached folder.
	FolderID string `json:"folder_id"`

	// UID is the server-assigned identifier, unique within the folder's
	// current UIDValidity epoch.
	UID uint32 `json:"uid"`

	// SeqNum is the ephemeral sequence number from the session that
	// fetched this message. It shifts on expunge and is never stored.
	SeqNum uint32 `json:"-"`

	// Flags is the set of flags last observed on the server.
	Flags []string `json:"flags"`

	// Envelope is the parsed envelope.
	Envelope Envelope `json:"envelope"`

	// Structure is the MIME part tree, populated once a body has been
	// fetched and parsed.
	Structure *BodyPart `json:"structure,omitempty"`

	// Size is the RFC 822 size in bytes.
	Size int64 `json:"size"`

	// InternalDate is the server's internal date for the message.
	InternalDate time.Time `json:"internal_date"`

	// TextBody and HTMLBody are lazily fetched body parts; empty until
	// the body has been downloaded.
	TextBody string `json:"text_body,omitempty"`
	HTMLBody string `json:"html_body,omitempty"`

	// Removed marks a message the server no longer reports (expunged or
	// moved elsewhere). The record is kept rather than orphaned.
	Removed bool `json:"removed"`

	// FetchedAt is when this record was last written from server data.
	FetchedAt time.Time `json:"fetched_at"`
}

// HasFlag reports whether the message carries the given flag.
func (m *Message) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
