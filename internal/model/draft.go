package model

import "io"

// DraftAttachment is a single attachment on an outbound draft. Content
// is read from Reader while the MIME tree is serialized, so large files
// are never buffered whole.
type DraftAttachment struct {
	Filename string
	MIMEType string
	Reader   io.Reader
}

// OutboundDraft is the compose-time payload handed to the composer.
// It is ephemeral: discarded once the built message has been appended
// or sent.
type OutboundDraft struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string

	// BodyText and BodyHTML are the message bodies; when both are set
	// the composer emits a multipart/alternative part.
	BodyText string
	BodyHTML string

	// InReplyTo is the Message-ID being replied to, without angle
	// brackets. It populates In-Reply-To and References.
	InReplyTo string

	Attachments []DraftAttachment
}

// Recipients returns all recipient addresses across To, Cc, and Bcc.
func (d *OutboundDraft) Recipients() []string {
	out := make([]string, 0, len(d.To)+len(d.Cc)+len(d.Bcc))
	out = append(out, d.To...)
	out = append(out, d.Cc...)
	out = append(out, d.Bcc...)
	return out
}
