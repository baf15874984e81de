// Package compose builds RFC 822 MIME messages from outbound drafts.
// It never touches the network; the built bytes are handed verbatim to
// the connection manager's append path.
package compose

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/nhle/mailsyncd/internal/mailbox"
	"github.com/nhle/mailsyncd/internal/model"
)

// Build serializes a draft into MIME bytes. At least one recipient
// across To/Cc/Bcc is required; the subject may be empty. Attachment
// content is streamed from each attachment's Reader while serializing
// rather than buffered whole.
func Build(draft *model.OutboundDraft) ([]byte, error) {
	if len(draft.Recipients()) == 0 {
		return nil, &mailbox.ValidationError{Message: "at least one recipient is required"}
	}
	if draft.From == "" {
		return nil, &mailbox.ValidationError{Message: "a sender address is required"}
	}
	if draft.BodyText == "" && draft.BodyHTML == "" {
		return nil, &mailbox.ValidationError{Message: "a message body is required"}
	}

	var header mail.Header
	header.SetDate(time.Now())
	header.SetSubject(draft.Subject)
	header.SetAddressList("From", addressList([]string{draft.From}))
	header.SetAddressList("To", addressList(draft.To))
	if len(draft.Cc) > 0 {
		header.SetAddressList("Cc", addressList(draft.Cc))
	}
	if len(draft.Bcc) > 0 {
		header.SetAddressList("Bcc", addressList(draft.Bcc))
	}
	header.SetMessageID(generateMessageID(draft.From))
	if draft.InReplyTo != "" {
		header.SetMsgIDList("In-Reply-To", []string{draft.InReplyTo})
		header.SetMsgIDList("References", []string{draft.InReplyTo})
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, header)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}

	if err := writeBodies(mw, draft); err != nil {
		return nil, err
	}

	for _, att := range draft.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing message: %w", err)
	}

	return buf.Bytes(), nil
}

// writeBodies emits the inline body parts. Text and HTML together form
// a multipart/alternative inline section.
func writeBodies(mw *mail.Writer, draft *model.OutboundDraft) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("creating inline section: %w", err)
	}

	if draft.BodyText != "" {
		if err := writeInlinePart(iw, "text/plain", draft.BodyText); err != nil {
			return err
		}
	}
	if draft.BodyHTML != "" {
		if err := writeInlinePart(iw, "text/html", draft.BodyHTML); err != nil {
			return err
		}
	}

	if err := iw.Close(); err != nil {
		return fmt.Errorf("closing inline section: %w", err)
	}
	return nil
}

func writeInlinePart(iw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	pw, err := iw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		pw.Close()
		return fmt.Errorf("writing %s part: %w", contentType, err)
	}
	return pw.Close()
}

// writeAttachment streams one attachment's content into its MIME part.
func writeAttachment(mw *mail.Writer, att model.DraftAttachment) error {
	var h mail.AttachmentHeader
	h.SetFilename(att.Filename)
	contentType := att.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.SetContentType(contentType, nil)

	aw, err := mw.CreateAttachment(h)
	if err != nil {
		return fmt.Errorf("creating attachment %q: %w", att.Filename, err)
	}
	if _, err := io.Copy(aw, att.Reader); err != nil {
		aw.Close()
		return fmt.Errorf("writing attachment %q: %w", att.Filename, err)
	}
	return aw.Close()
}

func addressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

// generateMessageID builds a unique Message-ID using the sender's
// domain, falling back to localhost for malformed addresses.
func generateMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return fmt.Sprintf("%s@%s", uuid.NewString(), domain)
}
