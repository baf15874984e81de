package imapconn

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsyncd/internal/model"
)

// ParseBody parses a raw RFC 822 message with go-message and extracts
// the text/plain body, the text/html body, and a part tree with
// attachment metadata. Malformed input degrades to treating the whole
// payload as plain text rather than failing the sync.
func ParseBody(raw []byte) (textBody, htmlBody string, structure *model.BodyPart) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), "", &model.BodyPart{
			Kind:     model.PartText,
			MIMEType: "text/plain",
			Size:     int64(len(raw)),
		}
	}
	defer mr.Close()

	root := &model.BodyPart{Kind: model.PartMultipart, MIMEType: "multipart/mixed"}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			child := &model.BodyPart{
				MIMEType: contentType,
				Charset:  params["charset"],
				Size:     int64(len(body)),
			}
			switch {
			case strings.HasPrefix(contentType, "text/html"):
				child.Kind = model.PartHTML
				htmlBody = string(body)
			case strings.HasPrefix(contentType, "text/"):
				child.Kind = model.PartText
				textBody = string(body)
			default:
				child.Kind = model.PartAttachment
			}
			root.Children = append(root.Children, child)

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			// Read to learn the size, the content itself is not cached.
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			root.Children = append(root.Children, &model.BodyPart{
				Kind:     model.PartAttachment,
				MIMEType: contentType,
				Filename: filename,
				Size:     int64(len(body)),
			})
		}
	}

	// A single-part message does not need a synthetic multipart wrapper.
	if len(root.Children) == 1 {
		return textBody, htmlBody, root.Children[0]
	}

	return textBody, htmlBody, root
}
