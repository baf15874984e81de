package compose_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsyncd/internal/compose"
	"github.com/nhle/mailsyncd/internal/mailbox"
	"github.com/nhle/mailsyncd/internal/model"
)

// parsed is the result of reading back a built message.
type parsed struct {
	header      mail.Header
	textBody    string
	htmlBody    string
	attachments map[string][]byte
}

func parse(t *testing.T, raw []byte) parsed {
	t.Helper()

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer mr.Close()

	p := parsed{header: mr.Header, attachments: make(map[string][]byte)}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, err := h.ContentType()
			require.NoError(t, err)
			body, err := io.ReadAll(part.Body)
			require.NoError(t, err)
			if strings.HasPrefix(contentType, "text/html") {
				p.htmlBody = string(body)
			} else {
				p.textBody = string(body)
			}
		case *mail.AttachmentHeader:
			filename, err := h.Filename()
			require.NoError(t, err)
			body, err := io.ReadAll(part.Body)
			require.NoError(t, err)
			p.attachments[filename] = body
		}
	}
	return p
}

func TestBuildRoundTrip(t *testing.T) {
	draft := &model.OutboundDraft{
		From:     "me@example.com",
		To:       []string{"a@example.com"},
		Subject:  "Hi",
		BodyText: "Hello",
	}

	raw, err := compose.Build(draft)
	require.NoError(t, err)

	p := parse(t, raw)

	subject, err := p.header.Subject()
	require.NoError(t, err)
	require.Equal(t, "Hi", subject)

	to, err := p.header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	require.Equal(t, "a@example.com", to[0].Address)

	require.Equal(t, "Hello", strings.TrimRight(p.textBody, "\r\n"))

	msgID, err := p.header.MessageID()
	require.NoError(t, err)
	require.NotEmpty(t, msgID)
}

func TestBuildTextAndHTMLAlternative(t *testing.T) {
	draft := &model.OutboundDraft{
		From:     "me@example.com",
		To:       []string{"a@example.com"},
		Subject:  "Both bodies",
		BodyText: "plain version",
		BodyHTML: "<p>rich version</p>",
	}

	raw, err := compose.Build(draft)
	require.NoError(t, err)

	p := parse(t, raw)
	require.Contains(t, p.textBody, "plain version")
	require.Contains(t, p.htmlBody, "rich version")
}

func TestBuildStreamsAttachments(t *testing.T) {
	content := strings.Repeat("x", 8192)
	draft := &model.OutboundDraft{
		From:     "me@example.com",
		To:       []string{"a@example.com"},
		Subject:  "With file",
		BodyText: "see attached",
		Attachments: []model.DraftAttachment{{
			Filename: "report.txt",
			MIMEType: "text/plain",
			Reader:   strings.NewReader(content),
		}},
	}

	raw, err := compose.Build(draft)
	require.NoError(t, err)

	p := parse(t, raw)
	require.Contains(t, p.attachments, "report.txt")
	require.Equal(t, content, string(p.attachments["report.txt"]))
}

func TestBuildSetsReplyHeaders(t *testing.T) {
	draft := &model.OutboundDraft{
		From:      "me@example.com",
		To:        []string{"a@example.com"},
		Subject:   "Re: Hi",
		BodyText:  "replying",
		InReplyTo: "original-id@example.com",
	}

	raw, err := compose.Build(draft)
	require.NoError(t, err)

	p := parse(t, raw)

	inReplyTo, err := p.header.MsgIDList("In-Reply-To")
	require.NoError(t, err)
	require.Equal(t, []string{"original-id@example.com"}, inReplyTo)

	references, err := p.header.MsgIDList("References")
	require.NoError(t, err)
	require.Equal(t, []string{"original-id@example.com"}, references)
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name  string
		draft model.OutboundDraft
	}{
		{
			name: "no recipients",
			draft: model.OutboundDraft{
				From:     "me@example.com",
				Subject:  "Hi",
				BodyText: "Hello",
			},
		},
		{
			name: "no sender",
			draft: model.OutboundDraft{
				To:       []string{"a@example.com"},
				BodyText: "Hello",
			},
		},
		{
			name: "no body",
			draft: model.OutboundDraft{
				From: "me@example.com",
				To:   []string{"a@example.com"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compose.Build(&tt.draft)
			var verr *mailbox.ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
		})
	}
}

func TestBuildAllowsEmptySubject(t *testing.T) {
	draft := &model.OutboundDraft{
		From:     "me@example.com",
		To:       []string{"a@example.com"},
		BodyText: "no subject here",
	}

	raw, err := compose.Build(draft)
	require.NoError(t, err)

	p := parse(t, raw)
	subject, err := p.header.Subject()
	require.NoError(t, err)
	require.Empty(t, subject)
}
