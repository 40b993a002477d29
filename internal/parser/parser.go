// Package parser extracts a short, best-effort description of a raw
// message for log output. Messages that fail to parse are still accepted
// and stored; only the summary is lost.
package parser

import (
	"bytes"
	"fmt"

	"github.com/jhillyerd/enmime"
)

// Summary holds the header fields and MIME shape of a message.
type Summary struct {
	From        string
	To          string
	Subject     string
	MessageID   string
	HasText     bool
	HasHTML     bool
	Attachments int
	Inlines     int

	// Defects counts MIME problems enmime recovered from.
	Defects int
}

// Summarize parses raw as an RFC 5322 message.
func Summarize(raw []byte) (Summary, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return Summary{}, fmt.Errorf("failed to parse message: %w", err)
	}

	return Summary{
		From:        env.GetHeader("From"),
		To:          env.GetHeader("To"),
		Subject:     env.GetHeader("Subject"),
		MessageID:   env.GetHeader("Message-Id"),
		HasText:     env.Text != "",
		HasHTML:     env.HTML != "",
		Attachments: len(env.Attachments),
		Inlines:     len(env.Inlines),
		Defects:     len(env.Errors),
	}, nil
}

// LogAttrs returns the summary as alternating slog key/value pairs,
// omitting empty header fields.
func (s Summary) LogAttrs() []any {
	attrs := make([]any, 0, 12)
	if s.Subject != "" {
		attrs = append(attrs, "subject", s.Subject)
	}
	if s.MessageID != "" {
		attrs = append(attrs, "message_id", s.MessageID)
	}
	if s.From != "" {
		attrs = append(attrs, "header_from", s.From)
	}
	attrs = append(attrs, "attachments", s.Attachments)
	if s.HasHTML {
		attrs = append(attrs, "html", true)
	}
	if s.Defects > 0 {
		attrs = append(attrs, "defects", s.Defects)
	}
	return attrs
}
