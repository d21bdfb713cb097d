// Package format holds the pure, stateless transforms between a stored
// message transcript and the agent's textual prompt, and between the
// agent's raw reply and the text that goes out to a chat transport.
package format

import (
	"regexp"
	"strings"

	"github.com/kaelstrand/g2host/internal/store"
)

// internalTagPattern strips every <internal>...</internal> block,
// multiline and non-greedy.
var internalTagPattern = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// FormatMessages renders a transcript as the XML-ish block the agent
// expects:
//
//	<messages>
//	<message sender="X" time="T">CONTENT</message>
//	…
//	</messages>
func FormatMessages(msgs []store.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = m.Sender
		}
		b.WriteString(`<message sender="`)
		b.WriteString(EscapeXML(sender))
		b.WriteString(`" time="`)
		b.WriteString(EscapeXML(m.Timestamp))
		b.WriteString(`">`)
		b.WriteString(EscapeXML(m.Content))
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}

// FormatOutbound strips every <internal>…</internal> block from the
// agent's raw reply and trims the result. Returns "" if nothing remains,
// which the caller treats as "suppress this outbound send".
//
// FormatOutbound is idempotent: FormatOutbound(FormatOutbound(x)) ==
// FormatOutbound(x), because a second pass finds no further <internal>
// tags and only re-trims already-trimmed text.
func FormatOutbound(raw string) string {
	stripped := internalTagPattern.ReplaceAllString(raw, "")
	return strings.TrimSpace(stripped)
}

var xmlEscaper = strings.NewReplacer(
	`&`, "&amp;",
	`<`, "&lt;",
	`>`, "&gt;",
	`"`, "&quot;",
	`'`, "&apos;",
)

// EscapeXML escapes the five predefined XML entities so that a conforming
// XML parser unescaping the result recovers the original string exactly.
func EscapeXML(s string) string {
	return xmlEscaper.Replace(s)
}
