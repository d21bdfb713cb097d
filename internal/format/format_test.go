package format

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/kaelstrand/g2host/internal/store"
)

func TestFormatMessagesEscaping(t *testing.T) {
	msgs := []store.Message{
		{SenderName: `Tom & "Jerry"`, Content: "<script>alert(1)</script>", Timestamp: "2025-01-01T00:00:00Z"},
	}
	out := FormatMessages(msgs)
	if strings.Contains(out, "<script>") {
		t.Fatalf("content not escaped: %s", out)
	}
	if !strings.Contains(out, "&amp;") || !strings.Contains(out, "&quot;") {
		t.Fatalf("sender not escaped: %s", out)
	}
}

// TestEscapeXMLRoundTrip verifies that a real XML parser unescaping a generated
// <message> element recovers the original sender/content exactly.
func TestEscapeXMLRoundTrip(t *testing.T) {
	cases := []string{
		`plain text`,
		`Tom & Jerry`,
		`<tag> "quoted" 'single'`,
		"multi\nline\ttabbed",
	}
	for _, original := range cases {
		msgs := []store.Message{{SenderName: "s", Content: original, Timestamp: "t"}}
		doc := FormatMessages(msgs)

		var parsed struct {
			Message struct {
				Content string `xml:",chardata"`
			} `xml:"message"`
		}
		if err := xml.Unmarshal([]byte(doc), &parsed); err != nil {
			t.Fatalf("xml.Unmarshal(%q): %v", doc, err)
		}
		if parsed.Message.Content != original {
			t.Errorf("round trip mismatch: got %q, want %q", parsed.Message.Content, original)
		}
	}
}

func TestFormatOutboundStripsInternal(t *testing.T) {
	raw := "before <internal>reasoning\nmore reasoning</internal> after"
	got := FormatOutbound(raw)
	if got != "before  after" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatOutboundEmptyAfterStrip(t *testing.T) {
	raw := "  <internal>only internal content</internal>  "
	if got := FormatOutbound(raw); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestFormatOutboundIdempotent(t *testing.T) {
	raw := "hello <internal>x</internal> world"
	once := FormatOutbound(raw)
	twice := FormatOutbound(once)
	if once != twice {
		t.Fatalf("not idempotent: once=%q twice=%q", once, twice)
	}
}

func TestFormatOutboundMultipleBlocksNonGreedy(t *testing.T) {
	raw := "<internal>a</internal>keep<internal>b</internal>"
	got := FormatOutbound(raw)
	if got != "keep" {
		t.Fatalf("got %q, want %q (non-greedy match across both blocks)", got, "keep")
	}
}
