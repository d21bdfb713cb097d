package runner

import (
	"strings"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestFrameScannerSinglePairAcrossChunks(t *testing.T) {
	s := NewFrameScanner(discardLogger())

	frames := s.Feed("noise before\n---G2_OUTPUT")
	if len(frames) != 0 {
		t.Fatalf("expected no frames yet, got %v", frames)
	}
	frames = s.Feed("_START---\n{\"result\":\"hi\"}\n---G2_OUT")
	if len(frames) != 0 {
		t.Fatalf("expected no frames until end marker completes, got %v", frames)
	}
	frames = s.Feed("PUT_END---\nmore noise")
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %v", frames)
	}
	if frames[0].Result == nil || *frames[0].Result != "hi" {
		t.Fatalf("unexpected frame: %+v", frames[0])
	}
}

func TestFrameScannerMultiplePairsInOneChunk(t *testing.T) {
	s := NewFrameScanner(discardLogger())
	chunk := "---G2_OUTPUT_START---\n{\"result\":\"a\"}\n---G2_OUTPUT_END---\n" +
		"---G2_OUTPUT_START---\n{\"result\":\"b\"}\n---G2_OUTPUT_END---\n"

	frames := s.Feed(chunk)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d: %+v", len(frames), frames)
	}
	if *frames[0].Result != "a" || *frames[1].Result != "b" {
		t.Fatalf("frames out of order: %+v", frames)
	}
}

func TestFrameScannerSkipsMalformedJSON(t *testing.T) {
	s := NewFrameScanner(discardLogger())
	chunk := "---G2_OUTPUT_START---\nnot json\n---G2_OUTPUT_END---\n" +
		"---G2_OUTPUT_START---\n{\"result\":\"valid\"}\n---G2_OUTPUT_END---\n"

	frames := s.Feed(chunk)
	if len(frames) != 1 {
		t.Fatalf("expected malformed frame to be skipped, got %d frames", len(frames))
	}
	if *frames[0].Result != "valid" {
		t.Fatalf("unexpected surviving frame: %+v", frames[0])
	}
}

func TestFrameScannerNoRescanOfConsumedPrefix(t *testing.T) {
	s := NewFrameScanner(discardLogger())
	s.Feed("---G2_OUTPUT_START---\n{\"result\":\"a\"}\n---G2_OUTPUT_END---\n")
	if s.scanned == 0 {
		t.Fatal("expected scanned offset to advance past the first consumed frame")
	}
}

func TestLastCompleteFrameReturnsFinalPair(t *testing.T) {
	full := "---G2_OUTPUT_START---\n{\"result\":\"a\"}\n---G2_OUTPUT_END---\n" +
		"trailing noise\n" +
		"---G2_OUTPUT_START---\n{\"result\":\"b\",\"newSessionId\":\"sess-2\"}\n---G2_OUTPUT_END---\n"

	frame, ok := LastCompleteFrame(full)
	if !ok {
		t.Fatal("expected a complete frame")
	}
	if *frame.Result != "b" || frame.NewSessionID != "sess-2" {
		t.Fatalf("expected last frame to win, got %+v", frame)
	}
}

func TestLastCompleteFrameAbsentWhenNoMarkers(t *testing.T) {
	_, ok := LastCompleteFrame("just plain stdout, no markers at all")
	if ok {
		t.Fatal("expected no complete frame")
	}
}

func TestFrameScannerCapsUnboundedGrowthPastLimit(t *testing.T) {
	s := NewFrameScanner(discardLogger())

	// An opened-but-never-closed marker followed by far more data than
	// maxFrameScanBuf must not grow buf past the cap.
	s.Feed("---G2_OUTPUT_START---\n")
	huge := strings.Repeat("x", maxFrameScanBuf*2)
	frames := s.Feed(huge)
	if len(frames) != 0 {
		t.Fatalf("expected no frames from an unterminated marker, got %v", frames)
	}
	if s.buf.Len() > maxFrameScanBuf {
		t.Fatalf("expected buf capped at %d bytes, got %d", maxFrameScanBuf, s.buf.Len())
	}
	if !s.capped {
		t.Fatal("expected capped flag set once the limit is hit")
	}

	// Further feeds are no-ops once capped.
	more := s.Feed("more data")
	if more != nil {
		t.Fatalf("expected nil frames once capped, got %v", more)
	}
	if s.buf.Len() > maxFrameScanBuf {
		t.Fatalf("expected buf to stay capped, got %d bytes", s.buf.Len())
	}
}
