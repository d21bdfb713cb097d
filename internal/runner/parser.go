package runner

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// maxFrameScanBuf bounds how much unterminated stdout FrameScanner will
// retain. A container that opens a start marker and never closes it
// (buggy or hostile) would otherwise grow buf for the process's entire
// lifetime; past this cap, further Feed input is discarded instead.
const maxFrameScanBuf = 1 << 20 // 1 MiB

// FrameScanner incrementally extracts complete START…END frames from a
// growing stdout buffer without rescanning bytes it has already
// consumed. Feed arbitrary chunks via Feed; each call returns the frames
// that became complete as a result of that chunk, in order.
type FrameScanner struct {
	buf    strings.Builder
	logger *slog.Logger

	// scanned marks how far into buf.String() has already been searched
	// for a start marker, so repeated Feed calls don't rescan consumed
	// prefix. Since strings.Builder only grows, this offset stays valid.
	scanned int

	// capped is set once buf has reached maxFrameScanBuf; further chunks
	// are silently dropped rather than appended.
	capped bool
}

// NewFrameScanner creates a FrameScanner. A nil logger uses slog.Default.
func NewFrameScanner(logger *slog.Logger) *FrameScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameScanner{logger: logger}
}

// Feed appends chunk to the internal buffer and returns any frames that
// completed as a result. Malformed JSON between a matched marker pair is
// logged at warn level and skipped (not returned, not fatal).
func (s *FrameScanner) Feed(chunk string) []Frame {
	if s.capped {
		return nil
	}
	if s.buf.Len()+len(chunk) > maxFrameScanBuf {
		if remaining := maxFrameScanBuf - s.buf.Len(); remaining > 0 {
			s.buf.WriteString(chunk[:remaining])
		}
		s.capped = true
		s.logger.Warn("runner: frame scanner buffer capped, discarding further stdout", "maxBytes", maxFrameScanBuf)
	} else {
		s.buf.WriteString(chunk)
	}
	var frames []Frame

	for {
		full := s.buf.String()
		startIdx := strings.Index(full[s.scanned:], MarkerStart)
		if startIdx == -1 {
			// No start marker found in the unscanned tail; leave scanned
			// pointing near the end minus marker length in case the
			// marker straddles this chunk boundary.
			if len(full) > len(MarkerStart) {
				s.scanned = len(full) - len(MarkerStart)
			}
			return frames
		}
		startIdx += s.scanned
		payloadStart := startIdx + len(MarkerStart)

		endIdx := strings.Index(full[payloadStart:], MarkerEnd)
		if endIdx == -1 {
			// Start marker present but not yet closed; wait for more data.
			s.scanned = startIdx
			return frames
		}
		endIdx += payloadStart

		raw := strings.TrimSpace(full[payloadStart:endIdx])
		var frame Frame
		if err := json.Unmarshal([]byte(raw), &frame); err != nil {
			s.logger.Warn("runner: malformed frame between markers", "error", err)
		} else {
			frames = append(frames, frame)
		}

		s.scanned = endIdx + len(MarkerEnd)
	}
}

// LastCompleteFrame re-scans the full accumulated buffer and returns the
// last well-formed START…END frame, used by batch mode at process close.
// ok is false if no well-formed pair was ever found.
func LastCompleteFrame(full string) (frame Frame, ok bool) {
	scanner := NewFrameScanner(discardLogger())
	frames := scanner.Feed(full)
	if len(frames) == 0 {
		return Frame{}, false
	}
	return frames[len(frames)-1], true
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
