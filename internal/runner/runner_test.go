package runner

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestContainerNameForSanitizesJID(t *testing.T) {
	name := containerNameFor("g2", "main", "tg:123/456@x")
	want := "g2-main-tg-123-456-x"
	if name != want {
		t.Fatalf("got %q want %q", name, want)
	}
}

func TestLastNBytesTruncatesFromEnd(t *testing.T) {
	if got := lastNBytes("hello world", 5); got != "world" {
		t.Fatalf("got %q", got)
	}
	if got := lastNBytes("hi", 5); got != "hi" {
		t.Fatalf("got %q, expected short string unchanged", got)
	}
}

func TestLastNonEmptyLineSkipsBlankTrailers(t *testing.T) {
	s := "first\nsecond\n\n   \n"
	if got := lastNonEmptyLine(s); got != "second" {
		t.Fatalf("got %q want %q", got, "second")
	}
}

func TestLastNonEmptyLineEmptyInput(t *testing.T) {
	if got := lastNonEmptyLine("\n\n  \n"); got != "" {
		t.Fatalf("got %q want empty", got)
	}
}

func TestCappedWriterDiscardsOverflow(t *testing.T) {
	var buf bytes.Buffer
	w := &cappedWriter{buf: &buf, max: 5}

	n, err := w.Write([]byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if n != len("hello world") {
		t.Fatalf("Write must report full length written to satisfy io.Writer, got %d", n)
	}
	if buf.String() != "hello" {
		t.Fatalf("expected buffer capped at 5 bytes, got %q", buf.String())
	}

	// Further writes past the cap are silently discarded, not appended.
	w.Write([]byte("more"))
	if buf.String() != "hello" {
		t.Fatalf("expected no growth past cap, got %q", buf.String())
	}
	if !w.truncated {
		t.Fatal("expected truncated flag set once a write overflowed the cap")
	}
}

func TestCappedWriterNotTruncatedWhenUnderCap(t *testing.T) {
	var buf bytes.Buffer
	w := &cappedWriter{buf: &buf, max: 100}
	w.Write([]byte("hello"))
	if w.truncated {
		t.Fatal("expected truncated flag unset when writes stay under the cap")
	}
}

func TestWriteRunLogWritesFileWithTruncatedMarker(t *testing.T) {
	dir := t.TempDir()
	r := &ContainerRunner{logDir: dir, logger: slog.Default()}

	r.writeRunLog("g2-main-jid1", []byte("out"), []byte("err"), true)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one run log file, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !bytes.Contains(data, []byte("TRUNCATED")) {
		t.Fatalf("expected TRUNCATED marker in log content, got %q", content)
	}
	if !bytes.Contains(data, []byte("out")) || !bytes.Contains(data, []byte("err")) {
		t.Fatalf("expected both stdout and stderr content present, got %q", content)
	}
}

func TestWriteRunLogNoopWithoutLogDir(t *testing.T) {
	r := &ContainerRunner{logger: slog.Default()}
	// Must not panic or attempt any filesystem write when logDir is unset.
	r.writeRunLog("g2-main-jid1", []byte("out"), []byte("err"), false)
}
