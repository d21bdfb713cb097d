package channels

import (
	"errors"
	"testing"
)

func TestFlushPreservesHeadOnError(t *testing.T) {
	q := NewOutgoingMessageQueue()
	q.Enqueue("a@g.us", "first")
	q.Enqueue("b@g.us", "second")

	q.Flush(func(jid, text string) error {
		return errors.New("send failed")
	})

	if q.Size() != 2 {
		t.Fatalf("expected both items to survive a failed send, got size=%d", q.Size())
	}
}

func TestFlushDequeuesInOrderOnSuccess(t *testing.T) {
	q := NewOutgoingMessageQueue()
	q.Enqueue("a@g.us", "first")
	q.Enqueue("b@g.us", "second")

	var sent []string
	q.Flush(func(jid, text string) error {
		sent = append(sent, text)
		return nil
	})

	if q.Size() != 0 {
		t.Fatalf("expected queue drained, got size=%d", q.Size())
	}
	if len(sent) != 2 || sent[0] != "first" || sent[1] != "second" {
		t.Fatalf("sends reordered: %v", sent)
	}
}

func TestFlushReentranceGuard(t *testing.T) {
	q := NewOutgoingMessageQueue()
	q.Enqueue("a@g.us", "first")

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		q.Flush(func(jid, text string) error {
			close(started)
			<-release
			return nil
		})
		close(done)
	}()

	<-started
	// A concurrent Flush call must be a no-op while the first is in flight.
	q.Flush(func(jid, text string) error {
		t.Fatal("second concurrent Flush must not invoke send")
		return nil
	})

	close(release)
	<-done

	if q.Size() != 0 {
		t.Fatalf("expected first flush to have drained the queue, size=%d", q.Size())
	}
}

func TestFlushClearsGuardAfterError(t *testing.T) {
	q := NewOutgoingMessageQueue()
	q.Enqueue("a@g.us", "first")

	q.Flush(func(jid, text string) error { return errors.New("boom") })

	// The guard must be cleared even though send errored, so a later
	// Flush call can retry.
	var sent bool
	q.Flush(func(jid, text string) error {
		sent = true
		return nil
	})
	if !sent {
		t.Fatal("flushing flag was not cleared on the error path")
	}
}
