package queue

import (
	"io"
	"sync"
	"testing"
	"time"
)

func TestEnqueueMessageCheckRunsFIFOPerJID(t *testing.T) {
	q := NewGroupQueue(4, nil)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, 3)

	for i := 0; i < 3; i++ {
		i := i
		q.EnqueueMessageCheck("jid-1", func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			done <- struct{}{}
			return nil
		})
	}

	for i := 0; i < 3; i++ {
		<-done
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("expected FIFO order [0 1 2], got %v", order)
	}
}

func TestCrossJIDConcurrencyBoundedBySemaphore(t *testing.T) {
	q := NewGroupQueue(1, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	secondStarted := make(chan struct{}, 1)

	q.EnqueueMessageCheck("jid-a", func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	go q.EnqueueMessageCheck("jid-b", func() error {
		secondStarted <- struct{}{}
		return nil
	})

	select {
	case <-secondStarted:
		t.Fatal("second JID's work ran before the first released its semaphore slot")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-secondStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("second JID's work never ran after the first finished")
	}
}

func TestSendMessageFalseWhenNoLiveProcess(t *testing.T) {
	q := NewGroupQueue(2, nil)
	sent, err := q.SendMessage("jid-1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if sent {
		t.Fatal("expected SendMessage to report no live process")
	}
}

func TestHasLiveProcessReflectsRegistration(t *testing.T) {
	q := NewGroupQueue(2, nil)
	if q.HasLiveProcess("jid-1") {
		t.Fatal("expected no live process initially")
	}

	pr, pw := io.Pipe()
	go io.Copy(io.Discard, pr)
	q.RegisterProcess("jid-1", pw, "container-1", "main", func() {})
	if !q.HasLiveProcess("jid-1") {
		t.Fatal("expected live process after RegisterProcess")
	}

	if err := q.CloseStdin("jid-1"); err != nil {
		t.Fatal(err)
	}
	if q.HasLiveProcess("jid-1") {
		t.Fatal("expected no live process after CloseStdin")
	}
}

func TestShutdownReturnsNoLiveJIDsWhenIdle(t *testing.T) {
	q := NewGroupQueue(2, nil)
	live := q.Shutdown(100 * time.Millisecond)
	if len(live) != 0 {
		t.Fatalf("expected no live jids, got %v", live)
	}
}

func TestShutdownForceKillsStuckJID(t *testing.T) {
	q := NewGroupQueue(2, nil)

	pr, pw := io.Pipe()
	go io.Copy(io.Discard, pr)

	killed := make(chan struct{})
	q.RegisterProcess("jid-1", pw, "container-1", "main", func() {
		close(killed)
	})

	// Mark jid-1 as having in-flight work so Shutdown sees it as live.
	st := q.stateFor("jid-1")
	st.mu.Lock()
	st.running = true
	st.mu.Unlock()

	stuck := q.Shutdown(50 * time.Millisecond)
	if len(stuck) != 1 || stuck[0] != "jid-1" {
		t.Fatalf("expected jid-1 reported stuck, got %v", stuck)
	}

	select {
	case <-killed:
	case <-time.After(time.Second):
		t.Fatal("expected kill func invoked for jid still live past shutdown deadline")
	}
}
