package ipcwatcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kaelstrand/g2host/internal/auth"
	"github.com/kaelstrand/g2host/internal/channels"
	"github.com/kaelstrand/g2host/internal/containerrt"
	"github.com/kaelstrand/g2host/internal/queue"
	"github.com/kaelstrand/g2host/internal/store"
)

type fakeAdapter struct {
	mu   sync.Mutex
	jid  string
	sent []string
}

func (f *fakeAdapter) Name() string                            { return "fake" }
func (f *fakeAdapter) Connect(ctx context.Context) error        { return nil }
func (f *fakeAdapter) Disconnect() error                       { return nil }
func (f *fakeAdapter) IsConnected() bool                        { return true }
func (f *fakeAdapter) OwnsJID(jid string) bool                  { return jid == f.jid }
func (f *fakeAdapter) SendMessage(ctx context.Context, jid, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func newTestWatcher(t *testing.T) (*Watcher, store.StateStore, string) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ipc.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	dataDir := t.TempDir()
	projectRoot := t.TempDir()
	allowlist := filepath.Join(t.TempDir(), "allowlist.txt")
	if err := os.WriteFile(allowlist, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	mounts := containerrt.NewMountBuilder(projectRoot, dataDir, t.TempDir(), "", "", allowlist, nil)

	registry := channels.NewRegistry()
	q := queue.NewGroupQueue(4, nil)
	policy := auth.NewPolicy(store.MainGroupFolder)

	w := NewWatcher(dataDir, Deps{
		Store: st, Registry: registry, Queue: q, Mounts: mounts, Policy: policy, Location: time.UTC,
	}, 50*time.Millisecond, nil)

	if err := st.RegisterGroup(store.RegisteredGroup{JID: "main-jid", Folder: store.MainGroupFolder, Name: "Main"}); err != nil {
		t.Fatal(err)
	}
	return w, st, dataDir
}

func writeCommand(t *testing.T, dataDir, folder, subdir, name string, v interface{}) string {
	t.Helper()
	dir := filepath.Join(dataDir, "ipc", folder, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRegisterGroupFromMainCreatesGroupAndWorkspace(t *testing.T) {
	w, st, dataDir := newTestWatcher(t)

	path := writeCommand(t, dataDir, store.MainGroupFolder, "tasks", "register.json", envelope{
		Type: "register_group", JID: "new-jid", Name: "New Group", Folder: "newgroup",
	})

	w.handleTaskFile(context.Background(), store.MainGroupFolder, true, path)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected command file consumed, stat err=%v", err)
	}
	group, ok, err := st.GetGroupByFolder("newgroup")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || group.JID != "new-jid" {
		t.Fatalf("expected newgroup registered, got ok=%v group=%+v", ok, group)
	}
}

func TestRegisterGroupFromNonMainIsDroppedNotCreated(t *testing.T) {
	w, st, dataDir := newTestWatcher(t)
	if err := st.RegisterGroup(store.RegisteredGroup{JID: "other-jid", Folder: "other", Name: "Other"}); err != nil {
		t.Fatal(err)
	}

	path := writeCommand(t, dataDir, "other", "tasks", "register.json", envelope{
		Type: "register_group", JID: "sneaky-jid", Name: "Sneaky", Folder: "sneaky",
	})

	w.handleTaskFile(context.Background(), "other", false, path)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected command file consumed (dropped), stat err=%v", err)
	}
	_, ok, err := st.GetGroupByFolder("sneaky")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected unauthorized register_group to create no row")
	}
}

func TestMalformedTaskFileIsQuarantined(t *testing.T) {
	w, _, dataDir := newTestWatcher(t)
	dir := filepath.Join(dataDir, "ipc", store.MainGroupFolder, "tasks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	w.handleTaskFile(context.Background(), store.MainGroupFolder, true, path)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected malformed file removed from tasks/")
	}
	quarantined := filepath.Join(dataDir, "ipc", errorsDirName, store.MainGroupFolder+"-bad.json")
	if _, err := os.Stat(quarantined); err != nil {
		t.Fatalf("expected file quarantined at %s: %v", quarantined, err)
	}
}

func TestHandlerErrorIsQuarantinedWithDetails(t *testing.T) {
	w, _, dataDir := newTestWatcher(t)

	path := writeCommand(t, dataDir, store.MainGroupFolder, "tasks", "pause.json", envelope{
		Type: "pause_task", TaskID: "does-not-exist",
	})

	w.handleTaskFile(context.Background(), store.MainGroupFolder, true, path)

	quarantined := filepath.Join(dataDir, "ipc", errorsDirName, store.MainGroupFolder+"-pause.json")
	if _, err := os.Stat(quarantined); err != nil {
		t.Fatalf("expected unresolvable task id to quarantine the command file: %v", err)
	}
}

func TestScheduleTaskCreatesActiveTaskWithComputedNextRun(t *testing.T) {
	w, st, dataDir := newTestWatcher(t)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	path := writeCommand(t, dataDir, store.MainGroupFolder, "tasks", "schedule.json", envelope{
		Type: "schedule_task", TargetFolder: store.MainGroupFolder, Prompt: "do the thing",
		ScheduleType: "once", ScheduleValue: future,
	})

	w.handleTaskFile(context.Background(), store.MainGroupFolder, true, path)

	tasks, err := st.ListTasksByFolder(store.MainGroupFolder)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one scheduled task, got %d", len(tasks))
	}
	if tasks[0].Status != store.TaskActive || tasks[0].NextRun == nil {
		t.Fatalf("expected active task with a computed next_run, got %+v", tasks[0])
	}
}

func TestSearchSessionsWritesResponseFile(t *testing.T) {
	w, st, dataDir := newTestWatcher(t)
	if err := st.ArchiveSession(store.ArchivedSession{
		GroupFolder: store.MainGroupFolder, SessionID: "sess-1", Name: "weekly standup", ArchivedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	path := writeCommand(t, dataDir, store.MainGroupFolder, "tasks", "search.json", envelope{
		Type: "search_sessions", RequestID: "req-1", Query: "standup",
	})

	w.handleTaskFile(context.Background(), store.MainGroupFolder, true, path)

	respPath := filepath.Join(dataDir, "ipc", store.MainGroupFolder, "responses", "req-1.json")
	data, err := os.ReadFile(respPath)
	if err != nil {
		t.Fatalf("expected response file written: %v", err)
	}
	var results []store.ArchivedSession
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Name != "weekly standup" {
		t.Fatalf("expected the matching archive in the response, got %+v", results)
	}
}

func TestMessageFileRoutesViaRegistryWhenAuthorized(t *testing.T) {
	w, st, dataDir := newTestWatcher(t)
	if err := st.RegisterGroup(store.RegisteredGroup{JID: "target-jid", Folder: "target", Name: "Target"}); err != nil {
		t.Fatal(err)
	}
	adapter := &fakeAdapter{jid: "target-jid"}
	if err := w.registry.Register(adapter); err != nil {
		t.Fatal(err)
	}
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	path := writeCommand(t, dataDir, store.MainGroupFolder, "messages", "msg.json", envelope{
		Type: "message", ChatJID: "target-jid", Text: "hello from main",
	})

	if err := w.handleMessageFile(context.Background(), store.MainGroupFolder, path); err != nil {
		t.Fatal(err)
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.sent) != 1 || adapter.sent[0] != "hello from main" {
		t.Fatalf("expected the message routed through the owning adapter, got %+v", adapter.sent)
	}
}

func TestMessageFileDroppedWhenUnauthorized(t *testing.T) {
	w, st, dataDir := newTestWatcher(t)
	if err := st.RegisterGroup(store.RegisteredGroup{JID: "other-jid-1", Folder: "groupA", Name: "A"}); err != nil {
		t.Fatal(err)
	}
	if err := st.RegisterGroup(store.RegisteredGroup{JID: "other-jid-2", Folder: "groupB", Name: "B"}); err != nil {
		t.Fatal(err)
	}
	adapter := &fakeAdapter{jid: "other-jid-2"}
	if err := w.registry.Register(adapter); err != nil {
		t.Fatal(err)
	}

	path := writeCommand(t, dataDir, "groupA", "messages", "msg.json", envelope{
		Type: "message", ChatJID: "other-jid-2", Text: "cross-group message",
	})

	if err := w.handleMessageFile(context.Background(), "groupA", path); err != nil {
		t.Fatal(err)
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.sent) != 0 {
		t.Fatalf("expected unauthorized cross-group send to be dropped, got %+v", adapter.sent)
	}
}
