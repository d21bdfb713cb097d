package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kaelstrand/g2host/internal/agentexec"
	"github.com/kaelstrand/g2host/internal/queue"
	"github.com/kaelstrand/g2host/internal/runner"
	"github.com/kaelstrand/g2host/internal/store"
)

type fakeRunner struct {
	result runner.ContainerOutput
}

func (f *fakeRunner) Run(ctx context.Context, group *store.RegisteredGroup, isMain bool, input runner.Input, timeouts runner.TimeoutConfig, onProcess runner.OnProcessFunc, onOutput runner.OnOutputFunc) (runner.ContainerOutput, error) {
	return f.result, nil
}

func newTestScheduler(t *testing.T) (*TaskScheduler, store.StateStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sched.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.RegisterGroup(store.RegisteredGroup{JID: "jid-1", Folder: "main", Name: "Main"}); err != nil {
		t.Fatal(err)
	}

	q := queue.NewGroupQueue(4, nil)
	exec := agentexec.NewAgentExecutor(&fakeRunner{result: runner.ContainerOutput{Status: "success"}}, st, t.TempDir(), nil)

	deps := Deps{
		Store:    st,
		Queue:    q,
		Executor: exec,
		SendMessage: func(jid, text string) error {
			return nil
		},
		Timeouts: func(g *store.RegisteredGroup) runner.TimeoutConfig {
			return runner.TimeoutConfig{HardTimeout: 5 * time.Second}
		},
		Location:    time.UTC,
		IdleTimeout: 2 * time.Second,
	}
	return NewTaskScheduler(deps, 10*time.Millisecond, nil), st
}

func TestPollOnceDispatchesDueTaskExactlyOnce(t *testing.T) {
	s, st := newTestScheduler(t)

	past := time.Now().Add(-time.Minute)
	task := store.ScheduledTask{
		ID: "task-1", GroupFolder: "main", ChatJID: "jid-1", Prompt: "hello",
		ScheduleType: store.ScheduleOnce, ScheduleValue: past.Format(time.RFC3339),
		ContextMode: store.ContextIsolated, NextRun: &past, Status: store.TaskActive,
	}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	s.pollOnce(context.Background())

	// Give the async queue drain goroutine time to run the task.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, ok, err := st.GetTask("task-1")
		if err != nil {
			t.Fatal(err)
		}
		if ok && got.Status == store.TaskCompleted {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	got, ok, err := st.GetTask("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected task to still exist")
	}
	if got.Status != store.TaskCompleted {
		t.Fatalf("expected once-task to complete after firing, got status=%s", got.Status)
	}
	if got.NextRun != nil {
		t.Fatalf("expected next_run nil after a completed once-task, got %v", got.NextRun)
	}
}

func TestPollOnceSkipsTaskNotYetDue(t *testing.T) {
	s, st := newTestScheduler(t)

	future := time.Now().Add(time.Hour)
	task := store.ScheduledTask{
		ID: "task-2", GroupFolder: "main", ChatJID: "jid-1", Prompt: "hello",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "3600000",
		ContextMode: store.ContextIsolated, NextRun: &future, Status: store.TaskActive,
	}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	s.pollOnce(context.Background())
	time.Sleep(50 * time.Millisecond)

	got, ok, err := st.GetTask("task-2")
	if err != nil || !ok {
		t.Fatal("expected task to still exist")
	}
	if got.Status != store.TaskActive || got.NextRun == nil {
		t.Fatalf("expected untouched future task, got %+v", got)
	}
}
