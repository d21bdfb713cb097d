// Package scheduler implements TaskScheduler: due-task polling, the
// at-most-once atomic claim, and scheduling arithmetic that advances
// each task to its next occurrence after a run.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kaelstrand/g2host/internal/agentexec"
	"github.com/kaelstrand/g2host/internal/format"
	"github.com/kaelstrand/g2host/internal/queue"
	"github.com/kaelstrand/g2host/internal/runner"
	"github.com/kaelstrand/g2host/internal/store"
)

// Deps bundles the collaborators a task run needs, so TaskScheduler
// itself stays free of channel concerns.
type Deps struct {
	Store       store.StateStore
	Queue       *queue.GroupQueue
	Executor    *agentexec.AgentExecutor
	SendMessage func(jid, text string) error
	Timeouts    func(group *store.RegisteredGroup) runner.TimeoutConfig
	Location    *time.Location
	IdleTimeout time.Duration
}

// TaskScheduler polls for due tasks and dispatches claimed ones onto the
// GroupQueue as task-run work items.
type TaskScheduler struct {
	deps         Deps
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewTaskScheduler creates a TaskScheduler.
func NewTaskScheduler(deps Deps, pollInterval time.Duration, logger *slog.Logger) *TaskScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskScheduler{deps: deps, pollInterval: pollInterval, logger: logger}
}

// Run polls at pollInterval until ctx is cancelled.
func (s *TaskScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *TaskScheduler) pollOnce(ctx context.Context) {
	due, err := s.deps.Store.GetDueTasks(timeNow())
	if err != nil {
		s.logger.Warn("scheduler: get due tasks failed", "error", err)
		return
	}

	for _, task := range due {
		task := task
		claimed, err := s.deps.Store.ClaimTask(task.ID)
		if err != nil {
			s.logger.Warn("scheduler: claim task failed", "taskId", task.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		s.deps.Queue.EnqueueTask(task.ChatJID, task.ID, func() error {
			return s.runTask(ctx, &task)
		})
	}
}

func (s *TaskScheduler) runTask(ctx context.Context, task *store.ScheduledTask) error {
	group, ok, err := s.deps.Store.GetGroupByFolder(task.GroupFolder)
	if err != nil || !ok {
		s.logger.Error("scheduler: group missing for task", "taskId", task.ID, "groupFolder", task.GroupFolder, "error", err)
		_ = s.deps.Store.AppendTaskRunLog(store.TaskRunLog{
			TaskID: task.ID, StartedAt: timeNow(), Status: "error", Result: "group not found",
		})
		return s.deps.Store.RestoreNextRun(task.ID, task.NextRun)
	}

	var sessionID string
	if task.ContextMode == store.ContextGroup {
		if sid, ok, err := s.deps.Store.GetSession(task.GroupFolder); err == nil && ok {
			sessionID = sid
		}
	}

	start := timeNow()
	idleTimer := time.AfterFunc(s.deps.IdleTimeout, func() {
		_ = s.deps.Queue.CloseStdin(task.ChatJID)
	})
	defer idleTimer.Stop()

	onOutput := func(frame runner.Frame) {
		if frame.Result != nil {
			idleTimer.Reset(s.deps.IdleTimeout)
		}
		text := format.FormatOutbound(derefOrEmpty(frame.Result))
		if text != "" {
			if err := s.deps.SendMessage(task.ChatJID, text); err != nil {
				s.logger.Warn("scheduler: send failed", "taskId", task.ID, "error", err)
			}
		}
	}

	timeouts := s.deps.Timeouts(group)
	onProcess := func(containerName string, stdin io.WriteCloser, kill func()) {
		s.deps.Queue.RegisterProcess(task.ChatJID, stdin, containerName, task.GroupFolder, kill)
	}
	result, execErr := s.deps.Executor.Execute(ctx, group, task.Prompt, task.ChatJID, sessionID, true, timeouts, onProcess, onOutput)
	s.deps.Queue.UnregisterProcess(task.ChatJID)

	duration := time.Since(start).Milliseconds()
	status := "success"
	summary := result.Text
	if execErr != nil || result.Status == "error" {
		status = "error"
		summary = result.Error
	}

	if err := s.deps.Store.AppendTaskRunLog(store.TaskRunLog{
		TaskID: task.ID, StartedAt: start, DurationMS: duration, Status: status, Result: summary,
	}); err != nil {
		s.logger.Warn("scheduler: append run log failed", "taskId", task.ID, "error", err)
	}

	nextRun, err := NextRun(task.ScheduleType, task.ScheduleValue, timeNow(), s.deps.Location)
	if err != nil {
		s.logger.Warn("scheduler: computing next run failed", "taskId", task.ID, "error", err)
	}

	finalStatus := store.TaskActive
	if task.ScheduleType == store.ScheduleOnce {
		finalStatus = store.TaskCompleted
	}

	if err := s.deps.Store.UpdateTaskAfterRun(task.ID, nextRun, finalStatus, summary); err != nil {
		return fmt.Errorf("scheduler: update task after run: %w", err)
	}
	return nil
}

func timeNow() time.Time { return time.Now() }

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
