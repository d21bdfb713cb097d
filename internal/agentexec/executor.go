// Package agentexec adapts a registered group and a formatted prompt
// into a ContainerRunner invocation, taking care of the pre-spawn
// snapshot writes and the immediate session-id threading back into the
// store that the rest of the host relies on for session continuity.
package agentexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kaelstrand/g2host/internal/runner"
	"github.com/kaelstrand/g2host/internal/store"
)

// Runner is the subset of ContainerRunner's contract AgentExecutor needs,
// narrowed to an interface so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, group *store.RegisteredGroup, isMain bool, input runner.Input, timeouts runner.TimeoutConfig, onProcess runner.OnProcessFunc, onOutput runner.OnOutputFunc) (runner.ContainerOutput, error)
}

// AgentExecutor adapts (RegisteredGroup, prompt) into a ContainerRunner
// call, writing the three pre-spawn IPC snapshots the agent reads for
// context.
type AgentExecutor struct {
	runnr   Runner
	st      store.StateStore
	dataDir string
	logger  *slog.Logger
}

// NewAgentExecutor creates an AgentExecutor.
func NewAgentExecutor(runnr Runner, st store.StateStore, dataDir string, logger *slog.Logger) *AgentExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentExecutor{runnr: runnr, st: st, dataDir: dataDir, logger: logger}
}

// Result is the outcome AgentExecutor hands back to callers (pipeline,
// scheduler), already translated from the runner's internal statuses.
type Result struct {
	Status string // "success" | "error"
	Text   string
	Error  string
}

// Execute writes the pre-spawn snapshots, invokes ContainerRunner, and
// wraps onOutput so any frame carrying newSessionId updates the session
// store immediately rather than only at process exit.
func (e *AgentExecutor) Execute(ctx context.Context, group *store.RegisteredGroup, prompt, chatJid string, sessionID string, isScheduledTask bool, timeouts runner.TimeoutConfig, onProcess runner.OnProcessFunc, onOutput runner.OnOutputFunc) (Result, error) {
	isMain := group.IsMain()

	if err := e.writeSnapshots(group, isMain); err != nil {
		e.logger.Warn("agentexec: snapshot write failed, proceeding anyway", "groupFolder", group.Folder, "error", err)
	}

	wrappedOutput := func(frame runner.Frame) {
		if frame.NewSessionID != "" {
			if err := e.st.SetSession(group.Folder, frame.NewSessionID); err != nil {
				e.logger.Warn("agentexec: failed to persist new session id", "groupFolder", group.Folder, "error", err)
			}
		}
		if onOutput != nil {
			onOutput(frame)
		}
	}

	var effectiveOnOutput runner.OnOutputFunc
	if onOutput != nil {
		effectiveOnOutput = wrappedOutput
	}

	input := runner.Input{
		Prompt: prompt, SessionID: sessionID, GroupFolder: group.Folder,
		ChatJID: chatJid, IsMain: isMain, IsScheduledTask: isScheduledTask,
	}

	out, err := e.runnr.Run(ctx, group, isMain, input, timeouts, onProcess, effectiveOnOutput)
	if err != nil {
		return Result{Status: "error", Error: err.Error()}, err
	}

	if out.NewSessionID != "" && effectiveOnOutput == nil {
		// Batch mode: the wrapper above never ran, so persist here instead.
		if err := e.st.SetSession(group.Folder, out.NewSessionID); err != nil {
			e.logger.Warn("agentexec: failed to persist new session id (batch mode)", "groupFolder", group.Folder, "error", err)
		}
	}

	result := Result{Status: out.Status, Error: out.Error}
	if out.Result != nil {
		result.Text = *out.Result
	}
	return result, nil
}

// writeSnapshots writes current_tasks.json, available_groups.json and
// session_history.json into the group's IPC directory, atomically
// (tmp+rename), before the container is spawned.
func (e *AgentExecutor) writeSnapshots(group *store.RegisteredGroup, isMain bool) error {
	ipcDir := filepath.Join(e.dataDir, "ipc", group.Folder)
	if err := os.MkdirAll(ipcDir, 0o755); err != nil {
		return fmt.Errorf("agentexec: ensure ipc dir: %w", err)
	}

	tasks, err := e.st.ListTasksByFolder(group.Folder)
	if err != nil {
		return fmt.Errorf("agentexec: list tasks: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(ipcDir, "current_tasks.json"), tasks); err != nil {
		return err
	}

	var availableGroups []store.RegisteredGroup
	if isMain {
		all, err := e.st.ListGroups()
		if err != nil {
			return fmt.Errorf("agentexec: list groups: %w", err)
		}
		availableGroups = all
	}
	if err := writeJSONAtomic(filepath.Join(ipcDir, "available_groups.json"), availableGroups); err != nil {
		return err
	}

	archives, err := e.st.SearchArchives(group.Folder, "")
	if err != nil {
		return fmt.Errorf("agentexec: search archives: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(ipcDir, "session_history.json"), archives); err != nil {
		return err
	}

	return nil
}

// writeJSONAtomic marshals v and publishes it via a tmp-file-then-rename
// so a concurrent reader (the in-container agent-runner) never observes
// a partially written snapshot.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("agentexec: marshal %s: %w", filepath.Base(path), err)
	}

	tmp := fmt.Sprintf("%s.tmp-%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("agentexec: write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("agentexec: publish snapshot: %w", err)
	}
	return nil
}
