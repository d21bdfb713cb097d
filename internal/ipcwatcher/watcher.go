// Package ipcwatcher implements the agent-facing IPC surface: an
// event+poll hybrid watch over DATA_DIR/ipc/<groupFolder>/{messages,tasks}
// directories, dispatching each dropped command file to an authorization-
// gated handler and quarantining whatever a handler can't make sense of.
package ipcwatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kaelstrand/g2host/internal/auth"
	"github.com/kaelstrand/g2host/internal/channels"
	"github.com/kaelstrand/g2host/internal/containerrt"
	"github.com/kaelstrand/g2host/internal/queue"
	"github.com/kaelstrand/g2host/internal/store"
)

const errorsDirName = "errors"

// Deps bundles the collaborators Watcher needs to apply IPC commands.
type Deps struct {
	Store    store.StateStore
	Registry *channels.Registry
	Queue    *queue.GroupQueue
	Mounts   *containerrt.MountBuilder
	Policy   *auth.Policy
	Location *time.Location
}

// Watcher is the IPC command-file watcher: a recursive fsnotify watch
// over DATA_DIR/ipc plus a polling fallback, both funneled through the
// same processIpcFiles pass.
type Watcher struct {
	ipcRoot  string
	store    store.StateStore
	registry *channels.Registry
	queue    *queue.GroupQueue
	mounts   *containerrt.MountBuilder
	policy   *auth.Policy
	location *time.Location
	logger   *slog.Logger

	pollInterval time.Duration
	processing   atomic.Bool
	fsw          *fsnotify.Watcher
}

// NewWatcher creates a Watcher rooted at <dataDir>/ipc.
func NewWatcher(dataDir string, deps Deps, pollInterval time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Watcher{
		ipcRoot: filepath.Join(dataDir, "ipc"), store: deps.Store, registry: deps.Registry,
		queue: deps.Queue, mounts: deps.Mounts, policy: deps.Policy, location: deps.Location,
		pollInterval: pollInterval, logger: logger,
	}
}

// Run establishes the fsnotify watch and blocks, processing command files
// as they arrive (or, failing that, on the polling fallback) until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.ipcRoot, errorsDirName), 0o755); err != nil {
		return fmt.Errorf("ipcwatcher: ensure errors dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ipcwatcher: new fsnotify watcher: %w", err)
	}
	w.fsw = fsw
	defer fsw.Close()

	w.addExistingWatches()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	w.processIpcFiles(ctx) // initial catch-up pass, e.g. files dropped before startup

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleFsEvent(event)
			// Debounce bursts of writes into a single rebuild 200ms later.
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(200 * time.Millisecond)

		case <-debounce.C:
			w.processIpcFiles(ctx)

		case <-poll.C:
			w.processIpcFiles(ctx)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("ipcwatcher: fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(event.Name)
		}
	}
}

// addExistingWatches walks the current ipc tree and adds a watch for
// every directory except errors/. fsnotify is not recursive, so every
// directory level needs its own Add.
func (w *Watcher) addExistingWatches() {
	_ = w.fsw.Add(w.ipcRoot)
	entries, err := os.ReadDir(w.ipcRoot)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == errorsDirName {
			continue
		}
		w.watchGroupDirs(e.Name())
	}
}

// watchGroupDirs adds watches for one group's messages/, tasks/,
// responses/ and input/ directories, creating them first if absent.
func (w *Watcher) watchGroupDirs(folder string) {
	for _, sub := range []string{"messages", "tasks", "responses", "input"} {
		dir := filepath.Join(w.ipcRoot, folder, sub)
		_ = os.MkdirAll(dir, 0o755)
		if w.fsw != nil {
			_ = w.fsw.Add(dir)
		}
	}
}

// processIpcFiles is guarded by the processing flag so overlapping
// triggers (a burst of fsnotify events arriving while a poll pass is
// still running) coalesce into a single pass rather than racing.
func (w *Watcher) processIpcFiles(ctx context.Context) {
	if !w.processing.CompareAndSwap(false, true) {
		return
	}
	defer w.processing.Store(false)

	entries, err := os.ReadDir(w.ipcRoot)
	if err != nil {
		w.logger.Warn("ipcwatcher: read ipc root failed", "error", err)
		return
	}

	for _, e := range entries {
		if !e.IsDir() || e.Name() == errorsDirName {
			continue
		}
		sourceGroup := e.Name()
		isMain := sourceGroup == store.MainGroupFolder
		w.processMessages(ctx, sourceGroup)
		w.processTasks(ctx, sourceGroup, isMain)
	}
}

func (w *Watcher) processMessages(ctx context.Context, sourceGroup string) {
	dir := filepath.Join(w.ipcRoot, sourceGroup, "messages")
	for _, path := range jsonFilesIn(dir) {
		if err := w.handleMessageFile(ctx, sourceGroup, path); err != nil {
			w.logger.Warn("ipcwatcher: message file failed", "sourceGroup", sourceGroup, "file", filepath.Base(path), "error", err)
			w.quarantine(sourceGroup, path)
			continue
		}
		os.Remove(path)
	}
}

func (w *Watcher) handleMessageFile(ctx context.Context, sourceGroup, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cmd envelope
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	if cmd.Type != "message" || cmd.ChatJID == "" || cmd.Text == "" {
		return nil // malformed by omission; drop silently rather than quarantine
	}

	targetFolder := sourceGroup
	if target, ok, err := w.store.GetGroupByJID(cmd.ChatJID); err == nil && ok {
		targetFolder = target.Folder
	}
	if !w.policy.CanSendMessage(sourceGroup, targetFolder) {
		w.logger.Warn("ipcwatcher: unauthorized message send", "sourceGroup", sourceGroup, "targetFolder", targetFolder)
		return nil
	}
	return w.registry.Send(ctx, cmd.ChatJID, cmd.Text)
}

func (w *Watcher) processTasks(ctx context.Context, sourceGroup string, isMain bool) {
	dir := filepath.Join(w.ipcRoot, sourceGroup, "tasks")
	for _, path := range jsonFilesIn(dir) {
		w.handleTaskFile(ctx, sourceGroup, isMain, path)
	}
}

func (w *Watcher) handleTaskFile(ctx context.Context, sourceGroup string, isMain bool, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("ipcwatcher: read task file failed", "file", filepath.Base(path), "error", err)
		w.quarantine(sourceGroup, path)
		return
	}
	var cmd envelope
	if err := json.Unmarshal(data, &cmd); err != nil {
		w.logger.Warn("ipcwatcher: malformed task file", "file", filepath.Base(path), "error", err)
		w.quarantine(sourceGroup, path)
		return
	}

	handler, ok := handlers[cmd.Type]
	if !ok {
		w.logger.Warn("ipcwatcher: unknown command type", "sourceGroup", sourceGroup, "type", cmd.Type)
		os.Remove(path)
		return
	}

	if err := handler(ctx, w, sourceGroup, isMain, cmd); err != nil {
		if ihe, ok := err.(*IpcHandlerError); ok {
			w.logger.Warn("ipcwatcher: handler error", "command", ihe.Command, "details", ihe.Details, "error", ihe.Err)
		} else {
			w.logger.Error("ipcwatcher: handler error", "command", cmd.Type, "error", err)
		}
		w.quarantine(sourceGroup, path)
		return
	}
	os.Remove(path)
}

func (w *Watcher) quarantine(sourceGroup, path string) {
	if err := os.MkdirAll(filepath.Join(w.ipcRoot, errorsDirName), 0o755); err != nil {
		w.logger.Warn("ipcwatcher: ensure errors dir failed", "error", err)
	}
	dest := filepath.Join(w.ipcRoot, errorsDirName, fmt.Sprintf("%s-%s", sourceGroup, filepath.Base(path)))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Warn("ipcwatcher: quarantine failed", "path", path, "error", err)
	}
}

// writeResponse publishes v to responses/<requestId>.json via tmp+rename.
func (w *Watcher) writeResponse(sourceGroup, requestID string, v interface{}) error {
	dir := filepath.Join(w.ipcRoot, sourceGroup, "responses")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dest := filepath.Join(dir, requestID+".json")
	tmp := fmt.Sprintf("%s.tmp-%d", dest, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (w *Watcher) closeOwningStdin(groupFolder string) {
	group, ok, err := w.store.GetGroupByFolder(groupFolder)
	if err != nil || !ok {
		return
	}
	_ = w.queue.CloseStdin(group.JID)
}

func jsonFilesIn(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out
}
