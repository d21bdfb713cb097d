package ipcwatcher

import (
	"context"
	"time"

	"github.com/kaelstrand/g2host/internal/scheduler"
	"github.com/kaelstrand/g2host/internal/store"
)

// handlerFunc applies one command envelope on behalf of sourceGroup,
// optionally writing a response file of its own (search_sessions does).
// A non-nil error quarantines the source command file.
type handlerFunc func(ctx context.Context, w *Watcher, sourceGroup string, isMain bool, cmd envelope) error

var handlers = map[string]handlerFunc{
	"register_group":  handleRegisterGroup,
	"refresh_groups":  handleRefreshGroups,
	"schedule_task":   handleScheduleTask,
	"pause_task":      handlePauseTask,
	"resume_task":     handleResumeTask,
	"cancel_task":     handleCancelTask,
	"clear_session":   handleClearSession,
	"resume_session":  handleResumeSession,
	"search_sessions": handleSearchSessions,
	"archive_session": handleArchiveSession,
}

func handleRegisterGroup(ctx context.Context, w *Watcher, sourceGroup string, isMain bool, cmd envelope) error {
	if !w.policy.CanRegisterGroup(sourceGroup) {
		w.logger.Warn("ipcwatcher: unauthorized register_group", "sourceGroup", sourceGroup)
		return nil
	}
	if cmd.JID == "" || cmd.Folder == "" {
		return handlerError("register_group", errMissingField, map[string]any{"jid": cmd.JID, "folder": cmd.Folder})
	}
	group := store.RegisteredGroup{
		JID: cmd.JID, Name: cmd.Name, Folder: cmd.Folder, Trigger: cmd.Trigger,
		RequiresTrigger: cmd.RequiresTrigger, AddedAt: time.Now(), Channel: cmd.Channel,
	}
	if err := w.store.RegisterGroup(group); err != nil {
		return handlerError("register_group", err, map[string]any{"folder": cmd.Folder})
	}
	if err := w.mounts.Prepare(&group, false); err != nil {
		return handlerError("register_group", err, map[string]any{"folder": cmd.Folder, "stage": "prepare workspace"})
	}
	w.watchGroupDirs(cmd.Folder)
	return nil
}

func handleRefreshGroups(ctx context.Context, w *Watcher, sourceGroup string, isMain bool, cmd envelope) error {
	if !w.policy.CanRefreshGroups(sourceGroup) {
		w.logger.Warn("ipcwatcher: unauthorized refresh_groups", "sourceGroup", sourceGroup)
		return nil
	}
	w.registry.SyncAll(ctx, true)
	return nil
}

func handleScheduleTask(ctx context.Context, w *Watcher, sourceGroup string, isMain bool, cmd envelope) error {
	targetFolder := cmd.TargetFolder
	if targetFolder == "" {
		targetFolder = sourceGroup
	}
	if !w.policy.CanScheduleTask(sourceGroup, targetFolder) {
		w.logger.Warn("ipcwatcher: unauthorized schedule_task", "sourceGroup", sourceGroup, "targetFolder", targetFolder)
		return nil
	}

	chatJid := cmd.ChatJID
	if chatJid == "" {
		group, ok, err := w.store.GetGroupByFolder(targetFolder)
		if err != nil {
			return handlerError("schedule_task", err, map[string]any{"targetFolder": targetFolder})
		}
		if !ok {
			return handlerError("schedule_task", errUnknownFolder, map[string]any{"targetFolder": targetFolder})
		}
		chatJid = group.JID
	}

	scheduleType := store.ScheduleType(cmd.ScheduleType)
	nextRun, err := scheduler.FirstRun(scheduleType, cmd.ScheduleValue, time.Now(), w.location)
	if err != nil {
		return handlerError("schedule_task", err, map[string]any{"scheduleType": cmd.ScheduleType, "scheduleValue": cmd.ScheduleValue})
	}

	contextMode := store.ContextMode(cmd.ContextMode)
	if contextMode == "" {
		contextMode = store.ContextGroup
	}

	task := store.ScheduledTask{
		GroupFolder: targetFolder, ChatJID: chatJid, Prompt: cmd.Prompt,
		ScheduleType: scheduleType, ScheduleValue: cmd.ScheduleValue,
		ContextMode: contextMode, NextRun: nextRun, Status: store.TaskActive, CreatedAt: time.Now(),
	}
	if err := w.store.CreateTask(task); err != nil {
		return handlerError("schedule_task", err, map[string]any{"targetFolder": targetFolder})
	}
	return nil
}

func handlePauseTask(ctx context.Context, w *Watcher, sourceGroup string, isMain bool, cmd envelope) error {
	return withOwnedTask(w, sourceGroup, cmd, "pause_task", func(task *store.ScheduledTask) error {
		return w.store.SetTaskStatus(task.ID, store.TaskPaused)
	})
}

func handleResumeTask(ctx context.Context, w *Watcher, sourceGroup string, isMain bool, cmd envelope) error {
	return withOwnedTask(w, sourceGroup, cmd, "resume_task", func(task *store.ScheduledTask) error {
		nextRun, err := scheduler.NextRun(task.ScheduleType, task.ScheduleValue, time.Now(), w.location)
		if err != nil {
			return err
		}
		if err := w.store.RestoreNextRun(task.ID, nextRun); err != nil {
			return err
		}
		return w.store.SetTaskStatus(task.ID, store.TaskActive)
	})
}

func handleCancelTask(ctx context.Context, w *Watcher, sourceGroup string, isMain bool, cmd envelope) error {
	return withOwnedTask(w, sourceGroup, cmd, "cancel_task", func(task *store.ScheduledTask) error {
		return w.store.DeleteTask(task.ID)
	})
}

func withOwnedTask(w *Watcher, sourceGroup string, cmd envelope, command string, apply func(task *store.ScheduledTask) error) error {
	if cmd.TaskID == "" {
		return handlerError(command, errMissingField, map[string]any{"taskId": cmd.TaskID})
	}
	task, ok, err := w.store.GetTask(cmd.TaskID)
	if err != nil {
		return handlerError(command, err, map[string]any{"taskId": cmd.TaskID})
	}
	if !ok {
		return handlerError(command, errUnknownTask, map[string]any{"taskId": cmd.TaskID})
	}
	if !w.policy.CanManageTask(sourceGroup, task.GroupFolder) {
		w.logger.Warn("ipcwatcher: unauthorized "+command, "sourceGroup", sourceGroup, "taskFolder", task.GroupFolder)
		return nil
	}
	return apply(task)
}

func handleClearSession(ctx context.Context, w *Watcher, sourceGroup string, isMain bool, cmd envelope) error {
	if cmd.Archive {
		if err := archiveCurrent(w, sourceGroup, cmd.ArchiveName); err != nil {
			return handlerError("clear_session", err, map[string]any{"groupFolder": sourceGroup})
		}
	}
	if err := w.store.DeleteSession(sourceGroup); err != nil {
		return handlerError("clear_session", err, map[string]any{"groupFolder": sourceGroup})
	}
	w.closeOwningStdin(sourceGroup)
	return nil
}

func handleResumeSession(ctx context.Context, w *Watcher, sourceGroup string, isMain bool, cmd envelope) error {
	if cmd.ArchiveID == "" {
		return handlerError("resume_session", errMissingField, map[string]any{"archiveId": cmd.ArchiveID})
	}
	archive, ok, err := w.store.GetArchive(cmd.ArchiveID)
	if err != nil {
		return handlerError("resume_session", err, map[string]any{"archiveId": cmd.ArchiveID})
	}
	if !ok {
		return handlerError("resume_session", errUnknownArchive, map[string]any{"archiveId": cmd.ArchiveID})
	}
	if !w.policy.CanManageSession(sourceGroup, archive.GroupFolder) {
		w.logger.Warn("ipcwatcher: unauthorized resume_session", "sourceGroup", sourceGroup, "archiveFolder", archive.GroupFolder)
		return nil
	}

	if cmd.Archive {
		if err := archiveCurrent(w, sourceGroup, cmd.ArchiveName); err != nil {
			return handlerError("resume_session", err, map[string]any{"groupFolder": sourceGroup})
		}
	}
	if err := w.store.SetSession(sourceGroup, archive.SessionID); err != nil {
		return handlerError("resume_session", err, map[string]any{"groupFolder": sourceGroup})
	}
	if err := w.store.DeleteArchive(archive.ID); err != nil {
		return handlerError("resume_session", err, map[string]any{"archiveId": archive.ID})
	}
	w.closeOwningStdin(sourceGroup)
	return nil
}

func handleSearchSessions(ctx context.Context, w *Watcher, sourceGroup string, isMain bool, cmd envelope) error {
	results, err := w.store.SearchArchives(sourceGroup, cmd.Query)
	if err != nil {
		return handlerError("search_sessions", err, map[string]any{"groupFolder": sourceGroup})
	}
	if cmd.RequestID == "" {
		return nil
	}
	return w.writeResponse(sourceGroup, cmd.RequestID, results)
}

func handleArchiveSession(ctx context.Context, w *Watcher, sourceGroup string, isMain bool, cmd envelope) error {
	if err := archiveCurrent(w, sourceGroup, cmd.ArchiveName); err != nil {
		return handlerError("archive_session", err, map[string]any{"groupFolder": sourceGroup})
	}
	return nil
}

func archiveCurrent(w *Watcher, groupFolder, name string) error {
	sessionID, ok, err := w.store.GetSession(groupFolder)
	if err != nil {
		return err
	}
	if !ok {
		return errNoActiveSession
	}
	return w.store.ArchiveSession(store.ArchivedSession{
		GroupFolder: groupFolder, SessionID: sessionID, Name: name, ArchivedAt: time.Now(),
	})
}
