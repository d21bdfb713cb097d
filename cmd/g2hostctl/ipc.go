package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// commandEnvelope mirrors the wire shape internal/ipcwatcher reads — the two
// sides agree only by JSON tag, the same loose coupling the teacher uses
// between its REST handlers and the DSL interpreter.
type commandEnvelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	ChatJID string `json:"chatJid,omitempty"`
	Text    string `json:"text,omitempty"`

	JID             string `json:"jid,omitempty"`
	Name            string `json:"name,omitempty"`
	Folder          string `json:"folder,omitempty"`
	Trigger         string `json:"trigger,omitempty"`
	RequiresTrigger *bool  `json:"requiresTrigger,omitempty"`
	Channel         string `json:"channel,omitempty"`

	TargetFolder  string `json:"targetFolder,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"scheduleType,omitempty"`
	ScheduleValue string `json:"scheduleValue,omitempty"`
	ContextMode   string `json:"contextMode,omitempty"`

	TaskID string `json:"taskId,omitempty"`

	Archive     bool   `json:"archive,omitempty"`
	ArchiveName string `json:"archiveName,omitempty"`
	ArchiveID   string `json:"archiveId,omitempty"`

	Query string `json:"query,omitempty"`
}

// writeCommand drops env as a JSON file under <dataDir>/ipc/<folder>/<subdir>,
// the same directory the watcher polls and fsnotify-watches.
func writeCommand(folder, subdir string, env commandEnvelope) (string, error) {
	dir := filepath.Join(dataDir, "ipc", folder, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal command: %w", err)
	}

	name := uuid.NewString() + ".json"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
