package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements StateStore using modernc.org/sqlite (pure Go,
// no cgo). Mirrors the teacher's schema-in-Init / WAL-pragma-on-open style.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapErr("open", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, wrapErr("wal pragma", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, wrapErr("foreign_keys pragma", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		jid               TEXT PRIMARY KEY,
		name              TEXT NOT NULL DEFAULT '',
		last_message_time DATETIME NOT NULL,
		channel           TEXT NOT NULL DEFAULT '',
		is_group          INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT NOT NULL,
		chat_jid        TEXT NOT NULL,
		sender          TEXT NOT NULL DEFAULT '',
		sender_name     TEXT NOT NULL DEFAULT '',
		content         TEXT NOT NULL DEFAULT '',
		timestamp       TEXT NOT NULL,
		is_from_me      INTEGER NOT NULL DEFAULT 0,
		is_bot_message  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (id, chat_jid)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_jid_ts ON messages(chat_jid, timestamp);

	CREATE TABLE IF NOT EXISTS registered_groups (
		jid              TEXT PRIMARY KEY,
		name             TEXT NOT NULL DEFAULT '',
		folder           TEXT NOT NULL UNIQUE,
		trigger_pattern  TEXT NOT NULL DEFAULT '',
		requires_trigger INTEGER,
		added_at         DATETIME NOT NULL,
		channel          TEXT NOT NULL DEFAULT '',
		container_config TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sessions (
		group_folder TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS archived_sessions (
		id           TEXT PRIMARY KEY,
		group_folder TEXT NOT NULL,
		session_id   TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		content      TEXT NOT NULL DEFAULT '',
		archived_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archives_folder ON archived_sessions(group_folder);

	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id             TEXT PRIMARY KEY,
		group_folder   TEXT NOT NULL,
		chat_jid       TEXT NOT NULL,
		prompt         TEXT NOT NULL,
		schedule_type  TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		context_mode   TEXT NOT NULL DEFAULT 'group',
		next_run       DATETIME,
		last_run       DATETIME,
		last_result    TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'active',
		created_at     DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, next_run);

	CREATE TABLE IF NOT EXISTS task_run_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id     TEXT NOT NULL,
		started_at  DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL DEFAULT '',
		result      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_run_log_task ON task_run_log(task_id);

	CREATE TABLE IF NOT EXISTS router_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS agent_cursors (
		jid       TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return wrapErr("init schema", err)
}

func (s *SQLiteStore) Close() error {
	return wrapErr("close", s.db.Close())
}

// --- Chats ---

// StoreChatMetadata upserts chat metadata, taking MAX(last_message_time)
// and COALESCE of optional fields so a write never regresses prior state.
func (s *SQLiteStore) StoreChatMetadata(jid string, ts time.Time, name, channel string, isGroup bool) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (jid, name, last_message_time, channel, is_group)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			last_message_time = MAX(last_message_time, excluded.last_message_time),
			name              = COALESCE(NULLIF(excluded.name, ''), chats.name),
			channel           = COALESCE(NULLIF(excluded.channel, ''), chats.channel),
			is_group          = CASE WHEN excluded.is_group = 1 THEN 1 ELSE chats.is_group END
	`, jid, name, ts, channel, boolToInt(isGroup))
	return wrapErr("store chat metadata", err)
}

func (s *SQLiteStore) GetChat(jid string) (*Chat, bool, error) {
	row := s.db.QueryRow(`SELECT jid, name, last_message_time, channel, is_group FROM chats WHERE jid = ?`, jid)
	var c Chat
	var isGroup int
	if err := row.Scan(&c.JID, &c.Name, &c.LastMessageTime, &c.Channel, &isGroup); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, wrapErr("get chat", err)
	}
	c.IsGroup = isGroup != 0
	return &c, true, nil
}

func (s *SQLiteStore) ListChats() ([]Chat, error) {
	rows, err := s.db.Query(`SELECT jid, name, last_message_time, channel, is_group FROM chats WHERE jid != ? ORDER BY last_message_time DESC`, GroupSyncJID)
	if err != nil {
		return nil, wrapErr("list chats", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		var isGroup int
		if err := rows.Scan(&c.JID, &c.Name, &c.LastMessageTime, &c.Channel, &isGroup); err != nil {
			return nil, wrapErr("list chats scan", err)
		}
		c.IsGroup = isGroup != 0
		out = append(out, c)
	}
	return out, wrapErr("list chats rows", rows.Err())
}

// --- Messages ---

// StoreMessage is an idempotent upsert on (id, chat_jid): re-delivery never
// duplicates a row.
func (s *SQLiteStore) StoreMessage(m Message) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, chat_jid) DO UPDATE SET
			sender = excluded.sender, sender_name = excluded.sender_name,
			content = excluded.content, timestamp = excluded.timestamp,
			is_from_me = excluded.is_from_me, is_bot_message = excluded.is_bot_message
	`, m.ID, m.ChatJID, m.Sender, m.SenderName, m.Content, m.Timestamp, boolToInt(m.IsFromMe), boolToInt(m.IsBotMessage))
	return wrapErr("store message", err)
}

const messageFilterClause = `is_bot_message = 0 AND content NOT LIKE ?`

func (s *SQLiteStore) GetMessagesSince(jid, sinceTS, botPrefix string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND `+messageFilterClause+`
		ORDER BY timestamp ASC
	`, jid, sinceTS, botPrefix+":%")
	if err != nil {
		return nil, wrapErr("get messages since", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) GetNewMessages(jids []string, lastTS, botPrefix string) ([]Message, string, error) {
	if len(jids) == 0 {
		return nil, lastTS, nil
	}
	placeholders := make([]string, len(jids))
	args := make([]any, 0, len(jids)+2)
	for i, j := range jids {
		placeholders[i] = "?"
		args = append(args, j)
	}
	args = append(args, lastTS, botPrefix+":%")

	q := fmt.Sprintf(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE chat_jid IN (%s) AND timestamp > ? AND %s
		ORDER BY timestamp ASC
	`, strings.Join(placeholders, ","), messageFilterClause)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, lastTS, wrapErr("get new messages", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, lastTS, err
	}

	newTS := lastTS
	for _, m := range msgs {
		if m.Timestamp > newTS {
			newTS = m.Timestamp
		}
	}
	return msgs, newTS, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var isFromMe, isBot int
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &isFromMe, &isBot); err != nil {
			return nil, wrapErr("scan message", err)
		}
		m.IsFromMe = isFromMe != 0
		m.IsBotMessage = isBot != 0
		out = append(out, m)
	}
	return out, wrapErr("message rows", rows.Err())
}

// --- Registered groups ---

func (s *SQLiteStore) RegisterGroup(g RegisteredGroup) error {
	cfgJSON, err := json.Marshal(g.ContainerConfig)
	if err != nil {
		return wrapErr("marshal container config", err)
	}
	var requiresTrigger sql.NullBool
	if g.RequiresTrigger != nil {
		requiresTrigger = sql.NullBool{Bool: *g.RequiresTrigger, Valid: true}
	}
	_, err = s.db.Exec(`
		INSERT INTO registered_groups (jid, name, folder, trigger_pattern, requires_trigger, added_at, channel, container_config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = excluded.name, folder = excluded.folder, trigger_pattern = excluded.trigger_pattern,
			requires_trigger = excluded.requires_trigger, channel = excluded.channel,
			container_config = excluded.container_config
	`, g.JID, g.Name, g.Folder, g.Trigger, requiresTrigger, g.AddedAt, g.Channel, string(cfgJSON))
	return wrapErr("register group", err)
}

func (s *SQLiteStore) GetGroupByFolder(folder string) (*RegisteredGroup, bool, error) {
	return s.scanOneGroup(`SELECT jid, name, folder, trigger_pattern, requires_trigger, added_at, channel, container_config FROM registered_groups WHERE folder = ?`, folder)
}

func (s *SQLiteStore) GetGroupByJID(jid string) (*RegisteredGroup, bool, error) {
	return s.scanOneGroup(`SELECT jid, name, folder, trigger_pattern, requires_trigger, added_at, channel, container_config FROM registered_groups WHERE jid = ?`, jid)
}

func (s *SQLiteStore) scanOneGroup(q, arg string) (*RegisteredGroup, bool, error) {
	row := s.db.QueryRow(q, arg)
	g, err := scanGroupRow(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr("get group", err)
	}
	return g, true, nil
}

func scanGroupRow(row *sql.Row) (*RegisteredGroup, error) {
	var g RegisteredGroup
	var requiresTrigger sql.NullBool
	var cfgJSON string
	if err := row.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &requiresTrigger, &g.AddedAt, &g.Channel, &cfgJSON); err != nil {
		return nil, err
	}
	if requiresTrigger.Valid {
		v := requiresTrigger.Bool
		g.RequiresTrigger = &v
	}
	if cfgJSON != "" && cfgJSON != "null" {
		var cfg ContainerConfig
		if err := json.Unmarshal([]byte(cfgJSON), &cfg); err == nil {
			g.ContainerConfig = &cfg
		}
	}
	return &g, nil
}

func (s *SQLiteStore) ListGroups() ([]RegisteredGroup, error) {
	rows, err := s.db.Query(`SELECT jid, name, folder, trigger_pattern, requires_trigger, added_at, channel, container_config FROM registered_groups ORDER BY added_at ASC`)
	if err != nil {
		return nil, wrapErr("list groups", err)
	}
	defer rows.Close()

	var out []RegisteredGroup
	for rows.Next() {
		var g RegisteredGroup
		var requiresTrigger sql.NullBool
		var cfgJSON string
		if err := rows.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &requiresTrigger, &g.AddedAt, &g.Channel, &cfgJSON); err != nil {
			return nil, wrapErr("list groups scan", err)
		}
		if requiresTrigger.Valid {
			v := requiresTrigger.Bool
			g.RequiresTrigger = &v
		}
		if cfgJSON != "" && cfgJSON != "null" {
			var cfg ContainerConfig
			if err := json.Unmarshal([]byte(cfgJSON), &cfg); err == nil {
				g.ContainerConfig = &cfg
			}
		}
		out = append(out, g)
	}
	return out, wrapErr("list groups rows", rows.Err())
}

// --- Sessions ---

func (s *SQLiteStore) GetSession(groupFolder string) (string, bool, error) {
	row := s.db.QueryRow(`SELECT session_id FROM sessions WHERE group_folder = ?`, groupFolder)
	var sessionID string
	if err := row.Scan(&sessionID); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, wrapErr("get session", err)
	}
	return sessionID, true, nil
}

func (s *SQLiteStore) SetSession(groupFolder, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (group_folder, session_id) VALUES (?, ?)
		ON CONFLICT(group_folder) DO UPDATE SET session_id = excluded.session_id
	`, groupFolder, sessionID)
	return wrapErr("set session", err)
}

func (s *SQLiteStore) DeleteSession(groupFolder string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE group_folder = ?`, groupFolder)
	return wrapErr("delete session", err)
}

// --- Archived sessions ---

func (s *SQLiteStore) ArchiveSession(a ArchivedSession) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO archived_sessions (id, group_folder, session_id, name, content, archived_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.GroupFolder, a.SessionID, a.Name, a.Content, a.ArchivedAt)
	return wrapErr("archive session", err)
}

func (s *SQLiteStore) GetArchive(id string) (*ArchivedSession, bool, error) {
	row := s.db.QueryRow(`SELECT id, group_folder, session_id, name, content, archived_at FROM archived_sessions WHERE id = ?`, id)
	var a ArchivedSession
	if err := row.Scan(&a.ID, &a.GroupFolder, &a.SessionID, &a.Name, &a.Content, &a.ArchivedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, wrapErr("get archive", err)
	}
	return &a, true, nil
}

func (s *SQLiteStore) SearchArchives(groupFolder, query string) ([]ArchivedSession, error) {
	rows, err := s.db.Query(`
		SELECT id, group_folder, session_id, name, content, archived_at
		FROM archived_sessions
		WHERE group_folder = ? AND (name LIKE ? OR content LIKE ?)
		ORDER BY archived_at DESC
	`, groupFolder, "%"+query+"%", "%"+query+"%")
	if err != nil {
		return nil, wrapErr("search archives", err)
	}
	defer rows.Close()

	var out []ArchivedSession
	for rows.Next() {
		var a ArchivedSession
		if err := rows.Scan(&a.ID, &a.GroupFolder, &a.SessionID, &a.Name, &a.Content, &a.ArchivedAt); err != nil {
			return nil, wrapErr("search archives scan", err)
		}
		out = append(out, a)
	}
	return out, wrapErr("search archives rows", rows.Err())
}

func (s *SQLiteStore) DeleteArchive(id string) error {
	_, err := s.db.Exec(`DELETE FROM archived_sessions WHERE id = ?`, id)
	return wrapErr("delete archive", err)
}

// --- Scheduled tasks ---

func (s *SQLiteStore) CreateTask(t ScheduledTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextGroup
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, last_run, last_result, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.GroupFolder, t.ChatJID, t.Prompt, string(t.ScheduleType), t.ScheduleValue, string(t.ContextMode), t.NextRun, t.LastRun, t.LastResult, string(t.Status), t.CreatedAt)
	return wrapErr("create task", err)
}

func (s *SQLiteStore) GetTask(id string) (*ScheduledTask, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, last_run, last_result, status, created_at
		FROM scheduled_tasks WHERE id = ?
	`, id)
	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr("get task", err)
	}
	return t, true, nil
}

func scanTaskRow(row *sql.Row) (*ScheduledTask, error) {
	var t ScheduledTask
	var scheduleType, contextMode, status string
	var nextRun, lastRun sql.NullTime
	if err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &scheduleType, &t.ScheduleValue, &contextMode, &nextRun, &lastRun, &t.LastResult, &status, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.ScheduleType = ScheduleType(scheduleType)
	t.ContextMode = ContextMode(contextMode)
	t.Status = TaskStatus(status)
	if nextRun.Valid {
		t.NextRun = &nextRun.Time
	}
	if lastRun.Valid {
		t.LastRun = &lastRun.Time
	}
	return &t, nil
}

func (s *SQLiteStore) ListTasksByFolder(folder string) ([]ScheduledTask, error) {
	rows, err := s.db.Query(`
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, last_run, last_result, status, created_at
		FROM scheduled_tasks WHERE group_folder = ? ORDER BY created_at ASC
	`, folder)
	if err != nil {
		return nil, wrapErr("list tasks by folder", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

func (s *SQLiteStore) GetDueTasks(now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.Query(`
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, last_run, last_result, status, created_at
		FROM scheduled_tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC
	`, string(TaskActive), now)
	if err != nil {
		return nil, wrapErr("get due tasks", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

func scanTaskRows(rows *sql.Rows) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		var scheduleType, contextMode, status string
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &scheduleType, &t.ScheduleValue, &contextMode, &nextRun, &lastRun, &t.LastResult, &status, &t.CreatedAt); err != nil {
			return nil, wrapErr("scan task", err)
		}
		t.ScheduleType = ScheduleType(scheduleType)
		t.ContextMode = ContextMode(contextMode)
		t.Status = TaskStatus(status)
		if nextRun.Valid {
			t.NextRun = &nextRun.Time
		}
		if lastRun.Valid {
			t.LastRun = &lastRun.Time
		}
		out = append(out, t)
	}
	return out, wrapErr("task rows", rows.Err())
}

// ClaimTask is the scheduler's at-most-once interlock: it flips
// next_run=NULL only when the row is currently active and still has a
// next_run (it does not re-check that the run is due), and reports
// whether this caller was the one who flipped it.
func (s *SQLiteStore) ClaimTask(id string) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE scheduled_tasks SET next_run = NULL
		WHERE id = ? AND status = ? AND next_run IS NOT NULL
	`, id, string(TaskActive))
	if err != nil {
		return false, wrapErr("claim task", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, wrapErr("claim task rows affected", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) UpdateTaskAfterRun(id string, nextRun *time.Time, status TaskStatus, lastResult string) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_tasks SET next_run = ?, last_run = ?, status = ?, last_result = ?
		WHERE id = ?
	`, nextRun, time.Now(), string(status), lastResult, id)
	return wrapErr("update task after run", err)
}

func (s *SQLiteStore) SetTaskStatus(id string, status TaskStatus) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, string(status), id)
	return wrapErr("set task status", err)
}

func (s *SQLiteStore) RestoreNextRun(id string, nextRun *time.Time) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET next_run = ? WHERE id = ?`, nextRun, id)
	return wrapErr("restore next run", err)
}

func (s *SQLiteStore) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	return wrapErr("delete task", err)
}

// --- Task run log ---

func (s *SQLiteStore) AppendTaskRunLog(l TaskRunLog) error {
	_, err := s.db.Exec(`
		INSERT INTO task_run_log (task_id, started_at, duration_ms, status, result)
		VALUES (?, ?, ?, ?, ?)
	`, l.TaskID, l.StartedAt, l.DurationMS, l.Status, l.Result)
	return wrapErr("append task run log", err)
}

// --- Router cursor state ---

const routerKeyLastTimestamp = "last_timestamp"

func (s *SQLiteStore) GetLastTimestamp() (string, error) {
	return s.getRouterValue(routerKeyLastTimestamp)
}

func (s *SQLiteStore) SetLastTimestamp(ts string) error {
	return s.setRouterValue(routerKeyLastTimestamp, ts)
}

func (s *SQLiteStore) GetLastAgentTimestamp(jid string) (string, bool, error) {
	row := s.db.QueryRow(`SELECT timestamp FROM agent_cursors WHERE jid = ?`, jid)
	var ts string
	if err := row.Scan(&ts); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, wrapErr("get last agent timestamp", err)
	}
	return ts, true, nil
}

// SetLastAgentTimestamp is a single-row atomic upsert: concurrent callers
// advancing different JIDs' cursors (one per in-flight agent run) never
// clobber each other, unlike a whole-map read-modify-write would.
func (s *SQLiteStore) SetLastAgentTimestamp(jid, ts string) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_cursors (jid, timestamp) VALUES (?, ?)
		ON CONFLICT(jid) DO UPDATE SET timestamp = excluded.timestamp
	`, jid, ts)
	return wrapErr("set last agent timestamp", err)
}

func (s *SQLiteStore) AllLastAgentTimestamps() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT jid, timestamp FROM agent_cursors`)
	if err != nil {
		return nil, wrapErr("all last agent timestamps", err)
	}
	defer rows.Close()

	m := map[string]string{}
	for rows.Next() {
		var jid, ts string
		if err := rows.Scan(&jid, &ts); err != nil {
			return nil, wrapErr("scan agent cursor", err)
		}
		m[jid] = ts
	}
	return m, wrapErr("agent cursor rows", rows.Err())
}

func (s *SQLiteStore) getRouterValue(key string) (string, error) {
	row := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", wrapErr("get router value", err)
	}
	return v, nil
}

func (s *SQLiteStore) setRouterValue(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return wrapErr("set router value", err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ StateStore = (*SQLiteStore)(nil)
