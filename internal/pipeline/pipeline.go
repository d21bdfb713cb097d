// Package pipeline implements MessagePipeline: polling for new inbound
// messages, trigger gating, cursor bookkeeping with crash recovery, and
// handing off to GroupQueue for agent dispatch.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/kaelstrand/g2host/internal/agentexec"
	"github.com/kaelstrand/g2host/internal/format"
	"github.com/kaelstrand/g2host/internal/queue"
	"github.com/kaelstrand/g2host/internal/runner"
	"github.com/kaelstrand/g2host/internal/store"
)

// Deps bundles the collaborators MessagePipeline needs.
type Deps struct {
	Store         store.StateStore
	Queue         *queue.GroupQueue
	Executor      *agentexec.AgentExecutor
	SendMessage   func(jid, text string) error
	Timeouts      func(group *store.RegisteredGroup) runner.TimeoutConfig
	AssistantName string
	IdleTimeout   time.Duration
}

// MessagePipeline polls for new inbound messages at a fixed interval.
type MessagePipeline struct {
	deps         Deps
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewMessagePipeline creates a MessagePipeline.
func NewMessagePipeline(deps Deps, pollInterval time.Duration, logger *slog.Logger) *MessagePipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessagePipeline{deps: deps, pollInterval: pollInterval, logger: logger}
}

// Run polls at pollInterval until ctx is cancelled, and performs a
// startup recovery scan before entering the loop.
func (p *MessagePipeline) Run(ctx context.Context) {
	p.recoverOnStartup()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *MessagePipeline) pollOnce() {
	groups, err := p.deps.Store.ListGroups()
	if err != nil {
		p.logger.Warn("pipeline: list groups failed", "error", err)
		return
	}
	jids := make([]string, 0, len(groups))
	groupsByJID := make(map[string]*store.RegisteredGroup, len(groups))
	for i := range groups {
		jids = append(jids, groups[i].JID)
		groupsByJID[groups[i].JID] = &groups[i]
	}
	if len(jids) == 0 {
		return
	}

	lastTimestamp, err := p.deps.Store.GetLastTimestamp()
	if err != nil {
		p.logger.Warn("pipeline: get last timestamp failed", "error", err)
		return
	}

	msgs, newTimestamp, err := p.deps.Store.GetNewMessages(jids, lastTimestamp, p.deps.AssistantName)
	if err != nil {
		p.logger.Warn("pipeline: get new messages failed", "error", err)
		return
	}

	// Advance the dedup cursor immediately, independent of whether
	// per-group processing below succeeds.
	if newTimestamp != "" && newTimestamp != lastTimestamp {
		if err := p.deps.Store.SetLastTimestamp(newTimestamp); err != nil {
			p.logger.Warn("pipeline: persist last timestamp failed", "error", err)
		}
	}

	messagesByJID := groupMessagesByJID(msgs)
	for jid, batch := range messagesByJID {
		group, ok := groupsByJID[jid]
		if !ok {
			continue
		}
		p.handleBatch(group, jid, batch)
	}
}

func (p *MessagePipeline) handleBatch(group *store.RegisteredGroup, jid string, batch []store.Message) {
	isMain := group.IsMain()
	if !isMain && !hasTrigger(batch, group) {
		return // non-trigger messages remain in the store as context for a later trigger
	}

	lastAgentTS, _, err := p.deps.Store.GetLastAgentTimestamp(jid)
	if err != nil {
		p.logger.Warn("pipeline: get last agent timestamp failed", "jid", jid, "error", err)
		return
	}

	allPending, err := p.deps.Store.GetMessagesSince(jid, lastAgentTS, p.deps.AssistantName)
	if err != nil {
		p.logger.Warn("pipeline: get messages since failed", "jid", jid, "error", err)
		return
	}
	if len(allPending) == 0 {
		return
	}

	text := format.FormatMessages(allPending)
	sent, err := p.deps.Queue.SendMessage(jid, text)
	if err != nil {
		p.logger.Warn("pipeline: pipe send failed", "jid", jid, "error", err)
	}
	if sent {
		last := allPending[len(allPending)-1]
		if err := p.deps.Store.SetLastAgentTimestamp(jid, last.Timestamp); err != nil {
			p.logger.Warn("pipeline: persist last agent timestamp failed", "jid", jid, "error", err)
		}
		return
	}

	p.deps.Queue.EnqueueMessageCheck(jid, func() error {
		return p.processGroupMessages(group, jid)
	})
}

// processGroupMessages is the queue's runner for message-check items: it
// fetches everything missed since the last agent cursor, invokes the
// agent, and either commits or rolls back the cursor depending on
// whether the user already received a reply.
func (p *MessagePipeline) processGroupMessages(group *store.RegisteredGroup, jid string) error {
	previousCursor, _, err := p.deps.Store.GetLastAgentTimestamp(jid)
	if err != nil {
		return err
	}

	missed, err := p.deps.Store.GetMessagesSince(jid, previousCursor, p.deps.AssistantName)
	if err != nil {
		return err
	}
	if len(missed) == 0 {
		return nil
	}

	newCursor := missed[len(missed)-1].Timestamp
	if err := p.deps.Store.SetLastAgentTimestamp(jid, newCursor); err != nil {
		return err
	}

	idleTimer := time.AfterFunc(p.deps.IdleTimeout, func() {
		_ = p.deps.Queue.CloseStdin(jid)
	})
	defer idleTimer.Stop()

	var outputSentToUser, hadError bool
	onOutput := func(frame runner.Frame) {
		if frame.Result != nil {
			idleTimer.Reset(p.deps.IdleTimeout)
		}
		text := format.FormatOutbound(derefOrEmpty(frame.Result))
		if text != "" {
			if err := p.deps.SendMessage(jid, text); err != nil {
				p.logger.Warn("pipeline: send failed", "jid", jid, "error", err)
			} else {
				outputSentToUser = true
			}
		}
		if frame.Status == "error" {
			hadError = true
		}
	}

	sessionID, _, _ := p.deps.Store.GetSession(group.Folder)
	timeouts := p.deps.Timeouts(group)

	onProcess := func(containerName string, stdin io.WriteCloser, kill func()) {
		p.deps.Queue.RegisterProcess(jid, stdin, containerName, group.Folder, kill)
	}

	_, execErr := p.deps.Executor.Execute(context.Background(), group, format.FormatMessages(missed), jid, sessionID, false, timeouts, onProcess, onOutput)
	p.deps.Queue.UnregisterProcess(jid)
	idleTimer.Stop()

	if execErr != nil || hadError {
		if outputSentToUser {
			return nil // user already received a reply; retrying would duplicate
		}
		if err := p.deps.Store.SetLastAgentTimestamp(jid, previousCursor); err != nil {
			p.logger.Warn("pipeline: cursor rollback failed", "jid", jid, "error", err)
		}
		if execErr != nil {
			return execErr
		}
		return errHadError
	}
	return nil
}

var errHadError = &pipelineError{"agent run reported an error frame"}

type pipelineError struct{ msg string }

func (e *pipelineError) Error() string { return e.msg }

func (p *MessagePipeline) recoverOnStartup() {
	groups, err := p.deps.Store.ListGroups()
	if err != nil {
		p.logger.Warn("pipeline: recovery list groups failed", "error", err)
		return
	}
	for i := range groups {
		group := &groups[i]
		lastAgentTS, _, err := p.deps.Store.GetLastAgentTimestamp(group.JID)
		if err != nil {
			continue
		}
		pending, err := p.deps.Store.GetMessagesSince(group.JID, lastAgentTS, p.deps.AssistantName)
		if err != nil || len(pending) == 0 {
			continue
		}
		if !group.IsMain() && !hasTrigger(pending, group) {
			continue
		}
		p.deps.Queue.EnqueueMessageCheck(group.JID, func() error {
			return p.processGroupMessages(group, group.JID)
		})
	}
}

func hasTrigger(batch []store.Message, group *store.RegisteredGroup) bool {
	if !group.NeedsTrigger() {
		return true
	}
	re, err := regexp.Compile("(?i)" + group.Trigger)
	if err != nil {
		return false
	}
	for _, m := range batch {
		if re.MatchString(strings.TrimSpace(m.Content)) {
			return true
		}
	}
	return false
}

func groupMessagesByJID(msgs []store.Message) map[string][]store.Message {
	out := make(map[string][]store.Message)
	for _, m := range msgs {
		out[m.ChatJID] = append(out[m.ChatJID], m)
	}
	return out
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
