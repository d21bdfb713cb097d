package channels

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramJIDPrefix namespaces Telegram chat IDs inside the host's global
// JID space, the way the spec's glossary describes (tg:123).
const TelegramJIDPrefix = "tg:"

// telegramMinBackoff/telegramMaxBackoff bound the outbox retry loop's
// exponential backoff between flush attempts.
const (
	telegramMinBackoff = 1 * time.Second
	telegramMaxBackoff = 30 * time.Second
)

// TelegramAdapter is a long-polling Telegram Bot API adapter. Grounded on
// the teacher's serve/telegram.go long-poll loop, generalized from
// "one agent clone per user" into the host's onMessage/onChatMetadata
// callback contract. Telegram's long-poll HTTP connection can drop
// transiently, so outbound sends go through an OutgoingMessageQueue
// retried on an exponential backoff instead of being dropped on first
// failure.
type TelegramAdapter struct {
	bot    *tgbotapi.BotAPI
	cancel context.CancelFunc
	outbox *OutgoingMessageQueue

	onMessage      OnMessageFunc
	onChatMetadata OnChatMetadataFunc

	connected bool
}

// NewTelegramAdapter creates a TelegramAdapter for the given bot token.
func NewTelegramAdapter(token string, onMessage OnMessageFunc, onChatMetadata OnChatMetadataFunc) (*TelegramAdapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}
	bot.Debug = false
	return &TelegramAdapter{bot: bot, onMessage: onMessage, onChatMetadata: onChatMetadata, outbox: NewOutgoingMessageQueue()}, nil
}

func (t *TelegramAdapter) Name() string { return "telegram" }

func (t *TelegramAdapter) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, TelegramJIDPrefix)
}

func (t *TelegramAdapter) IsConnected() bool { return t.connected }

func (t *TelegramAdapter) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				go t.handle(update)
			case <-runCtx.Done():
				t.bot.StopReceivingUpdates()
				return
			}
		}
	}()
	go t.retryLoop(runCtx)

	t.connected = true
	return nil
}

func (t *TelegramAdapter) Disconnect() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.connected = false
	return nil
}

// SendMessage enqueues the reply and attempts an immediate flush; a
// failing send leaves it at the head of the outbox for retryLoop to pick
// back up, so a transient API hiccup never drops a reply.
func (t *TelegramAdapter) SendMessage(ctx context.Context, jid, text string) error {
	t.outbox.Enqueue(jid, text)
	t.outbox.Flush(t.sendNow)
	return nil
}

func (t *TelegramAdapter) sendNow(jid, text string) error {
	chatID, err := parseTelegramChatID(jid)
	if err != nil {
		return err
	}
	_, err = t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// retryLoop re-attempts a flush of any still-queued outbound messages on
// an exponential backoff, capped at telegramMaxBackoff, resetting to
// telegramMinBackoff whenever a flush sends at least one message or the
// queue is already empty.
func (t *TelegramAdapter) retryLoop(ctx context.Context) {
	backoff := telegramMinBackoff
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if pending := t.outbox.Size(); pending > 0 {
			t.outbox.Flush(t.sendNow)
			if t.outbox.Size() == pending {
				backoff *= 2
				if backoff > telegramMaxBackoff {
					backoff = telegramMaxBackoff
				}
			} else {
				backoff = telegramMinBackoff
			}
		} else {
			backoff = telegramMinBackoff
		}
		timer.Reset(backoff)
	}
}

func (t *TelegramAdapter) handle(update tgbotapi.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	chatID := update.Message.Chat.ID
	jid := TelegramJIDPrefix + strconv.FormatInt(chatID, 10)
	isGroup := update.Message.Chat.IsGroup() || update.Message.Chat.IsSuperGroup()
	ts := update.Message.Time().Unix()

	if t.onChatMetadata != nil {
		t.onChatMetadata(jid, ts, update.Message.Chat.Title, "telegram", isGroup)
	}

	senderName := ""
	senderID := ""
	if update.Message.From != nil {
		senderID = strconv.FormatInt(update.Message.From.ID, 10)
		senderName = update.Message.From.UserName
		if senderName == "" {
			senderName = update.Message.From.FirstName
		}
	}

	if t.onMessage != nil {
		t.onMessage(jid, NewMessage{
			ID:         strconv.Itoa(update.Message.MessageID),
			Sender:     senderID,
			SenderName: senderName,
			Content:    update.Message.Text,
			Timestamp:  update.Message.Time().UTC().Format(time.RFC3339),
		})
	}
}

func parseTelegramChatID(jid string) (int64, error) {
	raw := strings.TrimPrefix(jid, TelegramJIDPrefix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid jid %q: %w", jid, err)
	}
	return id, nil
}
