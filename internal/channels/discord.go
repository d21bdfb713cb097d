package channels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DiscordJIDPrefix namespaces Discord channel IDs inside the host's
// global JID space.
const DiscordJIDPrefix = "discord:"

// DiscordAdapter connects to Discord's gateway. Grounded on the pack's
// goclaw discord channel (session + AddHandler + intents), adapted to the
// host's onMessage/onChatMetadata callback contract.
type DiscordAdapter struct {
	session *discordgo.Session
	botID   string

	onMessage      OnMessageFunc
	onChatMetadata OnChatMetadataFunc

	connected bool
}

// NewDiscordAdapter creates a DiscordAdapter for the given bot token.
func NewDiscordAdapter(token string, onMessage OnMessageFunc, onChatMetadata OnChatMetadataFunc) (*DiscordAdapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &DiscordAdapter{session: session, onMessage: onMessage, onChatMetadata: onChatMetadata}, nil
}

func (d *DiscordAdapter) Name() string { return "discord" }

func (d *DiscordAdapter) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, DiscordJIDPrefix)
}

func (d *DiscordAdapter) IsConnected() bool { return d.connected }

func (d *DiscordAdapter) Connect(ctx context.Context) error {
	d.session.AddHandler(d.handleMessage)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	user, err := d.session.User("@me")
	if err != nil {
		d.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	d.botID = user.ID
	d.connected = true
	return nil
}

func (d *DiscordAdapter) Disconnect() error {
	d.connected = false
	return d.session.Close()
}

func (d *DiscordAdapter) SendMessage(ctx context.Context, jid, text string) error {
	channelID := strings.TrimPrefix(jid, DiscordJIDPrefix)
	if len(text) > 2000 {
		text = text[:1997] + "..."
	}
	_, err := d.session.ChannelMessageSend(channelID, text)
	if err != nil {
		return fmt.Errorf("discord: send: %w", err)
	}
	return nil
}

func (d *DiscordAdapter) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == d.botID || m.Content == "" {
		return
	}
	jid := DiscordJIDPrefix + m.ChannelID
	isGroup := m.GuildID != ""

	if d.onChatMetadata != nil {
		d.onChatMetadata(jid, m.Timestamp.Unix(), "", "discord", isGroup)
	}
	if d.onMessage != nil {
		d.onMessage(jid, NewMessage{
			ID:         m.ID,
			Sender:     m.Author.ID,
			SenderName: m.Author.Username,
			Content:    m.Content,
			Timestamp:  m.Timestamp.UTC().Format(time.RFC3339),
		})
	}
}
