package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// GmailJIDPrefix namespaces an IMAP mailbox+thread inside the host's
// global JID space (e.g. "gmail:inbox").
const GmailJIDPrefix = "gmail:"

// GmailAdapter polls a mailbox over IMAP on a 30s ticker. There is no
// long-lived push channel the way Telegram/Discord have one; this is a
// plain poll loop, not IMAP IDLE, shaped after TelegramAdapter's
// GetUpdatesChan loop: wait on the ticker, then fetch what's new.
type GmailAdapter struct {
	addr     string
	username string
	password string
	mailbox  string

	mu       sync.Mutex
	client   *imapclient.Client
	lastUID  imap.UID
	cancel   context.CancelFunc
	connected bool

	onMessage      OnMessageFunc
	onChatMetadata OnChatMetadataFunc
}

// NewGmailAdapter creates a GmailAdapter. addr is host:port of the IMAP
// server (e.g. "imap.gmail.com:993").
func NewGmailAdapter(addr, username, password, mailbox string, onMessage OnMessageFunc, onChatMetadata OnChatMetadataFunc) *GmailAdapter {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &GmailAdapter{
		addr: addr, username: username, password: password, mailbox: mailbox,
		onMessage: onMessage, onChatMetadata: onChatMetadata,
	}
}

func (g *GmailAdapter) Name() string { return "gmail" }

func (g *GmailAdapter) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, GmailJIDPrefix)
}

func (g *GmailAdapter) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *GmailAdapter) Connect(ctx context.Context) error {
	client, err := imapclient.DialTLS(g.addr, nil)
	if err != nil {
		return fmt.Errorf("gmail: dial: %w", err)
	}
	if err := client.Login(g.username, g.password).Wait(); err != nil {
		client.Close()
		return fmt.Errorf("gmail: login: %w", err)
	}
	selectData, err := client.Select(g.mailbox, nil).Wait()
	if err != nil {
		client.Close()
		return fmt.Errorf("gmail: select %s: %w", g.mailbox, err)
	}

	g.mu.Lock()
	g.client = client
	if selectData.UIDNext > 0 {
		g.lastUID = selectData.UIDNext - 1
	}
	g.connected = true
	g.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	go g.pollLoop(runCtx)

	return nil
}

func (g *GmailAdapter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.fetchNew(); err != nil {
				// Transient transport errors are swallowed here and the
				// next tick retries; a failed poll does not change the
				// adapter's connected state.
				continue
			}
		}
	}
}

func (g *GmailAdapter) fetchNew() error {
	g.mu.Lock()
	client := g.client
	since := g.lastUID
	g.mu.Unlock()
	if client == nil {
		return fmt.Errorf("gmail: not connected")
	}

	uidSet := imap.UIDSetNum(since + 1)
	fetchCmd := client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{{}},
	})
	defer fetchCmd.Close()

	jid := GmailJIDPrefix + strings.ToLower(g.mailbox)
	var maxUID imap.UID
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		if buf.UID > maxUID {
			maxUID = buf.UID
		}

		subject, from, body := extractEnvelope(buf)
		ts := time.Now().UTC().Format(time.RFC3339)
		if buf.Envelope != nil && !buf.Envelope.Date.IsZero() {
			ts = buf.Envelope.Date.UTC().Format(time.RFC3339)
		}

		if g.onChatMetadata != nil {
			g.onChatMetadata(jid, time.Now().Unix(), subject, "gmail", false)
		}
		if g.onMessage != nil {
			g.onMessage(jid, NewMessage{
				ID:         fmt.Sprintf("%d", buf.UID),
				Sender:     from,
				SenderName: from,
				Content:    body,
				Timestamp:  ts,
			})
		}
	}

	if maxUID > 0 {
		g.mu.Lock()
		g.lastUID = maxUID
		g.mu.Unlock()
	}
	return nil
}

func extractEnvelope(buf *imapclient.FetchMessageBuffer) (subject, from, body string) {
	if buf.Envelope != nil {
		subject = buf.Envelope.Subject
		if len(buf.Envelope.From) > 0 {
			from = buf.Envelope.From[0].Mailbox + "@" + buf.Envelope.From[0].Host
		}
	}
	for _, section := range buf.BodySection {
		body = string(section)
		break
	}
	return subject, from, body
}

func (g *GmailAdapter) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
	g.connected = false
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// SendMessage submits a reply. Gmail/IMAP's send side is SMTP, which is
// intentionally out of this adapter's scope per spec.md §1 (concrete
// transport authentication is an external collaborator) — it always
// returns an error, so replies addressed to a Gmail JID are never
// delivered.
func (g *GmailAdapter) SendMessage(ctx context.Context, jid, text string) error {
	return fmt.Errorf("gmail: outbound send not implemented (SMTP is a separate external collaborator)")
}
