// Package channels implements the ChannelRegistry and its transport
// Adapter contract: JID ownership routing, connection lifecycle fan-out,
// and the unreliable-transport outbound queue.
package channels

import (
	"context"
	"fmt"
	"sync"
)

// NewMessage is a single inbound chat line, as delivered by an Adapter
// before it's persisted to the store.
type NewMessage struct {
	ID         string
	Sender     string
	SenderName string
	Content    string
	Timestamp  string
	IsFromMe   bool
}

// OnMessageFunc is invoked by an Adapter for every inbound message on a
// registered chat.
type OnMessageFunc func(jid string, msg NewMessage)

// OnChatMetadataFunc is invoked by an Adapter for every message, including
// ones from unregistered chats — this is how group discovery works.
type OnChatMetadataFunc func(jid string, ts int64, name, channel string, isGroup bool)

// Adapter is a transport connector. Concrete transports (WhatsApp,
// Telegram, Discord, Gmail, …) implement this; the host never depends on
// their authentication details.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	SendMessage(ctx context.Context, jid, text string) error
	// OwnsJID is a prefix/suffix test identifying which JIDs this adapter
	// routes.
	OwnsJID(jid string) bool
}

// TypingSetter is an optional Adapter capability.
type TypingSetter interface {
	SetTyping(ctx context.Context, jid string, typing bool) error
}

// MetadataSyncer is an optional Adapter capability.
type MetadataSyncer interface {
	SyncMetadata(ctx context.Context, force bool) error
}

// NoChannelError is raised by the raw-send path when no connected adapter
// owns a JID.
type NoChannelError struct {
	JID string
}

func (e *NoChannelError) Error() string {
	return fmt.Sprintf("no connected channel owns jid %q", e.JID)
}

// Registry holds an ordered set of adapters keyed by a unique name.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	adapters map[string]Adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Duplicate names are rejected.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; exists {
		return fmt.Errorf("channels: adapter %q already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	r.order = append(r.order, a.Name())
	return nil
}

// All returns every registered adapter in registration order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

// FindByJid returns the first adapter claiming ownership of jid.
func (r *Registry) FindByJid(jid string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		a := r.adapters[name]
		if a.OwnsJID(jid) {
			return a, true
		}
	}
	return nil, false
}

// FindConnectedByJid additionally requires the owning adapter to be
// connected.
func (r *Registry) FindConnectedByJid(jid string) (Adapter, bool) {
	a, ok := r.FindByJid(jid)
	if !ok || !a.IsConnected() {
		return nil, false
	}
	return a, true
}

// SendFormatted sends text to jid via the first connected owning adapter.
// If none owns (or none is connected), the send is logged and dropped
// rather than raised — this is the outbound-chat-reply path, where a
// dropped send must never crash a pipeline run.
func (r *Registry) SendFormatted(ctx context.Context, jid, text string, onDrop func(jid, text string)) error {
	a, ok := r.FindConnectedByJid(jid)
	if !ok {
		if onDrop != nil {
			onDrop(jid, text)
		}
		return nil
	}
	return a.SendMessage(ctx, jid, text)
}

// Send is the raw-send path: it raises NoChannelError instead of
// dropping when no connected adapter owns jid.
func (r *Registry) Send(ctx context.Context, jid, text string) error {
	a, ok := r.FindConnectedByJid(jid)
	if !ok {
		return &NoChannelError{JID: jid}
	}
	return a.SendMessage(ctx, jid, text)
}

// ConnectAll attempts to connect every registered adapter without
// short-circuiting on a failure, and returns the first failure; later
// failures are not reported.
func (r *Registry) ConnectAll(ctx context.Context) error {
	var firstErr error
	for _, a := range r.All() {
		if err := a.Connect(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("channels: connect %q: %w", a.Name(), err)
		}
	}
	return firstErr
}

// DisconnectAll disconnects every registered adapter.
func (r *Registry) DisconnectAll() {
	for _, a := range r.All() {
		_ = a.Disconnect()
	}
}

// SyncAll forces a metadata resync on every adapter that supports it.
func (r *Registry) SyncAll(ctx context.Context, force bool) {
	for _, a := range r.All() {
		if syncer, ok := a.(MetadataSyncer); ok {
			_ = syncer.SyncMetadata(ctx, force)
		}
	}
}
