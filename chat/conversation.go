package chat

import (
	"sync"

	"cipherchat/models"
	"cipherchat/realtime"
)

// Conversation caches the merged message log of one conversation. Snapshots
// may arrive concurrently and in any order; Apply is safe to call from any
// goroutine. After Close every snapshot is discarded.
type Conversation struct {
	id     string
	viewer string
	log    *MessageLog

	mu       sync.RWMutex
	messages []models.Message
	closed   bool
	updates  chan struct{}
}

// NewConversation creates an empty cache for viewer's conversation with peer.
func NewConversation(viewer, peer string, log *MessageLog) *Conversation {
	if log == nil {
		log = NewMessageLog(nil, nil, nil)
	}
	return &Conversation{
		id:      models.ConversationID(viewer, peer),
		viewer:  viewer,
		log:     log,
		updates: make(chan struct{}, 1),
	}
}

// ID returns the conversation id.
func (c *Conversation) ID() string {
	return c.id
}

// Apply merges a store snapshot of the conversation. It reports whether the
// snapshot was used.
func (c *Conversation) Apply(snapshot realtime.Snapshot) bool {
	messages, _ := DecodeMessages(snapshot, c.log.logger.WithConversation(c.id))
	return c.ApplyMessages(messages)
}

// ApplyMessages merges already decoded messages.
func (c *Conversation) ApplyMessages(messages []models.Message) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.log.metrics.StaleSnapshot()
		return false
	}
	c.messages = Merge(c.messages, messages)
	c.mu.Unlock()

	c.log.metrics.SnapshotApplied()
	select {
	case c.updates <- struct{}{}:
	default:
	}
	return true
}

// Updates signals after each applied snapshot. Signals coalesce.
func (c *Conversation) Updates() <-chan struct{} {
	return c.updates
}

// Raw returns the merged log as stored, still encrypted.
func (c *Conversation) Raw() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Message(nil), c.messages...)
}

// Messages returns the merged log decrypted for display.
func (c *Conversation) Messages(privateKey []byte) []models.Message {
	return c.log.DecryptInbound(c.Raw(), privateKey)
}

// UnreadCount counts unread messages addressed to the viewer.
func (c *Conversation) UnreadCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return UnreadCount(c.messages, c.viewer)
}

// Close drops the cached log and rejects later snapshots.
func (c *Conversation) Close() {
	c.mu.Lock()
	c.closed = true
	c.messages = nil
	c.mu.Unlock()
}

// Closed reports whether Close was called.
func (c *Conversation) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Cursor tracks which messages of a log a reader has already been handed.
// Merge keeps the log in timestamp order, so a message that arrives late can
// land anywhere in it; Cursor still yields it exactly once.
type Cursor struct {
	seen map[dedupKey]struct{}
}

// NewCursor returns a cursor that has seen nothing.
func NewCursor() *Cursor {
	return &Cursor{seen: make(map[dedupKey]struct{})}
}

// Unseen returns the messages not returned by an earlier call, in log order.
func (c *Cursor) Unseen(messages []models.Message) []models.Message {
	var fresh []models.Message
	for _, msg := range messages {
		key := keyOf(msg)
		if _, ok := c.seen[key]; ok {
			continue
		}
		c.seen[key] = struct{}{}
		fresh = append(fresh, msg)
	}
	return fresh
}
