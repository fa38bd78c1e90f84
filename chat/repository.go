package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"cipherchat/models"
	"cipherchat/observability"
	"cipherchat/realtime"
)

const (
	// MessagesRoot holds messages/<conversationId>/<pushId>.
	MessagesRoot = "messages"
	// ChatsRoot holds chats/<uid>/<conversationId>/lastMessage.
	ChatsRoot = "chats"

	lastMessageKey = "lastMessage"
)

// MessagesPath returns the collection path of a conversation.
func MessagesPath(conversationID string) string {
	return realtime.Join(MessagesRoot, conversationID)
}

// ChatsPath returns the conversation list path of uid.
func ChatsPath(uid string) string {
	return realtime.Join(ChatsRoot, uid)
}

// LastMessagePath returns the lastMessage leaf of uid's view of a conversation.
func LastMessagePath(uid, conversationID string) string {
	return realtime.Join(ChatsRoot, uid, conversationID, lastMessageKey)
}

// Repository maps chat operations onto realtime store paths.
type Repository struct {
	store  realtime.Store
	logger *observability.Logger
}

// NewRepository wraps store. logger may be nil.
func NewRepository(store realtime.Store, logger *observability.Logger) *Repository {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Repository{store: store, logger: logger.WithComponent("repository")}
}

// Store exposes the underlying realtime store.
func (r *Repository) Store() realtime.Store {
	return r.store
}

// SaveMessage appends msg to its conversation and returns the new path.
// Updating the sender's and receiver's lastMessage copies afterwards is best
// effort: each write is independent and failures are only logged.
func (r *Repository) SaveMessage(ctx context.Context, msg models.Message) (string, error) {
	raw, err := models.EncodeMessage(msg)
	if err != nil {
		return "", err
	}

	cid := msg.ConversationID()
	path := r.store.Push(MessagesPath(cid))
	if err := r.store.Write(ctx, path, raw); err != nil {
		return "", fmt.Errorf("write message %s: %w", path, err)
	}

	if err := r.updateLastMessage(ctx, cid, msg, raw); err != nil {
		r.logger.WithConversation(cid).Error(err, "lastMessage fan-out incomplete")
	}
	return path, nil
}

func (r *Repository) updateLastMessage(ctx context.Context, cid string, msg models.Message, raw []byte) error {
	var group errgroup.Group
	for _, uid := range participants(msg) {
		uid := uid
		group.Go(func() error {
			if err := r.store.Write(ctx, LastMessagePath(uid, cid), raw); err != nil {
				return fmt.Errorf("update lastMessage for %s: %w", uid, err)
			}
			return nil
		})
	}
	return group.Wait()
}

func participants(msg models.Message) []string {
	if msg.SenderID == msg.ReceiverID {
		return []string{msg.SenderID}
	}
	return []string{msg.SenderID, msg.ReceiverID}
}

// Messages reads a conversation once, merged and ordered. Records that fail
// schema validation are skipped.
func (r *Repository) Messages(ctx context.Context, a, b string) ([]models.Message, error) {
	snapshot, err := r.store.ReadOnce(ctx, MessagesPath(models.ConversationID(a, b)))
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	messages, _ := DecodeMessages(snapshot, r.logger)
	return Merge(nil, messages), nil
}

// DecodeMessages decodes the direct children of a conversation snapshot.
// rejected counts children that failed validation.
func DecodeMessages(snapshot realtime.Snapshot, logger *observability.Logger) (messages []models.Message, rejected int) {
	messages = make([]models.Message, 0, len(snapshot.Children))
	for _, key := range snapshot.Keys() {
		if strings.Contains(key, realtime.PathSeparator) {
			continue
		}
		raw, _ := snapshot.Child(key)
		msg, err := models.DecodeMessage(raw)
		if err != nil {
			rejected++
			if logger != nil {
				logger.SnapshotRejected(realtime.Join(snapshot.Path, key), err)
			}
			continue
		}
		messages = append(messages, msg)
	}
	return messages, rejected
}

// UnreadCount counts unread messages addressed to viewer in one conversation.
func (r *Repository) UnreadCount(ctx context.Context, viewer, conversationID string) (int, error) {
	snapshot, err := r.store.ReadOnce(ctx, MessagesPath(conversationID))
	if err != nil {
		return 0, fmt.Errorf("read unread count: %w", err)
	}
	messages, _ := DecodeMessages(snapshot, r.logger)
	return UnreadCount(Merge(nil, messages), viewer), nil
}

// MarkAsRead flags every unread message from peer to viewer as read in one
// commit and returns how many changed.
func (r *Repository) MarkAsRead(ctx context.Context, viewer, peer string) (int, error) {
	cid := models.ConversationID(viewer, peer)
	snapshot, err := r.store.ReadOnce(ctx, MessagesPath(cid))
	if err != nil {
		return 0, fmt.Errorf("read messages for mark as read: %w", err)
	}

	updates := make(map[string][]byte)
	for _, key := range snapshot.Keys() {
		if strings.Contains(key, realtime.PathSeparator) {
			continue
		}
		raw, _ := snapshot.Child(key)
		msg, err := models.DecodeMessage(raw)
		if err != nil || msg.ReceiverID != viewer || msg.IsRead {
			continue
		}
		msg.IsRead = true
		encoded, err := models.EncodeMessage(msg)
		if err != nil {
			return 0, err
		}
		updates[realtime.Join(snapshot.Path, key)] = encoded
	}
	if len(updates) == 0 {
		return 0, nil
	}

	if err := r.store.Update(ctx, updates); err != nil {
		return 0, fmt.Errorf("mark as read: %w", err)
	}
	return len(updates), nil
}

// Chats returns uid's conversation list from the lastMessage copies, newest
// first, with unread counts.
func (r *Repository) Chats(ctx context.Context, uid string) ([]models.ChatSummary, error) {
	snapshot, err := r.store.ReadOnce(ctx, ChatsPath(uid))
	if err != nil {
		return nil, fmt.Errorf("read chats: %w", err)
	}

	summaries := make([]models.ChatSummary, 0, len(snapshot.Children))
	for _, key := range snapshot.Keys() {
		cid, leaf, ok := strings.Cut(key, realtime.PathSeparator)
		if !ok || leaf != lastMessageKey {
			continue
		}
		peer, ok := models.PeerID(cid, uid)
		if !ok {
			continue
		}
		raw, _ := snapshot.Child(key)
		msg, err := models.DecodeMessage(raw)
		if err != nil {
			r.logger.SnapshotRejected(realtime.Join(snapshot.Path, key), err)
			continue
		}

		unread, err := r.UnreadCount(ctx, uid, cid)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			r.logger.WithConversation(cid).Error(err, "unread count unavailable")
		}

		summaries = append(summaries, models.ChatSummary{
			ConversationID: cid,
			PeerID:         peer,
			LastMessage:    &msg,
			UnreadCount:    unread,
		})
	}
	sortSummaries(summaries)
	return summaries, nil
}
