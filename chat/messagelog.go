package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"cipherchat/crypto"
	"cipherchat/models"
	"cipherchat/observability"
	"cipherchat/storage"
)

// DecryptionFailedContent replaces the content of a message that could not be
// decrypted.
const DecryptionFailedContent = "[Unable to decrypt message]"

// SecurityRecorder persists security events. *storage.Store implements it.
type SecurityRecorder interface {
	LogSecurityEvent(event storage.SecurityEvent) error
}

// MessageLog turns stored messages into a readable conversation.
type MessageLog struct {
	logger  *observability.Logger
	metrics *observability.Metrics
	events  SecurityRecorder
}

// NewMessageLog wires logging, metrics and security events. Any may be nil.
func NewMessageLog(logger *observability.Logger, metrics *observability.Metrics, events SecurityRecorder) *MessageLog {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &MessageLog{logger: logger, metrics: metrics, events: events}
}

type dedupKey struct {
	senderID   string
	receiverID string
	timestamp  int64
	content    string
	msgType    models.MessageType
}

func keyOf(m models.Message) dedupKey {
	return dedupKey{
		senderID:   m.SenderID,
		receiverID: m.ReceiverID,
		timestamp:  m.Timestamp,
		content:    m.Content,
		msgType:    m.Type,
	}
}

// Merge returns the union of existing and incoming without duplicates, in
// canonical order. It is commutative and idempotent: the result depends only
// on the set of messages, not on argument order or repetition.
func Merge(existing, incoming []models.Message) []models.Message {
	byKey := make(map[dedupKey]models.Message, len(existing)+len(incoming))
	for _, batch := range [][]models.Message{existing, incoming} {
		for _, msg := range batch {
			key := keyOf(msg)
			if current, ok := byKey[key]; ok {
				byKey[key] = reconcile(current, msg)
				continue
			}
			byKey[key] = msg
		}
	}

	merged := make([]models.Message, 0, len(byKey))
	for _, msg := range byKey {
		merged = append(merged, msg)
	}
	sort.Slice(merged, func(i, j int) bool {
		return less(merged[i], merged[j])
	})
	return merged
}

// reconcile picks one record for two messages sharing a dedup key. Read state
// only moves forward; other fields come from the canonically larger record.
func reconcile(a, b models.Message) models.Message {
	read := a.IsRead || b.IsRead
	a.IsRead, b.IsRead = false, false

	chosen := a
	rawA, errA := json.Marshal(a)
	rawB, errB := json.Marshal(b)
	if errA == nil && errB == nil && bytes.Compare(rawB, rawA) > 0 {
		chosen = b
	}
	chosen.IsRead = read
	return chosen
}

func less(a, b models.Message) bool {
	switch {
	case a.Timestamp != b.Timestamp:
		return a.Timestamp < b.Timestamp
	case a.SenderID != b.SenderID:
		return a.SenderID < b.SenderID
	case a.ReceiverID != b.ReceiverID:
		return a.ReceiverID < b.ReceiverID
	case a.Content != b.Content:
		return a.Content < b.Content
	default:
		return a.Type < b.Type
	}
}

// DecryptInbound decrypts a batch with a default MessageLog.
func DecryptInbound(messages []models.Message, privateKey []byte) []models.Message {
	return NewMessageLog(nil, nil, nil).DecryptInbound(messages, privateKey)
}

// DecryptInbound returns a copy of messages with every validly encrypted
// message decrypted using its own time slot. When that fails and privateKey
// is set, the RSA-wrapped key copy is tried. A message that still fails, or
// is flagged encrypted without its iv or wrapped key, gets
// DecryptionFailedContent and IsEncrypted=false; the rest of the batch is
// unaffected.
func (l *MessageLog) DecryptInbound(messages []models.Message, privateKey []byte) []models.Message {
	out := make([]models.Message, len(messages))
	for i, msg := range messages {
		out[i] = l.decryptOne(msg, privateKey)
	}
	return out
}

func (l *MessageLog) decryptOne(msg models.Message, privateKey []byte) models.Message {
	if !msg.IsEncrypted {
		return msg
	}

	var (
		plaintext string
		err       error
	)
	if msg.IsValidEncrypted() {
		plaintext, err = crypto.Decrypt(msg.Content, msg.IV, msg.TimeSlot)
		if err != nil && len(privateKey) > 0 {
			plaintext, err = crypto.DecryptWithWrappedKey(msg.Content, msg.IV, msg.EncryptedSymmetricKey, privateKey)
		}
	} else {
		// Flagged encrypted but missing key material: never show the raw ciphertext.
		err = fmt.Errorf("%w: missing iv or wrapped key", crypto.ErrDecryption)
	}
	l.metrics.CryptoOp("decrypt", err)
	if err != nil {
		l.logger.DecryptFailed(msg.SenderID, msg.Timestamp, msg.TimeSlot, err)
		l.metrics.DecryptFailure()
		l.recordEvent(storage.SecurityEventDecryptFailed, storage.SecuritySeverityWarning, msg, err)

		msg.Content = DecryptionFailedContent
		msg.IsEncrypted = false
		return msg
	}

	if msg.IntegrityHash != "" && !crypto.VerifyHash(plaintext, msg.IntegrityHash) {
		l.logger.HashMismatch(msg.SenderID, msg.Timestamp)
		l.metrics.HashMismatch()
		l.recordEvent(storage.SecurityEventHashMismatch, storage.SecuritySeverityWarning, msg, ErrHashMismatch)
	}

	msg.Content = plaintext
	msg.IsEncrypted = false
	return msg
}

func (l *MessageLog) recordEvent(eventType, severity string, msg models.Message, cause error) {
	if l.events == nil {
		return
	}
	details, err := json.Marshal(map[string]any{
		"sender_id": msg.SenderID,
		"timestamp": msg.Timestamp,
		"time_slot": msg.TimeSlot,
		"error":     cause.Error(),
	})
	if err != nil {
		return
	}
	receiver, cid := msg.ReceiverID, msg.ConversationID()
	if err := l.events.LogSecurityEvent(storage.SecurityEvent{
		EventType:      eventType,
		Identity:       &receiver,
		ConversationID: &cid,
		Details:        string(details),
		Severity:       severity,
	}); err != nil {
		l.logger.Error(fmt.Errorf("record %s event: %w", eventType, err), "security event not recorded")
	}
}

// UnreadCount counts messages addressed to viewer that are not read yet.
func UnreadCount(messages []models.Message, viewer string) int {
	count := 0
	for _, msg := range messages {
		if msg.ReceiverID == viewer && !msg.IsRead {
			count++
		}
	}
	return count
}

// LastMessages returns the latest message per conversation viewer takes part in.
func LastMessages(viewer string, messages []models.Message) map[string]models.Message {
	last := make(map[string]models.Message)
	for _, msg := range messages {
		if !msg.Involves(viewer) {
			continue
		}
		cid := msg.ConversationID()
		current, ok := last[cid]
		if !ok || current.Timestamp < msg.Timestamp ||
			(current.Timestamp == msg.Timestamp && less(current, msg)) {
			last[cid] = msg
		}
	}
	return last
}

// Summaries builds the viewer's conversation list, newest first.
func Summaries(viewer string, messages []models.Message) []models.ChatSummary {
	last := LastMessages(viewer, messages)
	unread := make(map[string]int)
	for _, msg := range messages {
		if msg.ReceiverID == viewer && !msg.IsRead {
			unread[msg.ConversationID()]++
		}
	}

	summaries := make([]models.ChatSummary, 0, len(last))
	for cid, msg := range last {
		msg := msg
		peer, ok := models.PeerID(cid, viewer)
		if !ok {
			continue
		}
		summaries = append(summaries, models.ChatSummary{
			ConversationID: cid,
			PeerID:         peer,
			LastMessage:    &msg,
			UnreadCount:    unread[cid],
		})
	}
	sortSummaries(summaries)
	return summaries
}

func sortSummaries(summaries []models.ChatSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		var ta, tb int64
		if a.LastMessage != nil {
			ta = a.LastMessage.Timestamp
		}
		if b.LastMessage != nil {
			tb = b.LastMessage.Timestamp
		}
		if ta != tb {
			return ta > tb
		}
		return a.ConversationID < b.ConversationID
	})
}
