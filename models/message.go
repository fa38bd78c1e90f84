package models

// MessageType enumerates message payload kinds.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
)

// Message is one chat message as stored in the realtime store.
//
// When IsEncrypted is set, Content holds base64 AES-GCM ciphertext and
// EncryptedSymmetricKey/IV carry the wrapped key and nonce.
type Message struct {
	SenderID              string      `json:"senderId"`
	ReceiverID            string      `json:"receiverId"`
	Timestamp             int64       `json:"timestamp"`
	Type                  MessageType `json:"type"`
	Content               string      `json:"content"`
	ImageURL              string      `json:"imageUrl,omitempty"`
	IsEncrypted           bool        `json:"isEncrypted"`
	EncryptedSymmetricKey string      `json:"encryptedSymmetricKey,omitempty"`
	IV                    string      `json:"iv,omitempty"`
	IntegrityHash         string      `json:"integrityHash,omitempty"`
	TimeSlot              int64       `json:"timeSlot"`
	IsRead                bool        `json:"isRead"`
}

// IsValidEncrypted reports whether decryption may be attempted.
func (m Message) IsValidEncrypted() bool {
	return m.IsEncrypted && m.EncryptedSymmetricKey != "" && m.IV != ""
}

// ConversationID returns the id of the conversation the message belongs to.
func (m Message) ConversationID() string {
	return ConversationID(m.SenderID, m.ReceiverID)
}

// Involves reports whether identity is the sender or the receiver.
func (m Message) Involves(identity string) bool {
	return m.SenderID == identity || m.ReceiverID == identity
}
