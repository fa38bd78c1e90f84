package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage indicates a record failed schema validation.
var ErrInvalidMessage = errors.New("models: invalid message")

// wireMessage mirrors Message with pointer fields so absent keys are
// distinguishable from zero values.
type wireMessage struct {
	SenderID              *string      `json:"senderId"`
	ReceiverID            *string      `json:"receiverId"`
	Timestamp             *int64       `json:"timestamp"`
	Type                  *MessageType `json:"type"`
	Content               *string      `json:"content"`
	ImageURL              string       `json:"imageUrl"`
	IsEncrypted           bool         `json:"isEncrypted"`
	EncryptedSymmetricKey string       `json:"encryptedSymmetricKey"`
	IV                    string       `json:"iv"`
	IntegrityHash         string       `json:"integrityHash"`
	TimeSlot              *int64       `json:"timeSlot"`
	IsRead                bool         `json:"isRead"`
}

// DecodeMessage parses one stored message and rejects records with missing
// or malformed required fields instead of defaulting them.
func DecodeMessage(raw []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch {
	case wire.SenderID == nil || *wire.SenderID == "":
		return Message{}, fmt.Errorf("%w: senderId is required", ErrInvalidMessage)
	case wire.ReceiverID == nil || *wire.ReceiverID == "":
		return Message{}, fmt.Errorf("%w: receiverId is required", ErrInvalidMessage)
	case wire.Timestamp == nil:
		return Message{}, fmt.Errorf("%w: timestamp is required", ErrInvalidMessage)
	case wire.Type == nil:
		return Message{}, fmt.Errorf("%w: type is required", ErrInvalidMessage)
	case wire.Content == nil:
		return Message{}, fmt.Errorf("%w: content is required", ErrInvalidMessage)
	case wire.IsEncrypted && wire.TimeSlot == nil:
		return Message{}, fmt.Errorf("%w: timeSlot is required for encrypted messages", ErrInvalidMessage)
	}

	msg := Message{
		SenderID:              *wire.SenderID,
		ReceiverID:            *wire.ReceiverID,
		Timestamp:             *wire.Timestamp,
		Type:                  *wire.Type,
		Content:               *wire.Content,
		ImageURL:              wire.ImageURL,
		IsEncrypted:           wire.IsEncrypted,
		EncryptedSymmetricKey: wire.EncryptedSymmetricKey,
		IV:                    wire.IV,
		IntegrityHash:         wire.IntegrityHash,
		IsRead:                wire.IsRead,
	}
	if wire.TimeSlot != nil {
		msg.TimeSlot = *wire.TimeSlot
	}

	if err := Validate(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// EncodeMessage serializes a message for the realtime store.
func EncodeMessage(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return raw, nil
}

// Validate checks the fields every message must carry.
func Validate(msg Message) error {
	if msg.SenderID == "" {
		return fmt.Errorf("%w: senderId is required", ErrInvalidMessage)
	}
	if msg.ReceiverID == "" {
		return fmt.Errorf("%w: receiverId is required", ErrInvalidMessage)
	}
	if msg.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp must be > 0", ErrInvalidMessage)
	}
	switch msg.Type {
	case MessageTypeText, MessageTypeImage:
	default:
		return fmt.Errorf("%w: invalid type %q", ErrInvalidMessage, msg.Type)
	}
	if msg.Type == MessageTypeImage && msg.ImageURL == "" {
		return fmt.Errorf("%w: imageUrl is required for image messages", ErrInvalidMessage)
	}
	return nil
}

// DecodeUser parses a directory record stored under users/<uid>.
func DecodeUser(uid string, raw []byte) (User, error) {
	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return User{}, fmt.Errorf("decode user %q: %w", uid, err)
	}
	if user.UID == "" {
		user.UID = uid
	}
	if user.UID != uid {
		return User{}, fmt.Errorf("decode user %q: record carries uid %q", uid, user.UID)
	}
	return user, nil
}
