package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SendStatePending marks a submission that has not resolved yet.
	SendStatePending = "pending"
	// SendStateSent marks a submission the realtime store accepted.
	SendStateSent = "sent"
	// SendStateFailed marks a submission that was rejected or errored.
	SendStateFailed = "failed"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	// SecurityEventKeysGenerated records creation of a local key pair.
	SecurityEventKeysGenerated = "keys_generated"
	// SecurityEventKeysCleared records erasure of local key material.
	SecurityEventKeysCleared = "keys_cleared"
	// SecurityEventDecryptFailed records an inbound message that could not be decrypted.
	SecurityEventDecryptFailed = "decrypt_failed"
	// SecurityEventHashMismatch records a decrypted message whose integrity hash differs.
	SecurityEventHashMismatch = "hash_mismatch"
	// SecurityEventPlaintextFallback records a send that went out unencrypted.
	SecurityEventPlaintextFallback = "plaintext_fallback"
)

// PrivateKeyRecord is the locally held key pair of one signed-in identity.
type PrivateKeyRecord struct {
	Identity   string
	PrivateKey string
	PublicKey  string
	CreatedAt  int64
}

// PublicKeyRecord is a cached peer public key.
type PublicKeyRecord struct {
	Identity  string
	PublicKey string
	CachedAt  int64
}

// SendRecord journals one outgoing submission.
type SendRecord struct {
	Fingerprint    string
	ConversationID string
	SenderID       string
	ReceiverID     string
	TimestampSent  int64
	Encrypted      bool
	State          string
	Error          string
	UpdatedAt      int64
}

// SecurityEvent stores structured security-relevant runtime events.
// ConversationID is set for events tied to one conversation.
type SecurityEvent struct {
	ID             int64
	EventType      string
	Identity       *string
	ConversationID *string
	Details        string
	Severity       string
	Timestamp      int64
}

// SecurityEventFilter narrows SecurityEvents results. Zero fields match all.
type SecurityEventFilter struct {
	Identity       string
	ConversationID string
	EventTypes     []string
	Since          int64
	Limit          int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSendState(state string) error {
	switch state {
	case SendStatePending, SendStateSent, SendStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid send state %q", state)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
