package chat

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"cipherchat/crypto"
	"cipherchat/keystore"
	"cipherchat/models"
	"cipherchat/realtime"
	"cipherchat/storage"
)

const scenarioTimestamp int64 = 1_700_000_000_000

var (
	bobPairOnce sync.Once
	bobPair     crypto.KeyPair
	bobPairErr  error
)

func bobKeyPair(t *testing.T) crypto.KeyPair {
	t.Helper()
	bobPairOnce.Do(func() {
		bobPair, bobPairErr = crypto.GenerateKeyPair()
	})
	if bobPairErr != nil {
		t.Fatalf("GenerateKeyPair() error = %v", bobPairErr)
	}
	return bobPair
}

func newTestRealtime(t *testing.T) *realtime.BoltStore {
	t.Helper()
	store, err := realtime.OpenBolt(filepath.Join(t.TempDir(), "realtime.db"))
	if err != nil {
		t.Fatalf("OpenBolt() error = %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func newTestLocal(t *testing.T) *storage.Store {
	t.Helper()
	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func newTestKeyStore(t *testing.T) (*keystore.KeyStore, *storage.Store) {
	t.Helper()
	local := newTestLocal(t)
	return keystore.New(local), local
}

// staticDirectory serves fixed public keys.
type staticDirectory struct {
	keys map[string][]byte
	err  error
}

func (d staticDirectory) GetPublicKey(_ context.Context, uid string) ([]byte, bool, error) {
	if d.err != nil {
		return nil, false, d.err
	}
	key, ok := d.keys[uid]
	return key, ok, nil
}

type staticSetting bool

func (s staticSetting) EncryptionEnabled() (bool, error) {
	return bool(s), nil
}

func textMessage(sender, receiver string, timestamp int64, content string) models.Message {
	return models.Message{
		SenderID:   sender,
		ReceiverID: receiver,
		Timestamp:  timestamp,
		Type:       models.MessageTypeText,
		Content:    content,
	}
}

func encryptedMessage(t *testing.T, sender, receiver string, timestamp int64, content string) models.Message {
	t.Helper()
	envelope, err := crypto.Encrypt(content, timestamp, bobKeyPair(t).PublicKey)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	msg := textMessage(sender, receiver, timestamp, envelope.Ciphertext)
	msg.IsEncrypted = true
	msg.EncryptedSymmetricKey = envelope.WrappedKey
	msg.IV = envelope.IV
	msg.TimeSlot = envelope.TimeSlot
	msg.IntegrityHash = crypto.Hash(content)
	return msg
}
