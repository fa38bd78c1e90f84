package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cipherchat/crypto"
	"cipherchat/storage"
)

// SettingEncryptionEnabled is the settings key of the encryption toggle.
const SettingEncryptionEnabled = "encryption_enabled"

// KeyStore keeps the signed-in identity's RSA key pair and cached peer public
// keys in the local database. Nothing here is ever written to the realtime store.
type KeyStore struct {
	store *storage.Store

	mu       sync.Mutex
	generate func() (crypto.KeyPair, error)
}

// New wraps an opened local store.
func New(store *storage.Store) *KeyStore {
	return &KeyStore{
		store:    store,
		generate: crypto.GenerateKeyPair,
	}
}

// GenerateKeyPair creates a fresh RSA-2048 key pair without persisting it.
func (k *KeyStore) GenerateKeyPair() (crypto.KeyPair, error) {
	return k.generate()
}

// PersistPrivateKey stores the key pair of identity, replacing any previous one.
func (k *KeyStore) PersistPrivateKey(identity string, pair crypto.KeyPair) error {
	if !crypto.IsValidPrivateKey(pair.PrivateKey) {
		return fmt.Errorf("persist private key for %q: %w", identity, crypto.ErrInvalidKey)
	}

	record := storage.PrivateKeyRecord{
		Identity:   identity,
		PrivateKey: crypto.EncodeKey(pair.PrivateKey),
		PublicKey:  crypto.EncodeKey(pair.PublicKey),
	}
	if err := k.store.SavePrivateKey(record); err != nil {
		return fmt.Errorf("persist private key: %w", err)
	}
	return nil
}

// LoadPrivateKey returns the DER private key of identity. ok is false when no
// key has been stored.
func (k *KeyStore) LoadPrivateKey(identity string) (key []byte, ok bool, err error) {
	pair, ok, err := k.loadKeyPair(identity)
	if err != nil || !ok {
		return nil, ok, err
	}
	return pair.PrivateKey, true, nil
}

// LoadKeyPair returns the full stored key pair of identity.
func (k *KeyStore) LoadKeyPair(identity string) (crypto.KeyPair, bool, error) {
	return k.loadKeyPair(identity)
}

func (k *KeyStore) loadKeyPair(identity string) (crypto.KeyPair, bool, error) {
	record, err := k.store.GetPrivateKey(identity)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return crypto.KeyPair{}, false, nil
		}
		return crypto.KeyPair{}, false, fmt.Errorf("load private key: %w", err)
	}

	privateKey, err := crypto.DecodeKey(record.PrivateKey)
	if err != nil {
		return crypto.KeyPair{}, false, fmt.Errorf("load private key for %q: %w", identity, err)
	}
	publicKey, err := crypto.DecodeKey(record.PublicKey)
	if err != nil {
		return crypto.KeyPair{}, false, fmt.Errorf("load public key for %q: %w", identity, err)
	}
	return crypto.KeyPair{PublicKey: publicKey, PrivateKey: privateKey}, true, nil
}

// CachePublicKey remembers a peer's DER public key.
func (k *KeyStore) CachePublicKey(identity string, publicKey []byte) error {
	if !crypto.IsValidPublicKey(publicKey) {
		return fmt.Errorf("cache public key for %q: %w", identity, crypto.ErrInvalidKey)
	}
	err := k.store.SavePublicKey(storage.PublicKeyRecord{
		Identity:  identity,
		PublicKey: crypto.EncodeKey(publicKey),
	})
	if err != nil {
		return fmt.Errorf("cache public key: %w", err)
	}
	return nil
}

// LoadCachedPublicKey returns a previously cached peer public key.
func (k *KeyStore) LoadCachedPublicKey(identity string) (key []byte, ok bool, err error) {
	key, _, ok, err = k.LoadCachedPublicKeyAt(identity)
	return key, ok, err
}

// LoadCachedPublicKeyAt is LoadCachedPublicKey plus the time the key was cached.
func (k *KeyStore) LoadCachedPublicKeyAt(identity string) (key []byte, cachedAt time.Time, ok bool, err error) {
	record, err := k.store.GetPublicKey(identity)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, time.Time{}, false, nil
		}
		return nil, time.Time{}, false, fmt.Errorf("load cached public key: %w", err)
	}

	key, err = crypto.DecodeKey(record.PublicKey)
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("load cached public key for %q: %w", identity, err)
	}
	return key, time.UnixMilli(record.CachedAt), true, nil
}

// HasKeys reports whether identity has a usable private key stored locally.
func (k *KeyStore) HasKeys(identity string) bool {
	key, ok, err := k.LoadPrivateKey(identity)
	return err == nil && ok && crypto.IsValidPrivateKey(key)
}

// EnsureKeyPair loads the key pair of identity or generates and persists a new
// one. created reports whether generation happened.
func (k *KeyStore) EnsureKeyPair(identity string) (pair crypto.KeyPair, created bool, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	pair, ok, err := k.loadKeyPair(identity)
	if err != nil {
		return crypto.KeyPair{}, false, err
	}
	if ok && crypto.IsValidPrivateKey(pair.PrivateKey) {
		return pair, false, nil
	}

	pair, err = k.generate()
	if err != nil {
		return crypto.KeyPair{}, false, err
	}
	if err := k.PersistPrivateKey(identity, pair); err != nil {
		return crypto.KeyPair{}, false, err
	}

	k.logEvent(storage.SecurityEventKeysGenerated, identity, map[string]string{
		"fingerprint": crypto.KeyFingerprint(pair.PublicKey),
	})
	return pair, true, nil
}

// Clear erases the local keys of identity.
func (k *KeyStore) Clear(identity string) error {
	if err := k.store.DeleteKeys(identity); err != nil {
		return fmt.Errorf("clear keys: %w", err)
	}
	k.logEvent(storage.SecurityEventKeysCleared, identity, map[string]string{"scope": "identity"})
	return nil
}

// ClearAll erases every locally stored key.
func (k *KeyStore) ClearAll() error {
	if err := k.store.DeleteAllKeys(); err != nil {
		return fmt.Errorf("clear all keys: %w", err)
	}
	k.logEvent(storage.SecurityEventKeysCleared, "", map[string]string{"scope": "all"})
	return nil
}

// EncryptionEnabled reports the local encryption toggle. It defaults to true.
func (k *KeyStore) EncryptionEnabled() (bool, error) {
	return k.store.GetBoolSetting(SettingEncryptionEnabled, true)
}

// SetEncryptionEnabled updates the local encryption toggle.
func (k *KeyStore) SetEncryptionEnabled(enabled bool) error {
	return k.store.SetBoolSetting(SettingEncryptionEnabled, enabled)
}

// logEvent is best-effort; key management never fails on audit errors.
func (k *KeyStore) logEvent(eventType, identity string, details map[string]string) {
	encoded, err := json.Marshal(details)
	if err != nil {
		return
	}
	event := storage.SecurityEvent{
		EventType: eventType,
		Details:   string(encoded),
		Severity:  storage.SecuritySeverityInfo,
	}
	if identity != "" {
		event.Identity = &identity
	}
	_ = k.store.LogSecurityEvent(event)
}
