package directory

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cipherchat/crypto"
	"cipherchat/keystore"
	"cipherchat/models"
	"cipherchat/realtime"
	"cipherchat/storage"
)

var (
	pairOnce sync.Once
	pairs    [2]crypto.KeyPair
	pairErr  error
)

func testKeyPairs(t *testing.T) [2]crypto.KeyPair {
	t.Helper()
	pairOnce.Do(func() {
		for i := range pairs {
			if pairs[i], pairErr = crypto.GenerateKeyPair(); pairErr != nil {
				return
			}
		}
	})
	if pairErr != nil {
		t.Fatalf("GenerateKeyPair() error = %v", pairErr)
	}
	return pairs
}

func testKeyPair(t *testing.T) crypto.KeyPair {
	t.Helper()
	return testKeyPairs(t)[0]
}

func newTestDirectory(t *testing.T) (*Directory, *realtime.BoltStore, *keystore.KeyStore) {
	t.Helper()

	dir := t.TempDir()
	store, err := realtime.OpenBolt(filepath.Join(dir, "realtime.db"))
	if err != nil {
		t.Fatalf("OpenBolt() error = %v", err)
	}
	local, _, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
		_ = local.Close()
	})

	keys := keystore.New(local)
	return New(store, keys), store, keys
}

func TestSaveAndGetUser(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	if _, ok, err := d.GetUser(ctx, "alice"); err != nil || ok {
		t.Fatalf("GetUser() before save = ok %v err %v", ok, err)
	}

	user := models.User{UID: "alice", Username: "Alice", Status: "online"}
	if err := d.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	got, ok, err := d.GetUser(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("GetUser() = ok %v err %v", ok, err)
	}
	if got != user {
		t.Fatalf("expected %+v, got %+v", user, got)
	}
}

func TestSaveUserValidation(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	if err := d.SaveUser(ctx, models.User{UID: ""}); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser for empty uid, got %v", err)
	}
	if err := d.SaveUser(ctx, models.User{UID: "a/b"}); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser for nested uid, got %v", err)
	}
	if err := d.SaveUser(ctx, models.User{UID: "alice", PublicKey: "bm90IGEga2V5"}); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser for bad public key, got %v", err)
	}
}

func TestGetPublicKeyFetchesAndCaches(t *testing.T) {
	d, store, keys := newTestDirectory(t)
	ctx := context.Background()
	kp := testKeyPair(t)

	if _, ok, err := d.GetPublicKey(ctx, "bob"); err != nil || ok {
		t.Fatalf("GetPublicKey() for unknown user = ok %v err %v", ok, err)
	}

	if err := d.SaveUser(ctx, models.User{UID: "bob", Username: "Bob"}); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}
	if _, ok, err := d.GetPublicKey(ctx, "bob"); err != nil || ok {
		t.Fatalf("GetPublicKey() for user without key = ok %v err %v", ok, err)
	}

	if err := store.Write(ctx, UserPath("bob"), []byte(`{"uid":"bob","publicKey":"`+crypto.EncodeKey(kp.PublicKey)+`"}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	key, ok, err := d.GetPublicKey(ctx, "bob")
	if err != nil || !ok {
		t.Fatalf("GetPublicKey() = ok %v err %v", ok, err)
	}
	if !bytes.Equal(key, kp.PublicKey) {
		t.Fatalf("unexpected public key")
	}

	cached, ok, err := keys.LoadCachedPublicKey("bob")
	if err != nil || !ok || !bytes.Equal(cached, kp.PublicKey) {
		t.Fatalf("expected key cached locally, ok %v err %v", ok, err)
	}
}

func TestGetPublicKeyIgnoresMalformedKey(t *testing.T) {
	d, store, _ := newTestDirectory(t)
	ctx := context.Background()

	if err := store.Write(ctx, UserPath("bob"), []byte(`{"uid":"bob","publicKey":"bm90IGEga2V5"}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, ok, err := d.GetPublicKey(ctx, "bob"); err != nil || ok {
		t.Fatalf("expected malformed key treated as absent, ok %v err %v", ok, err)
	}
}

func TestPublishPublicKeyCreatesRecord(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()
	kp := testKeyPair(t)

	if err := d.PublishPublicKey(ctx, "alice", kp.PublicKey); err != nil {
		t.Fatalf("PublishPublicKey() error = %v", err)
	}
	user, ok, err := d.GetUser(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("GetUser() = ok %v err %v", ok, err)
	}
	if user.PublicKey != crypto.EncodeKey(kp.PublicKey) {
		t.Fatalf("expected published public key on record")
	}
	if err := d.PublishPublicKey(ctx, "alice", []byte("junk")); !errors.Is(err, crypto.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}

	users, err := d.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if len(users) != 1 || users[0].UID != "alice" {
		t.Fatalf("unexpected users %+v", users)
	}
}

func TestGetPublicKeyRefreshesAfterTTL(t *testing.T) {
	d, _, keys := newTestDirectory(t)
	ctx := context.Background()
	kps := testKeyPairs(t)
	oldKey, newKey := kps[0].PublicKey, kps[1].PublicKey

	if err := d.PublishPublicKey(ctx, "bob", oldKey); err != nil {
		t.Fatalf("PublishPublicKey() error = %v", err)
	}
	// bob re-keys from another device; only the directory record changes.
	if err := d.SaveUser(ctx, models.User{UID: "bob", Username: "bob", PublicKey: crypto.EncodeKey(newKey)}); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	key, ok, err := d.GetPublicKey(ctx, "bob")
	if err != nil || !ok || !bytes.Equal(key, oldKey) {
		t.Fatalf("expected cached key within ttl, ok %v err %v", ok, err)
	}

	d.now = func() time.Time { return time.Now().Add(DefaultPublicKeyTTL + time.Second) }
	key, ok, err = d.GetPublicKey(ctx, "bob")
	if err != nil || !ok || !bytes.Equal(key, newKey) {
		t.Fatalf("expected rotated key after ttl, ok %v err %v", ok, err)
	}
	cached, ok, err := keys.LoadCachedPublicKey("bob")
	if err != nil || !ok || !bytes.Equal(cached, newKey) {
		t.Fatalf("expected cache refreshed with rotated key, ok %v err %v", ok, err)
	}
}

func TestSetPublicKeyTTL(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	d.SetPublicKeyTTL(time.Minute)
	if d.keyTTL != time.Minute {
		t.Fatalf("expected ttl 1m, got %v", d.keyTTL)
	}
	d.SetPublicKeyTTL(0)
	if d.keyTTL != DefaultPublicKeyTTL {
		t.Fatalf("expected default ttl, got %v", d.keyTTL)
	}
}

func TestListContactsExcludesViewer(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	for _, uid := range []string{"carol", "alice", "bob"} {
		if err := d.SaveUser(ctx, models.User{UID: uid, Username: uid}); err != nil {
			t.Fatalf("SaveUser(%s) error = %v", uid, err)
		}
	}

	contacts, err := d.ListContacts(ctx, "bob")
	if err != nil {
		t.Fatalf("ListContacts() error = %v", err)
	}
	if len(contacts) != 2 || contacts[0].UID != "alice" || contacts[1].UID != "carol" {
		t.Fatalf("unexpected contacts %+v", contacts)
	}
}

func TestSetStatusKeepsRecord(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()
	kp := testKeyPair(t)

	if err := d.SaveUser(ctx, models.User{UID: "alice", Username: "Alice", PublicKey: crypto.EncodeKey(kp.PublicKey)}); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}
	if err := d.SetStatus(ctx, "alice", models.StatusOnline); err != nil {
		t.Fatalf("SetStatus(online) error = %v", err)
	}
	user, _, err := d.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if user.Status != models.StatusOnline || user.Username != "Alice" || !user.HasPublicKey() {
		t.Fatalf("unexpected user after SetStatus %+v", user)
	}

	if err := d.SetStatus(ctx, "dave", models.StatusOffline); err != nil {
		t.Fatalf("SetStatus(new user) error = %v", err)
	}
	dave, ok, err := d.GetUser(ctx, "dave")
	if err != nil || !ok || dave.Status != models.StatusOffline {
		t.Fatalf("expected minimal offline record, got %+v ok %v err %v", dave, ok, err)
	}
}
