package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cipherchat/crypto"
	"cipherchat/keystore"
	"cipherchat/models"
	"cipherchat/realtime"
)

const (
	// UsersRoot is the store path holding one record per user.
	UsersRoot = "users"
	// DefaultPublicKeyTTL bounds how long a cached peer key is used before the
	// directory is consulted again.
	DefaultPublicKeyTTL = 10 * time.Minute
)

// ErrInvalidUser indicates a user record that cannot be published.
var ErrInvalidUser = errors.New("directory: invalid user")

// Directory publishes and looks up user records and their public keys.
type Directory struct {
	store realtime.Store
	keys  *keystore.KeyStore

	keyTTL time.Duration
	now    func() time.Time
}

// New builds a directory over the realtime store. keys may be nil, in which
// case public keys are fetched from the store on every lookup.
func New(store realtime.Store, keys *keystore.KeyStore) *Directory {
	return &Directory{
		store:  store,
		keys:   keys,
		keyTTL: DefaultPublicKeyTTL,
		now:    time.Now,
	}
}

// SetPublicKeyTTL changes how long cached public keys are trusted. A
// non-positive ttl restores DefaultPublicKeyTTL.
func (d *Directory) SetPublicKeyTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultPublicKeyTTL
	}
	d.keyTTL = ttl
}

// UserPath returns the store path of uid's record.
func UserPath(uid string) string {
	return realtime.Join(UsersRoot, uid)
}

// SaveUser replaces uid's directory record.
func (d *Directory) SaveUser(ctx context.Context, user models.User) error {
	user.UID = strings.TrimSpace(user.UID)
	if user.UID == "" || strings.Contains(user.UID, realtime.PathSeparator) {
		return fmt.Errorf("%w: uid %q", ErrInvalidUser, user.UID)
	}
	if user.PublicKey != "" {
		der, err := crypto.DecodeKey(user.PublicKey)
		if err != nil || !crypto.IsValidPublicKey(der) {
			return fmt.Errorf("%w: public key of %q is not an RSA key", ErrInvalidUser, user.UID)
		}
	}

	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user %q: %w", user.UID, err)
	}
	if err := d.store.Write(ctx, UserPath(user.UID), raw); err != nil {
		return fmt.Errorf("save user %q: %w", user.UID, err)
	}
	return nil
}

// GetUser fetches uid's record. ok is false when no record exists.
func (d *Directory) GetUser(ctx context.Context, uid string) (models.User, bool, error) {
	snapshot, err := d.store.ReadOnce(ctx, UserPath(uid))
	if err != nil {
		return models.User{}, false, fmt.Errorf("read user %q: %w", uid, err)
	}
	if snapshot.Value == nil {
		return models.User{}, false, nil
	}

	user, err := models.DecodeUser(uid, snapshot.Value)
	if err != nil {
		return models.User{}, false, err
	}
	return user, true, nil
}

// ListUsers returns every published user ordered by uid.
func (d *Directory) ListUsers(ctx context.Context) ([]models.User, error) {
	snapshot, err := d.store.ReadOnce(ctx, UsersRoot)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	users := make([]models.User, 0, len(snapshot.Children))
	for _, uid := range snapshot.Keys() {
		if strings.Contains(uid, realtime.PathSeparator) {
			continue
		}
		raw, _ := snapshot.Child(uid)
		user, err := models.DecodeUser(uid, raw)
		if err != nil {
			continue
		}
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UID < users[j].UID })
	return users, nil
}

// ListContacts returns every published user except viewer.
func (d *Directory) ListContacts(ctx context.Context, viewer string) ([]models.User, error) {
	users, err := d.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	contacts := users[:0]
	for _, user := range users {
		if user.UID != viewer {
			contacts = append(contacts, user)
		}
	}
	return contacts, nil
}

// SetStatus records uid's presence, creating a minimal record when none exists.
func (d *Directory) SetStatus(ctx context.Context, uid, status string) error {
	user, ok, err := d.GetUser(ctx, uid)
	if err != nil {
		return err
	}
	if !ok {
		user = models.User{UID: uid, Username: uid}
	}
	user.Status = status
	return d.SaveUser(ctx, user)
}

// GetPublicKey returns uid's DER public key. A cached key younger than the
// TTL is used as is; otherwise the directory record is read and the cache
// refreshed, so a peer that re-keys is picked up once the TTL passes. ok is
// false when the user has no usable key, which callers treat as a plaintext
// fallback rather than an error.
func (d *Directory) GetPublicKey(ctx context.Context, uid string) ([]byte, bool, error) {
	if d.keys != nil {
		key, cachedAt, ok, err := d.keys.LoadCachedPublicKeyAt(uid)
		if err != nil {
			return nil, false, err
		}
		if ok && d.now().Sub(cachedAt) < d.keyTTL {
			return key, true, nil
		}
	}

	user, ok, err := d.GetUser(ctx, uid)
	if err != nil || !ok || !user.HasPublicKey() {
		return nil, false, err
	}

	key, err := crypto.DecodeKey(user.PublicKey)
	if err != nil || !crypto.IsValidPublicKey(key) {
		return nil, false, nil
	}

	if d.keys != nil {
		if err := d.keys.CachePublicKey(uid, key); err != nil {
			return nil, false, err
		}
	}
	return key, true, nil
}

// PublishPublicKey stores publicKey on uid's record, creating a minimal
// record when none exists.
func (d *Directory) PublishPublicKey(ctx context.Context, uid string, publicKey []byte) error {
	if !crypto.IsValidPublicKey(publicKey) {
		return fmt.Errorf("publish public key for %q: %w", uid, crypto.ErrInvalidKey)
	}

	user, ok, err := d.GetUser(ctx, uid)
	if err != nil {
		return err
	}
	if !ok {
		user = models.User{UID: uid, Username: uid}
	}
	user.PublicKey = crypto.EncodeKey(publicKey)

	if err := d.SaveUser(ctx, user); err != nil {
		return err
	}
	if d.keys != nil {
		return d.keys.CachePublicKey(uid, publicKey)
	}
	return nil
}
