package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketNodes = []byte("nodes")

// BoltStore is a single-file Store backed by bbolt. Several handles in one
// process share subscribers only when they share the same *BoltStore.
type BoltStore struct {
	db *bolt.DB

	// writeMu serializes commit plus fan-out so subscribers never observe an
	// older snapshot after a newer one.
	writeMu sync.Mutex

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool

	// done is closed by Close and releases every subscription watcher.
	done     chan struct{}
	watchers sync.WaitGroup
}

type subscriber struct {
	path string

	mu     sync.Mutex
	ch     chan Snapshot
	closed bool
}

// OpenBolt opens or creates the store file at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create realtime store dir: %w", err)
	}

	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open realtime store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNodes)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create realtime bucket: %w", err)
	}

	return &BoltStore{
		db:          db,
		subscribers: make(map[*subscriber]struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Close closes every subscription and the underlying file.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	subs := make([]*subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = make(map[*subscriber]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	s.watchers.Wait()
	return s.db.Close()
}

// Write replaces the record at path.
func (s *BoltStore) Write(ctx context.Context, path string, value []byte) error {
	return s.Update(ctx, map[string][]byte{path: value})
}

// Update commits every value in one transaction, then notifies subscribers.
func (s *BoltStore) Update(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for path, value := range values {
		if err := validatePath(path); err != nil {
			return err
		}
		if !json.Valid(value) {
			return fmt.Errorf("%w: %s", ErrInvalidValue, path)
		}
	}
	if s.isClosed() {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNodes)
		if bucket == nil {
			return bolt.ErrBucketNotFound
		}
		for path, value := range values {
			if err := bucket.Put([]byte(path), value); err != nil {
				return fmt.Errorf("put %s: %w", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit realtime update: %w", err)
	}

	s.notify(values)
	return nil
}

// Subscribe registers for changes under path. The first snapshot is delivered
// immediately; later ones coalesce so a slow reader only sees the newest state.
func (s *BoltStore) Subscribe(ctx context.Context, path string) (<-chan Snapshot, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscriber{path: path, ch: make(chan Snapshot, 1)}

	s.writeMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return nil, ErrClosed
	}
	s.subscribers[sub] = struct{}{}
	s.watchers.Add(1)
	s.mu.Unlock()

	initial, err := s.read(path)
	if err != nil {
		s.writeMu.Unlock()
		s.unsubscribe(sub)
		s.watchers.Done()
		return nil, err
	}
	sub.deliver(initial)
	s.writeMu.Unlock()

	go func() {
		defer s.watchers.Done()
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.unsubscribe(sub)
	}()

	return sub.ch, nil
}

// ReadOnce returns the current state of path.
func (s *BoltStore) ReadOnce(ctx context.Context, path string) (Snapshot, error) {
	if err := validatePath(path); err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if s.isClosed() {
		return Snapshot{}, ErrClosed
	}
	return s.read(path)
}

// Push returns path joined with a time-ordered UUIDv7 child key.
func (s *BoltStore) Push(path string) string {
	return Join(path, newPushID())
}

func newPushID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *BoltStore) read(path string) (Snapshot, error) {
	snapshot := Snapshot{Path: path, Children: make(map[string][]byte)}
	prefix := []byte(path + PathSeparator)

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNodes)
		if bucket == nil {
			return bolt.ErrBucketNotFound
		}
		if value := bucket.Get([]byte(path)); value != nil {
			snapshot.Value = bytes.Clone(value)
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			snapshot.Children[string(k[len(prefix):])] = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("read %s: %w", path, err)
	}
	return snapshot, nil
}

// notify runs with writeMu held.
func (s *BoltStore) notify(changed map[string][]byte) {
	s.mu.Lock()
	targets := make([]*subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		for path := range changed {
			if within(path, sub.path) {
				targets = append(targets, sub)
				break
			}
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		snapshot, err := s.read(sub.path)
		if err != nil {
			continue
		}
		sub.deliver(snapshot)
	}
}

func (s *BoltStore) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()
	sub.close()
}

func (s *BoltStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// deliver replaces any undelivered snapshot with the newer one.
func (sub *subscriber) deliver(snapshot Snapshot) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- snapshot
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}
