package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidPath indicates an empty path or a path with empty segments.
	ErrInvalidPath = errors.New("realtime: invalid path")
	// ErrInvalidValue indicates a value that is not valid JSON.
	ErrInvalidValue = errors.New("realtime: value must be valid JSON")
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("realtime: store closed")
)

// PathSeparator joins path segments.
const PathSeparator = "/"

// Store is a hierarchical key-value store with change subscriptions.
// Each leaf path holds one JSON record; writes are last-write-wins per leaf.
type Store interface {
	// Write replaces the record at path.
	Write(ctx context.Context, path string, value []byte) error
	// Update writes several leaves in one atomic commit.
	Update(ctx context.Context, values map[string][]byte) error
	// Subscribe delivers the full collection under path now and after every
	// change beneath it. The channel closes when ctx is done.
	Subscribe(ctx context.Context, path string) (<-chan Snapshot, error)
	// ReadOnce returns the current collection under path.
	ReadOnce(ctx context.Context, path string) (Snapshot, error)
	// Push returns a new unique, chronologically ordered child path of path.
	Push(path string) string
}

// Snapshot is the state of one path: the record stored at the path itself and
// every record below it keyed by its path relative to Path.
type Snapshot struct {
	Path     string
	Value    []byte
	Children map[string][]byte
}

// Exists reports whether anything is stored at or below the path.
func (s Snapshot) Exists() bool {
	return s.Value != nil || len(s.Children) > 0
}

// Keys returns the relative child paths in lexical order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Children))
	for key := range s.Children {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Child returns the record stored at the relative path rel.
func (s Snapshot) Child(rel string) ([]byte, bool) {
	value, ok := s.Children[rel]
	return value, ok
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, PathSeparator)
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, segment := range strings.Split(path, PathSeparator) {
		if segment == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return nil
}

// within reports whether leaf is path itself or lies below it.
func within(leaf, path string) bool {
	return leaf == path || strings.HasPrefix(leaf, path+PathSeparator)
}
