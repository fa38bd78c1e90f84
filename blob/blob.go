package blob

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrEmpty indicates an upload with no data.
	ErrEmpty = errors.New("blob: empty upload")
	// ErrTooLarge indicates an upload beyond the store's size limit.
	ErrTooLarge = errors.New("blob: upload too large")
	// ErrUnknownURL indicates a URL this store did not issue.
	ErrUnknownURL = errors.New("blob: url not served by this store")
)

// DefaultMaxSize caps a single upload.
const DefaultMaxSize = 10 << 20

// Store uploads opaque bytes and returns a URL that resolves to them.
type Store interface {
	Upload(ctx context.Context, data []byte) (string, error)
}

// DirStore keeps uploads as files in one directory and hands out file:// URLs.
type DirStore struct {
	dir     string
	maxSize int
}

// NewDirStore creates dir if needed.
func NewDirStore(dir string) (*DirStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve blob dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &DirStore{dir: abs, maxSize: DefaultMaxSize}, nil
}

// Upload writes data under a random name and returns its URL. The file is
// written to a temp name first so a reader never sees a partial upload.
func (s *DirStore) Upload(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if len(data) > s.maxSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	name := uuid.NewString() + extensionFor(data)
	finalPath := filepath.Join(s.dir, name)
	tempPath := finalPath + ".part"

	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("finalize blob: %w", err)
	}

	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(finalPath)}).String(), nil
}

// Open reads back an upload by the URL Upload returned.
func (s *DirStore) Open(rawURL string) ([]byte, error) {
	path, err := s.localPath(rawURL)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *DirStore) localPath(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme != "file" {
		return "", fmt.Errorf("%w: %s", ErrUnknownURL, rawURL)
	}
	path := filepath.Clean(filepath.FromSlash(parsed.Path))
	if filepath.Dir(path) != s.dir || strings.HasSuffix(path, ".part") {
		return "", fmt.Errorf("%w: %s", ErrUnknownURL, rawURL)
	}
	return path, nil
}

func extensionFor(data []byte) string {
	contentType := http.DetectContentType(data)
	if semi := strings.IndexByte(contentType, ';'); semi >= 0 {
		contentType = contentType[:semi]
	}
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "application/octet-stream":
		return ".bin"
	}
	extensions, err := mime.ExtensionsByType(contentType)
	if err != nil || len(extensions) == 0 {
		return ".bin"
	}
	return extensions[0]
}
