// Package objectstore persists result and summary artifacts by key.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

const (
	ContentTypeJSON = "application/json"
	// DefaultContentType is recorded when Put is given none.
	DefaultContentType = "application/octet-stream"
)

// Entry describes one stored object.
type Entry struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	ModTime     time.Time `json:"mod_time"`
}

// Store is a flat key/value blob store. Keys are slash-separated paths such
// as "results/<job_id>.json".
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the objects under prefix in lexical key order.
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// validateKey rejects empty segments, dot segments and segments starting
// with a dot, which FileStore reserves for its own bookkeeping.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || strings.HasPrefix(part, ".") {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

func normalizeType(contentType string) string {
	if contentType == "" {
		return DefaultContentType
	}
	return contentType
}

// FileStore keeps objects as files under a root directory. Each object's
// content type lives in a hidden sidecar file next to it.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func sidecarPath(p string) string {
	return filepath.Join(filepath.Dir(p), "."+filepath.Base(p)+".ctype")
}

// Put writes the content type, then the data, each atomically via a temp
// file and rename.
func (s *FileStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := writeAtomic(sidecarPath(dst), []byte(normalizeType(contentType))); err != nil {
		return fmt.Errorf("put %s content type: %w", key, err)
	}
	if err := writeAtomic(dst, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func writeAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	entries := []Entry{}
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Key:         key,
			Size:        info.Size(),
			ContentType: readContentType(p),
			ModTime:     info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })
	return entries, nil
}

// readContentType falls back to the default for objects written without a
// sidecar.
func readContentType(p string) string {
	raw, err := os.ReadFile(sidecarPath(p))
	if err != nil {
		return DefaultContentType
	}
	return normalizeType(string(bytes.TrimSpace(raw)))
}

type memObject struct {
	data        []byte
	contentType string
	modTime     time.Time
}

// MemoryStore keeps objects in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	now     func() time.Time

	// PutFunc, when set, replaces Put. Tests use it to inject storage faults.
	PutFunc func(ctx context.Context, key string, data []byte, contentType string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if s.PutFunc != nil {
		return s.PutFunc(ctx, key, data, contentType)
	}
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memObject{
		data:        append([]byte(nil), data...),
		contentType: normalizeType(contentType),
		modTime:     s.now(),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := []Entry{}
	for k, obj := range s.objects {
		if strings.HasPrefix(k, prefix) {
			entries = append(entries, Entry{
				Key:         k,
				Size:        int64(len(obj.data)),
				ContentType: obj.contentType,
				ModTime:     obj.modTime,
			})
		}
	}
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })
	return entries, nil
}

// Compile-time checks.
var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
