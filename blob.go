package jobtier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrBlobNotFound is returned when the requested object does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the hot object storage holding inputs and results.
type BlobStore interface {
	Put(ctx context.Context, bucket, key string, data []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, bucket, key string) error
}

// DownloadToFile fetches bucket/key into path, writing through a temporary
// file in the same directory so that a partial download never replaces an
// existing file.
func DownloadToFile(ctx context.Context, blobs BlobStore, bucket, key, path string) error {
	data, err := blobs.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// MemoryBlobStore keeps objects in memory. Used by tests and local runs.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: make(map[string][]byte)}
}

func blobID(bucket, key string) string {
	return bucket + "/" + key
}

func (s *MemoryBlobStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[blobID(bucket, key)] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryBlobStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[blobID(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrBlobNotFound, bucket, key)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryBlobStore) Delete(ctx context.Context, bucket, key string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, blobID(bucket, key))
	return nil
}

// Exists reports whether an object is stored under bucket/key.
func (s *MemoryBlobStore) Exists(bucket, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[blobID(bucket, key)]
	return ok
}

// FileBlobStore maps buckets to directories under a root directory.
type FileBlobStore struct {
	root string
}

// NewFileBlobStore creates a blob store rooted at dir.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FileBlobStore{root: dir}, nil
}

func (s *FileBlobStore) path(bucket, key string) (string, error) {
	p := filepath.Join(s.root, bucket, filepath.FromSlash(key))
	if !strings.HasPrefix(p, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("blob key escapes root: %s/%s", bucket, key)
	}
	return p, nil
}

func (s *FileBlobStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	return writeFileAtomic(p, data)
}

func (s *FileBlobStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	p, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrBlobNotFound, bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *FileBlobStore) Delete(ctx context.Context, bucket, key string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
