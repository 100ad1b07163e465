// Package blobstore stores opaque documents by key. It backs the batch
// archive with an in-memory store for development and tests and an S3 store
// for deployments; payloads are snappy compressed on the way in.
package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
)

var ErrBlobNotFound = errors.New("blob not found")

// MaxBlobSize caps a single uncompressed document (64 MB).
const MaxBlobSize = 64 << 20

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// BlobStore is the contract every backend satisfies. Keys are slash
// separated paths; Put overwrites.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (*BlobMetadata, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// PutCompressed snappy-encodes data before storing it. Metadata reports the
// uncompressed size and hash.
func PutCompressed(ctx context.Context, s BlobStore, key string, data []byte) (*BlobMetadata, error) {
	if len(data) > MaxBlobSize {
		return nil, fmt.Errorf("blob %s: %d bytes exceeds maximum of %d", key, len(data), MaxBlobSize)
	}
	meta, err := s.Put(ctx, key, snappy.Encode(nil, data))
	if err != nil {
		return nil, err
	}
	meta.Size = int64(len(data))
	meta.Hash = hashOf(data)
	return meta, nil
}

// GetCompressed reverses PutCompressed.
func GetCompressed(ctx context.Context, s BlobStore, key string) ([]byte, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("decode blob %s: %w", key, err)
	}
	return data, nil
}

func hashOf(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]*storedBlob)}
}

func (s *InMemoryBlobStore) Put(_ context.Context, key string, data []byte) (*BlobMetadata, error) {
	if key == "" {
		return nil, errors.New("blob key is required")
	}
	content := make([]byte, len(data))
	copy(content, data)

	meta := BlobMetadata{
		Key:       key,
		Size:      int64(len(content)),
		Hash:      hashOf(content),
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.blobs[key] = &storedBlob{metadata: meta, content: content}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	out := make([]byte, len(blob.content))
	copy(out, blob.content)
	return out, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

// List returns the keys under prefix in lexical order.
func (s *InMemoryBlobStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
