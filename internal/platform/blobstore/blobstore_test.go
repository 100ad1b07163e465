package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/golang/snappy"
)

func TestInMemoryBlobStore_PutGet(t *testing.T) {
	s := NewInMemoryBlobStore()
	ctx := context.Background()

	meta, err := s.Put(ctx, "batches/default/b1.json.sz", []byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if meta.Key != "batches/default/b1.json.sz" || meta.Size != 5 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if meta.Hash != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("unexpected hash %s", meta.Hash)
	}

	got, err := s.Get(ctx, "batches/default/b1.json.sz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("expected hello, got %q", got)
	}

	// Mutating the returned slice must not change the stored blob.
	got[0] = 'J'
	again, _ := s.Get(ctx, "batches/default/b1.json.sz")
	if string(again) != "hello" {
		t.Error("stored blob was mutated through a returned slice")
	}
}

func TestInMemoryBlobStore_PutOverwrites(t *testing.T) {
	s := NewInMemoryBlobStore()
	ctx := context.Background()
	_, _ = s.Put(ctx, "k", []byte("one"))
	_, _ = s.Put(ctx, "k", []byte("two"))

	got, _ := s.Get(ctx, "k")
	if string(got) != "two" {
		t.Errorf("expected overwrite, got %q", got)
	}
}

func TestInMemoryBlobStore_PutRequiresKey(t *testing.T) {
	if _, err := NewInMemoryBlobStore().Put(context.Background(), "", []byte("x")); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestInMemoryBlobStore_NotFound(t *testing.T) {
	s := NewInMemoryBlobStore()
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Get: expected ErrBlobNotFound, got %v", err)
	}
	if err := s.Delete(context.Background(), "missing"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Delete: expected ErrBlobNotFound, got %v", err)
	}
}

func TestInMemoryBlobStore_DeleteAndList(t *testing.T) {
	s := NewInMemoryBlobStore()
	ctx := context.Background()
	for _, k := range []string{"batches/b/2", "batches/a/1", "batches/a/0", "other/x"} {
		_, _ = s.Put(ctx, k, []byte(k))
	}

	keys, err := s.List(ctx, "batches/a/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "batches/a/0" || keys[1] != "batches/a/1" {
		t.Errorf("unexpected keys: %v", keys)
	}

	if err := s.Delete(ctx, "batches/a/0"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	keys, _ = s.List(ctx, "batches/")
	if len(keys) != 2 {
		t.Errorf("expected 2 keys after delete, got %v", keys)
	}
}

func TestPutCompressed_RoundTrip(t *testing.T) {
	s := NewInMemoryBlobStore()
	ctx := context.Background()
	doc := bytes.Repeat([]byte(`{"status":"ok"}`), 200)

	meta, err := PutCompressed(ctx, s, "doc", doc)
	if err != nil {
		t.Fatalf("PutCompressed: %v", err)
	}
	if meta.Size != int64(len(doc)) {
		t.Errorf("metadata should report uncompressed size, got %d", meta.Size)
	}

	raw, _ := s.Get(ctx, "doc")
	if len(raw) >= len(doc) {
		t.Errorf("expected compressed blob smaller than %d, got %d", len(doc), len(raw))
	}
	if decoded, err := snappy.Decode(nil, raw); err != nil || !bytes.Equal(decoded, doc) {
		t.Fatalf("stored blob is not snappy encoded doc: %v", err)
	}

	got, err := GetCompressed(ctx, s, "doc")
	if err != nil {
		t.Fatalf("GetCompressed: %v", err)
	}
	if !bytes.Equal(got, doc) {
		t.Error("round trip mismatch")
	}
}

func TestGetCompressed_CorruptBlob(t *testing.T) {
	s := NewInMemoryBlobStore()
	ctx := context.Background()
	_, _ = s.Put(ctx, "bad", []byte{0xff, 0xff, 0xff, 0xff, 0xff})

	if _, err := GetCompressed(ctx, s, "bad"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNewS3BlobStore_RequiresBucket(t *testing.T) {
	if _, err := NewS3BlobStore(context.Background(), S3Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestInMemoryBlobStore_ConcurrentAccess(t *testing.T) {
	s := NewInMemoryBlobStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k/%d", i)
			if _, err := PutCompressed(ctx, s, key, []byte(key)); err != nil {
				t.Errorf("put %s: %v", key, err)
				return
			}
			if _, err := GetCompressed(ctx, s, key); err != nil {
				t.Errorf("get %s: %v", key, err)
			}
		}(i)
	}
	wg.Wait()

	keys, _ := s.List(ctx, "k/")
	if len(keys) != 50 {
		t.Errorf("expected 50 keys, got %d", len(keys))
	}
}
