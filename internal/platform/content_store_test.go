package platform

import (
	"context"
	"testing"
	"time"
)

func TestMemoryContentDriver_StoreAndRetrieve(t *testing.T) {
	d := NewMemoryContentDriver()
	ctx := context.Background()

	content := []byte("hello world")
	hash, err := d.Store(ctx, content)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if hash == "" {
		t.Fatal("Expected non-empty hash")
	}

	retrieved, err := d.Retrieve(ctx, hash)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if string(retrieved) != string(content) {
		t.Errorf("Content mismatch: got %q, want %q", retrieved, content)
	}
}

func TestMemoryContentDriver_Deduplication(t *testing.T) {
	d := NewMemoryContentDriver()
	ctx := context.Background()

	content := []byte("duplicate content")

	hash1, err := d.Store(ctx, content)
	if err != nil {
		t.Fatalf("First Store failed: %v", err)
	}
	hash2, err := d.Store(ctx, content)
	if err != nil {
		t.Fatalf("Second Store failed: %v", err)
	}
	if hash1 != hash2 {
		t.Errorf("Expected same hash for same content: %s != %s", hash1, hash2)
	}

	meta, err := d.GetMetadata(ctx, hash1)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if meta.RefCount != 2 {
		t.Errorf("Expected RefCount=2, got %d", meta.RefCount)
	}
}

func TestMemoryContentDriver_DeleteWithRefCount(t *testing.T) {
	d := NewMemoryContentDriver()
	ctx := context.Background()

	content := []byte("shared content")
	hash, _ := d.Store(ctx, content)
	d.Store(ctx, content)

	if err := d.Delete(ctx, hash); err != nil {
		t.Fatalf("First delete failed: %v", err)
	}
	exists, _ := d.Exists(ctx, hash)
	if !exists {
		t.Error("Content should still exist with refcount > 0")
	}

	if err := d.Delete(ctx, hash); err != nil {
		t.Fatalf("Second delete failed: %v", err)
	}
	exists, _ = d.Exists(ctx, hash)
	if exists {
		t.Error("Content should be deleted when refcount reaches 0")
	}
}

func TestMemoryContentDriver_NotFound(t *testing.T) {
	d := NewMemoryContentDriver()
	ctx := context.Background()

	_, err := d.Retrieve(ctx, "nonexistent")
	if _, ok := err.(ErrContentNotFound); !ok {
		t.Errorf("Expected ErrContentNotFound, got %T: %v", err, err)
	}
	_, err = d.GetMetadata(ctx, "nonexistent")
	if _, ok := err.(ErrContentNotFound); !ok {
		t.Errorf("Expected ErrContentNotFound, got %T: %v", err, err)
	}
}

func TestMemoryContentDriver_ContentIsolation(t *testing.T) {
	d := NewMemoryContentDriver()
	ctx := context.Background()

	original := []byte("original content")
	hash, _ := d.Store(ctx, original)
	retrieved, _ := d.Retrieve(ctx, hash)

	original[0] = 'X'
	retrieved2, _ := d.Retrieve(ctx, hash)
	if retrieved2[0] == 'X' {
		t.Error("Content should be isolated from original mutations")
	}

	retrieved[0] = 'Y'
	retrieved3, _ := d.Retrieve(ctx, hash)
	if retrieved3[0] == 'Y' {
		t.Error("Content should be isolated from retrieval mutations")
	}
}

func newStartedFileDriver(t *testing.T) (*FileContentDriver, string) {
	t.Helper()
	dir := t.TempDir()
	d := NewFileContentDriver(dir)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { d.Stop(context.Background()) })
	return d, dir
}

func TestFileContentDriver_StoreAndRetrieve(t *testing.T) {
	d, _ := newStartedFileDriver(t)
	ctx := context.Background()

	content := []byte("pacman package payload")
	hash, err := d.Store(ctx, content)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	retrieved, err := d.Retrieve(ctx, hash)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if string(retrieved) != string(content) {
		t.Errorf("Content mismatch: got %q, want %q", retrieved, content)
	}
}

func TestFileContentDriver_DeduplicatesOnDisk(t *testing.T) {
	d, _ := newStartedFileDriver(t)
	ctx := context.Background()

	content := []byte("shared payload")
	hash1, err := d.Store(ctx, content)
	if err != nil {
		t.Fatalf("first store: %v", err)
	}
	hash2, err := d.Store(ctx, content)
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	if hash1 != hash2 {
		t.Fatalf("expected same hash, got %s and %s", hash1, hash2)
	}

	meta, err := d.GetMetadata(ctx, hash1)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.RefCount != 2 {
		t.Errorf("expected RefCount=2, got %d", meta.RefCount)
	}
}

func TestFileContentDriver_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	d1 := NewFileContentDriver(dir)
	if err := d1.Start(ctx); err != nil {
		t.Fatalf("start 1: %v", err)
	}
	content := []byte("durable content")
	meta := ContentMetadata{ContentType: "application/x-pacman-package", Labels: map[string]string{"pool": "p1"}}
	hash, err := d1.StoreWithMetadata(ctx, content, meta)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := d1.Stop(ctx); err != nil {
		t.Fatalf("stop 1: %v", err)
	}

	d2 := NewFileContentDriver(dir)
	if err := d2.Start(ctx); err != nil {
		t.Fatalf("start 2: %v", err)
	}
	defer d2.Stop(ctx)

	retrieved, err := d2.Retrieve(ctx, hash)
	if err != nil {
		t.Fatalf("retrieve after restart: %v", err)
	}
	if string(retrieved) != string(content) {
		t.Errorf("content mismatch after restart: got %q", retrieved)
	}

	gotMeta, err := d2.GetMetadata(ctx, hash)
	if err != nil {
		t.Fatalf("metadata after restart: %v", err)
	}
	if gotMeta.ContentType != "application/x-pacman-package" {
		t.Errorf("content type lost after restart: %q", gotMeta.ContentType)
	}
	if gotMeta.Labels["pool"] != "p1" {
		t.Errorf("label lost after restart: %v", gotMeta.Labels)
	}
}

func TestFileContentDriver_DeleteRemovesObject(t *testing.T) {
	d, _ := newStartedFileDriver(t)
	ctx := context.Background()

	hash, err := d.Store(ctx, []byte("to delete"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := d.Delete(ctx, hash); err != nil {
		t.Fatalf("delete: %v", err)
	}
	exists, _ := d.Exists(ctx, hash)
	if exists {
		t.Error("expected content removed")
	}
	if _, err := d.Retrieve(ctx, hash); err == nil {
		t.Error("expected error retrieving deleted content")
	}

	// Idempotent.
	if err := d.Delete(ctx, hash); err != nil {
		t.Errorf("second delete should be idempotent: %v", err)
	}
}

func TestFileContentDriver_CompactPreservesState(t *testing.T) {
	d, _ := newStartedFileDriver(t)
	ctx := context.Background()

	hashA, _ := d.Store(ctx, []byte("package A"))
	d.Store(ctx, []byte("package A")) // bump refcount to 2
	hashB, err := d.Store(ctx, []byte("package B"))
	if err != nil {
		t.Fatalf("store B: %v", err)
	}
	if err := d.Delete(ctx, hashB); err != nil {
		t.Fatalf("delete B: %v", err)
	}

	if err := d.Compact(ctx); err != nil {
		t.Fatalf("compact: %v", err)
	}

	metaA, err := d.GetMetadata(ctx, hashA)
	if err != nil {
		t.Fatalf("metadata A after compact: %v", err)
	}
	if metaA.RefCount != 2 {
		t.Errorf("expected RefCount=2 for A after compact, got %d", metaA.RefCount)
	}
	if exists, _ := d.Exists(ctx, hashB); exists {
		t.Error("expected B to remain deleted after compact")
	}

	stats := d.Stats()
	if stats.ItemCount != 1 {
		t.Errorf("expected 1 item after compact, got %d", stats.ItemCount)
	}
}

func TestFileContentDriver_Stats(t *testing.T) {
	d, _ := newStartedFileDriver(t)
	ctx := context.Background()

	d.Store(ctx, []byte("content1"))
	d.Store(ctx, []byte("content2"))
	d.Store(ctx, []byte("content1")) // duplicate

	stats := d.Stats()
	if stats.ItemCount != 2 {
		t.Errorf("expected 2 items (deduplicated), got %d", stats.ItemCount)
	}
	expectedSize := int64(len("content1") + len("content2"))
	if stats.TotalSize != expectedSize {
		t.Errorf("expected total size %d, got %d", expectedSize, stats.TotalSize)
	}
}

func TestFileContentDriver_ExpiresAtRoundTrips(t *testing.T) {
	d, _ := newStartedFileDriver(t)
	ctx := context.Background()

	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	hash, err := d.StoreWithMetadata(ctx, []byte("expiring"), ContentMetadata{ExpiresAt: &expires})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	meta, err := d.GetMetadata(ctx, hash)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.ExpiresAt == nil || !meta.ExpiresAt.Equal(expires) {
		t.Errorf("expected ExpiresAt=%v, got %v", expires, meta.ExpiresAt)
	}
}
