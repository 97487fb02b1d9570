package earlyexit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func entry(key, output string) *Entry {
	return &Entry{Key: key, Integration: "demo", Output: []byte(output), StoredAt: time.Now()}
}

func TestDiskCache_SetGet(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewDiskCache() error = %v", err)
	}

	if err := cache.Set(context.Background(), entry("steward:demo:1:abc", "plan"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := cache.Get(context.Background(), "steward:demo:1:abc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Output) != "plan" {
		t.Errorf("Expected output %q, got %q", "plan", got.Output)
	}

	if _, err := cache.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDiskCache_Expiry(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewDiskCache() error = %v", err)
	}
	now := time.Now()
	cache.now = func() time.Time { return now }

	_ = cache.Set(context.Background(), entry("short", "a"), time.Second)
	_ = cache.Set(context.Background(), entry("long", "b"), time.Hour)

	now = now.Add(2 * time.Second)

	if _, err := cache.Get(context.Background(), "short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected expired entry to miss, got %v", err)
	}
	if _, err := cache.Get(context.Background(), "long"); err != nil {
		t.Errorf("Expected long-lived entry to hit, got %v", err)
	}
	if cache.Size() != 1 {
		t.Errorf("Expected expired entry to be removed, size = %d", cache.Size())
	}
}

func TestDiskCache_Prune(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewDiskCache() error = %v", err)
	}
	now := time.Now()
	cache.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_ = cache.Set(context.Background(), entry(fmt.Sprintf("k%d", i), "x"), time.Duration(i+1)*time.Minute)
	}
	now = now.Add(90 * time.Second)

	if err := cache.Prune(); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if cache.Size() != 2 {
		t.Errorf("Expected 2 entries after prune, got %d", cache.Size())
	}
}

func TestDiskCache_LRUEviction(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("NewDiskCache() error = %v", err)
	}
	ctx := context.Background()

	_ = cache.Set(ctx, entry("a", "1"), time.Minute)
	_ = cache.Set(ctx, entry("b", "2"), time.Minute)

	// touch a so b becomes least recently used
	if _, err := cache.Get(ctx, "a"); err != nil {
		t.Fatalf("Get(a) error = %v", err)
	}
	_ = cache.Set(ctx, entry("c", "3"), time.Minute)

	if _, err := cache.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected b to be evicted, got %v", err)
	}
	for _, key := range []string{"a", "c"} {
		if _, err := cache.Get(ctx, key); err != nil {
			t.Errorf("Expected %s to remain, got %v", key, err)
		}
	}
}

func TestDiskCache_Persistence(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewDiskCache(dir, 0)
	if err != nil {
		t.Fatalf("NewDiskCache() error = %v", err)
	}
	_ = cache.Set(context.Background(), entry("steward:demo:1:abc", "plan"), time.Hour)

	if _, err := os.Stat(filepath.Join(dir, MetadataFile)); err != nil {
		t.Fatalf("Expected index file, got %v", err)
	}

	reopened, err := NewDiskCache(dir, 0)
	if err != nil {
		t.Fatalf("NewDiskCache() error = %v", err)
	}
	got, err := reopened.Get(context.Background(), "steward:demo:1:abc")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if string(got.Output) != "plan" {
		t.Errorf("Expected output to survive reopen, got %q", got.Output)
	}
}

func TestDiskCache_RejectsNonPositiveTTL(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewDiskCache() error = %v", err)
	}
	if err := cache.Set(context.Background(), entry("k", "v"), 0); err == nil {
		t.Error("Expected error for zero ttl")
	}
}

func TestDiskCache_SimilarKeysDoNotCollide(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewDiskCache() error = %v", err)
	}
	ctx := context.Background()

	_ = cache.Set(ctx, entry("steward:a:b", "A"), time.Minute)
	_ = cache.Set(ctx, entry("steward_a_b", "B"), time.Minute)

	for key, want := range map[string]string{"steward:a:b": "A", "steward_a_b": "B"} {
		got, err := cache.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get(%q) error = %v", key, err)
		}
		if got.Key != key || string(got.Output) != want {
			t.Errorf("Get(%q) = key %q output %q, want output %q", key, got.Key, got.Output, want)
		}
	}
}

func TestDiskCache_MismatchedEntryIsAMiss(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewDiskCache() error = %v", err)
	}
	ctx := context.Background()
	_ = cache.Set(ctx, entry("k1", "one"), time.Minute)

	// overwrite the content file with another key's entry
	data := []byte(`{"key":"k2","integration":"demo","output":"dHdv"}`)
	if err := os.WriteFile(cache.contentPath("k1"), data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := cache.Get(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a foreign entry, got %v", err)
	}
	if cache.Size() != 0 {
		t.Errorf("Expected the foreign entry to be dropped, size = %d", cache.Size())
	}
}
