package earlyexit

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/chazu/steward/pkg/metrics"
)

const (
	// DefaultMaxEntries is the default maximum number of cached outputs
	DefaultMaxEntries = 256

	// MetadataFile is the name of the cache index file
	MetadataFile = "index.json"

	diskBackend = "disk"
)

// DiskCache is a persistent, LRU-evicting Cache for hosts without a shared
// cache server. Every entry expires at its own deadline.
type DiskCache struct {
	mu sync.Mutex

	dir        string
	maxEntries int

	// lru tracks access order, most recent first
	lru     *list.List
	entries map[string]*list.Element

	metadataPath string
	now          func() time.Time
}

// diskEntry is the index record of one cached output
type diskEntry struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	StoredAt   time.Time `json:"storedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	AccessedAt time.Time `json:"accessedAt"`
}

type diskMetadata struct {
	Entries []diskEntry `json:"entries"`
	Version string      `json:"version"`
}

// NewDiskCache opens or creates a cache in dir holding at most maxEntries outputs
func NewDiskCache(dir string, maxEntries int) (*DiskCache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	c := &DiskCache{
		dir:          dir,
		maxEntries:   maxEntries,
		lru:          list.New(),
		entries:      make(map[string]*list.Element),
		metadataPath: filepath.Join(dir, MetadataFile),
		now:          time.Now,
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	if err := c.loadMetadata(); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the entry stored under key
func (c *DiskCache) Get(_ context.Context, key string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		metrics.RecordCacheLookup(diskBackend, "miss")
		return nil, ErrNotFound
	}

	meta := elem.Value.(*diskEntry)
	if !c.now().Before(meta.ExpiresAt) {
		c.removeEntry(key)
		metrics.RecordCacheLookup(diskBackend, "expired")
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(c.contentPath(key))
	if os.IsNotExist(err) {
		c.removeEntry(key)
		metrics.RecordCacheLookup(diskBackend, "miss")
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.RecordCacheLookup(diskBackend, "error")
		return nil, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.removeEntry(key)
		metrics.RecordCacheLookup(diskBackend, "error")
		return nil, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	if entry.Key != key {
		c.removeEntry(key)
		metrics.RecordCacheLookup(diskBackend, "miss")
		return nil, ErrNotFound
	}

	meta.AccessedAt = c.now()
	c.lru.MoveToFront(elem)

	metrics.RecordCacheLookup(diskBackend, "hit")
	return &entry, nil
}

// Set stores entry until ttl elapses
func (c *DiskCache) Set(_ context.Context, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.entries[entry.Key]; ok {
		meta := elem.Value.(*diskEntry)
		meta.Size = int64(len(data))
		meta.StoredAt = now
		meta.ExpiresAt = now.Add(ttl)
		meta.AccessedAt = now
		c.lru.MoveToFront(elem)
	} else {
		for c.lru.Len() >= c.maxEntries {
			c.evictOldest()
		}
		meta := &diskEntry{
			Key:        entry.Key,
			Size:       int64(len(data)),
			StoredAt:   now,
			ExpiresAt:  now.Add(ttl),
			AccessedAt: now,
		}
		c.entries[entry.Key] = c.lru.PushFront(meta)
	}

	if err := writeFileAtomic(c.contentPath(entry.Key), data); err != nil {
		c.removeEntry(entry.Key)
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	if err := c.saveMetadata(); err != nil {
		return err
	}

	entries, size := c.statsLocked()
	metrics.UpdateCacheStats(diskBackend, entries, size)
	return nil
}

// Delete removes the entry stored under key
func (c *DiskCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeEntry(key)
	return c.saveMetadata()
}

// Prune removes expired entries
func (c *DiskCache) Prune() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expired []string
	for key, elem := range c.entries {
		if !now.Before(elem.Value.(*diskEntry).ExpiresAt) {
			expired = append(expired, key)
		}
	}
	if len(expired) == 0 {
		return nil
	}

	for _, key := range expired {
		c.removeEntry(key)
	}
	return c.saveMetadata()
}

// Size returns the number of entries
func (c *DiskCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *DiskCache) statsLocked() (int, int64) {
	var size int64
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		size += elem.Value.(*diskEntry).Size
	}
	return c.lru.Len(), size
}

// contentPath returns the file an entry is stored in, named by the digest of its key
func (c *DiskCache) contentPath(key string) string {
	return filepath.Join(c.dir, digest.FromString(key).Encoded()+".json")
}

// removeEntry removes an entry and its file (must hold lock)
func (c *DiskCache) removeEntry(key string) {
	elem, ok := c.entries[key]
	if !ok {
		return
	}
	c.lru.Remove(elem)
	delete(c.entries, key)
	_ = os.Remove(c.contentPath(key))
}

// evictOldest removes the least recently used entry (must hold lock)
func (c *DiskCache) evictOldest() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	c.removeEntry(elem.Value.(*diskEntry).Key)
	metrics.RecordCacheEviction(diskBackend)
}

// loadMetadata rebuilds the LRU from the index, dropping expired or missing entries
func (c *DiskCache) loadMetadata() error {
	data, err := os.ReadFile(c.metadataPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cache index: %w", err)
	}

	var metadata diskMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse cache index: %w", err)
	}

	now := c.now()
	// the index is stored most recent first
	for i := len(metadata.Entries) - 1; i >= 0; i-- {
		meta := metadata.Entries[i]
		if !now.Before(meta.ExpiresAt) {
			_ = os.Remove(c.contentPath(meta.Key))
			continue
		}
		if _, err := os.Stat(c.contentPath(meta.Key)); os.IsNotExist(err) {
			continue
		}
		c.entries[meta.Key] = c.lru.PushFront(&meta)
	}
	return nil
}

// saveMetadata persists the index (must hold lock)
func (c *DiskCache) saveMetadata() error {
	entries := make([]diskEntry, 0, c.lru.Len())
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, *elem.Value.(*diskEntry))
	}

	data, err := json.MarshalIndent(diskMetadata{Entries: entries, Version: "v2"}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache index: %w", err)
	}
	if err := writeFileAtomic(c.metadataPath, data); err != nil {
		return fmt.Errorf("failed to write cache index: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
