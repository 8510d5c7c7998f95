package board

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Module catalog
//
// The catalog is a globally mutable map of reusable module entries, written
// by administrative actions and read by task handlers (the feature-tree
// handler uses it to decide reuse versus new-module). Readers cache it in
// memory; every write publishes an invalidation so caches stay within a
// brief staleness window.

// UpsertCatalogEntry writes a catalog entry and publishes an invalidation.
func (c *Client) UpsertCatalogEntry(ctx context.Context, entry *CatalogEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("%w: catalog entry id is required", ErrInvalidInput)
	}
	entry.UpdatedAtMs = nowMs()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog entry: %w", err)
	}
	if err := c.rdb.HSet(ctx, CatalogKey(c.ns), entry.ID, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to write catalog entry: %w", err)
	}
	// Best-effort: readers also refresh lazily.
	c.rdb.Publish(ctx, CatalogEventsChannel(c.ns), entry.ID)
	return nil
}

// GetCatalogEntry retrieves one catalog entry by module id.
func (c *Client) GetCatalogEntry(ctx context.Context, id string) (*CatalogEntry, error) {
	raw, err := c.rdb.HGet(ctx, CatalogKey(c.ns), id).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: catalog entry %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog entry: %w", err)
	}
	var entry CatalogEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal catalog entry: %w", err)
	}
	return &entry, nil
}

// ListCatalog returns all catalog entries in unspecified order.
func (c *Client) ListCatalog(ctx context.Context) ([]*CatalogEntry, error) {
	raw, err := c.rdb.HGetAll(ctx, CatalogKey(c.ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	entries := make([]*CatalogEntry, 0, len(raw))
	for _, data := range raw {
		var entry CatalogEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// CatalogCache is an in-memory read-through cache over the module catalog,
// invalidated by catalog Pub/Sub notifications. Readers tolerate the brief
// staleness window between a write and its invalidation.
type CatalogCache struct {
	client *Client

	mu      sync.RWMutex
	entries map[string]*CatalogEntry
	loaded  bool
}

// NewCatalogCache creates a cache over the client's catalog.
func NewCatalogCache(client *Client) *CatalogCache {
	return &CatalogCache{
		client:  client,
		entries: make(map[string]*CatalogEntry),
	}
}

// Run subscribes to catalog invalidations and blocks until the context is
// cancelled. The cache works without Run, falling back to lazy loading only.
func (cc *CatalogCache) Run(ctx context.Context) error {
	pubsub := cc.client.rdb.Subscribe(ctx, CatalogEventsChannel(cc.client.ns))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			cc.Invalidate()
		}
	}
}

// Invalidate drops the cached snapshot; the next read reloads from Redis.
func (cc *CatalogCache) Invalidate() {
	cc.mu.Lock()
	cc.loaded = false
	cc.entries = make(map[string]*CatalogEntry)
	cc.mu.Unlock()
}

// All returns the cached catalog entries, loading them on first use.
func (cc *CatalogCache) All(ctx context.Context) ([]*CatalogEntry, error) {
	cc.mu.RLock()
	if cc.loaded {
		entries := make([]*CatalogEntry, 0, len(cc.entries))
		for _, e := range cc.entries {
			entries = append(entries, e)
		}
		cc.mu.RUnlock()
		return entries, nil
	}
	cc.mu.RUnlock()

	entries, err := cc.client.ListCatalog(ctx)
	if err != nil {
		return nil, err
	}

	cc.mu.Lock()
	cc.entries = make(map[string]*CatalogEntry, len(entries))
	for _, e := range entries {
		cc.entries[e.ID] = e
	}
	cc.loaded = true
	cc.mu.Unlock()

	return entries, nil
}

// Get returns one cached entry, or ErrNotFound.
func (cc *CatalogCache) Get(ctx context.Context, id string) (*CatalogEntry, error) {
	if _, err := cc.All(ctx); err != nil {
		return nil, err
	}
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	entry, ok := cc.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: catalog entry %s", ErrNotFound, id)
	}
	return entry, nil
}
