package board

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Skill allowlists
//
// Each role may be restricted to a set of named skills its handlers are
// allowed to invoke. The allowlist is written by administrative actions and
// read by the worker pool, which hands the role's set to every handler
// invocation. An empty or missing allowlist means unrestricted. Like the
// module catalog, readers cache in memory and every write publishes an
// invalidation.

// SetSkillAllowlist replaces the allowlist for a role. An empty list removes
// the restriction.
func (c *Client) SetSkillAllowlist(ctx context.Context, role string, skills []string) error {
	if role == "" {
		return fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	if len(skills) == 0 {
		if err := c.rdb.HDel(ctx, SkillsKey(c.ns), role).Err(); err != nil {
			return fmt.Errorf("failed to clear skill allowlist: %w", err)
		}
	} else {
		sorted := append([]string(nil), skills...)
		sort.Strings(sorted)
		data, err := json.Marshal(sorted)
		if err != nil {
			return fmt.Errorf("failed to marshal skill allowlist: %w", err)
		}
		if err := c.rdb.HSet(ctx, SkillsKey(c.ns), role, string(data)).Err(); err != nil {
			return fmt.Errorf("failed to write skill allowlist: %w", err)
		}
	}
	// Best-effort: readers also refresh lazily.
	c.rdb.Publish(ctx, SkillsEventsChannel(c.ns), role)
	return nil
}

// GetSkillAllowlist returns the allowlist for a role. A nil slice means the
// role is unrestricted.
func (c *Client) GetSkillAllowlist(ctx context.Context, role string) ([]string, error) {
	raw, err := c.rdb.HGet(ctx, SkillsKey(c.ns), role).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read skill allowlist: %w", err)
	}
	var skills []string
	if err := json.Unmarshal([]byte(raw), &skills); err != nil {
		return nil, fmt.Errorf("failed to unmarshal skill allowlist: %w", err)
	}
	return skills, nil
}

// ListSkillAllowlists returns every restricted role and its allowlist.
func (c *Client) ListSkillAllowlists(ctx context.Context) (map[string][]string, error) {
	raw, err := c.rdb.HGetAll(ctx, SkillsKey(c.ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read skill allowlists: %w", err)
	}
	out := make(map[string][]string, len(raw))
	for role, data := range raw {
		var skills []string
		if err := json.Unmarshal([]byte(data), &skills); err != nil {
			continue
		}
		out[role] = skills
	}
	return out, nil
}

// SkillCache is an in-memory read-through cache over the skill allowlists,
// invalidated by allowlist Pub/Sub notifications.
type SkillCache struct {
	client *Client

	mu     sync.RWMutex
	roles  map[string][]string
	loaded bool
}

// NewSkillCache creates a cache over the client's skill allowlists.
func NewSkillCache(client *Client) *SkillCache {
	return &SkillCache{
		client: client,
		roles:  make(map[string][]string),
	}
}

// Run subscribes to allowlist invalidations and blocks until the context is
// cancelled. The cache works without Run, falling back to lazy loading only.
func (sc *SkillCache) Run(ctx context.Context) error {
	pubsub := sc.client.rdb.Subscribe(ctx, SkillsEventsChannel(sc.client.ns))
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
			sc.Invalidate()
		}
	}
}

// Invalidate drops the cached snapshot; the next read reloads from Redis.
func (sc *SkillCache) Invalidate() {
	sc.mu.Lock()
	sc.loaded = false
	sc.roles = make(map[string][]string)
	sc.mu.Unlock()
}

// Allowed returns the allowlist for a role, loading all lists on first use.
// A nil slice means the role is unrestricted.
func (sc *SkillCache) Allowed(ctx context.Context, role string) ([]string, error) {
	sc.mu.RLock()
	if sc.loaded {
		skills := sc.roles[role]
		sc.mu.RUnlock()
		return skills, nil
	}
	sc.mu.RUnlock()

	roles, err := sc.client.ListSkillAllowlists(ctx)
	if err != nil {
		return nil, err
	}

	sc.mu.Lock()
	sc.roles = roles
	sc.loaded = true
	sc.mu.Unlock()

	return roles[role], nil
}
