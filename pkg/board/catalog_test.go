package board

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogCRUD(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	entry := &CatalogEntry{
		ID:           "auth-service",
		Name:         "Auth Service",
		Capabilities: []string{"login", "session", "oauth"},
		Version:      "2.1.0",
	}
	require.NoError(t, client.UpsertCatalogEntry(ctx, entry))

	got, err := client.GetCatalogEntry(ctx, "auth-service")
	require.NoError(t, err)
	assert.Equal(t, "Auth Service", got.Name)
	assert.Equal(t, []string{"login", "session", "oauth"}, got.Capabilities)
	assert.NotZero(t, got.UpdatedAtMs)

	// Upsert replaces in place.
	entry.Version = "2.2.0"
	require.NoError(t, client.UpsertCatalogEntry(ctx, entry))
	got, err = client.GetCatalogEntry(ctx, "auth-service")
	require.NoError(t, err)
	assert.Equal(t, "2.2.0", got.Version)

	entries, err := client.ListCatalog(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = client.GetCatalogEntry(ctx, "missing")
	assert.True(t, IsNotFound(err))

	err = client.UpsertCatalogEntry(ctx, &CatalogEntry{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCatalogCache(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.UpsertCatalogEntry(ctx, &CatalogEntry{ID: "m1", Name: "Module One"}))

	cache := NewCatalogCache(client)

	t.Run("lazy loads on first read", func(t *testing.T) {
		entries, err := cache.All(ctx)
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		entry, err := cache.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "Module One", entry.Name)

		_, err = cache.Get(ctx, "m2")
		assert.True(t, IsNotFound(err))
	})

	t.Run("serves stale snapshot until invalidated", func(t *testing.T) {
		require.NoError(t, client.UpsertCatalogEntry(ctx, &CatalogEntry{ID: "m2", Name: "Module Two"}))

		// No Run loop here, so the cache still holds the old snapshot.
		entries, err := cache.All(ctx)
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		cache.Invalidate()
		entries, err = cache.All(ctx)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("run loop invalidates on catalog writes", func(t *testing.T) {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go cache.Run(runCtx)
		// Give the subscription time to attach before writing.
		time.Sleep(50 * time.Millisecond)

		require.NoError(t, client.UpsertCatalogEntry(ctx, &CatalogEntry{ID: "m3", Name: "Module Three"}))

		assert.Eventually(t, func() bool {
			entries, err := cache.All(ctx)
			return err == nil && len(entries) == 3
		}, 2*time.Second, 20*time.Millisecond)
	})
}
