package board

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkillAllowlistCRUD(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.SetSkillAllowlist(ctx, "development", []string{"codegen", "api-design"}))

	skills, err := client.GetSkillAllowlist(ctx, "development")
	require.NoError(t, err)
	assert.Equal(t, []string{"api-design", "codegen"}, skills, "stored sorted")

	// Unrestricted roles return nil.
	skills, err = client.GetSkillAllowlist(ctx, "qa")
	require.NoError(t, err)
	assert.Nil(t, skills)

	require.NoError(t, client.SetSkillAllowlist(ctx, "security", []string{"threat-model"}))
	lists, err := client.ListSkillAllowlists(ctx)
	require.NoError(t, err)
	assert.Len(t, lists, 2)
	assert.Equal(t, []string{"threat-model"}, lists["security"])

	// An empty list removes the restriction.
	require.NoError(t, client.SetSkillAllowlist(ctx, "development", nil))
	skills, err = client.GetSkillAllowlist(ctx, "development")
	require.NoError(t, err)
	assert.Nil(t, skills)

	err = client.SetSkillAllowlist(ctx, "", []string{"x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSkillCache(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.SetSkillAllowlist(ctx, "prd", []string{"requirements-analysis"}))

	cache := NewSkillCache(client)

	t.Run("lazy loads on first read", func(t *testing.T) {
		skills, err := cache.Allowed(ctx, "prd")
		require.NoError(t, err)
		assert.Equal(t, []string{"requirements-analysis"}, skills)
	})

	t.Run("serves stale until invalidated", func(t *testing.T) {
		require.NoError(t, client.SetSkillAllowlist(ctx, "prd", []string{"requirements-analysis", "scoping"}))

		skills, err := cache.Allowed(ctx, "prd")
		require.NoError(t, err)
		assert.Len(t, skills, 1)

		cache.Invalidate()
		skills, err = cache.Allowed(ctx, "prd")
		require.NoError(t, err)
		assert.Len(t, skills, 2)
	})

	t.Run("unrestricted role is nil", func(t *testing.T) {
		skills, err := cache.Allowed(ctx, "delivery")
		require.NoError(t, err)
		assert.Nil(t, skills)
	})
}
