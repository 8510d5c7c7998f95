package planning

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadre-dev/cadre/internal/worker"
	"github.com/cadre-dev/cadre/pkg/board"
)

func setupCatalog(t *testing.T) (*board.Client, *board.CatalogCache) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := board.NewClient(&redis.Options{Addr: mr.Addr()}, "test-ns")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, board.NewCatalogCache(client)
}

func planningTask(t *testing.T, role string, in taskInput) *board.Task {
	data, err := json.Marshal(in)
	require.NoError(t, err)
	return &board.Task{
		ID:    uuid.New().String(),
		JobID: uuid.New().String(),
		Role:  role,
		Input: string(data),
	}
}

func depOutput(t *testing.T, artifactType, hash string) string {
	data, err := json.Marshal(worker.Output{ArtifactHash: hash, ArtifactType: artifactType})
	require.NoError(t, err)
	return string(data)
}

func TestPRDHandler(t *testing.T) {
	h := &PRDHandler{}
	assert.Equal(t, "prd", h.Role())

	t.Run("renders requirements", func(t *testing.T) {
		req := &worker.Request{Task: planningTask(t, "prd", taskInput{
			Requirements: "build a todo app",
			Stage:        "prd_generation",
		}), Inputs: map[string]string{}}

		result, err := h.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, board.ArtifactTypePRD, result.Type)
		assert.Contains(t, result.Content, "build a todo app")
		assert.Contains(t, result.Content, "revision: 0")
		assert.NotContains(t, result.Content, "Revision Notes")
	})

	t.Run("deterministic content", func(t *testing.T) {
		req := &worker.Request{Task: planningTask(t, "prd", taskInput{
			Requirements: "build a todo app",
			Stage:        "prd_generation",
		}), Inputs: map[string]string{}}

		first, err := h.Execute(context.Background(), req)
		require.NoError(t, err)
		second, err := h.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.Content, second.Content)
		assert.Equal(t, board.ContentHash(first.Content), board.ContentHash(second.Content))
	})

	t.Run("feedback round changes the document", func(t *testing.T) {
		base := &worker.Request{Task: planningTask(t, "prd", taskInput{
			Requirements: "build a todo app",
			Stage:        "prd_generation",
		}), Inputs: map[string]string{}}
		revised := &worker.Request{Task: planningTask(t, "prd", taskInput{
			Requirements: "build a todo app",
			Stage:        "prd_generation",
			Feedback:     "add offline mode",
			Round:        1,
		}), Inputs: map[string]string{}}

		v0, err := h.Execute(context.Background(), base)
		require.NoError(t, err)
		v1, err := h.Execute(context.Background(), revised)
		require.NoError(t, err)

		assert.Contains(t, v1.Content, "add offline mode")
		assert.Contains(t, v1.Content, "revision: 1")
		assert.NotEqual(t, board.ContentHash(v0.Content), board.ContentHash(v1.Content))
	})

	t.Run("empty requirements rejected", func(t *testing.T) {
		req := &worker.Request{Task: planningTask(t, "prd", taskInput{Stage: "prd_generation"})}
		_, err := h.Execute(context.Background(), req)
		assert.Error(t, err)
	})
}

func TestFeatureTreeHandler(t *testing.T) {
	client, catalog := setupCatalog(t)
	ctx := context.Background()

	require.NoError(t, client.UpsertCatalogEntry(ctx, &board.CatalogEntry{
		ID: "mod-auth", Name: "auth-service", Version: "2.1.0",
		Capabilities: []string{"authentication", "sessions"},
	}))
	require.NoError(t, client.UpsertCatalogEntry(ctx, &board.CatalogEntry{
		ID: "mod-billing", Name: "billing-core", Version: "1.4.2",
		Capabilities: []string{"invoicing"},
	}))
	catalog.Invalidate()

	h := &FeatureTreeHandler{}
	req := &worker.Request{
		Task: planningTask(t, "feature_tree", taskInput{
			Requirements: "- user authentication with SSO\n- kanban board view",
			Stage:        "feature_tree",
		}),
		Inputs:  map[string]string{uuid.New().String(): depOutput(t, "prd", board.ContentHash("the prd"))},
		Catalog: catalog,
	}

	result, err := h.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, board.ArtifactTypeFeatureTree, result.Type)
	assert.Contains(t, result.Content, "auth-service (mod-auth 2.1.0)")
	assert.Contains(t, result.Content, "[reuse: mod-auth]")
	assert.Contains(t, result.Content, "kanban board view [new-module]")
	assert.Contains(t, result.Content, board.ContentHash("the prd"))

	t.Run("empty catalog means all new-module", func(t *testing.T) {
		_, emptyCache := setupCatalog(t)
		req := &worker.Request{
			Task: planningTask(t, "feature_tree", taskInput{
				Requirements: "- user authentication",
				Stage:        "feature_tree",
			}),
			Inputs:  map[string]string{},
			Catalog: emptyCache,
		}
		result, err := h.Execute(ctx, req)
		require.NoError(t, err)
		assert.Contains(t, result.Content, "all features are new-module")
		assert.Contains(t, result.Content, "[new-module]")
	})
}

func TestDocHandlers(t *testing.T) {
	wantArtifacts := map[string]board.ArtifactType{
		"plan":          board.ArtifactTypePlan,
		"architecture":  board.ArtifactTypeArchitecture,
		"uiux":          board.ArtifactTypeUIUX,
		"development":   board.ArtifactTypeDevelopment,
		"qa":            board.ArtifactTypeQA,
		"security":      board.ArtifactTypeSecurity,
		"documentation": board.ArtifactTypeDocumentation,
		"support":       board.ArtifactTypeSupport,
		"pm_review":     board.ArtifactTypePMReview,
		"delivery":      board.ArtifactTypeDelivery,
	}

	truth := &board.TruthRecord{
		JobID:            uuid.New().String(),
		RequirementsHash: board.ContentHash("reqs"),
		PRDHash:          board.ContentHash("prd"),
	}

	for _, h := range Handlers() {
		want, ok := wantArtifacts[h.Role()]
		if !ok {
			continue // prd and feature_tree have their own tests
		}
		t.Run(h.Role(), func(t *testing.T) {
			req := &worker.Request{
				Task: planningTask(t, h.Role(), taskInput{
					Requirements: "build a todo app",
					Stage:        h.Role(),
				}),
				Inputs: map[string]string{
					uuid.New().String(): depOutput(t, "prd", board.ContentHash("prd")),
				},
				Truth: truth,
			}

			first, err := h.Execute(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, want, first.Type)
			assert.Contains(t, first.Content, truth.PRDHash)

			second, err := h.Execute(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, first.Content, second.Content)
		})
	}
}

func TestDocHandlerRejectsMalformedDependencyOutput(t *testing.T) {
	h := Handlers()[2] // plan
	req := &worker.Request{
		Task:   planningTask(t, "plan", taskInput{Requirements: "x", Stage: "plan_generation"}),
		Inputs: map[string]string{uuid.New().String(): "not-json"},
	}
	_, err := h.Execute(context.Background(), req)
	assert.Error(t, err)
}

func TestRegisterAll(t *testing.T) {
	reg := worker.NewRegistry()
	require.NoError(t, RegisterAll(reg))

	for _, role := range []string{
		"prd", "plan", "feature_tree", "architecture", "uiux", "development",
		"qa", "security", "documentation", "support", "pm_review", "delivery",
	} {
		_, ok := reg.Get(role)
		assert.True(t, ok, "missing handler for role %s", role)
	}

	// Second registration collides on every role.
	assert.Error(t, RegisterAll(reg))
}
