package orchestrator

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadre-dev/cadre/internal/config"
	"github.com/cadre-dev/cadre/internal/planning"
	"github.com/cadre-dev/cadre/internal/worker"
	"github.com/cadre-dev/cadre/pkg/board"
)

// setupPipeline wires a full in-process deployment against miniredis: the
// engine consuming board events, plus a worker pool running the given
// handler registry on every role queue. Everything stops on test cleanup.
func setupPipeline(t *testing.T, reg *worker.Registry, mutate func(*config.CadreConfig)) (*Engine, *board.Client) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := board.NewClient(&redis.Options{Addr: mr.Addr()}, "e2e")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	cfg := config.Default()
	for _, role := range Roles() {
		cfg.Roles = append(cfg.Roles, config.RoleConfig{Name: role, Concurrency: 1})
	}
	if mutate != nil {
		mutate(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Subscribe before anything can emit so no completion event is missed,
	// then feed the engine directly instead of going through Engine.Run.
	engine := NewEngine(client, cfg, nil, "e2e-engine")
	sub, err := client.SubscribeEvents(ctx, "", 0, cfg.EventBus.SubscriberBuffer)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	go func() {
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				_ = engine.HandleEvent(ctx, ev)
			case <-sub.Errors():
			case <-ctx.Done():
				return
			}
		}
	}()

	pool := worker.NewPool(client, cfg, reg, nil, "e2e-worker")
	go pool.Run(ctx)

	return engine, client
}

func planningRegistry(t *testing.T) *worker.Registry {
	reg := worker.NewRegistry()
	require.NoError(t, planning.RegisterAll(reg))
	return reg
}

func waitJobStatus(t *testing.T, client *board.Client, jobID string, status board.JobStatus) *board.Job {
	t.Helper()
	var job *board.Job
	require.Eventually(t, func() bool {
		j, err := client.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, 30*time.Second, 25*time.Millisecond, "job never reached status %s", status)
	return job
}

func TestPipelineHappyPath(t *testing.T) {
	engine, client := setupPipeline(t, planningRegistry(t), nil)
	ctx := context.Background()

	job, err := engine.CreateJob(ctx, "shortener", "Build a URL shortener with analytics", nil)
	require.NoError(t, err)

	// The prd role runs first, then the job parks at the approval gate.
	waitJobStatus(t, client, job.ID, board.JobStatusWaitingForApproval)

	prd, err := client.GetJobArtifactByType(ctx, job.ID, board.ArtifactTypePRD)
	require.NoError(t, err)
	assert.Contains(t, prd.Content, "URL shortener")

	require.NoError(t, engine.Approve(ctx, job.ID, prd.Hash, "ship it"))

	final := waitJobStatus(t, client, job.ID, board.JobStatusCompleted)
	assert.Equal(t, board.StageCompleted, final.Stage)

	// Every stage of the pipeline produced its artifact.
	for _, at := range []board.ArtifactType{
		board.ArtifactTypePRD, board.ArtifactTypePlan, board.ArtifactTypeFeatureTree,
		board.ArtifactTypeArchitecture, board.ArtifactTypeUIUX, board.ArtifactTypeDevelopment,
		board.ArtifactTypeQA, board.ArtifactTypeSecurity, board.ArtifactTypeDocumentation,
		board.ArtifactTypeSupport, board.ArtifactTypePMReview, board.ArtifactTypeDelivery,
	} {
		a, err := client.GetJobArtifactByType(ctx, job.ID, at)
		require.NoError(t, err, "missing %s artifact", at)
		assert.NotEmpty(t, a.Content)
	}

	truth, err := client.GetTruth(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, prd.Hash, truth.PRDHash)
	assert.Equal(t, "ship it", truth.Notes)

	// The project guard is released on completion (shortly after the status
	// flips, so retry until the release lands).
	require.Eventually(t, func() bool {
		_, err := engine.CreateJob(ctx, "shortener", "v2 of the shortener", nil)
		return err == nil
	}, 5*time.Second, 25*time.Millisecond)
}

func TestPipelineRevisionRound(t *testing.T) {
	engine, client := setupPipeline(t, planningRegistry(t), nil)
	ctx := context.Background()

	job, err := engine.CreateJob(ctx, "crm", "Build a lightweight CRM", nil)
	require.NoError(t, err)
	waitJobStatus(t, client, job.ID, board.JobStatusWaitingForApproval)

	first, err := client.GetJobArtifactByType(ctx, job.ID, board.ArtifactTypePRD)
	require.NoError(t, err)

	require.NoError(t, engine.RequestChanges(ctx, job.ID, "Add a pricing section"))

	// A revision round regenerates the PRD and parks the job again.
	require.Eventually(t, func() bool {
		j, err := client.GetJob(ctx, job.ID)
		if err != nil {
			return false
		}
		return j.Status == board.JobStatusWaitingForApproval && j.Metadata[board.MetaPRDRound] == "1"
	}, 30*time.Second, 25*time.Millisecond)

	second, err := client.GetJobArtifactByType(ctx, job.ID, board.ArtifactTypePRD)
	require.NoError(t, err)
	assert.NotEqual(t, first.Hash, second.Hash)
	assert.Contains(t, second.Content, "Revision Notes")
	assert.Contains(t, second.Content, "Add a pricing section")

	// The superseded revision can no longer be approved.
	err = engine.Approve(ctx, job.ID, first.Hash, "")
	require.ErrorIs(t, err, board.ErrStaleApproval)

	require.NoError(t, engine.Approve(ctx, job.ID, second.Hash, ""))
	waitJobStatus(t, client, job.ID, board.JobStatusCompleted)
}

// switchableHandler fails while broken is set, then delegates to the real
// handler once cleared. Used to drive a job into failed and back.
type switchableHandler struct {
	inner  worker.Handler
	broken *atomic.Bool
}

func (h *switchableHandler) Role() string { return h.inner.Role() }

func (h *switchableHandler) Execute(ctx context.Context, req *worker.Request) (*worker.Result, error) {
	if h.broken.Load() {
		return nil, assert.AnError
	}
	return h.inner.Execute(ctx, req)
}

func TestPipelineRestartAfterFailure(t *testing.T) {
	broken := &atomic.Bool{}
	broken.Store(true)

	reg := worker.NewRegistry()
	for _, h := range planning.Handlers() {
		if h.Role() == "qa" {
			h = &switchableHandler{inner: h, broken: broken}
		}
		require.NoError(t, reg.Register(h))
	}

	// A single attempt makes the handler failure terminal immediately.
	engine, client := setupPipeline(t, reg, func(cfg *config.CadreConfig) {
		cfg.Task.MaxAttempts = 1
	})
	ctx := context.Background()

	job, err := engine.CreateJob(ctx, "wiki", "Build a team wiki", nil)
	require.NoError(t, err)
	waitJobStatus(t, client, job.ID, board.JobStatusWaitingForApproval)
	require.NoError(t, engine.Approve(ctx, job.ID, "", ""))

	waitJobStatus(t, client, job.ID, board.JobStatusFailed)

	// Failure metadata and sibling cancellation land just after the status
	// flip; wait for the job to fully settle before restarting.
	require.Eventually(t, func() bool {
		j, err := client.GetJob(ctx, job.ID)
		if err != nil || j.Metadata[board.MetaFailedStage] == "" {
			return false
		}
		tasks, err := client.GetJobTasks(ctx, job.ID)
		if err != nil {
			return false
		}
		for _, task := range tasks {
			if !task.Status.Terminal() {
				return false
			}
		}
		return true
	}, 10*time.Second, 25*time.Millisecond, "job never settled after failure")

	settled, err := client.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(board.StageQA), settled.Metadata[board.MetaFailedStage])

	broken.Store(false)
	require.NoError(t, engine.Restart(ctx, job.ID))

	// The rebuilt pipeline runs to the gate again with the same PRD content.
	waitJobStatus(t, client, job.ID, board.JobStatusWaitingForApproval)
	prd, err := client.GetJobArtifactByType(ctx, job.ID, board.ArtifactTypePRD)
	require.NoError(t, err)
	require.NoError(t, engine.Approve(ctx, job.ID, prd.Hash, ""))

	final := waitJobStatus(t, client, job.ID, board.JobStatusCompleted)
	assert.Equal(t, "true", final.Metadata[board.MetaRestarted])

	qa, err := client.GetJobArtifactByType(ctx, job.ID, board.ArtifactTypeQA)
	require.NoError(t, err)
	assert.True(t, strings.Contains(qa.Content, "QA") || strings.Contains(qa.Content, "qa"))
}
