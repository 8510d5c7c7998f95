package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadre-dev/cadre/internal/config"
	"github.com/cadre-dev/cadre/internal/metrics"
	"github.com/cadre-dev/cadre/pkg/board"
)

func setupSweeper(t *testing.T) (*Sweeper, *board.Client, *metrics.Usage) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := board.NewClient(&redis.Options{Addr: mr.Addr()}, "test-ns")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	usage := metrics.NewUsage()
	sweeper := NewSweeper(client, config.Default(), usage, []string{"qa", "prd"}, "test-sweeper")
	return sweeper, client, usage
}

func enqueuedTask(t *testing.T, client *board.Client, maxAttempts int) *board.Task {
	t.Helper()
	task := &board.Task{
		ID:              uuid.New().String(),
		JobID:           uuid.New().String(),
		Role:            "qa",
		TaskType:        "qa",
		Status:          board.TaskStatusPending,
		Stage:           board.StageQA,
		Priority:        10,
		Dependencies:    []string{},
		Input:           "{}",
		Attempt:         1,
		MaxAttempts:     maxAttempts,
		DeadlineSeconds: 60,
	}
	ctx := context.Background()
	require.NoError(t, client.CreateTask(ctx, task))
	require.NoError(t, client.EnqueueTask(ctx, task.ID))
	return task
}

func eventPayloads(t *testing.T, client *board.Client, jobID string, kind board.EventKind) []map[string]string {
	t.Helper()
	history, err := client.EventHistory(context.Background(), jobID, 0, 0)
	require.NoError(t, err)
	var payloads []map[string]string
	for _, ev := range history {
		if ev.Kind == kind {
			payloads = append(payloads, ev.Payload)
		}
	}
	return payloads
}

func TestSweepRequeuesExpiredLease(t *testing.T) {
	sweeper, client, _ := setupSweeper(t)
	ctx := context.Background()
	task := enqueuedTask(t, client, 3)

	// A negative lease expires immediately, simulating a crashed worker.
	_, err := client.ClaimTask(ctx, "qa", "crashed-worker", -time.Second)
	require.NoError(t, err)

	require.NoError(t, sweeper.Sweep(ctx))

	got, err := client.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, board.TaskStatusQueued, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.Empty(t, got.ClaimedBy)

	payloads := eventPayloads(t, client, task.JobID, board.EventTaskQueued)
	require.NotEmpty(t, payloads)
	assert.Equal(t, "lease_expired", payloads[len(payloads)-1]["reason"])

	// The recovered task is claimable again.
	reclaimed, err := client.ClaimTask(ctx, "qa", "healthy-worker", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, task.ID, reclaimed.ID)
}

func TestSweepFailsTaskOutOfAttempts(t *testing.T) {
	sweeper, client, _ := setupSweeper(t)
	ctx := context.Background()
	task := enqueuedTask(t, client, 1)

	_, err := client.ClaimTask(ctx, "qa", "crashed-worker", -time.Second)
	require.NoError(t, err)

	require.NoError(t, sweeper.Sweep(ctx))

	got, err := client.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, board.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "lease expired")

	payloads := eventPayloads(t, client, task.JobID, board.EventTaskFailed)
	require.Len(t, payloads, 1)
	assert.Equal(t, "false", payloads[0]["will_retry"])

	// Nothing left to claim.
	_, err = client.ClaimTask(ctx, "qa", "healthy-worker", time.Minute)
	assert.ErrorIs(t, err, board.ErrNotFound)
}

func TestSweepPromotesDelayedRetries(t *testing.T) {
	sweeper, client, _ := setupSweeper(t)
	ctx := context.Background()
	task := enqueuedTask(t, client, 3)

	_, err := client.ClaimTask(ctx, "qa", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, client.StartTask(ctx, task.ID, "worker-1"))
	retried, err := client.FailTask(ctx, task.ID, "worker-1", "flaky backend", true, time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.True(t, retried)

	// Backoff already elapsed; one sweep makes the task claimable again.
	require.NoError(t, sweeper.Sweep(ctx))

	payloads := eventPayloads(t, client, task.JobID, board.EventTaskQueued)
	require.NotEmpty(t, payloads)
	assert.Equal(t, "retry_backoff_elapsed", payloads[len(payloads)-1]["reason"])
	assert.Equal(t, "2", payloads[len(payloads)-1]["attempt"])

	reclaimed, err := client.ClaimTask(ctx, "qa", "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, task.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempt)
}

func TestSweepLeavesFutureRetriesDelayed(t *testing.T) {
	sweeper, client, _ := setupSweeper(t)
	ctx := context.Background()
	task := enqueuedTask(t, client, 3)

	_, err := client.ClaimTask(ctx, "qa", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, client.StartTask(ctx, task.ID, "worker-1"))
	_, err = client.FailTask(ctx, task.ID, "worker-1", "flaky backend", true, time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, sweeper.Sweep(ctx))

	_, err = client.ClaimTask(ctx, "qa", "worker-1", time.Minute)
	assert.ErrorIs(t, err, board.ErrNotFound)
}

func TestSweepReportsQueueDepth(t *testing.T) {
	sweeper, client, usage := setupSweeper(t)
	ctx := context.Background()

	enqueuedTask(t, client, 3)
	enqueuedTask(t, client, 3)

	require.NoError(t, sweeper.Sweep(ctx))

	snap := usage.Snapshot(0, 0)
	assert.Equal(t, int64(2), snap.QueueDepths["qa"])
	assert.Equal(t, int64(0), snap.QueueDepths["prd"])
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sweeper, _, _ := setupSweeper(t)
	sweeper.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
