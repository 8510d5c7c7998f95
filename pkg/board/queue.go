package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTaskCancelled reports that a task lifecycle operation found the task
// cancelled; the caller discards its result.
var ErrTaskCancelled = errors.New("task cancelled")

// queueScore encodes (priority, enqueue time) into a single ZSET score so
// ZPOPMIN yields strict priority order with FIFO tiebreak. Priorities stay
// small (< ~100) and millisecond timestamps stay below 1e13, so the sum is
// exact in a float64.
func queueScore(priority int, enqueuedAtMs int64) float64 {
	return float64(priority)*1e13 + float64(enqueuedAtMs)
}

// EnqueueTask moves a pending task into its role queue. The task becomes
// eligible for claiming. Idempotent for already-queued tasks.
func (c *Client) EnqueueTask(ctx context.Context, taskID string) error {
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	now := nowMs()
	res, err := enqueueTaskScript.Run(ctx, c.rdb,
		[]string{TaskKey(c.ns, taskID), QueueKey(c.ns, task.Role)},
		now, queueScore(task.Priority, now), taskID,
	).Int()
	if err != nil {
		return fmt.Errorf("enqueue script failed: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%w: task %s is not pending", ErrConflict, taskID)
	default:
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
}

// ClaimTask atomically pops and claims the highest-precedence queued task for
// a role. Returns ErrNotFound when the queue is empty. Cancelled or orphaned
// queue entries are dropped and the pop is retried.
func (c *Client) ClaimTask(ctx context.Context, role, workerID string, lease time.Duration) (*Task, error) {
	for {
		expiry := nowMs() + lease.Milliseconds()
		res, err := claimTaskScript.Run(ctx, c.rdb,
			[]string{QueueKey(c.ns, role), LeasesKey(c.ns)},
			TaskKeyPrefix(c.ns), workerID, expiry, nowMs(),
		).StringSlice()
		if err != nil {
			return nil, fmt.Errorf("claim script failed: %w", err)
		}
		if len(res) < 2 || res[0] == "" {
			return nil, fmt.Errorf("%w: queue %s empty", ErrNotFound, role)
		}
		if res[1] != "claimed" {
			// Cancelled task or dangling entry; drop it and pop again.
			continue
		}
		return c.GetTask(ctx, res[0])
	}
}

// StartTask moves a claimed task to running. Only the claiming worker may do
// this. Returns ErrTaskCancelled if the task was cancelled meanwhile.
func (c *Client) StartTask(ctx context.Context, taskID, workerID string) error {
	res, err := startTaskScript.Run(ctx, c.rdb,
		[]string{TaskKey(c.ns, taskID)}, workerID, nowMs(),
	).Int()
	if err != nil {
		return fmt.Errorf("start script failed: %w", err)
	}
	return taskScriptResult(res, taskID)
}

// CompleteTask moves a running task to succeeded with its output payload.
// Returns ErrTaskCancelled if the task was cancelled while running; the
// caller must discard the result.
func (c *Client) CompleteTask(ctx context.Context, taskID, workerID, output string) error {
	res, err := completeTaskScript.Run(ctx, c.rdb,
		[]string{TaskKey(c.ns, taskID), LeasesKey(c.ns)},
		workerID, output, nowMs(), taskID,
	).Int()
	if err != nil {
		return fmt.Errorf("complete script failed: %w", err)
	}
	return taskScriptResult(res, taskID)
}

// FailTask records a failed attempt. When retry is true the task is requeued
// through the delayed set and becomes claimable again at readyAt; otherwise
// it fails terminally. Returns (retried, error).
func (c *Client) FailTask(ctx context.Context, taskID, workerID, errMsg string, retry bool, readyAt time.Time) (bool, error) {
	retryFlag := "0"
	if retry {
		retryFlag = "1"
	}
	res, err := failTaskScript.Run(ctx, c.rdb,
		[]string{TaskKey(c.ns, taskID), LeasesKey(c.ns), DelayedKey(c.ns)},
		workerID, errMsg, nowMs(), taskID, retryFlag, readyAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("fail script failed: %w", err)
	}
	if res == 2 {
		return true, nil
	}
	return false, taskScriptResult(res, taskID)
}

// ExtendLease renews a worker's lease on a claimed or running task.
func (c *Client) ExtendLease(ctx context.Context, taskID, workerID string, lease time.Duration) error {
	res, err := extendLeaseScript.Run(ctx, c.rdb,
		[]string{TaskKey(c.ns, taskID), LeasesKey(c.ns)},
		workerID, nowMs()+lease.Milliseconds(), nowMs(), taskID,
	).Int()
	if err != nil {
		return fmt.Errorf("extend lease script failed: %w", err)
	}
	return taskScriptResult(res, taskID)
}

func taskScriptResult(res int, taskID string) error {
	switch res {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%w: task %s state changed under us", ErrConflict, taskID)
	case -2:
		return fmt.Errorf("%w: task %s", ErrTaskCancelled, taskID)
	default:
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
}

// LeaseRecovery describes one task touched by RequeueExpired.
type LeaseRecovery struct {
	TaskID string
	Role   string
	// Failed is true when the attempt budget was spent and the task failed
	// terminally instead of returning to its queue.
	Failed bool
}

// RequeueExpired returns tasks with expired leases to their role queues
// (attempt+1), or fails them terminally when out of attempts. This is the
// at-least-once recovery path for crashed workers.
func (c *Client) RequeueExpired(ctx context.Context, limit int) ([]LeaseRecovery, error) {
	res, err := requeueExpiredScript.Run(ctx, c.rdb,
		[]string{LeasesKey(c.ns)},
		TaskKeyPrefix(c.ns), queuePrefix(c.ns), nowMs(), limit,
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("requeue script failed: %w", err)
	}

	recoveries := make([]LeaseRecovery, 0, len(res))
	for _, entry := range res {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			continue
		}
		recoveries = append(recoveries, LeaseRecovery{
			TaskID: parts[0],
			Role:   parts[2],
			Failed: parts[1] == "failed",
		})
	}
	return recoveries, nil
}

// Promotion describes one delayed task moved back into its role queue.
type Promotion struct {
	TaskID string
	Role   string
}

// PromoteDelayed moves retry-delayed tasks whose backoff has elapsed into
// their role queues.
func (c *Client) PromoteDelayed(ctx context.Context, limit int) ([]Promotion, error) {
	res, err := promoteDelayedScript.Run(ctx, c.rdb,
		[]string{DelayedKey(c.ns)},
		TaskKeyPrefix(c.ns), queuePrefix(c.ns), nowMs(), limit,
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("promote script failed: %w", err)
	}

	promotions := make([]Promotion, 0, len(res))
	for _, entry := range res {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		promotions = append(promotions, Promotion{TaskID: parts[0], Role: parts[1]})
	}
	return promotions, nil
}

func queuePrefix(ns string) string {
	return fmt.Sprintf("cadre:%s:queue:", ns)
}

// QueueDepth returns the number of entries in a role's queue.
func (c *Client) QueueDepth(ctx context.Context, role string) (int64, error) {
	depth, err := c.rdb.ZCard(ctx, QueueKey(c.ns, role)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}

// ---- Worker registration ----

// RegisterWorker records a worker's roles and concurrency in the worker
// registry hash.
func (c *Client) RegisterWorker(ctx context.Context, info *WorkerInfo) error {
	if info.ID == "" || len(info.Roles) == 0 {
		return fmt.Errorf("%w: worker id and roles are required", ErrInvalidInput)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal worker info: %w", err)
	}
	if err := c.rdb.HSet(ctx, WorkersKey(c.ns), info.ID, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

// TouchWorker updates a worker's last-seen timestamp.
func (c *Client) TouchWorker(ctx context.Context, workerID string) error {
	raw, err := c.rdb.HGet(ctx, WorkersKey(c.ns), workerID).Result()
	if err == redis.Nil {
		return fmt.Errorf("%w: worker %s", ErrNotFound, workerID)
	}
	if err != nil {
		return fmt.Errorf("failed to read worker record: %w", err)
	}
	var info WorkerInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return fmt.Errorf("failed to unmarshal worker record: %w", err)
	}
	info.LastSeenAtMs = nowMs()
	data, _ := json.Marshal(&info)
	return c.rdb.HSet(ctx, WorkersKey(c.ns), workerID, string(data)).Err()
}

// ListWorkers returns all registered workers.
func (c *Client) ListWorkers(ctx context.Context) ([]*WorkerInfo, error) {
	raw, err := c.rdb.HGetAll(ctx, WorkersKey(c.ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read worker registry: %w", err)
	}
	workers := make([]*WorkerInfo, 0, len(raw))
	for _, data := range raw {
		var info WorkerInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		workers = append(workers, &info)
	}
	return workers, nil
}
