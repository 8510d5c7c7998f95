package board

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client provides namespace-scoped Redis operations for the board.
// All keys and channels are automatically prefixed with the namespace.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb *redis.Client
	ns  string

	// Optional stats callbacks, see SetStatsHooks.
	onEventAppended  func()
	onSubscriberDrop func()
}

// NewClient creates a new board client for the given namespace.
// Returns an error if the namespace is empty.
func NewClient(redisOpts *redis.Options, namespace string) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	return &Client{
		rdb: redis.NewClient(redisOpts),
		ns:  namespace,
	}, nil
}

// SetStatsHooks installs optional callbacks: onEventAppended fires after each
// durable event append, onSubscriberDrop whenever a slow subscriber loses an
// event. Either may be nil. The board depends on nothing but Redis, so the
// binaries hand their instrumentation in from outside. Install before the
// client is used concurrently; hooks must not block.
func (c *Client) SetStatsHooks(onEventAppended, onSubscriberDrop func()) {
	c.onEventAppended = onEventAppended
	c.onSubscriberDrop = onSubscriberDrop
}

// Namespace returns the board namespace this client is scoped to.
func (c *Client) Namespace() string {
	return c.ns
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// ---- Jobs ----

// CreateJob writes a new job and reserves its project id. Returns ErrConflict
// if the project already has an active job.
func (c *Client) CreateJob(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	// One active job per project id. The guard is released when the job
	// reaches a terminal status or is deleted.
	ok, err := c.rdb.SetNX(ctx, ProjectGuardKey(c.ns, job.ProjectID), job.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve project id: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: project %q already has an active job", ErrConflict, job.ProjectID)
	}

	hash, err := JobToHash(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, JobKey(c.ns, job.ID), hash)
	pipe.ZAdd(ctx, JobsIndexKey(c.ns), redis.Z{Score: float64(job.UpdatedAtMs), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write job to Redis: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id. Returns ErrNotFound if it does not exist.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	hashData, err := c.rdb.HGetAll(ctx, JobKey(c.ns, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return HashToJob(hashData)
}

// ListJobs returns jobs ordered by most recently updated. A non-empty status
// filters the result; limit <= 0 means no limit.
func (c *Client) ListJobs(ctx context.Context, status JobStatus, limit int) ([]*Job, error) {
	ids, err := c.rdb.ZRevRange(ctx, JobsIndexKey(c.ns), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs index: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue // index entry outlived the job record
			}
			return nil, err
		}
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, job)
		if limit > 0 && len(jobs) >= limit {
			break
		}
	}
	return jobs, nil
}

// TransitionJob performs a conditional status (and optional stage) transition.
// Returns ErrConflict if the current status does not match expected, and
// ErrNotFound if the job is missing.
func (c *Client) TransitionJob(ctx context.Context, jobID string, expected, next JobStatus, nextStage Stage) error {
	res, err := jobTransitionScript.Run(ctx, c.rdb,
		[]string{JobKey(c.ns, jobID), JobsIndexKey(c.ns)},
		string(expected), string(next), string(nextStage), nowMs(), jobID,
	).Int()
	if err != nil {
		return fmt.Errorf("job transition script failed: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%w: job %s status is not %s", ErrConflict, jobID, expected)
	default:
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
}

// SetJobStage updates the job stage unconditionally. Callers must hold the
// per-job advance lock.
func (c *Client) SetJobStage(ctx context.Context, jobID string, stage Stage) error {
	now := nowMs()
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, JobKey(c.ns, jobID), "stage", string(stage), "updated_at_ms", now)
	pipe.ZAdd(ctx, JobsIndexKey(c.ns), redis.Z{Score: float64(now), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set job stage: %w", err)
	}
	return nil
}

// UpdateJobMetadata merges the given keys into the job metadata map.
// Callers must hold the per-job advance lock; the read-modify-write is not
// atomic on its own.
func (c *Client) UpdateJobMetadata(ctx context.Context, jobID string, patch map[string]string) error {
	job, err := c.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	for k, v := range patch {
		if v == "" {
			delete(job.Metadata, k)
		} else {
			job.Metadata[k] = v
		}
	}
	metadataJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	now := nowMs()
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, JobKey(c.ns, jobID), "metadata", string(metadataJSON), "updated_at_ms", now)
	pipe.ZAdd(ctx, JobsIndexKey(c.ns), redis.Z{Score: float64(now), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update job metadata: %w", err)
	}
	return nil
}

// ReleaseProject frees the project guard if it still points at the given job.
func (c *Client) ReleaseProject(ctx context.Context, projectID, jobID string) error {
	if err := releaseGuardScript.Run(ctx, c.rdb,
		[]string{ProjectGuardKey(c.ns, projectID)}, jobID,
	).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release project guard: %w", err)
	}
	return nil
}

// ReclaimProject re-acquires the project guard for a restarted job. Returns
// ErrConflict if another job holds it.
func (c *Client) ReclaimProject(ctx context.Context, projectID, jobID string) error {
	ok, err := c.rdb.SetNX(ctx, ProjectGuardKey(c.ns, projectID), jobID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reclaim project guard: %w", err)
	}
	if !ok {
		current, _ := c.rdb.Get(ctx, ProjectGuardKey(c.ns, projectID)).Result()
		if current != jobID {
			return fmt.Errorf("%w: project %q held by job %s", ErrConflict, projectID, current)
		}
	}
	return nil
}

// ---- Tasks ----

// CreateTask writes a task in pending state. Creation is idempotent: a task
// that already exists (deterministic ids make this common after restarts) is
// left untouched.
func (c *Client) CreateTask(ctx context.Context, task *Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	exists, err := c.rdb.Exists(ctx, TaskKey(c.ns, task.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check task existence: %w", err)
	}
	if exists > 0 {
		return nil
	}

	hash, err := TaskToHash(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, TaskKey(c.ns, task.ID), hash)
	pipe.SAdd(ctx, JobTasksKey(c.ns, task.JobID), task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write task to Redis: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id. Returns ErrNotFound if it does not exist.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	hashData, err := c.rdb.HGetAll(ctx, TaskKey(c.ns, taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read task from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return HashToTask(hashData)
}

// GetJobTasks returns all tasks belonging to a job, in unspecified order.
func (c *Client) GetJobTasks(ctx context.Context, jobID string) ([]*Task, error) {
	ids, err := c.rdb.SMembers(ctx, JobTasksKey(c.ns, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job task set: %w", err)
	}

	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// CancelJobTasks marks every non-terminal task of the job cancelled in one
// transaction and returns the affected task ids.
func (c *Client) CancelJobTasks(ctx context.Context, jobID string) ([]string, error) {
	res, err := cancelJobTasksScript.Run(ctx, c.rdb,
		[]string{JobTasksKey(c.ns, jobID), LeasesKey(c.ns), DelayedKey(c.ns)},
		TaskKeyPrefix(c.ns), nowMs(),
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("cancel script failed: %w", err)
	}
	return res, nil
}

// RemoveJobTasks cancels and deletes every task of a job while keeping the
// job record itself. Restart uses this to rebuild the task graph from scratch.
func (c *Client) RemoveJobTasks(ctx context.Context, jobID string) error {
	if _, err := c.CancelJobTasks(ctx, jobID); err != nil {
		return err
	}

	taskIDs, err := c.rdb.SMembers(ctx, JobTasksKey(c.ns, jobID)).Result()
	if err != nil {
		return fmt.Errorf("failed to read job task set: %w", err)
	}

	pipe := c.rdb.Pipeline()
	for _, id := range taskIDs {
		pipe.Del(ctx, TaskKey(c.ns, id))
	}
	pipe.Del(ctx, JobTasksKey(c.ns, jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove job tasks: %w", err)
	}
	return nil
}

// DeleteJobRecords removes the job and every record attached to it: tasks,
// artifacts, events, truth record, index entries and the project guard.
// In-flight workers discover the cancellation through completion CAS failures.
func (c *Client) DeleteJobRecords(ctx context.Context, jobID string) error {
	job, err := c.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if _, err := c.CancelJobTasks(ctx, jobID); err != nil {
		return err
	}

	taskIDs, err := c.rdb.SMembers(ctx, JobTasksKey(c.ns, jobID)).Result()
	if err != nil {
		return fmt.Errorf("failed to read job task set: %w", err)
	}
	artifactHashes, err := c.rdb.ZRange(ctx, JobArtifactsKey(c.ns, jobID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read job artifact index: %w", err)
	}

	pipe := c.rdb.Pipeline()
	for _, id := range taskIDs {
		pipe.Del(ctx, TaskKey(c.ns, id))
	}
	for _, hash := range artifactHashes {
		pipe.Del(ctx, ArtifactKey(c.ns, hash))
	}
	pipe.Del(ctx,
		JobTasksKey(c.ns, jobID),
		JobArtifactsKey(c.ns, jobID),
		JobArtifactByTypeKey(c.ns, jobID),
		EventsKey(c.ns, jobID),
		EventSeqKey(c.ns, jobID),
		TruthKey(c.ns, jobID),
		JobKey(c.ns, jobID),
	)
	pipe.ZRem(ctx, JobsIndexKey(c.ns), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete job records: %w", err)
	}

	return c.ReleaseProject(ctx, job.ProjectID, jobID)
}
