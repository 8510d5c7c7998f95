package board

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AdvanceLock is the per-job lock the orchestrator holds while processing one
// event-handling step. It serializes stage transitions per job; concurrency
// across jobs is unbounded. The lock carries a TTL so a crashed holder cannot
// wedge the job.
type AdvanceLock struct {
	client *Client
	jobID  string
	token  string
}

// AcquireAdvanceLock takes the per-job advance lock, polling until acquired
// or the timeout elapses. Returns ErrConflict on timeout.
func (c *Client) AcquireAdvanceLock(ctx context.Context, jobID string, ttl, timeout time.Duration) (*AdvanceLock, error) {
	token := uuid.New().String()
	key := AdvanceLockKey(c.ns, jobID)
	deadline := time.Now().Add(timeout)

	for {
		ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire advance lock: %w", err)
		}
		if ok {
			return &AdvanceLock{client: c, jobID: jobID, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: advance lock for job %s held elsewhere", ErrConflict, jobID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Release frees the lock if this holder still owns it.
func (l *AdvanceLock) Release(ctx context.Context) error {
	err := releaseLockScript.Run(ctx, l.client.rdb,
		[]string{AdvanceLockKey(l.client.ns, l.jobID)}, l.token,
	).Err()
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to release advance lock: %w", err)
	}
	return nil
}
