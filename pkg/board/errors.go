package board

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

// Sentinel error kinds. Callers classify failures with errors.Is; the HTTP
// layer maps each kind to a status code and never leaks stack traces.
var (
	// ErrInvalidInput is a caller-visible validation failure. No state change.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict means a conditional write lost: the expected current value
	// was stale. The orchestrator re-reads and retries once; the dispatcher
	// treats it as "someone else claimed it" and moves on.
	ErrConflict = errors.New("conflict")

	// ErrNotFound is a caller-visible missing-entity failure.
	ErrNotFound = errors.New("not found")

	// ErrWrongStage means an approval-gate operation arrived while the job was
	// not in waiting_for_approval.
	ErrWrongStage = errors.New("wrong stage")

	// ErrStaleApproval means the approval referenced a PRD hash that no longer
	// matches the job's current PRD artifact.
	ErrStaleApproval = errors.New("stale approval")

	// ErrNotFailed means Restart was called on a job that is not failed.
	ErrNotFailed = errors.New("job not failed")

	// ErrDeadlineExceeded is reported as a task failure and counts toward the
	// task's attempt budget.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrQueueSaturated means a role queue is over its soft cap and intake for
	// new jobs is paused.
	ErrQueueSaturated = errors.New("queue saturated")
)

// IsNotFound returns true for board-level and raw Redis key-missing errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil)
}

// IsConflict returns true if the error is a lost conditional write.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
