package orchestrator

import (
	"context"
	"strings"

	"github.com/cadre-dev/cadre/pkg/board"
)

const metaStageRetryPrefix = "stage_retried_"

// handleTaskFailed reacts to a terminal task failure. Failures still inside
// the dispatcher's retry budget never reach this path: their tasks are back
// in queued state by the time the event is read, so the status check below
// drops them.
//
// A task lost to worker crashes (lease expiry spent the whole attempt budget)
// in a retry-safe parallel stage gets one stage-level retry with a fresh task
// id before the job is failed. Handler-reported failures do not: three
// identical handler errors will not become six.
func (e *Engine) handleTaskFailed(ctx context.Context, jobID, taskID string) error {
	lock, err := e.client.AcquireAdvanceLock(ctx, jobID, 2*e.lockTimeout(), e.lockTimeout())
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	task, err := e.client.GetTask(ctx, taskID)
	if err != nil {
		if board.IsNotFound(err) {
			e.logEvent("unknown_task_ignored", map[string]interface{}{
				"job_id": jobID, "task_id": taskID,
			})
			return nil
		}
		return err
	}
	if task.Status != board.TaskStatusFailed {
		return nil // retried or already recovered
	}

	job, err := e.client.GetJob(ctx, jobID)
	if err != nil {
		if board.IsNotFound(err) {
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if e.shouldRetryStage(job, task) {
		return e.retryStage(ctx, job, task)
	}
	return e.failJob(ctx, job, task)
}

// shouldRetryStage permits one stage-level retry for crash-lost tasks in
// retry-safe stages.
func (e *Engine) shouldRetryStage(job *board.Job, task *board.Task) bool {
	if !retrySafeStages[task.Stage] {
		return false
	}
	if job.Metadata[metaStageRetryPrefix+string(task.Stage)] == "true" {
		return false
	}
	return strings.HasPrefix(task.Error, "lease expired")
}

// retryStage regenerates the failed task with the next wave index. The
// replacement keeps the original's dependencies; siblings in the parallel
// group are untouched.
func (e *Engine) retryStage(ctx context.Context, job *board.Job, failed *board.Task) error {
	if err := e.client.UpdateJobMetadata(ctx, job.ID, map[string]string{
		metaStageRetryPrefix + string(failed.Stage): "true",
	}); err != nil {
		return err
	}

	replacement := e.buildTask(job, failed.Stage, failed.WaveIndex+1, failed.Dependencies, TaskInput{
		Requirements: job.Metadata[board.MetaRequirements],
		Stage:        string(failed.Stage),
	})
	if err := e.enqueueTask(ctx, replacement); err != nil {
		return err
	}

	e.logEvent("stage_retried", map[string]interface{}{
		"job_id":      job.ID,
		"stage":       string(failed.Stage),
		"failed_task": failed.ID,
		"retry_task":  replacement.ID,
	})
	return nil
}

// failJob moves the job to its terminal failure state: record which stage
// broke and why, cancel everything still pending or in flight (succeeded
// siblings keep their artifacts), and free the project id.
func (e *Engine) failJob(ctx context.Context, job *board.Job, task *board.Task) error {
	if err := e.transitionJob(ctx, job, board.JobStatusFailed, board.StageFailed); err != nil {
		return err
	}
	if err := e.client.UpdateJobMetadata(ctx, job.ID, map[string]string{
		board.MetaFailedStage:  string(task.Stage),
		board.MetaFailedReason: task.Error,
	}); err != nil {
		return err
	}

	cancelled, err := e.client.CancelJobTasks(ctx, job.ID)
	if err != nil {
		return err
	}

	if _, err := e.client.AppendEvent(ctx, &board.Event{
		JobID:  job.ID,
		TaskID: task.ID,
		Kind:   board.EventJobFailed,
		Payload: map[string]string{
			"failed_stage": string(task.Stage),
			"reason":       task.Error,
		},
	}); err != nil {
		return err
	}

	if err := e.client.ReleaseProject(ctx, job.ProjectID, job.ID); err != nil {
		return err
	}

	e.usage.JobFinished("failed")
	e.logEvent("job_failed", map[string]interface{}{
		"job_id":          job.ID,
		"failed_stage":    string(task.Stage),
		"cancelled_tasks": len(cancelled),
	})
	return nil
}
