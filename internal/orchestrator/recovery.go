package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cadre-dev/cadre/pkg/board"
)

// RecoverJobs reconciles every non-terminal job against its persisted task
// state. Run calls it once at startup, after subscribing: event fan-out is
// fire-and-forget on top of the durable log, so a terminal task event that
// landed while no engine instance was running would otherwise never advance
// its job. The advance handlers are idempotent and lock-guarded, so replaying
// them here is safe alongside live instances.
func (e *Engine) RecoverJobs(ctx context.Context) error {
	log.Printf("[Orchestrator] Starting state recovery...")
	startTime := time.Now()

	checked := 0
	for _, status := range []board.JobStatus{
		board.JobStatusInProgress,
		board.JobStatusRunning,
		board.JobStatusChangesRequested,
	} {
		jobs, err := e.client.ListJobs(ctx, status, 0)
		if err != nil {
			return fmt.Errorf("failed to scan %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			if err := e.recoverJob(ctx, job); err != nil {
				log.Printf("[Orchestrator] Warning: Failed to recover job %s: %v", job.ID, err)
				// Non-fatal - the next event for the job retries the advance
				continue
			}
			checked++
		}
	}

	duration := time.Since(startTime)
	e.logEvent("recovery_complete", map[string]interface{}{
		"jobs_checked": checked,
		"duration_ms":  duration.Milliseconds(),
	})
	log.Printf("[Orchestrator] State recovery complete: %d jobs checked (duration: %v)",
		checked, duration.Round(time.Millisecond))
	return nil
}

// recoverJob re-runs the advance check for one job by replaying a terminal
// task of its current stage group through the normal handlers. Only the
// latest wave per stage counts: PRD revision rounds and stage retries leave
// superseded terminal tasks behind, and replaying one of those would gate or
// fail the job against stale state. A failed task wins over a succeeded
// sibling: the failure path decides between stage retry and failing the job.
func (e *Engine) recoverJob(ctx context.Context, job *board.Job) error {
	tasks, err := e.client.GetJobTasks(ctx, job.ID)
	if err != nil {
		return err
	}

	latest := make(map[board.Stage]*board.Task)
	for _, task := range tasks {
		if groupIndex(task.Stage) != groupIndex(job.Stage) {
			continue
		}
		cur, ok := latest[task.Stage]
		if !ok || task.WaveIndex > cur.WaveIndex {
			latest[task.Stage] = task
		}
	}

	var succeededID, failedID string
	for _, task := range latest {
		switch task.Status {
		case board.TaskStatusSucceeded:
			succeededID = task.ID
		case board.TaskStatusFailed:
			failedID = task.ID
		}
	}

	if failedID != "" {
		return e.handleTaskFailed(ctx, job.ID, failedID)
	}
	if succeededID != "" {
		return e.handleTaskSucceeded(ctx, job.ID, succeededID)
	}
	return nil
}
