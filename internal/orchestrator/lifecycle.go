package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cadre-dev/cadre/pkg/board"
)

// CreateJob accepts a planning request, creates the job, and kicks off PRD
// generation. Returns ErrConflict if the project already has an active job
// and ErrQueueSaturated when the intake queue is over its soft cap (existing
// jobs keep progressing; new ones wait).
func (e *Engine) CreateJob(ctx context.Context, projectID, requirements string, metadata map[string]string) (*board.Job, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", board.ErrInvalidInput)
	}
	if len(requirements) < 1 {
		return nil, fmt.Errorf("%w: requirements must not be empty", board.ErrInvalidInput)
	}

	depth, err := e.client.QueueDepth(ctx, stageRole[board.StagePRDGeneration])
	if err != nil {
		return nil, err
	}
	if depth >= int64(e.cfg.Queue.SoftCapPerRole) {
		return nil, fmt.Errorf("%w: prd queue depth %d", board.ErrQueueSaturated, depth)
	}

	meta := map[string]string{board.MetaRequirements: requirements}
	for k, v := range metadata {
		if k != board.MetaRequirements {
			meta[k] = v
		}
	}

	job := &board.Job{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Status:    board.JobStatusQueued,
		Stage:     board.StageInitialization,
		Metadata:  meta,
	}
	if err := e.client.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if _, err := e.client.AppendEvent(ctx, &board.Event{
		JobID:   job.ID,
		Kind:    board.EventJobCreated,
		Payload: map[string]string{"project_id": projectID},
	}); err != nil {
		return nil, err
	}

	if err := e.startPRDGeneration(ctx, job); err != nil {
		return nil, err
	}

	e.usage.JobCreated()
	e.logEvent("job_created", map[string]interface{}{
		"job_id": job.ID, "project_id": projectID,
	})
	return job, nil
}

// startPRDGeneration moves the job into prd_generation and enqueues the
// initial prd task. Shared by intake and restart.
func (e *Engine) startPRDGeneration(ctx context.Context, job *board.Job) error {
	if err := e.transitionJob(ctx, job, board.JobStatusInProgress, board.StagePRDGeneration); err != nil {
		return err
	}
	if _, err := e.client.AppendEvent(ctx, &board.Event{
		JobID:   job.ID,
		Kind:    board.EventStageEntered,
		Payload: map[string]string{"stage": string(board.StagePRDGeneration)},
	}); err != nil {
		return err
	}

	task := e.buildTask(job, board.StagePRDGeneration, 0, nil, TaskInput{
		Requirements: job.Metadata[board.MetaRequirements],
		Stage:        string(board.StagePRDGeneration),
	})
	return e.enqueueTask(ctx, task)
}

// Restart re-runs a failed job from scratch: all tasks and artifacts are
// discarded (the requirements live in job metadata and survive) and the job
// re-enters intake. Returns ErrNotFailed unless the job is in a failed state.
func (e *Engine) Restart(ctx context.Context, jobID string) error {
	lock, err := e.client.AcquireAdvanceLock(ctx, jobID, 2*e.lockTimeout(), e.lockTimeout())
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	job, err := e.client.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != board.JobStatusFailed {
		return fmt.Errorf("%w: job %s is %s", board.ErrNotFailed, jobID, job.Status)
	}

	// The guard was released when the job failed; take it back before any
	// concurrent submission can.
	if err := e.client.ReclaimProject(ctx, job.ProjectID, job.ID); err != nil {
		return err
	}

	if err := e.client.RemoveJobTasks(ctx, jobID); err != nil {
		return err
	}
	if err := e.client.RemoveJobArtifacts(ctx, jobID); err != nil {
		return err
	}
	if err := e.client.DeleteTruth(ctx, jobID); err != nil {
		return err
	}
	if err := e.client.UpdateJobMetadata(ctx, jobID, map[string]string{
		board.MetaRestarted:    "true",
		board.MetaFailedStage:  "",
		board.MetaFailedReason: "",
		board.MetaPRDRound:     "",
		board.MetaPRDTaskID:    "",
		board.MetaFeedback:     "",
	}); err != nil {
		return err
	}

	if err := e.client.TransitionJob(ctx, jobID, board.JobStatusFailed, board.JobStatusQueued, board.StageInitialization); err != nil {
		return err
	}

	if _, err := e.client.AppendEvent(ctx, &board.Event{
		JobID:   jobID,
		Kind:    board.EventJobCreated,
		Payload: map[string]string{"restart": "true"},
	}); err != nil {
		return err
	}

	job.Status = board.JobStatusQueued
	job.Stage = board.StageInitialization
	if err := e.startPRDGeneration(ctx, job); err != nil {
		return err
	}

	e.logEvent("job_restarted", map[string]interface{}{"job_id": jobID})
	return nil
}

// Delete cancels all in-flight work and removes every record of the job.
// Workers still holding a lease discover the cancellation when their
// completion CAS fails; their results are discarded.
func (e *Engine) Delete(ctx context.Context, jobID string) error {
	if err := e.client.DeleteJobRecords(ctx, jobID); err != nil {
		return err
	}
	e.logEvent("job_deleted", map[string]interface{}{"job_id": jobID})
	return nil
}
