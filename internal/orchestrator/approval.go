package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cadre-dev/cadre/pkg/board"
)

// Approve grants the human approval gate for a job parked at
// waiting_for_approval. prdHash must match the current PRD artifact's hash
// (empty approves whatever is current); an outdated hash is rejected with
// ErrStaleApproval so a decision made against a superseded PRD can never
// slip through. On success the truth record is written, the job advances to
// the parallel {plan_generation, feature_tree} group, and its wave is
// generated.
func (e *Engine) Approve(ctx context.Context, jobID, prdHash, notes string) error {
	lock, err := e.client.AcquireAdvanceLock(ctx, jobID, 2*e.lockTimeout(), e.lockTimeout())
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	job, err := e.client.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Stage != board.StageWaitingForApproval {
		return fmt.Errorf("%w: job %s is in stage %s", board.ErrWrongStage, jobID, job.Stage)
	}

	prd, err := e.client.GetJobArtifactByType(ctx, jobID, board.ArtifactTypePRD)
	if err != nil {
		return err
	}
	if prdHash != "" && prdHash != prd.Hash {
		return fmt.Errorf("%w: prd %s is no longer current", board.ErrStaleApproval, prdHash)
	}

	truth := &board.TruthRecord{
		JobID:            jobID,
		RequirementsHash: board.ContentHash(job.Metadata[board.MetaRequirements]),
		PRDHash:          prd.Hash,
		PRDArtifact:      prd.Hash,
		Notes:            notes,
	}
	// One transaction: truth write + stage advance, guarded by the gate stage.
	if err := e.client.WriteTruth(ctx, truth,
		board.StageWaitingForApproval, board.JobStatusRunning, board.StagePlanGeneration,
	); err != nil {
		return err
	}

	if _, err := e.client.AppendEvent(ctx, &board.Event{
		JobID:   jobID,
		Kind:    board.EventApprovalGranted,
		Payload: map[string]string{"prd_hash": prd.Hash},
	}); err != nil {
		return err
	}

	waitSeconds := float64(time.Now().UnixMilli()-job.UpdatedAtMs) / 1000
	e.usage.ApprovalGranted(waitSeconds)
	e.logEvent("approval_granted", map[string]interface{}{
		"job_id": jobID, "prd_hash": prd.Hash,
	})

	job.Status = board.JobStatusRunning
	job.Stage = board.StagePlanGeneration
	return e.generateWave(ctx, job, groupOf(board.StagePlanGeneration), 0)
}

// RequestChanges rejects the current PRD with feedback and sends the job back
// to prd_generation for another round. The previous PRD stays in artifact
// history but is superseded; approving its hash afterwards fails with
// ErrStaleApproval.
func (e *Engine) RequestChanges(ctx context.Context, jobID, feedback string) error {
	if feedback == "" {
		return fmt.Errorf("%w: feedback is required", board.ErrInvalidInput)
	}

	lock, err := e.client.AcquireAdvanceLock(ctx, jobID, 2*e.lockTimeout(), e.lockTimeout())
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	job, err := e.client.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Stage != board.StageWaitingForApproval {
		return fmt.Errorf("%w: job %s is in stage %s", board.ErrWrongStage, jobID, job.Stage)
	}

	round := 1
	if prev := job.Metadata[board.MetaPRDRound]; prev != "" {
		if n, err := strconv.Atoi(prev); err == nil {
			round = n + 1
		}
	}

	if err := e.transitionJob(ctx, job, board.JobStatusChangesRequested, board.StagePRDGeneration); err != nil {
		return err
	}
	// A rejected PRD can leave no truth behind.
	if err := e.client.DeleteTruth(ctx, jobID); err != nil {
		return err
	}
	if err := e.client.UpdateJobMetadata(ctx, jobID, map[string]string{
		board.MetaPRDRound:  strconv.Itoa(round),
		board.MetaFeedback:  feedback,
		board.MetaPRDTaskID: "",
	}); err != nil {
		return err
	}

	if _, err := e.client.AppendEvent(ctx, &board.Event{
		JobID:   jobID,
		Kind:    board.EventChangesRequested,
		Payload: map[string]string{"feedback": feedback, "round": strconv.Itoa(round)},
	}); err != nil {
		return err
	}
	if _, err := e.client.AppendEvent(ctx, &board.Event{
		JobID:   jobID,
		Kind:    board.EventStageEntered,
		Payload: map[string]string{"stage": string(board.StagePRDGeneration)},
	}); err != nil {
		return err
	}

	// The round number is the wave index, so the regenerated prd task gets a
	// fresh deterministic id distinct from every earlier round.
	task := e.buildTask(job, board.StagePRDGeneration, round, nil, TaskInput{
		Requirements: job.Metadata[board.MetaRequirements],
		Stage:        string(board.StagePRDGeneration),
		Feedback:     feedback,
		Round:        round,
	})
	if err := e.enqueueTask(ctx, task); err != nil {
		return err
	}

	e.usage.ChangesRequested()
	e.logEvent("changes_requested", map[string]interface{}{
		"job_id": jobID, "round": round,
	})
	return nil
}
