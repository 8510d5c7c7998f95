package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cadre-dev/cadre/pkg/board"
)

// Wave generation
//
// A wave is the set of tasks created on one stage transition. Generation is a
// deterministic function of (job id, stage, role, wave index): task ids are
// name-based UUIDs, so regenerating a wave after an orchestrator restart
// recreates the same ids and CreateTask's idempotence makes the second pass a
// no-op.

// TaskID derives the stable task id for (job, stage, role, wave index).
func TaskID(jobID string, stage board.Stage, role string, waveIndex int) string {
	name := fmt.Sprintf("cadre|%s|%s|%s|%d", jobID, stage, role, waveIndex)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// TaskInput is the JSON payload handed to a role handler.
type TaskInput struct {
	Requirements string `json:"requirements"`
	Stage        string `json:"stage"`
	Feedback     string `json:"feedback,omitempty"` // request-changes feedback, prd only
	Round        int    `json:"round,omitempty"`    // prd regeneration round
}

func encodeTaskInput(in TaskInput) string {
	data, _ := json.Marshal(in)
	return string(data)
}

// buildTask assembles one task of a wave with the engine's configured budgets.
func (e *Engine) buildTask(job *board.Job, stage board.Stage, waveIndex int, deps []string, input TaskInput) *board.Task {
	role := stageRole[stage]
	if deps == nil {
		deps = []string{}
	}
	return &board.Task{
		ID:              TaskID(job.ID, stage, role, waveIndex),
		JobID:           job.ID,
		Role:            role,
		TaskType:        role,
		Status:          board.TaskStatusPending,
		Stage:           stage,
		WaveIndex:       waveIndex,
		Priority:        defaultTaskPriority,
		Dependencies:    deps,
		Input:           encodeTaskInput(input),
		Attempt:         1,
		MaxAttempts:     e.cfg.Task.MaxAttempts,
		DeadlineSeconds: e.cfg.Task.DefaultDeadlineSeconds,
	}
}

// resolveDeps maps each dependency stage to the id of its succeeded task.
// Wave generation only runs after the previous group completed, so a missing
// dependency means the board is inconsistent.
func resolveDeps(stage board.Stage, jobTasks []*board.Task) ([]string, error) {
	depStages := stageDeps[stage]
	deps := make([]string, 0, len(depStages))
	for _, depStage := range depStages {
		found := ""
		for _, t := range jobTasks {
			if t.Stage == depStage && t.Status == board.TaskStatusSucceeded {
				found = t.ID
				break
			}
		}
		if found == "" {
			return nil, fmt.Errorf("no succeeded %s task to depend on", depStage)
		}
		deps = append(deps, found)
	}
	return deps, nil
}

// generateWave creates and enqueues one task per stage of the group. Every
// task of the wave depends only on stages from earlier groups, so all of them
// are immediately eligible.
func (e *Engine) generateWave(ctx context.Context, job *board.Job, group []board.Stage, waveIndex int) error {
	jobTasks, err := e.client.GetJobTasks(ctx, job.ID)
	if err != nil {
		return err
	}

	requirements := job.Metadata[board.MetaRequirements]
	for _, stage := range group {
		deps, err := resolveDeps(stage, jobTasks)
		if err != nil {
			return fmt.Errorf("stage %s: %w", stage, err)
		}

		task := e.buildTask(job, stage, waveIndex, deps, TaskInput{
			Requirements: requirements,
			Stage:        string(stage),
		})

		if _, err := e.client.AppendEvent(ctx, &board.Event{
			JobID:   job.ID,
			Kind:    board.EventStageEntered,
			Payload: map[string]string{"stage": string(stage)},
		}); err != nil {
			return err
		}

		if err := e.enqueueTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// enqueueTask persists a task, pushes it onto its role queue, and emits
// task_queued. Saturated queues are reported but never block an existing
// job's wave.
func (e *Engine) enqueueTask(ctx context.Context, task *board.Task) error {
	if err := e.client.CreateTask(ctx, task); err != nil {
		return err
	}

	depth, err := e.client.QueueDepth(ctx, task.Role)
	if err != nil {
		return err
	}
	if depth >= int64(e.cfg.Queue.SoftCapPerRole) {
		if _, err := e.client.AppendEvent(ctx, &board.Event{
			JobID:   task.JobID,
			TaskID:  task.ID,
			Kind:    board.EventQueueSaturated,
			Payload: map[string]string{"role": task.Role, "depth": fmt.Sprintf("%d", depth)},
		}); err != nil {
			return err
		}
		e.logEvent("queue_saturated", map[string]interface{}{
			"role":  task.Role,
			"depth": depth,
		})
	}

	if err := e.client.EnqueueTask(ctx, task.ID); err != nil {
		return err
	}

	_, err = e.client.AppendEvent(ctx, &board.Event{
		JobID:   task.JobID,
		TaskID:  task.ID,
		Kind:    board.EventTaskQueued,
		Payload: map[string]string{"role": task.Role, "stage": string(task.Stage)},
	})
	return err
}
