// Package orchestrator implements the workflow state machine: job intake,
// event-driven stage advancement, wave generation, the human approval gate,
// failure propagation, restart and delete.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cadre-dev/cadre/internal/config"
	"github.com/cadre-dev/cadre/internal/metrics"
	"github.com/cadre-dev/cadre/pkg/board"
)

const defaultTaskPriority = 10

// Engine is the core orchestrator. It subscribes to board events and advances
// each job's state machine as task completions arrive. Multiple engine
// instances can run concurrently: the per-job advance lock serializes stage
// transitions, and every write is conditional.
type Engine struct {
	client       *board.Client
	cfg          *config.CadreConfig
	usage        *metrics.Usage
	instanceName string
}

// NewEngine creates an orchestrator engine.
func NewEngine(client *board.Client, cfg *config.CadreConfig, usage *metrics.Usage, instanceName string) *Engine {
	if usage == nil {
		usage = metrics.NewUsage()
	}
	return &Engine{
		client:       client,
		cfg:          cfg,
		usage:        usage,
		instanceName: instanceName,
	}
}

// Run subscribes to board events and processes them until the context is
// cancelled. Event handling errors are logged and skipped; only the
// subscription itself failing is fatal.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("[Orchestrator] Starting for instance '%s'", e.instanceName)

	subscription, err := e.client.SubscribeEvents(ctx, "", 0, e.cfg.EventBus.SubscriberBuffer)
	if err != nil {
		return fmt.Errorf("failed to subscribe to board events: %w", err)
	}
	defer subscription.Close()

	// Subscribe first, then reconcile: anything that lands during recovery
	// is buffered, and anything that landed before it is replayed from state.
	if err := e.RecoverJobs(ctx); err != nil {
		return fmt.Errorf("state recovery failed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Orchestrator] Shutting down...")
			return nil

		case ev, ok := <-subscription.Events():
			if !ok {
				log.Printf("[Orchestrator] Subscription closed")
				return nil
			}
			if err := e.HandleEvent(ctx, ev); err != nil {
				log.Printf("[Orchestrator] Error handling %s event for job %s: %v", ev.Kind, ev.JobID, err)
			}

		case err, ok := <-subscription.Errors():
			if !ok {
				return nil
			}
			log.Printf("[Orchestrator] Subscription error: %v", err)
		}
	}
}

// HandleEvent dispatches one board event to the advance logic. Exposed so
// in-process deployments and tests can drive the engine without the
// subscription loop.
func (e *Engine) HandleEvent(ctx context.Context, ev *board.Event) error {
	switch ev.Kind {
	case board.EventTaskSucceeded:
		return e.handleTaskSucceeded(ctx, ev.JobID, ev.TaskID)
	case board.EventTaskFailed:
		return e.handleTaskFailed(ctx, ev.JobID, ev.TaskID)
	default:
		return nil
	}
}

// handleTaskSucceeded advances the job's state machine after a task completes.
// The advance is idempotent: it keys on "all tasks of the stage group are
// succeeded", not on the event itself, so duplicate deliveries are harmless.
func (e *Engine) handleTaskSucceeded(ctx context.Context, jobID, taskID string) error {
	lock, err := e.client.AcquireAdvanceLock(ctx, jobID,
		2*e.lockTimeout(), e.lockTimeout())
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
	if task.Status != board.TaskStatusSucceeded {
		return nil // stale event, state moved on
	}

	job, err := e.client.GetJob(ctx, jobID)
	if err != nil {
		if board.IsNotFound(err) {
			return nil // job deleted under us
		}
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	// The PRD stage feeds the approval gate instead of the next wave.
	if task.Stage == board.StagePRDGeneration {
		return e.enterApprovalGate(ctx, job, task)
	}

	// Duplicate or late event for a group the job already left.
	if groupIndex(job.Stage) != groupIndex(task.Stage) {
		return nil
	}

	group := groupOf(task.Stage)
	jobTasks, err := e.client.GetJobTasks(ctx, job.ID)
	if err != nil {
		return err
	}
	if !groupComplete(group, jobTasks) {
		return nil // siblings still running
	}

	next := nextGroup(task.Stage)
	if next == nil {
		return fmt.Errorf("no next group after stage %s", task.Stage)
	}

	if groupStage(next) == board.StageCompleted {
		return e.completeJob(ctx, job)
	}

	if err := e.transitionJob(ctx, job, board.JobStatusRunning, groupStage(next)); err != nil {
		return err
	}
	return e.generateWave(ctx, job, next, 0)
}

// enterApprovalGate parks the job at waiting_for_approval and asks for a
// human decision on the PRD the task just produced.
func (e *Engine) enterApprovalGate(ctx context.Context, job *board.Job, task *board.Task) error {
	if job.Stage != board.StagePRDGeneration {
		return nil // duplicate delivery, gate already entered
	}

	if err := e.transitionJob(ctx, job, board.JobStatusWaitingForApproval, board.StageWaitingForApproval); err != nil {
		return err
	}
	if err := e.client.UpdateJobMetadata(ctx, job.ID, map[string]string{
		board.MetaPRDTaskID: task.ID,
	}); err != nil {
		return err
	}

	if _, err := e.client.AppendEvent(ctx, &board.Event{
		JobID:   job.ID,
		Kind:    board.EventStageEntered,
		Payload: map[string]string{"stage": string(board.StageWaitingForApproval)},
	}); err != nil {
		return err
	}
	_, err := e.client.AppendEvent(ctx, &board.Event{
		JobID:  job.ID,
		TaskID: task.ID,
		Kind:   board.EventApprovalRequested,
	})
	if err != nil {
		return err
	}

	e.logEvent("approval_requested", map[string]interface{}{
		"job_id": job.ID, "prd_task_id": task.ID,
	})
	return nil
}

// completeJob moves the job to its terminal success state and frees the
// project id for the next submission.
func (e *Engine) completeJob(ctx context.Context, job *board.Job) error {
	if err := e.transitionJob(ctx, job, board.JobStatusCompleted, board.StageCompleted); err != nil {
		return err
	}
	if _, err := e.client.AppendEvent(ctx, &board.Event{
		JobID: job.ID,
		Kind:  board.EventJobCompleted,
	}); err != nil {
		return err
	}
	if err := e.client.ReleaseProject(ctx, job.ProjectID, job.ID); err != nil {
		return err
	}
	e.usage.JobFinished("completed")
	e.logEvent("job_completed", map[string]interface{}{"job_id": job.ID})
	return nil
}

// transitionJob performs a conditional status+stage transition from the job's
// last observed status, retrying once after a re-read on Conflict.
func (e *Engine) transitionJob(ctx context.Context, job *board.Job, next board.JobStatus, nextStage board.Stage) error {
	err := e.client.TransitionJob(ctx, job.ID, job.Status, next, nextStage)
	if err == nil {
		return nil
	}
	if !errors.Is(err, board.ErrConflict) {
		return err
	}

	// Lost a CAS; re-read and retry once.
	fresh, readErr := e.client.GetJob(ctx, job.ID)
	if readErr != nil {
		return readErr
	}
	if fresh.Status.Terminal() || fresh.Status == next {
		*job = *fresh
		return nil
	}
	if err := e.client.TransitionJob(ctx, job.ID, fresh.Status, next, nextStage); err != nil {
		return err
	}
	job.Status = next
	if nextStage != "" {
		job.Stage = nextStage
	}
	return nil
}

// groupComplete reports whether every stage of the group has a succeeded task
// and no task of the group is still in flight.
func groupComplete(group []board.Stage, jobTasks []*board.Task) bool {
	inGroup := func(stage board.Stage) bool {
		for _, s := range group {
			if s == stage {
				return true
			}
		}
		return false
	}

	succeeded := make(map[board.Stage]bool)
	for _, t := range jobTasks {
		if !inGroup(t.Stage) {
			continue
		}
		switch t.Status {
		case board.TaskStatusSucceeded:
			succeeded[t.Stage] = true
		case board.TaskStatusFailed, board.TaskStatusCancelled:
			// Terminal non-success is the failure path's concern; it only
			// blocks advancement when the stage never succeeded.
		default:
			return false
		}
	}
	for _, s := range group {
		if !succeeded[s] {
			return false
		}
	}
	return true
}

func (e *Engine) lockTimeout() time.Duration {
	return time.Duration(e.cfg.Orchestrator.PerJobLockTimeoutSeconds) * time.Second
}

// logEvent logs a structured event in JSON format.
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "orchestrator"
	data["event_type"] = eventType
	data["instance"] = e.instanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Orchestrator] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
