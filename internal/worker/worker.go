// Package worker implements the role worker pool: claiming tasks from role
// queues, resolving dependency outputs, invoking registered handlers under a
// deadline, persisting artifacts, and reporting results back to the board.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/cadre-dev/cadre/internal/config"
	"github.com/cadre-dev/cadre/internal/metrics"
	"github.com/cadre-dev/cadre/pkg/board"
)

// Request is everything a handler gets to see: the task's input payload, the
// outputs of its dependency tasks keyed by task id, the job's truth record
// once one exists, and the role's skill allowlist (nil = unrestricted).
// Handlers must treat all of it as read-only.
type Request struct {
	Task    *board.Task
	Inputs  map[string]string
	Truth   *board.TruthRecord
	Catalog *board.CatalogCache
	Skills  []string
}

// Result is a handler's successful output: one typed artifact.
type Result struct {
	Type    board.ArtifactType
	Content string
}

// Handler executes tasks for one role. Implementations must be idempotent
// with respect to retries and honor ctx cancellation at their I/O boundaries.
type Handler interface {
	Role() string
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Registry maps roles to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering a role twice is a programming error.
func (r *Registry) Register(h Handler) error {
	if _, dup := r.handlers[h.Role()]; dup {
		return fmt.Errorf("handler for role %q already registered", h.Role())
	}
	r.handlers[h.Role()] = h
	return nil
}

// Get returns the handler for a role.
func (r *Registry) Get(role string) (Handler, bool) {
	h, ok := r.handlers[role]
	return h, ok
}

// Output is the JSON payload stored on a succeeded task.
type Output struct {
	ArtifactHash string `json:"artifact_hash"`
	ArtifactType string `json:"artifact_type"`
}

// Pool hosts N concurrent executors per configured role against one board.
type Pool struct {
	client   *board.Client
	cfg      *config.CadreConfig
	registry *Registry
	usage    *metrics.Usage
	catalog  *board.CatalogCache
	skills   *board.SkillCache
	workerID string

	// claim poll interval, shortened in tests
	pollInterval time.Duration
}

// NewPool creates a worker pool. workerID must be unique per process.
func NewPool(client *board.Client, cfg *config.CadreConfig, registry *Registry, usage *metrics.Usage, workerID string) *Pool {
	if usage == nil {
		usage = metrics.NewUsage()
	}
	return &Pool{
		client:       client,
		cfg:          cfg,
		registry:     registry,
		usage:        usage,
		catalog:      board.NewCatalogCache(client),
		skills:       board.NewSkillCache(client),
		workerID:     workerID,
		pollInterval: 500 * time.Millisecond,
	}
}

// Run registers the worker, starts the executor goroutines, and blocks until
// the context is cancelled and all in-flight tasks have settled.
func (p *Pool) Run(ctx context.Context) error {
	roles := make([]string, 0, len(p.cfg.Roles))
	for _, r := range p.cfg.Roles {
		if _, ok := p.registry.Get(r.Name); !ok {
			return fmt.Errorf("no handler registered for configured role %q", r.Name)
		}
		roles = append(roles, r.Name)
	}
	if len(roles) == 0 {
		return fmt.Errorf("no roles configured")
	}

	if err := p.client.RegisterWorker(ctx, &board.WorkerInfo{
		ID:             p.workerID,
		Roles:          roles,
		MaxConcurrency: totalConcurrency(p.cfg.Roles),
		RegisteredAtMs: time.Now().UnixMilli(),
		LastSeenAtMs:   time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	go p.catalog.Run(ctx)
	go p.skills.Run(ctx)
	go p.presenceLoop(ctx)

	var wg sync.WaitGroup
	for _, role := range p.cfg.Roles {
		for slot := 0; slot < role.Concurrency; slot++ {
			wg.Add(1)
			go func(roleName string, slot int) {
				defer wg.Done()
				p.claimLoop(ctx, roleName, slot)
			}(role.Name, slot)
		}
	}

	log.Printf("[Worker] %s running %d roles", p.workerID, len(roles))
	wg.Wait()
	return nil
}

func totalConcurrency(roles []config.RoleConfig) int {
	total := 0
	for _, r := range roles {
		total += r.Concurrency
	}
	return total
}

// presenceLoop keeps the worker's last-seen timestamp fresh.
func (p *Pool) presenceLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.Worker.HeartbeatIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.client.TouchWorker(ctx, p.workerID); err != nil && ctx.Err() == nil {
				log.Printf("[Worker] %s presence update failed: %v", p.workerID, err)
			}
		}
	}
}

// claimLoop polls one role queue and executes claimed tasks serially.
func (p *Pool) claimLoop(ctx context.Context, role string, slot int) {
	executorID := fmt.Sprintf("%s/%s-%d", p.workerID, role, slot)
	lease := time.Duration(p.cfg.Worker.LeaseSeconds) * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		task, err := p.client.ClaimTask(ctx, role, executorID, lease)
		if err != nil {
			if board.IsNotFound(err) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.pollInterval):
				}
				continue
			}
			log.Printf("[Worker] %s claim failed: %v", executorID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}

		p.appendEvent(ctx, task, board.EventTaskClaimed, map[string]string{"worker": executorID})
		p.execute(ctx, executorID, task, lease)
	}
}

// execute runs one claimed task through its handler and settles the result.
func (p *Pool) execute(ctx context.Context, executorID string, task *board.Task, lease time.Duration) {
	handler, ok := p.registry.Get(task.Role)
	if !ok {
		// Claimed a role we no longer handle; fail it back for someone else.
		p.settleFailure(ctx, executorID, task, fmt.Errorf("no handler for role %s", task.Role))
		return
	}

	if err := p.client.StartTask(ctx, task.ID, executorID); err != nil {
		if errors.Is(err, board.ErrTaskCancelled) {
			return
		}
		log.Printf("[Worker] %s could not start task %s: %v", executorID, task.ID, err)
		return
	}
	p.appendEvent(ctx, task, board.EventTaskStarted, map[string]string{"worker": executorID})

	// Renew the lease at a third of its length while the handler runs.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.leaseLoop(hbCtx, executorID, task.ID, lease)

	req, err := p.buildRequest(ctx, task)
	if err != nil {
		p.settleFailure(ctx, executorID, task, err)
		return
	}

	deadline := time.Duration(task.DeadlineSeconds) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	started := time.Now()
	result, execErr := handler.Execute(execCtx, req)
	cancel()
	stopHeartbeat()

	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) {
			execErr = fmt.Errorf("%w: handler exceeded %s", board.ErrDeadlineExceeded, deadline)
		}
		p.settleFailure(ctx, executorID, task, execErr)
		p.usage.TaskFinished(task.Role, "failed", time.Since(started).Seconds())
		return
	}

	if err := p.settleSuccess(ctx, executorID, task, result); err != nil {
		log.Printf("[Worker] %s could not settle task %s: %v", executorID, task.ID, err)
		return
	}
	p.usage.TaskFinished(task.Role, "succeeded", time.Since(started).Seconds())
}

// leaseLoop renews the task lease until stopped.
func (p *Pool) leaseLoop(ctx context.Context, executorID, taskID string, lease time.Duration) {
	ticker := time.NewTicker(lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.client.ExtendLease(ctx, taskID, executorID, lease); err != nil {
				// Lease gone: cancelled or reassigned. The completion CAS
				// will sort out who owns the result.
				return
			}
		}
	}
}

// buildRequest loads the handler's view of the world: dependency outputs and
// the job truth record.
func (p *Pool) buildRequest(ctx context.Context, task *board.Task) (*Request, error) {
	inputs := make(map[string]string, len(task.Dependencies))
	for _, depID := range task.Dependencies {
		dep, err := p.client.GetTask(ctx, depID)
		if err != nil {
			return nil, fmt.Errorf("dependency %s: %w", depID, err)
		}
		if dep.Status != board.TaskStatusSucceeded {
			return nil, fmt.Errorf("dependency %s is %s, not succeeded", depID, dep.Status)
		}
		inputs[depID] = dep.Output
	}

	truth, err := p.client.GetTruth(ctx, task.JobID)
	if err != nil && !board.IsNotFound(err) {
		return nil, err
	}

	skills, err := p.skills.Allowed(ctx, task.Role)
	if err != nil {
		return nil, err
	}

	return &Request{Task: task, Inputs: inputs, Truth: truth, Catalog: p.catalog, Skills: skills}, nil
}

// settleSuccess stores the artifact and completes the task. If the task was
// cancelled while running, the stored artifact is discarded and the result
// dropped.
func (p *Pool) settleSuccess(ctx context.Context, executorID string, task *board.Task, result *Result) error {
	artifact := board.NewArtifact(task.JobID, task.ID, result.Type, result.Content)
	hash, err := p.client.PutArtifact(ctx, artifact)
	if err != nil {
		return err
	}

	output, _ := json.Marshal(Output{ArtifactHash: hash, ArtifactType: string(result.Type)})
	if err := p.client.CompleteTask(ctx, task.ID, executorID, string(output)); err != nil {
		if errors.Is(err, board.ErrTaskCancelled) || errors.Is(err, board.ErrConflict) {
			// Not ours to finish anymore; partial output is not retained.
			if discardErr := p.client.DiscardArtifact(ctx, task.JobID, hash); discardErr != nil {
				log.Printf("[Worker] %s could not discard artifact %s: %v", executorID, hash, discardErr)
			}
			return nil
		}
		return err
	}

	p.appendEvent(ctx, task, board.EventArtifactStored, map[string]string{
		"artifact_hash": hash,
		"artifact_type": string(result.Type),
	})
	p.appendEvent(ctx, task, board.EventTaskSucceeded, map[string]string{
		"artifact_hash": hash,
	})
	return nil
}

// settleFailure records a failed attempt, requeueing through the delayed set
// with exponential backoff while the attempt budget lasts.
func (p *Pool) settleFailure(ctx context.Context, executorID string, task *board.Task, execErr error) {
	retry := task.Attempt < task.MaxAttempts
	readyAt := time.Now().Add(p.backoff(task.Attempt))

	retried, err := p.client.FailTask(ctx, task.ID, executorID, execErr.Error(), retry, readyAt)
	if err != nil {
		if errors.Is(err, board.ErrTaskCancelled) || errors.Is(err, board.ErrConflict) {
			return
		}
		log.Printf("[Worker] %s could not fail task %s: %v", executorID, task.ID, err)
		return
	}

	if retried {
		p.usage.TaskRetried(task.Role)
	}
	p.appendEvent(ctx, task, board.EventTaskFailed, map[string]string{
		"error":      execErr.Error(),
		"attempt":    strconv.Itoa(task.Attempt),
		"will_retry": strconv.FormatBool(retried),
	})
}

// backoff computes the delay before attempt+1: base doubled per prior
// attempt, capped.
func (p *Pool) backoff(attempt int) time.Duration {
	base := time.Duration(p.cfg.Task.RetryBackoffBaseMs) * time.Millisecond
	maxDelay := time.Duration(p.cfg.Task.RetryBackoffCapMs) * time.Millisecond

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func (p *Pool) appendEvent(ctx context.Context, task *board.Task, kind board.EventKind, payload map[string]string) {
	if _, err := p.client.AppendEvent(ctx, &board.Event{
		JobID:   task.JobID,
		TaskID:  task.ID,
		Kind:    kind,
		Payload: payload,
	}); err != nil && ctx.Err() == nil {
		log.Printf("[Worker] failed to append %s event for task %s: %v", kind, task.ID, err)
	}
}
