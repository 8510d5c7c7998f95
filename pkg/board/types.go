// Package board provides type-safe Go definitions and Redis schema patterns
// for the cadre planning board. The board is the central shared state system
// where all cadre components (orchestrator, dispatcher, workers, CLI) interact
// via well-defined data structures stored in Redis.
//
// All Redis keys and channels are namespaced so multiple cadre deployments can
// safely coexist on a single Redis server.
package board

import (
	"fmt"

	"github.com/google/uuid"
)

// JobStatus defines the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued             JobStatus = "queued"
	JobStatusInProgress         JobStatus = "in_progress"
	JobStatusWaitingForApproval JobStatus = "waiting_for_approval"
	JobStatusChangesRequested   JobStatus = "changes_requested"
	JobStatusRunning            JobStatus = "running"
	JobStatusCompleted          JobStatus = "completed"
	JobStatusFailed             JobStatus = "failed"
)

// Terminal reports whether the status is a terminal job state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Validate checks if the JobStatus is a valid enum value.
func (s JobStatus) Validate() error {
	switch s {
	case JobStatusQueued, JobStatusInProgress, JobStatusWaitingForApproval,
		JobStatusChangesRequested, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown job status: %q", s)
	}
}

// Stage is a node of the workflow state machine. Each stage generates one or
// more tasks, except the approval gate which blocks on a human decision.
type Stage string

const (
	StageInitialization     Stage = "initialization"
	StagePRDGeneration      Stage = "prd_generation"
	StageWaitingForApproval Stage = "waiting_for_approval"
	StagePlanGeneration     Stage = "plan_generation"
	StageFeatureTree        Stage = "feature_tree"
	StageArchitecture       Stage = "architecture"
	StageUIUX               Stage = "uiux"
	StageDevelopment        Stage = "development"
	StageQA                 Stage = "qa"
	StageSecurity           Stage = "security"
	StageDocumentation      Stage = "documentation"
	StageSupport            Stage = "support"
	StagePMReview           Stage = "pm_review"
	StageDelivery           Stage = "delivery"
	StageCompleted          Stage = "completed"
	StageFailed             Stage = "failed"
)

// Validate checks if the Stage is a valid enum value.
func (s Stage) Validate() error {
	switch s {
	case StageInitialization, StagePRDGeneration, StageWaitingForApproval,
		StagePlanGeneration, StageFeatureTree, StageArchitecture, StageUIUX,
		StageDevelopment, StageQA, StageSecurity, StageDocumentation,
		StageSupport, StagePMReview, StageDelivery, StageCompleted, StageFailed:
		return nil
	default:
		return fmt.Errorf("unknown stage: %q", s)
	}
}

// Job represents a single end-to-end planning request.
// Jobs are created by client submission and mutated only by the orchestrator.
type Job struct {
	ID          string            `json:"id"`         // UUID - unique identifier for this job
	ProjectID   string            `json:"project_id"` // Human-supplied project identifier
	Status      JobStatus         `json:"status"`
	Stage       Stage             `json:"stage"`
	Metadata    map[string]string `json:"metadata,omitempty"` // Requirements, failure info, round counters
	CreatedAtMs int64             `json:"created_at_ms"`
	UpdatedAtMs int64             `json:"updated_at_ms"`
}

// Well-known job metadata keys.
const (
	MetaRequirements = "requirements"
	MetaFailedStage  = "failed_stage"
	MetaFailedReason = "failed_reason"
	MetaPRDRound     = "prd_round"   // Increments on every request-changes cycle
	MetaPRDTaskID    = "prd_task_id" // Task id of the PRD currently awaiting approval
	MetaFeedback     = "feedback"    // Latest request-changes feedback
	MetaRestarted    = "restarted"   // "true" when the job was re-run via Restart
)

// TaskStatus defines the lifecycle state of a task.
//
// Transitions follow a fixed DAG:
//
//	pending → queued → claimed → running → succeeded | failed
//
// with two recovery edges back to queued (lease expiry from claimed, retry
// from running) and cancellation allowed from any non-terminal state.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusClaimed   TaskStatus = "claimed"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal task state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Validate checks if the TaskStatus is a valid enum value.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusQueued, TaskStatusClaimed, TaskStatusRunning,
		TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return nil
	default:
		return fmt.Errorf("unknown task status: %q", s)
	}
}

// ValidTransition reports whether moving from s to next follows the task DAG.
func (s TaskStatus) ValidTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusQueued || next == TaskStatusCancelled
	case TaskStatusQueued:
		return next == TaskStatusClaimed || next == TaskStatusCancelled
	case TaskStatusClaimed:
		// claimed → queued is the lease-expiry recovery edge.
		return next == TaskStatusRunning || next == TaskStatusQueued || next == TaskStatusCancelled
	case TaskStatusRunning:
		// running → queued is the retry edge after a recoverable failure.
		return next == TaskStatusSucceeded || next == TaskStatusFailed ||
			next == TaskStatusQueued || next == TaskStatusCancelled
	default:
		return false
	}
}

// Task is one unit of work executed by one worker for one role within a job.
// Task ids are deterministic over (job, stage, role, wave index) so that wave
// regeneration after an orchestrator restart is idempotent.
type Task struct {
	ID               string     `json:"id"`
	JobID            string     `json:"job_id"`
	Role             string     `json:"role"`      // Handler capability that executes this task
	TaskType         string     `json:"task_type"` // Domain type of the expected output
	Status           TaskStatus `json:"status"`
	Stage            Stage      `json:"stage"`
	WaveIndex        int        `json:"wave_index"`
	Priority         int        `json:"priority"`               // Lower value = higher precedence
	Dependencies     []string   `json:"dependencies"`           // Task ids that must be succeeded first
	Input            string     `json:"input"`                  // JSON payload handed to the handler
	Output           string     `json:"output,omitempty"`       // JSON TaskResult, set on success
	Error            string     `json:"error,omitempty"`        // Last failure reason
	ClaimedBy        string     `json:"claimed_by,omitempty"`   // Worker id holding the lease
	LeaseExpiresAtMs int64      `json:"lease_expires_at_ms"`    // Lease expiry, 0 when unclaimed
	Attempt          int        `json:"attempt"`                // 1-based, incremented on each (re)queue
	MaxAttempts      int        `json:"max_attempts"`           // Retry budget
	DeadlineSeconds  int        `json:"deadline_seconds"`       // Per-execution handler deadline
	EnqueuedAtMs     int64      `json:"enqueued_at_ms"`         // FIFO tiebreak within a priority band
	CreatedAtMs      int64      `json:"created_at_ms"`
	UpdatedAtMs      int64      `json:"updated_at_ms"`
}

// ArtifactType classifies the content of an artifact.
type ArtifactType string

const (
	ArtifactTypePRD           ArtifactType = "prd"
	ArtifactTypePlan          ArtifactType = "plan"
	ArtifactTypeFeatureTree   ArtifactType = "feature_tree"
	ArtifactTypeArchitecture  ArtifactType = "architecture"
	ArtifactTypeUIUX          ArtifactType = "uiux"
	ArtifactTypeDevelopment   ArtifactType = "development"
	ArtifactTypeQA            ArtifactType = "qa"
	ArtifactTypeSecurity      ArtifactType = "security"
	ArtifactTypeDocumentation ArtifactType = "documentation"
	ArtifactTypeSupport       ArtifactType = "support"
	ArtifactTypePMReview      ArtifactType = "pm_review"
	ArtifactTypeDelivery      ArtifactType = "delivery"
	ArtifactTypeRaw           ArtifactType = "raw" // Unclassified task output
)

// Validate checks if the ArtifactType is a valid enum value.
func (t ArtifactType) Validate() error {
	switch t {
	case ArtifactTypePRD, ArtifactTypePlan, ArtifactTypeFeatureTree,
		ArtifactTypeArchitecture, ArtifactTypeUIUX, ArtifactTypeDevelopment,
		ArtifactTypeQA, ArtifactTypeSecurity, ArtifactTypeDocumentation,
		ArtifactTypeSupport, ArtifactTypePMReview, ArtifactTypeDelivery,
		ArtifactTypeRaw:
		return nil
	default:
		return fmt.Errorf("unknown artifact type: %q", t)
	}
}

// Artifact is a content-addressed, immutable work product. The hash is the
// SHA-256 of the content; putting identical content twice yields the same
// hash and a single stored copy.
type Artifact struct {
	Hash        string       `json:"hash"`
	Type        ArtifactType `json:"type"`
	JobID       string       `json:"job_id"`
	TaskID      string       `json:"task_id"`
	Content     string       `json:"content"`
	CreatedAtMs int64        `json:"created_at_ms"`
}

// TruthRecord is the approved (requirements, PRD) pair for a job: the
// immutable input contract for all downstream stages. Replacing it via
// request-changes invalidates every later artifact of the job.
type TruthRecord struct {
	JobID            string `json:"job_id"`
	RequirementsHash string `json:"requirements_hash"`
	PRDHash          string `json:"prd_hash"`
	PRDArtifact      string `json:"prd_artifact"` // Hash of the approved PRD artifact
	Notes            string `json:"notes,omitempty"`
	ApprovedAtMs     int64  `json:"approved_at_ms"`
}

// EventKind classifies board events.
type EventKind string

const (
	EventJobCreated        EventKind = "job_created"
	EventStageEntered      EventKind = "stage_entered"
	EventTaskQueued        EventKind = "task_queued"
	EventTaskClaimed       EventKind = "task_claimed"
	EventTaskStarted       EventKind = "task_started"
	EventTaskSucceeded     EventKind = "task_succeeded"
	EventTaskFailed        EventKind = "task_failed"
	EventApprovalRequested EventKind = "approval_requested"
	EventApprovalGranted   EventKind = "approval_granted"
	EventChangesRequested  EventKind = "changes_requested"
	EventArtifactStored    EventKind = "artifact_stored"
	EventJobCompleted      EventKind = "job_completed"
	EventJobFailed         EventKind = "job_failed"
	EventQueueSaturated    EventKind = "queue_saturated"
	EventHeartbeat         EventKind = "heartbeat"
)

// Validate checks if the EventKind is a valid enum value.
func (k EventKind) Validate() error {
	switch k {
	case EventJobCreated, EventStageEntered, EventTaskQueued, EventTaskClaimed,
		EventTaskStarted, EventTaskSucceeded, EventTaskFailed,
		EventApprovalRequested, EventApprovalGranted, EventChangesRequested,
		EventArtifactStored, EventJobCompleted, EventJobFailed,
		EventQueueSaturated, EventHeartbeat:
		return nil
	default:
		return fmt.Errorf("unknown event kind: %q", k)
	}
}

// Event is an append-only, per-job ordered record. Seq is assigned by the
// board at append time and is strictly increasing and gap-free per job.
type Event struct {
	Seq           int64             `json:"seq"`
	JobID         string            `json:"job_id"`
	TaskID        string            `json:"task_id,omitempty"`
	Kind          EventKind         `json:"kind"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Payload       map[string]string `json:"payload,omitempty"`
	TimestampMs   int64             `json:"timestamp_ms"`
}

// CatalogEntry is a reusable module in the global module catalog, referenced
// by feature-tree artifacts to decide reuse versus new-module.
type CatalogEntry struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
	UpdatedAtMs  int64    `json:"updated_at_ms"`
}

// WorkerInfo is a worker registration record.
type WorkerInfo struct {
	ID             string   `json:"id"`
	Roles          []string `json:"roles"`
	MaxConcurrency int      `json:"max_concurrency"`
	RegisteredAtMs int64    `json:"registered_at_ms"`
	LastSeenAtMs   int64    `json:"last_seen_at_ms"`
}

// Validate checks if the Job has valid field values.
func (j *Job) Validate() error {
	if !isValidUUID(j.ID) {
		return fmt.Errorf("invalid job ID: not a valid UUID")
	}
	if j.ProjectID == "" {
		return fmt.Errorf("project_id cannot be empty")
	}
	if err := j.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	if err := j.Stage.Validate(); err != nil {
		return fmt.Errorf("invalid stage: %w", err)
	}
	return nil
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if !isValidUUID(t.ID) {
		return fmt.Errorf("invalid task ID: not a valid UUID")
	}
	if !isValidUUID(t.JobID) {
		return fmt.Errorf("invalid job ID: not a valid UUID")
	}
	if t.Role == "" {
		return fmt.Errorf("role cannot be empty")
	}
	if err := t.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	if err := t.Stage.Validate(); err != nil {
		return fmt.Errorf("invalid stage: %w", err)
	}
	if t.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", t.MaxAttempts)
	}
	for i, dep := range t.Dependencies {
		if !isValidUUID(dep) {
			return fmt.Errorf("invalid dependency at index %d: not a valid UUID", i)
		}
	}
	return nil
}

// Validate checks if the Artifact has valid field values.
func (a *Artifact) Validate() error {
	if a.Hash == "" {
		return fmt.Errorf("artifact hash cannot be empty")
	}
	if err := a.Type.Validate(); err != nil {
		return fmt.Errorf("invalid type: %w", err)
	}
	if !isValidUUID(a.JobID) {
		return fmt.Errorf("invalid job ID: not a valid UUID")
	}
	return nil
}

// Validate checks if the Event has valid field values.
func (e *Event) Validate() error {
	if !isValidUUID(e.JobID) {
		return fmt.Errorf("invalid job ID: not a valid UUID")
	}
	if err := e.Kind.Validate(); err != nil {
		return fmt.Errorf("invalid kind: %w", err)
	}
	return nil
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
