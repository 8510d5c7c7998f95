package board

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Complex fields like
// slices and maps are JSON-encoded into single hash fields. This keeps
// individual scalar fields queryable by Lua scripts (status, claimed_by,
// lease_expires_at_ms) while preserving structure for the rest.

// JobToHash converts a Job struct to a Redis hash format.
func JobToHash(j *Job) (map[string]interface{}, error) {
	metadataJSON, err := json.Marshal(j.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return map[string]interface{}{
		"id":            j.ID,
		"project_id":    j.ProjectID,
		"status":        string(j.Status),
		"stage":         string(j.Stage),
		"metadata":      string(metadataJSON),
		"created_at_ms": j.CreatedAtMs,
		"updated_at_ms": j.UpdatedAtMs,
	}, nil
}

// HashToJob converts a Redis hash to a Job struct.
func HashToJob(hash map[string]string) (*Job, error) {
	var metadata map[string]string
	if metadataJSON := hash["metadata"]; metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if metadata == nil {
		metadata = map[string]string{}
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	return &Job{
		ID:          hash["id"],
		ProjectID:   hash["project_id"],
		Status:      JobStatus(hash["status"]),
		Stage:       Stage(hash["stage"]),
		Metadata:    metadata,
		CreatedAtMs: createdAtMs,
		UpdatedAtMs: updatedAtMs,
	}, nil
}

// TaskToHash converts a Task struct to a Redis hash format.
// The dependencies array is JSON-encoded.
func TaskToHash(t *Task) (map[string]interface{}, error) {
	depsJSON, err := json.Marshal(t.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dependencies: %w", err)
	}

	return map[string]interface{}{
		"id":                  t.ID,
		"job_id":              t.JobID,
		"role":                t.Role,
		"task_type":           t.TaskType,
		"status":              string(t.Status),
		"stage":               string(t.Stage),
		"wave_index":          t.WaveIndex,
		"priority":            t.Priority,
		"dependencies":        string(depsJSON),
		"input":               t.Input,
		"output":              t.Output,
		"error":               t.Error,
		"claimed_by":          t.ClaimedBy,
		"lease_expires_at_ms": t.LeaseExpiresAtMs,
		"attempt":             t.Attempt,
		"max_attempts":        t.MaxAttempts,
		"deadline_seconds":    t.DeadlineSeconds,
		"enqueued_at_ms":      t.EnqueuedAtMs,
		"created_at_ms":       t.CreatedAtMs,
		"updated_at_ms":       t.UpdatedAtMs,
	}, nil
}

// HashToTask converts a Redis hash to a Task struct.
func HashToTask(hash map[string]string) (*Task, error) {
	var deps []string
	if depsJSON := hash["dependencies"]; depsJSON != "" {
		if err := json.Unmarshal([]byte(depsJSON), &deps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
		}
	}
	if deps == nil {
		deps = []string{}
	}

	waveIndex, _ := strconv.Atoi(hash["wave_index"])
	priority, _ := strconv.Atoi(hash["priority"])
	attempt, _ := strconv.Atoi(hash["attempt"])
	maxAttempts, _ := strconv.Atoi(hash["max_attempts"])
	deadlineSeconds, _ := strconv.Atoi(hash["deadline_seconds"])
	leaseExpiresAtMs, _ := strconv.ParseInt(hash["lease_expires_at_ms"], 10, 64)
	enqueuedAtMs, _ := strconv.ParseInt(hash["enqueued_at_ms"], 10, 64)
	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	return &Task{
		ID:               hash["id"],
		JobID:            hash["job_id"],
		Role:             hash["role"],
		TaskType:         hash["task_type"],
		Status:           TaskStatus(hash["status"]),
		Stage:            Stage(hash["stage"]),
		WaveIndex:        waveIndex,
		Priority:         priority,
		Dependencies:     deps,
		Input:            hash["input"],
		Output:           hash["output"],
		Error:            hash["error"],
		ClaimedBy:        hash["claimed_by"],
		LeaseExpiresAtMs: leaseExpiresAtMs,
		Attempt:          attempt,
		MaxAttempts:      maxAttempts,
		DeadlineSeconds:  deadlineSeconds,
		EnqueuedAtMs:     enqueuedAtMs,
		CreatedAtMs:      createdAtMs,
		UpdatedAtMs:      updatedAtMs,
	}, nil
}

// ArtifactToHash converts an Artifact struct to a Redis hash format.
func ArtifactToHash(a *Artifact) map[string]interface{} {
	return map[string]interface{}{
		"hash":          a.Hash,
		"type":          string(a.Type),
		"job_id":        a.JobID,
		"task_id":       a.TaskID,
		"content":       a.Content,
		"created_at_ms": a.CreatedAtMs,
	}
}

// HashToArtifact converts a Redis hash to an Artifact struct.
func HashToArtifact(hash map[string]string) (*Artifact, error) {
	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)

	a := &Artifact{
		Hash:        hash["hash"],
		Type:        ArtifactType(hash["type"]),
		JobID:       hash["job_id"],
		TaskID:      hash["task_id"],
		Content:     hash["content"],
		CreatedAtMs: createdAtMs,
	}
	if a.Hash == "" {
		return nil, fmt.Errorf("artifact hash missing from record")
	}
	return a, nil
}

// TruthToHash converts a TruthRecord struct to a Redis hash format.
func TruthToHash(t *TruthRecord) map[string]interface{} {
	return map[string]interface{}{
		"job_id":            t.JobID,
		"requirements_hash": t.RequirementsHash,
		"prd_hash":          t.PRDHash,
		"prd_artifact":      t.PRDArtifact,
		"notes":             t.Notes,
		"approved_at_ms":    t.ApprovedAtMs,
	}
}

// HashToTruth converts a Redis hash to a TruthRecord struct.
func HashToTruth(hash map[string]string) *TruthRecord {
	approvedAtMs, _ := strconv.ParseInt(hash["approved_at_ms"], 10, 64)

	return &TruthRecord{
		JobID:            hash["job_id"],
		RequirementsHash: hash["requirements_hash"],
		PRDHash:          hash["prd_hash"],
		PRDArtifact:      hash["prd_artifact"],
		Notes:            hash["notes"],
		ApprovedAtMs:     approvedAtMs,
	}
}
