package board

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced so multiple cadre
// deployments can safely coexist on a single Redis server.
//
// Key pattern: cadre:{namespace}:{entity}:{id}
// Channel pattern: cadre:{namespace}:{event_type}_events

// JobKey returns the Redis key for a job hash.
// Pattern: cadre:{ns}:job:{job_id}
func JobKey(ns, jobID string) string {
	return fmt.Sprintf("cadre:%s:job:%s", ns, jobID)
}

// JobsIndexKey returns the Redis key for the jobs index ZSET (score = updated_at_ms).
// Pattern: cadre:{ns}:jobs
func JobsIndexKey(ns string) string {
	return fmt.Sprintf("cadre:%s:jobs", ns)
}

// ProjectGuardKey returns the key guarding one active job per project id.
// Pattern: cadre:{ns}:project:{project_id}
func ProjectGuardKey(ns, projectID string) string {
	return fmt.Sprintf("cadre:%s:project:%s", ns, projectID)
}

// TaskKey returns the Redis key for a task hash.
// Pattern: cadre:{ns}:task:{task_id}
func TaskKey(ns, taskID string) string {
	return fmt.Sprintf("cadre:%s:task:%s", ns, taskID)
}

// TaskKeyPrefix returns the task key prefix, used by Lua scripts that derive
// task keys from queue members.
func TaskKeyPrefix(ns string) string {
	return fmt.Sprintf("cadre:%s:task:", ns)
}

// JobTasksKey returns the Redis key for a job's task id set.
// Pattern: cadre:{ns}:job:{job_id}:tasks
func JobTasksKey(ns, jobID string) string {
	return fmt.Sprintf("cadre:%s:job:%s:tasks", ns, jobID)
}

// QueueKey returns the Redis key for a role's priority queue ZSET.
// Score encodes (priority, enqueue time) so ZPOPMIN yields strict priority
// order with FIFO tiebreak.
// Pattern: cadre:{ns}:queue:{role}
func QueueKey(ns, role string) string {
	return fmt.Sprintf("cadre:%s:queue:%s", ns, role)
}

// DelayedKey returns the Redis key for the delayed-requeue ZSET (score = ready_at_ms).
// Pattern: cadre:{ns}:delayed
func DelayedKey(ns string) string {
	return fmt.Sprintf("cadre:%s:delayed", ns)
}

// LeasesKey returns the Redis key for the lease-expiry ZSET (score = expires_at_ms).
// Pattern: cadre:{ns}:leases
func LeasesKey(ns string) string {
	return fmt.Sprintf("cadre:%s:leases", ns)
}

// EventsKey returns the Redis key for a job's durable event log ZSET (score = seq).
// Pattern: cadre:{ns}:events:{job_id}
func EventsKey(ns, jobID string) string {
	return fmt.Sprintf("cadre:%s:events:%s", ns, jobID)
}

// EventSeqKey returns the Redis key for a job's event sequence counter.
// Pattern: cadre:{ns}:events:{job_id}:seq
func EventSeqKey(ns, jobID string) string {
	return fmt.Sprintf("cadre:%s:events:%s:seq", ns, jobID)
}

// EventStreamChannel returns the Pub/Sub channel for live event fan-out.
// All jobs share one channel; subscribers filter by job id.
// Pattern: cadre:{ns}:event_stream
func EventStreamChannel(ns string) string {
	return fmt.Sprintf("cadre:%s:event_stream", ns)
}

// ArtifactKey returns the Redis key for a content-addressed artifact hash.
// Pattern: cadre:{ns}:artifact:{hash}
func ArtifactKey(ns, hash string) string {
	return fmt.Sprintf("cadre:%s:artifact:%s", ns, hash)
}

// JobArtifactsKey returns the Redis key for a job's artifact index ZSET
// (score = created_at_ms).
// Pattern: cadre:{ns}:job:{job_id}:artifacts
func JobArtifactsKey(ns, jobID string) string {
	return fmt.Sprintf("cadre:%s:job:%s:artifacts", ns, jobID)
}

// JobArtifactByTypeKey returns the Redis key for a job's type → current
// artifact hash mapping.
// Pattern: cadre:{ns}:job:{job_id}:artifact_by_type
func JobArtifactByTypeKey(ns, jobID string) string {
	return fmt.Sprintf("cadre:%s:job:%s:artifact_by_type", ns, jobID)
}

// TruthKey returns the Redis key for a job's truth record hash.
// Pattern: cadre:{ns}:truth:{job_id}
func TruthKey(ns, jobID string) string {
	return fmt.Sprintf("cadre:%s:truth:%s", ns, jobID)
}

// CatalogKey returns the Redis key for the module catalog hash (id → JSON).
// Pattern: cadre:{ns}:catalog
func CatalogKey(ns string) string {
	return fmt.Sprintf("cadre:%s:catalog", ns)
}

// CatalogEventsChannel returns the Pub/Sub channel for catalog invalidation.
// Pattern: cadre:{ns}:catalog_events
func CatalogEventsChannel(ns string) string {
	return fmt.Sprintf("cadre:%s:catalog_events", ns)
}

// SkillsKey returns the Redis key for the per-role skill allowlist hash
// (role → JSON string array).
// Pattern: cadre:{ns}:skills
func SkillsKey(ns string) string {
	return fmt.Sprintf("cadre:%s:skills", ns)
}

// SkillsEventsChannel returns the Pub/Sub channel for allowlist invalidation.
// Pattern: cadre:{ns}:skills_events
func SkillsEventsChannel(ns string) string {
	return fmt.Sprintf("cadre:%s:skills_events", ns)
}

// AdvanceLockKey returns the key for the per-job orchestrator advance lock.
// Pattern: cadre:{ns}:advance:{job_id}
func AdvanceLockKey(ns, jobID string) string {
	return fmt.Sprintf("cadre:%s:advance:%s", ns, jobID)
}

// WorkersKey returns the Redis key for the worker registration hash.
// Pattern: cadre:{ns}:workers
func WorkersKey(ns string) string {
	return fmt.Sprintf("cadre:%s:workers", ns)
}
