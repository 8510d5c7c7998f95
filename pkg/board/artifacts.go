package board

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ContentHash returns the hex SHA-256 of the content. Artifact identity.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// NewArtifact builds a content-addressed artifact record.
func NewArtifact(jobID, taskID string, artifactType ArtifactType, content string) *Artifact {
	return &Artifact{
		Hash:        ContentHash(content),
		Type:        artifactType,
		JobID:       jobID,
		TaskID:      taskID,
		Content:     content,
		CreatedAtMs: nowMs(),
	}
}

// PutArtifact stores an artifact and indexes it for its job. Idempotent:
// putting identical content twice yields the same hash and exactly one stored
// copy. The by-type index always points at the most recent artifact of each
// type, so a regenerated PRD supersedes the old one while history remains.
func (c *Client) PutArtifact(ctx context.Context, a *Artifact) (string, error) {
	if err := a.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if a.Hash != ContentHash(a.Content) {
		return "", fmt.Errorf("%w: artifact hash does not match content", ErrInvalidInput)
	}

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, ArtifactKey(c.ns, a.Hash), ArtifactToHash(a))
	pipe.ZAdd(ctx, JobArtifactsKey(c.ns, a.JobID), redis.Z{Score: float64(a.CreatedAtMs), Member: a.Hash})
	pipe.HSet(ctx, JobArtifactByTypeKey(c.ns, a.JobID), string(a.Type), a.Hash)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return a.Hash, nil
}

// GetArtifact retrieves an artifact by content hash.
func (c *Client) GetArtifact(ctx context.Context, hash string) (*Artifact, error) {
	hashData, err := c.rdb.HGetAll(ctx, ArtifactKey(c.ns, hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	if len(hashData) == 0 {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, hash)
	}
	return HashToArtifact(hashData)
}

// GetJobArtifactByType returns the current artifact of the given type for a
// job, or ErrNotFound if none has been produced yet.
func (c *Client) GetJobArtifactByType(ctx context.Context, jobID string, artifactType ArtifactType) (*Artifact, error) {
	hash, err := c.rdb.HGet(ctx, JobArtifactByTypeKey(c.ns, jobID), string(artifactType)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: no %s artifact for job %s", ErrNotFound, artifactType, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact index: %w", err)
	}
	return c.GetArtifact(ctx, hash)
}

// ListJobArtifacts returns all artifacts of a job in creation order,
// including superseded versions.
func (c *Client) ListJobArtifacts(ctx context.Context, jobID string) ([]*Artifact, error) {
	hashes, err := c.rdb.ZRange(ctx, JobArtifactsKey(c.ns, jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact index: %w", err)
	}
	artifacts := make([]*Artifact, 0, len(hashes))
	for _, hash := range hashes {
		a, err := c.GetArtifact(ctx, hash)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// DiscardArtifact removes one artifact and its index entries for a job.
// Used when a task turns out to have been cancelled after its worker already
// stored the result; partial output of cancelled work is not retained.
func (c *Client) DiscardArtifact(ctx context.Context, jobID, hash string) error {
	a, err := c.GetArtifact(ctx, hash)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}

	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, ArtifactKey(c.ns, hash))
	pipe.ZRem(ctx, JobArtifactsKey(c.ns, jobID), hash)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to discard artifact: %w", err)
	}

	// Drop the by-type pointer only if it still names this artifact.
	current, err := c.rdb.HGet(ctx, JobArtifactByTypeKey(c.ns, jobID), string(a.Type)).Result()
	if err == nil && current == hash {
		c.rdb.HDel(ctx, JobArtifactByTypeKey(c.ns, jobID), string(a.Type))
	}
	return nil
}

// RemoveJobArtifacts deletes every artifact of a job along with its indexes.
// Used by Restart, which regenerates everything from requirements.
func (c *Client) RemoveJobArtifacts(ctx context.Context, jobID string) error {
	hashes, err := c.rdb.ZRange(ctx, JobArtifactsKey(c.ns, jobID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read artifact index: %w", err)
	}
	pipe := c.rdb.Pipeline()
	for _, hash := range hashes {
		pipe.Del(ctx, ArtifactKey(c.ns, hash))
	}
	pipe.Del(ctx, JobArtifactsKey(c.ns, jobID), JobArtifactByTypeKey(c.ns, jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove job artifacts: %w", err)
	}
	return nil
}

// ---- Truth records ----

// WriteTruth stores the approved (requirements, PRD) pair and advances the
// job's status and stage in a single transaction, guarded by the expected
// stage. Returns ErrWrongStage if the job is not at the approval gate.
func (c *Client) WriteTruth(ctx context.Context, truth *TruthRecord, expectedStage Stage, newStatus JobStatus, newStage Stage) error {
	if truth.ApprovedAtMs == 0 {
		truth.ApprovedAtMs = nowMs()
	}
	res, err := approveJobScript.Run(ctx, c.rdb,
		[]string{JobKey(c.ns, truth.JobID), TruthKey(c.ns, truth.JobID), JobsIndexKey(c.ns)},
		string(expectedStage), string(newStatus), string(newStage), truth.ApprovedAtMs,
		truth.JobID, truth.RequirementsHash, truth.PRDHash, truth.PRDArtifact, truth.Notes,
	).Int()
	if err != nil {
		return fmt.Errorf("approve script failed: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%w: job %s is not in stage %s", ErrWrongStage, truth.JobID, expectedStage)
	default:
		return fmt.Errorf("%w: job %s", ErrNotFound, truth.JobID)
	}
}

// GetTruth retrieves a job's truth record, or ErrNotFound before approval.
func (c *Client) GetTruth(ctx context.Context, jobID string) (*TruthRecord, error) {
	hashData, err := c.rdb.HGetAll(ctx, TruthKey(c.ns, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read truth record: %w", err)
	}
	if len(hashData) == 0 {
		return nil, fmt.Errorf("%w: no truth record for job %s", ErrNotFound, jobID)
	}
	return HashToTruth(hashData), nil
}

// DeleteTruth removes a job's truth record (request-changes invalidates it).
func (c *Client) DeleteTruth(ctx context.Context, jobID string) error {
	if err := c.rdb.Del(ctx, TruthKey(c.ns, jobID)).Err(); err != nil {
		return fmt.Errorf("failed to delete truth record: %w", err)
	}
	return nil
}
