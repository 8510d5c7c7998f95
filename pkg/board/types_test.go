package board

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTaskStatusValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{"pending to queued", TaskStatusPending, TaskStatusQueued, true},
		{"queued to claimed", TaskStatusQueued, TaskStatusClaimed, true},
		{"claimed to running", TaskStatusClaimed, TaskStatusRunning, true},
		{"running to succeeded", TaskStatusRunning, TaskStatusSucceeded, true},
		{"running to failed", TaskStatusRunning, TaskStatusFailed, true},
		{"lease expiry recovery", TaskStatusClaimed, TaskStatusQueued, true},
		{"retry recovery", TaskStatusRunning, TaskStatusQueued, true},
		{"cancel from pending", TaskStatusPending, TaskStatusCancelled, true},
		{"cancel from running", TaskStatusRunning, TaskStatusCancelled, true},
		{"no skip pending to claimed", TaskStatusPending, TaskStatusClaimed, false},
		{"no skip queued to running", TaskStatusQueued, TaskStatusRunning, false},
		{"terminal succeeded is final", TaskStatusSucceeded, TaskStatusQueued, false},
		{"terminal failed is final", TaskStatusFailed, TaskStatusQueued, false},
		{"cancelled is final", TaskStatusCancelled, TaskStatusQueued, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.ValidTransition(tt.to))
		})
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.False(t, JobStatusWaitingForApproval.Terminal())

	assert.True(t, TaskStatusSucceeded.Terminal())
	assert.True(t, TaskStatusCancelled.Terminal())
	assert.False(t, TaskStatusRunning.Terminal())
}

func TestJobValidate(t *testing.T) {
	valid := testJob()
	assert.NoError(t, valid.Validate())

	badID := testJob()
	badID.ID = "not-a-uuid"
	assert.Error(t, badID.Validate())

	noProject := testJob()
	noProject.ProjectID = ""
	assert.Error(t, noProject.Validate())

	badStatus := testJob()
	badStatus.Status = "exploded"
	assert.Error(t, badStatus.Validate())
}

func TestTaskValidate(t *testing.T) {
	jobID := uuid.New().String()

	valid := testTask(jobID)
	assert.NoError(t, valid.Validate())

	noRole := testTask(jobID)
	noRole.Role = ""
	assert.Error(t, noRole.Validate())

	noBudget := testTask(jobID)
	noBudget.MaxAttempts = 0
	assert.Error(t, noBudget.Validate())

	badDep := testTask(jobID)
	badDep.Dependencies = []string{"not-a-uuid"}
	assert.Error(t, badDep.Validate())
}

func TestContentHashDeterminism(t *testing.T) {
	assert.Equal(t, ContentHash("hello"), ContentHash("hello"))
	assert.NotEqual(t, ContentHash("hello"), ContentHash("hello "))
	assert.Len(t, ContentHash(""), 64)
}

func TestQueueScorePrecedence(t *testing.T) {
	// Priority dominates enqueue time; FIFO breaks ties within a band.
	assert.Less(t, queueScore(1, 9_000_000_000_000), queueScore(2, 1))
	assert.Less(t, queueScore(5, 100), queueScore(5, 101))
}
