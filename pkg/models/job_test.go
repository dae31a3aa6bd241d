package models_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition_ForwardOnly(t *testing.T) {
	tests := []struct {
		from, to models.JobStatus
		want     bool
	}{
		{models.JobStatusPending, models.JobStatusQueued, true},
		{models.JobStatusQueued, models.JobStatusRunning, true},
		{models.JobStatusRunning, models.JobStatusCompleted, true},
		{models.JobStatusRunning, models.JobStatusFailed, true},
		{models.JobStatusPending, models.JobStatusCancelled, true},
		{models.JobStatusPending, models.JobStatusRunning, true},
		{models.JobStatusRunning, models.JobStatusQueued, false},
		{models.JobStatusQueued, models.JobStatusPending, false},
		{models.JobStatusRunning, models.JobStatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, models.CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanTransition_TerminalIsImmutable(t *testing.T) {
	terminal := []models.JobStatus{
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCancelled,
		models.JobStatusPartiallyCompleted,
	}
	all := append([]models.JobStatus{
		models.JobStatusPending, models.JobStatusQueued, models.JobStatusRunning,
	}, terminal...)

	for _, from := range terminal {
		assert.True(t, from.IsTerminal())
		for _, to := range all {
			assert.False(t, models.CanTransition(from, to), "%s -> %s must be rejected", from, to)
		}
		assert.False(t, models.CanResetForRetry(from))
	}
}

func TestCanTransition_UnknownStatus(t *testing.T) {
	assert.False(t, models.CanTransition("bogus", models.JobStatusRunning))
	assert.False(t, models.CanTransition(models.JobStatusPending, "bogus"))
}

func TestCanResetForRetry(t *testing.T) {
	assert.True(t, models.CanResetForRetry(models.JobStatusRunning))
	assert.True(t, models.CanResetForRetry(models.JobStatusQueued))
	assert.False(t, models.CanResetForRetry(models.JobStatusPending))
}

func TestJobValidate(t *testing.T) {
	parent := uuid.New()
	idx := 0

	child := &models.Job{Kind: models.KindBatchChild, BatchParentID: &parent, BatchIndex: &idx}
	assert.NoError(t, child.Validate())

	orphan := &models.Job{Kind: models.KindBatchChild}
	assert.ErrorIs(t, orphan.Validate(), models.ErrChildWithoutParent)

	individual := &models.Job{Kind: models.KindIndividual, BatchParentID: &parent}
	assert.ErrorIs(t, individual.Validate(), models.ErrParentOnNonChild)

	batch := &models.Job{Kind: models.KindBatchParent}
	assert.ErrorIs(t, batch.Validate(), models.ErrBatchOptionsMissing)

	batch.BatchOptions = &models.BatchOptions{ShardSize: 2, ShardCount: 1}
	assert.NoError(t, batch.Validate())

	assert.ErrorIs(t, (&models.Job{Kind: "weird"}).Validate(), models.ErrUnknownKind)
}

func TestJobClone_DoesNotShareState(t *testing.T) {
	call := "call-1"
	j := &models.Job{ID: uuid.New(), Input: []byte(`{"a":1}`), ComputeCallID: &call}
	c := j.Clone()

	c.Input[2] = 'b'
	*c.ComputeCallID = "call-2"

	assert.Equal(t, `{"a":1}`, string(j.Input))
	assert.Equal(t, "call-1", *j.ComputeCallID)
}
