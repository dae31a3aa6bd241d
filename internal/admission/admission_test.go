package admission_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/foldqueue/internal/admission"
	"github.com/kiranshivaraju/foldqueue/internal/config"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newController() *admission.Controller {
	return admission.New(config.DefaultPolicy().Lanes)
}

func TestTryAdmit_RejectsWhenFull(t *testing.T) {
	c := newController()

	for i := 0; i < 4; i++ {
		require.NoError(t, c.TryAdmit(models.LaneInteractive))
	}
	assert.Equal(t, 4, c.Usage(models.LaneInteractive))

	err := c.TryAdmit(models.LaneInteractive)
	assert.ErrorIs(t, err, admission.ErrCapacityExceeded)
	assert.Equal(t, 4, c.Usage(models.LaneInteractive), "rejection must not mutate the counter")

	// Lanes are independent.
	assert.NoError(t, c.TryAdmit(models.LaneBulk))
}

func TestTryAdmit_UnknownLane(t *testing.T) {
	c := newController()
	assert.ErrorIs(t, c.TryAdmit("gpu-xl"), admission.ErrUnknownLane)
}

func TestRelease_FloorsAtZero(t *testing.T) {
	c := newController()
	c.Release(models.LaneBulk)
	assert.Equal(t, 0, c.Usage(models.LaneBulk))

	require.NoError(t, c.TryAdmit(models.LaneBulk))
	c.Release(models.LaneBulk)
	c.Release(models.LaneBulk)
	assert.Equal(t, 0, c.Usage(models.LaneBulk))
}

func TestTryAdmit_ConcurrentCallersNeverOvershoot(t *testing.T) {
	c := newController()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryAdmit(models.LaneBulk) == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(16), admitted.Load())
	assert.Equal(t, 16, c.Usage(models.LaneBulk))
}

func commit(t *testing.T, r *admission.Reservation, callID string) {
	t.Helper()
	require.NoError(t, r.Commit(&models.ComputeCall{CallID: callID, JobID: uuid.New()}))
}

func TestReserve_DeduplicatesByKey(t *testing.T) {
	c := newController()
	ctx := context.Background()

	r, existing, err := c.Reserve(ctx, models.LaneInteractive, "key-123")
	require.NoError(t, err)
	require.Nil(t, existing)
	commit(t, r, "call-1")

	r2, existing, err := c.Reserve(ctx, models.LaneInteractive, "key-123")
	require.NoError(t, err)
	assert.Nil(t, r2)
	require.NotNil(t, existing)
	assert.Equal(t, "call-1", existing.CallID)

	assert.Equal(t, 1, c.Usage(models.LaneInteractive), "duplicate must not admit again")
	assert.Equal(t, 1, c.ActiveCount())
}

func TestReserve_ConcurrentSameKeyAdmitsOnce(t *testing.T) {
	c := newController()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, existing, err := c.Reserve(ctx, models.LaneBulk, "same")
			if err != nil {
				return
			}
			if existing != nil {
				ids[i] = existing.CallID
				return
			}
			time.Sleep(5 * time.Millisecond)
			_ = r.Commit(&models.ComputeCall{CallID: "call-same"})
			ids[i] = "call-same"
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, "call-same", id)
	}
	assert.Equal(t, 1, c.Usage(models.LaneBulk))
	assert.Equal(t, 1, c.ActiveCount())
}

func TestReserve_WaiterRetriesAfterCancel(t *testing.T) {
	c := newController()
	ctx := context.Background()

	first, _, err := c.Reserve(ctx, models.LaneBulk, "k")
	require.NoError(t, err)

	done := make(chan *admission.Reservation)
	go func() {
		r, _, err := c.Reserve(ctx, models.LaneBulk, "k")
		assert.NoError(t, err)
		done <- r
	}()

	time.Sleep(10 * time.Millisecond)
	first.Cancel()

	second := <-done
	require.NotNil(t, second, "waiter admits itself once the first submission gave up")
	assert.Equal(t, 1, c.Usage(models.LaneBulk))
	second.Cancel()
	assert.Equal(t, 0, c.Usage(models.LaneBulk))
}

func TestReserve_WaiterHonorsContext(t *testing.T) {
	c := newController()
	_, _, err := c.Reserve(context.Background(), models.LaneBulk, "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = c.Reserve(ctx, models.LaneBulk, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReserve_CapacityExceeded(t *testing.T) {
	c := newController()
	for i := 0; i < 4; i++ {
		require.NoError(t, c.TryAdmit(models.LaneInteractive))
	}

	r, existing, err := c.Reserve(context.Background(), models.LaneInteractive, "fresh")
	assert.ErrorIs(t, err, admission.ErrCapacityExceeded)
	assert.Nil(t, r)
	assert.Nil(t, existing)
	assert.Equal(t, 4, c.Usage(models.LaneInteractive))
}

func TestReservation_SettlesOnce(t *testing.T) {
	c := newController()
	r, _, err := c.Reserve(context.Background(), models.LaneBulk, "")
	require.NoError(t, err)

	commit(t, r, "call-1")
	assert.ErrorIs(t, r.Commit(&models.ComputeCall{CallID: "call-2"}), admission.ErrReservationSettled)
	r.Cancel()
	assert.Equal(t, 1, c.Usage(models.LaneBulk), "cancel after commit is a no-op")
}

func TestComplete_RemovesAndReleasesOnce(t *testing.T) {
	c := newController()
	r, _, err := c.Reserve(context.Background(), models.LaneBulk, "k")
	require.NoError(t, err)
	commit(t, r, "call-1")

	call, ok := c.Complete("call-1")
	require.True(t, ok)
	assert.Equal(t, models.LaneBulk, call.Lane)
	assert.Equal(t, "k", call.IdempotencyKey)
	assert.Equal(t, 0, c.Usage(models.LaneBulk))

	_, ok = c.Complete("call-1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Usage(models.LaneBulk))

	_, found := c.Lookup("k")
	assert.False(t, found, "key is free once the call is gone")
}

func TestAdopt(t *testing.T) {
	c := newController()
	call := &models.ComputeCall{CallID: "call-9", Lane: models.LaneInteractive, IdempotencyKey: "k9"}

	assert.True(t, c.Adopt(call))
	assert.False(t, c.Adopt(call))
	assert.Equal(t, 1, c.Usage(models.LaneInteractive))

	got, ok := c.Lookup("k9")
	require.True(t, ok)
	assert.Equal(t, "call-9", got.CallID)
}

func TestRecordPollTimeout(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := admission.New(config.DefaultPolicy().Lanes, admission.WithClock(func() time.Time { return now }))
	r, _, err := c.Reserve(context.Background(), models.LaneBulk, "")
	require.NoError(t, err)
	commit(t, r, "call-1")

	n, ok := c.RecordPollTimeout("call-1")
	require.True(t, ok)
	assert.Equal(t, 1, n)
	n, _ = c.RecordPollTimeout("call-1")
	assert.Equal(t, 2, n)

	c.RecordPoll("call-1")
	got, _ := c.Get("call-1")
	assert.Equal(t, 0, got.ConsecutiveTimeouts)
	assert.Equal(t, now, got.LastPolledAt)

	_, ok = c.RecordPollTimeout("missing")
	assert.False(t, ok)
}

func TestActive_ReturnsCopiesOldestFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newController()
	c.Adopt(&models.ComputeCall{CallID: "b", Lane: models.LaneBulk, SubmittedAt: base.Add(time.Minute)})
	c.Adopt(&models.ComputeCall{CallID: "a", Lane: models.LaneBulk, SubmittedAt: base})

	active := c.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].CallID)

	active[0].ConsecutiveTimeouts = 99
	got, _ := c.Get("a")
	assert.Equal(t, 0, got.ConsecutiveTimeouts)
}

func TestSnapshot(t *testing.T) {
	c := newController()
	require.NoError(t, c.TryAdmit(models.LaneBulk))

	snap := c.Snapshot()
	assert.Equal(t, admission.LaneSnapshot{Usage: 1, MaxConcurrent: 16, MaxComputeMinutes: 240}, snap[models.LaneBulk])
	assert.Equal(t, 0, snap[models.LaneInteractive].Usage)
}
