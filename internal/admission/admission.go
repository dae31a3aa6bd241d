// Package admission owns the QoS lane counters and the registry of active
// compute calls. Both live behind a single mutex so that registering a call
// and counting it against its lane always happen together.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/foldqueue/internal/config"
	"github.com/kiranshivaraju/foldqueue/internal/metrics"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

var (
	// ErrCapacityExceeded is returned when a lane is already at max_concurrent.
	ErrCapacityExceeded = errors.New("lane capacity exceeded")
	// ErrUnknownLane is returned for a lane with no configured limits.
	ErrUnknownLane = errors.New("unknown lane")
	// ErrReservationSettled is returned when a reservation is committed twice.
	ErrReservationSettled = errors.New("reservation already settled")
)

// LaneSnapshot is a point-in-time view of one lane.
type LaneSnapshot struct {
	Usage             int `json:"usage"`
	MaxConcurrent     int `json:"max_concurrent"`
	MaxComputeMinutes int `json:"max_compute_minutes"`
}

// Controller is the single owner of lane usage and active calls.
type Controller struct {
	mu       sync.Mutex
	limits   map[models.Lane]config.LaneLimits
	usage    map[models.Lane]int
	calls    map[string]*models.ComputeCall
	byKey    map[string]string
	inflight map[string]*pendingKey
	now      func() time.Time
}

// pendingKey marks an idempotency key whose submission has been admitted but
// not yet registered. Later callers with the same key wait on done.
type pendingKey struct {
	done chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller with the given per-lane limits.
func New(limits map[models.Lane]config.LaneLimits, opts ...Option) *Controller {
	c := &Controller{
		limits:   make(map[models.Lane]config.LaneLimits, len(limits)),
		usage:    make(map[models.Lane]int, len(limits)),
		calls:    make(map[string]*models.ComputeCall),
		byKey:    make(map[string]string),
		inflight: make(map[string]*pendingKey),
		now:      time.Now,
	}
	for lane, l := range limits {
		c.limits[lane] = l
		c.usage[lane] = 0
		metrics.LaneCapacity.WithLabelValues(string(lane)).Set(float64(l.MaxConcurrent))
		metrics.LaneUsage.WithLabelValues(string(lane)).Set(0)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TryAdmit reserves one slot in lane. When the lane is full it returns
// ErrCapacityExceeded and leaves the counter untouched.
func (c *Controller) TryAdmit(lane models.Lane) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.admitLocked(lane)
}

// Release frees one slot in lane. Usage never drops below zero.
func (c *Controller) Release(lane models.Lane) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(lane)
}

func (c *Controller) admitLocked(lane models.Lane) error {
	limit, ok := c.limits[lane]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLane, lane)
	}
	if c.usage[lane] >= limit.MaxConcurrent {
		metrics.AdmissionsTotal.WithLabelValues(string(lane), "rejected").Inc()
		return fmt.Errorf("%w: %s lane at %d/%d", ErrCapacityExceeded, lane, c.usage[lane], limit.MaxConcurrent)
	}
	c.usage[lane]++
	metrics.AdmissionsTotal.WithLabelValues(string(lane), "admitted").Inc()
	metrics.LaneUsage.WithLabelValues(string(lane)).Set(float64(c.usage[lane]))
	return nil
}

func (c *Controller) releaseLocked(lane models.Lane) {
	if c.usage[lane] > 0 {
		c.usage[lane]--
	}
	metrics.LaneUsage.WithLabelValues(string(lane)).Set(float64(c.usage[lane]))
}

// Reservation is an admitted slot waiting for its compute call id.
// Exactly one of Commit or Cancel settles it.
type Reservation struct {
	c       *Controller
	lane    models.Lane
	key     string
	pending *pendingKey
	settled bool
}

// Lane returns the lane the slot was admitted in.
func (r *Reservation) Lane() models.Lane { return r.lane }

// Reserve performs the idempotency lookup and admission as one step.
//
// If key names an active call, that call is returned and nothing is admitted.
// If another submission with the same key is between admission and
// registration, Reserve waits for it to settle and then looks again.
// Otherwise a slot is admitted and returned as a Reservation. An empty key
// skips deduplication.
func (c *Controller) Reserve(ctx context.Context, lane models.Lane, key string) (*Reservation, *models.ComputeCall, error) {
	for {
		c.mu.Lock()
		if key != "" {
			if id, ok := c.byKey[key]; ok {
				call := c.calls[id].Clone()
				c.mu.Unlock()
				metrics.DedupHitsTotal.Inc()
				return nil, call, nil
			}
			if p, ok := c.inflight[key]; ok {
				c.mu.Unlock()
				select {
				case <-p.done:
					continue
				case <-ctx.Done():
					return nil, nil, ctx.Err()
				}
			}
		}

		if err := c.admitLocked(lane); err != nil {
			c.mu.Unlock()
			return nil, nil, err
		}

		r := &Reservation{c: c, lane: lane, key: key}
		if key != "" {
			r.pending = &pendingKey{done: make(chan struct{})}
			c.inflight[key] = r.pending
		}
		c.mu.Unlock()
		return r, nil, nil
	}
}

// Commit registers call as active under the reserved slot.
func (r *Reservation) Commit(call *models.ComputeCall) error {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.settled {
		return ErrReservationSettled
	}
	r.settled = true

	stored := call.Clone()
	stored.Lane = r.lane
	stored.IdempotencyKey = r.key
	if stored.SubmittedAt.IsZero() {
		stored.SubmittedAt = c.now()
	}
	c.calls[stored.CallID] = stored
	if r.key != "" {
		c.byKey[r.key] = stored.CallID
	}
	c.settleKeyLocked(r)
	metrics.ActiveCalls.Set(float64(len(c.calls)))
	return nil
}

// Cancel gives the slot back. It is a no-op after Commit.
func (r *Reservation) Cancel() {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.settled {
		return
	}
	r.settled = true
	c.releaseLocked(r.lane)
	c.settleKeyLocked(r)
}

func (c *Controller) settleKeyLocked(r *Reservation) {
	if r.pending == nil {
		return
	}
	if c.inflight[r.key] == r.pending {
		delete(c.inflight, r.key)
	}
	close(r.pending.done)
}

// Complete removes a call from the registry and frees its lane slot in one
// step. It reports false if the call was not active, so only one caller ever
// completes a given call.
func (c *Controller) Complete(callID string) (*models.ComputeCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.calls[callID]
	if !ok {
		return nil, false
	}
	delete(c.calls, callID)
	if call.IdempotencyKey != "" && c.byKey[call.IdempotencyKey] == callID {
		delete(c.byKey, call.IdempotencyKey)
	}
	c.releaseLocked(call.Lane)
	metrics.ActiveCalls.Set(float64(len(c.calls)))
	return call, true
}

// Adopt registers a call found in persistent state after a restart. It counts
// against the lane without a limit check; it reports false if the call is
// already registered.
func (c *Controller) Adopt(call *models.ComputeCall) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.calls[call.CallID]; ok {
		return false
	}
	if _, ok := c.limits[call.Lane]; !ok {
		return false
	}
	stored := call.Clone()
	if stored.SubmittedAt.IsZero() {
		stored.SubmittedAt = c.now()
	}
	c.calls[stored.CallID] = stored
	if stored.IdempotencyKey != "" {
		c.byKey[stored.IdempotencyKey] = stored.CallID
	}
	c.usage[stored.Lane]++
	metrics.LaneUsage.WithLabelValues(string(stored.Lane)).Set(float64(c.usage[stored.Lane]))
	metrics.ActiveCalls.Set(float64(len(c.calls)))
	return true
}

// RecordPoll notes a successful poll and clears the timeout streak.
func (c *Controller) RecordPoll(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if call, ok := c.calls[callID]; ok {
		call.LastPolledAt = c.now()
		call.ConsecutiveTimeouts = 0
	}
}

// RecordPollTimeout increments the call's timeout streak and returns it.
func (c *Controller) RecordPollTimeout(callID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.calls[callID]
	if !ok {
		return 0, false
	}
	call.LastPolledAt = c.now()
	call.ConsecutiveTimeouts++
	return call.ConsecutiveTimeouts, true
}

// Lookup returns the active call registered under an idempotency key.
func (c *Controller) Lookup(key string) (*models.ComputeCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byKey[key]
	if !ok {
		return nil, false
	}
	return c.calls[id].Clone(), true
}

// Get returns a copy of an active call.
func (c *Controller) Get(callID string) (*models.ComputeCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.calls[callID]
	if !ok {
		return nil, false
	}
	return call.Clone(), true
}

// Active returns copies of all active calls, oldest first.
func (c *Controller) Active() []*models.ComputeCall {
	c.mu.Lock()
	out := make([]*models.ComputeCall, 0, len(c.calls))
	for _, call := range c.calls {
		out = append(out, call.Clone())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// ActiveCount returns the number of active calls.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Usage returns the current number of admitted slots in lane.
func (c *Controller) Usage(lane models.Lane) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage[lane]
}

// Limits returns the configured limits for lane.
func (c *Controller) Limits(lane models.Lane) (config.LaneLimits, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limits[lane]
	return l, ok
}

// Snapshot returns usage and limits for every lane.
func (c *Controller) Snapshot() map[models.Lane]LaneSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[models.Lane]LaneSnapshot, len(c.limits))
	for lane, l := range c.limits {
		out[lane] = LaneSnapshot{
			Usage:             c.usage[lane],
			MaxConcurrent:     l.MaxConcurrent,
			MaxComputeMinutes: l.MaxComputeMinutes,
		}
	}
	return out
}
