package webhook

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kiranshivaraju/foldqueue/internal/metrics"
	"github.com/kiranshivaraju/foldqueue/internal/store"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// Notifier fans engine events out to matching subscriptions on a bounded
// worker pool. Publish never blocks; a full queue drops the event.
type Notifier struct {
	subs      store.SubscriptionStore
	deliverer *Deliverer
	queue     chan models.Event
	workers   int
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewNotifier(subs store.SubscriptionStore, deliverer *Deliverer, workers, queueSize int) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		subs:      subs,
		deliverer: deliverer,
		queue:     make(chan models.Event, max(queueSize, 1)),
		workers:   max(workers, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (n *Notifier) Start() {
	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go n.worker(i)
	}
}

// Publish enqueues ev for delivery.
func (n *Notifier) Publish(ev models.Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		slog.Warn("webhook notifier closed, dropping event", "event", ev.Name, "job_id", ev.JobID)
		metrics.WebhookDroppedTotal.Inc()
		return
	}

	select {
	case n.queue <- ev:
	default:
		slog.Warn("webhook queue full, dropping event", "event", ev.Name, "job_id", ev.JobID)
		metrics.WebhookDroppedTotal.Inc()
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
// If ctx ends first, in-flight deliveries are cancelled.
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}

func (n *Notifier) worker(id int) {
	defer n.wg.Done()
	for ev := range n.queue {
		n.dispatch(ev)
	}
	slog.Debug("webhook worker stopped", "worker", id)
}

func (n *Notifier) dispatch(ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in webhook dispatch", "event", ev.Name, "job_id", ev.JobID, "panic", r)
		}
	}()

	if n.ctx.Err() != nil {
		metrics.WebhookDroppedTotal.Inc()
		return
	}

	subs, err := n.subs.ListSubscriptionsForEvent(n.ctx, ev.OwnerID, ev.Name)
	if err != nil {
		slog.Error("failed to list webhook subscriptions", "event", ev.Name, "owner_id", ev.OwnerID, "error", err)
		return
	}
	for _, sub := range subs {
		if err := n.deliverer.Deliver(n.ctx, sub, ev); err != nil {
			slog.Warn("webhook delivery gave up",
				"subscription_id", sub.ID,
				"event", ev.Name,
				"job_id", ev.JobID,
				"error", err,
			)
		}
	}
}

// Compile-time check that Notifier implements models.EventPublisher.
var _ models.EventPublisher = (*Notifier)(nil)
