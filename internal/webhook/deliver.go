// Package webhook delivers signed engine events to subscriber URLs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/foldqueue/internal/metrics"
	"github.com/kiranshivaraju/foldqueue/internal/store"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

var (
	// ErrSubscriptionGone is returned when the receiver answered 410 and the
	// subscription was deactivated.
	ErrSubscriptionGone = errors.New("webhook subscription gone")
	ErrDeliveryFailed   = errors.New("webhook delivery failed")
)

const (
	HeaderSignature = "X-Signature"
	HeaderEvent     = "X-Event"
	HeaderTimestamp = "X-Timestamp"

	defaultAttemptTimeout = 10 * time.Second
)

// DefaultDelays is the wait before the second, third and later attempts.
var DefaultDelays = []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second}

// Deliverer sends one event to one subscription with retries.
type Deliverer struct {
	subs   store.SubscriptionStore
	client *http.Client
	delays []time.Duration
	now    func() time.Time
}

type Option func(*Deliverer)

// WithHTTPClient replaces the default client. Per-attempt timeouts come from
// the subscription, not the client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Deliverer) { d.client = c }
}

func WithClock(now func() time.Time) Option {
	return func(d *Deliverer) { d.now = now }
}

// NewDeliverer returns a Deliverer waiting delays between attempts. An empty
// delays slice uses DefaultDelays.
func NewDeliverer(subs store.SubscriptionStore, delays []time.Duration, opts ...Option) *Deliverer {
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	d := &Deliverer{
		subs:   subs,
		client: &http.Client{},
		delays: delays,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver POSTs ev to sub. It makes up to sub.RetryCount attempts (at least
// one). A 2xx resets the subscription's failure streak; 410 deactivates it;
// exhausting the attempts increments its failure count.
func (d *Deliverer) Deliver(ctx context.Context, sub *models.WebhookSubscription, ev models.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	attempts := max(sub.RetryCount, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, d.delay(attempt)); err != nil {
				return err
			}
		}

		status, err := d.attempt(ctx, sub, ev, body)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case err == nil && status >= 200 && status < 300:
			metrics.WebhookDeliveriesTotal.WithLabelValues(ev.Name, "success").Inc()
			if err := d.subs.RecordDeliveryResult(ctx, sub.ID, true); err != nil {
				slog.Warn("failed to record webhook success", "subscription_id", sub.ID, "error", err)
			}
			return nil
		case err == nil && status == http.StatusGone:
			metrics.WebhookDeliveriesTotal.WithLabelValues(ev.Name, "gone").Inc()
			if err := d.subs.DeactivateSubscription(ctx, sub.ID); err != nil {
				slog.Warn("failed to deactivate webhook subscription", "subscription_id", sub.ID, "error", err)
			}
			slog.Info("webhook subscription deactivated by receiver", "subscription_id", sub.ID, "url", sub.URL)
			return ErrSubscriptionGone
		case err == nil:
			lastErr = fmt.Errorf("receiver returned %d", status)
		default:
			lastErr = err
		}

		slog.Warn("webhook attempt failed",
			"subscription_id", sub.ID,
			"event", ev.Name,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", lastErr,
		)
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues(ev.Name, "failed").Inc()
	if err := d.subs.RecordDeliveryResult(ctx, sub.ID, false); err != nil {
		slog.Warn("failed to record webhook failure", "subscription_id", sub.ID, "error", err)
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrDeliveryFailed, attempts, lastErr)
}

// delay returns the wait before attempt n (n >= 2). Attempts past the end of
// the schedule reuse its last entry.
func (d *Deliverer) delay(n int) time.Duration {
	i := min(n-2, len(d.delays)-1)
	return d.delays[i]
}

func (d *Deliverer) attempt(ctx context.Context, sub *models.WebhookSubscription, ev models.Event, body []byte) (int, error) {
	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "foldqueue-webhook/1")
	req.Header.Set(HeaderSignature, Sign(sub.Secret, body))
	req.Header.Set(HeaderEvent, ev.Name)
	req.Header.Set(HeaderTimestamp, ev.Timestamp.UTC().Format(time.RFC3339))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
