package handler

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/foldqueue/internal/api/response"
	"github.com/kiranshivaraju/foldqueue/internal/store"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

const (
	defaultWebhookRetries = 3
	maxWebhookRetries     = 10
	defaultWebhookTimeout = 10 * time.Second
	maxWebhookTimeout     = 60 * time.Second
)

type createWebhookRequest struct {
	URL            string   `json:"url"`
	Events         []string `json:"events"`
	Secret         string   `json:"secret"`
	RetryCount     *int     `json:"retry_count"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// createdWebhook is the only view that carries the signing secret.
type createdWebhook struct {
	*models.WebhookSubscription
	Secret string `json:"secret"`
}

func (req *createWebhookRequest) validate() map[string]string {
	problems := make(map[string]string)
	u, err := url.ParseRequestURI(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems["url"] = "url must be an absolute http or https URL"
	}
	if len(req.Events) == 0 {
		problems["events"] = "at least one event is required"
	}
	for _, ev := range req.Events {
		if !slices.Contains(models.KnownEvents, ev) {
			problems["events"] = "unknown event " + ev
			break
		}
	}
	if req.RetryCount != nil && (*req.RetryCount < 0 || *req.RetryCount > maxWebhookRetries) {
		problems["retry_count"] = "retry_count must be between 0 and 10"
	}
	if req.TimeoutSeconds < 0 || time.Duration(req.TimeoutSeconds)*time.Second > maxWebhookTimeout {
		problems["timeout_seconds"] = "timeout_seconds must be between 1 and 60"
	}
	return problems
}

// NewCreateWebhookHandler returns an http.HandlerFunc for
// POST /api/v1/webhooks. A secret is generated when none is given and is
// returned only in this response.
func NewCreateWebhookHandler(subs store.SubscriptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}
		var req createWebhookRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if problems := req.validate(); len(problems) > 0 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid subscription", problems)
			return
		}

		secret := req.Secret
		if secret == "" {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate secret", nil)
				return
			}
			secret = hex.EncodeToString(buf)
		}
		retries := defaultWebhookRetries
		if req.RetryCount != nil {
			retries = *req.RetryCount
		}
		timeout := defaultWebhookTimeout
		if req.TimeoutSeconds > 0 {
			timeout = time.Duration(req.TimeoutSeconds) * time.Second
		}

		now := time.Now().UTC()
		sub := &models.WebhookSubscription{
			ID:         uuid.New(),
			OwnerID:    ownerID,
			URL:        req.URL,
			Secret:     secret,
			Events:     slices.Compact(slices.Sorted(slices.Values(req.Events))),
			Active:     true,
			RetryCount: retries,
			Timeout:    timeout,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := subs.CreateSubscription(r.Context(), sub); err != nil {
			slog.Error("failed to create webhook subscription", "owner_id", ownerID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create subscription", nil)
			return
		}
		slog.Info("webhook subscription created", "subscription_id", sub.ID, "owner_id", ownerID, "events", sub.Events)
		response.Created(w, createdWebhook{WebhookSubscription: sub, Secret: secret})
	}
}

// NewListWebhooksHandler returns an http.HandlerFunc for GET /api/v1/webhooks.
func NewListWebhooksHandler(subs store.SubscriptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}
		list, err := subs.ListSubscriptions(r.Context(), ownerID)
		if err != nil {
			slog.Error("failed to list webhook subscriptions", "owner_id", ownerID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list subscriptions", nil)
			return
		}
		response.JSON(w, list)
	}
}

// NewDeleteWebhookHandler returns an http.HandlerFunc for
// DELETE /api/v1/webhooks/{webhookID}.
func NewDeleteWebhookHandler(subs store.SubscriptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "webhookID")
		if !ok {
			return
		}
		err := subs.DeleteSubscription(r.Context(), id, ownerID)
		switch {
		case err == nil:
			response.NoContent(w)
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Subscription not found", nil)
		default:
			slog.Error("failed to delete webhook subscription", "subscription_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete subscription", nil)
		}
	}
}
