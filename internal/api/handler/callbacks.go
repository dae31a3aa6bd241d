package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/foldqueue/internal/api/response"
	"github.com/kiranshivaraju/foldqueue/internal/compute"
	"github.com/kiranshivaraju/foldqueue/internal/tracker"
	"github.com/kiranshivaraju/foldqueue/internal/webhook"
)

// UpdateHandler applies one backend observation of a call.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, callID string, res compute.PollResult) error
}

type callbackAck struct {
	CallID   string `json:"call_id"`
	Accepted bool   `json:"accepted"`
}

// NewComputeCallbackHandler returns an http.HandlerFunc for
// POST /api/v1/callbacks/compute. The body must carry an X-Signature HMAC
// under secret. Callbacks for calls that already settled are acknowledged
// with accepted=false so the backend stops retrying them.
func NewComputeCallbackHandler(updates UpdateHandler, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unreadable body", nil)
			return
		}
		if secret == "" || !webhook.Verify(body, r.Header.Get(webhook.HeaderSignature), secret) {
			response.Error(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Callback signature mismatch", nil)
			return
		}

		callID, res, err := compute.DecodeCallback(body)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		err = updates.HandleUpdate(r.Context(), callID, res)
		switch {
		case err == nil:
			response.JSON(w, callbackAck{CallID: callID, Accepted: true})
		case errors.Is(err, tracker.ErrUnknownCall):
			slog.Debug("callback for inactive call ignored", "call_id", callID)
			response.JSON(w, callbackAck{CallID: callID, Accepted: false})
		case errors.Is(err, compute.ErrInvalidResponse):
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		default:
			slog.Error("callback handling failed", "call_id", callID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to apply callback", nil)
		}
	}
}
