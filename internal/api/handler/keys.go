package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/foldqueue/internal/api/middleware"
	"github.com/kiranshivaraju/foldqueue/internal/api/response"
	"github.com/kiranshivaraju/foldqueue/internal/store"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

type createKeyRequest struct {
	Name    string     `json:"name"`
	Scopes  []string   `json:"scopes"`
	OwnerID *uuid.UUID `json:"owner_id"`
}

type createdKey struct {
	*models.APIKey
	Key string `json:"key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The key is issued to owner_id when given, else to the caller's owner.
func NewCreateKeyHandler(keys store.APIKeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}
		var req createKeyRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = slices.Clone(models.DefaultScopes)
		}
		if err := models.ValidateScopes(req.Scopes); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		if req.OwnerID != nil {
			ownerID = *req.OwnerID
		}

		raw, key, err := mw.NewAPIKey(ownerID, req.Name, req.Scopes)
		if err == nil {
			err = keys.CreateAPIKey(r.Context(), key)
		}
		if err != nil {
			slog.Error("failed to create api key", "owner_id", ownerID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create API key", nil)
			return
		}
		response.Created(w, createdKey{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(keys store.APIKeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}
		list, err := keys.ListAPIKeys(r.Context(), ownerID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list API keys", nil)
			return
		}
		if list == nil {
			list = []*models.APIKey{}
		}
		response.JSON(w, list)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for
// DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(keys store.APIKeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "keyID")
		if !ok {
			return
		}
		err := keys.RevokeAPIKey(r.Context(), id, ownerID)
		switch {
		case err == nil:
			response.NoContent(w)
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "API key not found", nil)
		default:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke API key", nil)
		}
	}
}
