package models

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Scopes an API key may carry. Write is needed to submit or cancel work and
// to manage webhooks; admin is needed to manage keys.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

var (
	KnownScopes = []string{ScopeRead, ScopeWrite, ScopeAdmin}
	// DefaultScopes are granted when a key is created without any.
	DefaultScopes = []string{ScopeRead, ScopeWrite}

	ErrUnknownScope = errors.New("unknown scope")
)

// ValidateScopes rejects any scope outside KnownScopes.
func ValidateScopes(scopes []string) error {
	for _, s := range scopes {
		if !slices.Contains(KnownScopes, s) {
			return fmt.Errorf("%w %q", ErrUnknownScope, s)
		}
	}
	return nil
}

// APIKey authenticates a tenant against the job API. The tenant's jobs,
// batches and webhooks are all scoped to OwnerID.
// Raw keys are shown once at creation; only the bcrypt hash is stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	OwnerID    uuid.UUID  `db:"owner_id"     json:"owner_id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}

// Allows reports whether the key carries scope.
func (k *APIKey) Allows(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// Revoked reports whether the key was soft-deleted.
func (k *APIKey) Revoked() bool {
	return k.DeletedAt != nil
}
