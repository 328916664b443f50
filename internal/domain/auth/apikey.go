package auth

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrKeyNotFound is returned when no active key matches the presented hash.
var ErrKeyNotFound = errors.New("api key not found")

// Scopes recognized by the admin surface.
const (
	ScopeOrders    = "orders"
	ScopePartners  = "partners"
	ScopeInventory = "inventory"
)

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key grants the named scope. A key with no
// scopes at all is treated as unrestricted.
func (k *APIKeyInfo) HasScope(scope string) bool {
	if len(k.Scopes) == 0 {
		return true
	}
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	// FindByHash looks up an active key. Returns ErrKeyNotFound when no
	// active key matches.
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}
