// Package identity resolves caller credentials to user ids. The actual
// account system lives elsewhere; this is only the lookup edge the
// protocol layer binds sessions with.
package identity

import (
	"context"

	"packforge/internal/store"
	"packforge/internal/types"
)

// Resolver turns an API key into a user id. Returns types.ErrForbidden
// for unknown or empty keys.
type Resolver interface {
	Resolve(ctx context.Context, apiKey string) (string, error)
}

// StoreResolver resolves keys against the api_keys table.
type StoreResolver struct {
	keys *store.KeyStore
}

// NewStoreResolver wraps the key store.
func NewStoreResolver(keys *store.KeyStore) *StoreResolver {
	return &StoreResolver{keys: keys}
}

// Resolve implements Resolver.
func (r *StoreResolver) Resolve(ctx context.Context, apiKey string) (string, error) {
	return r.keys.ResolveKey(ctx, apiKey)
}

var _ Resolver = (*StoreResolver)(nil)

// Static maps fixed keys to users; used by tests and the stdio binding's
// single-caller setup.
type Static map[string]string

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, apiKey string) (string, error) {
	if userID, ok := s[apiKey]; ok {
		return userID, nil
	}
	return "", types.ErrForbidden
}

var _ Resolver = Static(nil)
