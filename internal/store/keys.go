package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"packforge/internal/types"
)

// KeyStore maps API keys to user identities. Keys are stored hashed;
// lookup by hash keeps comparison time independent of the stored keys.
type KeyStore struct {
	s *Store
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// AddKey registers an API key for a user.
func (ks *KeyStore) AddKey(ctx context.Context, key, userID string) error {
	if key == "" || userID == "" {
		return types.Validationf("key and user id required")
	}
	ks.s.mu.Lock()
	defer ks.s.mu.Unlock()

	_, err := ks.s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO api_keys (key_hash, user_id) VALUES (?, ?)`,
		hashKey(key), userID)
	if err != nil {
		return fmt.Errorf("failed to add key: %w", err)
	}
	return nil
}

// ResolveKey returns the user id an API key is bound to.
func (ks *KeyStore) ResolveKey(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", types.ErrForbidden
	}
	ks.s.mu.RLock()
	defer ks.s.mu.RUnlock()

	var userID string
	err := ks.s.db.QueryRowContext(ctx,
		`SELECT user_id FROM api_keys WHERE key_hash = ?`, hashKey(key)).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", types.ErrForbidden
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve key: %w", err)
	}
	return userID, nil
}
