// Package auth issues and checks API keys.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"stride/internal/domain"
	"stride/internal/repo"
)

// KeyPrefix starts every stride API key.
const KeyPrefix = "stk_"

// ErrInvalidCredentials hides whether a key was unknown or malformed.
var ErrInvalidCredentials = errors.New("invalid credentials")

// GenerateKey returns a new random API key. Only its hash is ever stored.
func GenerateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// Authenticate resolves a presented key to its stored record and stamps its
// last use. now is an RFC3339 timestamp.
func Authenticate(ctx context.Context, r repo.Repo, key, now string) (domain.APIKey, error) {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, KeyPrefix) {
		return domain.APIKey{}, ErrInvalidCredentials
	}
	rec, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if errors.Is(err, repo.ErrNotFound) {
		return rec, ErrInvalidCredentials
	}
	if err != nil {
		return rec, err
	}
	if err := r.TouchAPIKey(ctx, rec.ID, now); err != nil {
		return rec, err
	}
	rec.LastUsedAt = &now
	return rec, nil
}
