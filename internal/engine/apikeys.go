package engine

import (
	"context"
	"errors"
	"fmt"

	"stride/internal/domain"
	"stride/internal/engine/auth"
	"stride/internal/events"
	"stride/internal/repo"
)

// IssueAPIKey creates a key for actorID. The plain key is returned once and
// cannot be recovered later.
func (e Engine) IssueAPIKey(ctx context.Context, actorID, name string, m Mutation) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor id required")
	}
	secret, err := auth.GenerateKey()
	if err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	key := domain.APIKey{
		ID:        e.newID(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.timestamp(),
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return key, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx.Tx, key); err != nil {
		return key, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := tx.append(ctx, events.APIKeyIssued, "", "api_key", key.ID, m.actor(), events.EventPayload{"for_actor": actorID, "name": name}); err != nil {
		return key, "", err
	}
	return key, secret, tx.commit()
}

func (e Engine) RevokeAPIKey(ctx context.Context, id string, m Mutation) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx.Tx, id); err != nil {
		return fmt.Errorf("api key %s: %w", id, err)
	}
	if err := tx.append(ctx, events.APIKeyRevoked, "", "api_key", id, m.actor(), nil); err != nil {
		return err
	}
	return tx.commit()
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

// AuthenticateAPIKey returns the key record for a presented secret, or
// auth.ErrInvalidCredentials.
func (e Engine) AuthenticateAPIKey(ctx context.Context, secret string) (domain.APIKey, error) {
	return auth.Authenticate(ctx, e.Repo, secret, e.timestamp())
}
