package engine_test

import (
	"errors"
	"strings"
	"testing"

	"stride/internal/engine"
	"stride/internal/engine/auth"
	"stride/internal/events"
	"stride/internal/repo"
)

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.IssueAPIKey(env.Ctx, "ana", "laptop", engine.Mutation{ActorID: "admin"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(secret, auth.KeyPrefix) || key.KeyHash == secret {
		t.Fatalf("unexpected key material %q / %q", secret, key.KeyHash)
	}

	got, err := env.Engine.AuthenticateAPIKey(env.Ctx, secret)
	if err != nil {
		t.Fatal(err)
	}
	if got.ActorID != "ana" || got.LastUsedAt == nil {
		t.Fatalf("unexpected key %+v", got)
	}
	if _, err := env.Engine.AuthenticateAPIKey(env.Ctx, secret+"x"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := env.Engine.AuthenticateAPIKey(env.Ctx, "not-a-key"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}

	keys, err := env.Engine.ListAPIKeys(env.Ctx, "ana")
	if err != nil || len(keys) != 1 || keys[0].LastUsedAt == nil {
		t.Fatalf("list: %+v %v", keys, err)
	}

	if err := env.Engine.RevokeAPIKey(env.Ctx, key.ID, engine.Mutation{ActorID: "admin"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AuthenticateAPIKey(env.Ctx, secret); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("revoked key still accepted: %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, key.ID, engine.Mutation{}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	evts, err := env.Engine.LatestEvents(env.Ctx, repo.EventFilters{EntityKind: "api_key"})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 || evts[0].Type != events.APIKeyRevoked || evts[1].Type != events.APIKeyIssued || evts[1].ActorID != "admin" {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestIssueAPIKeyRequiresActor(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.IssueAPIKey(env.Ctx, "", "x", engine.Mutation{}); err == nil {
		t.Fatal("expected error")
	}
}
