package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"stride/internal/domain"
	"stride/internal/engine"
	"stride/internal/logging"
)

// AuthConfig controls caller authentication. A JWT bearer token or an
// X-Api-Key header identifies the caller. Unless JWTSecret is set or
// RequireAuth is on, anonymous calls are accepted and callers may name
// themselves with X-Actor-Id when AllowActorHeader is set.
type AuthConfig struct {
	JWTSecret        string
	RequireAuth      bool
	AllowActorHeader bool
	// APIKeys resolves X-Api-Key values. New fills it from the engine.
	APIKeys APIKeyAuthenticator
	Logger  *zap.Logger
}

type APIKeyAuthenticator interface {
	AuthenticateAPIKey(ctx context.Context, secret string) (domain.APIKey, error)
}

type Principal struct {
	ActorID string
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, principalKey{}, p)
	return engine.WithActor(ctx, p.ActorID)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	log := logging.OrNop(cfg.Logger)
	public := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "docs"):         true,
		path.Join(basePath, "openapi.json"): true,
	}
	hasJWT := strings.TrimSpace(cfg.JWTSecret) != ""
	required := hasJWT || cfg.RequireAuth
	unauthorized := func(w http.ResponseWriter) {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" && cfg.APIKeys != nil {
				rec, err := cfg.APIKeys.AuthenticateAPIKey(req.Context(), key)
				if err != nil {
					log.Debug("rejected api key", zap.Error(err))
					unauthorized(w)
					return
				}
				ctx := withPrincipal(req.Context(), Principal{ActorID: rec.ActorID, Source: "api_key"})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz != "" && hasJWT {
				token, ok := bearerToken(authz)
				if !ok {
					unauthorized(w)
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					log.Debug("rejected token", zap.Error(err))
					unauthorized(w)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}
			if required {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}

			if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" && cfg.AllowActorHeader {
				ctx := withPrincipal(req.Context(), Principal{ActorID: actor, Source: "header"})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
