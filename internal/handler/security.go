package handler

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/foodstore/internal/domain/auth"
)

const (
	headerAPIKey = "api_key"
	headerUserID = "X-User-ID"

	adminScope = auth.ScopeAdmin
)

type principalKey struct{}

// Principal is the authenticated caller of a request.
type Principal struct {
	Key *auth.APIKeyInfo
	// UserID is the acting storefront user; empty for guests.
	UserID string
}

func principalFrom(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey{}).(Principal)
	return p
}

// Security authenticates requests with HMAC-SHA256 hashed API keys.
type Security struct {
	keys   auth.Repository
	pepper []byte
}

// NewSecurity returns a Security backed by keys and the hashing pepper.
func NewSecurity(keys auth.Repository, pepper []byte) *Security {
	return &Security{keys: keys, pepper: pepper}
}

// Authenticate resolves the api_key header and the acting user. Requests
// without a valid key get 401.
func (s *Security) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		info, err := s.lookup(ctx, r.Header.Get(headerAPIKey))
		if err != nil {
			if !errors.Is(err, auth.ErrKeyNotFound) {
				zctx.From(ctx).Warn("API key lookup failed", zap.Error(err))
			}
			respond(w, http.StatusUnauthorized, apiError{
				Status:  http.StatusUnauthorized,
				Message: "unauthorized",
			}.encode)
			return
		}

		userID := r.Header.Get(headerUserID)
		if len(userID) > 128 {
			fail(w, r, &requestError{msg: headerUserID + " is too long"})
			return
		}

		ctx = context.WithValue(ctx, principalKey{}, Principal{Key: info, UserID: userID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Security) lookup(ctx context.Context, key string) (*auth.APIKeyInfo, error) {
	if key == "" {
		return nil, auth.ErrKeyNotFound
	}
	hash := auth.HashKey(s.pepper, key)
	info, err := s.keys.FindByHash(ctx, hex.EncodeToString(hash))
	if err != nil {
		return nil, err
	}
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(hash, stored) != 1 {
		return nil, auth.ErrKeyNotFound
	}
	return info, nil
}

// RequireScope rejects callers whose key lacks scope with 403.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFrom(r.Context())
			if p.Key == nil || !p.Key.HasScope(scope) {
				respond(w, http.StatusForbidden, apiError{
					Status:  http.StatusForbidden,
					Message: "forbidden",
				}.encode)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
