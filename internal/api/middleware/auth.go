package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/screener/internal/api/response"
	"github.com/kiranshivaraju/screener/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefixLen is the number of leading API key characters stored in clear
// for lookup.
const KeyPrefixLen = 8

// ScopeJobs lets a key submit, cancel and delete jobs. Any valid key may
// read its own user's jobs.
const ScopeJobs = "jobs"

const touchTimeout = 5 * time.Second

// Auth resolves Bearer API keys to the user that owns them. Every job
// operation is scoped to that user.
type Auth struct {
	store  store.Store
	logger *slog.Logger
}

func NewAuth(s store.Store, logger *slog.Logger) *Auth {
	return &Auth{store: s, logger: logger}
}

// Authenticate validates the Bearer token and attaches the caller's
// Principal to the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey, ok := bearerToken(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		if len(rawKey) < KeyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:KeyPrefixLen]
		candidates, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			a.logger.Error("api key lookup failed",
				slog.String("key_prefix", prefix),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, store.ErrStoreUnavailable) {
				response.Error(w, http.StatusServiceUnavailable,
					"STORE_UNAVAILABLE", "Unable to validate API key right now", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		for _, key := range candidates {
			if key.RevokedAt != nil {
				continue
			}
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) != nil {
				continue
			}

			go a.touch(key.ID.String(), func(ctx context.Context) error {
				return a.store.UpdateAPIKeyLastUsed(ctx, key.ID)
			})

			ctx := WithPrincipal(r.Context(), Principal{
				UserID:    key.UserID,
				KeyID:     key.ID,
				KeyPrefix: prefix,
				Scopes:    key.Scopes,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		response.Error(w, http.StatusUnauthorized,
			"INVALID_TOKEN", "Invalid API key", nil)
	})
}

// touch records key usage off the request path.
func (a *Auth) touch(keyID string, update func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()
	if err := update(ctx); err != nil {
		a.logger.Warn("failed to record api key use",
			slog.String("key_id", keyID),
			slog.String("error", err.Error()),
		)
	}
}

// RequireScope rejects requests whose API key lacks scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p, ok := PrincipalFrom(r); ok && p.hasScope(scope) {
				next.ServeHTTP(w, r)
				return
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
