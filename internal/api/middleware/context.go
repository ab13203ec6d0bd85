package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey int

const (
	principalKey contextKey = iota
	requestLogKey
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID    string
	KeyID     uuid.UUID
	KeyPrefix string
	Scopes    []string
}

// requestLog is placed in the context by Logger so that middleware further
// down the chain can add fields to the access log line.
type requestLog struct {
	userID string
}

// WithPrincipal stores p in ctx and records the user on the access log.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	if rl, ok := ctx.Value(requestLogKey).(*requestLog); ok {
		rl.userID = p.UserID
	}
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFrom(r *http.Request) (Principal, bool) {
	p, ok := r.Context().Value(principalKey).(Principal)
	return p, ok
}

// SetUserID stores a principal carrying only userID.
func SetUserID(ctx context.Context, userID string) context.Context {
	return WithPrincipal(ctx, Principal{UserID: userID})
}

// GetUserID returns the user id set by Authenticate.
func GetUserID(r *http.Request) (string, bool) {
	p, ok := PrincipalFrom(r)
	return p.UserID, ok && p.UserID != ""
}

// SetKeyPrefix stores a principal carrying only the key prefix used for
// rate limiting.
func SetKeyPrefix(ctx context.Context, prefix string) context.Context {
	return WithPrincipal(ctx, Principal{KeyPrefix: prefix})
}

func getKeyPrefix(r *http.Request) (string, bool) {
	p, _ := PrincipalFrom(r)
	return p.KeyPrefix, p.KeyPrefix != ""
}

func (p Principal) hasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
