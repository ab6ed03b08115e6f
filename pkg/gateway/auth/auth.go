package auth

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// DefaultTokenQueryParam is the query parameter that carries the credential
// on upgrade requests.
const DefaultTokenQueryParam = "token"

// Principal is the verified identity attached to a voice session.
type Principal struct {
	UserID    string
	ExpiresAt time.Time
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// CredentialFromRequest returns the credential presented on an upgrade
// request. The query parameter wins; a bearer header is the fallback for
// clients that can set headers on the handshake.
func CredentialFromRequest(r *http.Request, queryParam string) string {
	if r == nil {
		return ""
	}
	if queryParam == "" {
		queryParam = DefaultTokenQueryParam
	}
	if token := strings.TrimSpace(r.URL.Query().Get(queryParam)); token != "" {
		return token
	}
	token, _ := ParseBearer(r)
	return token
}
