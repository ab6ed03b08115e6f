package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vango-go/civic-voice/pkg/core"
)

// TokenVerifier validates a bearer credential. Implementations hold no
// mutable state and are safe for concurrent use.
type TokenVerifier interface {
	Verify(token string) (*Principal, error)
}

// HMACVerifier verifies HS256 JWTs signed with a shared secret. The user id
// is the token subject.
type HMACVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

type HMACOption func(*HMACVerifier)

func WithIssuer(iss string) HMACOption {
	return func(v *HMACVerifier) { v.issuer = strings.TrimSpace(iss) }
}

func WithAudience(aud string) HMACOption {
	return func(v *HMACVerifier) { v.audience = strings.TrimSpace(aud) }
}

func WithLeeway(d time.Duration) HMACOption {
	return func(v *HMACVerifier) { v.leeway = d }
}

func WithClock(now func() time.Time) HMACOption {
	return func(v *HMACVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

func NewHMACVerifier(secret []byte, opts ...HMACOption) *HMACVerifier {
	v := &HMACVerifier{
		secret: append([]byte(nil), secret...),
		leeway: 30 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *HMACVerifier) Verify(token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, core.NewMissingCredentialError()
	}
	if v == nil || len(v.secret) == 0 {
		return nil, core.NewInvalidCredentialError(errors.New("verifier has no secret"))
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, core.NewInvalidCredentialError(err)
	}
	if !parsed.Valid {
		return nil, core.NewInvalidCredentialError(errors.New("token is not valid"))
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return nil, core.NewInvalidCredentialError(errors.New("token has no subject"))
	}

	p := &Principal{UserID: sub}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// StaticVerifier maps fixed tokens to user ids. It backs development
// deployments and tests.
type StaticVerifier map[string]string

// ParseStaticTokens parses "token:user,token2:user2".
func ParseStaticTokens(raw string) (StaticVerifier, error) {
	out := StaticVerifier{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		token = strings.TrimSpace(token)
		user = strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, errors.New("static tokens must be token:user pairs")
		}
		out[token] = user
	}
	return out, nil
}

func (s StaticVerifier) Verify(token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, core.NewMissingCredentialError()
	}
	user, ok := s[token]
	if !ok {
		return nil, core.NewInvalidCredentialError(errors.New("unknown static token"))
	}
	return &Principal{UserID: user}, nil
}

// Chain tries each verifier in order and returns the first success. A
// missing credential short-circuits before any verifier runs.
type Chain []TokenVerifier

func (c Chain) Verify(token string) (*Principal, error) {
	if strings.TrimSpace(token) == "" {
		return nil, core.NewMissingCredentialError()
	}
	var lastErr error
	for _, v := range c {
		if v == nil {
			continue
		}
		p, err := v.Verify(token)
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = core.NewInvalidCredentialError(errors.New("no verifier configured"))
	}
	return nil, lastErr
}
