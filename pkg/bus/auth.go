package bus

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aurelia-health/scribeflow/pkg/config"
)

// identityTokenTTL is how long minted tokens are valid. The cache holds
// them for a conservative 5 minutes regardless of their real expiry.
const (
	identityTokenTTL = time.Hour
	tokenCacheTTL    = 5 * time.Minute
	tokenCacheSkew   = time.Minute
)

// TokenSource mints identity tokens for outbound service calls.
type TokenSource interface {
	Token(audience string) (string, error)
}

// SigningTokenSource mints HS256 identity tokens from the shared
// service secret, caching per audience. The cache is overwrite-safe:
// concurrent refreshers may race but the last write wins harmlessly.
type SigningTokenSource struct {
	secret   []byte
	issuer   string
	identity string

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	token string
	exp   time.Time
}

// NewSigningTokenSource creates a token source for the given service
// identity. The first configured issuer is used for minted tokens.
func NewSigningTokenSource(auth config.AuthSettings) (*SigningTokenSource, error) {
	if auth.SigningSecret == "" {
		return nil, fmt.Errorf("identity signing secret is required")
	}
	if len(auth.Issuers) == 0 {
		return nil, fmt.Errorf("at least one issuer is required")
	}
	return &SigningTokenSource{
		secret:   []byte(auth.SigningSecret),
		issuer:   auth.Issuers[0],
		identity: auth.ServiceIdentity,
		cache:    make(map[string]cachedToken),
	}, nil
}

// Token returns a cached token for the audience, minting a fresh one
// when the cached entry is within the skew of expiry.
func (s *SigningTokenSource) Token(audience string) (string, error) {
	now := time.Now()

	s.mu.Lock()
	cached, ok := s.cache[audience]
	s.mu.Unlock()
	if ok && cached.exp.Add(-tokenCacheSkew).After(now) {
		return cached.token, nil
	}

	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": s.identity,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(identityTokenTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing identity token: %w", err)
	}

	s.mu.Lock()
	s.cache[audience] = cachedToken{token: token, exp: now.Add(tokenCacheTTL)}
	s.mu.Unlock()
	return token, nil
}

// Verifier validates inbound push bearer tokens against the configured
// audience and accepted issuer set.
type Verifier struct {
	secret   []byte
	audience string
	issuers  []string
	enabled  bool
}

// NewVerifier creates a push-auth verifier. When auth is disabled the
// verifier accepts everything (local development only).
func NewVerifier(auth config.AuthSettings) *Verifier {
	return &Verifier{
		secret:   []byte(auth.SigningSecret),
		audience: auth.Audience,
		issuers:  auth.Issuers,
		enabled:  auth.RequireAuth,
	}
}

// Verify checks a bearer token: signature, expiry, audience, issuer.
func (v *Verifier) Verify(bearer string) error {
	if !v.enabled {
		return nil
	}
	if bearer == "" {
		return fmt.Errorf("missing bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.Parse(bearer, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("invalid push token: %w", err)
	}

	issuer, err := token.Claims.GetIssuer()
	if err != nil {
		return fmt.Errorf("invalid push token issuer: %w", err)
	}
	if !slices.Contains(v.issuers, issuer) {
		return fmt.Errorf("push token issuer %q not accepted", issuer)
	}
	return nil
}
