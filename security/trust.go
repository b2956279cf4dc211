package security

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

type unverifiedClaims struct {
	Issuer string
}

// parseIssuerUnverified reads the "iss" claim without checking the
// signature, solely to pick which issuer's JWKS to verify against.
// Signature and expiry are enforced afterward by the matched provider's
// verifier.
func parseIssuerUnverified(rawToken string) (*unverifiedClaims, error) {
	tok, err := jwt.Parse([]byte(rawToken), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, err
	}
	return &unverifiedClaims{Issuer: tok.Issuer()}, nil
}

// TrustedIssuers verifies bearer tokens against a configured allow-list of
// OIDC issuers, each discovered lazily and cached for AUTH_JWKS_CACHE_TTL.
// Kairos accepts tokens from any issuer in the list, unlike a single-tenant
// OIDCProvider which is bound to exactly one.
type TrustedIssuers struct {
	mu              sync.RWMutex
	providers       map[string]*cachedProvider
	issuers         []string
	audiences       []string
	clientID        string
	cacheTTL        time.Duration
	skipExpiryCheck bool
}

type cachedProvider struct {
	provider  *OIDCProvider
	expiresAt time.Time
}

// TrustedIssuersConfig configures a TrustedIssuers registry.
type TrustedIssuersConfig struct {
	Issuers   []string
	Audiences []string
	ClientID  string
	CacheTTL  time.Duration
}

// NewTrustedIssuers builds a registry. Providers are discovered on first
// use, not eagerly, so a transiently unreachable issuer does not prevent
// startup.
func NewTrustedIssuers(cfg TrustedIssuersConfig) *TrustedIssuers {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TrustedIssuers{
		providers: make(map[string]*cachedProvider),
		issuers:   cfg.Issuers,
		audiences: cfg.Audiences,
		clientID:  cfg.ClientID,
		cacheTTL:  ttl,
	}
}

// loopbackAliases returns the issuer URL plus any mutually-acceptable
// loopback forms, per spec §4.2: localhost and 127.0.0.1 are aliases of
// each other when matching the token's "iss" claim against the allow-list.
func loopbackAliases(issuer string) []string {
	u, err := url.Parse(issuer)
	if err != nil {
		return []string{issuer}
	}
	host := u.Hostname()
	aliases := []string{issuer}
	swap := func(from, to string) {
		if host == from {
			u2 := *u
			u2.Host = strings.Replace(u2.Host, from, to, 1)
			aliases = append(aliases, u2.String())
		}
	}
	swap("localhost", "127.0.0.1")
	swap("127.0.0.1", "localhost")
	return aliases
}

// Issuers returns the configured trusted-issuer allow-list, for discovery
// documents that advertise which authorization servers a resource accepts.
func (t *TrustedIssuers) Issuers() []string {
	out := make([]string, len(t.issuers))
	copy(out, t.issuers)
	return out
}

// issuerAllowed reports whether claimedIssuer matches one of the
// configured trusted issuers, accounting for loopback aliasing.
func (t *TrustedIssuers) issuerAllowed(claimedIssuer string) (string, bool) {
	for _, allowed := range t.issuers {
		for _, alias := range loopbackAliases(allowed) {
			if alias == claimedIssuer {
				return allowed, true
			}
		}
	}
	return "", false
}

func (t *TrustedIssuers) providerFor(ctx context.Context, issuer string) (*OIDCProvider, error) {
	t.mu.RLock()
	cp, ok := t.providers[issuer]
	t.mu.RUnlock()
	if ok && time.Now().Before(cp.expiresAt) {
		return cp.provider, nil
	}

	provider, err := NewOIDCProvider(ctx, OIDCConfig{
		ProviderURL:     issuer,
		ClientID:        t.clientID,
		SkipExpiryCheck: t.skipExpiryCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("discover issuer %s: %w", issuer, err)
	}

	t.mu.Lock()
	t.providers[issuer] = &cachedProvider{provider: provider, expiresAt: time.Now().Add(t.cacheTTL)}
	t.mu.Unlock()
	return provider, nil
}

// audienceAllowed reports whether the token's audience claim intersects
// the configured allow-list. An empty allow-list accepts any audience.
func (t *TrustedIssuers) audienceAllowed(aud string) bool {
	if len(t.audiences) == 0 {
		return true
	}
	for _, a := range t.audiences {
		if a == aud {
			return true
		}
	}
	return false
}

// Verify validates a bearer token against the trusted-issuer allow-list,
// discovering and caching the issuer's JWKS as needed.
func (t *TrustedIssuers) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	unverified, err := parseIssuerUnverified(rawToken)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	matchedIssuer, ok := t.issuerAllowed(unverified.Issuer)
	if !ok {
		return nil, fmt.Errorf("issuer %q is not trusted", unverified.Issuer)
	}

	provider, err := t.providerFor(ctx, matchedIssuer)
	if err != nil {
		return nil, err
	}

	claims, err := provider.VerifyIDToken(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	if !t.audienceAllowed(claims.Audience) {
		return nil, fmt.Errorf("audience %q is not allowed", claims.Audience)
	}
	return claims, nil
}
