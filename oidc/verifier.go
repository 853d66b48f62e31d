package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"
)

const (
	// ClockSkewLeeway is tolerated on exp/iat/nbf checks.
	ClockSkewLeeway = 60 * time.Second

	// keySetTTL bounds how long a fetched JWKS is reused before a refetch.
	keySetTTL = 5 * time.Minute
)

// IdentityClaims is the minimal claim subset released to callers after a
// successful verification. The full claim set is deliberately withheld.
type IdentityClaims struct {
	Subject           string
	PreferredUsername string
	Email             string
}

// Verifier checks ID token signatures against the provider's published key
// set and validates the standard claims. The key set is cached keyed by its
// URI, so a rotated jwks_uri naturally rebuilds the cache.
type Verifier struct {
	issuer     string
	clientID   string
	discovery  *DiscoveryService
	httpClient *http.Client
	keys       *gocache.Cache
	logger     *slog.Logger
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierHTTPClient overrides the HTTP client used for JWKS fetches.
func WithVerifierHTTPClient(c *http.Client) VerifierOption {
	return func(v *Verifier) { v.httpClient = c }
}

// NewVerifier creates a verifier for tokens issued to clientID by the
// discovery service's issuer.
func NewVerifier(discovery *DiscoveryService, clientID string, logger *slog.Logger, opts ...VerifierOption) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{
		issuer:     discovery.Issuer(),
		clientID:   clientID,
		discovery:  discovery,
		httpClient: http.DefaultClient,
		keys:       gocache.New(keySetTTL, keySetTTL),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyIDToken verifies the token signature and standard claims, then
// separately compares the nonce claim to expectedNonce. A nonce mismatch is
// reported as ErrNonceMismatch, distinct from signature and claim failures.
func (v *Verifier) VerifyIDToken(ctx context.Context, rawToken, expectedNonce string) (*IdentityClaims, error) {
	if rawToken == "" {
		return nil, &VerificationError{Reason: "empty token"}
	}

	doc := v.discovery.CachedDiscovery()
	if doc == nil {
		var err error
		doc, err = v.discovery.FetchDiscovery(ctx, false)
		if err != nil {
			return nil, &VerificationError{Reason: "resolve jwks uri", err: err}
		}
	}

	set, err := v.keySet(ctx, doc.JWKSURI, false)
	if err != nil {
		return nil, &VerificationError{Reason: "fetch key set", err: err}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(ClockSkewLeeway),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
	)

	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			// The provider may have rotated keys since the last fetch.
			if fresh, ferr := v.keySet(ctx, doc.JWKSURI, true); ferr == nil {
				key = findKey(fresh, kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key %q not found", kid)
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, &VerificationError{Reason: "parse and verify", err: err}
	}
	if !tok.Valid {
		return nil, &VerificationError{Reason: "token rejected"}
	}

	// Nonce is compared only after the signature and standard claims hold,
	// and mismatches are classified separately as a possible replay.
	nonce, _ := claims["nonce"].(string)
	if nonce != expectedNonce {
		v.logger.Warn("id token nonce mismatch", "issuer", v.issuer)
		return nil, ErrNonceMismatch
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, &VerificationError{Reason: "sub claim missing"}
	}

	out := &IdentityClaims{Subject: sub}
	if name, ok := claims["preferred_username"].(string); ok {
		out.PreferredUsername = name
	}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	return out, nil
}

// keySet returns the key set for the given URI, fetching it when absent from
// the cache or when force is set.
func (v *Verifier) keySet(ctx context.Context, jwksURI string, force bool) (jose.JSONWebKeySet, error) {
	if !force {
		if cached, ok := v.keys.Get(jwksURI); ok {
			return cached.(jose.JSONWebKeySet), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	v.keys.Set(jwksURI, set, keySetTTL)
	return set, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}
