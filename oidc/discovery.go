package oidc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// DiscoveryTTL bounds how long a fetched discovery document is reused.
	DiscoveryTTL = time.Hour

	// discoveryFetchTimeout bounds the well-known request.
	discoveryFetchTimeout = 10 * time.Second

	discoveryCacheKey = "discovery"
)

// DiscoveryDocument is the provider metadata from
// <issuer>/.well-known/openid-configuration. It is immutable once fetched.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
	RevocationEndpoint    string `json:"revocation_endpoint,omitempty"`
}

// requiredDiscoveryFields must all be present and non-empty in the metadata.
var requiredDiscoveryFields = []string{
	"authorization_endpoint",
	"token_endpoint",
	"jwks_uri",
	"issuer",
}

// DiscoveryService fetches and caches provider metadata for a single
// configured issuer. The cache is read-mostly with last-writer-wins refresh; a
// duplicate concurrent rebuild is wasted work, not a correctness hazard.
type DiscoveryService struct {
	issuer     string
	httpClient *http.Client
	cache      *gocache.Cache
	ttl        time.Duration
	logger     *slog.Logger
}

// DiscoveryOption customizes a DiscoveryService.
type DiscoveryOption func(*DiscoveryService)

// WithDiscoveryHTTPClient overrides the HTTP client used for fetches.
func WithDiscoveryHTTPClient(c *http.Client) DiscoveryOption {
	return func(s *DiscoveryService) { s.httpClient = c }
}

// WithDiscoveryTTL overrides the cache TTL. Intended for tests.
func WithDiscoveryTTL(ttl time.Duration) DiscoveryOption {
	return func(s *DiscoveryService) { s.ttl = ttl }
}

// NewDiscoveryService creates a service bound to the expected issuer.
func NewDiscoveryService(issuer string, logger *slog.Logger, opts ...DiscoveryOption) *DiscoveryService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &DiscoveryService{
		issuer:     strings.TrimSuffix(issuer, "/"),
		httpClient: http.DefaultClient,
		ttl:        DiscoveryTTL,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = gocache.New(s.ttl, s.ttl)
	return s
}

// Issuer returns the statically configured expected issuer.
func (s *DiscoveryService) Issuer() string { return s.issuer }

// FetchDiscovery returns the provider metadata, from cache when a valid copy
// exists and force is false, otherwise from the network.
func (s *DiscoveryService) FetchDiscovery(ctx context.Context, force bool) (*DiscoveryDocument, error) {
	if !force {
		if doc := s.CachedDiscovery(); doc != nil {
			return doc, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, discoveryFetchTimeout)
	defer cancel()

	wellKnown := s.issuer + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, &DiscoveryError{Kind: DiscoveryNetwork, err: err}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &DiscoveryError{Kind: DiscoveryNetwork, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &DiscoveryError{Kind: DiscoveryNetwork, err: errHTTPStatus(resp.StatusCode)}
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &DiscoveryError{Kind: DiscoveryInvalidResponse, err: err}
	}

	var missing []string
	for _, field := range requiredDiscoveryFields {
		if v, ok := raw[field].(string); !ok || v == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, &DiscoveryError{Kind: DiscoveryMissingFields, Missing: missing}
	}

	doc := &DiscoveryDocument{
		Issuer:                raw["issuer"].(string),
		AuthorizationEndpoint: raw["authorization_endpoint"].(string),
		TokenEndpoint:         raw["token_endpoint"].(string),
		JWKSURI:               raw["jwks_uri"].(string),
	}
	if v, ok := raw["userinfo_endpoint"].(string); ok {
		doc.UserinfoEndpoint = v
	}
	if v, ok := raw["end_session_endpoint"].(string); ok {
		doc.EndSessionEndpoint = v
	}
	if v, ok := raw["revocation_endpoint"].(string); ok {
		doc.RevocationEndpoint = v
	}

	// Exact string equality; a deviating issuer invalidates the whole
	// document regardless of how many other fields look fine.
	if doc.Issuer != s.issuer {
		return nil, &DiscoveryError{Kind: DiscoveryIssuerMismatch, Expected: s.issuer, Got: doc.Issuer}
	}

	s.cache.Set(discoveryCacheKey, doc, s.ttl)
	s.logger.Debug("discovery document cached", "issuer", doc.Issuer)
	return doc, nil
}

// CachedDiscovery returns the cached document or nil when absent or expired.
// It never performs I/O.
func (s *DiscoveryService) CachedDiscovery() *DiscoveryDocument {
	if v, ok := s.cache.Get(discoveryCacheKey); ok {
		return v.(*DiscoveryDocument)
	}
	return nil
}

// ClearDiscoveryCache forces the next fetch to hit the network.
func (s *DiscoveryService) ClearDiscoveryCache() {
	s.cache.Delete(discoveryCacheKey)
}

type errHTTPStatus int

func (e errHTTPStatus) Error() string {
	return http.StatusText(int(e)) + " from discovery endpoint"
}
