// Package loopin implements native-application OpenID Connect sign-in: the
// OAuth 2.0 authorization code flow with PKCE through the system browser and
// a loopback redirect, per RFC 8252, plus a fail-closed session cache backed
// by the persisted refresh token.
package loopin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"loopin/browser"
	"loopin/flow"
	"loopin/oidc"
	"loopin/session"
)

// Client wires the login pipeline and the session cache for one configured
// provider. Construct one instance per process.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	discovery *oidc.DiscoveryService
	verifier  *oidc.Verifier
	tokens    *flow.TokenClient
	orch      *flow.Orchestrator
	sessions  *session.Manager
	store     session.CredentialStore
	opener    flow.Opener
}

// Option customizes a Client.
type Option func(*clientOptions)

type clientOptions struct {
	logger     *slog.Logger
	httpClient *http.Client
	store      session.CredentialStore
	opener     flow.Opener
	clock      func() time.Time
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithHTTPClient sets the HTTP client for all provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithCredentialStore replaces the default file store, typically with an
// OS keychain adapter.
func WithCredentialStore(s session.CredentialStore) Option {
	return func(o *clientOptions) { o.store = s }
}

// WithBrowserOpener replaces the default system browser opener.
func WithBrowserOpener(op flow.Opener) Option {
	return func(o *clientOptions) { o.opener = op }
}

// WithClock injects a clock into the session manager.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) { o.clock = now }
}

// New builds a Client from a validated Config.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := &clientOptions{
		logger:     slog.Default(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		opener:     browser.System{},
	}
	for _, opt := range opts {
		opt(options)
	}

	store := options.store
	if store == nil {
		var err error
		store, err = session.NewFileStore(cfg.StateDir)
		if err != nil {
			return nil, err
		}
	}

	discovery := oidc.NewDiscoveryService(cfg.Issuer, options.logger,
		oidc.WithDiscoveryHTTPClient(options.httpClient))
	verifier := oidc.NewVerifier(discovery, cfg.ClientID, options.logger,
		oidc.WithVerifierHTTPClient(options.httpClient))
	tokens := flow.NewTokenClient(discovery, cfg.ClientID, options.httpClient, options.logger)
	orch := flow.NewOrchestrator(discovery, verifier, tokens, cfg.ClientID, cfg.Scopes, options.logger,
		flow.WithCallbackPorts(cfg.CallbackPorts),
		flow.WithLoginTimeout(time.Duration(cfg.LoginTimeout)),
	)

	managerOpts := []session.ManagerOption{}
	if options.clock != nil {
		managerOpts = append(managerOpts, session.WithClock(options.clock))
	}
	sessions := session.NewManager(store, tokens, options.logger, managerOpts...)

	return &Client{
		cfg:       cfg,
		logger:    options.logger,
		discovery: discovery,
		verifier:  verifier,
		tokens:    tokens,
		orch:      orch,
		sessions:  sessions,
		store:     store,
		opener:    options.opener,
	}, nil
}

// Login runs one full interactive attempt: discovery, loopback server,
// browser, code exchange, ID token verification, then installs the session.
func (c *Client) Login(ctx context.Context) (*oidc.IdentityClaims, error) {
	result, err := c.orch.Login(ctx, c.opener)
	if err != nil {
		return nil, err
	}
	if err := c.sessions.UpdateFromTokens(ctx, result.Tokens); err != nil {
		return nil, err
	}
	return result.Claims, nil
}

// BeginLogin is the split orchestration: it returns the authorization URL for
// the host to open, plus a wait function that settles the attempt and, on
// success, installs the session.
func (c *Client) BeginLogin(ctx context.Context) (string, flow.WaitFunc, error) {
	authURL, wait, err := c.orch.BeginLogin(ctx)
	if err != nil {
		return "", nil, err
	}
	wrapped := func(ctx context.Context) (*flow.LoginResult, error) {
		result, err := wait(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.sessions.UpdateFromTokens(ctx, result.Tokens); err != nil {
			return nil, err
		}
		return result, nil
	}
	return authURL, wrapped, nil
}

// EnsureSession returns a valid access token, refreshing if needed. An empty
// access token means no session exists and an interactive login is required.
func (c *Client) EnsureSession(ctx context.Context) (session.Session, error) {
	return c.sessions.EnsureSession(ctx)
}

// Sessions exposes the session manager for hosts that need direct access.
func (c *Client) Sessions() *session.Manager { return c.sessions }

// Logout drops the in-memory session and the persisted refresh token. No
// revocation call is made.
func (c *Client) Logout(ctx context.Context) error {
	c.sessions.ClearSession()
	return c.store.Clear(ctx)
}
