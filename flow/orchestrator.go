package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"loopin/oidc"
)

// LoginTimeout is the hard deadline for one interactive attempt, from
// building the authorization URL to receiving the callback.
const LoginTimeout = 120 * time.Second

// State identifies where a login attempt is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateChallengeReady
	StateAwaitingCallback
	StateExchangingCode
	StateVerifyingIDToken
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateChallengeReady:
		return "challenge_ready"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateExchangingCode:
		return "exchanging_code"
	case StateVerifyingIDToken:
		return "verifying_id_token"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LoginResult is the outcome of a completed attempt.
type LoginResult struct {
	Tokens *TokenSet
	Claims *oidc.IdentityClaims
}

// WaitFunc blocks until the browser-driven callback settles the attempt or
// the deadline passes, whichever comes first.
type WaitFunc func(ctx context.Context) (*LoginResult, error)

// Opener requests that a URL be opened in the system browser. It returns once
// the open has been requested, not once the user finishes authenticating.
type Opener interface {
	Open(url string) error
}

// Orchestrator drives one interactive login attempt through discovery,
// challenge generation, the loopback callback, code exchange and ID token
// verification. Attempts are serialized: a second one started while the first
// is in flight is rejected with ErrLoginInProgress, since concurrent attempts
// would contend for the same preferred port range.
type Orchestrator struct {
	clientID      string
	scopes        []string
	callbackPorts []int
	timeout       time.Duration

	discovery *oidc.DiscoveryService
	verifier  *oidc.Verifier
	tokens    *TokenClient
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	inFlight bool
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithCallbackPorts overrides the preferred loopback port list.
func WithCallbackPorts(ports []int) OrchestratorOption {
	return func(o *Orchestrator) { o.callbackPorts = ports }
}

// WithLoginTimeout overrides the attempt deadline. Intended for tests.
func WithLoginTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.timeout = d }
}

// NewOrchestrator wires the login pipeline components together.
func NewOrchestrator(discovery *oidc.DiscoveryService, verifier *oidc.Verifier, tokens *TokenClient, clientID string, scopes []string, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	o := &Orchestrator{
		clientID:  clientID,
		scopes:    scopes,
		timeout:   LoginTimeout,
		discovery: discovery,
		verifier:  verifier,
		tokens:    tokens,
		logger:    logger,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CurrentState reports the state of the attempt in flight, or of the last
// completed one.
func (o *Orchestrator) CurrentState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("login state transition", "state", s.String())
}

// attempt aggregates the per-attempt secrets. It is never reused.
type attempt struct {
	pkce        *PKCE
	state       string
	nonce       string
	redirectURI string
	server      *LoopbackServer
}

// BeginLogin prepares the attempt and returns the authorization URL together
// with a wait function. The caller opens the URL (or hands it to an external
// launcher) and then invokes the wait function. The two-call split is the
// canonical shape; Login is the convenience wrapper.
func (o *Orchestrator) BeginLogin(ctx context.Context) (string, WaitFunc, error) {
	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return "", nil, ErrLoginInProgress
	}
	o.inFlight = true
	o.mu.Unlock()

	authURL, wait, err := o.begin(ctx)
	if err != nil {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
		o.setState(StateFailed)
		return "", nil, err
	}
	return authURL, wait, nil
}

func (o *Orchestrator) begin(ctx context.Context) (string, WaitFunc, error) {
	o.setState(StateDiscovering)
	doc, err := o.discovery.FetchDiscovery(ctx, false)
	if err != nil {
		return "", nil, err
	}

	pkce, err := NewPKCE()
	if err != nil {
		return "", nil, err
	}
	state, err := NewState()
	if err != nil {
		return "", nil, err
	}
	nonce, err := NewNonce()
	if err != nil {
		return "", nil, err
	}

	server := NewLoopbackServer(o.callbackPorts, o.logger)
	redirectURI, err := server.Start()
	if err != nil {
		return "", nil, err
	}
	o.setState(StateChallengeReady)

	att := &attempt{
		pkce:        pkce,
		state:       state,
		nonce:       nonce,
		redirectURI: redirectURI,
		server:      server,
	}

	authURL := o.authCodeURL(doc, att)
	deadline := time.Now().Add(o.timeout)

	wait := func(ctx context.Context) (*LoginResult, error) {
		defer func() {
			// Teardown is unconditional: a lingering listener is a
			// local attack surface.
			att.server.Close()
			o.mu.Lock()
			o.inFlight = false
			o.mu.Unlock()
		}()

		result, err := o.await(ctx, att, deadline)
		if err != nil {
			o.setState(StateFailed)
			return nil, err
		}
		o.setState(StateComplete)
		return result, nil
	}

	return authURL, wait, nil
}

// authCodeURL builds the authorization request with the PKCE challenge, state
// and nonce attached.
func (o *Orchestrator) authCodeURL(doc *oidc.DiscoveryDocument, att *attempt) string {
	conf := &oauth2.Config{
		ClientID:    o.clientID,
		RedirectURL: att.redirectURI,
		Scopes:      o.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   doc.AuthorizationEndpoint,
			TokenURL:  doc.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return conf.AuthCodeURL(att.state,
		oauth2.SetAuthURLParam("nonce", att.nonce),
		oauth2.SetAuthURLParam("code_challenge", att.pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", att.pkce.Method),
	)
}

// await races the loopback callback against the attempt deadline, then runs
// the exchange and verification stages. The state check strictly precedes the
// exchange so a forged callback never spends the authorization code.
func (o *Orchestrator) await(ctx context.Context, att *attempt, deadline time.Time) (*LoginResult, error) {
	o.setState(StateAwaitingCallback)

	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	callback, err := att.server.Wait(waitCtx)
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrLoginTimeout
		}
		return nil, err
	}

	if callback.IsError() {
		o.logger.Warn("authorization denied by provider", "code", callback.Error)
		return nil, &AuthorizationError{Code: callback.Error}
	}
	if callback.State != att.state {
		o.logger.Warn("callback state mismatch, discarding authorization response")
		return nil, ErrStateMismatch
	}
	if callback.Code == "" {
		return nil, ErrMissingCode
	}

	o.setState(StateExchangingCode)
	tokens, err := o.tokens.ExchangeCode(ctx, callback.Code, att.pkce.Verifier, att.redirectURI)
	if err != nil {
		return nil, err
	}

	o.setState(StateVerifyingIDToken)
	claims, err := o.verifier.VerifyIDToken(ctx, tokens.IDToken, att.nonce)
	if err != nil {
		return nil, err
	}

	return &LoginResult{Tokens: tokens, Claims: claims}, nil
}

// Login is the one-call orchestration: begin the attempt, open the browser
// and wait for completion.
func (o *Orchestrator) Login(ctx context.Context, opener Opener) (*LoginResult, error) {
	authURL, wait, err := o.BeginLogin(ctx)
	if err != nil {
		return nil, err
	}
	if err := opener.Open(authURL); err != nil {
		o.abandon(wait)
		return nil, err
	}
	return wait(ctx)
}

// abandon drains a wait function whose attempt can no longer complete, so the
// loopback listener is torn down.
func (o *Orchestrator) abandon(wait WaitFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = wait(ctx)
}
