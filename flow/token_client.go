package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"loopin/oidc"
)

// TokenSet is the provider's answer to a token grant. The ID token is
// consumed once for verification; the refresh token is handed to the
// credential store; the access token lives only in process memory.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	Scope        string
	Expiry       time.Time
}

// TokenError is a classified token-endpoint failure. Its message is safe to
// show to users: raw provider bodies and descriptions are never carried.
type TokenError struct {
	// Code is the OAuth error code when the provider supplied one.
	Code string

	// Status is the HTTP status of the response, when one was received.
	Status int

	message string
}

func (e *TokenError) Error() string { return e.message }

// tokenErrorMessages maps known OAuth token-endpoint error codes to stable
// user-facing strings.
var tokenErrorMessages = map[string]string{
	"invalid_grant":          "The sign-in grant is invalid or has expired. Please sign in again.",
	"redirect_uri_mismatch":  "The redirect address was not accepted by the identity provider.",
	"invalid_client":         "This application is not recognized by the identity provider.",
	"unauthorized_client":    "This application is not authorized for this sign-in.",
	"invalid_request":        "The token request was rejected as malformed.",
	"unsupported_grant_type": "The identity provider does not support this sign-in method.",
}

// TokenClient performs the authorization-code and refresh-token grants
// against the discovered token endpoint. It is a public client: no client
// secret is ever sent.
type TokenClient struct {
	clientID   string
	discovery  *oidc.DiscoveryService
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTokenClient creates a token client for the given public client ID.
func NewTokenClient(discovery *oidc.DiscoveryService, clientID string, httpClient *http.Client, logger *slog.Logger) *TokenClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenClient{
		clientID:   clientID,
		discovery:  discovery,
		httpClient: httpClient,
		logger:     logger,
	}
}

// config builds the oauth2 configuration against the discovered endpoints.
// AuthStyleInParams keeps the client_id in the form body, as required for
// public clients without a secret.
func (c *TokenClient) config(ctx context.Context, redirectURI string) (*oauth2.Config, error) {
	doc, err := c.discovery.FetchDiscovery(ctx, false)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:    c.clientID,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   doc.AuthorizationEndpoint,
			TokenURL:  doc.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, nil
}

// ExchangeCode redeems an authorization code together with its PKCE verifier.
func (c *TokenClient) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*TokenSet, error) {
	conf, err := c.config(ctx, redirectURI)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := conf.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, c.classify(err)
	}
	return tokenSetFrom(tok), nil
}

// Refresh redeems a refresh token for a fresh access token. Rotation is
// optional on the provider side; the returned set's RefreshToken equals the
// input when the provider kept it.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	conf, err := c.config(ctx, "")
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, c.classify(err)
	}
	return tokenSetFrom(tok), nil
}

func tokenSetFrom(tok *oauth2.Token) *TokenSet {
	set := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		set.IDToken = id
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		set.Scope = scope
	}
	return set
}

// classify maps a token-endpoint failure to a TokenError with a user-safe
// message. The primary path reads the OAuth error code from the JSON body;
// non-JSON bodies fall back to a best-effort substring heuristic; anything
// else surfaces only the HTTP status.
func (c *TokenClient) classify(err error) error {
	var retrieve *oauth2.RetrieveError
	if !errors.As(err, &retrieve) {
		c.logger.Warn("token endpoint unreachable", "error", err)
		return &TokenError{message: "Could not reach the identity provider. Check your network connection."}
	}

	status := 0
	if retrieve.Response != nil {
		status = retrieve.Response.StatusCode
	}

	if retrieve.ErrorCode != "" {
		if msg, ok := tokenErrorMessages[retrieve.ErrorCode]; ok {
			return &TokenError{Code: retrieve.ErrorCode, Status: status, message: msg}
		}
		// Unrecognized code: surface the code alone, never the
		// provider's description.
		return &TokenError{
			Code:    retrieve.ErrorCode,
			Status:  status,
			message: fmt.Sprintf("The identity provider rejected the request (%s).", retrieve.ErrorCode),
		}
	}

	// Non-JSON body: last-resort substring heuristic, kept separate from
	// the code-based path above.
	body := strings.ToLower(string(retrieve.Body))
	switch {
	case strings.Contains(body, "redirect"):
		return &TokenError{Status: status, message: tokenErrorMessages["redirect_uri_mismatch"]}
	case strings.Contains(body, "invalid_grant"), strings.Contains(body, "expired"):
		return &TokenError{Status: status, message: tokenErrorMessages["invalid_grant"]}
	}

	return &TokenError{
		Status:  status,
		message: fmt.Sprintf("The token request failed with HTTP status %d.", status),
	}
}
