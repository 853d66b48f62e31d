package flow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	// verifierBytes is the entropy for the PKCE code verifier. 32 bytes
	// (256 bits) encodes to 43 base64url characters, within the RFC 7636
	// 43-128 character bounds.
	verifierBytes = 32

	// paramBytes is the entropy for the state and nonce parameters.
	paramBytes = 16
)

// PKCE holds a code verifier and its S256 challenge for one login attempt.
// The verifier stays in process memory and is only ever sent in the token
// exchange request, never in the browser-visible authorization request.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// RandomString returns byteLen bytes from the system CSPRNG, base64url-encoded
// without padding.
func RandomString(byteLen int) (string, error) {
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SHA256Base64URL hashes the input with SHA-256 and base64url-encodes the
// digest without padding. This is the S256 transform from RFC 7636.
func SHA256Base64URL(input string) string {
	sum := sha256.Sum256([]byte(input))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewPKCE generates a fresh verifier/challenge pair.
func NewPKCE() (*PKCE, error) {
	verifier, err := RandomString(verifierBytes)
	if err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}
	return &PKCE{
		Verifier:  verifier,
		Challenge: SHA256Base64URL(verifier),
		Method:    "S256",
	}, nil
}

// NewState generates a random state parameter binding the authorization
// response back to this attempt.
func NewState() (string, error) {
	return RandomString(paramBytes)
}

// NewNonce generates a random nonce to be echoed inside the verified ID token.
func NewNonce() (string, error) {
	return RandomString(paramBytes)
}
