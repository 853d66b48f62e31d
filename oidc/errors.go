package oidc

import (
	"errors"
	"fmt"
	"strings"
)

// DiscoveryErrorKind classifies why a discovery fetch failed.
type DiscoveryErrorKind int

const (
	// DiscoveryNetwork covers connection failures and timeouts.
	DiscoveryNetwork DiscoveryErrorKind = iota
	// DiscoveryInvalidResponse means the body was not a JSON object.
	DiscoveryInvalidResponse
	// DiscoveryMissingFields means required metadata keys were absent.
	DiscoveryMissingFields
	// DiscoveryIssuerMismatch means the advertised issuer did not equal the
	// configured one. The whole document is rejected.
	DiscoveryIssuerMismatch
)

func (k DiscoveryErrorKind) String() string {
	switch k {
	case DiscoveryNetwork:
		return "network_error"
	case DiscoveryInvalidResponse:
		return "invalid_response"
	case DiscoveryMissingFields:
		return "missing_fields"
	case DiscoveryIssuerMismatch:
		return "issuer_mismatch"
	default:
		return "unknown"
	}
}

// DiscoveryError reports a failed discovery fetch.
type DiscoveryError struct {
	Kind DiscoveryErrorKind

	// Missing names the absent required keys for DiscoveryMissingFields.
	Missing []string

	// Expected and Got carry both issuer values for DiscoveryIssuerMismatch.
	Expected string
	Got      string

	err error
}

func (e *DiscoveryError) Error() string {
	switch e.Kind {
	case DiscoveryMissingFields:
		return "discovery document missing required fields: " + strings.Join(e.Missing, ", ")
	case DiscoveryIssuerMismatch:
		return fmt.Sprintf("discovery issuer mismatch: expected %q, got %q", e.Expected, e.Got)
	case DiscoveryInvalidResponse:
		return "discovery response is not a JSON object"
	default:
		if e.err != nil {
			return "discovery fetch failed: " + e.err.Error()
		}
		return "discovery fetch failed"
	}
}

func (e *DiscoveryError) Unwrap() error { return e.err }

// ErrNonceMismatch marks an ID token whose nonce claim does not match the one
// generated for the attempt. It signals a possible replay and is deliberately
// distinct from VerificationError.
var ErrNonceMismatch = errors.New("id token nonce does not match login attempt")

// VerificationError reports a signature or standard-claim failure while
// verifying an ID token.
type VerificationError struct {
	Reason string
	err    error
}

func (e *VerificationError) Error() string {
	if e.err != nil {
		return "id token verification failed: " + e.Reason + ": " + e.err.Error()
	}
	return "id token verification failed: " + e.Reason
}

func (e *VerificationError) Unwrap() error { return e.err }
