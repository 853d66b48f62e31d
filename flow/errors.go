package flow

import "errors"

// Sentinel failures surfaced by a login attempt. All of them terminate the
// attempt; none are retried inside this package.
var (
	// ErrLoginTimeout is returned when the callback does not arrive before
	// the attempt deadline.
	ErrLoginTimeout = errors.New("login timed out waiting for browser callback")

	// ErrStateMismatch is returned when the callback carries a state value
	// that does not match the one generated for this attempt. This is a
	// security violation, not a transient fault.
	ErrStateMismatch = errors.New("state parameter mismatch in callback")

	// ErrMissingCode is returned when the callback carries neither an
	// authorization code nor a provider error.
	ErrMissingCode = errors.New("callback contained no authorization code")

	// ErrLoginInProgress is returned when a second login attempt is started
	// while one is already in flight. Attempts are serialized, not queued.
	ErrLoginInProgress = errors.New("a login attempt is already in progress")
)

// authorizationMessages maps provider-reported authorization error codes to
// stable user-facing strings. The provider's error_description is deliberately
// never shown.
var authorizationMessages = map[string]string{
	"access_denied":        "Sign-in was cancelled or denied.",
	"login_required":       "The identity provider requires you to sign in again.",
	"consent_required":     "The identity provider requires your consent to continue.",
	"interaction_required": "The identity provider needs additional interaction to complete sign-in.",
	"invalid_request":      "The sign-in request was rejected as malformed.",
}

// AuthorizationError is a denial reported by the provider on the callback
// redirect (for example the user pressed cancel on the consent screen).
type AuthorizationError struct {
	// Code is the OAuth error code from the callback query.
	Code string
}

func (e *AuthorizationError) Error() string {
	if msg, ok := authorizationMessages[e.Code]; ok {
		return msg
	}
	return "Sign-in failed (" + e.Code + ")."
}

// BindError indicates the loopback listener could not be bound, including the
// ephemeral-port fallback.
type BindError struct {
	Err error
}

func (e *BindError) Error() string {
	return "could not bind loopback callback listener: " + e.Err.Error()
}

func (e *BindError) Unwrap() error { return e.Err }
