package core

import "errors"

var (
	// ErrUnauthorized is the only failure callers of the session core get to see
	ErrUnauthorized = errors.New("unauthorized")

	ErrNotInitialized    = errors.New("keys not initialized")
	ErrKeyImport         = errors.New("key import failed")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrMessageExpired    = errors.New("message outside its validity window")
	ErrInvalidNonce      = errors.New("invalid nonce")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrVerify            = errors.New("token verification failed")
	ErrPairMismatch      = errors.New("token pair mismatch")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionSuperseded = errors.New("session superseded")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Store errors
	ErrNotFound         = errors.New("key not found")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// AuthError hides the failure cause behind a single opaque message while
// keeping it reachable through errors.Is for logs and metrics.
type AuthError struct {
	Cause error
}

// Unauthorized wraps cause as an AuthError.
func Unauthorized(cause error) error {
	return &AuthError{Cause: cause}
}

func (e *AuthError) Error() string {
	return ErrUnauthorized.Error()
}

func (e *AuthError) Unwrap() []error {
	return []error{ErrUnauthorized, e.Cause}
}

var reasons = []struct {
	err    error
	reason string
}{
	{ErrNotInitialized, "not_initialized"},
	{ErrKeyImport, "key_import"},
	{ErrMalformedMessage, "malformed_message"},
	{ErrMessageExpired, "message_expired"},
	{ErrInvalidNonce, "invalid_nonce"},
	{ErrInvalidSignature, "invalid_signature"},
	{ErrPairMismatch, "pair_mismatch"},
	{ErrVerify, "verify"},
	{ErrSessionNotFound, "session_not_found"},
	{ErrSessionSuperseded, "session_superseded"},
	{ErrRateLimitExceeded, "rate_limited"},
	{ErrStoreUnavailable, "store_unavailable"},
	{ErrNotFound, "not_found"},
}

// Reason returns a short label for the most specific known kind in err's
// chain. It is meant for logs and metric labels, never for responses.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal"
}
