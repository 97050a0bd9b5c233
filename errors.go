package siweauth

import (
	"errors"
)

var (
	// ErrUnauthorized is returned when the service rejects a sign-in,
	// a rotation or a token
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited is returned when the service answers 429
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUnavailable is returned when the service cannot reach its store
	ErrUnavailable = errors.New("auth service unavailable")

	// ErrUnexpectedResponse is returned for any other non-200 answer
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrInvalidToken is returned by Verifier for tokens it does not accept
	ErrInvalidToken = errors.New("invalid token")

	// ErrJWKS is returned when the key set cannot be fetched or used
	ErrJWKS = errors.New("jwks unavailable")
)
