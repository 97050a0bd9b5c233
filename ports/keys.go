package ports

import "github.com/golang-jwt/jwt/v5"

// SignRequest describes a token to mint.
type SignRequest struct {
	Subject   string
	Payload   map[string]any
	ExpiresIn string // duration string such as "1h" or "1w"
	Audience  string // defaults to the issuer
}

// SignedToken is a compact RS256 token and the key id that signed it.
type SignedToken struct {
	Token string
	Kid   string
}

// VerifiedToken is the decoded content of a token whose signature checked out.
type VerifiedToken struct {
	Header map[string]any
	Claims jwt.MapClaims
}

// JWKS is a JSON Web Key Set document.
type JWKS struct {
	Keys []map[string]any `json:"keys"`
}

// KeyManager signs and verifies tokens with the process' single active key.
type KeyManager interface {
	Sign(req SignRequest) (*SignedToken, error)

	// Verify requires a valid signature, issuer, audience and an unexpired token.
	Verify(token, audience string) (*VerifiedToken, error)

	// VerifyExpired performs the same checks but requires the token to be expired.
	VerifyExpired(token, audience string) (*VerifiedToken, error)

	JWKS() (*JWKS, error)
	Issuer() string
	KeyID() string

	// CreatedAt is the key pair's creation timestamp as recorded in the key file.
	CreatedAt() string
}
