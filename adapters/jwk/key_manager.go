// Package jwk holds the service's single RS256 signing key. It mints and
// verifies tokens and publishes the public half as a JWKS document.
package jwk

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/siwe-auth/core"
	"github.com/layer-3/siwe-auth/ports"
)

const algorithm = "RS256"

// KeyManager implements ports.KeyManager. Initialize must complete before
// the manager is shared between goroutines; it is immutable afterwards.
type KeyManager struct {
	keyPair KeyPair
	issuer  string
	now     func() time.Time

	publicKey  *rsa.PublicKey
	privateKey *rsa.PrivateKey
}

// Option configures a KeyManager.
type Option func(*KeyManager)

// WithClock overrides the time source used for iat/exp.
func WithClock(now func() time.Time) Option {
	return func(m *KeyManager) {
		m.now = now
	}
}

// NewKeyManager creates a manager for keyPair. No key material is parsed
// until Initialize is called.
func NewKeyManager(keyPair KeyPair, issuer string, opts ...Option) *KeyManager {
	m := &KeyManager{
		keyPair: keyPair,
		issuer:  issuer,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize parses the PEM key material.
func (m *KeyManager) Initialize() error {
	if m.keyPair.Kid == "" {
		return fmt.Errorf("%w: missing kid", core.ErrKeyImport)
	}

	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(m.keyPair.PublicKey))
	if err != nil {
		return fmt.Errorf("%w: public key: %w", core.ErrKeyImport, err)
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(m.keyPair.PrivateKey))
	if err != nil {
		return fmt.Errorf("%w: private key: %w", core.ErrKeyImport, err)
	}
	if !priv.PublicKey.Equal(pub) {
		return fmt.Errorf("%w: public and private key do not match", core.ErrKeyImport)
	}

	m.publicKey = pub
	m.privateKey = priv
	return nil
}

// Sign mints an RS256 token carrying req.Payload plus sub, iss, aud, iat and exp.
func (m *KeyManager) Sign(req ports.SignRequest) (*ports.SignedToken, error) {
	if m.privateKey == nil {
		return nil, core.ErrNotInitialized
	}

	ttl, err := core.ParseDuration(req.ExpiresIn)
	if err != nil {
		return nil, err
	}

	audience := req.Audience
	if audience == "" {
		audience = m.issuer
	}

	now := m.now()
	claims := make(jwt.MapClaims, len(req.Payload)+5)
	for k, v := range req.Payload {
		claims[k] = v
	}
	claims["sub"] = req.Subject
	claims["iss"] = m.issuer
	claims["aud"] = audience
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.keyPair.Kid

	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &ports.SignedToken{Token: signed, Kid: m.keyPair.Kid}, nil
}

func (m *KeyManager) parse(token string, opts ...jwt.ParserOption) (*ports.VerifiedToken, error) {
	if m.publicKey == nil {
		return nil, core.ErrNotInitialized
	}

	opts = append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{algorithm}),
		jwt.WithJSONNumber(),
		jwt.WithTimeFunc(m.now),
	}, opts...)

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if kid, _ := t.Header["kid"].(string); kid != m.keyPair.Kid {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return m.publicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrVerify, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", core.ErrVerify)
	}

	return &ports.VerifiedToken{Header: parsed.Header, Claims: claims}, nil
}

func (m *KeyManager) audienceOrIssuer(audience string) string {
	if audience == "" {
		return m.issuer
	}
	return audience
}

// Verify checks signature, issuer, audience and expiry. Every failure is
// reported as core.ErrVerify.
func (m *KeyManager) Verify(token, audience string) (*ports.VerifiedToken, error) {
	return m.parse(token,
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audienceOrIssuer(audience)),
		jwt.WithExpirationRequired(),
	)
}

// VerifyExpired checks signature, issuer and audience like Verify, but only
// accepts a token whose exp lies in the past.
func (m *KeyManager) VerifyExpired(token, audience string) (*ports.VerifiedToken, error) {
	verified, err := m.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, err
	}

	if iss, _ := verified.Claims.GetIssuer(); iss != m.issuer {
		return nil, fmt.Errorf("%w: invalid issuer", core.ErrVerify)
	}
	if aud, _ := verified.Claims.GetAudience(); !slices.Contains(aud, m.audienceOrIssuer(audience)) {
		return nil, fmt.Errorf("%w: invalid audience", core.ErrVerify)
	}

	exp, err := verified.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: token does not have an expiration time", core.ErrVerify)
	}
	if exp.Unix() >= m.now().Unix() {
		return nil, fmt.Errorf("%w: token is not expired", core.ErrVerify)
	}

	return verified, nil
}

// JWKS exports the public key as a single-key set.
func (m *KeyManager) JWKS() (*ports.JWKS, error) {
	if m.publicKey == nil {
		return nil, core.ErrNotInitialized
	}

	return &ports.JWKS{
		Keys: []map[string]any{{
			"kty": "RSA",
			"n":   base64.RawURLEncoding.EncodeToString(m.publicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(m.publicKey.E)).Bytes()),
			"kid": m.keyPair.Kid,
			"alg": algorithm,
			"use": "sig",
		}},
	}, nil
}

// Issuer returns the configured iss value.
func (m *KeyManager) Issuer() string {
	return m.issuer
}

// KeyID returns the active key id.
func (m *KeyManager) KeyID() string {
	return m.keyPair.Kid
}

// CreatedAt returns the key pair's creation timestamp as recorded on disk.
func (m *KeyManager) CreatedAt() string {
	return m.keyPair.CreatedAt
}

var _ ports.KeyManager = (*KeyManager)(nil)
