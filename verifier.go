package siweauth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultJWKSTTL        = 5 * time.Minute
	defaultMinJWKSRefetch = 30 * time.Second
)

// Claims are the claims carried by access and refresh tokens.
type Claims struct {
	Address   string `json:"address"`
	ChainID   int64  `json:"chainId"`
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// Verifier validates tokens against the service's published JWKS. It is
// safe for concurrent use.
type Verifier struct {
	issuer   string
	audience string
	now      func() time.Time
	keys     *jwksCache
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierHTTPClient sets the client used to fetch the key set.
func WithVerifierHTTPClient(c *http.Client) VerifierOption {
	return func(v *Verifier) { v.keys.client = c }
}

// WithJWKSTTL sets how long fetched keys are trusted before refetching.
func WithJWKSTTL(ttl time.Duration) VerifierOption {
	return func(v *Verifier) { v.keys.ttl = ttl }
}

// WithJWKSMinRefetch sets the shortest interval between two fetches of the
// key set, however many unknown kids arrive in between.
func WithJWKSMinRefetch(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.keys.minRefetch = d }
}

// WithVerifierClock overrides the time source for expiry checks.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier for tokens issued by issuer for audience.
// An empty audience means the issuer, as on the service side. jwksURL is
// typically https://<host>/.well-known/jwks.json.
func NewVerifier(jwksURL, issuer, audience string, opts ...VerifierOption) *Verifier {
	if audience == "" {
		audience = issuer
	}
	v := &Verifier{
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
		keys: &jwksCache{
			url:    jwksURL,
			ttl:        defaultJWKSTTL,
			minRefetch: defaultMinJWKSRefetch,
			client:     &http.Client{Timeout: 10 * time.Second},
			keys:       make(map[string]*rsa.PublicKey),
		},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks signature, issuer, audience and expiry and returns the claims.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		return v.keys.getKey(ctx, kid, v.now())
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Address == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session claims", ErrInvalidToken)
	}
	return claims, nil
}

// jwksCache caches RSA public keys fetched from a JWKS endpoint.
type jwksCache struct {
	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time
	ttl         time.Duration
	minRefetch  time.Duration
	url         string
	client      *http.Client
}

// getKey returns the key for kid, refetching the set when it is stale or
// does not know kid. Fetches are at least minRefetch apart; in between, a
// stale key is still served and an unknown kid fails.
func (c *jwksCache) getKey(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error) {
	c.mu.RLock()
	if key, ok := c.keys[kid]; ok && now.Sub(c.fetchedAt) < c.ttl {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && now.Sub(c.fetchedAt) < c.ttl {
		return key, nil
	}

	if !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.minRefetch {
		if key, ok := c.keys[kid]; ok {
			return key, nil
		}
		return nil, fmt.Errorf("%w: key %q not found", ErrJWKS, kid)
	}
	c.lastAttempt = now

	if err := c.fetch(ctx, now); err != nil {
		return nil, err
	}

	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrJWKS, kid)
	}
	return key, nil
}

// fetch must be called with the write lock held.
func (c *jwksCache) fetch(ctx context.Context, now time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJWKS, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJWKS, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: endpoint returned %d", ErrJWKS, resp.StatusCode)
	}

	var doc struct {
		Keys []jwkKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("%w: %w", ErrJWKS, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	c.keys = keys
	c.fetchedAt = now
	return nil
}

type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jwkKey) publicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() {
		return nil, fmt.Errorf("RSA exponent too large")
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}
