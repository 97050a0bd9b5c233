package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/layer-3/siwe-auth/core"
	"github.com/layer-3/siwe-auth/internal/metrics"
	"github.com/layer-3/siwe-auth/ports"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	nonceKeyPrefix   = "siwe:nonce:"
	sessionKeyPrefix = "refresh_token:"

	DefaultNonceTTL   = 60 * time.Second
	DefaultAccessTTL  = "1h"
	DefaultRefreshTTL = "1w"
)

func nonceKey(nonce string) string     { return nonceKeyPrefix + nonce }
func sessionKey(address string) string { return sessionKeyPrefix + address }

// AuthService handles authentication business logic: nonces, signed
// challenge verification and refresh token rotation.
type AuthService struct {
	keys     ports.KeyManager
	store    ports.Store
	verifier ports.SignatureVerifier
	eventPub ports.EventPublisher
	logger   *zap.Logger
	now      func() time.Time

	nonceTTL   time.Duration
	accessTTL  string
	refreshTTL string
	sessionTTL time.Duration
	audience   string

	consumeNonce   bool
	strictRotation bool
}

// Option configures an AuthService.
type Option func(*AuthService)

// WithNonceTTL sets how long an issued nonce stays usable.
func WithNonceTTL(ttl time.Duration) Option {
	return func(s *AuthService) { s.nonceTTL = ttl }
}

// WithTokenTTLs sets the access and refresh token lifetimes ("1h", "1w").
func WithTokenTTLs(access, refresh string) Option {
	return func(s *AuthService) {
		s.accessTTL = access
		s.refreshTTL = refresh
	}
}

// WithAudience sets the aud claim. Empty means the issuer.
func WithAudience(audience string) Option {
	return func(s *AuthService) { s.audience = audience }
}

// WithConsumeNonce deletes a nonce once its signature has been accepted.
func WithConsumeNonce(enabled bool) Option {
	return func(s *AuthService) { s.consumeNonce = enabled }
}

// WithStrictRotation requires a refresh token's session id to equal the
// address' current one, instead of only requiring that some session exists.
func WithStrictRotation(enabled bool) Option {
	return func(s *AuthService) { s.strictRotation = enabled }
}

// WithClock overrides the time source used for message validity and events.
func WithClock(now func() time.Time) Option {
	return func(s *AuthService) { s.now = now }
}

// NewAuthService creates a new authentication service. eventPub may be nil.
func NewAuthService(
	keys ports.KeyManager,
	store ports.Store,
	verifier ports.SignatureVerifier,
	eventPub ports.EventPublisher,
	logger *zap.Logger,
	opts ...Option,
) (*AuthService, error) {
	s := &AuthService{
		keys:       keys,
		store:      store,
		verifier:   verifier,
		eventPub:   eventPub,
		logger:     logger.Named("auth"),
		now:        time.Now,
		nonceTTL:   DefaultNonceTTL,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.nonceTTL <= 0 {
		return nil, fmt.Errorf("invalid nonce ttl %s", s.nonceTTL)
	}
	if _, err := core.ParseDuration(s.accessTTL); err != nil {
		return nil, fmt.Errorf("access ttl: %w", err)
	}
	sessionTTL, err := core.ParseDuration(s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("refresh ttl: %w", err)
	}
	s.sessionTTL = sessionTTL

	return s, nil
}

// IssueNonce generates a random nonce and stores it for the nonce TTL.
func (s *AuthService) IssueNonce(ctx context.Context) (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)

	if err := s.store.Set(ctx, nonceKey(nonce), "1", s.nonceTTL); err != nil {
		return "", err
	}

	metrics.NoncesIssuedTotal.Inc()
	return nonce, nil
}

// Verify checks a signed sign-in message and starts a new session for its
// address, replacing any existing one. Protocol failures are returned as
// core.AuthError; store failures are returned as they are.
func (s *AuthService) Verify(ctx context.Context, message, signature string) (*core.TokenPair, error) {
	pair, err := s.verify(ctx, message, signature)
	if err != nil {
		s.reject("verify", err)
		return nil, err
	}
	return pair, nil
}

func (s *AuthService) verify(ctx context.Context, message, signature string) (*core.TokenPair, error) {
	msg, err := core.ParseMessage(message)
	if err != nil {
		return nil, core.Unauthorized(err)
	}
	if !msg.ValidAt(s.now()) {
		return nil, core.Unauthorized(core.ErrMessageExpired)
	}

	exists, err := s.store.Exists(ctx, nonceKey(msg.Nonce))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, core.Unauthorized(core.ErrInvalidNonce)
	}

	ok := s.verifier.Verify(ctx, ports.VerifyRequest{
		Address:   msg.Address,
		ChainID:   msg.ChainID,
		Message:   message,
		Signature: signature,
		Nonce:     msg.Nonce,
	})
	if !ok {
		return nil, core.Unauthorized(core.ErrInvalidSignature)
	}

	if s.consumeNonce {
		deleted, err := s.store.Delete(ctx, nonceKey(msg.Nonce))
		if err != nil {
			return nil, err
		}
		// A concurrent verify of the same nonce got there first.
		if !deleted {
			return nil, core.Unauthorized(core.ErrInvalidNonce)
		}
	}

	session, pair, err := s.startSession(ctx, msg.Address, msg.ChainID)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, core.SessionEvent{
		Type:       core.SessionIssued,
		Address:    session.Address,
		ChainID:    session.ChainID,
		SessionID:  session.ID,
		OccurredAt: s.now(),
	})

	s.logger.Info("session issued",
		zap.String("address", session.Address),
		zap.Int64("chain_id", session.ChainID),
		zap.String("session_id", session.ID))

	return pair, nil
}

// VerifyRefreshToken rotates a session. accessToken must be expired and
// refreshToken still valid, both from the same issued pair.
func (s *AuthService) VerifyRefreshToken(ctx context.Context, accessToken, refreshToken string) (*core.TokenPair, error) {
	pair, err := s.rotate(ctx, accessToken, refreshToken)
	if err != nil {
		s.reject("refresh", err)
		return nil, err
	}
	return pair, nil
}

func (s *AuthService) rotate(ctx context.Context, accessToken, refreshToken string) (*core.TokenPair, error) {
	var access, refresh *core.Session

	g := new(errgroup.Group)
	g.Go(func() error {
		verified, err := s.keys.VerifyExpired(accessToken, s.audience)
		if err != nil {
			return err
		}
		access, err = sessionFromClaims(verified.Claims)
		return err
	})
	g.Go(func() error {
		verified, err := s.keys.Verify(refreshToken, s.audience)
		if err != nil {
			return err
		}
		refresh, err = sessionFromClaims(verified.Claims)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, core.Unauthorized(err)
	}

	if !access.SamePair(refresh) {
		return nil, core.Unauthorized(core.ErrPairMismatch)
	}

	key := sessionKey(refresh.Address)
	if err := s.checkCurrentSession(ctx, key, refresh.ID); err != nil {
		return nil, err
	}

	if err := s.endSession(ctx, key, refresh.ID); err != nil {
		return nil, err
	}

	session, pair, err := s.startSession(ctx, refresh.Address, refresh.ChainID)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, core.SessionEvent{
		Type:       core.SessionRotated,
		Address:    session.Address,
		ChainID:    session.ChainID,
		SessionID:  session.ID,
		Previous:   refresh.ID,
		OccurredAt: s.now(),
	})

	s.logger.Info("session rotated",
		zap.String("address", session.Address),
		zap.String("session_id", session.ID),
		zap.String("previous_session_id", refresh.ID))

	return pair, nil
}

// checkCurrentSession requires a live session for the address. With strict
// rotation it must also be the one sessionID belongs to.
func (s *AuthService) checkCurrentSession(ctx context.Context, key, sessionID string) error {
	if !s.strictRotation {
		exists, err := s.store.Exists(ctx, key)
		if err != nil {
			return err
		}
		if !exists {
			return core.Unauthorized(core.ErrSessionNotFound)
		}
		return nil
	}

	current, err := s.store.Get(ctx, key)
	if errors.Is(err, core.ErrNotFound) {
		return core.Unauthorized(core.ErrSessionNotFound)
	}
	if err != nil {
		return err
	}
	if current != sessionID {
		return core.Unauthorized(core.ErrSessionSuperseded)
	}
	return nil
}

// endSession removes the address' session before a new one is started. With
// strict rotation the removal only succeeds while sessionID is still stored,
// so of two rotations racing on one pair exactly one gets past here.
func (s *AuthService) endSession(ctx context.Context, key, sessionID string) error {
	if !s.strictRotation {
		_, err := s.store.Delete(ctx, key)
		return err
	}

	deleted, err := s.store.DeleteIfEqual(ctx, key, sessionID)
	if err != nil {
		return err
	}
	if !deleted {
		return core.Unauthorized(core.ErrSessionSuperseded)
	}
	return nil
}

// startSession records a new session id for address and signs its token pair.
func (s *AuthService) startSession(ctx context.Context, address string, chainID int64) (*core.Session, *core.TokenPair, error) {
	now := s.now()
	session := &core.Session{
		ID:        uuid.New().String(),
		Address:   address,
		ChainID:   chainID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.sessionTTL),
	}

	if err := s.store.Set(ctx, sessionKey(address), session.ID, s.sessionTTL); err != nil {
		return nil, nil, err
	}

	payload := sessionClaims(session)

	access, err := s.keys.Sign(ports.SignRequest{
		Subject:   address,
		Payload:   payload,
		ExpiresIn: s.accessTTL,
		Audience:  s.audience,
	})
	if err != nil {
		return nil, nil, core.Unauthorized(fmt.Errorf("failed to create access token: %w", err))
	}

	refresh, err := s.keys.Sign(ports.SignRequest{
		Subject:   address,
		Payload:   payload,
		ExpiresIn: s.refreshTTL,
		Audience:  s.audience,
	})
	if err != nil {
		return nil, nil, core.Unauthorized(fmt.Errorf("failed to create refresh token: %w", err))
	}

	return session, &core.TokenPair{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		Kid:          access.Kid,
		Issuer:       s.keys.Issuer(),
	}, nil
}

// IntrospectToken verifies any token minted by this service and returns its claims.
func (s *AuthService) IntrospectToken(token string) (jwt.MapClaims, error) {
	verified, err := s.keys.Verify(token, s.audience)
	if err != nil {
		err = core.Unauthorized(err)
		s.reject("token", err)
		return nil, err
	}
	return verified.Claims, nil
}

// ValidateAccessToken verifies a bearer token and returns its session. With
// strict rotation the session must still be the address' current one.
func (s *AuthService) ValidateAccessToken(ctx context.Context, accessToken string) (*core.Session, error) {
	session, err := s.validateAccessToken(ctx, accessToken)
	if err != nil {
		s.reject("access", err)
		return nil, err
	}
	return session, nil
}

func (s *AuthService) validateAccessToken(ctx context.Context, accessToken string) (*core.Session, error) {
	verified, err := s.keys.Verify(accessToken, s.audience)
	if err != nil {
		return nil, core.Unauthorized(err)
	}

	session, err := sessionFromClaims(verified.Claims)
	if err != nil {
		return nil, core.Unauthorized(err)
	}

	if s.strictRotation {
		if err := s.checkCurrentSession(ctx, sessionKey(session.Address), session.ID); err != nil {
			return nil, err
		}
	}

	return session, nil
}

func (s *AuthService) publish(ctx context.Context, event core.SessionEvent) {
	metrics.SessionsTotal.WithLabelValues(string(event.Type)).Inc()

	if s.eventPub == nil {
		return
	}
	// The session is already stored; a lost event is not worth failing the request.
	if err := s.eventPub.PublishSessionEvent(ctx, event); err != nil {
		s.logger.Warn("failed to publish session event",
			zap.String("type", string(event.Type)),
			zap.String("address", event.Address),
			zap.Error(err))
	}
}

func (s *AuthService) reject(operation string, err error) {
	reason := core.Reason(err)
	metrics.AuthFailuresTotal.WithLabelValues(operation, reason).Inc()

	cause := err
	var authErr *core.AuthError
	if errors.As(err, &authErr) {
		cause = authErr.Cause
	}

	if errors.Is(err, core.ErrStoreUnavailable) {
		s.logger.Error("store unavailable", zap.String("operation", operation), zap.Error(cause))
		return
	}
	s.logger.Warn("authentication failed",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(cause))
}
