package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/siwe-auth/adapters/verifier"
	"github.com/layer-3/siwe-auth/core"
	"github.com/layer-3/siwe-auth/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func assertUnauthorized(t *testing.T, err error, kind error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, "unauthorized", err.Error())
	assert.True(t, errors.Is(err, core.ErrUnauthorized))
	assert.True(t, errors.Is(err, kind), "expected %v, got reason %s", kind, core.Reason(err))
}

func TestIssueNonce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.IssueNonce(ctx)
	require.NoError(t, err)
	b, err := f.svc.IssueNonce(ctx)
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)

	exists, err := f.store.Exists(ctx, "siwe:nonce:"+a)
	require.NoError(t, err)
	assert.True(t, exists)

	f.clock.Advance(61 * time.Second)
	exists, err = f.store.Exists(ctx, "siwe:nonce:"+a)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestVerify_IssuesPairSharingSession(t *testing.T) {
	f := newFixture(t)

	pair := f.login(t)
	assert.Equal(t, f.keys.KeyID(), pair.Kid)
	assert.Equal(t, testIssuer, pair.Issuer)

	access := f.session(t, pair.AccessToken)
	refresh := f.session(t, pair.RefreshToken)

	assert.Equal(t, access.ID, refresh.ID)
	assert.Equal(t, f.address.Hex(), access.Address)
	assert.Equal(t, int64(testChainID), access.ChainID)
	assert.True(t, access.SamePair(refresh))
	assert.Equal(t, time.Hour, access.ExpiresAt.Sub(access.IssuedAt))
	assert.Equal(t, 7*24*time.Hour, refresh.ExpiresAt.Sub(refresh.IssuedAt))

	assert.Equal(t, access.ID, f.currentSessionID(t))

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, core.SessionIssued, events[0].Type)
	assert.Equal(t, access.ID, events[0].SessionID)
	assert.Empty(t, events[0].Previous)
}

func TestVerify_UnknownNonce(t *testing.T) {
	f := newFixture(t)

	message, signature := f.signIn(t, f.wallet, "neverissued")
	_, err := f.svc.Verify(context.Background(), message, signature)
	assertUnauthorized(t, err, core.ErrInvalidNonce)
}

func TestVerify_ExpiredNonce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Set(ctx, nonceKey("abc123"), "1", DefaultNonceTTL))
	message, signature := f.signIn(t, f.wallet, "abc123")

	f.clock.Advance(61 * time.Second)

	_, err := f.svc.Verify(ctx, message, signature)
	assertUnauthorized(t, err, core.ErrInvalidNonce)
	assert.Empty(t, f.events.Events())
}

func TestVerify_NonceStillValidBeforeTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Set(ctx, nonceKey("abc123"), "1", DefaultNonceTTL))
	message, signature := f.signIn(t, f.wallet, "abc123")

	f.clock.Advance(59 * time.Second)

	_, err := f.svc.Verify(ctx, message, signature)
	assert.NoError(t, err)
}

func TestVerify_WrongSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	nonce, err := f.svc.IssueNonce(ctx)
	require.NoError(t, err)

	message, signature := f.signIn(t, other, nonce)
	_, err = f.svc.Verify(ctx, message, signature)
	assertUnauthorized(t, err, core.ErrInvalidSignature)
	assert.False(t, errors.Is(err, core.ErrStoreUnavailable))

	_, err = f.svc.Verify(ctx, message, "0xdeadbeef")
	assertUnauthorized(t, err, core.ErrInvalidSignature)

	exists, err := f.store.Exists(ctx, sessionKey(f.address.Hex()))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestVerify_MalformedMessage(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Verify(context.Background(), "not a sign-in message", "0x00")
	assertUnauthorized(t, err, core.ErrMalformedMessage)
}

func TestVerify_MessageOutsideValidityWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nonce, err := f.svc.IssueNonce(ctx)
	require.NoError(t, err)

	expired := f.clock.Now().Add(-time.Minute)
	message, signature := signMessage(t, f.wallet, &core.Message{
		Domain:         "localhost",
		Address:        f.address.Hex(),
		URI:            "http://localhost:8080",
		Version:        "1",
		ChainID:        testChainID,
		Nonce:          nonce,
		IssuedAt:       f.clock.Now().Add(-time.Hour),
		ExpirationTime: &expired,
	})

	_, err = f.svc.Verify(ctx, message, signature)
	assertUnauthorized(t, err, core.ErrMessageExpired)
}

func TestVerify_LegacyNonceReplayWithinTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nonce, err := f.svc.IssueNonce(ctx)
	require.NoError(t, err)
	message, signature := f.signIn(t, f.wallet, nonce)

	_, err = f.svc.Verify(ctx, message, signature)
	require.NoError(t, err)

	// Without nonce consumption the same signed message is accepted again
	// until the nonce expires.
	_, err = f.svc.Verify(ctx, message, signature)
	assert.NoError(t, err)
}

func TestVerify_ConsumeNonceRejectsReplay(t *testing.T) {
	f := newFixture(t, WithConsumeNonce(true))
	ctx := context.Background()

	nonce, err := f.svc.IssueNonce(ctx)
	require.NoError(t, err)
	message, signature := f.signIn(t, f.wallet, nonce)

	_, err = f.svc.Verify(ctx, message, signature)
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, message, signature)
	assertUnauthorized(t, err, core.ErrInvalidNonce)
}

func TestVerify_ConsumeNonceKeepsNonceOnBadSignature(t *testing.T) {
	f := newFixture(t, WithConsumeNonce(true))
	ctx := context.Background()

	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	nonce, err := f.svc.IssueNonce(ctx)
	require.NoError(t, err)

	message, signature := f.signIn(t, other, nonce)
	_, err = f.svc.Verify(ctx, message, signature)
	assertUnauthorized(t, err, core.ErrInvalidSignature)

	message, signature = f.signIn(t, f.wallet, nonce)
	_, err = f.svc.Verify(ctx, message, signature)
	assert.NoError(t, err)
}

func TestVerify_ConcurrentReplayWithConsumeNonceAdmitsOne(t *testing.T) {
	f := newFixture(t, WithConsumeNonce(true))
	ctx := context.Background()

	nonce, err := f.svc.IssueNonce(ctx)
	require.NoError(t, err)
	message, signature := f.signIn(t, f.wallet, nonce)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Verify(ctx, message, signature); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestVerify_SecondLoginReplacesSession(t *testing.T) {
	f := newFixture(t)

	first := f.session(t, f.login(t).RefreshToken)
	second := f.session(t, f.login(t).RefreshToken)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, second.ID, f.currentSessionID(t))
}

func TestVerify_ConcurrentLoginsLastWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 10
	tokens := make(chan string, workers)

	var wg sync.WaitGroup
	for range workers {
		nonce, err := f.svc.IssueNonce(ctx)
		require.NoError(t, err)
		message, signature := f.signIn(t, f.wallet, nonce)

		wg.Add(1)
		go func() {
			defer wg.Done()
			pair, err := f.svc.Verify(ctx, message, signature)
			if assert.NoError(t, err) {
				tokens <- pair.RefreshToken
			}
		}()
	}
	wg.Wait()
	close(tokens)

	issued := make(map[string]bool)
	for token := range tokens {
		issued[f.session(t, token).ID] = true
	}
	assert.Len(t, issued, workers)
	assert.True(t, issued[f.currentSessionID(t)])
}

func TestVerifyRefreshToken_RotatesExactlyOnce(t *testing.T) {
	f := newFixture(t, WithStrictRotation(true))
	ctx := context.Background()

	pair := f.login(t)
	old := f.session(t, pair.RefreshToken)

	f.clock.Advance(time.Hour + time.Second)

	rotated, err := f.svc.VerifyRefreshToken(ctx, pair.AccessToken, pair.RefreshToken)
	require.NoError(t, err)

	next := f.session(t, rotated.RefreshToken)
	assert.NotEqual(t, old.ID, next.ID)
	assert.Equal(t, old.Address, next.Address)
	assert.Equal(t, old.ChainID, next.ChainID)
	assert.Equal(t, next.ID, f.session(t, rotated.AccessToken).ID)
	assert.Equal(t, next.ID, f.currentSessionID(t))

	events := f.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, core.SessionRotated, events[1].Type)
	assert.Equal(t, old.ID, events[1].Previous)
	assert.Equal(t, next.ID, events[1].SessionID)

	_, err = f.svc.VerifyRefreshToken(ctx, pair.AccessToken, pair.RefreshToken)
	assertUnauthorized(t, err, core.ErrSessionSuperseded)
}

// lockstepStore holds the first n session reads until all of them have
// happened, so concurrent rotations all see the same stored session.
type lockstepStore struct {
	ports.Store
	reads   atomic.Int32
	n       int32
	arrived sync.WaitGroup
}

func newLockstepStore(inner ports.Store, n int) *lockstepStore {
	s := &lockstepStore{Store: inner, n: int32(n)}
	s.arrived.Add(n)
	return s
}

func (s *lockstepStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.Store.Get(ctx, key)
	if strings.HasPrefix(key, sessionKeyPrefix) && s.reads.Add(1) <= s.n {
		s.arrived.Done()
		s.arrived.Wait()
	}
	return v, err
}

func TestVerifyRefreshToken_StrictInterleavedRotations(t *testing.T) {
	f := newFixture(t, WithStrictRotation(true))
	ctx := context.Background()

	pair := f.login(t)
	f.clock.Advance(time.Hour + time.Second)

	const racers = 2
	f.svc.store = newLockstepStore(f.store, racers)

	type result struct {
		pair *core.TokenPair
		err  error
	}
	results := make(chan result, racers)

	var wg sync.WaitGroup
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rotated, err := f.svc.VerifyRefreshToken(ctx, pair.AccessToken, pair.RefreshToken)
			results <- result{pair: rotated, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var winners []*core.TokenPair
	for r := range results {
		if r.err == nil {
			winners = append(winners, r.pair)
			continue
		}
		assertUnauthorized(t, r.err, core.ErrSessionSuperseded)
	}

	require.Len(t, winners, 1, "one refresh token rotates once")
	assert.Equal(t, f.session(t, winners[0].RefreshToken).ID, f.currentSessionID(t))
}

func TestVerifyRefreshToken_LegacyExistenceCheckAcceptsSupersededPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair := f.login(t)
	f.clock.Advance(time.Hour + time.Second)

	_, err := f.svc.VerifyRefreshToken(ctx, pair.AccessToken, pair.RefreshToken)
	require.NoError(t, err)

	// Only the existence of some session is checked, so the consumed pair
	// rotates a second time.
	_, err = f.svc.VerifyRefreshToken(ctx, pair.AccessToken, pair.RefreshToken)
	assert.NoError(t, err)
}

func TestVerifyRefreshToken_StaleSessionRejected(t *testing.T) {
	f := newFixture(t, WithStrictRotation(true))
	ctx := context.Background()

	stale := f.login(t)
	current := f.login(t)

	f.clock.Advance(time.Hour + time.Second)

	_, err := f.svc.VerifyRefreshToken(ctx, stale.AccessToken, stale.RefreshToken)
	assertUnauthorized(t, err, core.ErrSessionSuperseded)

	_, err = f.svc.VerifyRefreshToken(ctx, current.AccessToken, current.RefreshToken)
	assert.NoError(t, err)
}

func TestVerifyRefreshToken_LegacyExistenceCheckAcceptsStaleSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.login(t)
	f.login(t)

	f.clock.Advance(time.Hour + time.Second)

	_, err := f.svc.VerifyRefreshToken(ctx, stale.AccessToken, stale.RefreshToken)
	assert.NoError(t, err)
}

func TestVerifyRefreshToken_AccessTokenStillValid(t *testing.T) {
	f := newFixture(t)

	pair := f.login(t)
	_, err := f.svc.VerifyRefreshToken(context.Background(), pair.AccessToken, pair.RefreshToken)
	assertUnauthorized(t, err, core.ErrVerify)
}

func TestVerifyRefreshToken_RefreshTokenExpired(t *testing.T) {
	f := newFixture(t)

	pair := f.login(t)
	f.clock.Advance(7*24*time.Hour + time.Second)

	_, err := f.svc.VerifyRefreshToken(context.Background(), pair.AccessToken, pair.RefreshToken)
	assertUnauthorized(t, err, core.ErrVerify)
}

func TestVerifyRefreshToken_MixedPair(t *testing.T) {
	f := newFixture(t)

	first := f.login(t)
	second := f.login(t)
	f.clock.Advance(time.Hour + time.Second)

	_, err := f.svc.VerifyRefreshToken(context.Background(), first.AccessToken, second.RefreshToken)
	assertUnauthorized(t, err, core.ErrPairMismatch)
}

func TestVerifyRefreshToken_SwappedTokens(t *testing.T) {
	f := newFixture(t)

	pair := f.login(t)
	f.clock.Advance(time.Hour + time.Second)

	_, err := f.svc.VerifyRefreshToken(context.Background(), pair.RefreshToken, pair.AccessToken)
	assertUnauthorized(t, err, core.ErrVerify)
}

func TestVerifyRefreshToken_NoSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair := f.login(t)
	f.clock.Advance(time.Hour + time.Second)

	deleted, err := f.store.Delete(ctx, sessionKey(f.address.Hex()))
	require.NoError(t, err)
	require.True(t, deleted)

	_, err = f.svc.VerifyRefreshToken(ctx, pair.AccessToken, pair.RefreshToken)
	assertUnauthorized(t, err, core.ErrSessionNotFound)
}

func TestVerifyRefreshToken_Garbage(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.VerifyRefreshToken(context.Background(), "a.b.c", "not-a-token")
	assertUnauthorized(t, err, core.ErrVerify)
}

func TestValidateAccessToken(t *testing.T) {
	f := newFixture(t, WithStrictRotation(true))
	ctx := context.Background()

	pair := f.login(t)

	session, err := f.svc.ValidateAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.address.Hex(), session.Address)

	f.login(t)
	_, err = f.svc.ValidateAccessToken(ctx, pair.AccessToken)
	assertUnauthorized(t, err, core.ErrSessionSuperseded)

	f.clock.Advance(time.Hour + time.Second)
	_, err = f.svc.ValidateAccessToken(ctx, pair.AccessToken)
	assertUnauthorized(t, err, core.ErrVerify)
}

func TestIntrospectToken(t *testing.T) {
	f := newFixture(t)

	pair := f.login(t)

	claims, err := f.svc.IntrospectToken(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, f.address.Hex(), claims["address"])
	assert.Equal(t, f.address.Hex(), claims["sub"])
	assert.Equal(t, testIssuer, claims["iss"])

	_, err = f.svc.IntrospectToken("garbage")
	assertUnauthorized(t, err, core.ErrVerify)
}

func TestPublishFailureDoesNotFailVerify(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("broker down")

	pair := f.login(t)
	assert.NotEmpty(t, pair.AccessToken)
	assert.Len(t, f.events.Events(), 1)
}

func TestStoreUnavailable(t *testing.T) {
	keys := newFixture(t).keys
	svc, err := NewAuthService(keys, unavailableStore{}, verifier.NewVerifier(zap.NewNop()), nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.IssueNonce(ctx)
	assert.True(t, errors.Is(err, core.ErrStoreUnavailable))

	wallet, err := crypto.GenerateKey()
	require.NoError(t, err)
	message, signature := signMessage(t, wallet, &core.Message{
		Domain:   "localhost",
		Address:  crypto.PubkeyToAddress(wallet.PublicKey).Hex(),
		URI:      "http://localhost:8080",
		Version:  "1",
		ChainID:  testChainID,
		Nonce:    "abc123",
		IssuedAt: time.Now(),
	})

	_, err = svc.Verify(ctx, message, signature)
	assert.True(t, errors.Is(err, core.ErrStoreUnavailable))
	assert.False(t, errors.Is(err, core.ErrUnauthorized))
}

func TestNewAuthService_RejectsBadLifetimes(t *testing.T) {
	f := newFixture(t)

	_, err := NewAuthService(f.keys, f.store, nil, nil, zap.NewNop(), WithTokenTTLs("1h", "never"))
	assert.Error(t, err)

	_, err = NewAuthService(f.keys, f.store, nil, nil, zap.NewNop(), WithTokenTTLs("0s", "1w"))
	assert.Error(t, err)

	_, err = NewAuthService(f.keys, f.store, nil, nil, zap.NewNop(), WithNonceTTL(0))
	assert.Error(t, err)
}
