package service

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/siwe-auth/adapters/jwk"
	"github.com/layer-3/siwe-auth/adapters/store"
	"github.com/layer-3/siwe-auth/adapters/verifier"
	"github.com/layer-3/siwe-auth/core"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testIssuer  = "auth-service"
	testChainID = 11155931
)

var (
	keyPairOnce sync.Once
	keyPair     jwk.KeyPair
)

func testKeyPair(t *testing.T) jwk.KeyPair {
	t.Helper()
	keyPairOnce.Do(func() {
		kp, err := jwk.GenerateKeyPair(jwk.DefaultKeyBits)
		if err != nil {
			panic(err)
		}
		keyPair = kp
	})
	return keyPair
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []core.SessionEvent
	err    error
}

func (p *recordingPublisher) PublishSessionEvent(_ context.Context, event core.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Events() []core.SessionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.SessionEvent(nil), p.events...)
}

type fixture struct {
	svc     *AuthService
	store   *store.MemoryStore
	keys    *jwk.KeyManager
	clock   *testClock
	events  *recordingPublisher
	wallet  *ecdsa.PrivateKey
	address common.Address
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	clock := &testClock{now: time.Date(2025, 11, 10, 10, 0, 0, 0, time.UTC)}

	keys := jwk.NewKeyManager(testKeyPair(t), testIssuer, jwk.WithClock(clock.Now))
	require.NoError(t, keys.Initialize())

	st := store.NewMemoryStore(store.WithClock(clock.Now), store.WithSweepInterval(0))
	require.NoError(t, st.Connect(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	wallet, err := crypto.GenerateKey()
	require.NoError(t, err)

	events := &recordingPublisher{}
	opts = append([]Option{WithClock(clock.Now)}, opts...)

	svc, err := NewAuthService(keys, st, verifier.NewVerifier(zap.NewNop()), events, zap.NewNop(), opts...)
	require.NoError(t, err)

	return &fixture{
		svc:     svc,
		store:   st,
		keys:    keys,
		clock:   clock,
		events:  events,
		wallet:  wallet,
		address: crypto.PubkeyToAddress(wallet.PublicKey),
	}
}

// signIn builds a challenge for nonce and signs it with signer.
func (f *fixture) signIn(t *testing.T, signer *ecdsa.PrivateKey, nonce string) (string, string) {
	t.Helper()

	msg := &core.Message{
		Domain:    "localhost",
		Address:   f.address.Hex(),
		Statement: "Sign in to the game",
		URI:       "http://localhost:8080",
		Version:   "1",
		ChainID:   testChainID,
		Nonce:     nonce,
		IssuedAt:  f.clock.Now(),
	}
	return signMessage(t, signer, msg)
}

func signMessage(t *testing.T, signer *ecdsa.PrivateKey, msg *core.Message) (string, string) {
	t.Helper()

	text := msg.String()
	sig, err := crypto.Sign(accounts.TextHash([]byte(text)), signer)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	return text, hexutil.Encode(sig)
}

// login runs the full nonce → verify flow for the fixture's wallet.
func (f *fixture) login(t *testing.T) *core.TokenPair {
	t.Helper()

	ctx := context.Background()
	nonce, err := f.svc.IssueNonce(ctx)
	require.NoError(t, err)

	message, signature := f.signIn(t, f.wallet, nonce)
	pair, err := f.svc.Verify(ctx, message, signature)
	require.NoError(t, err)
	return pair
}

func (f *fixture) session(t *testing.T, token string) *core.Session {
	t.Helper()

	verified, err := f.keys.Verify(token, "")
	if err != nil {
		verified, err = f.keys.VerifyExpired(token, "")
	}
	require.NoError(t, err)

	s, err := sessionFromClaims(verified.Claims)
	require.NoError(t, err)
	return s
}

func (f *fixture) currentSessionID(t *testing.T) string {
	t.Helper()
	id, err := f.store.Get(context.Background(), sessionKey(f.address.Hex()))
	require.NoError(t, err)
	return id
}

// unavailableStore fails every call the way RedisStore does when Redis is down.
type unavailableStore struct{}

func (unavailableStore) fail(op string) error {
	return fmt.Errorf("%w: %s: connection refused", core.ErrStoreUnavailable, op)
}

func (s unavailableStore) Connect(context.Context) error { return s.fail("ping") }
func (s unavailableStore) Get(context.Context, string) (string, error) {
	return "", s.fail("get")
}
func (s unavailableStore) Set(context.Context, string, string, time.Duration) error {
	return s.fail("set")
}
func (s unavailableStore) Exists(context.Context, string) (bool, error) {
	return false, s.fail("exists")
}
func (s unavailableStore) Delete(context.Context, string) (bool, error) {
	return false, s.fail("del")
}
func (s unavailableStore) DeleteIfEqual(context.Context, string, string) (bool, error) {
	return false, s.fail("delifeq")
}
func (s unavailableStore) IncrementBy(context.Context, string, int64) (int64, error) {
	return 0, s.fail("incrby")
}
func (unavailableStore) Close() error { return nil }
