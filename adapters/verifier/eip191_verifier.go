// Package verifier checks wallet signatures over sign-in messages. Externally
// owned accounts are verified by public key recovery (EIP-191); contract
// wallets are asked through ERC-1271 on the chain named in the message.
package verifier

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/layer-3/siwe-auth/core"
	"github.com/layer-3/siwe-auth/ports"
	"go.uber.org/zap"
)

const erc1271JSON = `[{"inputs":[{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],"name":"isValidSignature","outputs":[{"name":"magicValue","type":"bytes4"}],"stateMutability":"view","type":"function"}]`

var (
	erc1271ABI   = mustParseABI(erc1271JSON)
	erc1271Magic = []byte{0x16, 0x26, 0xba, 0x7e}
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ContractCaller performs read-only contract calls; *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Verifier implements ports.SignatureVerifier.
type Verifier struct {
	callers map[int64]ContractCaller
	logger  *zap.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithContractCaller enables ERC-1271 checks for chainID.
func WithContractCaller(chainID int64, caller ContractCaller) Option {
	return func(v *Verifier) {
		v.callers[chainID] = caller
	}
}

// NewVerifier creates a verifier. Without contract callers only EOAs verify.
func NewVerifier(logger *zap.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		callers: make(map[int64]ContractCaller),
		logger:  logger.Named("verifier"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// DialRPC connects to one JSON-RPC endpoint per chain id. The returned
// closer releases every client.
func DialRPC(ctx context.Context, endpoints map[int64]string) ([]Option, func(), error) {
	var (
		opts    []Option
		clients []*ethclient.Client
	)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	for chainID, url := range endpoints {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to dial rpc for chain %d: %w", chainID, err)
		}
		clients = append(clients, client)
		opts = append(opts, WithContractCaller(chainID, client))
	}

	return opts, closeAll, nil
}

// Verify reports whether req.Signature was produced by req.Address over
// req.Message. Every internal error yields false.
func (v *Verifier) Verify(ctx context.Context, req ports.VerifyRequest) bool {
	log := v.logger.With(zap.String("address", req.Address), zap.Int64("chain_id", req.ChainID))

	msg, err := core.ParseMessage(req.Message)
	if err != nil {
		log.Debug("message does not parse", zap.Error(err))
		return false
	}
	if !common.IsHexAddress(req.Address) || msg.Address != common.HexToAddress(req.Address).Hex() ||
		msg.Nonce != req.Nonce || msg.ChainID != req.ChainID {
		log.Debug("request does not match message")
		return false
	}

	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		log.Debug("signature is not hex", zap.Error(err))
		return false
	}

	address := common.HexToAddress(req.Address)
	hash := accounts.TextHash([]byte(req.Message))

	if recovered, ok := recoverSigner(hash, sig); ok && recovered == address {
		return true
	}

	caller, ok := v.callers[req.ChainID]
	if !ok {
		return false
	}

	valid, err := isValidSignature(ctx, caller, address, hash, sig)
	if err != nil {
		log.Debug("erc1271 call failed", zap.Error(err))
		return false
	}
	return valid
}

// recoverSigner returns the EOA behind a 65 byte [R || S || V] signature.
func recoverSigner(hash, sig []byte) (common.Address, bool) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, false
	}

	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(*pub), true
}

func isValidSignature(ctx context.Context, caller ContractCaller, wallet common.Address, hash, sig []byte) (bool, error) {
	var digest [32]byte
	copy(digest[:], hash)

	data, err := erc1271ABI.Pack("isValidSignature", digest, sig)
	if err != nil {
		return false, fmt.Errorf("failed to pack call: %w", err)
	}

	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &wallet, Data: data}, nil)
	if err != nil {
		return false, err
	}
	if len(out) < len(erc1271Magic) {
		return false, nil
	}
	return bytes.Equal(out[:len(erc1271Magic)], erc1271Magic), nil
}

var _ ports.SignatureVerifier = (*Verifier)(nil)
