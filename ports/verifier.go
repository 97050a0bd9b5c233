package ports

import "context"

// VerifyRequest carries everything a wallet signature check may need.
type VerifyRequest struct {
	Address   string
	ChainID   int64
	Message   string
	Signature string
	Nonce     string
}

// SignatureVerifier decides whether Signature was produced by Address over
// Message. Internal errors are reported as false.
type SignatureVerifier interface {
	Verify(ctx context.Context, req VerifyRequest) bool
}
