package service

import (
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/siwe-auth/core"
)

const (
	claimAddress   = "address"
	claimChainID   = "chainId"
	claimSessionID = "sessionId"
)

func sessionClaims(s *core.Session) map[string]any {
	return map[string]any{
		claimAddress:   s.Address,
		claimChainID:   s.ChainID,
		claimSessionID: s.ID,
	}
}

// sessionFromClaims decodes the session fields carried by both tokens of a pair.
func sessionFromClaims(claims jwt.MapClaims) (*core.Session, error) {
	address, _ := claims[claimAddress].(string)
	sessionID, _ := claims[claimSessionID].(string)
	if address == "" || sessionID == "" {
		return nil, fmt.Errorf("%w: missing session claims", core.ErrVerify)
	}

	var chainID int64
	switch v := claims[claimChainID].(type) {
	case json.Number:
		id, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: chain id: %v", core.ErrVerify, err)
		}
		chainID = id
	case float64:
		chainID = int64(v)
	default:
		return nil, fmt.Errorf("%w: missing chain id", core.ErrVerify)
	}

	s := &core.Session{
		ID:      sessionID,
		Address: address,
		ChainID: chainID,
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		s.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time
	}

	return s, nil
}
