package core

import "time"

// Session is the decoded content shared by an access/refresh token pair.
type Session struct {
	ID        string    // Rotating session identifier, one live value per address
	Address   string    // EIP-55 checksummed wallet address
	ChainID   int64     // Chain the challenge was signed for
	IssuedAt  time.Time // Token issue time
	ExpiresAt time.Time // Token expiry
}

// SamePair reports whether two decoded tokens belong to the same issued pair.
func (s *Session) SamePair(other *Session) bool {
	return s.Address == other.Address &&
		s.ChainID == other.ChainID &&
		s.ID == other.ID
}

// TokenPair is returned by a successful verification or rotation.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Kid          string `json:"kid"`
	Issuer       string `json:"issuer"`
}

// SessionEventType distinguishes session lifecycle events.
type SessionEventType string

const (
	SessionIssued  SessionEventType = "session.issued"
	SessionRotated SessionEventType = "session.rotated"
)

// SessionEvent is published whenever a session lineage starts or rotates.
type SessionEvent struct {
	Type       SessionEventType `json:"type"`
	Address    string           `json:"address"`
	ChainID    int64            `json:"chainId"`
	SessionID  string           `json:"sessionId"`
	Previous   string           `json:"previousSessionId,omitempty"`
	OccurredAt time.Time        `json:"occurredAt"`
}
