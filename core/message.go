package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const preambleSuffix = " wants you to sign in with your Ethereum account:"

const (
	fieldURI            = "URI"
	fieldVersion        = "Version"
	fieldChainID        = "Chain ID"
	fieldNonce          = "Nonce"
	fieldIssuedAt       = "Issued At"
	fieldExpirationTime = "Expiration Time"
	fieldNotBefore      = "Not Before"
	fieldRequestID      = "Request ID"
	fieldResources      = "Resources"
)

// Message is a parsed sign-in-with-ethereum (EIP-4361) challenge. It only
// lives for the duration of one verification.
type Message struct {
	Domain         string
	Address        string // EIP-55 checksummed
	Statement      string
	URI            string
	Version        string
	ChainID        int64
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime *time.Time
	NotBefore      *time.Time
	RequestID      string
	Resources      []string
}

// ParseMessage parses the textual challenge a wallet signed.
func ParseMessage(raw string) (*Message, error) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("%w: too short", ErrMalformedMessage)
	}

	domain, ok := strings.CutSuffix(lines[0], preambleSuffix)
	if !ok || domain == "" || strings.ContainsAny(domain, " \t") {
		return nil, fmt.Errorf("%w: invalid preamble", ErrMalformedMessage)
	}

	address := strings.TrimSpace(lines[1])
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: invalid address", ErrMalformedMessage)
	}

	m := &Message{
		Domain:  domain,
		Address: common.HexToAddress(address).Hex(),
	}

	seen := make(map[string]bool)
	inResources := false

	for _, line := range lines[2:] {
		if line == "" {
			continue
		}

		if inResources {
			if res, ok := strings.CutPrefix(line, "- "); ok {
				m.Resources = append(m.Resources, res)
				continue
			}
			inResources = false
		}

		key, value, isField := splitField(line)
		if !isField {
			if len(seen) > 0 || m.Statement != "" {
				return nil, fmt.Errorf("%w: unexpected line %q", ErrMalformedMessage, line)
			}
			m.Statement = line
			continue
		}

		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrMalformedMessage, key)
		}
		seen[key] = true

		if err := m.setField(key, value); err != nil {
			return nil, err
		}
		if key == fieldResources {
			inResources = true
		}
	}

	switch {
	case m.URI == "":
		return nil, fmt.Errorf("%w: missing URI", ErrMalformedMessage)
	case m.Version != "1":
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedMessage, m.Version)
	case m.ChainID <= 0:
		return nil, fmt.Errorf("%w: missing chain id", ErrMalformedMessage)
	case m.Nonce == "":
		return nil, fmt.Errorf("%w: missing nonce", ErrMalformedMessage)
	}

	return m, nil
}

func splitField(line string) (key, value string, ok bool) {
	if line == fieldResources+":" {
		return fieldResources, "", true
	}
	key, value, found := strings.Cut(line, ": ")
	if !found {
		return "", "", false
	}
	switch key {
	case fieldURI, fieldVersion, fieldChainID, fieldNonce, fieldIssuedAt,
		fieldExpirationTime, fieldNotBefore, fieldRequestID:
		return key, value, true
	}
	return "", "", false
}

func (m *Message) setField(key, value string) error {
	switch key {
	case fieldURI:
		m.URI = value
	case fieldVersion:
		m.Version = value
	case fieldChainID:
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: chain id: %v", ErrMalformedMessage, err)
		}
		m.ChainID = id
	case fieldNonce:
		if !isAlphanumeric(value) {
			return fmt.Errorf("%w: nonce must be alphanumeric", ErrMalformedMessage)
		}
		m.Nonce = value
	case fieldIssuedAt:
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return fmt.Errorf("%w: issued at: %v", ErrMalformedMessage, err)
		}
		m.IssuedAt = t
	case fieldExpirationTime:
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return fmt.Errorf("%w: expiration time: %v", ErrMalformedMessage, err)
		}
		m.ExpirationTime = &t
	case fieldNotBefore:
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return fmt.Errorf("%w: not before: %v", ErrMalformedMessage, err)
		}
		m.NotBefore = &t
	case fieldRequestID:
		m.RequestID = value
	}
	return nil
}

// ValidAt reports whether t falls inside the message's optional
// not-before/expiration window.
func (m *Message) ValidAt(t time.Time) bool {
	if m.ExpirationTime != nil && !t.Before(*m.ExpirationTime) {
		return false
	}
	if m.NotBefore != nil && t.Before(*m.NotBefore) {
		return false
	}
	return true
}

// String renders the message in the canonical EIP-4361 layout, which is the
// exact text a wallet is expected to sign.
func (m *Message) String() string {
	var b strings.Builder

	b.WriteString(m.Domain + preambleSuffix + "\n")
	b.WriteString(m.Address + "\n\n")
	if m.Statement != "" {
		b.WriteString(m.Statement + "\n")
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "%s: %s\n", fieldURI, m.URI)
	fmt.Fprintf(&b, "%s: %s\n", fieldVersion, m.Version)
	fmt.Fprintf(&b, "%s: %d\n", fieldChainID, m.ChainID)
	fmt.Fprintf(&b, "%s: %s\n", fieldNonce, m.Nonce)
	fmt.Fprintf(&b, "%s: %s", fieldIssuedAt, m.IssuedAt.UTC().Format(time.RFC3339))
	if m.ExpirationTime != nil {
		fmt.Fprintf(&b, "\n%s: %s", fieldExpirationTime, m.ExpirationTime.UTC().Format(time.RFC3339))
	}
	if m.NotBefore != nil {
		fmt.Fprintf(&b, "\n%s: %s", fieldNotBefore, m.NotBefore.UTC().Format(time.RFC3339))
	}
	if m.RequestID != "" {
		fmt.Fprintf(&b, "\n%s: %s", fieldRequestID, m.RequestID)
	}
	if len(m.Resources) > 0 {
		b.WriteString("\n" + fieldResources + ":")
		for _, r := range m.Resources {
			b.WriteString("\n- " + r)
		}
	}

	return b.String()
}

func isAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}
