package jwk

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// DefaultKeyBits is the RSA modulus size used by GenerateKeyPair callers.
const DefaultKeyBits = 2048

// KeyPair is the on-disk key material: PEM encoded SPKI public key and
// PKCS#8 private key plus the key id advertised in token headers.
type KeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
	Kid        string `json:"kid"`
	CreatedAt  string `json:"createdAt"`
}

// LoadKeyPair reads a key pair from a JSON file.
func LoadKeyPair(path string) (KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to read keys file: %w", err)
	}
	return ParseKeyPair(data)
}

// ParseKeyPair decodes a JSON key pair document.
func ParseKeyPair(data []byte) (KeyPair, error) {
	var kp KeyPair
	if err := json.Unmarshal(data, &kp); err != nil {
		return KeyPair{}, fmt.Errorf("failed to parse keys file: %w", err)
	}
	return kp, nil
}

// GenerateKeyPair creates a fresh RSA key pair with a random key id.
func GenerateKeyPair(bits int) (KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate rsa key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return KeyPair{
		PublicKey:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKey: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		Kid:        uuid.NewString(),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}, nil
}
