package credential

import (
	"crypto/ecdsa"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sideshow/apns2/token"
)

// ES256Signer signs with an Apple .p8 auth key.
type ES256Signer struct {
	key *ecdsa.PrivateKey
}

// NewES256Signer wraps an already parsed key.
func NewES256Signer(key *ecdsa.PrivateKey) *ES256Signer {
	return &ES256Signer{key: key}
}

// NewES256SignerFromP8 parses the PEM content of a .p8 file.
// It fails fast so bad credentials surface at startup.
func NewES256SignerFromP8(p8 []byte) (*ES256Signer, error) {
	key, err := token.AuthKeyFromBytes(p8)
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}
	return &ES256Signer{key: key}, nil
}

// NewES256SignerFromFile reads and parses a .p8 file.
func NewES256SignerFromFile(path string) (*ES256Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read APNs P8 key: %w", err)
	}
	return NewES256SignerFromP8(data)
}

// Sign returns the raw r||s signature over data.
func (s *ES256Signer) Sign(data []byte) ([]byte, error) {
	if s.key == nil {
		return nil, token.ErrAuthKeyNil
	}
	encoded, err := jwt.SigningMethodES256.Sign(string(data), s.key)
	if err != nil {
		return nil, err
	}
	return jwt.DecodeSegment(encoded)
}
