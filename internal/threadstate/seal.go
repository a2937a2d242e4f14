// ABOUTME: HMAC seal over encoded snapshots so clients cannot edit embedded history.
// ABOUTME: Keys are derived from the configured secret with HKDF-SHA256.

package threadstate

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const sealKeyInfo = "taskagent thread-state seal v1"

var errBadSeal = errors.New("seal mismatch")

type sealer struct {
	key []byte
}

func newSealer(secret string) (*sealer, error) {
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(sealKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving seal key: %w", err)
	}
	return &sealer{key: key}, nil
}

func (s *sealer) sign(body []byte) (string, error) {
	sig, err := jwt.SigningMethodHS256.Sign(string(body), s.key)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

func (s *sealer) verify(body []byte, seal string) error {
	sig, err := base64.RawURLEncoding.DecodeString(seal)
	if err != nil {
		return fmt.Errorf("decoding seal: %w", err)
	}
	if err := jwt.SigningMethodHS256.Verify(string(body), sig, s.key); err != nil {
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return errBadSeal
		}
		return err
	}
	return nil
}
