package keys

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ContentHash returns the deterministic content-addressed id for a serialized
// payload: SHA-256, base64url without padding. Pool record dedup and
// idempotent fanout depend on this being stable across implementations.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return b64.EncodeToString(sum[:])
}

// DeriveKey expands secret into a 256-bit key with HKDF-SHA256 under the
// given salt and domain-separation label.
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}
