package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// digest hashes the NFC-normalized, trimmed UTF-8 text. Browsers normalize
// before signing, so the server must normalize before verifying or signatures
// over composed vs decomposed input disagree.
func digest(text string) [32]byte {
	return sha256.Sum256([]byte(norm.NFC.String(strings.TrimSpace(text))))
}

// Sign signs text with a base64url-encoded P-256 private scalar and returns
// the raw r||s signature, base64url-encoded.
func Sign(text, priv string) (string, error) {
	d, err := b64.DecodeString(priv)
	if err != nil {
		return "", fmt.Errorf("decode signing key: %w", err)
	}
	curve := elliptic.P256()
	sk := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve},
		D:         new(big.Int).SetBytes(d),
	}
	if sk.D.Sign() == 0 || sk.D.Cmp(curve.Params().N) >= 0 {
		return "", fmt.Errorf("signing key out of range")
	}
	sk.X, sk.Y = curve.ScalarBaseMult(d)

	h := digest(text)
	r, s, err := ecdsa.Sign(rand.Reader, sk, h[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	sig := make([]byte, 2*coordSize)
	copy(sig[:coordSize], padCoord(r.Bytes()))
	copy(sig[coordSize:], padCoord(s.Bytes()))
	return b64.EncodeToString(sig), nil
}

// Verify reports whether sig is a valid signature over text by the holder of
// pub. It never returns an error for malformed input; bad input just fails
// verification, matching how the relay treats unauthenticated traffic.
func Verify(text, sig, pub string) bool {
	x, y, err := decodePoint(pub)
	if err != nil {
		return false
	}
	raw, err := b64.DecodeString(sig)
	if err != nil || len(raw) != 2*coordSize {
		return false
	}
	pk := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	r := new(big.Int).SetBytes(raw[:coordSize])
	s := new(big.Int).SetBytes(raw[coordSize:])
	h := digest(text)
	return ecdsa.Verify(pk, h[:], r, s)
}
