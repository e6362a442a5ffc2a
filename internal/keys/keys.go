// Package keys holds the key generation, signing, sealed-box encryption, and
// derivation primitives shared by the relay and the client orchestrators.
//
// Wire formats are fixed: public keys travel as base64url(x)+"."+base64url(y)
// (the JWK coordinate form), private scalars as bare base64url, signatures as
// raw r||s. Changing any of these breaks interop with existing rooms.
package keys

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
)

const coordSize = 32 // P-256

var b64 = base64.RawURLEncoding

// Pair is a user or room identity: an ECDSA P-256 signing pair and an ECDH
// P-256 encryption pair. The JSON field names are part of the share-link
// format.
type Pair struct {
	Pub   string `json:"pub"`
	Priv  string `json:"priv"`
	EPub  string `json:"epub"`
	EPriv string `json:"epriv"`
}

func GeneratePair() (Pair, error) {
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Pair{}, fmt.Errorf("generate signing key: %w", err)
	}
	ek, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return Pair{}, fmt.Errorf("generate encryption key: %w", err)
	}

	epub, err := encodeECDHPublic(ek.PublicKey())
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		Pub:   encodePoint(sk.X, sk.Y),
		Priv:  b64.EncodeToString(padCoord(sk.D.Bytes())),
		EPub:  epub,
		EPriv: b64.EncodeToString(ek.Bytes()),
	}, nil
}

func encodePoint(x, y *big.Int) string {
	return b64.EncodeToString(padCoord(x.Bytes())) + "." + b64.EncodeToString(padCoord(y.Bytes()))
}

func padCoord(b []byte) []byte {
	if len(b) >= coordSize {
		return b
	}
	out := make([]byte, coordSize)
	copy(out[coordSize-len(b):], b)
	return out
}

func decodePoint(pub string) (x, y *big.Int, err error) {
	var xs, ys string
	for i := 0; i < len(pub); i++ {
		if pub[i] == '.' {
			xs, ys = pub[:i], pub[i+1:]
			break
		}
	}
	if xs == "" || ys == "" {
		return nil, nil, fmt.Errorf("invalid public key format")
	}
	xb, err := b64.DecodeString(xs)
	if err != nil {
		return nil, nil, fmt.Errorf("decode public key x: %w", err)
	}
	yb, err := b64.DecodeString(ys)
	if err != nil {
		return nil, nil, fmt.Errorf("decode public key y: %w", err)
	}
	return new(big.Int).SetBytes(xb), new(big.Int).SetBytes(yb), nil
}

func encodeECDHPublic(pub *ecdh.PublicKey) (string, error) {
	raw := pub.Bytes()
	if len(raw) != 1+2*coordSize || raw[0] != 4 {
		return "", fmt.Errorf("unexpected public key encoding")
	}
	return b64.EncodeToString(raw[1:1+coordSize]) + "." + b64.EncodeToString(raw[1+coordSize:]), nil
}

func decodeECDHPublic(pub string) (*ecdh.PublicKey, error) {
	x, y, err := decodePoint(pub)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, 1+2*coordSize)
	raw[0] = 4
	copy(raw[1:1+coordSize], padCoord(x.Bytes()))
	copy(raw[1+coordSize:], padCoord(y.Bytes()))
	key, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption public key: %w", err)
	}
	return key, nil
}

func decodeECDHPrivate(priv string) (*ecdh.PrivateKey, error) {
	raw, err := b64.DecodeString(priv)
	if err != nil {
		return nil, fmt.Errorf("decode encryption private key: %w", err)
	}
	key, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption private key: %w", err)
	}
	return key, nil
}
