package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/meshpath/meshpath-relay/internal/apperr"
)

const sealInfo = "meshpath/sealed-box/v1"

// Sealed is an authenticated public-key encryption of a message to a single
// recipient: ephemeral ECDH P-256, HKDF-SHA256, AES-256-GCM.
type Sealed struct {
	Ciphertext string `json:"ct"`
	IV         string `json:"iv"`
	EphemPub   string `json:"epub"`
}

// Seal encrypts plaintext for the holder of the recipient's encryption
// private key.
func Seal(plaintext []byte, recipientEPub string) (Sealed, error) {
	pub, err := decodeECDHPublic(recipientEPub)
	if err != nil {
		return Sealed{}, err
	}
	eph, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return Sealed{}, fmt.Errorf("generate ephemeral key: %w", err)
	}
	shared, err := eph.ECDH(pub)
	if err != nil {
		return Sealed{}, fmt.Errorf("ecdh: %w", err)
	}

	gcm, err := sealedAEAD(shared)
	if err != nil {
		return Sealed{}, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("generate iv: %w", err)
	}

	ephPub, err := encodeECDHPublic(eph.PublicKey())
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{
		Ciphertext: b64.EncodeToString(gcm.Seal(nil, iv, plaintext, nil)),
		IV:         b64.EncodeToString(iv),
		EphemPub:   ephPub,
	}, nil
}

// Open decrypts a sealed message with the recipient's encryption private key.
// Any failure, including tampering, is reported as a DECRYPTION error so
// callers can leave the record eligible for retry.
func Open(sealed Sealed, recipientEPriv string) ([]byte, error) {
	priv, err := decodeECDHPrivate(recipientEPriv)
	if err != nil {
		return nil, apperr.Decryption("open sealed message", err)
	}
	ephPub, err := decodeECDHPublic(sealed.EphemPub)
	if err != nil {
		return nil, apperr.Decryption("open sealed message", err)
	}
	shared, err := priv.ECDH(ephPub)
	if err != nil {
		return nil, apperr.Decryption("open sealed message", err)
	}

	gcm, err := sealedAEAD(shared)
	if err != nil {
		return nil, apperr.Decryption("open sealed message", err)
	}
	iv, err := b64.DecodeString(sealed.IV)
	if err != nil || len(iv) != gcm.NonceSize() {
		return nil, apperr.Decryption("open sealed message", fmt.Errorf("bad iv"))
	}
	ct, err := b64.DecodeString(sealed.Ciphertext)
	if err != nil {
		return nil, apperr.Decryption("open sealed message", err)
	}
	plain, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, apperr.Decryption("open sealed message", err)
	}
	return plain, nil
}

func sealedAEAD(shared []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("derive sealed-box key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
