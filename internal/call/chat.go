// Package call implements the live-session client: it authenticates to a
// relay's signaling endpoint, negotiates WebRTC peers for every other
// room member and carries the encrypted room chat.
package call

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"

	"github.com/meshpath/meshpath-relay/internal/apperr"
	"github.com/meshpath/meshpath-relay/internal/e2ee"
)

var b64 = base64.RawURLEncoding

// encryptedPlaceholder is shown for ciphertext the session cannot read.
const encryptedPlaceholder = "[encrypted]"

// ChatMessage is a room chat message after inbound processing.
type ChatMessage struct {
	From      string
	Text      string
	Timestamp int64

	// Encrypted reports whether the message arrived as ciphertext. A
	// false value means a plaintext fallback from a peer that could not
	// encrypt. When the ciphertext cannot be read, Text is the
	// "[encrypted]" placeholder.
	Encrypted bool
}

// encryptChat seals text with the room chat key under a fresh random
// nonce. The chat key is shared by every room member, so a deterministic
// nonce scheme would collide across senders; each message draws its own.
func encryptChat(key e2ee.SessionKey, text string) (ct, iv string, err error) {
	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return "", "", apperr.Decryption("chat cipher init", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", apperr.Decryption("chat cipher init", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", apperr.Decryption("chat nonce", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(text), nil)
	return b64.EncodeToString(sealed), b64.EncodeToString(nonce), nil
}

// decryptChat opens a chat ciphertext. Any failure returns a DECRYPTION
// error; callers decide whether a plaintext fallback applies.
func decryptChat(key e2ee.SessionKey, ct, iv string) (string, error) {
	rawCT, err := b64.DecodeString(ct)
	if err != nil {
		return "", apperr.Decryption("chat ciphertext encoding", err)
	}
	rawIV, err := b64.DecodeString(iv)
	if err != nil {
		return "", apperr.Decryption("chat iv encoding", err)
	}
	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return "", apperr.Decryption("chat cipher init", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperr.Decryption("chat cipher init", err)
	}
	if len(rawIV) != aead.NonceSize() {
		return "", apperr.Decryption("chat iv size", nil)
	}
	plaintext, err := aead.Open(nil, rawIV, rawCT, nil)
	if err != nil {
		return "", apperr.Decryption("chat decrypt", err)
	}
	return string(plaintext), nil
}
