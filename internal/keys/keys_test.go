package keys

import (
	"bytes"
	"strings"
	"testing"

	"github.com/meshpath/meshpath-relay/internal/apperr"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pair, err := GeneratePair()
	if err != nil {
		t.Fatalf("GeneratePair: %v", err)
	}

	sig, err := Sign("Sign to join room at 1700000000000", pair.Priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify("Sign to join room at 1700000000000", sig, pair.Pub) {
		t.Fatalf("signature did not verify")
	}
	if Verify("a different text", sig, pair.Pub) {
		t.Fatalf("signature verified against wrong text")
	}

	other, err := GeneratePair()
	if err != nil {
		t.Fatalf("GeneratePair: %v", err)
	}
	if Verify("Sign to join room at 1700000000000", sig, other.Pub) {
		t.Fatalf("signature verified against wrong key")
	}
}

func TestVerifyNormalizesNFC(t *testing.T) {
	pair, err := GeneratePair()
	if err != nil {
		t.Fatalf("GeneratePair: %v", err)
	}

	// "é" composed (U+00E9) vs decomposed (e + U+0301). Both must digest to
	// the same bytes so browser and server agree.
	composed := "café"
	decomposed := "café"

	sig, err := Sign(composed, pair.Priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(decomposed, sig, pair.Pub) {
		t.Fatalf("decomposed form did not verify against composed signature")
	}
	if !Verify("  "+composed+" ", sig, pair.Pub) {
		t.Fatalf("surrounding whitespace should be trimmed before hashing")
	}
}

func TestVerifyMalformedInput(t *testing.T) {
	pair, err := GeneratePair()
	if err != nil {
		t.Fatalf("GeneratePair: %v", err)
	}
	sig, err := Sign("hello", pair.Priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	cases := []struct {
		name           string
		text, sig, pub string
	}{
		{"no dot in pub", "hello", sig, strings.ReplaceAll(pair.Pub, ".", "")},
		{"bad base64 pub", "hello", sig, "!!!.!!!"},
		{"bad base64 sig", "hello", "%%%", pair.Pub},
		{"truncated sig", "hello", sig[:10], pair.Pub},
		{"empty everything", "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if Verify(tc.text, tc.sig, tc.pub) {
				t.Fatalf("Verify accepted malformed input")
			}
		})
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	pair, err := GeneratePair()
	if err != nil {
		t.Fatalf("GeneratePair: %v", err)
	}

	plaintext := []byte(`{"t":"mesh:text","roomId":"r","msg":"hi"}`)
	sealed, err := Seal(plaintext, pair.EPub)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := Open(sealed, pair.EPriv)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Open = %q, want %q", got, plaintext)
	}
}

func TestOpenFailsClosedOnTamper(t *testing.T) {
	pair, err := GeneratePair()
	if err != nil {
		t.Fatalf("GeneratePair: %v", err)
	}
	sealed, err := Seal([]byte("secret"), pair.EPub)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Flip one byte of the ciphertext.
	raw, err := b64.DecodeString(sealed.Ciphertext)
	if err != nil {
		t.Fatalf("decode ct: %v", err)
	}
	raw[0] ^= 0x01
	sealed.Ciphertext = b64.EncodeToString(raw)

	if _, err := Open(sealed, pair.EPriv); err == nil {
		t.Fatalf("Open accepted tampered ciphertext")
	} else if !apperr.Is(err, apperr.CodeDecryption) {
		t.Fatalf("tamper error code = %q, want DECRYPTION", apperr.CodeOf(err))
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	alice, _ := GeneratePair()
	bob, err := GeneratePair()
	if err != nil {
		t.Fatalf("GeneratePair: %v", err)
	}
	sealed, err := Seal([]byte("for alice"), alice.EPub)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(sealed, bob.EPriv); err == nil {
		t.Fatalf("Open with wrong key succeeded")
	}
}

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHash([]byte("xyz"))
	b := ContentHash([]byte("xyz"))
	if a != b {
		t.Fatalf("hash not deterministic: %q vs %q", a, b)
	}
	if a == ContentHash([]byte("xyZ")) {
		t.Fatalf("distinct payloads hashed equal")
	}
	if strings.ContainsAny(a, "+/=") {
		t.Fatalf("hash %q is not unpadded base64url", a)
	}
}

func TestDeriveKeyDomainSeparation(t *testing.T) {
	secret := []byte("room-public-key-material")
	salt := []byte("0123456789ab")

	media, err := DeriveKey(secret, salt, "room-e2ee")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	chat, err := DeriveKey(secret, salt, "chat-e2ee")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(media) != 32 || len(chat) != 32 {
		t.Fatalf("key lengths = %d, %d, want 32", len(media), len(chat))
	}
	if bytes.Equal(media, chat) {
		t.Fatalf("different labels derived the same key")
	}

	again, err := DeriveKey(secret, salt, "room-e2ee")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !bytes.Equal(media, again) {
		t.Fatalf("derivation not deterministic")
	}
}
