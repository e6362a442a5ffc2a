package e2ee

import (
	"bytes"
	"testing"

	"github.com/meshpath/meshpath-relay/internal/keys"
)

func testMediaKey(t *testing.T) SessionKey {
	t.Helper()
	sk, err := DeriveMediaKey("test-room-public-key.material")
	if err != nil {
		t.Fatalf("DeriveMediaKey: %v", err)
	}
	return sk
}

func TestDeriveMediaKeySharedByKeyHolders(t *testing.T) {
	a, err := DeriveMediaKey("room-pub")
	if err != nil {
		t.Fatalf("DeriveMediaKey: %v", err)
	}
	b, err := DeriveMediaKey("room-pub")
	if err != nil {
		t.Fatalf("DeriveMediaKey: %v", err)
	}
	if !bytes.Equal(a.Key, b.Key) || !bytes.Equal(a.Salt, b.Salt) {
		t.Fatalf("media key derivation not deterministic")
	}

	c, err := DeriveMediaKey("another-room-pub")
	if err != nil {
		t.Fatalf("DeriveMediaKey: %v", err)
	}
	if bytes.Equal(a.Key, c.Key) {
		t.Fatalf("different rooms derived the same media key")
	}
}

func TestDeriveChatKeyRequiresPrivateMaterial(t *testing.T) {
	if _, err := DeriveChatKey("room-pub", ""); err == nil {
		t.Fatalf("DeriveChatKey accepted empty private material")
	}

	pair, err := keys.GeneratePair()
	if err != nil {
		t.Fatalf("GeneratePair: %v", err)
	}
	chat, err := DeriveChatKey(pair.Pub, pair.Priv)
	if err != nil {
		t.Fatalf("DeriveChatKey: %v", err)
	}
	media, err := DeriveMediaKey(pair.Pub)
	if err != nil {
		t.Fatalf("DeriveMediaKey: %v", err)
	}
	if bytes.Equal(chat.Key, media.Key) {
		t.Fatalf("chat and media keys must be independent")
	}
}

func TestFrameIVNoCollisions(t *testing.T) {
	salt := []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8}
	seen := make(map[[12]byte]uint64, 10000)
	for ts := uint64(1); ts <= 10000; ts++ {
		iv := FrameIV(ts, salt)
		if prev, dup := seen[iv]; dup {
			t.Fatalf("iv collision between timestamps %d and %d", prev, ts)
		}
		seen[iv] = ts
	}
}

func TestFrameIVLayout(t *testing.T) {
	salt := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 1, 2, 3, 4, 5, 6}
	iv := FrameIV(0x0102030405060708, salt)
	want := [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 0xaa, 0xbb, 0xcc, 0xdd}
	if iv != want {
		t.Fatalf("FrameIV = %x, want %x", iv, want)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	sk := testMediaKey(t)
	p, err := NewPipeline(sk, FrameInterceptionSupported, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	payload := []byte("encoded-frame-bytes")
	frame := Frame{Timestamp: 90000, Data: append([]byte(nil), payload...)}
	p.EncryptFrame(&frame)
	if bytes.Equal(frame.Data, payload) {
		t.Fatalf("EncryptFrame left payload in the clear")
	}

	p.DecryptFrame(&frame)
	if !bytes.Equal(frame.Data, payload) {
		t.Fatalf("round trip = %q, want %q", frame.Data, payload)
	}
}

func TestDecryptFailurePassesFrameThrough(t *testing.T) {
	sk := testMediaKey(t)
	p, err := NewPipeline(sk, FrameInterceptionSupported, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	frame := Frame{Timestamp: 42, Data: append([]byte(nil), []byte("hello")...)}
	p.EncryptFrame(&frame)

	// Tamper so authentication fails; the frame must pass through unmodified
	// rather than being dropped.
	frame.Data[0] ^= 0x01
	tampered := append([]byte(nil), frame.Data...)

	p.DecryptFrame(&frame)
	if !bytes.Equal(frame.Data, tampered) {
		t.Fatalf("failed decryption modified the frame")
	}
}

func TestWrongTimestampFailsDecryption(t *testing.T) {
	sk := testMediaKey(t)
	p, err := NewPipeline(sk, FrameInterceptionSupported, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	frame := Frame{Timestamp: 1000, Data: append([]byte(nil), []byte("hello")...)}
	p.EncryptFrame(&frame)
	sealed := append([]byte(nil), frame.Data...)

	frame.Timestamp = 1001
	p.DecryptFrame(&frame)
	if !bytes.Equal(frame.Data, sealed) {
		t.Fatalf("decryption with mismatched timestamp should fail and pass through")
	}
}

func TestUnsupportedCapabilityPassesThrough(t *testing.T) {
	p, err := NewPipeline(SessionKey{}, FrameInterceptionUnsupported, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	if p.Capability() != FrameInterceptionUnsupported {
		t.Fatalf("Capability = %v", p.Capability())
	}

	payload := []byte("plain")
	frame := Frame{Timestamp: 7, Data: append([]byte(nil), payload...)}
	p.EncryptFrame(&frame)
	if !bytes.Equal(frame.Data, payload) {
		t.Fatalf("unsupported pipeline must not modify frames")
	}
	p.DecryptFrame(&frame)
	if !bytes.Equal(frame.Data, payload) {
		t.Fatalf("unsupported pipeline must not modify frames")
	}
}
