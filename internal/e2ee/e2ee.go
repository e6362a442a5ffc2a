// Package e2ee implements the frame-level end-to-end encryption pipeline that
// sits inside the negotiated media transport.
//
// Two independent keys exist per room: a media key anyone holding the room
// keypair can compute, and a chat key that requires the room's private
// material. Frames are sealed with AES-256-GCM under a deterministic IV
// derived from the frame timestamp, which avoids a stateful counter handshake
// between peers.
package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meshpath/meshpath-relay/internal/keys"
)

// Capability reports whether the media transport offers a frame-interception
// hook. It is selected once per connection; an Unsupported pipeline behaves
// identically in shape but passes frames through unencrypted.
type Capability int

const (
	FrameInterceptionSupported Capability = iota
	FrameInterceptionUnsupported
)

func (c Capability) String() string {
	if c == FrameInterceptionSupported {
		return "supported"
	}
	return "unsupported"
}

const (
	saltSize = 12
	ivSize   = 12

	mediaInfo = "room-e2ee"
	chatInfo  = "chat-e2ee"
)

// SessionKey is a derived symmetric key plus the salt that seeds frame IVs.
type SessionKey struct {
	Key  []byte
	Salt []byte
}

// DeriveMediaKey derives the room's media key from the room public key alone.
func DeriveMediaKey(roomPub string) (SessionKey, error) {
	sum := sha256.Sum256([]byte(roomPub))
	salt := sum[:saltSize]
	key, err := keys.DeriveKey([]byte(roomPub), salt, mediaInfo)
	if err != nil {
		return SessionKey{}, err
	}
	return SessionKey{Key: key, Salt: salt}, nil
}

// DeriveChatKey derives the room's chat key. It needs the room private key;
// peers that only hold the public half cannot read control-channel payloads.
func DeriveChatKey(roomPub, roomPriv string) (SessionKey, error) {
	if roomPriv == "" {
		return SessionKey{}, fmt.Errorf("chat key requires room private key material")
	}
	sum := sha256.Sum256([]byte(roomPub + "|chat"))
	salt := sum[:saltSize]
	key, err := keys.DeriveKey([]byte(roomPriv), salt, chatInfo)
	if err != nil {
		return SessionKey{}, err
	}
	return SessionKey{Key: key, Salt: salt}, nil
}

// FrameIV builds the deterministic 96-bit IV for a frame: 8-byte big-endian
// timestamp then the first 4 bytes of the salt. IVs stay unique as long as
// each sender's frame timestamps are monotonically increasing and unique.
func FrameIV(timestamp uint64, salt []byte) [ivSize]byte {
	var iv [ivSize]byte
	binary.BigEndian.PutUint64(iv[:8], timestamp)
	copy(iv[8:], salt[:4])
	return iv
}

// Frame is one encoded media frame intercepted at the transport hook.
type Frame struct {
	Timestamp uint64
	Data      []byte
}

// Pipeline encrypts and decrypts frames in place. Failures are non-fatal by
// design: the frame is forwarded unmodified, trading confidentiality-on-
// failure for playback continuity.
type Pipeline struct {
	aead cipher.AEAD
	salt []byte
	cap  Capability
	log  *slog.Logger

	fallbackOnce sync.Once
}

func NewPipeline(sk SessionKey, cap Capability, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}
	if cap == FrameInterceptionUnsupported {
		return &Pipeline{cap: cap, log: log}, nil
	}
	if len(sk.Salt) < 4 {
		return nil, fmt.Errorf("salt too short: %d", len(sk.Salt))
	}
	block, err := aes.NewCipher(sk.Key)
	if err != nil {
		return nil, fmt.Errorf("frame cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("frame cipher: %w", err)
	}
	return &Pipeline{aead: aead, salt: sk.Salt, cap: cap, log: log}, nil
}

// Capability exposes the fallback state so callers can surface it to the
// user; the fallback itself is silent.
func (p *Pipeline) Capability() Capability { return p.cap }

func (p *Pipeline) passthrough() bool {
	if p.cap == FrameInterceptionUnsupported {
		p.fallbackOnce.Do(func() {
			p.log.Warn("frame interception unavailable, media passes through unencrypted")
		})
		return true
	}
	return false
}

// EncryptFrame seals the frame payload in place.
func (p *Pipeline) EncryptFrame(f *Frame) {
	if p.passthrough() || len(f.Data) == 0 {
		return
	}
	iv := FrameIV(f.Timestamp, p.salt)
	f.Data = p.aead.Seal(f.Data[:0], iv[:], f.Data, nil)
}

// DecryptFrame opens the frame payload in place. On failure the frame is left
// exactly as received and forwarded anyway.
func (p *Pipeline) DecryptFrame(f *Frame) {
	if p.passthrough() || len(f.Data) == 0 {
		return
	}
	iv := FrameIV(f.Timestamp, p.salt)
	plain, err := p.aead.Open(nil, iv[:], f.Data, nil)
	if err != nil {
		return
	}
	f.Data = plain
}
