// Package mesh implements the client side of the store-and-forward
// network: composing encrypted room envelopes, submitting them to relay
// pools, polling relays for new messages and re-propagating what it
// learns so messages spread between relays that never talk to each other.
package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/meshpath/meshpath-relay/internal/apperr"
	"github.com/meshpath/meshpath-relay/internal/keys"
)

// schemeRoom is the only addressing scheme currently defined. Unknown
// schemes are skipped during polling so future formats can coexist in the
// same pools.
const schemeRoom = "room"

// envelopeTypeText marks a plain text chat envelope.
const envelopeTypeText = "mesh:text"

// Envelope is the signed message that travels inside a wrapper's sealed
// payload. The signature is the sender's, over the room id, the plaintext
// and the timestamp; it is only visible after decryption.
type Envelope struct {
	Type   string `json:"t"`
	RoomID string `json:"roomId"`
	Text   string `json:"msg"`
	From   string `json:"fromPub"`
	SentAt int64  `json:"ts"`
	Sig    string `json:"sig"`
}

// Wrapper is the outer pool record format. Relays see only the wrapper;
// the envelope is sealed to the room encryption key. The pool message ID
// is the content hash of the serialized wrapper, which makes submission
// idempotent across relays.
type Wrapper struct {
	Scheme  string      `json:"scheme"`
	RoomID  string      `json:"roomId"`
	RoomPub string      `json:"rpub"`
	Payload keys.Sealed `json:"payload"`
}

// signingInput is the exact byte sequence the envelope signature covers.
func signingInput(roomID, text string, sentAt int64) string {
	return fmt.Sprintf("%s:%s:%d", roomID, text, sentAt)
}

// sealEnvelope signs text with the sender identity and seals the whole
// envelope to the room encryption key.
func sealEnvelope(room Room, ident keys.Pair, text string, sentAt int64) (*Wrapper, error) {
	sig, err := keys.Sign(signingInput(room.ID(), text, sentAt), ident.Priv)
	if err != nil {
		return nil, err
	}
	env := Envelope{
		Type:   envelopeTypeText,
		RoomID: room.ID(),
		Text:   text,
		From:   ident.Pub,
		SentAt: sentAt,
		Sig:    sig,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, apperr.Storage("encode envelope", err)
	}
	sealed, err := keys.Seal(raw, room.Keys.EPub)
	if err != nil {
		return nil, err
	}
	return &Wrapper{
		Scheme:  schemeRoom,
		RoomID:  room.ID(),
		RoomPub: room.Keys.EPub,
		Payload: sealed,
	}, nil
}

// Encode serializes the wrapper and derives its pool message ID.
func (w *Wrapper) Encode() (id, data string, err error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return "", "", apperr.Storage("encode wrapper", err)
	}
	return keys.ContentHash(raw), string(raw), nil
}

// decodeWrapper parses a pool record. Records that are not room wrappers
// return ok=false without an error.
func decodeWrapper(data string) (*Wrapper, bool) {
	var w Wrapper
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, false
	}
	if w.Scheme != schemeRoom || w.RoomID == "" || w.Payload.Ciphertext == "" {
		return nil, false
	}
	return &w, true
}

// openEnvelope decrypts the wrapper payload with the room keys and
// verifies the inner signature against the sender public key the envelope
// carries. Decryption failure and a bad signature both fail closed.
func openEnvelope(room Room, w *Wrapper) (Envelope, error) {
	raw, err := keys.Open(w.Payload, room.Keys.EPriv)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, apperr.Decryption("malformed envelope", err)
	}
	if env.Type != envelopeTypeText {
		return Envelope{}, apperr.Validation("unknown envelope type")
	}
	// The signature binds the envelope to a room; a valid envelope
	// re-sealed to a different room's key must not land there.
	if env.RoomID != w.RoomID {
		return Envelope{}, apperr.Validation("envelope addressed to a different room")
	}
	if !keys.Verify(signingInput(env.RoomID, env.Text, env.SentAt), env.Sig, env.From) {
		return Envelope{}, apperr.Authentication("envelope signature invalid")
	}
	return env, nil
}
