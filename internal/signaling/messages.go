package signaling

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire protocol for the room signaling WebSocket. Every frame is a JSON
// object with a "type" discriminator and at most one payload field set.
type MessageType string

const (
	// Client to server.
	TypeGetChallenge MessageType = "get_challenge"
	TypeAuth         MessageType = "auth"
	TypeSignal       MessageType = "signal"
	TypeChat         MessageType = "chat"

	// Server to client.
	TypeChallenge  MessageType = "challenge"
	TypeAuthOK     MessageType = "auth_ok"
	TypeAuthError  MessageType = "auth_error"
	TypePeerJoined MessageType = "peer-joined"
	TypePeerLeft   MessageType = "peer-left"
)

type Message struct {
	Type MessageType `json:"type"`

	Challenge *ChallengePayload `json:"challenge,omitempty"`
	Auth      *AuthPayload      `json:"auth,omitempty"`
	AuthOK    *AuthOKPayload    `json:"authOk,omitempty"`
	Signal    *SignalPayload    `json:"signal,omitempty"`
	Chat      *ChatPayload      `json:"chat,omitempty"`
	Peer      *PeerPayload      `json:"peer,omitempty"`

	// Set on auth_error frames.
	Message string `json:"message,omitempty"`
}

// ChallengePayload carries a single-use login challenge. The client must
// sign Text with the room private key and echo ID back in the auth frame.
type ChallengePayload struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type AuthPayload struct {
	RoomPub     string `json:"roomPub"`
	ChallengeID string `json:"challengeId"`
	Signature   string `json:"signature"`
}

type AuthOKPayload struct {
	RoomPub string   `json:"roomPub"`
	Self    string   `json:"self"`
	Peers   int      `json:"peers"`
	Others  []string `json:"others"`
}

// SignalPayload is an opaque WebRTC negotiation message. Data is relayed
// verbatim; the server only reads the addressing fields. The Go field is
// Kind to keep it apart from the frame discriminator; on the wire it is
// "type".
type SignalPayload struct {
	Kind string          `json:"type"`
	Data json.RawMessage `json:"data"`
	To   string          `json:"to,omitempty"`
	From string          `json:"from,omitempty"`
}

// ChatPayload carries either an encrypted chat message (Ciphertext and IV
// set) or a plaintext fallback (Text set). The server never inspects the
// ciphertext.
type ChatPayload struct {
	Ciphertext string `json:"ct,omitempty"`
	IV         string `json:"iv,omitempty"`
	Text       string `json:"text,omitempty"`
	Timestamp  int64  `json:"ts,omitempty"`
	From       string `json:"from,omitempty"`
}

type PeerPayload struct {
	ID string `json:"id"`
}

const (
	maxChatCiphertextLen = 8192
	maxChatIVLen         = 128
	maxChatTextRunes     = 2000
)

func parseMessage(raw []byte) (*Message, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *Message) validate() error {
	switch m.Type {
	case TypeGetChallenge:
		return nil
	case TypeAuth:
		if m.Auth == nil {
			return fmt.Errorf("auth message missing auth payload")
		}
		if m.Auth.RoomPub == "" || m.Auth.ChallengeID == "" || m.Auth.Signature == "" {
			return fmt.Errorf("auth message missing roomPub, challengeId or signature")
		}
		return nil
	case TypeSignal:
		if m.Signal == nil {
			return fmt.Errorf("signal message missing signal payload")
		}
		switch m.Signal.Kind {
		case "offer", "answer", "candidate":
		default:
			return fmt.Errorf("unknown signal kind %q", m.Signal.Kind)
		}
		if m.Signal.To == "" {
			return fmt.Errorf("signal message missing target peer")
		}
		if len(m.Signal.Data) == 0 {
			return fmt.Errorf("signal message missing data")
		}
		return nil
	case TypeChat:
		if m.Chat == nil {
			return fmt.Errorf("chat message missing chat payload")
		}
		return nil
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
}

func mustMarshal(msg *Message) []byte {
	raw, err := json.Marshal(msg)
	if err != nil {
		panic(fmt.Sprintf("marshal signaling message: %v", err))
	}
	return raw
}
