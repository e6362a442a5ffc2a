package call

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/meshpath/meshpath-relay/internal/apperr"
	"github.com/meshpath/meshpath-relay/internal/e2ee"
	"github.com/meshpath/meshpath-relay/internal/keys"
	"github.com/meshpath/meshpath-relay/internal/signaling"
)

const wsWriteWait = 10 * time.Second

// Observer receives session events. Callbacks run on the session's read
// goroutine and must not block.
type Observer interface {
	OnPeerJoined(id string)
	OnPeerLeft(id string)
	OnChat(msg ChatMessage)
}

// Config configures a call session.
type Config struct {
	// SignalURL is the relay signaling endpoint, e.g.
	// ws://relay.example.com/signal.
	SignalURL string

	// RoomKeys must hold at least the signing pair; the private key
	// proves room membership and derives the chat key.
	RoomKeys keys.Pair

	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	Logger   *slog.Logger
	Observer Observer

	// OnPeerConnection runs for every new peer connection before
	// negotiation starts, giving callers a chance to attach media tracks.
	OnPeerConnection func(peerID string, pc *webrtc.PeerConnection)
}

// Session is one authenticated presence in a room: a signaling WebSocket
// plus a WebRTC peer connection per other member. Chat rides the
// signaling channel, encrypted with a key the relay cannot derive.
type Session struct {
	cfg Config
	log *slog.Logger

	chatKey   e2ee.SessionKey
	chatKeyOK bool

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu    sync.Mutex
	self  string
	peers map[string]*peer

	authDone chan struct{}
	authErr  error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects, authenticates with the room key and starts the event
// loop. It returns once the relay has accepted the session.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.SignalURL == "" {
		return nil, apperr.Validation("missing signaling URL")
	}
	if cfg.RoomKeys.Pub == "" || cfg.RoomKeys.Priv == "" {
		return nil, apperr.Validation("missing room key pair")
	}
	if cfg.API == nil {
		return nil, apperr.Validation("missing webrtc API")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "call"),
		peers:    make(map[string]*peer),
		authDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if key, err := e2ee.DeriveChatKey(cfg.RoomKeys.Pub, cfg.RoomKeys.Priv); err == nil {
		s.chatKey, s.chatKeyOK = key, true
	} else {
		s.log.Warn("chat key derivation failed, falling back to plaintext chat", "err", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.SignalURL, nil)
	if err != nil {
		return nil, apperr.Network("dial signaling", err)
	}
	s.conn = conn

	go s.readLoop()
	if err := s.send(&signaling.Message{Type: signaling.TypeGetChallenge}); err != nil {
		s.Stop()
		return nil, err
	}

	select {
	case <-s.authDone:
		if s.authErr != nil {
			s.Stop()
			return nil, s.authErr
		}
		return s, nil
	case <-s.done:
		return nil, apperr.Network("signaling closed during auth", nil)
	case <-ctx.Done():
		s.Stop()
		return nil, ctx.Err()
	}
}

// Self returns the peer ID the relay assigned to this session.
func (s *Session) Self() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Peers returns the IDs of the members this session is connected to.
func (s *Session) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// SendChat encrypts and sends a chat message. The relay echoes it back to
// every member including the sender, so delivery to the observer happens
// on the echo, keeping all members on the same message order.
func (s *Session) SendChat(text string) error {
	chat := &signaling.ChatPayload{Timestamp: time.Now().UnixMilli()}
	if s.chatKeyOK {
		ct, iv, err := encryptChat(s.chatKey, text)
		if err != nil {
			return err
		}
		chat.Ciphertext, chat.IV = ct, iv
	} else {
		chat.Text = text
	}
	return s.send(&signaling.Message{Type: signaling.TypeChat, Chat: chat})
}

// Stop tears down every peer connection and the signaling socket.
func (s *Session) Stop() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		peers := make([]*peer, 0, len(s.peers))
		for _, p := range s.peers {
			peers = append(peers, p)
		}
		s.peers = make(map[string]*peer)
		s.mu.Unlock()
		for _, p := range peers {
			p.close()
		}
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.conn.Close()
	})
}

// Done is closed when the session has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) readLoop() {
	defer s.Stop()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg signaling.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Warn("unparseable signaling frame", "err", err)
			continue
		}
		s.handleMessage(&msg)
	}
}

func (s *Session) handleMessage(msg *signaling.Message) {
	switch msg.Type {
	case signaling.TypeChallenge:
		if msg.Challenge == nil {
			return
		}
		s.handleChallenge(msg.Challenge)
	case signaling.TypeAuthOK:
		if msg.AuthOK == nil {
			return
		}
		s.handleAuthOK(msg.AuthOK)
	case signaling.TypeAuthError:
		s.authErr = apperr.Authentication(msg.Message)
		s.finishAuth()
	case signaling.TypeSignal:
		if msg.Signal == nil {
			return
		}
		s.handleSignal(msg.Signal)
	case signaling.TypeChat:
		if msg.Chat == nil {
			return
		}
		s.handleChat(msg.Chat)
	case signaling.TypePeerJoined:
		// The newcomer initiates; we just surface the event and wait for
		// their offer.
		if msg.Peer != nil && s.cfg.Observer != nil {
			s.cfg.Observer.OnPeerJoined(msg.Peer.ID)
		}
	case signaling.TypePeerLeft:
		if msg.Peer == nil {
			return
		}
		s.dropPeer(msg.Peer.ID)
	}
}

func (s *Session) handleChallenge(ch *signaling.ChallengePayload) {
	sig, err := keys.Sign(ch.Text, s.cfg.RoomKeys.Priv)
	if err != nil {
		s.authErr = err
		s.finishAuth()
		return
	}
	err = s.send(&signaling.Message{Type: signaling.TypeAuth, Auth: &signaling.AuthPayload{
		RoomPub:     s.cfg.RoomKeys.Pub,
		ChallengeID: ch.ID,
		Signature:   sig,
	}})
	if err != nil {
		s.authErr = err
		s.finishAuth()
	}
}

func (s *Session) handleAuthOK(ok *signaling.AuthOKPayload) {
	s.mu.Lock()
	s.self = ok.Self
	s.mu.Unlock()
	s.log.Info("joined room", "self", ok.Self, "peers", ok.Peers)
	// Connect out to everyone already in the room.
	for _, id := range ok.Others {
		if _, err := s.ensurePeer(id, true); err != nil {
			s.log.Error("peer setup failed", "peer", id, "err", err)
		}
	}
	s.finishAuth()
}

func (s *Session) finishAuth() {
	select {
	case <-s.authDone:
	default:
		close(s.authDone)
	}
}

func (s *Session) handleChat(chat *signaling.ChatPayload) {
	msg := ChatMessage{From: chat.From, Timestamp: chat.Timestamp}
	switch {
	case chat.Ciphertext != "":
		msg.Encrypted = true
		msg.Text = encryptedPlaceholder
		if s.chatKeyOK {
			if text, err := decryptChat(s.chatKey, chat.Ciphertext, chat.IV); err == nil {
				msg.Text = text
			} else {
				s.log.Warn("chat decryption failed", "from", chat.From)
			}
		}
	case chat.Text != "":
		msg.Text = chat.Text
	default:
		return
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.OnChat(msg)
	}
}

func (s *Session) dropPeer(id string) {
	s.mu.Lock()
	p := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()
	if p == nil {
		return
	}
	p.close()
	if s.cfg.Observer != nil {
		s.cfg.Observer.OnPeerLeft(id)
	}
}

func (s *Session) send(msg *signaling.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return apperr.Network("signaling write", err)
	}
	return nil
}
