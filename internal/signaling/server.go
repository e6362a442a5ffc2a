package signaling

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"

	"github.com/meshpath/meshpath-relay/internal/keys"
	"github.com/meshpath/meshpath-relay/internal/metrics"
	"github.com/meshpath/meshpath-relay/internal/ratelimit"
)

const (
	wsWriteWait = 10 * time.Second

	// Upper bound on outstanding challenges a single connection may hold.
	maxPendingChallenges = 16
)

// Config carries the dependencies for the signaling server.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// ChallengeTTL bounds how long an issued login challenge stays valid.
	ChallengeTTL time.Duration

	// MaxMessageBytes caps the size of a single inbound WebSocket frame.
	MaxMessageBytes int64

	// MaxMessagesPerSecond rate limits inbound frames per connection.
	// Zero disables the limit.
	MaxMessagesPerSecond int64
}

// Server accepts WebSocket connections on /signal and relays
// challenge-authenticated room traffic between peers. It never sees room
// private keys or chat plaintext.
type Server struct {
	cfg   Config
	log   *slog.Logger
	rooms *roomRegistry

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 2 * time.Minute
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	return &Server{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "signaling"),
		rooms: newRoomRegistry(cfg.Metrics),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect cross-origin from the app origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
}

// RegisterRoutes attaches the signaling endpoint to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

// RoomCount reports the number of rooms with at least one member.
func (s *Server) RoomCount() int {
	return s.rooms.roomCount()
}

// Close terminates every open connection. New connections are rejected
// afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	c := &wsConn{
		srv:  s,
		conn: conn,
		id:   uuid.NewString(),
		challenges: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](s.cfg.ChallengeTTL),
			ttlcache.WithCapacity[string, string](maxPendingChallenges),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
	if s.cfg.MaxMessagesPerSecond > 0 {
		// Bursts up to 2x the sustained rate are tolerated.
		c.limiter = ratelimit.NewTokenBucket(nil, s.cfg.MaxMessagesPerSecond*2, s.cfg.MaxMessagesPerSecond)
	}
	c.log = s.log.With("conn", c.id, "remote", r.RemoteAddr)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.run()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// wsConn is one client connection. All reads happen on the run goroutine;
// writes from any goroutine serialize on writeMu.
type wsConn struct {
	srv  *Server
	conn *websocket.Conn
	id   string
	log  *slog.Logger

	challenges *ttlcache.Cache[string, string]
	limiter    *ratelimit.TokenBucket

	writeMu sync.Mutex

	mu      sync.Mutex
	authed  bool
	roomPub string

	closeOnce sync.Once
}

func (c *wsConn) run() {
	defer c.cleanup()

	c.conn.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read failed", "err", err)
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow(1) {
			c.fail("message rate limit exceeded")
			return
		}
		msg, err := parseMessage(raw)
		if err != nil {
			c.fail(fmt.Sprintf("bad message: %v", err))
			return
		}
		switch msg.Type {
		case TypeGetChallenge:
			c.handleGetChallenge()
		case TypeAuth:
			c.handleAuth(msg.Auth)
		case TypeSignal:
			c.handleSignal(msg.Signal)
		case TypeChat:
			c.handleChat(msg.Chat)
		}
	}
}

func (c *wsConn) handleGetChallenge() {
	id := uuid.NewString()
	text := fmt.Sprintf("Sign to join room at %d", time.Now().UnixMilli())
	c.challenges.Set(id, text, ttlcache.DefaultTTL)
	c.send(&Message{
		Type:      TypeChallenge,
		Challenge: &ChallengePayload{ID: id, Text: text},
	})
}

func (c *wsConn) handleAuth(auth *AuthPayload) {
	c.mu.Lock()
	alreadyAuthed := c.authed
	c.mu.Unlock()
	if alreadyAuthed {
		c.authError("already authenticated")
		return
	}

	text, ok := c.takeChallenge(auth.ChallengeID)
	if !ok {
		c.srv.cfg.Metrics.Inc(metrics.AuthFailure)
		c.authError("unknown or expired challenge")
		return
	}
	if !keys.Verify(text, auth.Signature, auth.RoomPub) {
		c.srv.cfg.Metrics.Inc(metrics.AuthFailure)
		c.authError("signature verification failed")
		return
	}

	c.mu.Lock()
	c.authed = true
	c.roomPub = auth.RoomPub
	c.mu.Unlock()

	others := c.srv.rooms.join(auth.RoomPub, c)
	c.srv.cfg.Metrics.Inc(metrics.AuthSuccess)
	c.log.Info("peer authenticated", "room", shortKey(auth.RoomPub), "peers", len(others)+1)

	c.send(&Message{
		Type: TypeAuthOK,
		AuthOK: &AuthOKPayload{
			RoomPub: auth.RoomPub,
			Self:    c.id,
			Peers:   len(others) + 1,
			Others:  others,
		},
	})
	c.srv.rooms.broadcast(auth.RoomPub, &Message{
		Type: TypePeerJoined,
		Peer: &PeerPayload{ID: c.id},
	}, c.id)
}

// takeChallenge consumes a pending challenge. Each challenge is single-use
// regardless of whether the auth attempt succeeds.
func (c *wsConn) takeChallenge(id string) (string, bool) {
	item := c.challenges.Get(id)
	if item == nil {
		return "", false
	}
	c.challenges.Delete(id)
	return item.Value(), true
}

func (c *wsConn) handleSignal(sig *SignalPayload) {
	roomPub, ok := c.room()
	if !ok {
		c.srv.cfg.Metrics.Inc(metrics.SignalDropped)
		return
	}
	target := c.srv.rooms.member(roomPub, sig.To)
	if target == nil {
		// Target left or never existed. Negotiation messages for absent
		// peers are dropped, not buffered.
		c.srv.cfg.Metrics.Inc(metrics.SignalDropped)
		c.log.Debug("dropping signal for absent peer", "to", sig.To, "kind", sig.Kind)
		return
	}
	c.srv.cfg.Metrics.Inc(metrics.SignalRelayed)
	target.send(&Message{
		Type: TypeSignal,
		Signal: &SignalPayload{
			Kind: sig.Kind,
			Data: sig.Data,
			From: c.id,
		},
	})
}

func (c *wsConn) handleChat(chat *ChatPayload) {
	roomPub, ok := c.room()
	if !ok {
		return
	}
	out, ok := sanitizeChat(chat)
	if !ok {
		return
	}
	out.From = c.id
	c.srv.cfg.Metrics.Inc(metrics.ChatBroadcast)
	// Chat is echoed back to the sender so every member renders the same
	// authoritative sequence of room messages.
	c.srv.rooms.broadcast(roomPub, &Message{
		Type: TypeChat,
		Chat: out,
	}, "")
}

// sanitizeChat normalizes an inbound chat payload, preferring the
// encrypted form when both are present. Oversized or empty payloads are
// dropped.
func sanitizeChat(chat *ChatPayload) (*ChatPayload, bool) {
	ts := chat.Timestamp
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	if chat.Ciphertext != "" {
		if len(chat.Ciphertext) > maxChatCiphertextLen || len(chat.IV) > maxChatIVLen {
			return nil, false
		}
		return &ChatPayload{Ciphertext: chat.Ciphertext, IV: chat.IV, Timestamp: ts}, true
	}
	text := strings.TrimSpace(chat.Text)
	if text == "" {
		return nil, false
	}
	if runes := []rune(text); len(runes) > maxChatTextRunes {
		text = string(runes[:maxChatTextRunes])
	}
	return &ChatPayload{Text: text, Timestamp: ts}, true
}

func (c *wsConn) room() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomPub, c.authed
}

func (c *wsConn) authError(reason string) {
	c.send(&Message{Type: TypeAuthError, Message: reason})
}

func (c *wsConn) send(msg *Message) {
	c.sendRaw(mustMarshal(msg))
}

func (c *wsConn) sendRaw(raw []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.log.Debug("websocket write failed", "err", err)
	}
}

// fail sends a close frame with reason and tears the connection down.
func (c *wsConn) fail(reason string) {
	c.log.Warn("closing connection", "reason", reason)
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	c.writeMu.Unlock()
	c.close()
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *wsConn) cleanup() {
	c.close()
	c.mu.Lock()
	authed, roomPub := c.authed, c.roomPub
	c.authed = false
	c.mu.Unlock()
	if authed {
		c.srv.rooms.leave(roomPub, c)
		c.srv.rooms.broadcast(roomPub, &Message{
			Type: TypePeerLeft,
			Peer: &PeerPayload{ID: c.id},
		}, "")
		c.log.Info("peer left", "room", shortKey(roomPub))
	}
}

func shortKey(pub string) string {
	if len(pub) <= 12 {
		return pub
	}
	return pub[:12]
}

