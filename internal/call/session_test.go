package call

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshpath/meshpath-relay/internal/apperr"
	"github.com/meshpath/meshpath-relay/internal/config"
	"github.com/meshpath/meshpath-relay/internal/e2ee"
	"github.com/meshpath/meshpath-relay/internal/keys"
	"github.com/meshpath/meshpath-relay/internal/metrics"
	"github.com/meshpath/meshpath-relay/internal/signaling"
	"github.com/meshpath/meshpath-relay/internal/webrtcapi"
)

func newSignalingServer(t *testing.T) string {
	t.Helper()
	srv := signaling.NewServer(signaling.Config{Metrics: metrics.New()})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
}

func newAPI(t *testing.T) *webrtc.API {
	t.Helper()
	api, err := webrtcapi.NewAPI(config.Config{}, webrtcapi.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return api
}

// events records observer callbacks for assertions.
type events struct {
	mu     sync.Mutex
	joined []string
	left   []string
	chats  []ChatMessage
}

func (e *events) OnPeerJoined(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joined = append(e.joined, id)
}

func (e *events) OnPeerLeft(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.left = append(e.left, id)
}

func (e *events) OnChat(msg ChatMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chats = append(e.chats, msg)
}

func (e *events) waitChats(t *testing.T, n int) []ChatMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		e.mu.Lock()
		if len(e.chats) >= n {
			out := append([]ChatMessage(nil), e.chats...)
			e.mu.Unlock()
			return out
		}
		e.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d chat messages", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dialSession(t *testing.T, url string, pair keys.Pair, obs Observer) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Dial(ctx, Config{
		SignalURL: url,
		RoomKeys:  pair,
		API:       newAPI(t),
		Observer:  obs,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestDialAuthenticates(t *testing.T) {
	url := newSignalingServer(t)
	pair, err := keys.GeneratePair()
	if err != nil {
		t.Fatal(err)
	}
	s := dialSession(t, url, pair, nil)
	if s.Self() == "" {
		t.Fatal("no self ID after auth")
	}
}

func TestDialRejectsMismatchedKeys(t *testing.T) {
	url := newSignalingServer(t)
	a, err := keys.GeneratePair()
	if err != nil {
		t.Fatal(err)
	}
	b, err := keys.GeneratePair()
	if err != nil {
		t.Fatal(err)
	}
	// Claims room A but can only sign with room B's key.
	mixed := a
	mixed.Priv = b.Priv

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Dial(ctx, Config{SignalURL: url, RoomKeys: mixed, API: newAPI(t)})
	if !apperr.Is(err, apperr.CodeAuthentication) {
		t.Fatalf("err = %v, want AUTHENTICATION", err)
	}
}

func TestNewcomerNegotiatesWithExistingPeer(t *testing.T) {
	url := newSignalingServer(t)
	pair, err := keys.GeneratePair()
	if err != nil {
		t.Fatal(err)
	}
	aEvents := &events{}
	a := dialSession(t, url, pair, aEvents)
	b := dialSession(t, url, pair, nil)

	// B joined second, so B offers to A; A learns about B from the offer.
	if peers := b.Peers(); len(peers) != 1 || peers[0] != a.Self() {
		t.Fatalf("b.Peers() = %v, want [%s]", peers, a.Self())
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if peers := a.Peers(); len(peers) == 1 && peers[0] == b.Self() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("a never saw b's offer; a.Peers() = %v", a.Peers())
		}
		time.Sleep(10 * time.Millisecond)
	}

	aEvents.mu.Lock()
	joined := append([]string(nil), aEvents.joined...)
	aEvents.mu.Unlock()
	if len(joined) != 1 || joined[0] != b.Self() {
		t.Fatalf("a's joined events = %v", joined)
	}
}

func TestChatEncryptedEndToEnd(t *testing.T) {
	url := newSignalingServer(t)
	pair, err := keys.GeneratePair()
	if err != nil {
		t.Fatal(err)
	}
	aEvents, bEvents := &events{}, &events{}
	a := dialSession(t, url, pair, aEvents)
	_ = dialSession(t, url, pair, bEvents)

	if err := a.SendChat("hello from a"); err != nil {
		t.Fatal(err)
	}

	for _, e := range []*events{aEvents, bEvents} {
		chats := e.waitChats(t, 1)
		if chats[0].Text != "hello from a" {
			t.Fatalf("chat text = %q", chats[0].Text)
		}
		if !chats[0].Encrypted {
			t.Fatal("chat arrived unencrypted")
		}
		if chats[0].From != a.Self() {
			t.Fatalf("chat from = %q, want %q", chats[0].From, a.Self())
		}
	}
}

func TestChatUndecryptableForOtherRoomKey(t *testing.T) {
	// A receiver whose chat key comes from different room credentials
	// must get a clean decryption error, never garbled plaintext.
	pairA, err := keys.GeneratePair()
	if err != nil {
		t.Fatal(err)
	}
	pairB, err := keys.GeneratePair()
	if err != nil {
		t.Fatal(err)
	}
	keyA, err := e2ee.DeriveChatKey(pairA.Pub, pairA.Priv)
	if err != nil {
		t.Fatal(err)
	}
	keyB, err := e2ee.DeriveChatKey(pairB.Pub, pairB.Priv)
	if err != nil {
		t.Fatal(err)
	}
	ct, iv, err := encryptChat(keyA, "secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := decryptChat(keyB, ct, iv); !apperr.Is(err, apperr.CodeDecryption) {
		t.Fatalf("err = %v, want DECRYPTION", err)
	}
}

func TestHandleChatPlaceholderWithoutKey(t *testing.T) {
	// Ciphertext chat on a session with no chat key still surfaces, as
	// the unreadable-message placeholder.
	ev := &events{}
	s := &Session{cfg: Config{Observer: ev}, log: slog.Default()}
	s.handleChat(&signaling.ChatPayload{Ciphertext: "Y3Q", IV: "aXY", From: "p1", Timestamp: 5})

	chats := ev.waitChats(t, 1)
	if chats[0].Text != encryptedPlaceholder || !chats[0].Encrypted {
		t.Fatalf("chat = %+v, want %q placeholder", chats[0], encryptedPlaceholder)
	}
}

func TestChatNonceFreshPerMessage(t *testing.T) {
	// Every room member derives the same chat key, so a repeated nonce
	// would pair two ciphertexts under one (key, nonce) and break GCM.
	pair, err := keys.GeneratePair()
	if err != nil {
		t.Fatal(err)
	}
	key, err := e2ee.DeriveChatKey(pair.Pub, pair.Priv)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		_, iv, err := encryptChat(key, "same instant")
		if err != nil {
			t.Fatal(err)
		}
		if seen[iv] {
			t.Fatalf("nonce %q repeated", iv)
		}
		seen[iv] = true
	}
}

func TestChatRoundTripAndTamper(t *testing.T) {
	pair, err := keys.GeneratePair()
	if err != nil {
		t.Fatal(err)
	}
	key, err := e2ee.DeriveChatKey(pair.Pub, pair.Priv)
	if err != nil {
		t.Fatal(err)
	}
	ct, iv, err := encryptChat(key, "tamper me")
	if err != nil {
		t.Fatal(err)
	}
	text, err := decryptChat(key, ct, iv)
	if err != nil || text != "tamper me" {
		t.Fatalf("round trip: %q, %v", text, err)
	}

	tampered := []byte(ct)
	tampered[0] ^= 1
	if _, err := decryptChat(key, string(tampered), iv); !apperr.Is(err, apperr.CodeDecryption) {
		t.Fatalf("tampered ciphertext: %v", err)
	}
	if _, err := decryptChat(key, ct, "bm90aXY"); !apperr.Is(err, apperr.CodeDecryption) {
		t.Fatalf("wrong iv: %v", err)
	}
}

func TestPeerLeftCleansUp(t *testing.T) {
	url := newSignalingServer(t)
	pair, err := keys.GeneratePair()
	if err != nil {
		t.Fatal(err)
	}
	aEvents := &events{}
	a := dialSession(t, url, pair, aEvents)
	b := dialSession(t, url, pair, nil)
	bID := b.Self()

	// Wait for the offer to register B on A's side.
	deadline := time.Now().Add(5 * time.Second)
	for len(a.Peers()) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("a never connected to b")
		}
		time.Sleep(10 * time.Millisecond)
	}

	b.Stop()
	deadline = time.Now().Add(5 * time.Second)
	for len(a.Peers()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("a.Peers() = %v after b stopped", a.Peers())
		}
		time.Sleep(10 * time.Millisecond)
	}
	aEvents.mu.Lock()
	left := append([]string(nil), aEvents.left...)
	aEvents.mu.Unlock()
	if len(left) != 1 || left[0] != bID {
		t.Fatalf("left events = %v, want [%s]", left, bID)
	}
}

func TestFetchICE(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ice" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"iceServers": []map[string]any{
				{"urls": []string{"stun:stun.example.com:3478"}},
				{"urls": []string{"turn:turn.example.com:3478"}, "username": "u", "credential": "c"},
			},
			"signaling": map[string]string{
				"currentOrigin": "http://relay.example.com",
				"localOrigin":   "http://localhost:8765",
			},
		})
	}))
	defer ts.Close()

	cfg, err := FetchICE(context.Background(), nil, ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	servers := cfg.WebRTCServers()
	if len(servers) != 2 {
		t.Fatalf("servers = %v", servers)
	}
	if servers[1].Username != "u" || servers[1].Credential != "c" {
		t.Fatalf("turn credentials lost: %+v", servers[1])
	}
	if cfg.Signaling.LocalOrigin != "http://localhost:8765" {
		t.Fatalf("signaling origins = %+v", cfg.Signaling)
	}

	if _, err := FetchICE(context.Background(), nil, "http://127.0.0.1:1"); !apperr.Is(err, apperr.CodeNetwork) {
		t.Fatalf("dead relay: %v", err)
	}
}
