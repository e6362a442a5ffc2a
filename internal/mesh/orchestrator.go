package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshpath/meshpath-relay/internal/apperr"
	"github.com/meshpath/meshpath-relay/internal/keys"
)

// Observer receives decrypted messages as polling discovers them.
// Callbacks run on the polling goroutine and must not block.
type Observer interface {
	OnMessage(msg Message)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(msg Message)

func (f ObserverFunc) OnMessage(msg Message) { f(msg) }

// Config configures an Orchestrator.
type Config struct {
	// Identity signs outgoing envelopes. A fresh one is generated when
	// left empty.
	Identity     keys.Pair
	Store        Store
	Relays       []string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
	Observer     Observer
}

// Orchestrator ties rooms, relays and the local store together. Submit
// encrypts and fans a message out to every enabled relay; the poll loop
// pulls relay pools, decrypts what belongs to known rooms and re-uploads
// accepted messages so they propagate to relays the original sender never
// reached.
type Orchestrator struct {
	identity keys.Pair
	store    Store
	relays   *relaySet
	client   *http.Client
	log      *slog.Logger
	observer Observer
	interval time.Duration

	polling atomic.Bool
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Identity.Pub == "" {
		pair, err := keys.GeneratePair()
		if err != nil {
			return nil, err
		}
		cfg.Identity = pair
	}
	if cfg.Store == nil {
		cfg.Store = NewMemStore()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	return &Orchestrator{
		identity: cfg.Identity,
		store:    cfg.Store,
		relays:   newRelaySet(cfg.Relays),
		client:   cfg.HTTPClient,
		log:      cfg.Logger.With("component", "mesh"),
		observer: cfg.Observer,
		interval: cfg.PollInterval,
	}, nil
}

// Identity returns the public key outgoing envelopes are signed with.
func (o *Orchestrator) Identity() string { return o.identity.Pub }

// Store exposes the underlying message store.
func (o *Orchestrator) Store() Store { return o.store }

// CreateRoom generates a fresh room key pair and persists the room.
func (o *Orchestrator) CreateRoom(name string) (Room, error) {
	pair, err := keys.GeneratePair()
	if err != nil {
		return Room{}, err
	}
	room := Room{Name: name, Keys: pair}
	if err := o.store.SaveRoom(room); err != nil {
		return Room{}, err
	}
	return room, nil
}

// JoinRoom imports an existing room key pair. Re-joining a known room is
// an update, not an error, so share links can be accepted repeatedly.
func (o *Orchestrator) JoinRoom(name string, pair keys.Pair) (Room, error) {
	room := Room{Name: name, Keys: pair}
	if err := o.store.SaveRoom(room); err != nil {
		return Room{}, err
	}
	return room, nil
}

// RoomShare is the JSON blob members exchange out of band to invite
// someone into a room. It carries the full key pair; whoever holds it is
// a member.
type RoomShare struct {
	Name string    `json:"name"`
	Keys keys.Pair `json:"keys"`
}

// ExportRoom serializes a room as a share blob.
func (o *Orchestrator) ExportRoom(id string) (string, error) {
	room, err := o.store.Room(id)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(RoomShare{Name: room.Name, Keys: room.Keys})
	if err != nil {
		return "", apperr.Storage("encode room share", err)
	}
	return string(raw), nil
}

// ImportRoom joins a room from a share blob.
func (o *Orchestrator) ImportRoom(share string) (Room, error) {
	var s RoomShare
	if err := json.Unmarshal([]byte(share), &s); err != nil {
		return Room{}, apperr.Validation("malformed room share")
	}
	if s.Keys.Pub == "" || s.Keys.Priv == "" || s.Keys.EPub == "" || s.Keys.EPriv == "" {
		return Room{}, apperr.Validation("room share missing keys")
	}
	return o.JoinRoom(s.Name, s.Keys)
}

// LeaveRoom forgets a room along with every message stored for it.
func (o *Orchestrator) LeaveRoom(id string) error {
	return o.store.DeleteRoom(id)
}

// Relay management. Any change wakes the poll loop.

func (o *Orchestrator) AddRelay(url string) error    { return o.relays.add(url) }
func (o *Orchestrator) RemoveRelay(url string) error { return o.relays.remove(url) }
func (o *Orchestrator) SetRelayEnabled(url string, enabled bool) error {
	return o.relays.setEnabled(url, enabled)
}
func (o *Orchestrator) Relays() []Relay { return o.relays.all() }

// PingRelay reports whether a relay answers pool requests and how fast.
// The outcome is recorded on the relay's LastStatus.
func (o *Orchestrator) PingRelay(ctx context.Context, url string) (time.Duration, error) {
	rtt, err := pingRelay(ctx, o.client, url)
	if err != nil {
		o.relays.markStatus(url, relayStatusError, time.Now())
		return 0, err
	}
	o.relays.markStatus(url, relayStatusOK, time.Now())
	return rtt, nil
}

// Submit encrypts content for the room, records it locally and uploads
// it to every enabled relay. The sender's own copy never depends on
// relay delivery; with no enabled relays the message simply waits
// locally until one is added.
func (o *Orchestrator) Submit(ctx context.Context, roomID, content string) (string, error) {
	if content == "" {
		return "", apperr.Validation("empty message content")
	}
	room, err := o.store.Room(roomID)
	if err != nil {
		return "", err
	}
	sentAt := time.Now().UnixMilli()
	wrapper, err := sealEnvelope(room, o.identity, content, sentAt)
	if err != nil {
		return "", err
	}
	id, data, err := wrapper.Encode()
	if err != nil {
		return "", err
	}

	local := Message{ID: id, RoomID: roomID, Content: content, From: o.identity.Pub, SentAt: sentAt}
	if err := o.store.SaveMessage(local); err != nil {
		return "", err
	}
	o.notify(local)

	o.broadcast(ctx, o.relays.enabled(), id, data)
	return id, nil
}

// broadcast uploads one pool record to every listed relay concurrently
// and waits for all attempts, so one slow relay never serializes the
// rest. Failures are logged; relay health is surfaced through the relay
// status, not through the caller's error.
func (o *Orchestrator) broadcast(ctx context.Context, relays []string, id, data string) {
	var wg sync.WaitGroup
	for _, relay := range relays {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.upload(ctx, relay, id, data); err != nil {
				o.log.Warn("relay upload failed", "relay", relay, "id", id, "err", err)
			}
		}()
	}
	wg.Wait()
}

// PollStats summarizes one poll pass.
type PollStats struct {
	// Skipped is true when the pass was dropped because another one was
	// already running.
	Skipped    bool
	Relays     int
	Seen       int
	Accepted   int
	Propagated int
}

// PollOnce pulls every enabled relay once. Polling is non-reentrant: a
// call that overlaps a running pass returns immediately with Skipped set.
func (o *Orchestrator) PollOnce(ctx context.Context) (PollStats, error) {
	if !o.polling.CompareAndSwap(false, true) {
		return PollStats{Skipped: true}, nil
	}
	defer o.polling.Store(false)

	rooms, err := o.store.Rooms()
	if err != nil {
		return PollStats{}, err
	}
	roomsByID := make(map[string]Room, len(rooms))
	for _, r := range rooms {
		roomsByID[r.ID()] = r
	}

	relays := o.relays.enabled()
	stats := PollStats{Relays: len(relays)}
	for _, relay := range relays {
		msgs, err := o.list(ctx, relay)
		if err != nil {
			o.log.Warn("poll relay failed", "relay", relay, "err", err)
			o.relays.markStatus(relay, relayStatusError, time.Now())
			continue
		}
		o.relays.markStatus(relay, relayStatusOK, time.Now())
		for _, pm := range msgs {
			stats.Seen++
			accepted, err := o.ingest(ctx, relay, relays, roomsByID, pm)
			if err != nil {
				o.log.Debug("skipping pool message", "relay", relay, "id", pm.ID, "err", err)
				continue
			}
			if accepted {
				stats.Accepted++
				stats.Propagated += len(relays) - 1
			}
		}
	}
	return stats, nil
}

// ingest handles one pool record: decode, match to a room, verify,
// decrypt, store, notify and re-propagate. Records for unknown rooms or
// schemes are ignored without error.
func (o *Orchestrator) ingest(ctx context.Context, origin string, relays []string, rooms map[string]Room, pm poolMessage) (bool, error) {
	seen, err := o.store.HasMessage(pm.ID)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}
	wrapper, ok := decodeWrapper(pm.Data)
	if !ok {
		return false, nil
	}
	room, ok := rooms[wrapper.RoomID]
	if !ok {
		return false, nil
	}
	env, err := openEnvelope(room, wrapper)
	if err != nil {
		return false, err
	}
	dup, err := o.hasMessageFrom(room.ID(), env.From, env.SentAt)
	if err != nil {
		return false, err
	}
	if dup {
		return false, nil
	}
	msg := Message{
		ID:      pm.ID,
		RoomID:  room.ID(),
		Content: env.Text,
		From:    env.From,
		SentAt:  env.SentAt,
		Relay:   origin,
	}
	if err := o.store.SaveMessage(msg); err != nil {
		return false, err
	}
	o.notify(msg)

	// Client-side propagation: push the record to the other relays so the
	// pools converge even though relays never gossip directly. Receiving
	// relays deduplicate by content hash.
	var others []string
	for _, relay := range relays {
		if relay != origin {
			others = append(others, relay)
		}
	}
	o.broadcast(ctx, others, pm.ID, pm.Data)
	return true, nil
}

// Run polls on a fixed interval until ctx is done. Relay list changes
// trigger an immediate extra pass.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		if _, err := o.PollOnce(ctx); err != nil {
			o.log.Error("poll pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.relays.changed:
		}
	}
}

// hasMessageFrom reports whether a message with the same sender and
// timestamp is already stored for the room. The same logical message can
// arrive under a different wrapper hash when a sender re-encrypts it, so
// the content-hash dedup alone is not enough.
func (o *Orchestrator) hasMessageFrom(roomID, from string, sentAt int64) (bool, error) {
	msgs, err := o.store.Messages(roomID)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if m.From == from && m.SentAt == sentAt {
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) notify(msg Message) {
	if o.observer != nil {
		o.observer.OnMessage(msg)
	}
}

type poolMessage struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

func (o *Orchestrator) upload(ctx context.Context, relay, id, data string) error {
	body, err := json.Marshal(poolMessage{ID: id, Data: data})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, relay+"/pool/message", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return apperr.Network("upload failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return apperr.Network("upload rejected", fmt.Errorf("status %s", resp.Status))
	}
	return nil
}

func (o *Orchestrator) list(ctx context.Context, relay string) ([]poolMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, relay+"/pool/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, apperr.Network("list failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Network("list rejected", fmt.Errorf("status %s", resp.Status))
	}
	var out struct {
		Messages []poolMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Network("decode list response", err)
	}
	return out.Messages, nil
}
