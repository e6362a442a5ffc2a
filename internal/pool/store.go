// Package pool implements the content-addressed store-and-forward message
// pool. Messages are opaque encrypted blobs addressed by the hash of their
// content; the relay persists them to disk, expires them after a TTL and
// replicates new arrivals to peer relays.
package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/meshpath/meshpath-relay/internal/apperr"
	"github.com/meshpath/meshpath-relay/internal/metrics"
)

// Message is one pooled record. ID is the content hash computed by the
// submitting client; Data and Signature are opaque to the relay.
type Message struct {
	ID        string `json:"id"`
	Data      string `json:"data"`
	Signature string `json:"signature,omitempty"`
	StoredAt  int64  `json:"storedAt"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateID reports whether id is a well-formed pool message ID. IDs are
// base64url content hashes, so the charset doubles as path-traversal
// protection for the on-disk layout.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return apperr.Validation("invalid message id")
	}
	return nil
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Dir          string
	TTL          time.Duration
	MaxDataBytes int
	Logger       *slog.Logger
	Metrics      *metrics.Metrics

	// now is injectable for expiry tests.
	now func() time.Time
}

// Store is the file-backed message pool. Each message lives at
// <dir>/<id>.json; a TTL index over the IDs keeps List cheap and drives
// lazy expiry between sweeps.
type Store struct {
	cfg   StoreConfig
	log   *slog.Logger
	index *ttlcache.Cache[string, int64]

	// Serializes create-vs-delete races on individual files.
	mu sync.Mutex
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxDataBytes <= 0 {
		cfg.MaxDataBytes = 1 << 20
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, apperr.Storage("create pool directory", err)
	}
	s := &Store{
		cfg: cfg,
		log: cfg.Logger.With("component", "pool"),
		index: ttlcache.New[string, int64](
			ttlcache.WithTTL[string, int64](cfg.TTL),
			ttlcache.WithDisableTouchOnHit[string, int64](),
		),
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// rebuildIndex scans the pool directory at startup, indexing live records
// and removing ones that expired while the relay was down.
func (s *Store) rebuildIndex() error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return apperr.Storage("scan pool directory", err)
	}
	now := s.cfg.now()
	var live, expired int
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		if ValidateID(id) != nil {
			continue
		}
		msg, err := s.readMessage(id)
		if err != nil {
			s.log.Warn("dropping unreadable pool record", "id", id, "err", err)
			os.Remove(s.path(id))
			continue
		}
		age := now.Sub(time.UnixMilli(msg.StoredAt))
		if age >= s.cfg.TTL {
			os.Remove(s.path(id))
			expired++
			continue
		}
		s.index.Set(id, msg.StoredAt, s.cfg.TTL-age)
		live++
	}
	s.log.Info("pool index rebuilt", "live", live, "expired", expired)
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.cfg.Dir, id+".json")
}

// Store persists msg. It returns dedup=true when a record with the same ID
// already exists; content addressing makes re-submission idempotent.
func (s *Store) Store(msg Message) (dedup bool, err error) {
	if err := ValidateID(msg.ID); err != nil {
		return false, err
	}
	if msg.Data == "" {
		return false, apperr.Validation("empty message data")
	}
	if len(msg.Data) > s.cfg.MaxDataBytes {
		return false, apperr.Validation(fmt.Sprintf("message data exceeds %d bytes", s.cfg.MaxDataBytes))
	}
	msg.StoredAt = s.cfg.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	// O_EXCL makes the existence check and the create one atomic step, so
	// two concurrent submissions of the same message cannot both win.
	f, err := os.OpenFile(s.path(msg.ID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		s.cfg.Metrics.Inc(metrics.PoolDedup)
		return true, nil
	}
	if err != nil {
		return false, apperr.Storage("create pool record", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(&msg); err != nil {
		f.Close()
		os.Remove(s.path(msg.ID))
		return false, apperr.Storage("write pool record", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(s.path(msg.ID))
		return false, apperr.Storage("close pool record", err)
	}
	s.index.Set(msg.ID, msg.StoredAt, ttlcache.DefaultTTL)
	s.cfg.Metrics.Inc(metrics.PoolStored)
	return false, nil
}

// List returns all non-expired messages ordered oldest first.
func (s *Store) List() ([]Message, error) {
	var ids []string
	for _, item := range s.index.Items() {
		ids = append(ids, item.Key())
	}
	now := s.cfg.now()
	msgs := make([]Message, 0, len(ids))
	for _, id := range ids {
		msg, err := s.readMessage(id)
		if err != nil {
			// Deleted or swept concurrently.
			continue
		}
		if now.Sub(time.UnixMilli(msg.StoredAt)) >= s.cfg.TTL {
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].StoredAt < msgs[j].StoredAt })
	return msgs, nil
}

// Get returns a single message by ID.
func (s *Store) Get(id string) (Message, error) {
	if err := ValidateID(id); err != nil {
		return Message{}, err
	}
	msg, err := s.readMessage(id)
	if err != nil {
		return Message{}, err
	}
	if s.cfg.now().Sub(time.UnixMilli(msg.StoredAt)) >= s.cfg.TTL {
		return Message{}, apperr.NotFound("message expired")
	}
	return msg, nil
}

func (s *Store) readMessage(id string) (Message, error) {
	raw, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return Message{}, apperr.NotFound("message not found")
	}
	if err != nil {
		return Message{}, apperr.Storage("read pool record", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, apperr.Storage("decode pool record", err)
	}
	return msg, nil
}

// Delete removes a message. Deleting an absent or expired message returns
// a NOT_FOUND error.
func (s *Store) Delete(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return apperr.NotFound("message not found")
	}
	if err != nil {
		return apperr.Storage("delete pool record", err)
	}
	s.index.Delete(id)
	return nil
}

// SweepExpired deletes every record older than the TTL and returns how
// many were removed.
func (s *Store) SweepExpired() (int, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0, apperr.Storage("scan pool directory", err)
	}
	now := s.cfg.now()
	var removed int
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		msg, err := s.readMessage(id)
		if err != nil {
			continue
		}
		if now.Sub(time.UnixMilli(msg.StoredAt)) < s.cfg.TTL {
			continue
		}
		s.mu.Lock()
		if os.Remove(s.path(id)) == nil {
			s.index.Delete(id)
			removed++
			s.cfg.Metrics.Inc(metrics.PoolExpired)
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		s.log.Info("swept expired pool messages", "removed", removed)
	}
	return removed, nil
}

// RunSweeper sweeps at the given interval until stop is closed. A sweep
// runs immediately on start.
func (s *Store) RunSweeper(every time.Duration, stop <-chan struct{}) {
	if _, err := s.SweepExpired(); err != nil {
		s.log.Error("pool sweep failed", "err", err)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.SweepExpired(); err != nil {
				s.log.Error("pool sweep failed", "err", err)
			}
		case <-stop:
			return
		}
	}
}

// Count reports how many messages are currently indexed.
func (s *Store) Count() int {
	return s.index.Len()
}
