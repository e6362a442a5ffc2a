package mesh

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/meshpath/meshpath-relay/internal/apperr"
)

// Relay is one configured relay server. Disabled relays stay in the list
// but are skipped by submission and polling. LastStatus and LastSyncAt
// record the outcome of the most recent poll or ping against it.
type Relay struct {
	URL        string    `json:"url"`
	Enabled    bool      `json:"enabled"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastSyncAt time.Time `json:"lastSyncAt"`
}

const (
	relayStatusOK    = "ok"
	relayStatusError = "error"
)

// relaySet is the mutable relay list. Changes signal the poller through
// the changed channel so a new relay is polled immediately rather than on
// the next tick.
type relaySet struct {
	mu      sync.Mutex
	relays  []Relay
	changed chan struct{}
}

func newRelaySet(urls []string) *relaySet {
	s := &relaySet{changed: make(chan struct{}, 1)}
	for _, u := range urls {
		if u = normalizeRelayURL(u); u != "" {
			s.relays = append(s.relays, Relay{URL: u, Enabled: true})
		}
	}
	return s
}

func normalizeRelayURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

func (s *relaySet) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *relaySet) add(url string) error {
	url = normalizeRelayURL(url)
	if url == "" {
		return apperr.Validation("empty relay URL")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return apperr.Validation("relay URL must be http or https")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.relays {
		if r.URL == url {
			return apperr.Validation("relay already configured")
		}
	}
	s.relays = append(s.relays, Relay{URL: url, Enabled: true})
	s.notify()
	return nil
}

func (s *relaySet) remove(url string) error {
	url = normalizeRelayURL(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.relays {
		if r.URL == url {
			s.relays = append(s.relays[:i], s.relays[i+1:]...)
			s.notify()
			return nil
		}
	}
	return apperr.NotFound("relay not configured")
}

func (s *relaySet) setEnabled(url string, enabled bool) error {
	url = normalizeRelayURL(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.relays {
		if r.URL == url {
			if s.relays[i].Enabled != enabled {
				s.relays[i].Enabled = enabled
				s.notify()
			}
			return nil
		}
	}
	return apperr.NotFound("relay not configured")
}

// markStatus records the outcome of the latest contact with a relay.
// Successful contact also bumps LastSyncAt. Unknown URLs are ignored; the
// relay may have been removed while a poll was in flight.
func (s *relaySet) markStatus(url, status string, at time.Time) {
	url = normalizeRelayURL(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.relays {
		if r.URL == url {
			s.relays[i].LastStatus = status
			if status == relayStatusOK {
				s.relays[i].LastSyncAt = at
			}
			return
		}
	}
}

func (s *relaySet) all() []Relay {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Relay, len(s.relays))
	copy(out, s.relays)
	return out
}

func (s *relaySet) enabled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var urls []string
	for _, r := range s.relays {
		if r.Enabled {
			urls = append(urls, r.URL)
		}
	}
	return urls
}

// pingRelay checks reachability by listing the relay pool and reports the
// round trip time.
func pingRelay(ctx context.Context, client *http.Client, url string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalizeRelayURL(url)+"/pool/list", nil)
	if err != nil {
		return 0, apperr.Validation("invalid relay URL")
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, apperr.Network("relay unreachable", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return 0, apperr.Network("relay unhealthy", fmt.Errorf("status %s", resp.Status))
	}
	return time.Since(start), nil
}
