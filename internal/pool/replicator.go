package pool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/meshpath/meshpath-relay/internal/metrics"
)

// Replicator forwards newly stored messages to peer relays. Delivery is
// best effort: a peer that is down simply misses the message until a
// client re-propagates it, so failures are logged and dropped rather than
// retried.
type Replicator struct {
	peers   []string
	client  *http.Client
	log     *slog.Logger
	metrics *metrics.Metrics

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewReplicator builds a replicator for the given peer base URLs. A nil
// client uses a default with a short timeout.
func NewReplicator(peers []string, client *http.Client, log *slog.Logger, m *metrics.Metrics) *Replicator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Replicator{
		peers:   peers,
		client:  client,
		log:     log.With("component", "pool-replicator"),
		metrics: m,
	}
}

// Replicate fans msg out to every peer concurrently. It returns
// immediately; use Close to wait for in-flight deliveries.
func (r *Replicator) Replicate(msg Message) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(len(r.peers))
	r.mu.Unlock()

	for _, peer := range r.peers {
		go func(peer string) {
			defer r.wg.Done()
			if err := r.deliver(peer, msg); err != nil {
				r.metrics.Inc(metrics.PoolFanoutFailure)
				r.log.Warn("fanout delivery failed", "peer", peer, "id", msg.ID, "err", err)
				return
			}
			r.metrics.Inc(metrics.PoolFanoutDelivery)
		}(peer)
	}
}

func (r *Replicator) deliver(peer string, msg Message) error {
	body, err := json.Marshal(submitRequest{
		ID:        msg.ID,
		Data:      msg.Data,
		Signature: msg.Signature,
	})
	if err != nil {
		return err
	}
	resp, err := r.client.Post(peer+"/pool/message", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer returned %s", resp.Status)
	}
	return nil
}

// Close waits for in-flight deliveries and rejects new ones.
func (r *Replicator) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}
