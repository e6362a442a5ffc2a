package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandlerRendersCounters(t *testing.T) {
	m := New()
	m.Inc(AuthSuccess)
	m.Inc(PoolStored)
	m.Inc(PoolStored)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`meshpath_relay_events_total{event="auth_success"} 1`,
		`meshpath_relay_events_total{event="pool_stored"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := New()
	m.Inc(PeerJoined)
	snap := m.Snapshot()
	snap[PeerJoined] = 100
	if got := m.Get(PeerJoined); got != 1 {
		t.Fatalf("Get = %d after mutating snapshot, want 1", got)
	}
}
