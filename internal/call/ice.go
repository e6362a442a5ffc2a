package call

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/meshpath/meshpath-relay/internal/apperr"
)

// ICEConfig is the relay's /ice response.
type ICEConfig struct {
	ICEServers []iceServerJSON `json:"iceServers"`
	Signaling  struct {
		CurrentOrigin string `json:"currentOrigin"`
		LocalOrigin   string `json:"localOrigin"`
	} `json:"signaling"`
}

type iceServerJSON struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// FetchICE retrieves ICE servers and signaling origins from a relay.
func FetchICE(ctx context.Context, client *http.Client, baseURL string) (*ICEConfig, error) {
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimRight(baseURL, "/") + "/ice"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Validation("invalid relay URL")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperr.Network("fetch ICE config", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Network("fetch ICE config", fmt.Errorf("status %s", resp.Status))
	}
	var cfg ICEConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, apperr.Network("decode ICE config", err)
	}
	return &cfg, nil
}

// WebRTCServers converts the response into pion's configuration type.
func (c *ICEConfig) WebRTCServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}
