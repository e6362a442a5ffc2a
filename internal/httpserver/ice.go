package httpserver

import (
	"fmt"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/meshpath/meshpath-relay/internal/turnrest"
)

// SetTURNRest enables ephemeral TURN credential minting on /ice. Must be
// called before Serve.
func (s *Server) SetTURNRest(gen *turnrest.Generator, urls []string) {
	s.turnRest = gen
	s.turnRestURLs = urls
}

// handleICE hands clients everything they need to start a call: the ICE
// servers for NAT traversal and the signaling origins. currentOrigin is
// derived from the request so clients behind a reverse proxy get the
// externally visible address; localOrigin points at the relay's own
// listen port for same-host tooling.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.ICEServers
	if s.turnRest != nil {
		creds := s.turnRest.Generate()
		servers = append(append([]webrtc.ICEServer(nil), servers...), webrtc.ICEServer{
			URLs:       s.turnRestURLs,
			Username:   creds.Username,
			Credential: creds.Credential,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"iceServers": servers,
		"signaling": map[string]string{
			"currentOrigin": currentOrigin(r, s.cfg.PublicHost),
			"localOrigin":   s.cfg.LocalOrigin(),
		},
	})
}

func currentOrigin(r *http.Request, publicHost string) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	host := publicHost
	if host == "" {
		host = r.Host
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}
