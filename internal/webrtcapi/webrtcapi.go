// Package webrtcapi builds the shared pion API object used by call
// sessions, wiring in network settings, default codecs and the per-room
// frame encryption interceptor.
package webrtcapi

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/meshpath/meshpath-relay/internal/config"
	"github.com/meshpath/meshpath-relay/internal/e2ee"
)

// Options configures NewAPI beyond what config carries.
type Options struct {
	// FrameCrypto, when set, registers an interceptor that encrypts
	// outbound and decrypts inbound RTP payloads with the room media key.
	FrameCrypto *e2ee.Pipeline

	Logger *slog.Logger
}

// NewAPI constructs a pion API with the relay's network settings applied.
func NewAPI(cfg config.Config, opts Options) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := applyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	if opts.Logger != nil {
		se.LoggerFactory = newLoggerFactory(opts.Logger)
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	if opts.FrameCrypto != nil {
		ir.Add(&e2ee.InterceptorFactory{Pipeline: opts.FrameCrypto})
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
	), nil
}

func applyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	return nil
}

// NewPeerConnection constructs a peer connection using the configured ICE
// servers.
func NewPeerConnection(api *webrtc.API, cfg config.Config) (*webrtc.PeerConnection, error) {
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: cfg.ICEServers,
	})
}
