package call

import (
	"encoding/json"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/meshpath/meshpath-relay/internal/apperr"
	"github.com/meshpath/meshpath-relay/internal/signaling"
)

// peer is one WebRTC connection to another room member.
type peer struct {
	id   string
	sess *Session
	pc   *webrtc.PeerConnection
	log  *slog.Logger
}

// ensurePeer returns the existing peer or creates one. When initiate is
// set, the local side opens a data channel and sends the offer.
func (s *Session) ensurePeer(id string, initiate bool) (*peer, error) {
	s.mu.Lock()
	if p, ok := s.peers[id]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	pc, err := s.cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: s.cfg.ICEServers})
	if err != nil {
		return nil, apperr.Network("create peer connection", err)
	}
	p := &peer{id: id, sess: s, pc: pc, log: s.log.With("peer", id)}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		p.sendSignal("candidate", raw)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			s.dropPeer(p.id)
		}
	})

	if s.cfg.OnPeerConnection != nil {
		s.cfg.OnPeerConnection(id, pc)
	}

	s.mu.Lock()
	s.peers[id] = p
	s.mu.Unlock()

	if initiate {
		if err := p.offer(); err != nil {
			s.dropPeer(id)
			return nil, err
		}
	}
	return p, nil
}

// offer starts negotiation. A data channel is always opened so the
// connection establishes even before any media tracks are attached.
func (p *peer) offer() error {
	if _, err := p.pc.CreateDataChannel("meshpath", nil); err != nil {
		return apperr.Network("create data channel", err)
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return apperr.Network("create offer", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return apperr.Network("set local description", err)
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	p.sendSignal("offer", raw)
	return nil
}

func (s *Session) handleSignal(sig *signaling.SignalPayload) {
	switch sig.Kind {
	case "offer":
		p, err := s.ensurePeer(sig.From, false)
		if err != nil {
			s.log.Error("peer setup for offer failed", "peer", sig.From, "err", err)
			return
		}
		p.handleOffer(sig.Data)
	case "answer":
		if p := s.lookupPeer(sig.From); p != nil {
			p.handleAnswer(sig.Data)
		}
	case "candidate":
		if p := s.lookupPeer(sig.From); p != nil {
			p.handleCandidate(sig.Data)
		}
	}
}

func (s *Session) lookupPeer(id string) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[id]
}

func (p *peer) handleOffer(data json.RawMessage) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(data, &offer); err != nil {
		p.log.Warn("bad offer", "err", err)
		return
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		p.log.Error("set remote offer", "err", err)
		return
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.log.Error("create answer", "err", err)
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		p.log.Error("set local answer", "err", err)
		return
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		return
	}
	p.sendSignal("answer", raw)
}

func (p *peer) handleAnswer(data json.RawMessage) {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(data, &answer); err != nil {
		p.log.Warn("bad answer", "err", err)
		return
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		p.log.Error("set remote answer", "err", err)
	}
}

func (p *peer) handleCandidate(data json.RawMessage) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &candidate); err != nil {
		p.log.Warn("bad candidate", "err", err)
		return
	}
	if err := p.pc.AddICECandidate(candidate); err != nil {
		p.log.Warn("add candidate", "err", err)
	}
}

func (p *peer) sendSignal(kind string, data json.RawMessage) {
	err := p.sess.send(&signaling.Message{Type: signaling.TypeSignal, Signal: &signaling.SignalPayload{
		Kind: kind,
		Data: data,
		To:   p.id,
	}})
	if err != nil {
		p.log.Warn("signal send failed", "kind", kind, "err", err)
	}
}

func (p *peer) close() {
	if err := p.pc.Close(); err != nil {
		p.log.Debug("peer close", "err", err)
	}
}
