package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

// PeerLink is one independently negotiated media transport between two
// clients. It wraps a peer connection, mirrors its reported connection
// state and queues trickled ICE candidates that arrive before the
// remote description is set.
type PeerLink struct {
	remoteID string
	pc       *webrtc.PeerConnection

	mu        sync.Mutex
	state     webrtc.PeerConnectionState
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	closed    bool
}

func newPeerLink(remoteID string, cfg webrtc.Configuration) (*PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &PeerLink{
		remoteID: remoteID,
		pc:       pc,
		state:    webrtc.PeerConnectionStateNew,
	}, nil
}

// RemoteID returns the other party's client id.
func (l *PeerLink) RemoteID() string {
	return l.remoteID
}

// State returns the last transport-reported connection state.
func (l *PeerLink) State() webrtc.PeerConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OnICECandidate registers the trickle callback. Discovered candidates
// are delivered as the JSON encoding of their candidate init.
func (l *PeerLink) OnICECandidate(h func(candidate json.RawMessage)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("peer_id", l.remoteID).Msg("marshal ice candidate")
			return
		}
		h(data)
	})
}

// OnConnectionStateChange registers the state callback. The link's own
// state mirror is updated before the handler runs.
func (l *PeerLink) OnConnectionStateChange(h func(state webrtc.PeerConnectionState)) {
	l.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.mu.Lock()
		l.state = state
		l.mu.Unlock()
		log.Debug().Str("peer_id", l.remoteID).Str("state", state.String()).Msg("peer connection state")
		h(state)
	})
}

// OnTrack registers the inbound media callback.
func (l *PeerLink) OnTrack(h func(track *webrtc.TrackRemote)) {
	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		h(track)
	})
}

// AddTrack attaches an outbound track.
func (l *PeerLink) AddTrack(track webrtc.TrackLocal) error {
	if _, err := l.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	return nil
}

// CreateOffer generates the local offer and starts candidate
// gathering. The offer is returned immediately; candidates trickle
// through the OnICECandidate callback.
func (l *PeerLink) CreateOffer() (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

// SetRemoteOffer applies a received offer and flushes any candidates
// that arrived before it.
func (l *PeerLink) SetRemoteOffer(sdp string) error {
	return l.setRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

// SetRemoteAnswer applies a received answer and flushes any candidates
// that arrived before it.
func (l *PeerLink) SetRemoteAnswer(sdp string) error {
	return l.setRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (l *PeerLink) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("peer_id", l.remoteID).Msg("apply queued ice candidate")
		}
	}
	return nil
}

// CreateAnswer generates the local answer to a previously applied
// remote offer.
func (l *PeerLink) CreateAnswer() (string, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

// AddCandidate applies a trickled remote candidate. Candidates
// arriving before the remote description are queued and flushed when
// it is set.
func (l *PeerLink) AddCandidate(raw json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("parse ice candidate: %w", err)
	}

	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, candidate)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	return l.pc.AddICECandidate(candidate)
}

// ConnectionType reports whether the selected candidate pair is direct
// or relayed, "unknown" until one has succeeded.
func (l *PeerLink) ConnectionType() string {
	stats := l.pc.GetStats()

	for _, stat := range stats {
		candidatePair, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok || candidatePair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		for _, s := range stats {
			localCandidate, ok := s.(webrtc.ICECandidateStats)
			if !ok || localCandidate.ID != candidatePair.LocalCandidateID {
				continue
			}
			switch localCandidate.CandidateType {
			case webrtc.ICECandidateTypeRelay:
				return "relay"
			case webrtc.ICECandidateTypeHost, webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypePrflx:
				return "direct"
			}
		}
	}
	return "unknown"
}

// Close shuts the transport down. Safe to call more than once.
func (l *PeerLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	if err := l.pc.Close(); err != nil {
		log.Warn().Err(err).Str("peer_id", l.remoteID).Msg("close peer connection")
	}
}
