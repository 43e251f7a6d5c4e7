package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// ViewerInfo holds information about one viewer of the local stream.
type ViewerInfo struct {
	PeerID         string
	Username       string
	State          string // mirrors the transport connection state
	ConnectedAt    time.Time
	ConnectionType string // "direct", "relay", or "unknown"
}

// Sharer owns the local capture stream and one peer link per viewer.
// Each viewer's negotiation runs on its own goroutine; a failure on
// one link never touches the others.
type Sharer struct {
	sig Signaler
	cfg webrtc.Configuration

	mu      sync.Mutex
	sharing bool
	stream  *LocalStream
	links   map[string]*PeerLink
	viewers map[string]*ViewerInfo

	onViewerCount func(count int)
	lastCount     int
}

// NewSharer creates a sharer session controller.
func NewSharer(sig Signaler, ice ICEConfig) *Sharer {
	return &Sharer{
		sig:     sig,
		cfg:     ice.configuration(),
		links:   make(map[string]*PeerLink),
		viewers: make(map[string]*ViewerInfo),
	}
}

// OnViewerCountChange registers a callback invoked whenever the number
// of connected viewers changes.
func (s *Sharer) OnViewerCountChange(h func(count int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onViewerCount = h
}

// StartSharing stores the capture stream handle and announces sharing
// to the relay. The handle must already be acquired by the capture
// collaborator; the controller never initiates capture.
func (s *Sharer) StartSharing(stream *LocalStream) error {
	if stream == nil {
		return fmt.Errorf("nil capture stream")
	}

	s.mu.Lock()
	if s.sharing {
		s.mu.Unlock()
		return fmt.Errorf("already sharing")
	}
	s.sharing = true
	s.stream = stream
	s.mu.Unlock()

	if err := s.sig.StartSharing(); err != nil {
		s.mu.Lock()
		s.sharing = false
		s.stream = nil
		s.mu.Unlock()
		return fmt.Errorf("announce sharing: %w", err)
	}

	log.Info().Int("tracks", len(stream.Tracks())).Msg("sharing started")
	return nil
}

// IsSharing reports whether a capture stream is currently announced.
func (s *Sharer) IsSharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharing
}

// HandleStreamRequest starts a negotiation with the requesting viewer.
// Requests received while not sharing are ignored; the relay gates
// them, but a request can race a stop.
func (s *Sharer) HandleStreamRequest(viewerID, viewerUsername string) {
	s.mu.Lock()
	sharing := s.sharing
	stream := s.stream
	s.mu.Unlock()

	if !sharing {
		log.Debug().Str("viewer_id", viewerID).Msg("stream request while not sharing, ignored")
		return
	}

	// Negotiation must not block other viewers or the signal loop.
	go s.negotiate(viewerID, viewerUsername, stream)
}

func (s *Sharer) negotiate(viewerID, viewerUsername string, stream *LocalStream) {
	link, err := newPeerLink(viewerID, s.cfg)
	if err != nil {
		log.Error().Err(err).Str("viewer_id", viewerID).Msg("create peer link")
		return
	}

	for _, track := range stream.Tracks() {
		if err := link.AddTrack(track); err != nil {
			log.Error().Err(err).Str("viewer_id", viewerID).Msg("attach track")
			link.Close()
			return
		}
	}

	link.OnICECandidate(func(candidate json.RawMessage) {
		if err := s.sig.SendCandidate(viewerID, candidate); err != nil {
			log.Warn().Err(err).Str("viewer_id", viewerID).Msg("send ice candidate")
		}
	})
	link.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.handleLinkState(viewerID, link, state)
	})

	s.mu.Lock()
	if !s.sharing {
		// Raced with StopSharing; do not resurrect the session.
		s.mu.Unlock()
		link.Close()
		return
	}
	if old, ok := s.links[viewerID]; ok {
		old.Close()
	}
	s.links[viewerID] = link
	s.viewers[viewerID] = &ViewerInfo{
		PeerID:         viewerID,
		Username:       viewerUsername,
		State:          webrtc.PeerConnectionStateNew.String(),
		ConnectionType: "unknown",
	}
	s.mu.Unlock()

	offer, err := link.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("viewer_id", viewerID).Msg("create offer")
		s.removeLink(viewerID, link)
		return
	}

	if err := s.sig.SendOffer(viewerID, offer); err != nil {
		log.Error().Err(err).Str("viewer_id", viewerID).Msg("send offer")
		s.removeLink(viewerID, link)
		return
	}

	log.Info().Str("viewer_id", viewerID).Str("viewer", viewerUsername).Msg("offer sent")
}

// HandleAnswer applies the viewer's answer to its peer link.
func (s *Sharer) HandleAnswer(senderID, sdp string) error {
	s.mu.Lock()
	link, ok := s.links[senderID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("peer not found: %s", senderID)
	}
	return link.SetRemoteAnswer(sdp)
}

// HandleCandidate applies a trickled viewer candidate to its peer
// link. Candidates may arrive before the answer; the link queues them.
func (s *Sharer) HandleCandidate(senderID string, candidate json.RawMessage) error {
	s.mu.Lock()
	link, ok := s.links[senderID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("peer not found: %s", senderID)
	}
	return link.AddCandidate(candidate)
}

// handleLinkState tracks a link's reported state, refreshes the viewer
// bookkeeping and drops links that reached a terminal state.
func (s *Sharer) handleLinkState(viewerID string, link *PeerLink, state webrtc.PeerConnectionState) {
	s.mu.Lock()
	if current, ok := s.links[viewerID]; !ok || current != link {
		s.mu.Unlock()
		return
	}
	if info, ok := s.viewers[viewerID]; ok {
		info.State = state.String()
		if state == webrtc.PeerConnectionStateConnected {
			info.ConnectedAt = time.Now()
			info.ConnectionType = link.ConnectionType()
		}
	}

	terminal := state == webrtc.PeerConnectionStateDisconnected ||
		state == webrtc.PeerConnectionStateFailed ||
		state == webrtc.PeerConnectionStateClosed
	if terminal {
		delete(s.links, viewerID)
		delete(s.viewers, viewerID)
	}
	count, changed := s.recountLocked()
	notify := s.onViewerCount
	s.mu.Unlock()

	if terminal {
		link.Close()
		log.Info().Str("viewer_id", viewerID).Str("state", state.String()).Msg("viewer link closed")
	}
	if changed && notify != nil {
		notify(count)
	}
}

// removeLink drops a link that failed during negotiation.
func (s *Sharer) removeLink(viewerID string, link *PeerLink) {
	s.mu.Lock()
	if current, ok := s.links[viewerID]; ok && current == link {
		delete(s.links, viewerID)
		delete(s.viewers, viewerID)
	}
	count, changed := s.recountLocked()
	notify := s.onViewerCount
	s.mu.Unlock()

	link.Close()
	if changed && notify != nil {
		notify(count)
	}
}

// recountLocked recomputes the connected-viewer count. Caller must
// hold s.mu.
func (s *Sharer) recountLocked() (int, bool) {
	count := 0
	for _, link := range s.links {
		if link.State() == webrtc.PeerConnectionStateConnected {
			count++
		}
	}
	changed := count != s.lastCount
	s.lastCount = count
	return count, changed
}

// StopSharing stops every capture track, closes every peer link and
// announces stop-sharing to the relay. When it returns no peer links
// remain open.
func (s *Sharer) StopSharing() {
	s.mu.Lock()
	if !s.sharing {
		s.mu.Unlock()
		return
	}
	s.sharing = false
	stream := s.stream
	s.stream = nil
	links := lo.Values(s.links)
	s.links = make(map[string]*PeerLink)
	s.viewers = make(map[string]*ViewerInfo)
	s.lastCount = 0
	notify := s.onViewerCount
	s.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	for _, link := range links {
		link.Close()
	}
	if err := s.sig.StopSharing(); err != nil {
		log.Warn().Err(err).Msg("announce stop sharing")
	}
	if notify != nil {
		notify(0)
	}

	log.Info().Int("closed_links", len(links)).Msg("sharing stopped")
}

// ViewerCount returns the number of viewers with a connected link.
func (s *Sharer) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, link := range s.links {
		if link.State() == webrtc.PeerConnectionStateConnected {
			count++
		}
	}
	return count
}

// Viewers returns a snapshot of the current viewer bookkeeping,
// ordered by connect time.
func (s *Sharer) Viewers() []ViewerInfo {
	s.mu.Lock()
	viewers := lo.Map(lo.Values(s.viewers), func(v *ViewerInfo, _ int) ViewerInfo {
		return *v
	})
	s.mu.Unlock()

	sort.Slice(viewers, func(i, j int) bool {
		if viewers[i].ConnectedAt.Equal(viewers[j].ConnectedAt) {
			return viewers[i].PeerID < viewers[j].PeerID
		}
		return viewers[i].ConnectedAt.Before(viewers[j].ConnectedAt)
	})
	return viewers
}
