package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/devdamo/Shortcut-launcher/pkg/signal"
)

// maxEarlyCandidates bounds how many trickled candidates are held for
// a sharer whose offer has not arrived yet.
const maxEarlyCandidates = 32

// Viewer holds at most one peer link at a time: opening a new view
// closes the previous one first. Inbound media is surfaced to the
// render sink as tracks arrive.
type Viewer struct {
	sig  Signaler
	cfg  webrtc.Configuration
	sink RenderSink

	mu       sync.Mutex
	link     *PeerLink
	remote   *RemoteStream
	targetID string
	early    []json.RawMessage // candidates that outran the offer
	gen      uint64            // bumped on CloseView

	onState func(remoteID string, state webrtc.PeerConnectionState)
}

// NewViewer creates a viewer session controller.
func NewViewer(sig Signaler, ice ICEConfig, sink RenderSink) *Viewer {
	return &Viewer{
		sig:  sig,
		cfg:  ice.configuration(),
		sink: sink,
	}
}

// OnConnectionStateChange registers a callback for the active link's
// transport state transitions.
func (v *Viewer) OnConnectionStateChange(h func(remoteID string, state webrtc.PeerConnectionState)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onState = h
}

// View requests target's stream. Any previously open view is closed
// first; a viewer holds at most one peer link.
func (v *Viewer) View(targetID string) error {
	v.CloseView()

	v.mu.Lock()
	v.targetID = targetID
	v.mu.Unlock()

	if err := v.sig.RequestStream(targetID); err != nil {
		return fmt.Errorf("request stream: %w", err)
	}

	log.Info().Str("target", targetID).Msg("stream requested")
	return nil
}

// HandleOffer answers an offer from the requested sharer: it creates
// the peer link, wires inbound media to the render sink, applies the
// offer and sends the answer back through the relay. Offers from
// anyone other than the requested sharer are ignored, including offers
// arriving after the view was closed.
func (v *Viewer) HandleOffer(senderID, sdp string) error {
	v.mu.Lock()
	if v.targetID != senderID {
		v.mu.Unlock()
		log.Debug().Str("sender", senderID).Str("target", v.targetID).Msg("offer without matching view request, ignored")
		return nil
	}
	old := v.link
	v.link = nil
	gen := v.gen
	v.mu.Unlock()
	if old != nil {
		old.Close()
	}

	link, err := newPeerLink(senderID, v.cfg)
	if err != nil {
		return err
	}
	remote := &RemoteStream{PeerID: senderID}

	link.OnICECandidate(func(candidate json.RawMessage) {
		if err := v.sig.SendCandidate(senderID, candidate); err != nil {
			log.Warn().Err(err).Str("sharer_id", senderID).Msg("send ice candidate")
		}
	})
	link.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		v.handleLinkState(link, state)
	})
	link.OnTrack(func(track *webrtc.TrackRemote) {
		remote.addTrack(track)
		log.Info().Str("sharer_id", senderID).Str("kind", track.Kind().String()).Msg("remote track received")
		if v.sink != nil {
			v.sink.AttachRemoteStream(remote)
		}
	})

	v.mu.Lock()
	if v.gen != gen {
		// The view was closed while the offer was in flight; do not
		// reopen it.
		v.mu.Unlock()
		link.Close()
		return nil
	}
	v.link = link
	v.remote = remote
	early := v.early
	v.early = nil
	v.mu.Unlock()

	// Candidates that beat the offer go onto the link first, so the
	// flush at SetRemoteOffer applies them in arrival order.
	for _, c := range early {
		if err := link.AddCandidate(c); err != nil {
			log.Warn().Err(err).Str("sharer_id", senderID).Msg("apply held ice candidate")
		}
	}

	if err := link.SetRemoteOffer(sdp); err != nil {
		v.CloseView()
		return err
	}

	answer, err := link.CreateAnswer()
	if err != nil {
		v.CloseView()
		return err
	}

	if err := v.sig.SendAnswer(senderID, answer); err != nil {
		v.CloseView()
		return fmt.Errorf("send answer: %w", err)
	}

	log.Info().Str("sharer_id", senderID).Msg("answer sent")
	return nil
}

// HandleCandidate applies a trickled sharer candidate. The sharer
// starts gathering before its offer is sent, so candidates from the
// requested sharer may arrive first; those are held until HandleOffer
// creates the link. Candidates from anyone else are rejected.
func (v *Viewer) HandleCandidate(senderID string, candidate json.RawMessage) error {
	v.mu.Lock()
	link := v.link
	if link == nil && v.targetID == senderID {
		if len(v.early) < maxEarlyCandidates {
			v.early = append(v.early, candidate)
		} else {
			log.Warn().Str("sharer_id", senderID).Msg("early candidate buffer full, dropped")
		}
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()

	if link == nil || link.RemoteID() != senderID {
		return fmt.Errorf("no peer link for %s", senderID)
	}
	return link.AddCandidate(candidate)
}

// HandleUserList cross-references a directory broadcast against the
// active view. The relay does not notify peers of a departure, so a
// sharer that vanished or stopped sharing is detected here and the
// view is closed.
func (v *Viewer) HandleUserList(users []signal.UserInfo) {
	v.mu.Lock()
	link := v.link
	v.mu.Unlock()
	if link == nil {
		return
	}

	for _, u := range users {
		if u.ID == link.RemoteID() && u.IsSharing {
			return
		}
	}

	log.Info().Str("sharer_id", link.RemoteID()).Msg("sharer gone, closing view")
	v.CloseView()
}

func (v *Viewer) handleLinkState(link *PeerLink, state webrtc.PeerConnectionState) {
	v.mu.Lock()
	if v.link != link {
		v.mu.Unlock()
		return
	}
	notify := v.onState
	remoteID := link.RemoteID()

	terminal := state == webrtc.PeerConnectionStateDisconnected ||
		state == webrtc.PeerConnectionStateFailed ||
		state == webrtc.PeerConnectionStateClosed
	if terminal {
		v.link = nil
		v.remote = nil
	}
	v.mu.Unlock()

	if terminal {
		link.Close()
		if v.sink != nil {
			v.sink.Clear()
		}
	}
	if notify != nil {
		notify(remoteID, state)
	}
}

// State returns the active link's connection state, or new when no
// view is open.
func (v *Viewer) State() webrtc.PeerConnectionState {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.link == nil {
		return webrtc.PeerConnectionStateNew
	}
	return v.link.State()
}

// Watching returns the id of the sharer currently being viewed, empty
// when no view is open.
func (v *Viewer) Watching() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.link == nil {
		return ""
	}
	return v.link.RemoteID()
}

// CloseView closes the active peer link and clears the render sink.
// When it returns no transport resources remain.
func (v *Viewer) CloseView() {
	v.mu.Lock()
	link := v.link
	v.link = nil
	v.remote = nil
	v.targetID = ""
	v.early = nil
	v.gen++
	v.mu.Unlock()

	if link == nil {
		return
	}
	link.Close()
	if v.sink != nil {
		v.sink.Clear()
	}

	log.Info().Str("sharer_id", link.RemoteID()).Msg("view closed")
}
