package session

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// ICE servers for NAT traversal
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun2.l.google.com:19302"}},
}

// ICEConfig holds ICE server configuration.
type ICEConfig struct {
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// configuration builds the webrtc configuration from the ICE options.
func (ic ICEConfig) configuration() webrtc.Configuration {
	iceServers := make([]webrtc.ICEServer, 0)

	if !ic.ForceRelay {
		iceServers = append(iceServers, defaultICEServers...)
	}

	if ic.TURNServer != "" {
		turnServer := webrtc.ICEServer{
			URLs: []string{ic.TURNServer},
		}
		if ic.TURNUser != "" {
			turnServer.Username = ic.TURNUser
			turnServer.Credential = ic.TURNPass
			turnServer.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, turnServer)
	}

	iceTransportPolicy := webrtc.ICETransportPolicyAll
	if ic.ForceRelay {
		iceTransportPolicy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: iceTransportPolicy,
	}
}

// Signaler is the slice of the signaling channel the session
// controllers need. *signal.Conn implements it.
type Signaler interface {
	StartSharing() error
	StopSharing() error
	RequestStream(target string) error
	SendOffer(target, sdp string) error
	SendAnswer(target, sdp string) error
	SendCandidate(target string, candidate json.RawMessage) error
}
