package signal

import (
	"encoding/json"
	"time"
)

// MessageType discriminates signaling message variants. The set is
// closed; the relay logs and ignores anything else.
type MessageType string

const (
	// Relay -> client, sent once right after the channel opens.
	TypeConnected MessageType = "connected"

	// Client -> relay directory updates.
	TypeSetUsername  MessageType = "set-username"
	TypeStartSharing MessageType = "start-sharing"
	TypeStopSharing  MessageType = "stop-sharing"

	// Relay -> all clients on every membership or sharing change.
	TypeUserList MessageType = "user-list"

	// Viewer -> relay; forwarded to the sharer as TypeStreamRequest.
	TypeRequestStream MessageType = "request-stream"
	TypeStreamRequest MessageType = "stream-request"

	// Negotiation messages, forwarded verbatim to the target channel
	// with the sender id stamped by the relay.
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
)

// Message is one signaling frame, one JSON text frame per message.
// Which fields are populated depends on Type. The SDP and Candidate
// payloads are opaque to the relay; only the session controllers
// interpret them.
type Message struct {
	Type     MessageType `json:"type"`
	ID       string      `json:"id,omitempty"`       // assigned client id (connected)
	Username string      `json:"username,omitempty"` // display name (set-username)
	Target   string      `json:"target,omitempty"`   // destination client id
	Sender   string      `json:"sender,omitempty"`   // stamped by the relay on forward

	// stream-request fields, filled in by the relay from the
	// requester's session.
	ViewerID       string `json:"viewerId,omitempty"`
	ViewerUsername string `json:"viewerUsername,omitempty"`

	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Users []UserInfo `json:"users,omitempty"` // user-list snapshot
}

// UserInfo is one directory entry as seen by clients in a user-list
// broadcast.
type UserInfo struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	IsSharing   bool      `json:"isSharing"`
	ConnectedAt time.Time `json:"connectedAt"`
}
