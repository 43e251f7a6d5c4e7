package signal

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	maxMessageSize = 512 * 1024
	pongWait       = 90 * time.Second
	pingPeriod     = 60 * time.Second
)

// readPump reads messages from the WebSocket until the channel closes
// or errors, then removes the client from the directory.
func (c *Client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames are logged and tolerated; the channel
			// stays open.
			log.Warn().Err(err).Str("client_id", c.id).Msg("invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

// writePump drains the send queue to the WebSocket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("client_id", c.id).Msg("websocket write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes one incoming signaling message. Each case
// mutates the directory and broadcasts, or forwards, as one atomic
// step under the server lock.
func (c *Client) handleMessage(msg Message) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Type {
	case TypeSetUsername:
		if s.dir.setUsername(c.id, msg.Username) {
			s.broadcastUserListLocked()
		}

	case TypeStartSharing:
		if s.dir.setSharing(c.id, true) {
			s.broadcastUserListLocked()
		}

	case TypeStopSharing:
		if s.dir.setSharing(c.id, false) {
			s.broadcastUserListLocked()
		}

	case TypeRequestStream:
		c.handleRequestStreamLocked(msg)

	case TypeOffer, TypeAnswer, TypeICECandidate:
		// Payload is opaque here; stamp the sender and forward
		// verbatim to the one channel matching the target.
		msg.Sender = c.id
		s.forwardLocked(msg.Target, msg)

	default:
		log.Warn().Str("type", string(msg.Type)).Str("client_id", c.id).Msg("unknown message type")
	}
}

// handleRequestStreamLocked forwards a stream request to the target
// sharer. Requests against absent or non-sharing targets are dropped
// without any reply; the requester cannot distinguish "stopped
// sharing" from "never existed". Caller must hold s.mu.
func (c *Client) handleRequestStreamLocked(msg Message) {
	s := c.server

	target, ok := s.dir.get(msg.Target)
	if !ok || !target.isSharing {
		log.Debug().Str("target", msg.Target).Str("viewer_id", c.id).Msg("stream request dropped")
		return
	}

	requester, ok := s.dir.get(c.id)
	if !ok {
		return
	}

	s.forwardLocked(msg.Target, Message{
		Type:           TypeStreamRequest,
		Sender:         c.id,
		ViewerID:       c.id,
		ViewerUsername: requester.username,
	})
}
