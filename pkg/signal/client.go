package signal

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Conn is the client side of a signaling channel. It reads frames into
// an internal queue from the moment it is dialed; Listen dispatches
// them to the registered handlers, so callers register handlers between
// Dial and Listen without losing messages.
type Conn struct {
	conn    *websocket.Conn
	connMu  sync.Mutex // serializes writes
	msgChan chan Message
	done    chan struct{}

	mu           sync.Mutex
	id           string
	closed       bool
	onConnected  func(id string)
	onUserList   func(users []UserInfo)
	onStreamReq  func(viewerID, viewerUsername string)
	onOffer      func(senderID, sdp string)
	onAnswer     func(senderID, sdp string)
	onCandidate  func(senderID string, candidate json.RawMessage)
	onDisconnect func()
}

// Dial connects to the relay's WebSocket endpoint.
func Dial(url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signal server: %w", err)
	}

	c := &Conn{
		conn:    ws,
		msgChan: make(chan Message, 100),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer func() {
		close(c.msgChan)
		c.mu.Lock()
		handler := c.onDisconnect
		closed := c.closed
		c.mu.Unlock()
		if handler != nil && !closed {
			handler()
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("invalid signal message")
			continue
		}
		select {
		case c.msgChan <- msg:
		case <-c.done:
			return
		}
	}
}

// Listen dispatches queued messages to the registered handlers until
// the connection closes. Run it on its own goroutine.
func (c *Conn) Listen() {
	for msg := range c.msgChan {
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg Message) {
	c.mu.Lock()
	if msg.Type == TypeConnected {
		c.id = msg.ID
	}
	onConnected := c.onConnected
	onUserList := c.onUserList
	onStreamReq := c.onStreamReq
	onOffer := c.onOffer
	onAnswer := c.onAnswer
	onCandidate := c.onCandidate
	c.mu.Unlock()

	switch msg.Type {
	case TypeConnected:
		if onConnected != nil {
			onConnected(msg.ID)
		}
	case TypeUserList:
		if onUserList != nil {
			onUserList(msg.Users)
		}
	case TypeStreamRequest:
		if onStreamReq != nil {
			onStreamReq(msg.ViewerID, msg.ViewerUsername)
		}
	case TypeOffer:
		if onOffer != nil {
			onOffer(msg.Sender, msg.SDP)
		}
	case TypeAnswer:
		if onAnswer != nil {
			onAnswer(msg.Sender, msg.SDP)
		}
	case TypeICECandidate:
		if onCandidate != nil {
			onCandidate(msg.Sender, msg.Candidate)
		}
	default:
		log.Debug().Str("type", string(msg.Type)).Msg("unhandled signal message")
	}
}

// ID returns the relay-assigned client id, empty until the connected
// message has been dispatched.
func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Send writes a message to the relay.
func (c *Conn) Send(msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("signal connection closed")
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// SetUsername announces the display name.
func (c *Conn) SetUsername(name string) error {
	return c.Send(Message{Type: TypeSetUsername, Username: name})
}

// StartSharing announces that this client is sharing.
func (c *Conn) StartSharing() error {
	return c.Send(Message{Type: TypeStartSharing})
}

// StopSharing announces that this client stopped sharing.
func (c *Conn) StopSharing() error {
	return c.Send(Message{Type: TypeStopSharing})
}

// RequestStream asks the relay to forward a stream request to target.
func (c *Conn) RequestStream(target string) error {
	return c.Send(Message{Type: TypeRequestStream, Target: target})
}

// SendOffer sends a session description offer to target.
func (c *Conn) SendOffer(target, sdp string) error {
	return c.Send(Message{Type: TypeOffer, Target: target, SDP: sdp})
}

// SendAnswer sends a session description answer to target.
func (c *Conn) SendAnswer(target, sdp string) error {
	return c.Send(Message{Type: TypeAnswer, Target: target, SDP: sdp})
}

// SendCandidate sends a trickled ICE candidate to target.
func (c *Conn) SendCandidate(target string, candidate json.RawMessage) error {
	return c.Send(Message{Type: TypeICECandidate, Target: target, Candidate: candidate})
}

// OnConnected registers the handler for the relay-assigned id.
func (c *Conn) OnConnected(h func(id string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = h
}

// OnUserList registers the handler for directory broadcasts.
func (c *Conn) OnUserList(h func(users []UserInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUserList = h
}

// OnStreamRequest registers the handler for incoming stream requests.
func (c *Conn) OnStreamRequest(h func(viewerID, viewerUsername string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStreamReq = h
}

// OnOffer registers the handler for forwarded offers.
func (c *Conn) OnOffer(h func(senderID, sdp string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOffer = h
}

// OnAnswer registers the handler for forwarded answers.
func (c *Conn) OnAnswer(h func(senderID, sdp string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAnswer = h
}

// OnCandidate registers the handler for forwarded ICE candidates.
func (c *Conn) OnCandidate(h func(senderID string, candidate json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = h
}

// OnDisconnect registers a callback invoked when the channel is lost
// without Close having been called.
func (c *Conn) OnDisconnect(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = h
}

// Close shuts the connection down.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
		c.conn.Close()
	}
}
