package signal_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devdamo/Shortcut-launcher/pkg/signal"
)

func dialConn(t *testing.T, ts *httptest.Server) *signal.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, err := signal.Dial(url)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestConnReceivesAssignedID(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dialConn(t, ts)
	ids := make(chan string, 1)
	conn.OnConnected(func(id string) { ids <- id })
	go conn.Listen()

	select {
	case id := <-ids:
		assert.NotEmpty(t, id)
		assert.Equal(t, id, conn.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("connected handler never fired")
	}
}

func TestConnUserListAndSharingFlow(t *testing.T) {
	_, ts := newTestServer(t)

	sharer := dialConn(t, ts)
	sharerReady := make(chan struct{})
	sharer.OnConnected(func(string) { close(sharerReady) })
	requests := make(chan [2]string, 1)
	sharer.OnStreamRequest(func(viewerID, viewerUsername string) {
		requests <- [2]string{viewerID, viewerUsername}
	})
	go sharer.Listen()

	select {
	case <-sharerReady:
	case <-time.After(2 * time.Second):
		t.Fatal("sharer never connected")
	}
	require.NoError(t, sharer.SetUsername("Ann"))
	require.NoError(t, sharer.StartSharing())

	viewer := dialConn(t, ts)
	lists := make(chan []signal.UserInfo, 16)
	viewerReady := make(chan struct{})
	viewer.OnConnected(func(string) { close(viewerReady) })
	viewer.OnUserList(func(users []signal.UserInfo) { lists <- users })
	go viewer.Listen()

	select {
	case <-viewerReady:
	case <-time.After(2 * time.Second):
		t.Fatal("viewer never connected")
	}
	require.NoError(t, viewer.SetUsername("Vic"))

	// The viewer's directory view must show Ann sharing.
	deadline := time.After(2 * time.Second)
	for {
		var users []signal.UserInfo
		select {
		case users = <-lists:
		case <-deadline:
			t.Fatal("never saw sharing user")
		}
		u, ok := findUser(users, sharer.ID())
		if ok && u.IsSharing && u.Username == "Ann" {
			break
		}
	}

	require.NoError(t, viewer.RequestStream(sharer.ID()))

	select {
	case req := <-requests:
		assert.Equal(t, viewer.ID(), req[0])
		assert.Equal(t, "Vic", req[1])
	case <-time.After(2 * time.Second):
		t.Fatal("stream request never forwarded")
	}
}

func TestConnNegotiationRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)

	a := dialConn(t, ts)
	aReady := make(chan struct{})
	a.OnConnected(func(string) { close(aReady) })
	answers := make(chan string, 1)
	candidates := make(chan json.RawMessage, 1)
	a.OnAnswer(func(_, sdp string) { answers <- sdp })
	a.OnCandidate(func(_ string, c json.RawMessage) { candidates <- c })
	go a.Listen()

	b := dialConn(t, ts)
	bReady := make(chan struct{})
	b.OnConnected(func(string) { close(bReady) })
	offers := make(chan [2]string, 1)
	b.OnOffer(func(sender, sdp string) { offers <- [2]string{sender, sdp} })
	go b.Listen()

	for _, ready := range []chan struct{}{aReady, bReady} {
		select {
		case <-ready:
		case <-time.After(2 * time.Second):
			t.Fatal("client never connected")
		}
	}

	require.NoError(t, a.SendOffer(b.ID(), "offer-sdp"))

	var got [2]string
	select {
	case got = <-offers:
	case <-time.After(2 * time.Second):
		t.Fatal("offer never delivered")
	}
	assert.Equal(t, a.ID(), got[0])
	assert.Equal(t, "offer-sdp", got[1])

	require.NoError(t, b.SendAnswer(a.ID(), "answer-sdp"))
	select {
	case sdp := <-answers:
		assert.Equal(t, "answer-sdp", sdp)
	case <-time.After(2 * time.Second):
		t.Fatal("answer never delivered")
	}

	require.NoError(t, b.SendCandidate(a.ID(), json.RawMessage(`{"candidate":"x"}`)))
	select {
	case c := <-candidates:
		assert.JSONEq(t, `{"candidate":"x"}`, string(c))
	case <-time.After(2 * time.Second):
		t.Fatal("candidate never delivered")
	}
}

func TestConnSendAfterClose(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dialConn(t, ts)
	conn.Close()
	assert.Error(t, conn.Send(signal.Message{Type: signal.TypeStartSharing}))
}

func TestConnDisconnectHandler(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dialConn(t, ts)
	lost := make(chan struct{})
	conn.OnDisconnect(func() { close(lost) })
	go conn.Listen()

	ts.CloseClientConnections()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler never fired")
	}
}
