package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentOffer struct {
	target string
	sdp    string
}

// fakeSignaler records everything the controllers send.
type fakeSignaler struct {
	mu         sync.Mutex
	started    int
	stopped    int
	requests   []string
	offers     chan sentOffer
	answers    chan sentOffer
	candidates chan string
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		offers:     make(chan sentOffer, 16),
		answers:    make(chan sentOffer, 16),
		candidates: make(chan string, 64),
	}
}

func (f *fakeSignaler) StartSharing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeSignaler) StopSharing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeSignaler) RequestStream(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, target)
	return nil
}

func (f *fakeSignaler) SendOffer(target, sdp string) error {
	f.offers <- sentOffer{target: target, sdp: sdp}
	return nil
}

func (f *fakeSignaler) SendAnswer(target, sdp string) error {
	f.answers <- sentOffer{target: target, sdp: sdp}
	return nil
}

func (f *fakeSignaler) SendCandidate(target string, _ json.RawMessage) error {
	select {
	case f.candidates <- target:
	default:
	}
	return nil
}

func (f *fakeSignaler) counts() (started, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}

func newTestStream(t *testing.T) *LocalStream {
	t.Helper()
	return NewLocalStream([]webrtc.TrackLocal{newVideoTrack(t)}, nil)
}

// answerFor produces a real answer for an offer, acting as the remote
// viewer's transport.
func answerFor(t *testing.T, offerSDP string) string {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	require.NoError(t, pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}))
	answer, err := pc.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(answer))
	return answer.SDP
}

func waitOffer(t *testing.T, sig *fakeSignaler) sentOffer {
	t.Helper()
	select {
	case o := <-sig.offers:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("no offer sent")
		return sentOffer{}
	}
}

func TestSharerStartSharing(t *testing.T) {
	sig := newFakeSignaler()
	s := NewSharer(sig, ICEConfig{})

	require.Error(t, s.StartSharing(nil))
	assert.False(t, s.IsSharing())

	require.NoError(t, s.StartSharing(newTestStream(t)))
	assert.True(t, s.IsSharing())
	started, _ := sig.counts()
	assert.Equal(t, 1, started)

	require.Error(t, s.StartSharing(newTestStream(t)), "double start must fail")
	s.StopSharing()
}

func TestSharerIgnoresRequestWhenNotSharing(t *testing.T) {
	sig := newFakeSignaler()
	s := NewSharer(sig, ICEConfig{})

	s.HandleStreamRequest("viewer-1", "Vic")

	select {
	case <-sig.offers:
		t.Fatal("offer sent while not sharing")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSharerNegotiatesWithViewer(t *testing.T) {
	sig := newFakeSignaler()
	s := NewSharer(sig, ICEConfig{})
	require.NoError(t, s.StartSharing(newTestStream(t)))
	defer s.StopSharing()

	s.HandleStreamRequest("viewer-1", "Vic")

	offer := waitOffer(t, sig)
	assert.Equal(t, "viewer-1", offer.target)
	assert.Contains(t, offer.sdp, "m=video")

	require.NoError(t, s.HandleAnswer("viewer-1", answerFor(t, offer.sdp)))

	viewers := s.Viewers()
	require.Len(t, viewers, 1)
	assert.Equal(t, "viewer-1", viewers[0].PeerID)
	assert.Equal(t, "Vic", viewers[0].Username)
}

func TestSharerAnswerForUnknownPeer(t *testing.T) {
	sig := newFakeSignaler()
	s := NewSharer(sig, ICEConfig{})
	require.NoError(t, s.StartSharing(newTestStream(t)))
	defer s.StopSharing()

	assert.Error(t, s.HandleAnswer("ghost", "sdp"))
	assert.Error(t, s.HandleCandidate("ghost", json.RawMessage(`{}`)))
}

func TestSharerFanOutIndependence(t *testing.T) {
	sig := newFakeSignaler()
	s := NewSharer(sig, ICEConfig{})
	require.NoError(t, s.StartSharing(newTestStream(t)))
	defer s.StopSharing()

	s.HandleStreamRequest("viewer-a", "A")
	s.HandleStreamRequest("viewer-b", "B")

	targets := map[string]bool{}
	for i := 0; i < 2; i++ {
		targets[waitOffer(t, sig).target] = true
	}
	assert.True(t, targets["viewer-a"])
	assert.True(t, targets["viewer-b"])

	s.mu.Lock()
	linkA := s.links["viewer-a"]
	linkB := s.links["viewer-b"]
	s.mu.Unlock()
	require.NotNil(t, linkA)
	require.NotNil(t, linkB)

	// Failing one viewer's link must not disturb the other's.
	stateB := linkB.State()
	linkA.Close()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, present := s.links["viewer-a"]
		return !present
	}, 3*time.Second, 20*time.Millisecond, "closed link must be dropped")

	s.mu.Lock()
	stillB := s.links["viewer-b"]
	s.mu.Unlock()
	require.Same(t, linkB, stillB)
	assert.Equal(t, stateB, linkB.State())
}

func TestSharerReRequestReplacesLink(t *testing.T) {
	sig := newFakeSignaler()
	s := NewSharer(sig, ICEConfig{})
	require.NoError(t, s.StartSharing(newTestStream(t)))
	defer s.StopSharing()

	s.HandleStreamRequest("viewer-1", "Vic")
	waitOffer(t, sig)

	s.mu.Lock()
	first := s.links["viewer-1"]
	s.mu.Unlock()

	s.HandleStreamRequest("viewer-1", "Vic")
	waitOffer(t, sig)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.links["viewer-1"] != nil && s.links["viewer-1"] != first
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSharerStopSharingTearsDownEverything(t *testing.T) {
	sig := newFakeSignaler()
	s := NewSharer(sig, ICEConfig{})

	stopped := false
	stream := NewLocalStream([]webrtc.TrackLocal{newVideoTrack(t)}, func() { stopped = true })
	require.NoError(t, s.StartSharing(stream))

	s.HandleStreamRequest("viewer-a", "A")
	s.HandleStreamRequest("viewer-b", "B")
	waitOffer(t, sig)
	waitOffer(t, sig)

	s.StopSharing()

	assert.False(t, s.IsSharing())
	assert.True(t, stopped, "capture must be stopped")
	assert.True(t, stream.Stopped())
	assert.Equal(t, 0, s.ViewerCount())

	s.mu.Lock()
	remaining := len(s.links)
	s.mu.Unlock()
	assert.Zero(t, remaining, "no peer links may remain open")

	_, stops := sig.counts()
	assert.Equal(t, 1, stops)

	// A second stop is a no-op.
	s.StopSharing()
	_, stops = sig.counts()
	assert.Equal(t, 1, stops)
}

func TestSharerRequestRacingStop(t *testing.T) {
	sig := newFakeSignaler()
	s := NewSharer(sig, ICEConfig{})
	require.NoError(t, s.StartSharing(newTestStream(t)))

	s.HandleStreamRequest("viewer-1", "Vic")
	s.StopSharing()

	// Whether the offer escaped or not, no link may survive the stop.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.links) == 0
	}, 3*time.Second, 20*time.Millisecond)
}
