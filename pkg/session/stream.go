package session

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// CaptureSource acquires the local outbound media stream. Implemented
// by a platform-specific collaborator (screen or window capture); the
// session layer never initiates capture itself, it only accepts the
// handle.
type CaptureSource interface {
	AcquireStream() (*LocalStream, error)
}

// RenderSink receives the inbound remote stream for display.
// Implemented by a UI collaborator.
type RenderSink interface {
	AttachRemoteStream(stream *RemoteStream)
	Clear()
}

// LocalStream is an opaque handle over the local capture tracks. The
// same tracks may be attached to any number of peer links; that is the
// multi-viewer fan-out mechanism.
type LocalStream struct {
	tracks []webrtc.TrackLocal

	mu      sync.Mutex
	stop    func()
	stopped bool
}

// NewLocalStream wraps capture tracks and the function that stops the
// underlying capture.
func NewLocalStream(tracks []webrtc.TrackLocal, stop func()) *LocalStream {
	return &LocalStream{tracks: tracks, stop: stop}
}

// Tracks returns the outbound tracks.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

// Stop stops the underlying capture. Safe to call more than once.
func (s *LocalStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.stop != nil {
		s.stop()
	}
}

// Stopped reports whether Stop has been called.
func (s *LocalStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// RemoteStream aggregates the inbound tracks of one peer link.
type RemoteStream struct {
	PeerID string

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (s *RemoteStream) addTrack(t *webrtc.TrackRemote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// Tracks returns the inbound tracks received so far.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// BlankSource is a CaptureSource for builds without a platform capture
// collaborator. It produces a single video track that negotiates
// normally but carries no frames.
type BlankSource struct{}

// AcquireStream returns a stream with one silent VP8 track.
func (BlankSource) AcquireStream() (*LocalStream, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video0", "screen",
	)
	if err != nil {
		return nil, fmt.Errorf("create blank track: %w", err)
	}
	return NewLocalStream([]webrtc.TrackLocal{track}, nil), nil
}
