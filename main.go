package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/devdamo/Shortcut-launcher/pkg/session"
	"github.com/devdamo/Shortcut-launcher/pkg/settings"
	sig "github.com/devdamo/Shortcut-launcher/pkg/signal"
)

// app wires the signal connection and both session controllers to the
// terminal UI.
type app struct {
	conn    *sig.Conn
	sharer  *session.Sharer
	viewer  *session.Viewer
	capture session.CaptureSource
	program *tea.Program
}

func main() {
	cfg, err := settings.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load settings: %v\n", err)
	}

	serverURL := flag.String("server", cfg.ServerURL, "signal server URL")
	username := flag.String("name", cfg.Username, "display name")
	logPath := flag.String("log", "", "debug log file (default: disabled)")
	flag.Parse()

	// The TUI owns the terminal, so logs go to a file or nowhere.
	log.Logger = zerolog.Nop()
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		log.Logger = zerolog.New(f).With().Timestamp().Logger()
	}

	if err := run(*serverURL, *username); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(serverURL, username string) error {
	conn, err := sig.Dial(serverURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ice := iceConfigFromSettings()
	a := &app{
		conn:    conn,
		capture: session.BlankSource{},
	}

	model := newModel(a, username)
	a.program = tea.NewProgram(model, tea.WithAltScreen())

	a.sharer = session.NewSharer(conn, ice)
	a.viewer = session.NewViewer(conn, ice, &teaSink{program: func() *tea.Program { return a.program }})

	a.sharer.OnViewerCountChange(func(count int) {
		a.program.Send(viewerCountMsg(count))
	})
	a.viewer.OnConnectionStateChange(func(remoteID string, state webrtc.PeerConnectionState) {
		a.program.Send(viewStateMsg{remoteID: remoteID, state: state.String()})
	})

	conn.OnConnected(func(id string) {
		a.program.Send(connectedMsg(id))
		if username != "" {
			conn.SetUsername(username)
		}
	})
	conn.OnUserList(func(users []sig.UserInfo) {
		a.viewer.HandleUserList(users)
		a.program.Send(userListMsg(users))
	})
	conn.OnStreamRequest(a.sharer.HandleStreamRequest)
	conn.OnOffer(func(senderID, sdp string) {
		if err := a.viewer.HandleOffer(senderID, sdp); err != nil {
			log.Warn().Err(err).Str("sender", senderID).Msg("handle offer")
		}
	})
	conn.OnAnswer(func(senderID, sdp string) {
		if err := a.sharer.HandleAnswer(senderID, sdp); err != nil {
			log.Warn().Err(err).Str("sender", senderID).Msg("handle answer")
		}
	})
	conn.OnCandidate(func(senderID string, candidate json.RawMessage) {
		// A candidate belongs to whichever controller knows the peer.
		if err := a.sharer.HandleCandidate(senderID, candidate); err != nil {
			if err := a.viewer.HandleCandidate(senderID, candidate); err != nil {
				log.Debug().Err(err).Str("sender", senderID).Msg("unmatched ice candidate")
			}
		}
	})
	conn.OnDisconnect(func() {
		a.program.Send(disconnectedMsg{})
	})

	go conn.Listen()

	_, err = a.program.Run()

	a.sharer.StopSharing()
	a.viewer.CloseView()
	return err
}

// startSharing acquires the capture stream and announces sharing.
func (a *app) startSharing() error {
	stream, err := a.capture.AcquireStream()
	if err != nil {
		// Capture failure is reported locally and never announced.
		return fmt.Errorf("acquire capture stream: %w", err)
	}
	return a.sharer.StartSharing(stream)
}

func iceConfigFromSettings() session.ICEConfig {
	cfg, _ := settings.Load()
	return session.ICEConfig{
		TURNServer: cfg.TURNServer,
		TURNUser:   cfg.TURNUser,
		TURNPass:   cfg.TURNPass,
		ForceRelay: cfg.ForceRelay,
	}
}

// teaSink surfaces remote stream arrival to the UI. Actual rendering
// belongs to a platform collaborator; the terminal shows stream state.
type teaSink struct {
	program func() *tea.Program
}

func (s *teaSink) AttachRemoteStream(stream *session.RemoteStream) {
	if p := s.program(); p != nil {
		p.Send(streamAttachedMsg{peerID: stream.PeerID, tracks: len(stream.Tracks())})
	}
}

func (s *teaSink) Clear() {
	if p := s.program(); p != nil {
		p.Send(streamClearedMsg{})
	}
}
