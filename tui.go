package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	sig "github.com/devdamo/Shortcut-launcher/pkg/signal"
)

// connectedMsg carries the relay-assigned client id
type connectedMsg string

// userListMsg carries a directory broadcast
type userListMsg []sig.UserInfo

// viewerCountMsg carries the connected-viewer count while sharing
type viewerCountMsg int

// viewStateMsg carries the viewing link's transport state
type viewStateMsg struct {
	remoteID string
	state    string
}

// streamAttachedMsg indicates inbound media arrived for the open view
type streamAttachedMsg struct {
	peerID string
	tracks int
}

// streamClearedMsg indicates the render sink was cleared
type streamClearedMsg struct{}

// disconnectedMsg indicates the signal channel was lost
type disconnectedMsg struct{}

// errMsg carries a user-visible error
type errMsg string

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("7"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	sharingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))
)

type model struct {
	app      *app
	selfID   string
	username string

	users  []sig.UserInfo
	cursor int

	sharing     bool
	viewerCount int

	watching   string
	viewState  string
	trackCount int
	lastError  string
}

func newModel(a *app, username string) model {
	if username == "" {
		username = sig.DefaultUsername
	}
	return model{app: a, username: username}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case connectedMsg:
		m.selfID = string(msg)
		return m, nil

	case userListMsg:
		m.users = msg
		if m.cursor >= len(m.users) {
			m.cursor = max(0, len(m.users)-1)
		}
		return m, nil

	case viewerCountMsg:
		m.viewerCount = int(msg)
		return m, nil

	case viewStateMsg:
		m.watching = msg.remoteID
		m.viewState = msg.state
		if msg.state == "disconnected" || msg.state == "failed" || msg.state == "closed" {
			m.watching = ""
			m.viewState = ""
			m.trackCount = 0
		}
		return m, nil

	case streamAttachedMsg:
		m.trackCount = msg.tracks
		return m, nil

	case streamClearedMsg:
		m.trackCount = 0
		return m, nil

	case disconnectedMsg:
		return m, tea.Quit

	case errMsg:
		m.lastError = string(msg)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}

	case "down", "j":
		if m.cursor < len(m.users)-1 {
			m.cursor++
		}

	case "s":
		a := m.app
		if m.sharing {
			m.sharing = false
			m.viewerCount = 0
			return m, func() tea.Msg {
				a.sharer.StopSharing()
				return nil
			}
		}
		m.sharing = true
		m.lastError = ""
		return m, func() tea.Msg {
			if err := a.startSharing(); err != nil {
				return errMsg(err.Error())
			}
			return nil
		}

	case "enter", "v":
		if m.cursor >= len(m.users) {
			break
		}
		target := m.users[m.cursor]
		if target.ID == m.selfID || !target.IsSharing {
			break
		}
		a := m.app
		m.watching = target.ID
		m.viewState = "requested"
		return m, func() tea.Msg {
			if err := a.viewer.View(target.ID); err != nil {
				return errMsg(err.Error())
			}
			return nil
		}

	case "c":
		a := m.app
		m.watching = ""
		m.viewState = ""
		m.trackCount = 0
		return m, func() tea.Msg {
			a.viewer.CloseView()
			return nil
		}
	}

	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Screen Share") + "\n\n")

	if m.selfID == "" {
		b.WriteString(statusStyle.Render("Connecting...") + "\n")
		return b.String()
	}

	b.WriteString(dimStyle.Render(fmt.Sprintf("You: %s (%s)", m.username, shortID(m.selfID))) + "\n")
	if m.sharing {
		b.WriteString(sharingStyle.Render(fmt.Sprintf("Sharing: %d viewer(s)", m.viewerCount)) + "\n")
	}
	b.WriteString("\n")

	if len(m.users) == 0 {
		b.WriteString(dimStyle.Render("No one connected") + "\n")
	}
	for i, u := range m.users {
		line := u.Username
		if u.ID == m.selfID {
			line += " (you)"
		}
		if u.IsSharing {
			line += " " + sharingStyle.Render("[sharing]")
		}
		if u.ID == m.watching {
			line += " " + statusStyle.Render("[watching: "+m.viewState+"]")
		}
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("> "+line) + "\n")
		} else {
			b.WriteString(normalStyle.Render("  "+line) + "\n")
		}
	}

	if m.trackCount > 0 {
		b.WriteString("\n" + statusStyle.Render(fmt.Sprintf("Receiving %d track(s)", m.trackCount)) + "\n")
	}
	if m.lastError != "" {
		b.WriteString("\n" + errorStyle.Render("Error: "+m.lastError) + "\n")
	}

	b.WriteString("\n" + helpStyle.Render("↑/↓ select · s share · enter view · c close view · q quit") + "\n")
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
