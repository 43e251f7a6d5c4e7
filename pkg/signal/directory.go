package signal

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

// DefaultUsername is the display name a session carries until the
// client sends a set-username message.
const DefaultUsername = "Anonymous"

// session is the directory's record of one connected client.
type session struct {
	id          string
	username    string
	isSharing   bool
	connectedAt time.Time
}

// directory is the in-memory client directory owned by the Server.
// It is not safe for concurrent use on its own; the server serializes
// every mutation and snapshot under its own lock so that a mutation
// and the broadcast it triggers form one atomic step.
type directory struct {
	sessions map[string]*session
}

func newDirectory() *directory {
	return &directory{sessions: make(map[string]*session)}
}

// add inserts a fresh session with the default username.
func (d *directory) add(id string) *session {
	s := &session{
		id:          id,
		username:    DefaultUsername,
		connectedAt: time.Now(),
	}
	d.sessions[id] = s
	return s
}

func (d *directory) get(id string) (*session, bool) {
	s, ok := d.sessions[id]
	return s, ok
}

func (d *directory) remove(id string) {
	delete(d.sessions, id)
}

func (d *directory) setUsername(id, name string) bool {
	s, ok := d.sessions[id]
	if !ok {
		return false
	}
	s.username = name
	return true
}

func (d *directory) setSharing(id string, sharing bool) bool {
	s, ok := d.sessions[id]
	if !ok {
		return false
	}
	s.isSharing = sharing
	return true
}

func (d *directory) len() int {
	return len(d.sessions)
}

// snapshot returns the full directory ordered by connect time, ties
// broken by id so the ordering is stable across broadcasts.
func (d *directory) snapshot() []UserInfo {
	users := lo.MapToSlice(d.sessions, func(_ string, s *session) UserInfo {
		return UserInfo{
			ID:          s.id,
			Username:    s.username,
			IsSharing:   s.isSharing,
			ConnectedAt: s.connectedAt,
		}
	})
	sort.Slice(users, func(i, j int) bool {
		if users[i].ConnectedAt.Equal(users[j].ConnectedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].ConnectedAt.Before(users[j].ConnectedAt)
	})
	return users
}
