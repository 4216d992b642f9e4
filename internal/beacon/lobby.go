package beacon

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Turtle/internal/domain"
	"github.com/dkeye/Turtle/internal/fanout"
	"github.com/dkeye/Turtle/internal/session"
)

// Lobby is the outcome of JoinOrHost. A host keeps a roster of guests that
// reached it through the rendezvous id; a guest's roster holds the host
// and itself.
type Lobby struct {
	Role   Role
	ID     domain.Address
	Roster *fanout.Roster

	b        *Beacon
	once     sync.Once
	leaveErr error
}

func newHostLobby(b *Beacon, id domain.Address) *Lobby {
	return &Lobby{Role: RoleHost, ID: id, Roster: fanout.NewRoster(b.d.LocalAddress()), b: b}
}

func newGuestLobby(b *Beacon, id domain.Address) *Lobby {
	return &Lobby{Role: RoleGuest, ID: id, Roster: fanout.NewRoster(id, b.d.LocalAddress()), b: b}
}

// Track updates the host roster from a status event. It reports whether
// the roster changed. Connections that did not arrive through the
// rendezvous id are ignored.
func (l *Lobby) Track(ev session.StatusEvent) bool {
	if l.Role != RoleHost || ev.Local != l.ID {
		return false
	}
	if ev.Connected {
		if l.Roster.Add(ev.Address) {
			log.Info().Str("module", "beacon").Str("rendezvous", string(l.ID)).Str("peer", string(ev.Address)).Msg("guest admitted")
			return true
		}
		return false
	}
	if l.Roster.Remove(ev.Address) {
		log.Info().Str("module", "beacon").Str("rendezvous", string(l.ID)).Str("peer", string(ev.Address)).Msg("guest left")
		return true
	}
	return false
}

// Leave releases the claim (host) or closes the connection to the host
// (guest). Safe to call more than once.
func (l *Lobby) Leave() error {
	l.once.Do(func() {
		switch l.Role {
		case RoleHost:
			l.leaveErr = l.b.r.Release(l.ID)
		case RoleGuest:
			l.b.d.Close(l.ID)
		}
		log.Info().Str("module", "beacon").Str("rendezvous", string(l.ID)).Str("role", string(l.Role)).Msg("left lobby")
	})
	return l.leaveErr
}
