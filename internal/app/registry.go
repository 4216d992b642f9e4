package app

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Turtle/internal/core"
	"github.com/dkeye/Turtle/internal/domain"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotOwner       = errors.New("address owned by another session")
)

type sessionEntry struct {
	Primary domain.Address
	Aliases []domain.Address
	Conn    core.SignalConnection
	Cancel  context.CancelFunc
}

// Registry is the broker's address book. An address belongs to the first
// session that registers or claims it until that session releases it or
// disconnects.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	owners   map[domain.Address]core.SessionID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		owners:   make(map[domain.Address]core.SessionID),
	}
}

// Register binds a new session to its own address.
func (r *Registry) Register(sid core.SessionID, addr domain.Address, conn core.SignalConnection, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[addr]; ok {
		return core.ErrAddressTaken
	}
	r.owners[addr] = sid
	r.sessions[sid] = &sessionEntry{Primary: addr, Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("addr", string(addr)).Msg("registered")
	return nil
}

// Claim adds addr as an alias of sid. Claiming an alias the session
// already owns succeeds.
func (r *Registry) Claim(sid core.SessionID, addr domain.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return ErrUnknownSession
	}
	if owner, ok := r.owners[addr]; ok {
		if owner == sid {
			return nil
		}
		return core.ErrAddressTaken
	}
	r.owners[addr] = sid
	e.Aliases = append(e.Aliases, addr)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("alias", string(addr)).Msg("claimed")
	return nil
}

// Release drops an alias. The primary address can only go with Unbind.
func (r *Registry) Release(sid core.SessionID, addr domain.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return ErrUnknownSession
	}
	if r.owners[addr] != sid || addr == e.Primary {
		return ErrNotOwner
	}
	delete(r.owners, addr)
	e.Aliases = slices.DeleteFunc(e.Aliases, func(a domain.Address) bool { return a == addr })
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("alias", string(addr)).Msg("released")
	return nil
}

// Lookup resolves an address or alias to its session.
func (r *Registry) Lookup(addr domain.Address) (core.SessionID, core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.owners[addr]
	if !ok {
		return "", nil, false
	}
	return sid, r.sessions[sid].Conn, true
}

// Primary returns the address a session registered with.
func (r *Registry) Primary(sid core.SessionID) (domain.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return "", false
	}
	return e.Primary, true
}

// Unbind removes a session and every address it held.
func (r *Registry) Unbind(sid core.SessionID) []domain.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil
	}
	freed := append([]domain.Address{e.Primary}, e.Aliases...)
	for _, a := range freed {
		if r.owners[a] == sid {
			delete(r.owners, a)
		}
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Int("freed", len(freed)).Msg("unbind session")
	return freed
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

// Online lists registered primary addresses, sorted.
func (r *Registry) Online() []domain.Address {
	r.mu.RLock()
	out := make([]domain.Address, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.Primary)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Address) int { return strings.Compare(string(a), string(b)) })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
