package fanout

import (
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/Turtle/internal/domain"
)

// Roster is the membership of one room. The admin is always a member.
type Roster struct {
	mu      sync.RWMutex
	admin   domain.Address
	members map[domain.Address]struct{}
}

func NewRoster(admin domain.Address, members ...domain.Address) *Roster {
	r := &Roster{admin: admin, members: make(map[domain.Address]struct{})}
	if admin != "" {
		r.members[admin] = struct{}{}
	}
	for _, m := range members {
		if m != "" {
			r.members[m] = struct{}{}
		}
	}
	return r
}

// Add reports whether addr was newly added.
func (r *Roster) Add(addr domain.Address) bool {
	if addr == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[addr]; ok {
		return false
	}
	r.members[addr] = struct{}{}
	return true
}

// Remove reports whether addr was a member. The admin cannot be removed.
func (r *Roster) Remove(addr domain.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if addr == r.admin {
		return false
	}
	if _, ok := r.members[addr]; !ok {
		return false
	}
	delete(r.members, addr)
	return true
}

func (r *Roster) Contains(addr domain.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[addr]
	return ok
}

func (r *Roster) Admin() domain.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admin
}

func (r *Roster) IsAdmin(addr domain.Address) bool { return addr != "" && r.Admin() == addr }

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members returns a sorted snapshot with the admin first.
func (r *Roster) Members() []domain.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Address, 0, len(r.members))
	for m := range r.members {
		if m != r.admin {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b domain.Address) int { return strings.Compare(string(a), string(b)) })
	if _, ok := r.members[r.admin]; ok {
		out = append([]domain.Address{r.admin}, out...)
	}
	return out
}
