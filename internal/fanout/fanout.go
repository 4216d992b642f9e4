// Package fanout sends group traffic as one unicast per roster member.
package fanout

import (
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/dkeye/Turtle/internal/domain"
	"github.com/dkeye/Turtle/internal/protocol"
	"github.com/dkeye/Turtle/internal/session"
)

const DefaultMaxParallel = 8

// Sender is the part of session.Manager the fan-out needs.
type Sender interface {
	LocalAddress() domain.Address
	Send(addr domain.Address, plaintext string, kind protocol.Type, meta session.RoutingMeta) bool
	SendInvite(addr domain.Address, room domain.RoomDescriptor) bool
}

// Result lists which members took the message and which did not have a
// ready session. Both are sorted.
type Result struct {
	SentTo  []domain.Address
	Skipped []domain.Address
}

type Fanout struct {
	s           Sender
	maxParallel int
}

func New(s Sender, maxParallel int) *Fanout {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Fanout{s: s, maxParallel: maxParallel}
}

// Broadcast sends plaintext as GROUP_MSG to every member except ourselves.
// Sends are independent; failures are reported, not retried.
func (f *Fanout) Broadcast(members []domain.Address, plaintext string, roomID domain.RoomID, sender *domain.SenderInfo) Result {
	return f.publish(members, "", plaintext, roomID, sender)
}

// Relay re-sends a group message received from `from` to the rest of the
// room. Used by the room admin, which acts as the hub.
func (f *Fanout) Relay(members []domain.Address, from domain.Address, plaintext string, roomID domain.RoomID, sender *domain.SenderInfo) Result {
	return f.publish(members, from, plaintext, roomID, sender)
}

func (f *Fanout) SendInvite(addr domain.Address, room domain.RoomDescriptor) bool {
	return f.s.SendInvite(addr, room)
}

func (f *Fanout) publish(members []domain.Address, exclude domain.Address, plaintext string, roomID domain.RoomID, sender *domain.SenderInfo) Result {
	self := f.s.LocalAddress()
	targets := make([]domain.Address, 0, len(members))
	seen := make(map[domain.Address]struct{}, len(members))
	for _, m := range members {
		if m == "" || m == self || m == exclude {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		targets = append(targets, m)
	}

	var (
		mu  sync.Mutex
		res Result
	)
	meta := session.RoutingMeta{RoomID: roomID, Sender: sender}
	p := pool.New().WithMaxGoroutines(f.maxParallel)
	for _, addr := range targets {
		p.Go(func() {
			ok := f.s.Send(addr, plaintext, protocol.TypeGroupMsg, meta)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				res.SentTo = append(res.SentTo, addr)
			} else {
				res.Skipped = append(res.Skipped, addr)
			}
		})
	}
	p.Wait()

	byAddr := func(a, b domain.Address) int { return strings.Compare(string(a), string(b)) }
	slices.SortFunc(res.SentTo, byAddr)
	slices.SortFunc(res.Skipped, byAddr)
	log.Debug().
		Str("module", "fanout").
		Str("room", string(roomID)).
		Str("exclude", string(exclude)).
		Int("sent_to", len(res.SentTo)).
		Int("skipped", len(res.Skipped)).
		Msg("broadcast result")
	return res
}
