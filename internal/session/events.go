package session

import (
	"github.com/dkeye/Turtle/internal/domain"
	"github.com/dkeye/Turtle/internal/protocol"
)

// RoutingMeta travels beside an encrypted payload in clear.
type RoutingMeta struct {
	RoomID domain.RoomID
	Sender *domain.SenderInfo
}

// Event is emitted on the manager's event channel. It is one of
// StatusEvent, MessageEvent or InviteEvent.
type Event interface {
	Peer() domain.Address
}

// StatusEvent reports a connection becoming ready or going away.
// Local is the address the connection arrived on; it differs from the
// manager's own address when a peer dialed a claimed alias.
type StatusEvent struct {
	Address   domain.Address
	Local     domain.Address
	Connected bool
	Info      *domain.SenderInfo
	Err       error
}

type MessageEvent struct {
	Address   domain.Address
	Plaintext string
	Kind      protocol.Type
	Meta      RoutingMeta
}

type InviteEvent struct {
	Address domain.Address
	Room    domain.RoomDescriptor
}

func (e StatusEvent) Peer() domain.Address  { return e.Address }
func (e MessageEvent) Peer() domain.Address { return e.Address }
func (e InviteEvent) Peer() domain.Address  { return e.Address }
