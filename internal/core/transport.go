package core

import (
	"context"
	"errors"

	"github.com/dkeye/Turtle/internal/domain"
)

// Frame is a raw encoded envelope as carried by a peer channel.
type Frame []byte

var (
	ErrUnreachable   = errors.New("peer unreachable")
	ErrChannelClosed = errors.New("channel closed")
	ErrAddressTaken  = errors.New("address already taken")
)

// OpenInfo describes a channel that has just opened.
// Local is the address the channel was opened through: the peer's own
// address or a rendezvous alias it has claimed.
type OpenInfo struct {
	Remote  domain.Address
	Local   domain.Address
	Inbound bool
}

// TransportHandler receives channel events. Events of one remote address are
// delivered in order.
type TransportHandler interface {
	OnOpen(info OpenInfo)
	OnMessage(remote domain.Address, f Frame)
	OnClose(remote domain.Address, err error)
}

// Transport abstracts the peer-to-peer substrate.
// Owned by the adapter; Open only requests a channel, readiness is reported
// through OnOpen.
type Transport interface {
	Bind(h TransportHandler)
	LocalAddress() domain.Address
	Open(remote domain.Address) error
	Send(remote domain.Address, f Frame) error
	Close(remote domain.Address) error
}

// Resolver is the address-resolution facility: first successful claim wins.
type Resolver interface {
	Claim(ctx context.Context, addr domain.Address) error
	Release(addr domain.Address) error
}
