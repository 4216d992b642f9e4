// Package memnet is an in-process peer network. Every node delivers its
// transport events on a single goroutine, so events for one node are
// observed in the order they were produced.
package memnet

import (
	"bytes"
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Turtle/internal/core"
	"github.com/dkeye/Turtle/internal/domain"
)

// Network maps addresses and claimed aliases to nodes.
type Network struct {
	mu    sync.Mutex
	nodes map[domain.Address]*Node
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[domain.Address]*Node)}
}

// Join attaches a node under addr. It returns core.ErrAddressTaken if the
// address is already in use.
func (n *Network) Join(addr domain.Address) (*Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[addr]; ok {
		return nil, core.ErrAddressTaken
	}
	node := &Node{
		net:    n,
		addr:   addr,
		links:  make(map[domain.Address]link),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	n.nodes[addr] = node
	go node.loop()
	return node, nil
}

func (n *Network) lookup(addr domain.Address) (*Node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	node, ok := n.nodes[addr]
	return node, ok
}

// link is one end of an open channel. as is the name under which the
// owning node is known to peer.
type link struct {
	peer *Node
	as   domain.Address
}

// Node implements core.Transport and core.Resolver.
type Node struct {
	net  *Network
	addr domain.Address

	mu        sync.Mutex
	handler   core.TransportHandler
	links     map[domain.Address]link
	aliases   []domain.Address
	intercept func(remote domain.Address, f core.Frame) core.Frame
	queue     []func(core.TransportHandler)
	left      bool

	notify chan struct{}
	done   chan struct{}
}

var (
	_ core.Transport = (*Node)(nil)
	_ core.Resolver  = (*Node)(nil)
)

func (n *Node) Bind(h core.TransportHandler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
	n.wake()
}

func (n *Node) LocalAddress() domain.Address { return n.addr }

// Intercept installs fn on outbound frames. fn may rewrite a frame or
// return nil to drop it.
func (n *Node) Intercept(fn func(remote domain.Address, f core.Frame) core.Frame) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.intercept = fn
}

func (n *Node) Open(remote domain.Address) error {
	if remote == n.addr {
		return core.ErrUnreachable
	}
	peer, ok := n.net.lookup(remote)
	if !ok || peer == n {
		return core.ErrUnreachable
	}

	n.mu.Lock()
	if _, ok := n.links[remote]; ok {
		n.mu.Unlock()
		return nil
	}
	n.links[remote] = link{peer: peer, as: n.addr}
	n.mu.Unlock()

	peer.mu.Lock()
	peer.links[n.addr] = link{peer: n, as: remote}
	peer.mu.Unlock()

	// The responder sees its open before any frame the dialer sends from
	// its own open handler.
	local := n.addr
	peer.enqueue(func(h core.TransportHandler) {
		h.OnOpen(core.OpenInfo{Remote: local, Local: remote, Inbound: true})
	})
	n.enqueue(func(h core.TransportHandler) {
		h.OnOpen(core.OpenInfo{Remote: remote, Local: local})
	})
	return nil
}

func (n *Node) Send(remote domain.Address, f core.Frame) error {
	n.mu.Lock()
	l, ok := n.links[remote]
	fn := n.intercept
	n.mu.Unlock()
	if !ok {
		return core.ErrChannelClosed
	}
	if fn != nil {
		if f = fn(remote, f); f == nil {
			return nil
		}
	}
	data := core.Frame(bytes.Clone(f))
	from := l.as
	l.peer.enqueue(func(h core.TransportHandler) { h.OnMessage(from, data) })
	return nil
}

// Close tears down the channel to remote. Only the peer is notified.
func (n *Node) Close(remote domain.Address) error {
	n.mu.Lock()
	l, ok := n.links[remote]
	delete(n.links, remote)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	l.peer.dropLink(l.as, nil)
	return nil
}

func (n *Node) dropLink(remote domain.Address, err error) {
	n.mu.Lock()
	_, ok := n.links[remote]
	delete(n.links, remote)
	n.mu.Unlock()
	if ok {
		n.enqueue(func(h core.TransportHandler) { h.OnClose(remote, err) })
	}
}

func (n *Node) Claim(ctx context.Context, addr domain.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	if _, ok := n.net.nodes[addr]; ok {
		return core.ErrAddressTaken
	}
	n.net.nodes[addr] = n
	n.mu.Lock()
	n.aliases = append(n.aliases, addr)
	n.mu.Unlock()
	log.Debug().Str("module", "memnet").Str("addr", string(n.addr)).Str("alias", string(addr)).Msg("claimed")
	return nil
}

func (n *Node) Release(addr domain.Address) error {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	if n.net.nodes[addr] != n || addr == n.addr {
		return nil
	}
	delete(n.net.nodes, addr)
	n.mu.Lock()
	for i, a := range n.aliases {
		if a == addr {
			n.aliases = append(n.aliases[:i], n.aliases[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
	return nil
}

// Leave detaches the node: its addresses are freed and every peer sees its
// channel fail.
func (n *Node) Leave() {
	n.net.mu.Lock()
	delete(n.net.nodes, n.addr)
	n.mu.Lock()
	for _, a := range n.aliases {
		if n.net.nodes[a] == n {
			delete(n.net.nodes, a)
		}
	}
	n.aliases = nil
	links := n.links
	n.links = make(map[domain.Address]link)
	first := !n.left
	n.left = true
	n.mu.Unlock()
	n.net.mu.Unlock()

	for _, l := range links {
		l.peer.dropLink(l.as, core.ErrChannelClosed)
	}
	if first {
		close(n.done)
	}
}

func (n *Node) enqueue(ev func(core.TransportHandler)) {
	n.mu.Lock()
	if n.left {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, ev)
	n.mu.Unlock()
	n.wake()
}

func (n *Node) wake() {
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

func (n *Node) loop() {
	for {
		select {
		case <-n.done:
			return
		case <-n.notify:
		}
		for {
			n.mu.Lock()
			if n.handler == nil || len(n.queue) == 0 {
				n.mu.Unlock()
				break
			}
			ev := n.queue[0]
			n.queue = n.queue[1:]
			h := n.handler
			n.mu.Unlock()
			ev(h)
		}
	}
}
