package session

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/Turtle/internal/domain"
	"github.com/dkeye/Turtle/internal/secure"
)

// peerConn is the per-address connection record. Its state only moves
// forward; CLOSED is terminal.
type peerConn struct {
	remote   domain.Address
	inbound  bool
	announce *domain.SenderInfo
	sec      *secure.Channel

	state   atomic.Int32
	keySent atomic.Bool

	mu    sync.Mutex
	local domain.Address
	info  *domain.SenderInfo
	err   error

	opened    chan struct{}
	closed    chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once
}

func newPeerConn(remote, local domain.Address, inbound bool, announce *domain.SenderInfo) (*peerConn, error) {
	pc := &peerConn{
		remote:   remote,
		local:    local,
		inbound:  inbound,
		announce: announce,
		sec:      secure.New(),
		opened:   make(chan struct{}),
		closed:   make(chan struct{}),
	}
	if _, err := pc.sec.GenerateKeyPair(); err != nil {
		return nil, err
	}
	return pc, nil
}

func (pc *peerConn) State() State { return State(pc.state.Load()) }

func (pc *peerConn) setState(s State) { pc.state.Store(int32(s)) }

func (pc *peerConn) advance(from, to State) bool {
	return pc.state.CompareAndSwap(int32(from), int32(to))
}

func (pc *peerConn) markOpen(local domain.Address) {
	pc.mu.Lock()
	pc.local = local
	pc.mu.Unlock()
	pc.openOnce.Do(func() { close(pc.opened) })
}

func (pc *peerConn) setInfo(info *domain.SenderInfo) {
	if info == nil {
		return
	}
	pc.mu.Lock()
	pc.info = info
	pc.mu.Unlock()
}

func (pc *peerConn) snapshot() (local domain.Address, info *domain.SenderInfo) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.local, pc.info
}

// shutdown moves the connection to CLOSED and wipes its keys. It reports
// whether this call did the transition.
func (pc *peerConn) shutdown(err error) bool {
	first := false
	pc.closeOnce.Do(func() {
		first = true
		pc.mu.Lock()
		pc.err = err
		pc.mu.Unlock()
		pc.setState(StateClosed)
		pc.sec.Wipe()
		close(pc.closed)
	})
	return first
}

func (pc *peerConn) closeErr() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.err
}
