// Package session owns peer connections, their key exchange and the
// encrypted message flow over a core.Transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Turtle/internal/core"
	"github.com/dkeye/Turtle/internal/domain"
	"github.com/dkeye/Turtle/internal/framer"
	"github.com/dkeye/Turtle/internal/protocol"
	"github.com/dkeye/Turtle/internal/protocol/codec"
)

const (
	DefaultChunkThreshold = 2 * protocol.MaxChunkData
	DefaultEventBuffer    = 64
)

var (
	ErrConnectFailed = errors.New("connect failed")
	ErrShutdown      = errors.New("session manager shut down")
)

type Options struct {
	Codec          codec.Codec
	Framer         *framer.Framer
	ChunkThreshold int
	EventBuffer    int
	// Announce is sent to peers that dial us.
	Announce *domain.SenderInfo
}

// PeerInfo is a diagnostic view of one connection.
type PeerInfo struct {
	Address domain.Address     `json:"address"`
	Local   domain.Address     `json:"local"`
	State   string             `json:"state"`
	Inbound bool               `json:"inbound"`
	Info    *domain.SenderInfo `json:"info,omitempty"`
}

// Manager keeps at most one connection per remote address.
type Manager struct {
	tr        core.Transport
	codec     codec.Codec
	framer    *framer.Framer
	threshold int
	announce  *domain.SenderInfo

	mu    sync.RWMutex
	conns map[domain.Address]*peerConn

	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
}

func NewManager(tr core.Transport, opts Options) *Manager {
	if opts.Codec == nil {
		opts.Codec = codec.JSON()
	}
	if opts.Framer == nil {
		opts.Framer = framer.New(framer.Config{})
	}
	if opts.ChunkThreshold <= 0 {
		opts.ChunkThreshold = DefaultChunkThreshold
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	m := &Manager{
		tr:        tr,
		codec:     opts.Codec,
		framer:    opts.Framer,
		threshold: opts.ChunkThreshold,
		announce:  opts.Announce,
		conns:     make(map[domain.Address]*peerConn),
		events:    make(chan Event, opts.EventBuffer),
		done:      make(chan struct{}),
	}
	tr.Bind(handler{m})
	return m
}

// Events delivers StatusEvent, MessageEvent and InviteEvent values. The
// channel is never closed; select on Done as well.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) LocalAddress() domain.Address { return m.tr.LocalAddress() }

func (m *Manager) stopped() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Connect starts a connection to addr. It is a no-op returning true when a
// connection already exists, and returns false for our own address or when
// the transport refuses the channel.
func (m *Manager) Connect(addr domain.Address, announce *domain.SenderInfo) bool {
	if m.stopped() || addr == "" || addr == m.tr.LocalAddress() {
		return false
	}

	m.mu.Lock()
	if _, ok := m.conns[addr]; ok {
		m.mu.Unlock()
		return true
	}
	pc, err := newPeerConn(addr, m.tr.LocalAddress(), false, announce)
	if err != nil {
		m.mu.Unlock()
		log.Error().Err(err).Str("module", "session").Str("peer", string(addr)).Msg("key generation failed")
		return false
	}
	pc.setState(StateConnecting)
	m.conns[addr] = pc
	m.mu.Unlock()

	if err := m.tr.Open(addr); err != nil {
		m.forget(addr, pc)
		pc.shutdown(err)
		log.Warn().Err(err).Str("module", "session").Str("peer", string(addr)).Msg("open failed")
		return false
	}
	log.Debug().Str("module", "session").Str("peer", string(addr)).Msg("connecting")
	return true
}

// Dial connects and waits until the channel opens, fails or ctx ends. On
// ctx expiry the pending connection is dropped without an event.
func (m *Manager) Dial(ctx context.Context, addr domain.Address, announce *domain.SenderInfo) error {
	if !m.Connect(addr, announce) {
		return fmt.Errorf("%w: %s", ErrConnectFailed, addr)
	}
	pc, ok := m.conn(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectFailed, addr)
	}
	select {
	case <-pc.opened:
		return nil
	case <-pc.closed:
		if err := pc.closeErr(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConnectFailed, addr, err)
		}
		return fmt.Errorf("%w: %s", ErrConnectFailed, addr)
	case <-ctx.Done():
		if m.forget(addr, pc) {
			pc.shutdown(ctx.Err())
			_ = m.tr.Close(addr)
		}
		return ctx.Err()
	case <-m.done:
		return ErrShutdown
	}
}

// Send encrypts plaintext for addr. It returns false unless the connection
// is READY and every frame was handed to the transport.
func (m *Manager) Send(addr domain.Address, plaintext string, kind protocol.Type, meta RoutingMeta) bool {
	if !kind.IsMessageKind() {
		return false
	}
	pc, ok := m.conn(addr)
	if !ok || pc.State() != StateReady {
		log.Debug().Str("module", "session").Str("peer", string(addr)).Msg("send on unready connection")
		return false
	}

	nonce, ct, err := pc.sec.Encrypt([]byte(plaintext))
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(addr)).Msg("encrypt failed")
		return false
	}
	sealed := &protocol.Sealed{Nonce: nonce, Ciphertext: ct}
	body, err := m.codec.Marshal(sealed)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("marshal sealed payload")
		return false
	}

	if len(body) < m.threshold {
		return m.write(addr, protocol.NewSealed(kind, sealed, meta.RoomID, meta.Sender))
	}

	id := framer.NewTransferID()
	chunks := m.framer.Frame(id, body, kind, meta.RoomID, meta.Sender)
	for i := range chunks {
		if !m.write(addr, protocol.NewChunk(&chunks[i])) {
			return false
		}
	}
	log.Debug().
		Str("module", "session").
		Str("peer", string(addr)).
		Str("message_id", id).
		Int("chunks", len(chunks)).
		Msg("sent chunked message")
	return true
}

// SendInvite sends room in clear over an open channel.
func (m *Manager) SendInvite(addr domain.Address, room domain.RoomDescriptor) bool {
	if err := room.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("invalid invite")
		return false
	}
	pc, ok := m.conn(addr)
	if !ok {
		return false
	}
	if s := pc.State(); s != StateKeyExchange && s != StateReady {
		return false
	}
	return m.write(addr, protocol.NewInvite(&room))
}

// Close tears down the connection to addr and emits a disconnected
// StatusEvent. It reports whether a connection existed.
func (m *Manager) Close(addr domain.Address) bool {
	pc, ok := m.conn(addr)
	if !ok || !m.forget(addr, pc) {
		return false
	}
	_ = m.tr.Close(addr)
	local, info := pc.snapshot()
	if pc.shutdown(nil) {
		m.emit(StatusEvent{Address: addr, Local: local, Info: info})
	}
	log.Info().Str("module", "session").Str("peer", string(addr)).Msg("closed")
	return true
}

// Shutdown closes every connection and ends the event stream.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		conns := m.conns
		m.conns = make(map[domain.Address]*peerConn)
		m.mu.Unlock()
		for addr, pc := range conns {
			_ = m.tr.Close(addr)
			pc.shutdown(ErrShutdown)
		}
		log.Info().Str("module", "session").Int("closed", len(conns)).Msg("shutdown")
	})
}

// Ready reports whether addr has a READY connection.
func (m *Manager) Ready(addr domain.Address) bool {
	pc, ok := m.conn(addr)
	return ok && pc.State() == StateReady
}

func (m *Manager) Peers() []PeerInfo {
	m.mu.RLock()
	out := make([]PeerInfo, 0, len(m.conns))
	for addr, pc := range m.conns {
		local, info := pc.snapshot()
		out = append(out, PeerInfo{
			Address: addr,
			Local:   local,
			State:   pc.State().String(),
			Inbound: pc.inbound,
			Info:    info,
		})
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b PeerInfo) int { return strings.Compare(string(a.Address), string(b.Address)) })
	return out
}

func (m *Manager) conn(addr domain.Address) (*peerConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pc, ok := m.conns[addr]
	return pc, ok
}

// forget removes pc if it is still the registered connection for addr.
func (m *Manager) forget(addr domain.Address, pc *peerConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[addr] != pc {
		return false
	}
	delete(m.conns, addr)
	return true
}

func (m *Manager) write(addr domain.Address, env protocol.Envelope) bool {
	frame, err := protocol.Encode(m.codec, env)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Str("type", string(env.Type)).Msg("encode envelope")
		return false
	}
	if err := m.tr.Send(addr, frame); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(addr)).Str("type", string(env.Type)).Msg("transport send failed")
		return false
	}
	return true
}

// emit blocks while the event buffer is full, until the manager shuts down.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
		return
	default:
	}
	log.Warn().Str("module", "session").Str("peer", string(ev.Peer())).Msg("event buffer full")
	select {
	case m.events <- ev:
	case <-m.done:
	}
}
