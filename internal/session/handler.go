package session

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Turtle/internal/core"
	"github.com/dkeye/Turtle/internal/domain"
	"github.com/dkeye/Turtle/internal/protocol"
)

// handler receives transport events for a Manager.
type handler struct{ m *Manager }

var _ core.TransportHandler = handler{}

func (h handler) OnOpen(info core.OpenInfo) {
	m := h.m
	if m.stopped() {
		_ = m.tr.Close(info.Remote)
		return
	}
	if info.Inbound {
		h.accept(info)
		return
	}

	pc, ok := m.conn(info.Remote)
	if !ok || !pc.advance(StateConnecting, StateKeyExchange) {
		// Dial gave up on this connection already.
		log.Debug().Str("module", "session").Str("peer", string(info.Remote)).Msg("open for unknown connection")
		if !ok {
			_ = m.tr.Close(info.Remote)
		}
		return
	}
	pc.markOpen(info.Local)
	h.sendKey(pc)
}

func (h handler) accept(info core.OpenInfo) {
	m := h.m
	pc, err := newPeerConn(info.Remote, info.Local, true, m.announce)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Str("peer", string(info.Remote)).Msg("key generation failed")
		_ = m.tr.Close(info.Remote)
		return
	}
	pc.setState(StateKeyExchange)
	pc.markOpen(info.Local)

	m.mu.Lock()
	old := m.conns[info.Remote]
	m.conns[info.Remote] = pc
	m.mu.Unlock()
	if old != nil {
		old.shutdown(nil)
		log.Info().Str("module", "session").Str("peer", string(info.Remote)).Msg("replaced connection")
	}
	log.Info().
		Str("module", "session").
		Str("peer", string(info.Remote)).
		Str("local", string(info.Local)).
		Msg("accepted connection")
}

func (h handler) OnMessage(remote domain.Address, f core.Frame) {
	m := h.m
	pc, ok := m.conn(remote)
	if !ok {
		log.Debug().Str("module", "session").Str("peer", string(remote)).Msg("frame for unknown connection")
		return
	}
	env, err := protocol.Decode(m.codec, f)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(remote)).Msg("dropped envelope")
		return
	}

	switch env.Type {
	case protocol.TypeKeyExchange:
		kx, _ := env.KeyExchange()
		h.onKeyExchange(pc, kx, env.SenderInfo)
	case protocol.TypeChat, protocol.TypeGroupMsg:
		s, _ := env.Sealed()
		h.deliver(pc, env.Type, s, RoutingMeta{RoomID: env.RoomID, Sender: env.SenderInfo})
	case protocol.TypeFileChunk:
		c, _ := env.Chunk()
		done, ok := m.framer.OnFragment(*c)
		if !ok {
			return
		}
		s, err := protocol.DecodeSealed(m.codec, done.Payload)
		if err != nil {
			log.Warn().Err(err).Str("module", "session").Str("peer", string(remote)).Str("message_id", done.MessageID).Msg("dropped reassembled payload")
			return
		}
		h.deliver(pc, done.Kind, s, RoutingMeta{RoomID: done.RoomID, Sender: done.SenderInfo})
	case protocol.TypeInvite:
		room, _ := env.Invite()
		m.emit(InviteEvent{Address: remote, Room: *room})
	}
}

func (h handler) OnClose(remote domain.Address, err error) {
	m := h.m
	pc, ok := m.conn(remote)
	if !ok || !m.forget(remote, pc) {
		return
	}
	local, info := pc.snapshot()
	if pc.shutdown(err) {
		m.emit(StatusEvent{Address: remote, Local: local, Info: info, Err: err})
	}
	log.Info().Err(err).Str("module", "session").Str("peer", string(remote)).Msg("connection closed")
}

func (h handler) onKeyExchange(pc *peerConn, kx *protocol.KeyExchange, info *domain.SenderInfo) {
	m := h.m
	if pc.State() == StateReady {
		log.Debug().Str("module", "session").Str("peer", string(pc.remote)).Msg("ignored repeated key exchange")
		return
	}
	if err := pc.sec.DeriveSharedKey(kx.PublicKey); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(pc.remote)).Msg("key exchange failed")
		h.drop(pc, err)
		return
	}
	pc.setInfo(info)
	if !pc.advance(StateKeyExchange, StateReady) {
		return
	}
	if !pc.keySent.Load() && !h.sendKey(pc) {
		h.drop(pc, core.ErrChannelClosed)
		return
	}

	local, peerInfo := pc.snapshot()
	log.Info().
		Str("module", "session").
		Str("peer", string(pc.remote)).
		Str("local", string(local)).
		Msg("session ready")
	m.emit(StatusEvent{Address: pc.remote, Local: local, Connected: true, Info: peerInfo})
}

// drop closes a connection that failed its handshake and reports it.
func (h handler) drop(pc *peerConn, err error) {
	m := h.m
	if !m.forget(pc.remote, pc) {
		return
	}
	_ = m.tr.Close(pc.remote)
	local, info := pc.snapshot()
	if pc.shutdown(err) {
		m.emit(StatusEvent{Address: pc.remote, Local: local, Info: info, Err: err})
	}
}

func (h handler) sendKey(pc *peerConn) bool {
	if pc.keySent.Swap(true) {
		return true
	}
	pub := pc.sec.PublicKey()
	if pub == nil {
		return false
	}
	return h.m.write(pc.remote, protocol.NewKeyExchange(pub, pc.announce))
}

func (h handler) deliver(pc *peerConn, kind protocol.Type, s *protocol.Sealed, meta RoutingMeta) {
	if pc.State() != StateReady {
		log.Warn().Str("module", "session").Str("peer", string(pc.remote)).Msg("message before key exchange")
		return
	}
	pt, err := pc.sec.Decrypt(s.Nonce, s.Ciphertext)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(pc.remote)).Msg("dropped message")
		return
	}
	h.m.emit(MessageEvent{Address: pc.remote, Plaintext: string(pt), Kind: kind, Meta: meta})
}
