// Package rtc implements core.Transport over WebRTC data channels, with
// offers and answers relayed by the broker.
package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Turtle/internal/adapters/signal"
	"github.com/dkeye/Turtle/internal/core"
	"github.com/dkeye/Turtle/internal/domain"
)

// Signaler carries session descriptions to other peers.
type Signaler interface {
	Self() domain.Address
	Signal(m signal.Message) error
	OnSignal(fn func(signal.Message))
}

type Config struct {
	ICEServers []string
	// RelayOnly restricts ICE to TURN relays so peers never see each
	// other's network addresses.
	RelayOnly bool
	// IncludeLoopback allows loopback candidates; used by tests.
	IncludeLoopback bool
}

func (c Config) webrtc() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(c.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	if c.RelayOnly {
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return cfg
}

type peer struct {
	conn    *WebRTCConnection
	local   domain.Address
	inbound bool
}

type Transport struct {
	sig Signaler
	api *webrtc.API
	cfg webrtc.Configuration

	mu    sync.Mutex
	h     core.TransportHandler
	peers map[domain.Address]*peer
}

var _ core.Transport = (*Transport)(nil)

func NewTransport(sig Signaler, cfg Config) *Transport {
	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{}}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	t := &Transport{
		sig:   sig,
		api:   webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		cfg:   cfg.webrtc(),
		peers: make(map[domain.Address]*peer),
	}
	sig.OnSignal(t.onSignal)
	return t
}

func (t *Transport) Bind(h core.TransportHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h = h
}

func (t *Transport) LocalAddress() domain.Address { return t.sig.Self() }

func (t *Transport) handler() core.TransportHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}

// Open starts an outbound connection. The offer is built and sent in the
// background; the result arrives as OnOpen or OnClose.
func (t *Transport) Open(remote domain.Address) error {
	if remote == t.sig.Self() {
		return core.ErrUnreachable
	}
	t.mu.Lock()
	if _, ok := t.peers[remote]; ok {
		t.mu.Unlock()
		return nil
	}
	conn, err := NewWebRTCConnection(t.api, t.cfg, remote)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	p := &peer{conn: conn, local: t.sig.Self()}
	t.peers[remote] = p
	t.mu.Unlock()

	t.wire(remote, p)
	go func() {
		offer, err := conn.CreateOffer()
		if err == nil {
			err = t.sig.Signal(signal.Message{Type: signal.TypeOffer, To: remote, SDP: offer.SDP})
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("peer", string(remote)).Msg("offer failed")
			t.fail(remote, p, core.ErrUnreachable)
		}
	}()
	return nil
}

func (t *Transport) Send(remote domain.Address, f core.Frame) error {
	t.mu.Lock()
	p, ok := t.peers[remote]
	t.mu.Unlock()
	if !ok {
		return core.ErrChannelClosed
	}
	return p.conn.Send(f)
}

func (t *Transport) Close(remote domain.Address) error {
	t.mu.Lock()
	p, ok := t.peers[remote]
	delete(t.peers, remote)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	msg := signal.Message{Type: signal.TypeBye, To: remote}
	if p.inbound {
		msg.Address = p.local
	}
	_ = t.sig.Signal(msg)
	// Close may be called from a data channel callback; pion's Close waits
	// for that callback's read loop.
	go p.conn.Close()
	return nil
}

func (t *Transport) wire(remote domain.Address, p *peer) {
	p.conn.OnOpen(func() {
		if h := t.handler(); h != nil {
			h.OnOpen(core.OpenInfo{Remote: remote, Local: p.local, Inbound: p.inbound})
		}
	})
	p.conn.OnMessage(func(data []byte) {
		if h := t.handler(); h != nil {
			h.OnMessage(remote, data)
		}
	})
	p.conn.OnClosed(func(err error) {
		t.fail(remote, p, err)
	})
	p.conn.Start()
}

// fail drops p if it is still current and reports the loss.
func (t *Transport) fail(remote domain.Address, p *peer, err error) {
	t.mu.Lock()
	cur, ok := t.peers[remote]
	if ok && cur == p {
		delete(t.peers, remote)
	}
	t.mu.Unlock()
	if !ok || cur != p {
		return
	}
	go p.conn.Close()
	if h := t.handler(); h != nil {
		h.OnClose(remote, err)
	}
}

func (t *Transport) lookup(remote domain.Address) (*peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[remote]
	return p, ok
}

// onSignal handles broker traffic. Replies from a responder carry the
// address we dialed in Address, since From is always its own address.
func (t *Transport) onSignal(m signal.Message) {
	key := m.From
	if m.Address != "" {
		key = m.Address
	}

	switch m.Type {
	case signal.TypeOffer:
		go t.accept(m)
	case signal.TypeAnswer:
		p, ok := t.lookup(key)
		if !ok {
			return
		}
		if err := p.conn.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("peer", string(key)).Msg("bad answer")
			t.fail(key, p, core.ErrUnreachable)
		}
	case signal.TypeCandidate:
		if p, ok := t.lookup(key); ok && m.Candidate != nil {
			if err := p.conn.AddICECandidate(*m.Candidate); err != nil {
				log.Warn().Err(err).Str("module", "rtc").Str("peer", string(key)).Msg("bad candidate")
			}
		}
	case signal.TypeBye:
		if p, ok := t.lookup(key); ok {
			t.fail(key, p, nil)
		}
	case signal.TypeError:
		if p, ok := t.lookup(m.Address); ok {
			log.Info().Str("module", "rtc").Str("peer", string(m.Address)).Str("code", string(m.Code)).Msg("broker refused route")
			t.fail(m.Address, p, m.Err())
		}
	}
}

func (t *Transport) accept(m signal.Message) {
	remote, local := m.From, m.To
	conn, err := NewWebRTCConnection(t.api, t.cfg, remote)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(remote)).Msg("new peer connection")
		return
	}
	p := &peer{conn: conn, local: local, inbound: true}

	t.mu.Lock()
	old := t.peers[remote]
	t.peers[remote] = p
	t.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}

	t.wire(remote, p)
	answer, err := conn.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP})
	if err == nil {
		err = t.sig.Signal(signal.Message{Type: signal.TypeAnswer, To: remote, Address: local, SDP: answer.SDP})
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("peer", string(remote)).Msg("answer failed")
		t.fail(remote, p, core.ErrUnreachable)
	}
}
