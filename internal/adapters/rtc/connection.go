package rtc

import (
	"bytes"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Turtle/internal/domain"
)

const (
	channelLabel = "turtle"
	// maxBacklog bounds messages held while the open callback is pending.
	maxBacklog = 256
)

var ErrNotOpen = errors.New("data channel not open")

// WebRTCConnection is one peer connection carrying a single ordered data
// channel.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	remote domain.Address

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	// evMu orders callbacks: pion runs the open handler on its own
	// goroutine, so messages can arrive before it.
	evMu    sync.Mutex
	opened  bool
	backlog [][]byte

	onOpen    func()
	onMessage func([]byte)
	onClosed  func(error)
	closeOnce sync.Once
}

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, remote domain.Address) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &WebRTCConnection{pc: pc, remote: remote}, nil
}

func (c *WebRTCConnection) Start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer", string(c.remote)).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(c.remote)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			c.fire(errors.New("peer connection " + s.String()))
		}
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != channelLabel {
			log.Warn().Str("module", "webrtc").Str("peer", string(c.remote)).Str("label", dc.Label()).Msg("unexpected data channel")
			return
		}
		c.attach(dc)
	})
}

func (c *WebRTCConnection) attach(dc *webrtc.DataChannel) {
	dc.OnOpen(func() { c.handleOpen(dc) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { c.handleMessage(msg.Data) })
	dc.OnClose(func() {
		c.fire(nil)
	})
}

// handleOpen delivers the open callback, then any messages that raced
// ahead of it.
func (c *WebRTCConnection) handleOpen(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.opened {
		return
	}
	c.opened = true
	if c.onOpen != nil {
		c.onOpen()
	}
	backlog := c.backlog
	c.backlog = nil
	for _, data := range backlog {
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

func (c *WebRTCConnection) handleMessage(data []byte) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if !c.opened {
		if len(c.backlog) >= maxBacklog {
			log.Warn().Str("module", "webrtc").Str("peer", string(c.remote)).Msg("dropped message before open")
			return
		}
		c.backlog = append(c.backlog, bytes.Clone(data))
		return
	}
	if c.onMessage != nil {
		c.onMessage(data)
	}
}

// CreateOffer opens the data channel and returns an offer with every ICE
// candidate gathered.
func (c *WebRTCConnection) CreateOffer() (*webrtc.SessionDescription, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	c.attach(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return c.pc.LocalDescription(), nil
}

func (c *WebRTCConnection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.setRemote(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return c.pc.LocalDescription(), nil
}

func (c *WebRTCConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.setRemote(answer)
}

func (c *WebRTCConnection) setRemote(sd webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ci := range pending {
		if err := c.pc.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Msg("buffered candidate")
		}
	}
	return nil
}

// AddICECandidate applies ci, or holds it until the remote description
// is known.
func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, ci)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return ErrNotOpen
	}
	return dc.Send(data)
}

// Close tears the connection down without invoking OnClosed.
func (c *WebRTCConnection) Close() {
	c.closeOnce.Do(func() {})
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Msg("close error")
	} else {
		log.Debug().Str("module", "webrtc").Str("peer", string(c.remote)).Msg("closed")
	}
}

func (c *WebRTCConnection) fire(err error) {
	c.closeOnce.Do(func() {
		if c.onClosed != nil {
			c.onClosed(err)
		}
	})
}

// OnOpen sets the callback for the data channel becoming usable.
func (c *WebRTCConnection) OnOpen(fn func()) { c.onOpen = fn }

func (c *WebRTCConnection) OnMessage(fn func([]byte)) { c.onMessage = fn }

// OnClosed sets the callback for remote close or failure.
func (c *WebRTCConnection) OnClosed(fn func(error)) { c.onClosed = fn }
