package rtc

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Turtle/internal/adapters/signal"
	"github.com/dkeye/Turtle/internal/core"
	"github.com/dkeye/Turtle/internal/domain"
)

// hub routes signal messages between in-process signalers the way the
// broker does.
type hub struct {
	mu    sync.Mutex
	peers map[domain.Address]*fakeSignaler
}

func newHub() *hub { return &hub{peers: make(map[domain.Address]*fakeSignaler)} }

type fakeSignaler struct {
	self domain.Address
	hub  *hub

	mu sync.Mutex
	fn func(signal.Message)
}

func (h *hub) join(addr domain.Address, aliases ...domain.Address) *fakeSignaler {
	s := &fakeSignaler{self: addr, hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[addr] = s
	for _, a := range aliases {
		h.peers[a] = s
	}
	return s
}

func (s *fakeSignaler) Self() domain.Address { return s.self }

func (s *fakeSignaler) OnSignal(fn func(signal.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

func (s *fakeSignaler) deliver(m signal.Message) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		go fn(m)
	}
}

func (s *fakeSignaler) Signal(m signal.Message) error {
	s.hub.mu.Lock()
	target, ok := s.hub.peers[m.To]
	s.hub.mu.Unlock()
	if !ok {
		s.deliver(signal.Message{Type: signal.TypeError, Code: signal.CodeUnavailable, Address: m.To})
		return nil
	}
	m.From = s.self
	target.deliver(m)
	return nil
}

type recorder struct {
	opened chan core.OpenInfo
	msgs   chan string
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{
		opened: make(chan core.OpenInfo, 4),
		msgs:   make(chan string, 16),
		closed: make(chan error, 4),
	}
}

func (r *recorder) OnOpen(info core.OpenInfo)                { r.opened <- info }
func (r *recorder) OnMessage(_ domain.Address, f core.Frame) { r.msgs <- string(f) }
func (r *recorder) OnClose(_ domain.Address, err error)      { r.closed <- err }

func recv[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		var zero T
		t.Fatalf("timeout waiting for %T", zero)
		return zero
	}
}

func TestOpenUnavailablePeer(t *testing.T) {
	h := newHub()
	tr := NewTransport(h.join("a"), Config{IncludeLoopback: true})
	rec := newRecorder()
	tr.Bind(rec)

	require.NoError(t, tr.Open("nobody"))
	err := recv(t, rec.closed, 10*time.Second)
	assert.ErrorIs(t, err, core.ErrUnreachable)
	assert.ErrorIs(t, tr.Send("nobody", core.Frame("x")), core.ErrChannelClosed)
	assert.ErrorIs(t, tr.Open("a"), core.ErrUnreachable)
}

func TestDataChannelOverLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("needs ICE over loopback")
	}
	h := newHub()
	ta := NewTransport(h.join("a"), Config{IncludeLoopback: true})
	tb := NewTransport(h.join("b", "lobby"), Config{IncludeLoopback: true})
	ra, rb := newRecorder(), newRecorder()
	ta.Bind(ra)
	tb.Bind(rb)
	t.Cleanup(func() {
		_ = ta.Close("lobby")
		_ = tb.Close("a")
	})

	require.NoError(t, ta.Open("lobby"))
	in := recv(t, rb.opened, 15*time.Second)
	assert.Equal(t, core.OpenInfo{Remote: "a", Local: "lobby", Inbound: true}, in)
	out := recv(t, ra.opened, 15*time.Second)
	assert.Equal(t, core.OpenInfo{Remote: "lobby", Local: "a"}, out)

	require.NoError(t, ta.Send("lobby", core.Frame("ping")))
	assert.Equal(t, "ping", recv(t, rb.msgs, 5*time.Second))
	require.NoError(t, tb.Send("a", core.Frame("pong")))
	assert.Equal(t, "pong", recv(t, ra.msgs, 5*time.Second))

	require.NoError(t, ta.Close("lobby"))
	recv(t, rb.closed, 10*time.Second)
}

// greeter answers every open with a frame sent from inside the callback.
type greeter struct {
	*recorder
	tr *Transport
}

func (g greeter) OnOpen(info core.OpenInfo) {
	_ = g.tr.Send(info.Remote, core.Frame("hello from open"))
	g.recorder.OnOpen(info)
}

func TestSendFromOpenCallback(t *testing.T) {
	if testing.Short() {
		t.Skip("needs ICE over loopback")
	}
	h := newHub()
	ta := NewTransport(h.join("a"), Config{IncludeLoopback: true})
	tb := NewTransport(h.join("b"), Config{IncludeLoopback: true})
	ra, rb := newRecorder(), newRecorder()
	ta.Bind(greeter{recorder: ra, tr: ta})
	tb.Bind(rb)
	t.Cleanup(func() { _ = ta.Close("b") })

	require.NoError(t, ta.Open("b"))
	recv(t, ra.opened, 15*time.Second)
	assert.Equal(t, "hello from open", recv(t, rb.msgs, 15*time.Second))
	// OnOpen had been delivered by the time the frame arrived.
	select {
	case info := <-rb.opened:
		assert.Equal(t, core.OpenInfo{Remote: "a", Local: "b", Inbound: true}, info)
	default:
		t.Fatal("message delivered before open")
	}
}

func TestConfigRelayOnly(t *testing.T) {
	cfg := Config{ICEServers: []string{"turn:turn.example:3478"}, RelayOnly: true}.webrtc()
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"turn:turn.example:3478"}, cfg.ICEServers[0].URLs)
	assert.Equal(t, webrtc.ICETransportPolicyRelay, cfg.ICETransportPolicy)
}
