package session_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Turtle/internal/adapters/memnet"
	"github.com/dkeye/Turtle/internal/core"
	"github.com/dkeye/Turtle/internal/domain"
	"github.com/dkeye/Turtle/internal/protocol"
	"github.com/dkeye/Turtle/internal/protocol/codec"
	"github.com/dkeye/Turtle/internal/secure"
	"github.com/dkeye/Turtle/internal/session"
)

type peer struct {
	addr domain.Address
	node *memnet.Node
	m    *session.Manager
}

func newPeer(t *testing.T, net *memnet.Network, addr domain.Address, c codec.Codec) *peer {
	t.Helper()
	node, err := net.Join(addr)
	require.NoError(t, err)
	m := session.NewManager(node, session.Options{
		Codec:    c,
		Announce: &domain.SenderInfo{DisplayName: string(addr), Address: addr},
	})
	t.Cleanup(func() {
		m.Shutdown()
		node.Leave()
	})
	return &peer{addr: addr, node: node, m: m}
}

func expect[T session.Event](t *testing.T, p *peer) T {
	t.Helper()
	select {
	case ev := <-p.m.Events():
		got, ok := ev.(T)
		require.Truef(t, ok, "unexpected event %#v", ev)
		return got
	case <-time.After(2 * time.Second):
		var zero T
		t.Fatalf("%s: no %T within timeout", p.addr, zero)
		return zero
	}
}

func expectNone(t *testing.T, p *peer) {
	t.Helper()
	select {
	case ev := <-p.m.Events():
		t.Fatalf("%s: unexpected event %#v", p.addr, ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func connect(t *testing.T, a, b *peer) {
	t.Helper()
	require.True(t, a.m.Connect(b.addr, &domain.SenderInfo{DisplayName: string(a.addr)}))
	st := expect[session.StatusEvent](t, a)
	require.True(t, st.Connected)
	require.Equal(t, b.addr, st.Address)
	st = expect[session.StatusEvent](t, b)
	require.True(t, st.Connected)
	require.Equal(t, a.addr, st.Address)
}

func TestHelloEndToEnd(t *testing.T) {
	net := memnet.NewNetwork()
	a := newPeer(t, net, "turtle-a", nil)
	b := newPeer(t, net, "turtle-b", nil)

	require.True(t, a.m.Connect(b.addr, &domain.SenderInfo{DisplayName: "Alice"}))
	st := expect[session.StatusEvent](t, b)
	assert.True(t, st.Connected)
	assert.Equal(t, a.addr, st.Address)
	require.NotNil(t, st.Info)
	assert.Equal(t, "Alice", st.Info.DisplayName)
	st = expect[session.StatusEvent](t, a)
	assert.True(t, st.Connected)
	assert.Equal(t, "turtle-b", st.Info.DisplayName)

	require.True(t, a.m.Send(b.addr, "hello", protocol.TypeChat, session.RoutingMeta{}))
	msg := expect[session.MessageEvent](t, b)
	assert.Equal(t, session.MessageEvent{Address: a.addr, Plaintext: "hello", Kind: protocol.TypeChat}, msg)

	require.True(t, b.m.Send(a.addr, "hi back", protocol.TypeChat, session.RoutingMeta{}))
	assert.Equal(t, "hi back", expect[session.MessageEvent](t, a).Plaintext)
}

func TestConnectIsIdempotent(t *testing.T) {
	net := memnet.NewNetwork()
	a := newPeer(t, net, "a", nil)
	b := newPeer(t, net, "b", nil)
	connect(t, a, b)

	assert.True(t, a.m.Connect(b.addr, nil))
	expectNone(t, a)
	peers := a.m.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "READY", peers[0].State)
	assert.False(t, peers[0].Inbound)
	assert.True(t, b.m.Peers()[0].Inbound)
}

func TestConnectRejected(t *testing.T) {
	net := memnet.NewNetwork()
	a := newPeer(t, net, "a", nil)

	assert.False(t, a.m.Connect("a", nil))
	assert.False(t, a.m.Connect("missing", nil))
	assert.Empty(t, a.m.Peers())

	err := a.m.Dial(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, session.ErrConnectFailed)
}

func TestSendBeforeReady(t *testing.T) {
	net := memnet.NewNetwork()
	a := newPeer(t, net, "a", nil)
	b := newPeer(t, net, "b", nil)
	// b's key never reaches a.
	b.node.Intercept(func(domain.Address, core.Frame) core.Frame { return nil })

	require.True(t, a.m.Connect(b.addr, nil))
	expect[session.StatusEvent](t, b)
	assert.False(t, a.m.Ready(b.addr))
	assert.False(t, a.m.Send(b.addr, "too early", protocol.TypeChat, session.RoutingMeta{}))
	assert.False(t, a.m.Send("nobody", "x", protocol.TypeChat, session.RoutingMeta{}))
	assert.False(t, a.m.Send(b.addr, "x", protocol.TypeInvite, session.RoutingMeta{}))
	expectNone(t, b)
}

func TestTamperedMessageDropped(t *testing.T) {
	net := memnet.NewNetwork()
	a := newPeer(t, net, "a", nil)
	b := newPeer(t, net, "b", nil)
	connect(t, a, b)

	c := codec.JSON()
	tampered := false
	a.node.Intercept(func(_ domain.Address, f core.Frame) core.Frame {
		env, err := protocol.Decode(c, f)
		require.NoError(t, err)
		s, ok := env.Sealed()
		if !ok || tampered {
			return f
		}
		tampered = true
		s.Ciphertext[0] ^= 0x01
		out, err := protocol.Encode(c, env)
		require.NoError(t, err)
		return out
	})

	require.True(t, a.m.Send(b.addr, "tampered", protocol.TypeChat, session.RoutingMeta{}))
	require.True(t, a.m.Send(b.addr, "intact", protocol.TypeChat, session.RoutingMeta{}))
	assert.Equal(t, "intact", expect[session.MessageEvent](t, b).Plaintext)
	expectNone(t, b)
}

func TestChunkedGroupMessage(t *testing.T) {
	for _, name := range []string{codec.NameJSON, codec.NameCBOR} {
		t.Run(name, func(t *testing.T) {
			reg, err := codec.NewRegistry()
			require.NoError(t, err)
			c, err := reg.Get(name)
			require.NoError(t, err)

			net := memnet.NewNetwork()
			a := newPeer(t, net, "a", c)
			b := newPeer(t, net, "b", c)
			connect(t, a, b)

			var chunks int
			a.node.Intercept(func(_ domain.Address, f core.Frame) core.Frame {
				env, err := protocol.Decode(c, f)
				require.NoError(t, err)
				if env.Type == protocol.TypeFileChunk {
					chunks++
				}
				return f
			})

			body := strings.Repeat("turtle ", 15_000)
			meta := session.RoutingMeta{RoomID: "room-1", Sender: &domain.SenderInfo{DisplayName: "Alice"}}
			require.True(t, a.m.Send(b.addr, body, protocol.TypeGroupMsg, meta))

			msg := expect[session.MessageEvent](t, b)
			assert.Equal(t, body, msg.Plaintext)
			assert.Equal(t, protocol.TypeGroupMsg, msg.Kind)
			assert.Equal(t, domain.RoomID("room-1"), msg.Meta.RoomID)
			require.NotNil(t, msg.Meta.Sender)
			assert.Equal(t, "Alice", msg.Meta.Sender.DisplayName)
			assert.Greater(t, chunks, 1)
		})
	}
}

func TestSmallMessageIsNotChunked(t *testing.T) {
	net := memnet.NewNetwork()
	a := newPeer(t, net, "a", nil)
	b := newPeer(t, net, "b", nil)
	connect(t, a, b)

	var types []protocol.Type
	a.node.Intercept(func(_ domain.Address, f core.Frame) core.Frame {
		env, err := protocol.Decode(codec.JSON(), f)
		require.NoError(t, err)
		types = append(types, env.Type)
		return f
	})
	require.True(t, a.m.Send(b.addr, strings.Repeat("x", 1000), protocol.TypeChat, session.RoutingMeta{}))
	expect[session.MessageEvent](t, b)
	assert.Equal(t, []protocol.Type{protocol.TypeChat}, types)
}

func TestRepeatedKeyExchangeIgnored(t *testing.T) {
	net := memnet.NewNetwork()
	a := newPeer(t, net, "a", nil)
	b := newPeer(t, net, "b", nil)
	connect(t, a, b)

	rogue := make([]byte, protocol.PublicKeySize)
	rogue[0] = 9
	frame, err := protocol.Encode(codec.JSON(), protocol.NewKeyExchange(rogue, nil))
	require.NoError(t, err)
	require.NoError(t, a.node.Send(b.addr, frame))

	require.True(t, a.m.Send(b.addr, "still secret", protocol.TypeChat, session.RoutingMeta{}))
	assert.Equal(t, "still secret", expect[session.MessageEvent](t, b).Plaintext)
}

func TestMalformedFramesDropped(t *testing.T) {
	net := memnet.NewNetwork()
	a := newPeer(t, net, "a", nil)
	b := newPeer(t, net, "b", nil)
	connect(t, a, b)

	require.NoError(t, a.node.Send(b.addr, core.Frame(`{"type":"SHOUT","payload":{}}`)))
	require.NoError(t, a.node.Send(b.addr, core.Frame(`not json`)))
	require.True(t, a.m.Send(b.addr, "after", protocol.TypeChat, session.RoutingMeta{}))
	assert.Equal(t, "after", expect[session.MessageEvent](t, b).Plaintext)
}

func TestInvite(t *testing.T) {
	net := memnet.NewNetwork()
	a := newPeer(t, net, "a", nil)
	b := newPeer(t, net, "b", nil)
	connect(t, a, b)

	room := domain.RoomDescriptor{
		ID:          "room-1",
		Name:        "Lab",
		Type:        domain.RoomGroup,
		HostAddress: a.addr,
		Persona:     domain.Persona{Name: "host"},
	}
	require.True(t, a.m.SendInvite(b.addr, room))
	inv := expect[session.InviteEvent](t, b)
	assert.Equal(t, a.addr, inv.Address)
	assert.Equal(t, room, inv.Room)

	assert.False(t, a.m.SendInvite(b.addr, domain.RoomDescriptor{}))
	assert.False(t, a.m.SendInvite("nobody", room))
}

func TestCloseEmitsStatus(t *testing.T) {
	net := memnet.NewNetwork()
	a := newPeer(t, net, "a", nil)
	b := newPeer(t, net, "b", nil)
	connect(t, a, b)

	require.True(t, a.m.Close(b.addr))
	st := expect[session.StatusEvent](t, a)
	assert.False(t, st.Connected)
	assert.Equal(t, b.addr, st.Address)
	assert.NoError(t, st.Err)

	st = expect[session.StatusEvent](t, b)
	assert.False(t, st.Connected)
	assert.Equal(t, a.addr, st.Address)

	assert.False(t, a.m.Close(b.addr))
	assert.False(t, a.m.Send(b.addr, "gone", protocol.TypeChat, session.RoutingMeta{}))
	assert.Empty(t, a.m.Peers())

	connect(t, a, b)
}

func TestBadPeerKeyClosesConnection(t *testing.T) {
	net := memnet.NewNetwork()
	a := newPeer(t, net, "a", nil)
	b := newPeer(t, net, "b", nil)

	c := codec.JSON()
	a.node.Intercept(func(_ domain.Address, f core.Frame) core.Frame {
		env, err := protocol.Decode(c, f)
		require.NoError(t, err)
		kx, ok := env.KeyExchange()
		if !ok {
			return f
		}
		// All-zero is a low-order point.
		kx.PublicKey = make([]byte, protocol.PublicKeySize)
		out, err := protocol.Encode(c, env)
		require.NoError(t, err)
		return out
	})

	require.True(t, a.m.Connect(b.addr, nil))
	st := expect[session.StatusEvent](t, b)
	assert.False(t, st.Connected)
	assert.Equal(t, a.addr, st.Address)
	assert.ErrorIs(t, st.Err, secure.ErrBadPublicKey)
	assert.False(t, b.m.Ready(a.addr))

	st = expect[session.StatusEvent](t, a)
	assert.False(t, st.Connected)
	assert.Empty(t, a.m.Peers())
}

func TestPeerFailureEmitsStatus(t *testing.T) {
	net := memnet.NewNetwork()
	a := newPeer(t, net, "a", nil)
	b := newPeer(t, net, "b", nil)
	connect(t, a, b)

	b.node.Leave()
	st := expect[session.StatusEvent](t, a)
	assert.False(t, st.Connected)
	assert.ErrorIs(t, st.Err, core.ErrChannelClosed)
}

func TestDialReachesAlias(t *testing.T) {
	net := memnet.NewNetwork()
	guest := newPeer(t, net, "guest", nil)
	host := newPeer(t, net, "host", nil)
	require.NoError(t, host.node.Claim(context.Background(), "lobby"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, guest.m.Dial(ctx, "lobby", nil))

	st := expect[session.StatusEvent](t, host)
	assert.Equal(t, guest.addr, st.Address)
	assert.Equal(t, domain.Address("lobby"), st.Local)
	st = expect[session.StatusEvent](t, guest)
	assert.Equal(t, domain.Address("lobby"), st.Address)
}

func TestShutdown(t *testing.T) {
	net := memnet.NewNetwork()
	a := newPeer(t, net, "a", nil)
	b := newPeer(t, net, "b", nil)
	connect(t, a, b)

	a.m.Shutdown()
	select {
	case <-a.m.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.Empty(t, a.m.Peers())
	assert.False(t, a.m.Connect(b.addr, nil))
	a.m.Shutdown()

	st := expect[session.StatusEvent](t, b)
	assert.False(t, st.Connected)
}
