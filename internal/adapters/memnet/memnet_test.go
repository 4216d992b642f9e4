package memnet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Turtle/internal/core"
	"github.com/dkeye/Turtle/internal/domain"
)

type event struct {
	kind   string
	remote domain.Address
	local  domain.Address
	data   string
	err    error
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) OnOpen(info core.OpenInfo) {
	kind := "open"
	if info.Inbound {
		kind = "accept"
	}
	r.add(event{kind: kind, remote: info.Remote, local: info.Local})
}

func (r *recorder) OnMessage(remote domain.Address, f core.Frame) {
	r.add(event{kind: "msg", remote: remote, data: string(f)})
}

func (r *recorder) OnClose(remote domain.Address, err error) {
	r.add(event{kind: "close", remote: remote, err: err})
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func (r *recorder) waitFor(t *testing.T, n int) []event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, time.Second, 5*time.Millisecond)
	return r.snapshot()
}

func join(t *testing.T, net *Network, addr domain.Address) (*Node, *recorder) {
	t.Helper()
	node, err := net.Join(addr)
	require.NoError(t, err)
	rec := &recorder{}
	node.Bind(rec)
	t.Cleanup(node.Leave)
	return node, rec
}

func TestOpenSendClose(t *testing.T) {
	net := NewNetwork()
	a, ra := join(t, net, "a")
	b, rb := join(t, net, "b")

	require.NoError(t, a.Open("b"))
	ra.waitFor(t, 1)
	require.NoError(t, a.Send("b", core.Frame("one")))
	require.NoError(t, a.Send("b", core.Frame("two")))
	require.NoError(t, b.Send("a", core.Frame("back")))

	got := rb.waitFor(t, 3)
	assert.Equal(t, event{kind: "accept", remote: "a", local: "b"}, got[0])
	assert.Equal(t, event{kind: "msg", remote: "a", data: "one"}, got[1])
	assert.Equal(t, event{kind: "msg", remote: "a", data: "two"}, got[2])

	got = ra.waitFor(t, 2)
	assert.Equal(t, event{kind: "open", remote: "b", local: "a"}, got[0])
	assert.Equal(t, event{kind: "msg", remote: "b", data: "back"}, got[1])

	require.NoError(t, a.Close("b"))
	got = rb.waitFor(t, 4)
	assert.Equal(t, "close", got[3].kind)
	assert.ErrorIs(t, a.Send("b", core.Frame("late")), core.ErrChannelClosed)
	assert.Len(t, ra.snapshot(), 2)
}

func TestOpenUnknownAddress(t *testing.T) {
	net := NewNetwork()
	a, _ := join(t, net, "a")
	assert.ErrorIs(t, a.Open("nobody"), core.ErrUnreachable)
	assert.ErrorIs(t, a.Open("a"), core.ErrUnreachable)
}

func TestJoinDuplicate(t *testing.T) {
	net := NewNetwork()
	join(t, net, "a")
	_, err := net.Join("a")
	assert.ErrorIs(t, err, core.ErrAddressTaken)
}

func TestClaimedAlias(t *testing.T) {
	net := NewNetwork()
	a, ra := join(t, net, "a")
	host, rh := join(t, net, "host")
	ctx := context.Background()

	require.NoError(t, host.Claim(ctx, "lobby"))
	assert.ErrorIs(t, a.Claim(ctx, "lobby"), core.ErrAddressTaken)

	require.NoError(t, a.Open("lobby"))
	got := rh.waitFor(t, 1)
	assert.Equal(t, event{kind: "accept", remote: "a", local: "lobby"}, got[0])

	require.NoError(t, host.Send("a", core.Frame("hi")))
	got = ra.waitFor(t, 2)
	assert.Equal(t, event{kind: "msg", remote: "lobby", data: "hi"}, got[1])

	require.NoError(t, host.Release("lobby"))
	require.NoError(t, a.Claim(ctx, "lobby"))
}

func TestLeaveFailsPeers(t *testing.T) {
	net := NewNetwork()
	a, ra := join(t, net, "a")
	b, err := net.Join("b")
	require.NoError(t, err)
	b.Bind(&recorder{})

	require.NoError(t, a.Open("b"))
	ra.waitFor(t, 1)
	b.Leave()

	got := ra.waitFor(t, 2)
	assert.Equal(t, "close", got[1].kind)
	assert.ErrorIs(t, got[1].err, core.ErrChannelClosed)
	assert.ErrorIs(t, a.Open("b"), core.ErrUnreachable)
}

func TestInterceptDrops(t *testing.T) {
	net := NewNetwork()
	a, ra := join(t, net, "a")
	_, rb := join(t, net, "b")
	a.Intercept(func(_ domain.Address, f core.Frame) core.Frame {
		if string(f) == "drop" {
			return nil
		}
		return f
	})

	require.NoError(t, a.Open("b"))
	ra.waitFor(t, 1)
	require.NoError(t, a.Send("b", core.Frame("drop")))
	require.NoError(t, a.Send("b", core.Frame("keep")))

	got := rb.waitFor(t, 2)
	assert.Equal(t, "keep", got[1].data)
}
