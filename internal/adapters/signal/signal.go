// Package signal is the broker protocol: a websocket per peer that
// registers the peer's address, hands out rendezvous claims and relays
// WebRTC session descriptions between peers.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Turtle/internal/app"
	"github.com/dkeye/Turtle/internal/core"
	"github.com/dkeye/Turtle/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

type Options struct {
	ReadLimit     int64
	PingPeriod    time.Duration
	ClaimLimit    int
	ClaimInterval time.Duration
}

func (o *Options) defaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 * 1024
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.ClaimLimit <= 0 {
		o.ClaimLimit = 10
	}
	if o.ClaimInterval <= 0 {
		o.ClaimInterval = time.Minute
	}
}

type SignalWSController struct {
	Registry *app.Registry
	limiter  *ClaimRateLimiter
	opts     Options
}

func NewSignalWSController(reg *app.Registry, opts Options) *SignalWSController {
	opts.defaults()
	return &SignalWSController{
		Registry: reg,
		limiter:  NewClaimRateLimiter(opts.ClaimLimit, opts.ClaimInterval),
		opts:     opts,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades /api/ws?id=<address> and registers the address.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	addr := domain.Address(c.Query("id"))
	if err := addr.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("addr", string(addr)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := ctl.Registry.Register(sid, addr, conn, cancel); err != nil {
		cancel()
		log.Warn().Err(err).Str("module", "signal").Str("addr", string(addr)).Msg("address in use")
		if b, err := json.Marshal(Message{Type: TypeError, Address: addr, Code: CodeTaken, Error: "address in use"}); err == nil {
			_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_ = ws.WriteMessage(websocket.TextMessage, b)
		}
		_ = ws.Close()
		return
	}

	ctl.sendJSON(conn, Message{Type: TypeWelcome, Address: addr})
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sid, conn)
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("sendJSON dropped")
	}
}
