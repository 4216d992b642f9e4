package signal

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Turtle/internal/core"
	"github.com/dkeye/Turtle/internal/domain"
)

// Client is a peer's connection to the broker. It implements core.Resolver
// and carries WebRTC signaling for the rtc transport.
type Client struct {
	self domain.Address
	conn *websocket.Conn
	send chan []byte

	seq     atomic.Uint64
	mu      sync.Mutex
	pending map[string]chan Message
	handler func(Message)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ core.Resolver = (*Client)(nil)

// Dial connects to the broker at rawURL and registers self. It fails with
// core.ErrAddressTaken when another peer already holds self.
func Dial(ctx context.Context, rawURL string, self domain.Address) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("id", string(self))
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	} else {
		_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	}
	var hello Message
	_, data, err := ws.ReadMessage()
	if err == nil {
		err = json.Unmarshal(data, &hello)
	}
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("broker handshake: %w", err)
	}
	if err := hello.Err(); err != nil {
		_ = ws.Close()
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Time{})

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		self:    self,
		conn:    ws,
		send:    make(chan []byte, 64),
		pending: make(map[string]chan Message),
		ctx:     cctx,
		cancel:  cancel,
	}
	c.wg.Add(2)
	go c.writePump()
	go c.readPump()
	log.Info().Str("module", "signal.client").Str("addr", string(self)).Msg("registered with broker")
	return c, nil
}

func (c *Client) Self() domain.Address { return c.self }

// Done is closed when the broker connection ends.
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

// OnSignal sets the handler for routed peer messages and routing errors.
// The handler runs on the read goroutine.
func (c *Client) OnSignal(fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Signal sends a peer message through the broker.
func (c *Client) Signal(m Message) error {
	return c.write(m)
}

func (c *Client) Claim(ctx context.Context, addr domain.Address) error {
	_, err := c.request(ctx, Message{Type: TypeClaim, Address: addr})
	return err
}

func (c *Client) Release(addr domain.Address) error {
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	_, err := c.request(ctx, Message{Type: TypeRelease, Address: addr})
	return err
}

// Ping measures the broker round trip.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.request(ctx, Message{Type: TypePing}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Client) Close() error {
	c.cancel()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	_ = c.conn.Close()
	c.wg.Wait()
	return err
}

func (c *Client) request(ctx context.Context, m Message) (Message, error) {
	m.ID = strconv.FormatUint(c.seq.Add(1), 10)
	reply := make(chan Message, 1)
	c.mu.Lock()
	c.pending[m.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, m.ID)
		c.mu.Unlock()
	}()

	if err := c.write(m); err != nil {
		return Message{}, err
	}
	select {
	case r := <-reply:
		return r, r.Err()
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.ctx.Done():
		return Message{}, ErrClosed
	}
}

func (c *Client) write(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

func (c *Client) writePump() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.cancel()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal.client").Msg("write failed")
				c.cancel()
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer c.wg.Done()
	defer c.cancel()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "signal.client").Msg("broker connection lost")
			}
			return
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			log.Warn().Err(err).Str("module", "signal.client").Msg("bad json from broker")
			continue
		}
		c.dispatch(m)
	}
}

func (c *Client) dispatch(m Message) {
	c.mu.Lock()
	reply, isReply := c.pending[m.ID]
	h := c.handler
	c.mu.Unlock()

	if m.ID != "" && isReply {
		reply <- m
		return
	}
	if h != nil && (m.routed() || m.Type == TypeError) {
		h(m)
		return
	}
	log.Debug().Str("module", "signal.client").Str("type", string(m.Type)).Msg("unhandled broker message")
}
