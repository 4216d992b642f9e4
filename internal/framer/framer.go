// Package framer splits sealed payloads into fragments and reassembles them.
// It never looks inside payloads.
package framer

import (
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Turtle/internal/domain"
	"github.com/dkeye/Turtle/internal/protocol"
)

const (
	DefaultChunkSize    = protocol.MaxChunkData
	DefaultTTL          = 2 * time.Minute
	DefaultMaxTransfers = 256
	DefaultMaxChunks    = protocol.MaxChunks
)

type Config struct {
	ChunkSize    int
	TTL          time.Duration
	MaxTransfers int
	// MaxChunks bounds the fragment count a peer may announce for one
	// transfer.
	MaxChunks    int
}

// Completed is a reassembled payload with the context carried by its
// fragments.
type Completed struct {
	MessageID  string
	Payload    []byte
	Kind       protocol.Type
	RoomID     domain.RoomID
	SenderInfo *domain.SenderInfo
}

// buffer stores only the fragments that arrived, so memory follows the
// bytes received rather than the announced total.
type buffer struct {
	total      uint32
	received   uint32
	slots      map[uint32][]byte
	kind       protocol.Type
	roomID     domain.RoomID
	senderInfo *domain.SenderInfo
}

func (b *buffer) complete() bool { return b.received == b.total }

// Framer holds in-flight reassembly buffers keyed by transfer id. Buffers
// that never complete are evicted after TTL or when MaxTransfers is exceeded.
type Framer struct {
	chunkSize int
	maxChunks uint32

	mu      sync.Mutex
	buffers *expirable.LRU[string, *buffer]
}

func New(cfg Config) *Framer {
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > protocol.MaxChunkData {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxTransfers <= 0 {
		cfg.MaxTransfers = DefaultMaxTransfers
	}
	if cfg.MaxChunks <= 0 || cfg.MaxChunks > protocol.MaxChunks {
		cfg.MaxChunks = DefaultMaxChunks
	}
	return &Framer{
		chunkSize: cfg.ChunkSize,
		maxChunks: uint32(cfg.MaxChunks),
		buffers:   expirable.NewLRU[string, *buffer](cfg.MaxTransfers, onEvict, cfg.TTL),
	}
}

func onEvict(id string, b *buffer) {
	if b.complete() {
		return
	}
	log.Warn().
		Str("module", "framer").
		Str("message_id", id).
		Uint32("received", b.received).
		Uint32("total", b.total).
		Msg("dropped incomplete transfer")
}

func (f *Framer) ChunkSize() int { return f.chunkSize }

// Frame splits payload into ordered fragments of at most ChunkSize bytes.
// Kind and routing metadata are copied onto every fragment.
func (f *Framer) Frame(id string, payload []byte, kind protocol.Type, roomID domain.RoomID, info *domain.SenderInfo) []protocol.Chunk {
	total := (len(payload) + f.chunkSize - 1) / f.chunkSize
	if total == 0 {
		total = 1
	}
	out := make([]protocol.Chunk, 0, total)
	for i := range total {
		start := i * f.chunkSize
		end := min(start+f.chunkSize, len(payload))
		out = append(out, protocol.Chunk{
			MessageID:   id,
			ChunkIndex:  uint32(i),
			TotalChunks: uint32(total),
			Data:        payload[start:end],
			OrigType:    kind,
			RoomID:      roomID,
			SenderInfo:  info,
		})
	}
	return out
}

// OnFragment stores c and returns the reassembled payload once every slot
// is filled. Duplicate fragments are ignored; fragments that contradict the
// buffer's total or announce more than MaxChunks are dropped.
func (f *Framer) OnFragment(c protocol.Chunk) (Completed, bool) {
	if c.TotalChunks == 0 || c.ChunkIndex >= c.TotalChunks {
		return Completed{}, false
	}
	if c.TotalChunks > f.maxChunks || len(c.Data) > protocol.MaxChunkData {
		log.Warn().
			Str("module", "framer").
			Str("message_id", c.MessageID).
			Uint32("total", c.TotalChunks).
			Int("size", len(c.Data)).
			Msg("oversized transfer rejected")
		return Completed{}, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.buffers.Get(c.MessageID)
	if !ok {
		b = &buffer{
			total:      c.TotalChunks,
			slots:      make(map[uint32][]byte),
			kind:       c.OrigType,
			roomID:     c.RoomID,
			senderInfo: c.SenderInfo,
		}
		f.buffers.Add(c.MessageID, b)
	}
	if c.TotalChunks != b.total {
		log.Warn().
			Str("module", "framer").
			Str("message_id", c.MessageID).
			Uint32("total", c.TotalChunks).
			Uint32("expected", b.total).
			Msg("fragment total mismatch")
		return Completed{}, false
	}
	if _, dup := b.slots[c.ChunkIndex]; dup {
		return Completed{}, false
	}
	b.slots[c.ChunkIndex] = c.Data
	b.received++
	if !b.complete() {
		return Completed{}, false
	}

	f.buffers.Remove(c.MessageID)
	size := 0
	for _, s := range b.slots {
		size += len(s)
	}
	payload := make([]byte, 0, size)
	for i := range b.total {
		payload = append(payload, b.slots[i]...)
	}
	return Completed{
		MessageID:  c.MessageID,
		Payload:    payload,
		Kind:       b.kind,
		RoomID:     b.roomID,
		SenderInfo: b.senderInfo,
	}, true
}

// Pending returns the number of incomplete transfers.
func (f *Framer) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffers.Len()
}

// NewTransferID returns a random identifier for a chunked transfer.
// Not suitable for anything secret.
func NewTransferID() string {
	return strconv.FormatUint(rand.Uint64(), 36) + strconv.FormatUint(uint64(rand.Uint32()), 36)
}
