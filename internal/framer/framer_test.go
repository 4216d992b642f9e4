package framer

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Turtle/internal/domain"
	"github.com/dkeye/Turtle/internal/protocol"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestFrameSplitsIntoOrderedFragments(t *testing.T) {
	f := New(Config{})
	info := &domain.SenderInfo{DisplayName: "Alice"}
	chunks := f.Frame("m1", payload(50_000), protocol.TypeGroupMsg, "room-1", info)

	require.Len(t, chunks, 4)
	for i, c := range chunks {
		assert.Equal(t, uint32(i), c.ChunkIndex)
		assert.Equal(t, uint32(4), c.TotalChunks)
		assert.Equal(t, "m1", c.MessageID)
		assert.Equal(t, protocol.TypeGroupMsg, c.OrigType)
		assert.Equal(t, domain.RoomID("room-1"), c.RoomID)
		assert.Same(t, info, c.SenderInfo)
		assert.LessOrEqual(t, len(c.Data), DefaultChunkSize)
	}
	assert.Len(t, chunks[3].Data, 50_000-3*DefaultChunkSize)
}

func TestFrameEmptyPayload(t *testing.T) {
	chunks := New(Config{}).Frame("m", nil, protocol.TypeChat, "", nil)
	require.Len(t, chunks, 1)
	assert.Empty(t, chunks[0].Data)
	assert.Equal(t, uint32(1), chunks[0].TotalChunks)
}

func TestReassemblyAnyOrder(t *testing.T) {
	want := payload(50_000)
	orders := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{2, 0, 3, 1},
		{1, 3, 0, 2},
	}
	for _, order := range orders {
		f := New(Config{})
		chunks := f.Frame("m", want, protocol.TypeChat, "", nil)
		var (
			got  Completed
			done int
		)
		for _, i := range order {
			if c, ok := f.OnFragment(chunks[i]); ok {
				got = c
				done++
			}
		}
		require.Equal(t, 1, done, "order %v", order)
		assert.True(t, bytes.Equal(want, got.Payload), "order %v", order)
		assert.Equal(t, protocol.TypeChat, got.Kind)
		assert.Zero(t, f.Pending())
	}
}

func TestReassemblyRandomPermutations(t *testing.T) {
	want := payload(200_000)
	for range 20 {
		f := New(Config{})
		chunks := f.Frame(NewTransferID(), want, protocol.TypeChat, "", nil)
		rand.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })
		var got []byte
		for _, c := range chunks {
			if done, ok := f.OnFragment(c); ok {
				got = done.Payload
			}
		}
		require.Equal(t, want, got)
	}
}

func TestDuplicateFragmentsIgnored(t *testing.T) {
	f := New(Config{})
	chunks := f.Frame("m", payload(40_000), protocol.TypeChat, "", nil)
	require.Len(t, chunks, 3)

	_, ok := f.OnFragment(chunks[0])
	assert.False(t, ok)
	_, ok = f.OnFragment(chunks[0])
	assert.False(t, ok)
	_, ok = f.OnFragment(chunks[1])
	assert.False(t, ok)
	got, ok := f.OnFragment(chunks[2])
	require.True(t, ok)
	assert.Equal(t, payload(40_000), got.Payload)

	// A late duplicate starts a fresh buffer and never completes on its own.
	_, ok = f.OnFragment(chunks[1])
	assert.False(t, ok)
}

func TestTotalMismatchRejected(t *testing.T) {
	f := New(Config{})
	_, ok := f.OnFragment(protocol.Chunk{MessageID: "m", ChunkIndex: 0, TotalChunks: 2, Data: []byte("a"), OrigType: protocol.TypeChat})
	require.False(t, ok)
	_, ok = f.OnFragment(protocol.Chunk{MessageID: "m", ChunkIndex: 1, TotalChunks: 3, Data: []byte("b"), OrigType: protocol.TypeChat})
	assert.False(t, ok)
	got, ok := f.OnFragment(protocol.Chunk{MessageID: "m", ChunkIndex: 1, TotalChunks: 2, Data: []byte("c"), OrigType: protocol.TypeChat})
	require.True(t, ok)
	assert.Equal(t, []byte("ac"), got.Payload)
}

func TestOutOfRangeIndexRejected(t *testing.T) {
	f := New(Config{})
	_, ok := f.OnFragment(protocol.Chunk{MessageID: "m", ChunkIndex: 2, TotalChunks: 2})
	assert.False(t, ok)
	assert.Zero(t, f.Pending())
}

func TestIncompleteTransfersExpire(t *testing.T) {
	f := New(Config{TTL: 50 * time.Millisecond})
	chunks := f.Frame("m", payload(40_000), protocol.TypeChat, "", nil)
	f.OnFragment(chunks[0])
	require.Equal(t, 1, f.Pending())

	require.Eventually(t, func() bool { return f.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMaxTransfersBound(t *testing.T) {
	f := New(Config{MaxTransfers: 2})
	for _, id := range []string{"a", "b", "c"} {
		f.OnFragment(protocol.Chunk{MessageID: id, TotalChunks: 2, Data: []byte("x"), OrigType: protocol.TypeChat})
	}
	assert.Equal(t, 2, f.Pending())
}

func TestOversizedTransferRejected(t *testing.T) {
	f := New(Config{MaxChunks: 8})
	for i := range 4 {
		_, ok := f.OnFragment(protocol.Chunk{
			MessageID:   NewTransferID(),
			ChunkIndex:  uint32(i),
			TotalChunks: 1 << 24,
			Data:        []byte{1},
			OrigType:    protocol.TypeChat,
		})
		assert.False(t, ok)
	}
	assert.Zero(t, f.Pending())

	// At the limit is still accepted.
	chunks := New(Config{ChunkSize: 10}).Frame("m", payload(80), protocol.TypeChat, "", nil)
	require.Len(t, chunks, 8)
	var got Completed
	var ok bool
	for _, c := range chunks {
		got, ok = f.OnFragment(c)
	}
	require.True(t, ok)
	assert.Equal(t, payload(80), got.Payload)
}

func TestMaxChunksDefaultsToProtocolLimit(t *testing.T) {
	assert.Equal(t, uint32(protocol.MaxChunks), New(Config{}).maxChunks)
	assert.Equal(t, uint32(protocol.MaxChunks), New(Config{MaxChunks: 1 << 30}).maxChunks)
}

func TestNewTransferIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for range 1000 {
		id := NewTransferID()
		require.NotEmpty(t, id)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
