package core

// SessionID identifies one websocket connection on the broker.
type SessionID string

// SignalConnection abstracts the broker's per-peer messaging channel.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
