package session

type State int32

const (
	StateConnecting State = iota + 1
	StateKeyExchange
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateKeyExchange:
		return "KEY_EXCHANGE"
	case StateReady:
		return "READY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
