package signal

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Turtle/internal/core"
	"github.com/dkeye/Turtle/internal/domain"
)

type MessageType string

const (
	TypeWelcome   MessageType = "welcome"
	TypeClaim     MessageType = "claim"
	TypeClaimed   MessageType = "claimed"
	TypeRelease   MessageType = "release"
	TypeReleased  MessageType = "released"
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "candidate"
	TypeBye       MessageType = "bye"
	TypeError     MessageType = "error"
	TypePing      MessageType = "ping"
	TypePong      MessageType = "pong"
)

type ErrorCode string

const (
	CodeUnavailable ErrorCode = "unavailable"
	CodeTaken       ErrorCode = "taken"
	CodeRateLimited ErrorCode = "rate_limited"
	CodeBadPayload  ErrorCode = "bad_payload"
	CodeForbidden   ErrorCode = "forbidden"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrClosed      = errors.New("signal connection closed")
	ErrRejected    = errors.New("rejected by broker")
)

// Message is the broker wire format. Peer-to-peer messages (offer, answer,
// candidate, bye) are routed by To; the broker stamps From with the
// sender's registered address.
type Message struct {
	Type      MessageType              `json:"type"`
	ID        string                   `json:"id,omitempty"`
	From      domain.Address           `json:"from,omitempty"`
	To        domain.Address           `json:"to,omitempty"`
	Address   domain.Address           `json:"address,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Code      ErrorCode                `json:"code,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

func (m Message) routed() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeBye:
		return true
	}
	return false
}

// Err maps an error reply to a Go error.
func (m Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	switch m.Code {
	case CodeTaken:
		return fmt.Errorf("%w: %s", core.ErrAddressTaken, m.Address)
	case CodeUnavailable:
		return fmt.Errorf("%w: %s", core.ErrUnreachable, m.Address)
	case CodeRateLimited:
		return ErrRateLimited
	}
	return fmt.Errorf("%w: %s: %s", ErrRejected, m.Code, m.Error)
}

func errorReply(req Message, code ErrorCode, text string) Message {
	addr := req.Address
	if req.routed() {
		addr = req.To
	}
	return Message{Type: TypeError, ID: req.ID, Address: addr, Code: code, Error: text}
}
