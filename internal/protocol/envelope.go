// Package protocol defines the envelope exchanged over peer channels.
//
// An envelope is a tagged union: Type selects the concrete payload, which is
// validated on decode. Unknown types and malformed payloads are rejected so
// callers can drop them without inspecting raw data.
package protocol

import (
	"errors"
	"fmt"

	"github.com/dkeye/Turtle/internal/domain"
	"github.com/dkeye/Turtle/internal/protocol/codec"
)

type Type string

const (
	TypeKeyExchange Type = "KEY_EXCHANGE"
	TypeChat        Type = "CHAT"
	TypeGroupMsg    Type = "GROUP_MSG"
	TypeInvite      Type = "INVITE"
	TypeFileChunk   Type = "FILE_CHUNK"
)

const (
	PublicKeySize = 32
	NonceSize     = 12
	TagSize       = 16
	MaxChunkData  = 16 * 1024
	// MaxChunks caps a single transfer at 64 MiB of fragment data.
	MaxChunks = 4096
)

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown envelope type")
)

// IsMessageKind reports whether t carries an encrypted application message.
func (t Type) IsMessageKind() bool { return t == TypeChat || t == TypeGroupMsg }

// Envelope is a decoded, validated envelope. Payload holds one of
// *KeyExchange, *Sealed, *domain.RoomDescriptor or *Chunk.
type Envelope struct {
	Type       Type
	Payload    any
	SenderInfo *domain.SenderInfo
	RoomID     domain.RoomID
}

type KeyExchange struct {
	PublicKey []byte `json:"publicKey"`
}

// Sealed is AEAD output: a 96-bit nonce and ciphertext with its tag.
type Sealed struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Chunk is one fragment of a sealed payload too large for a single send.
// Routing metadata is duplicated onto every fragment.
type Chunk struct {
	MessageID   string             `json:"messageId"`
	ChunkIndex  uint32             `json:"chunkIndex"`
	TotalChunks uint32             `json:"totalChunks"`
	Data        []byte             `json:"data"`
	OrigType    Type               `json:"origType"`
	RoomID      domain.RoomID      `json:"roomId,omitempty"`
	SenderInfo  *domain.SenderInfo `json:"senderInfo,omitempty"`
}

func NewKeyExchange(publicKey []byte, info *domain.SenderInfo) Envelope {
	return Envelope{Type: TypeKeyExchange, Payload: &KeyExchange{PublicKey: publicKey}, SenderInfo: info}
}

func NewSealed(kind Type, s *Sealed, roomID domain.RoomID, info *domain.SenderInfo) Envelope {
	return Envelope{Type: kind, Payload: s, RoomID: roomID, SenderInfo: info}
}

func NewInvite(room *domain.RoomDescriptor) Envelope {
	return Envelope{Type: TypeInvite, Payload: room, RoomID: room.ID}
}

func NewChunk(c *Chunk) Envelope {
	return Envelope{Type: TypeFileChunk, Payload: c}
}

func (e Envelope) KeyExchange() (*KeyExchange, bool) {
	p, ok := e.Payload.(*KeyExchange)
	return p, ok
}

func (e Envelope) Sealed() (*Sealed, bool) {
	p, ok := e.Payload.(*Sealed)
	return p, ok
}

func (e Envelope) Invite() (*domain.RoomDescriptor, bool) {
	p, ok := e.Payload.(*domain.RoomDescriptor)
	return p, ok
}

func (e Envelope) Chunk() (*Chunk, bool) {
	p, ok := e.Payload.(*Chunk)
	return p, ok
}

func (k *KeyExchange) validate() error {
	if len(k.PublicKey) != PublicKeySize {
		return fmt.Errorf("public key is %d bytes", len(k.PublicKey))
	}
	return nil
}

func (s *Sealed) validate() error {
	if len(s.Nonce) != NonceSize {
		return fmt.Errorf("nonce is %d bytes", len(s.Nonce))
	}
	if len(s.Ciphertext) < TagSize {
		return errors.New("ciphertext shorter than tag")
	}
	return nil
}

func (c *Chunk) validate() error {
	switch {
	case c.MessageID == "":
		return errors.New("empty message id")
	case c.TotalChunks == 0:
		return errors.New("zero total chunks")
	case c.TotalChunks > MaxChunks:
		return fmt.Errorf("transfer of %d chunks exceeds %d", c.TotalChunks, MaxChunks)
	case c.ChunkIndex >= c.TotalChunks:
		return fmt.Errorf("chunk index %d out of range %d", c.ChunkIndex, c.TotalChunks)
	case len(c.Data) > MaxChunkData:
		return fmt.Errorf("chunk data is %d bytes", len(c.Data))
	case !c.OrigType.IsMessageKind():
		return fmt.Errorf("chunk carries %q", c.OrigType)
	}
	return nil
}

// Sanity check over the payload after a decode.
type validator interface{ validate() error }

type roomValidator struct{ *domain.RoomDescriptor }

func (r roomValidator) validate() error { return r.Validate() }

// wireEnvelope is the shape written to the wire.
type wireEnvelope struct {
	Type       Type               `json:"type"`
	Payload    any                `json:"payload"`
	SenderInfo *domain.SenderInfo `json:"senderInfo,omitempty"`
	RoomID     domain.RoomID      `json:"roomId,omitempty"`
}

// inboundEnvelope defers payload decoding until the type is known.
type inboundEnvelope struct {
	Type       Type               `json:"type"`
	Payload    rawPayload         `json:"payload"`
	SenderInfo *domain.SenderInfo `json:"senderInfo,omitempty"`
	RoomID     domain.RoomID      `json:"roomId,omitempty"`
}

// rawPayload captures the undecoded payload for both JSON and CBOR.
type rawPayload []byte

func (r *rawPayload) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

func (r *rawPayload) UnmarshalCBOR(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

// Encode writes env with c.
func Encode(c codec.Codec, env Envelope) ([]byte, error) {
	if env.Payload == nil {
		return nil, fmt.Errorf("%w: %s without payload", ErrMalformed, env.Type)
	}
	return c.Marshal(wireEnvelope{
		Type:       env.Type,
		Payload:    env.Payload,
		SenderInfo: env.SenderInfo,
		RoomID:     env.RoomID,
	})
}

// Decode parses and validates an envelope.
func Decode(c codec.Codec, data []byte) (Envelope, error) {
	var in inboundEnvelope
	if err := c.Unmarshal(data, &in); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(in.Payload) == 0 {
		return Envelope{}, fmt.Errorf("%w: %s without payload", ErrMalformed, in.Type)
	}

	var (
		payload any
		check   validator
	)
	switch in.Type {
	case TypeKeyExchange:
		p := &KeyExchange{}
		payload, check = p, p
	case TypeChat, TypeGroupMsg:
		p := &Sealed{}
		payload, check = p, p
	case TypeInvite:
		p := &domain.RoomDescriptor{}
		payload, check = p, roomValidator{p}
	case TypeFileChunk:
		p := &Chunk{}
		payload, check = p, p
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}

	if err := c.Unmarshal(in.Payload, payload); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, in.Type, err)
	}
	if err := check.validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformed, in.Type, err)
	}
	return Envelope{
		Type:       in.Type,
		Payload:    payload,
		SenderInfo: in.SenderInfo,
		RoomID:     in.RoomID,
	}, nil
}

// DecodeSealed parses a sealed payload that travelled in fragments.
func DecodeSealed(c codec.Codec, data []byte) (*Sealed, error) {
	s := &Sealed{}
	if err := c.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: sealed payload: %v", ErrMalformed, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("%w: sealed payload: %v", ErrMalformed, err)
	}
	return s, nil
}
