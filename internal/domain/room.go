package domain

import "errors"

type (
	RoomID   string
	RoomType string
)

const (
	RoomDirect  RoomType = "DIRECT"
	RoomGroup   RoomType = "GROUP"
	RoomChannel RoomType = "CHANNEL"
	RoomGeo     RoomType = "GEO"
)

const (
	MaxRoomNameLen     = 64
	MaxRoomDescription = 512
)

var (
	ErrRoomIDEmpty     = errors.New("room id empty")
	ErrRoomHostEmpty   = errors.New("room host address empty")
	ErrUnknownRoomType = errors.New("unknown room type")
	ErrRoomNameTooLong = errors.New("room name too long")
	ErrRoomDescTooLong = errors.New("room description too long")
)

func (t RoomType) Valid() bool {
	switch t {
	case RoomDirect, RoomGroup, RoomChannel, RoomGeo:
		return true
	}
	return false
}

// Persona is the avatar/name a room presents to invitees.
type Persona struct {
	Name      string `json:"name"`
	AvatarRef string `json:"avatarRef,omitempty"`
}

// RoomDescriptor describes a room to join. It travels unencrypted inside
// INVITE envelopes.
type RoomDescriptor struct {
	ID          RoomID   `json:"roomId"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        RoomType `json:"type"`
	HostAddress Address  `json:"hostAddress"`
	Persona     Persona  `json:"persona"`
}

func (r *RoomDescriptor) Validate() error {
	if r.ID == "" {
		return ErrRoomIDEmpty
	}
	if err := r.HostAddress.Validate(); err != nil {
		return ErrRoomHostEmpty
	}
	if !r.Type.Valid() {
		return ErrUnknownRoomType
	}
	if len(r.Name) > MaxRoomNameLen {
		return ErrRoomNameTooLong
	}
	if len(r.Description) > MaxRoomDescription {
		return ErrRoomDescTooLong
	}
	return nil
}
