// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	AddressPrefix      = "turtle-"
	MaxAddressLen      = 64
	MaxDisplayNameLen  = 36
	addressRandomChars = 12
)

var (
	ErrAddressEmpty       = errors.New("address empty")
	ErrAddressTooLong     = errors.New("address too long")
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

// Address is the transport-level identity of a peer. Rendezvous identifiers
// are addresses too.
type Address string

// NewAddress returns a fresh random peer address like "turtle-3f09a1c2b4d5".
func NewAddress() Address {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return Address(AddressPrefix + id[:addressRandomChars])
}

func (a Address) Validate() error {
	if len(a) == 0 {
		return ErrAddressEmpty
	}
	if len(a) > MaxAddressLen {
		return ErrAddressTooLong
	}
	return nil
}

func (a Address) String() string { return string(a) }

// SenderInfo is what a peer announces about itself on key exchange and
// attaches to group messages.
type SenderInfo struct {
	DisplayName string  `json:"displayName"`
	AvatarRef   string  `json:"avatarRef,omitempty"`
	Address     Address `json:"address,omitempty"`
}

// NewSenderInfo is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewSenderInfo(displayName, avatarRef string, addr Address) (*SenderInfo, error) {
	if len(displayName) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &SenderInfo{DisplayName: displayName, AvatarRef: avatarRef, Address: addr}, nil
}
