package fanout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/Turtle/internal/domain"
)

// PrivacyMode decides who may reach us with direct messages and invites.
type PrivacyMode string

const (
	Everyone     PrivacyMode = "EVERYONE"
	ContactsOnly PrivacyMode = "CONTACTS_ONLY"
)

var ErrUnknownPrivacy = errors.New("unknown privacy mode")

func ParsePrivacyMode(s string) (PrivacyMode, error) {
	switch m := PrivacyMode(strings.ToUpper(s)); m {
	case Everyone, ContactsOnly:
		return m, nil
	case "":
		return Everyone, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPrivacy, s)
}

// Policy filters inbound direct messages and invites before the
// application acts on them.
type Policy struct {
	Mode PrivacyMode
	// Known reports whether addr is a contact.
	Known func(addr domain.Address) bool
}

func (p Policy) Allow(from domain.Address) bool {
	if p.Mode != ContactsOnly {
		return true
	}
	return p.Known != nil && p.Known(from)
}

// AllowInvite admits an invite when either the sender or the room host is
// a contact.
func (p Policy) AllowInvite(from domain.Address, room domain.RoomDescriptor) bool {
	return p.Allow(from) || p.Allow(room.HostAddress)
}
