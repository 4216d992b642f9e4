// Package beacon finds nearby peers through a rendezvous address derived
// from coarse coordinates. The first peer to claim the address hosts the
// lobby; later peers dial it as guests.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Turtle/internal/core"
	"github.com/dkeye/Turtle/internal/domain"
)

const (
	DefaultTimeout         = 3 * time.Second
	DefaultRetryInitial    = 250 * time.Millisecond
	DefaultRetryMaxElapsed = 5 * time.Second

	idPrefix = "turtle-geo-"
)

var ErrNoRendezvous = errors.New("no rendezvous: could neither join nor host")

type Role string

const (
	RoleHost  Role = "HOST"
	RoleGuest Role = "GUEST"
)

// Dialer is the part of session.Manager the beacon needs.
type Dialer interface {
	LocalAddress() domain.Address
	Dial(ctx context.Context, addr domain.Address, announce *domain.SenderInfo) error
	Close(addr domain.Address) bool
}

type Config struct {
	Timeout         time.Duration
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
}

// DeriveRendezvousID rounds both coordinates to one decimal. Peers within
// roughly ten kilometres share an id.
func DeriveRendezvousID(lat, lon float64) domain.Address {
	f := func(v float64) string {
		return strings.ReplaceAll(strconv.FormatFloat(v, 'f', 1, 64), ".", "_")
	}
	return domain.Address(idPrefix + f(lat) + "-" + f(lon))
}

type Beacon struct {
	d   Dialer
	r   core.Resolver
	cfg Config
}

func New(d Dialer, r core.Resolver, cfg Config) *Beacon {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.RetryMaxElapsed <= 0 {
		cfg.RetryMaxElapsed = DefaultRetryMaxElapsed
	}
	return &Beacon{d: d, r: r, cfg: cfg}
}

// JoinOrHost dials the rendezvous id as a guest and, failing that, claims
// it to host. Losing the claim race retries the whole attempt with
// exponential backoff until RetryMaxElapsed, then ErrNoRendezvous.
func (b *Beacon) JoinOrHost(ctx context.Context, lat, lon float64, announce *domain.SenderInfo) (*Lobby, error) {
	id := DeriveRendezvousID(lat, lon)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.cfg.RetryInitial
	eb.MaxElapsedTime = b.cfg.RetryMaxElapsed

	attempt := 0
	lobby, err := backoff.RetryWithData(func() (*Lobby, error) {
		attempt++
		return b.attempt(ctx, id, announce, attempt)
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrNoRendezvous, id, err)
	}
	return lobby, nil
}

func (b *Beacon) attempt(ctx context.Context, id domain.Address, announce *domain.SenderInfo, n int) (*Lobby, error) {
	dctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	err := b.d.Dial(dctx, id, announce)
	cancel()
	if err == nil {
		log.Info().Str("module", "beacon").Str("rendezvous", string(id)).Int("attempt", n).Msg("joined as guest")
		return newGuestLobby(b, id), nil
	}
	if ctx.Err() != nil {
		return nil, backoff.Permanent(ctx.Err())
	}
	log.Debug().Err(err).Str("module", "beacon").Str("rendezvous", string(id)).Msg("no host reachable")

	err = b.r.Claim(ctx, id)
	switch {
	case err == nil:
		log.Info().Str("module", "beacon").Str("rendezvous", string(id)).Int("attempt", n).Msg("hosting")
		return newHostLobby(b, id), nil
	case errors.Is(err, core.ErrAddressTaken):
		log.Debug().Str("module", "beacon").Str("rendezvous", string(id)).Msg("lost claim race")
		return nil, err
	default:
		return nil, backoff.Permanent(err)
	}
}
