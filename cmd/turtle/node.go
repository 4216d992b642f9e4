package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Turtle/internal/beacon"
	"github.com/dkeye/Turtle/internal/domain"
	"github.com/dkeye/Turtle/internal/fanout"
	"github.com/dkeye/Turtle/internal/protocol"
	"github.com/dkeye/Turtle/internal/session"
)

var (
	errQuit    = errors.New("quit")
	errUsage   = errors.New("usage")
	errNoRoom  = errors.New("unknown room")
	errNotSent = errors.New("not delivered")
)

const helpText = `commands:
  /connect <address>          open an encrypted session
  /msg <address> <text>       direct message
  /group <room> <text>        message a room (creates it if new)
  /invite <room> <address>    add a peer to a room you host
  /geo <lat> <lon>            join or host the lobby for a location
  /peers                      list sessions
  /close <address>            end a session
  /quit
`

type room struct {
	desc   domain.RoomDescriptor
	roster *fanout.Roster
}

// node is one chat participant: it turns commands into session calls and
// session events into output.
type node struct {
	mgr    *session.Manager
	fo     *fanout.Fanout
	bc     *beacon.Beacon
	info   *domain.SenderInfo
	policy fanout.Policy

	outMu sync.Mutex
	out   io.Writer

	mu       sync.Mutex
	rooms    map[domain.RoomID]*room
	contacts map[domain.Address]bool
	lobby    *beacon.Lobby

	dialTimeout time.Duration
}

func newNode(mgr *session.Manager, fo *fanout.Fanout, bc *beacon.Beacon, mode fanout.PrivacyMode, info *domain.SenderInfo, out io.Writer) *node {
	n := &node{
		mgr:         mgr,
		fo:          fo,
		bc:          bc,
		info:        info,
		out:         out,
		rooms:       make(map[domain.RoomID]*room),
		contacts:    make(map[domain.Address]bool),
		dialTimeout: beacon.DefaultTimeout,
	}
	n.policy = fanout.Policy{Mode: mode, Known: n.isContact}
	return n
}

func (n *node) printf(format string, args ...any) {
	n.outMu.Lock()
	defer n.outMu.Unlock()
	fmt.Fprintf(n.out, format, args...)
}

func (n *node) isContact(addr domain.Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.contacts[addr]
}

func (n *node) addContact(addr domain.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.contacts[addr] = true
}

// run consumes session events until ctx ends or the manager shuts down.
func (n *node) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.mgr.Done():
			return nil
		case ev := <-n.mgr.Events():
			n.handle(ev)
		}
	}
}

func (n *node) handle(ev session.Event) {
	switch ev := ev.(type) {
	case session.StatusEvent:
		n.onStatus(ev)
	case session.MessageEvent:
		n.onMessage(ev)
	case session.InviteEvent:
		n.onInvite(ev)
	}
}

func (n *node) onStatus(ev session.StatusEvent) {
	n.mu.Lock()
	lobby := n.lobby
	n.mu.Unlock()
	if lobby != nil && lobby.Track(ev) {
		n.printf("* lobby %s now has %d members\n", lobby.ID, lobby.Roster.Len())
	}
	if ev.Connected {
		name := string(ev.Address)
		if ev.Info != nil {
			name = ev.Info.DisplayName
		}
		n.printf("* connected to %s (%s)\n", ev.Address, name)
		return
	}
	if ev.Err != nil {
		n.printf("* lost %s: %v\n", ev.Address, ev.Err)
		return
	}
	n.printf("* disconnected from %s\n", ev.Address)
}

func (n *node) onMessage(ev session.MessageEvent) {
	from := string(ev.Address)
	if ev.Meta.Sender != nil {
		from = ev.Meta.Sender.DisplayName
	}
	if ev.Kind == protocol.TypeChat {
		if !n.policy.Allow(ev.Address) {
			log.Info().Str("module", "cli").Str("peer", string(ev.Address)).Msg("message blocked by privacy policy")
			return
		}
		n.printf("[%s] %s\n", from, ev.Plaintext)
		return
	}

	r, ok := n.room(ev.Meta.RoomID)
	if !ok {
		log.Debug().Str("module", "cli").Str("room", string(ev.Meta.RoomID)).Msg("message for unknown room")
		return
	}
	n.printf("[%s] %s: %s\n", r.desc.Name, from, ev.Plaintext)
	if r.roster.IsAdmin(n.mgr.LocalAddress()) && r.roster.Contains(ev.Address) {
		n.fo.Relay(r.roster.Members(), ev.Address, ev.Plaintext, r.desc.ID, ev.Meta.Sender)
	}
}

func (n *node) onInvite(ev session.InviteEvent) {
	if !n.policy.AllowInvite(ev.Address, ev.Room) {
		log.Info().Str("module", "cli").Str("peer", string(ev.Address)).Msg("invite blocked by privacy policy")
		return
	}
	host := ev.Room.HostAddress
	n.mu.Lock()
	if _, ok := n.rooms[ev.Room.ID]; !ok {
		n.rooms[ev.Room.ID] = &room{desc: ev.Room, roster: fanout.NewRoster(host, n.mgr.LocalAddress())}
	}
	n.contacts[host] = true
	n.mu.Unlock()
	n.printf("* invited to %s (%s) by %s\n", ev.Room.Name, ev.Room.ID, ev.Address)
	if !n.mgr.Connect(host, n.info) {
		n.printf("* could not reach host %s\n", host)
	}
}

func (n *node) room(id domain.RoomID) (*room, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.rooms[id]
	return r, ok
}

// findRoom resolves a room by id or, failing that, by name.
func (n *node) findRoom(ref string) (*room, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.rooms[domain.RoomID(ref)]; ok {
		return r, true
	}
	for _, r := range n.rooms {
		if r.desc.Name == ref {
			return r, true
		}
	}
	return nil, false
}

func (n *node) createRoom(name string) (*room, error) {
	self := n.mgr.LocalAddress()
	desc := domain.RoomDescriptor{
		ID:          domain.RoomID(name + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]),
		Name:        name,
		Type:        domain.RoomGroup,
		HostAddress: self,
		Persona:     domain.Persona{Name: n.info.DisplayName, AvatarRef: n.info.AvatarRef},
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	r := &room{desc: desc, roster: fanout.NewRoster(self)}
	n.mu.Lock()
	n.rooms[desc.ID] = r
	n.mu.Unlock()
	return r, nil
}

type command struct {
	name string
	args []string
	rest string
}

// parseCommand splits "/name a b rest of line". want is the number of
// single-word arguments before the free-text remainder.
func parseCommand(line string, want int) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{}, errUsage
	}
	name, s, _ := strings.Cut(line[1:], " ")
	cmd := command{name: name}
	for len(cmd.args) < want {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			return cmd, fmt.Errorf("%w: /%s needs %d argument(s)", errUsage, cmd.name, want)
		}
		var arg string
		arg, s, _ = strings.Cut(s, " ")
		cmd.args = append(cmd.args, arg)
	}
	cmd.rest = strings.TrimSpace(s)
	return cmd, nil
}

var arity = map[string]int{
	"connect": 1,
	"msg":     1,
	"group":   1,
	"invite":  2,
	"geo":     2,
	"peers":   0,
	"close":   1,
	"quit":    0,
	"help":    0,
}

func (n *node) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	name, _, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	want, ok := arity[name]
	if !strings.HasPrefix(line, "/") || !ok {
		n.printf("%s", helpText)
		return nil
	}
	cmd, err := parseCommand(line, want)
	if err != nil {
		return err
	}

	switch cmd.name {
	case "quit":
		return errQuit
	case "help":
		n.printf("%s", helpText)
	case "connect":
		return n.connect(ctx, domain.Address(cmd.args[0]))
	case "msg":
		to := domain.Address(cmd.args[0])
		if !n.mgr.Send(to, cmd.rest, protocol.TypeChat, session.RoutingMeta{Sender: n.info}) {
			return fmt.Errorf("%w: no ready session with %s", errNotSent, to)
		}
	case "group":
		return n.group(cmd.args[0], cmd.rest)
	case "invite":
		return n.invite(ctx, cmd.args[0], domain.Address(cmd.args[1]))
	case "geo":
		return n.geo(ctx, cmd.args[0], cmd.args[1])
	case "peers":
		for _, p := range n.mgr.Peers() {
			n.printf("  %s via %s %s\n", p.Address, p.Local, p.State)
		}
	case "close":
		if !n.mgr.Close(domain.Address(cmd.args[0])) {
			return fmt.Errorf("no session with %s", cmd.args[0])
		}
	}
	return nil
}

func (n *node) connect(ctx context.Context, addr domain.Address) error {
	if err := addr.Validate(); err != nil {
		return err
	}
	n.addContact(addr)
	dctx, cancel := context.WithTimeout(ctx, n.dialTimeout)
	defer cancel()
	return n.mgr.Dial(dctx, addr, n.info)
}

func (n *node) group(ref, text string) error {
	r, ok := n.findRoom(ref)
	if !ok {
		var err error
		if r, err = n.createRoom(ref); err != nil {
			return err
		}
		n.printf("* created room %s (%s)\n", r.desc.Name, r.desc.ID)
	}
	if text == "" {
		return nil
	}

	members := r.roster.Members()
	// Members talk to the admin, which relays.
	if admin := r.roster.Admin(); admin != n.mgr.LocalAddress() {
		members = []domain.Address{admin}
	}
	res := n.fo.Broadcast(members, text, r.desc.ID, n.info)
	if len(res.Skipped) > 0 {
		return fmt.Errorf("%w: %v", errNotSent, res.Skipped)
	}
	return nil
}

func (n *node) invite(ctx context.Context, ref string, addr domain.Address) error {
	r, ok := n.findRoom(ref)
	if !ok {
		return fmt.Errorf("%w: %s", errNoRoom, ref)
	}
	if !r.roster.IsAdmin(n.mgr.LocalAddress()) {
		return errors.New("only the room host can invite")
	}
	if err := n.connect(ctx, addr); err != nil {
		return err
	}
	r.roster.Add(addr)
	if !n.fo.SendInvite(addr, r.desc) {
		return fmt.Errorf("%w: invite to %s", errNotSent, addr)
	}
	n.printf("* invited %s to %s\n", addr, r.desc.Name)
	return nil
}

func (n *node) geo(ctx context.Context, latArg, lonArg string) error {
	lat, err := strconv.ParseFloat(latArg, 64)
	if err != nil {
		return fmt.Errorf("%w: latitude %q", errUsage, latArg)
	}
	lon, err := strconv.ParseFloat(lonArg, 64)
	if err != nil {
		return fmt.Errorf("%w: longitude %q", errUsage, lonArg)
	}

	n.mu.Lock()
	prev := n.lobby
	n.lobby = nil
	n.mu.Unlock()
	if prev != nil {
		_ = prev.Leave()
	}

	lobby, err := n.bc.JoinOrHost(ctx, lat, lon, n.info)
	if err != nil {
		return err
	}
	desc := domain.RoomDescriptor{
		ID:          domain.RoomID(lobby.ID),
		Name:        string(lobby.ID),
		Type:        domain.RoomGeo,
		HostAddress: lobby.Roster.Admin(),
	}
	n.mu.Lock()
	n.lobby = lobby
	n.rooms[desc.ID] = &room{desc: desc, roster: lobby.Roster}
	n.mu.Unlock()
	n.printf("* %s of %s\n", lobby.Role, lobby.ID)
	return nil
}
