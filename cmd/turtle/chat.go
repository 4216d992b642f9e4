package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Turtle/internal/adapters/rtc"
	"github.com/dkeye/Turtle/internal/adapters/signal"
	"github.com/dkeye/Turtle/internal/beacon"
	"github.com/dkeye/Turtle/internal/config"
	"github.com/dkeye/Turtle/internal/core"
	"github.com/dkeye/Turtle/internal/domain"
	"github.com/dkeye/Turtle/internal/fanout"
	"github.com/dkeye/Turtle/internal/framer"
	"github.com/dkeye/Turtle/internal/protocol/codec"
	"github.com/dkeye/Turtle/internal/session"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join the network as a peer and chat from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closer, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closer.Close()
			return runChat(cmd.Context(), cfg, os.Stdin, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.String("peer-name", "", "display name announced to peers")
	f.String("peer-signal-url", "ws://localhost:8080/api/ws", "broker websocket URL")
	f.String("peer-codec", "json", "envelope codec: json or cbor")
	f.Bool("peer-relay-only", false, "route media through TURN relays only")
	f.String("peer-privacy", "EVERYONE", "EVERYONE or CONTACTS_ONLY")
	return cmd
}

// wire builds the peer stack on top of a transport and resolver.
func wire(cfg *config.Config, tr core.Transport, res core.Resolver, info *domain.SenderInfo, out io.Writer) (*node, error) {
	reg, err := codec.NewRegistry()
	if err != nil {
		return nil, err
	}
	c, err := reg.Get(cfg.Peer.Codec)
	if err != nil {
		return nil, err
	}
	privacy, err := fanout.ParsePrivacyMode(cfg.Peer.Privacy)
	if err != nil {
		return nil, err
	}

	mgr := session.NewManager(tr, session.Options{
		Codec: c,
		Framer: framer.New(framer.Config{
			ChunkSize:    cfg.Framer.ChunkSize,
			TTL:          cfg.Framer.ReassemblyTTL,
			MaxTransfers: cfg.Framer.MaxTransfers,
			MaxChunks:    cfg.Framer.MaxChunks,
		}),
		ChunkThreshold: cfg.Framer.ChunkThreshold,
		EventBuffer:    cfg.Peer.EventBuffer,
		Announce:       info,
	})
	bc := beacon.New(mgr, res, beacon.Config{
		Timeout:         cfg.Beacon.Timeout,
		RetryInitial:    cfg.Beacon.RetryInitial,
		RetryMaxElapsed: cfg.Beacon.RetryMaxElapsed,
	})
	return newNode(mgr, fanout.New(mgr, cfg.Fanout.MaxParallel), bc, privacy, info, out), nil
}

func runChat(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	addr := domain.NewAddress()
	name := cfg.Peer.Name
	if name == "" {
		name = string(addr)
	}
	info, err := domain.NewSenderInfo(name, "", addr)
	if err != nil {
		return err
	}

	client, err := signal.Dial(ctx, cfg.Peer.SignalURL, addr)
	if err != nil {
		return err
	}
	defer client.Close()

	tr := rtc.NewTransport(client, rtc.Config{
		ICEServers: cfg.Peer.ICEServers,
		RelayOnly:  cfg.Peer.RelayOnly,
	})
	n, err := wire(cfg, tr, client, info, out)
	if err != nil {
		return err
	}
	defer n.mgr.Shutdown()

	n.printf("you are %s (%s)\n", addr, name)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.run(ctx) })
	g.Go(func() error {
		select {
		case <-client.Done():
			return errors.New("broker connection lost")
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error { return readLines(ctx, n, in) })

	err = g.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

func readLines(ctx context.Context, n *node, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := n.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				n.printf("error: %v\n", err)
				log.Debug().Err(err).Str("module", "cli").Str("line", line).Msg("command failed")
			}
		}
	}
}
