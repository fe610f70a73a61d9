package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/dcnet/kage/internal/auth"
	"github.com/dcnet/kage/internal/bootstrap"
	"github.com/dcnet/kage/internal/config"
	"github.com/dcnet/kage/internal/discord"
	"github.com/dcnet/kage/internal/kage"
	"github.com/dcnet/kage/internal/lobby"
	"github.com/dcnet/kage/internal/rank"
	"github.com/dcnet/kage/internal/transport"
)

const ConfigPath = "kage.cfg"

// Well-known lobby ports the console clients are hardwired to.
const (
	bombermanPort  = 9091
	outtriggerPort = 9092
	propellerPort  = 9093
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Configure slog
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	slog.Info("kage server starting")

	cfgPath := ConfigPath
	if len(os.Args) >= 2 {
		cfgPath = os.Args[1]
	}
	cfg := config.Load(cfgPath)

	presence := discord.NewWebhook(cfg.DiscordWebhook)

	// One reactor owns all lobby and game state; every endpoint posts
	// its datagrams there.
	reactor := transport.NewReactor()

	games := map[kage.Game]*lobby.Server{
		kage.GameBomberman:  lobby.NewBombermanServer(bombermanPort, reactor, presence, cfg.Netdump),
		kage.GameOuttrigger: lobby.NewOuttriggerServer(outtriggerPort, reactor, presence, cfg.Netdump),
		kage.GamePropellerA: lobby.NewPropellerServer(propellerPort, reactor, presence, cfg.Netdump),
	}
	boot := bootstrap.NewServer(bootstrap.Port, reactor, games)
	authServer := auth.NewServer()
	rankServer := rank.NewServer()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := reactor.Run(gctx); err != nil {
			return fmt.Errorf("reactor: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := boot.Run(gctx); err != nil {
			return fmt.Errorf("bootstrap server: %w", err)
		}
		return nil
	})
	for game, server := range games {
		game, server := game, server
		g.Go(func() error {
			if err := server.Run(gctx); err != nil {
				return fmt.Errorf("%v lobby server: %w", game, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := authServer.Run(gctx); err != nil {
			return fmt.Errorf("auth server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := rankServer.Run(gctx); err != nil {
			return fmt.Errorf("rank server: %w", err)
		}
		return nil
	})

	slog.Info("kage server started")
	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	slog.Info("kage server stopped")

	return nil
}
