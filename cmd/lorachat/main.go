package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/lorachat/lorachat/internal/chatdb"
	"github.com/lorachat/lorachat/internal/config"
	"github.com/lorachat/lorachat/internal/engine"
	"github.com/lorachat/lorachat/internal/logging"
	"github.com/lorachat/lorachat/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("lorachat starting",
		slog.String("version", Version),
		slog.String("gateway", cfg.GatewayURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.Open(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	// Seed from the local cache so the chat list survives a restart
	// while the gateway is unreachable. The gateway copy still wins:
	// the first connection requests the stored database regardless.
	var snapshot *chatdb.Snapshot

	if cached := store.Snapshot(); cached != nil {
		snapshot, err = chatdb.Decode(cached)
		if err != nil {
			logger.Warn("discarding corrupt snapshot cache", slog.String("error", err.Error()))

			snapshot = nil
		} else {
			logger.Info("snapshot cache loaded", slog.Int("chats", len(snapshot.Chats)))
		}
	}

	eng := engine.NewEngine(engine.Config{
		GatewayURL:     cfg.GatewayURL,
		ReconnectDelay: cfg.ReconnectDelay,
		Events:         engine.LogEvents{Logger: logger},
		Store:          store,
		Snapshot:       snapshot,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})

	return g.Wait()
}
