// Command presenced wires the presence engine's components together and
// runs the reaper until interrupted. It is intentionally thin: the socket
// transport, handshake/auth, and client SDK that would sit in front of
// this engine are out of scope (spec.md §1) and are expected to be a
// separate binary built against internal/presence, internal/metadata, and
// internal/transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/adred-codev/presencecore/internal/config"
	"github.com/adred-codev/presencecore/internal/eventbus"
	"github.com/adred-codev/presencecore/internal/logging"
	"github.com/adred-codev/presencecore/internal/metadata"
	"github.com/adred-codev/presencecore/internal/optimize"
	"github.com/adred-codev/presencecore/internal/presence"
	"github.com/adred-codev/presencecore/internal/store"
)

func main() {
	debug := flag.Bool("debug", false, "use a human-readable console logger instead of JSON")
	flag.Parse()

	var log logging.Logger
	if *debug {
		log = logging.NewConsole("presenced")
	} else {
		log = logging.New(os.Stdout, "presenced")
	}

	cfg, err := config.Load(log)
	if err != nil {
		log.Error("failed to load configuration", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeCfg := store.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	sharedStore, err := store.New(ctx, storeCfg)
	if err != nil {
		log.Error("failed to connect to shared store", err)
		os.Exit(1)
	}
	defer sharedStore.Close()

	pubsubClient, err := sharedStore.NewPubSubConn(ctx, storeCfg)
	if err != nil {
		log.Error("failed to open pub/sub connection", err)
		os.Exit(1)
	}
	defer pubsubClient.Close()

	bus := eventbus.New(pubsubClient, log)
	defer bus.Close()

	svc := presence.NewService(sharedStore, bus, log, cfg.ConnectionTTL)
	rooms := presence.NewRoomIndex(sharedStore)
	registry := presence.NewRegistry(sharedStore)

	// metaStore is built here so a transport package can be handed a live
	// metadata.Interface at construction time; this binary doesn't call it
	// directly since the socket layer that would is out of scope.
	var metaStore metadata.Interface = metadata.NewStore(sharedStore, bus, log)
	if cfg.TransactionalMetadata {
		metaStore = metadata.NewTransactionalStore(sharedStore, bus, log, cfg.MaxRetries, cfg.RetryDelay)
	}
	log.Info("metadata store ready", "transactional", cfg.TransactionalMetadata)

	var scriptRunner *optimize.ScriptRunner
	if cfg.BatcherEnabled {
		batcher := optimize.NewHeartbeatBatcher(svc, cfg.BatchWindow, cfg.MaxBatchSize, log)
		defer batcher.Close()
		log.Info("heartbeat batching enabled", "window", cfg.BatchWindow.String(), "maxBatchSize", cfg.MaxBatchSize)
	}
	if cfg.ScriptedHeartbeat || cfg.ScriptedJoin {
		scriptRunner = optimize.NewScriptRunner(sharedStore, log)
		log.Info("scripted redis paths enabled", "heartbeat", cfg.ScriptedHeartbeat, "join", cfg.ScriptedJoin)
	}

	reaper := presence.NewReaper(svc, rooms, registry, log, cfg.ReaperInterval, cfg.ReaperLookback)
	go reaper.Run(ctx)

	log.Info("presenced started",
		"redisAddr", cfg.RedisAddr,
		"connectionTTL", cfg.ConnectionTTL.String(),
		"reaperInterval", cfg.ReaperInterval.String(),
		"metadataStore", fmt.Sprintf("%T", metaStore),
		"scriptedPathsReady", scriptRunner != nil,
	)

	<-ctx.Done()
	log.Info("shutting down")
	reaper.Stop()
}
