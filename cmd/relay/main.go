package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mira/teltow/internal/persist"
	"github.com/mira/teltow/internal/store/memory"
	"github.com/mira/teltow/internal/store/sqlite"
	"github.com/mira/teltow/pkg/config"
	"github.com/mira/teltow/pkg/relay"
	"github.com/mira/teltow/pkg/storage"
)

func main() {
	configPath := flag.String("config", "teltow.yaml", "Path to the config file")
	addr := flag.String("addr", "", "Address to listen on (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Listen = *addr
	}

	var store storage.Store
	var persister *persist.Manager

	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		s, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open sqlite store: %v", err)
		}
		store = s
		log.Printf("Using sqlite store at %s", cfg.Storage.SQLitePath)

	default:
		s := memory.New()
		store = s

		interval, err := cfg.SnapshotInterval()
		if err != nil {
			log.Fatalf("Invalid snapshot interval: %v", err)
		}
		persister = persist.New(s, cfg.Storage.SnapshotPath, interval)
		// A broken snapshot is not fatal: start empty instead.
		if err := persister.Load(); err != nil {
			log.Printf("Failed to load snapshot: %v", err)
		}
		persister.Start()
		log.Printf("Using in-memory store, snapshots to %s every %s", cfg.Storage.SnapshotPath, interval)
	}

	r := relay.NewWithOptions(store, &relay.Options{
		Name:        cfg.Relay.Name,
		Description: cfg.Relay.Description,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting relay v%s on %s", relay.Version, cfg.Listen)
		if err := r.Start(cfg.Listen); err != nil {
			log.Fatalf("Relay error: %v", err)
		}
	}()

	<-sigCh
	log.Println("Shutting down relay...")

	if persister != nil {
		if err := persister.Stop(); err != nil {
			log.Printf("Failed to flush final snapshot: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		log.Printf("Failed to close relay: %v", err)
	}
}
