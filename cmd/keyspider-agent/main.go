// Keyspider on-host agent.
//
// Tails the local auth logs, inventories SSH key material, and pushes
// both to the keyspider receiver. Spools to local sqlite while the
// receiver is unreachable.
//
// Usage:
//
//	keyspider-agent --config /etc/keyspider/agent.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jsherman999/keyspider/internal/agent"
)

var (
	flagConfig  = flag.String("config", "/etc/keyspider/agent.yaml", "Config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		log.Printf("keyspider-agent %s", agent.Version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags)

	cfg, err := agent.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	state, err := agent.OpenState(cfg.StatePath)
	if err != nil {
		log.Fatalf("Failed to open state db: %v", err)
	}
	defer state.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Shutdown signal: %v", sig)
		cancel()
	}()

	a := agent.New(cfg, state)
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Agent failed: %v", err)
	}
}
