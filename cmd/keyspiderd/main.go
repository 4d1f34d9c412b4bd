// Keyspider daemon.
//
// Runs the agent ingest HTTP server, the scan job runner, and the live
// watch supervisor against a shared PostgreSQL database.
//
// Usage:
//
//	keyspiderd --config /etc/keyspider/keyspider.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jsherman999/keyspider/internal/daemon"
)

var (
	flagConfig  = flag.String("config", "/etc/keyspider/keyspider.yaml", "Config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		log.Printf("keyspiderd %s", daemon.Version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := daemon.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Shutdown signal: %v", sig)
		cancel()
	}()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	if err := d.Run(ctx); err != nil {
		log.Fatalf("Daemon failed: %v", err)
	}
}
