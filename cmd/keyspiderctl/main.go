// Keyspider operator CLI.
//
// Talks directly to the shared database (and, for inline crawls and
// deployments, straight to the fleet over SSH).
//
// Usage:
//
//	keyspiderctl spider --seed web01 [--depth 5] [--enqueue]
//	keyspiderctl watch start --server 3 [--auto-spider]
//	keyspiderctl watch list | watch stop --session <id>
//	keyspiderctl report --type dormant|mystery|stale|exposure|summary
//	keyspiderctl graph [--layer auth] [--server 3 --depth 2] [--key 7]
//	keyspiderctl agent-token --server 3
//	keyspiderctl agent-deploy --server 3
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jsherman999/keyspider/internal/agentmgr"
	"github.com/jsherman999/keyspider/internal/daemon"
	"github.com/jsherman999/keyspider/internal/spider"
	"github.com/jsherman999/keyspider/internal/sshpool"
	"github.com/jsherman999/keyspider/internal/store"
	"github.com/jsherman999/keyspider/internal/unreachable"
	"github.com/jsherman999/keyspider/internal/watcher"
)

const defaultConfigPath = "/etc/keyspider/keyspider.yaml"

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	var err error
	switch os.Args[1] {
	case "spider":
		err = cmdSpider(ctx, os.Args[2:])
	case "watch":
		err = cmdWatch(ctx, os.Args[2:])
	case "report":
		err = cmdReport(ctx, os.Args[2:])
	case "graph":
		err = cmdGraph(ctx, os.Args[2:])
	case "agent-token":
		err = cmdAgentToken(ctx, os.Args[2:])
	case "agent-deploy":
		err = cmdAgentDeploy(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("keyspiderctl %s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: keyspiderctl <command> [flags]

commands:
  spider        crawl the trust graph from a seed host
  watch         start, stop, or list live watch sessions
  report        key hygiene reports (dormant, mystery, stale, exposure, summary)
  graph         dump the trust graph or a subgraph as JSON
  agent-token   mint a fresh agent bearer token for a server
  agent-deploy  push the agent binary, config, and unit to a server`)
}

// openStore loads the daemon config and connects the database.
func openStore(ctx context.Context, configPath string) (*daemon.Config, *store.Store, error) {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

// openPool builds an SSH pool from the config, for inline crawls and
// deployments.
func openPool(cfg *daemon.Config) (*sshpool.Pool, error) {
	return sshpool.New(sshpool.Config{
		MaxTotal:       cfg.SSH.MaxTotal,
		MaxPerServer:   cfg.SSH.MaxPerServer,
		ConnectTimeout: time.Duration(cfg.SSH.ConnectTimeout) * time.Second,
		CommandTimeout: time.Duration(cfg.SSH.CommandTimeout) * time.Second,
		IdleTTL:        time.Duration(cfg.SSH.IdleTTL) * time.Second,
		KnownHostsPath: cfg.SSH.KnownHostsPath,
	})
}

func newDetector(cfg *daemon.Config) *unreachable.Detector {
	return unreachable.New(
		time.Duration(cfg.SSH.ConnectTimeout)*time.Second,
		time.Duration(cfg.Unreachable.CacheTTL)*time.Second)
}

func cmdSpider(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("spider", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	seed := fs.String("seed", "", "Seed host (hostname, IP, or host:port)")
	depth := fs.Int("depth", -1, "Crawl depth (0 = seed only, -1 = configured default)")
	enqueue := fs.Bool("enqueue", false, "Queue the crawl for the daemon instead of running inline")
	fs.Parse(args)

	if *seed == "" {
		return fmt.Errorf("--seed is required")
	}

	cfg, st, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	// Jobs carry a concrete depth, so the default resolves here.
	if *depth < 0 {
		*depth = cfg.Spider.DefaultDepth
	}

	if *enqueue {
		job, err := st.CreateJob(ctx, store.JobTypeSpider, *seed, *depth)
		if err != nil {
			return err
		}
		fmt.Printf("job %s queued: seed=%s depth=%d\n", job.ID, job.Seed, job.MaxDepth)
		return nil
	}

	auth, err := daemon.BuildAuth(cfg)
	if err != nil {
		return err
	}
	pool, err := openPool(cfg)
	if err != nil {
		return err
	}
	defer pool.CloseAll()

	det := newDetector(cfg)
	engine := spider.New(pool, st, det, spider.Config{
		SSHUser:             cfg.SSH.User,
		Auth:                auth,
		DefaultDepth:        cfg.Spider.DefaultDepth,
		MaxDepth:            cfg.Spider.MaxDepth,
		MaxLinesInitial:     cfg.Log.MaxLinesInitial,
		MaxLinesIncremental: cfg.Log.MaxLinesIncremental,
	})

	prog, err := engine.Run(ctx, spider.Options{
		Seed:  *seed,
		Depth: *depth,
		OnProgress: func(p spider.Progress) {
			fmt.Printf("\rservers=%d queue=%d events=%d keys=%d unreachable=%d errors=%d  %-21s",
				p.ServersScanned, p.QueueSize, p.EventsParsed, p.KeysFound,
				p.UnreachableFound, p.Errors, p.Current)
		},
	})
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("crawl complete: %d servers, %d events, %d keys, %d unreachable sources, %d errors\n",
		prog.ServersScanned, prog.EventsParsed, prog.KeysFound, prog.UnreachableFound, prog.Errors)
	return nil
}

func cmdWatch(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: watch start|stop|list [flags]")
	}
	sub, args := args[0], args[1:]

	fs := flag.NewFlagSet("watch "+sub, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	serverID := fs.Int64("server", 0, "Server id (start)")
	sessionID := fs.String("session", "", "Session id (stop)")
	autoSpider := fs.Bool("auto-spider", false, "Queue a crawl when a new source IP appears")
	depth := fs.Int("depth", 1, "Auto-spider depth")
	fs.Parse(args)

	cfg, st, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	switch sub {
	case "list":
		sessions, err := st.ActiveSessions(ctx)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("no active watch sessions")
			return nil
		}
		fmt.Printf("%-36s  %-8s  %-7s  %-8s  %s\n", "SESSION", "SERVER", "STATUS", "EVENTS", "LAST EVENT")
		for _, ws := range sessions {
			last := "never"
			if !ws.LastEventAt.IsZero() {
				last = ws.LastEventAt.Format(time.RFC3339)
			}
			fmt.Printf("%-36s  %-8d  %-7s  %-8d  %s\n",
				ws.ID, ws.ServerID, ws.Status, ws.EventsCaptured, last)
		}
		return nil

	case "stop":
		if *sessionID == "" {
			return fmt.Errorf("--session is required")
		}
		if err := st.SetSessionStatus(ctx, *sessionID, store.SessionStopped); err != nil {
			return err
		}
		fmt.Printf("session %s stopped\n", *sessionID)
		return nil

	case "start":
		if *serverID == 0 {
			return fmt.Errorf("--server is required")
		}
		return watchForeground(ctx, cfg, st, *serverID, *autoSpider, *depth)

	default:
		return fmt.Errorf("unknown watch subcommand %q", sub)
	}
}

// watchForeground runs a live session in this process and streams the
// captured events to stdout until interrupted.
func watchForeground(ctx context.Context, cfg *daemon.Config, st *store.Store, serverID int64, autoSpider bool, depth int) error {
	auth, err := daemon.BuildAuth(cfg)
	if err != nil {
		return err
	}
	pool, err := openPool(cfg)
	if err != nil {
		return err
	}
	defer pool.CloseAll()

	enqueue := func(seed string, d int) {
		jctx, jcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer jcancel()
		if job, err := st.CreateJob(jctx, store.JobTypeSpider, seed, d); err == nil {
			fmt.Printf("auto-spider job %s queued for %s\n", job.ID, seed)
		}
	}

	sup := watcher.NewSupervisor(st, pool, enqueue, watcher.Config{
		SSHUser:           cfg.SSH.User,
		Auth:              auth,
		ReconnectDelay:    time.Duration(cfg.Watcher.ReconnectDelay) * time.Second,
		MaxReconnectDelay: time.Duration(cfg.Watcher.MaxReconnectDelay) * time.Second,
	})

	events, unsubscribe := sup.Hub().Subscribe()
	defer unsubscribe()

	ws, err := sup.Start(ctx, serverID, autoSpider, depth)
	if err != nil {
		return err
	}
	fmt.Printf("watching server %d (session %s), ^C to stop\n", serverID, ws.ID)

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return sup.Stop(stopCtx, ws.ID)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch {
			case ev.Access != nil:
				a := ev.Access
				fmt.Printf("%s  %-8s %s@%s from %s %s %s\n",
					a.EventTime.Format(time.RFC3339), a.EventType,
					a.Username, ev.Hostname, a.SourceIP, a.AuthMethod, a.Fingerprint)
			case ev.Sudo != nil:
				s := ev.Sudo
				fmt.Printf("%s  sudo     %s→%s on %s: %s\n",
					s.EventTime.Format(time.RFC3339),
					s.Username, s.TargetUser, ev.Hostname, s.Command)
			}
		}
	}
}

func cmdAgentToken(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("agent-token", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	serverID := fs.Int64("server", 0, "Server id")
	fs.Parse(args)

	if *serverID == 0 {
		return fmt.Errorf("--server is required")
	}
	_, st, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	mgr := agentmgr.New(st, nil, agentmgr.Config{})
	tok, err := mgr.IssueToken(ctx, *serverID)
	if err != nil {
		return err
	}
	fmt.Printf("agent token for server %d (shown once, store it now):\n%s\n", *serverID, tok)
	return nil
}

func cmdAgentDeploy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("agent-deploy", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	serverID := fs.Int64("server", 0, "Server id")
	fs.Parse(args)

	if *serverID == 0 {
		return fmt.Errorf("--server is required")
	}
	cfg, st, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Agent.BinaryPath == "" || cfg.Agent.ServerURL == "" {
		return fmt.Errorf("agent.binary_path and agent.server_url must be configured")
	}
	auth, err := daemon.BuildAuth(cfg)
	if err != nil {
		return err
	}
	pool, err := openPool(cfg)
	if err != nil {
		return err
	}
	defer pool.CloseAll()

	mgr := agentmgr.New(st, pool, agentmgr.Config{
		SSHUser:         cfg.SSH.User,
		Auth:            auth,
		BinaryPath:      cfg.Agent.BinaryPath,
		ServerURL:       cfg.Agent.ServerURL,
		HeartbeatMaxAge: time.Duration(cfg.Agent.HeartbeatMaxAge) * time.Second,
	})
	if err := mgr.Deploy(ctx, *serverID); err != nil {
		return err
	}
	fmt.Printf("agent deployed to server %d\n", *serverID)
	return nil
}
