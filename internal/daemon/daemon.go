package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jsherman999/keyspider/internal/agentrecv"
	"github.com/jsherman999/keyspider/internal/sshpool"
	"github.com/jsherman999/keyspider/internal/spider"
	"github.com/jsherman999/keyspider/internal/store"
	"github.com/jsherman999/keyspider/internal/unreachable"
	"github.com/jsherman999/keyspider/internal/watcher"
)

// Version is set at build time.
var Version = "1.0.0"

// Daemon owns every subsystem and their shared lifetimes.
type Daemon struct {
	cfg    *Config
	st     *store.Store
	pool   *sshpool.Pool
	det    *unreachable.Detector
	engine *spider.Engine
	super  *watcher.Supervisor
	httpSr *http.Server

	wg sync.WaitGroup
}

// BuildAuth turns the configured credentials into SSH auth methods. The
// key file is the operator's own crawl identity, not discovered
// material.
func BuildAuth(cfg *Config) ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod
	if cfg.SSH.KeyPath != "" {
		data, err := os.ReadFile(cfg.SSH.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", cfg.SSH.KeyPath, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.SSH.Password != "" {
		auth = append(auth, ssh.Password(cfg.SSH.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh credentials configured")
	}
	return auth, nil
}

// New connects the database, ensures the schema, and builds every
// subsystem. Nothing starts running until Run.
func New(ctx context.Context, cfg *Config) (*Daemon, error) {
	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}

	auth, err := BuildAuth(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	pool, err := sshpool.New(sshpool.Config{
		MaxTotal:       cfg.SSH.MaxTotal,
		MaxPerServer:   cfg.SSH.MaxPerServer,
		ConnectTimeout: seconds(cfg.SSH.ConnectTimeout),
		CommandTimeout: seconds(cfg.SSH.CommandTimeout),
		IdleTTL:        seconds(cfg.SSH.IdleTTL),
		KnownHostsPath: cfg.SSH.KnownHostsPath,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	det := unreachable.New(seconds(cfg.SSH.ConnectTimeout), seconds(cfg.Unreachable.CacheTTL))

	engine := spider.New(pool, st, det, spider.Config{
		SSHUser:             cfg.SSH.User,
		Auth:                auth,
		DefaultDepth:        cfg.Spider.DefaultDepth,
		MaxDepth:            cfg.Spider.MaxDepth,
		MaxLinesInitial:     cfg.Log.MaxLinesInitial,
		MaxLinesIncremental: cfg.Log.MaxLinesIncremental,
	})

	d := &Daemon{
		cfg:    cfg,
		st:     st,
		pool:   pool,
		det:    det,
		engine: engine,
	}

	// Auto-spider from a watch session enqueues a job; the job runner
	// picks it up so crawl concurrency stays in one place.
	d.super = watcher.NewSupervisor(st, pool, d.enqueueSpider, watcher.Config{
		SSHUser:           cfg.SSH.User,
		Auth:              auth,
		ReconnectDelay:    seconds(cfg.Watcher.ReconnectDelay),
		MaxReconnectDelay: seconds(cfg.Watcher.MaxReconnectDelay),
	})

	mux := http.NewServeMux()
	agentrecv.RegisterRoutes(mux, agentrecv.NewHandler(st))
	d.httpSr = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return d, nil
}

// Supervisor exposes the watch supervisor.
func (d *Daemon) Supervisor() *watcher.Supervisor { return d.super }

// Store exposes the shared store.
func (d *Daemon) Store() *store.Store { return d.st }

func (d *Daemon) enqueueSpider(seed string, depth int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := d.st.CreateJob(ctx, store.JobTypeSpider, seed, depth)
	if err != nil {
		log.Printf("[daemon] auto-spider enqueue for %s failed: %v", seed, err)
		return
	}
	log.Printf("[daemon] auto-spider job %s queued for %s depth=%d", job.ID, seed, depth)
}

// Run starts every subsystem and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	log.Printf("[daemon] keyspider daemon v%s starting", Version)
	log.Printf("[daemon] listen=%s ssh_user=%s pool=%d/%d job_poll=%ds",
		d.cfg.ListenAddr, d.cfg.SSH.User,
		d.cfg.SSH.MaxPerServer, d.cfg.SSH.MaxTotal, d.cfg.Spider.JobPollInterval)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		log.Printf("[daemon] agent ingest listening on %s", d.cfg.ListenAddr)
		if err := d.httpSr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[daemon] http server: %v", err)
		}
	}()

	if err := d.super.ResumeAll(ctx); err != nil {
		log.Printf("[daemon] resume watch sessions: %v", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.pollJobs(ctx)
	}()

	if err := notifyReady(); err != nil {
		log.Printf("[daemon] sd_notify READY failed: %v", err)
	}

	tick := time.NewTicker(30 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-tick.C:
			_ = notifyWatchdog()
			if n := d.pool.Prune(); n > 0 {
				log.Printf("[daemon] pruned %d idle ssh connections", n)
			}
		}
	}
}

// shutdown drains everything with a 30s cap.
func (d *Daemon) shutdown() error {
	log.Println("[daemon] shutting down")
	_ = notifyStopping()

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.httpSr.Shutdown(shutCtx); err != nil {
		log.Printf("[daemon] http shutdown: %v", err)
	}

	d.super.Shutdown()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("[daemon] all goroutines drained")
	case <-time.After(30 * time.Second):
		log.Println("[daemon] goroutine drain timed out after 30s")
	}

	d.pool.CloseAll()
	d.st.Close()
	return nil
}
