// Package spider crawls the SSH trust graph breadth-first: scan a
// server, find the sources that have authenticated to it, follow the
// reachable ones, and repeat until the frontier is empty or the depth
// budget runs out.
package spider

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jsherman999/keyspider/internal/sshpool"
	"github.com/jsherman999/keyspider/internal/store"
	"github.com/jsherman999/keyspider/internal/unreachable"
)

// HardMaxDepth caps any requested crawl depth, configured ceilings
// included.
const HardMaxDepth = 50

// DepthDefault asks Run to crawl at the engine's configured default
// depth. Depth 0 is meaningful on its own: scan the seed and stop.
const DepthDefault = -1

// DefaultAgentFreshness is how recent an agent heartbeat must be for the
// crawler to skip the SSH scan of that server.
const DefaultAgentFreshness = 5 * time.Minute

// Sink is the slice of the store the engine writes through.
type Sink interface {
	EnsureServer(ctx context.Context, hostname, ip string, port int) (*store.Server, error)
	ServerByIP(ctx context.Context, ip string) (*store.Server, error)
	ApplyScan(ctx context.Context, serverID int64, b *store.ScanBatch) (store.ScanStats, error)
	MarkServerFailed(ctx context.Context, id int64, reason string) error
}

// prober is the reachability surface of unreachable.Detector.
type prober interface {
	Probe(ctx context.Context, ip string, port int) (reachable bool, reverseDNS string)
}

// Config tunes one engine.
type Config struct {
	SSHUser             string
	Auth                []ssh.AuthMethod
	DefaultDepth        int           // used when a crawl asks for DepthDefault (10)
	MaxDepth            int           // depth ceiling, itself capped at HardMaxDepth (50)
	MaxLinesInitial     int           // log lines on a first scan (50000)
	MaxLinesIncremental int           // log lines on a rescan (50000)
	AgentFreshness      time.Duration // heartbeat window for prefer_agent skips
}

func (c Config) withDefaults() Config {
	if c.MaxDepth <= 0 || c.MaxDepth > HardMaxDepth {
		c.MaxDepth = HardMaxDepth
	}
	if c.DefaultDepth <= 0 {
		c.DefaultDepth = 10
	}
	if c.DefaultDepth > c.MaxDepth {
		c.DefaultDepth = c.MaxDepth
	}
	if c.MaxLinesInitial <= 0 {
		c.MaxLinesInitial = 50000
	}
	if c.MaxLinesIncremental <= 0 {
		c.MaxLinesIncremental = 50000
	}
	if c.AgentFreshness <= 0 {
		c.AgentFreshness = DefaultAgentFreshness
	}
	return c
}

// Progress is the running counter set, reported after every server.
type Progress struct {
	ServersScanned   int
	EventsParsed     int
	KeysFound        int
	UnreachableFound int
	Errors           int
	QueueSize        int    // frontier still waiting when this was reported
	Current          string // host:port the report covers; empty once done
}

// Options select what one crawl does.
type Options struct {
	Seed       string // hostname, IP, or host:port
	Depth      int    // 0 scans only the seed; DepthDefault picks the configured default
	OnProgress func(Progress)
}

// scanResult is what scanning one server yields: the batch to persist
// and the reachable sources to enqueue.
type scanResult struct {
	batch    store.ScanBatch
	next     []hop
	hostname string // learned from uname, fills ip-only placeholders
}

type hop struct {
	ip   string
	port int
}

type scanFunc func(ctx context.Context, srv *store.Server) (*scanResult, error)

// Engine runs crawls. One engine serves many sequential crawls; the
// pool and detector amortise across them.
type Engine struct {
	pool *sshpool.Pool
	sink Sink
	det  prober
	cfg  Config

	scan   scanFunc
	lookup func(ctx context.Context, host string) ([]string, error)
	now    func() time.Time
}

// New builds an engine over a connection pool and a store.
func New(pool *sshpool.Pool, sink Sink, det *unreachable.Detector, cfg Config) *Engine {
	e := &Engine{
		pool: pool,
		sink: sink,
		cfg:  cfg.withDefaults(),
		lookup: func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		},
		now: time.Now,
	}
	if det != nil {
		e.det = det
	}
	e.scan = e.scanServer
	return e
}

type node struct {
	hop
	hostname string
	depth    int
}

// Run crawls breadth-first from the seed. Per-server failures are
// recorded and skipped; the crawl itself only fails on cancellation or
// an unusable seed. Cancellation is observed at server boundaries, so a
// server already being scanned finishes and commits.
func (e *Engine) Run(ctx context.Context, opts Options) (Progress, error) {
	var prog Progress

	// Depth 0 is seed-only; only the DepthDefault sentinel falls back
	// to the configured default.
	depth := opts.Depth
	if depth < 0 {
		depth = e.cfg.DefaultDepth
	}
	if depth > e.cfg.MaxDepth {
		depth = e.cfg.MaxDepth
	}

	seed, err := e.resolveSeed(ctx, opts.Seed)
	if err != nil {
		return prog, fmt.Errorf("resolve seed %q: %w", opts.Seed, err)
	}

	visited := map[string]bool{seed.addr(): true}
	queue := []node{seed}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return prog, err
		}
		cur := queue[0]
		queue = queue[1:]
		prog.Current = cur.addr()

		srv, err := e.sink.EnsureServer(ctx, cur.hostname, cur.ip, cur.port)
		if err != nil {
			return prog, fmt.Errorf("ensure server %s: %w", cur.ip, err)
		}

		if e.agentIsFresh(srv) {
			log.Printf("[spider] %s: agent heartbeat %s ago, skipping ssh scan",
				cur.ip, e.now().Sub(srv.LastHeartbeatAt).Round(time.Second))
			continue
		}

		res, err := e.scan(ctx, srv)
		if err != nil {
			if ctx.Err() != nil {
				return prog, ctx.Err()
			}
			prog.Errors++
			log.Printf("[spider] %s: scan failed: %v", cur.ip, err)
			if ferr := e.sink.MarkServerFailed(ctx, srv.ID, err.Error()); ferr != nil {
				log.Printf("[spider] %s: record failure: %v", cur.ip, ferr)
			}
			prog.QueueSize = len(queue)
			e.report(opts, prog)
			continue
		}

		if res.hostname != "" && srv.Hostname != res.hostname {
			if _, herr := e.sink.EnsureServer(ctx, res.hostname, cur.ip, cur.port); herr != nil {
				log.Printf("[spider] %s: record hostname %s: %v", cur.ip, res.hostname, herr)
			}
		}

		stats, err := e.sink.ApplyScan(ctx, srv.ID, &res.batch)
		if err != nil {
			prog.Errors++
			log.Printf("[spider] %s: commit failed: %v", cur.ip, err)
			prog.QueueSize = len(queue)
			e.report(opts, prog)
			continue
		}

		prog.ServersScanned++
		prog.EventsParsed += stats.EventsInserted
		prog.KeysFound += stats.KeysUpserted
		prog.UnreachableFound += stats.Unreachable
		log.Printf("[spider] %s: depth %d, %d new events, %d keys, %d unreachable",
			cur.ip, cur.depth, stats.EventsInserted, stats.KeysUpserted, stats.Unreachable)

		if cur.depth < depth {
			for _, h := range res.next {
				if visited[h.addr()] {
					continue
				}
				visited[h.addr()] = true
				queue = append(queue, node{hop: h, depth: cur.depth + 1})
			}
		}
		prog.QueueSize = len(queue)
		e.report(opts, prog)
	}
	prog.Current, prog.QueueSize = "", 0
	return prog, nil
}

func (e *Engine) report(opts Options, p Progress) {
	if opts.OnProgress != nil {
		opts.OnProgress(p)
	}
}

func (e *Engine) agentIsFresh(srv *store.Server) bool {
	if !srv.PreferAgent || srv.LastHeartbeatAt.IsZero() {
		return false
	}
	return e.now().Sub(srv.LastHeartbeatAt) <= e.cfg.AgentFreshness
}

func (h hop) addr() string {
	return net.JoinHostPort(h.ip, strconv.Itoa(h.port))
}

func (e *Engine) resolveSeed(ctx context.Context, seed string) (node, error) {
	if seed == "" {
		return node{}, fmt.Errorf("empty seed")
	}
	host := seed
	port := 22
	if h, p, err := net.SplitHostPort(seed); err == nil {
		n, perr := strconv.Atoi(p)
		if perr != nil || n <= 0 || n > 65535 {
			return node{}, fmt.Errorf("bad port %q", p)
		}
		host, port = h, n
	}
	if ip := net.ParseIP(host); ip != nil {
		return node{hop: hop{ip: host, port: port}}, nil
	}
	addrs, err := e.lookup(ctx, host)
	if err != nil {
		return node{}, err
	}
	if len(addrs) == 0 {
		return node{}, fmt.Errorf("no addresses for %s", host)
	}
	return node{hop: hop{ip: addrs[0], port: port}, hostname: host}, nil
}
