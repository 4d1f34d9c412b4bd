package spider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jsherman999/keyspider/internal/logparse"
	"github.com/jsherman999/keyspider/internal/store"
)

type fakeSink struct {
	mu      sync.Mutex
	servers map[string]*store.Server
	nextID  int64
	applied []int64
	failed  map[int64]string
	stats   store.ScanStats
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		servers: make(map[string]*store.Server),
		failed:  make(map[int64]string),
		stats:   store.ScanStats{EventsInserted: 2, KeysUpserted: 1},
	}
}

func (f *fakeSink) EnsureServer(ctx context.Context, hostname, ip string, port int) (*store.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if srv, ok := f.servers[ip]; ok {
		if hostname != "" {
			srv.Hostname = hostname
		}
		return srv, nil
	}
	f.nextID++
	srv := &store.Server{ID: f.nextID, Hostname: hostname, IPAddress: ip, SSHPort: port}
	f.servers[ip] = srv
	return srv, nil
}

func (f *fakeSink) ServerByIP(ctx context.Context, ip string) (*store.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if srv, ok := f.servers[ip]; ok {
		return srv, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeSink) ApplyScan(ctx context.Context, serverID int64, b *store.ScanBatch) (store.ScanStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, serverID)
	return f.stats, nil
}

func (f *fakeSink) MarkServerFailed(ctx context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = reason
	return nil
}

// newTestEngine wires an engine whose scan function follows a static
// topology map of ip -> discovered source ips.
func newTestEngine(sink *fakeSink, topo map[string][]string) *Engine {
	e := New(nil, sink, nil, Config{})
	e.scan = func(ctx context.Context, srv *store.Server) (*scanResult, error) {
		res := &scanResult{}
		for _, ip := range topo[srv.IPAddress] {
			res.next = append(res.next, hop{ip: ip, port: 22})
		}
		return res, nil
	}
	return e
}

func TestRunVisitsEachServerOnce(t *testing.T) {
	sink := newFakeSink()
	// A cycle: a -> b -> c -> a.
	e := newTestEngine(sink, map[string][]string{
		"10.0.0.1": {"10.0.0.2"},
		"10.0.0.2": {"10.0.0.3"},
		"10.0.0.3": {"10.0.0.1"},
	})

	prog, err := e.Run(context.Background(), Options{Seed: "10.0.0.1", Depth: DepthDefault})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prog.ServersScanned != 3 {
		t.Errorf("ServersScanned = %d, want 3", prog.ServersScanned)
	}
	if len(sink.applied) != 3 {
		t.Errorf("ApplyScan called %d times, want 3", len(sink.applied))
	}
	if prog.EventsParsed != 6 || prog.KeysFound != 3 {
		t.Errorf("counters = %+v, want events 6 keys 3", prog)
	}
}

func TestRunDepthZeroScansSeedOnly(t *testing.T) {
	sink := newFakeSink()
	e := newTestEngine(sink, map[string][]string{
		"10.0.0.1": {"10.0.0.2"},
		"10.0.0.2": {"10.0.0.3"},
		"10.0.0.3": {"10.0.0.4"},
	})
	e.cfg.DefaultDepth = 10

	prog, err := e.Run(context.Background(), Options{Seed: "10.0.0.1", Depth: 0})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prog.ServersScanned != 1 {
		t.Errorf("depth 0 scanned %d servers, want 1 (seed only)", prog.ServersScanned)
	}
	if len(sink.applied) != 1 {
		t.Errorf("ApplyScan called %d times, want 1", len(sink.applied))
	}
}

func TestRunDepthOneStopsExpansion(t *testing.T) {
	// Depth 1 means seed plus its direct sources.
	sink := newFakeSink()
	e := newTestEngine(sink, map[string][]string{
		"10.0.0.1": {"10.0.0.2", "10.0.0.3"},
	})
	prog, err := e.Run(context.Background(), Options{Seed: "10.0.0.1", Depth: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prog.ServersScanned != 3 {
		t.Errorf("depth 1 scanned %d servers, want 3", prog.ServersScanned)
	}

	// The frontier at max depth is scanned but not expanded.
	sink2 := newFakeSink()
	e2 := newTestEngine(sink2, map[string][]string{
		"10.0.0.1": {"10.0.0.2"},
		"10.0.0.2": {"10.0.0.3"},
	})
	prog2, err := e2.Run(context.Background(), Options{Seed: "10.0.0.1", Depth: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prog2.ServersScanned != 2 {
		t.Errorf("depth 1 chain scanned %d servers, want 2", prog2.ServersScanned)
	}
}

func TestRunDefaultDepthSentinel(t *testing.T) {
	sink := newFakeSink()
	e := newTestEngine(sink, map[string][]string{
		"10.0.0.1": {"10.0.0.2"},
		"10.0.0.2": {"10.0.0.3"},
		"10.0.0.3": {"10.0.0.4"},
	})
	e.cfg.DefaultDepth = 1

	prog, err := e.Run(context.Background(), Options{Seed: "10.0.0.1", Depth: DepthDefault})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prog.ServersScanned != 2 {
		t.Errorf("default-depth crawl scanned %d servers, want 2", prog.ServersScanned)
	}
}

func TestRunClampsDepth(t *testing.T) {
	// A linear chain longer than the hard cap.
	topo := make(map[string][]string)
	for i := 0; i < 60; i++ {
		topo[fmt.Sprintf("10.0.%d.1", i)] = []string{fmt.Sprintf("10.0.%d.1", i+1)}
	}
	sink := newFakeSink()
	e := newTestEngine(sink, topo)

	prog, err := e.Run(context.Background(), Options{Seed: "10.0.0.1", Depth: 1000})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Seed at depth 0 plus HardMaxDepth hops.
	if want := HardMaxDepth + 1; prog.ServersScanned != want {
		t.Errorf("ServersScanned = %d, want %d", prog.ServersScanned, want)
	}

	// A configured ceiling below the hard cap wins.
	sink2 := newFakeSink()
	e2 := newTestEngine(sink2, topo)
	e2.cfg.MaxDepth = 20
	prog2, err := e2.Run(context.Background(), Options{Seed: "10.0.0.1", Depth: 1000})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prog2.ServersScanned != 21 {
		t.Errorf("configured ceiling 20 scanned %d servers, want 21", prog2.ServersScanned)
	}
}

func TestRunReportsQueueAndCurrent(t *testing.T) {
	sink := newFakeSink()
	e := newTestEngine(sink, map[string][]string{
		"10.0.0.1": {"10.0.0.2", "10.0.0.3"},
	})

	var reports []Progress
	prog, err := e.Run(context.Background(), Options{
		Seed:       "10.0.0.1",
		Depth:      1,
		OnProgress: func(p Progress) { reports = append(reports, p) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("progress reported %d times, want 3", len(reports))
	}
	if reports[0].Current != "10.0.0.1:22" || reports[0].QueueSize != 2 {
		t.Errorf("first report current=%q queue=%d, want 10.0.0.1:22 and 2",
			reports[0].Current, reports[0].QueueSize)
	}
	last := reports[len(reports)-1]
	if last.QueueSize != 0 || last.ServersScanned != 3 {
		t.Errorf("final report = %+v, want empty queue after 3 servers", last)
	}
	if prog.Current != "" || prog.QueueSize != 0 {
		t.Errorf("returned progress = %+v, want cleared current and queue", prog)
	}
}

func TestRunScanFailureContinues(t *testing.T) {
	sink := newFakeSink()
	e := newTestEngine(sink, map[string][]string{
		"10.0.0.1": {"10.0.0.2", "10.0.0.3"},
	})
	inner := e.scan
	e.scan = func(ctx context.Context, srv *store.Server) (*scanResult, error) {
		if srv.IPAddress == "10.0.0.2" {
			return nil, errors.New("connection refused")
		}
		return inner(ctx, srv)
	}

	prog, err := e.Run(context.Background(), Options{Seed: "10.0.0.1", Depth: DepthDefault})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prog.ServersScanned != 2 {
		t.Errorf("ServersScanned = %d, want 2", prog.ServersScanned)
	}
	if prog.Errors != 1 {
		t.Errorf("Errors = %d, want 1", prog.Errors)
	}
	srv := sink.servers["10.0.0.2"]
	if srv == nil || sink.failed[srv.ID] == "" {
		t.Error("failed server not marked")
	}
}

func TestRunCancellationStopsAtServerBoundary(t *testing.T) {
	sink := newFakeSink()
	ctx, cancel := context.WithCancel(context.Background())

	e := newTestEngine(sink, map[string][]string{
		"10.0.0.1": {"10.0.0.2"},
		"10.0.0.2": {"10.0.0.3"},
	})
	inner := e.scan
	scans := 0
	e.scan = func(c context.Context, srv *store.Server) (*scanResult, error) {
		scans++
		if scans == 1 {
			cancel()
		}
		return inner(c, srv)
	}

	_, err := e.Run(ctx, Options{Seed: "10.0.0.1", Depth: DepthDefault})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	// The first server's scan completed and committed before the stop.
	if len(sink.applied) != 1 {
		t.Errorf("ApplyScan called %d times, want 1", len(sink.applied))
	}
}

func TestRunSkipsFreshAgent(t *testing.T) {
	sink := newFakeSink()
	now := time.Now()

	e := newTestEngine(sink, map[string][]string{
		"10.0.0.1": {"10.0.0.2"},
	})
	e.now = func() time.Time { return now }

	// Pre-seed the agent-managed server.
	agented, _ := sink.EnsureServer(context.Background(), "agent01", "10.0.0.2", 22)
	agented.PreferAgent = true
	agented.LastHeartbeatAt = now.Add(-time.Minute)

	prog, err := e.Run(context.Background(), Options{Seed: "10.0.0.1", Depth: DepthDefault})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prog.ServersScanned != 1 {
		t.Errorf("ServersScanned = %d, want 1 (agent server skipped)", prog.ServersScanned)
	}

	// A stale heartbeat does not earn the skip.
	agented.LastHeartbeatAt = now.Add(-10 * time.Minute)
	sink.applied = nil
	prog, err = e.Run(context.Background(), Options{Seed: "10.0.0.1", Depth: DepthDefault})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prog.ServersScanned != 2 {
		t.Errorf("ServersScanned = %d, want 2 (stale agent scanned)", prog.ServersScanned)
	}
}

type fakeProber struct {
	mu     sync.Mutex
	probed map[string]int // ip -> port probed
	reach  map[string]bool
}

func (f *fakeProber) Probe(ctx context.Context, ip string, port int) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed[ip] = port
	return f.reach[ip], ""
}

func TestSortSourcesUsesKnownSSHPort(t *testing.T) {
	sink := newFakeSink()
	// A bastion already inventoried on a nonstandard port.
	if _, err := sink.EnsureServer(context.Background(), "bastion", "10.0.0.9", 2222); err != nil {
		t.Fatal(err)
	}

	p := &fakeProber{
		probed: make(map[string]int),
		reach:  map[string]bool{"10.0.0.9": true, "10.0.0.5": true},
	}
	e := newTestEngine(sink, nil)
	e.det = p

	now := time.Now()
	srv := &store.Server{ID: 99, IPAddress: "10.0.0.1"}
	events := []logparse.Event{
		{SourceIP: "10.0.0.9", EventType: logparse.EventAccepted, Username: "deploy", Time: now},
		{SourceIP: "10.0.0.5", EventType: logparse.EventAccepted, Username: "deploy", Time: now},
	}
	_, next := e.sortSources(context.Background(), srv, events)

	if p.probed["10.0.0.9"] != 2222 {
		t.Errorf("probed 10.0.0.9 on port %d, want 2222", p.probed["10.0.0.9"])
	}
	if p.probed["10.0.0.5"] != 22 {
		t.Errorf("probed 10.0.0.5 on port %d, want 22", p.probed["10.0.0.5"])
	}

	ports := make(map[string]int)
	for _, h := range next {
		ports[h.ip] = h.port
	}
	if ports["10.0.0.9"] != 2222 || ports["10.0.0.5"] != 22 {
		t.Errorf("next hops = %v, want the known port carried through", ports)
	}
}

func TestResolveSeed(t *testing.T) {
	e := New(nil, newFakeSink(), nil, Config{})
	e.lookup = func(ctx context.Context, host string) ([]string, error) {
		if host == "jump01" {
			return []string{"10.9.9.9"}, nil
		}
		return nil, errors.New("no such host")
	}

	n, err := e.resolveSeed(context.Background(), "10.0.0.1:2222")
	if err != nil {
		t.Fatalf("resolveSeed: %v", err)
	}
	if n.ip != "10.0.0.1" || n.port != 2222 {
		t.Errorf("seed = %s:%d, want 10.0.0.1:2222", n.ip, n.port)
	}

	n, err = e.resolveSeed(context.Background(), "jump01")
	if err != nil {
		t.Fatalf("resolveSeed hostname: %v", err)
	}
	if n.ip != "10.9.9.9" || n.hostname != "jump01" || n.port != 22 {
		t.Errorf("seed = %+v", n)
	}

	if _, err := e.resolveSeed(context.Background(), ""); err == nil {
		t.Error("empty seed accepted")
	}
	if _, err := e.resolveSeed(context.Background(), "nowhere"); err == nil {
		t.Error("unresolvable seed accepted")
	}
}
