// Package unreachable probes whether an event source IP accepts SSH
// connections from the crawler and classifies the ones that do not. A
// source the crawler cannot reach is a visibility gap: something is
// holding keys and logging in, and we cannot inventory it.
package unreachable

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how often the same source is re-probed.
const DefaultCacheTTL = time.Hour

// Severity levels, highest first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Detector caches reachability probes per source. Safe for concurrent
// use by crawl workers.
type Detector struct {
	dialTimeout time.Duration
	ttl         time.Duration

	// seams for tests
	dial    func(network, addr string, timeout time.Duration) (net.Conn, error)
	lookup  func(ctx context.Context, ip string) ([]string, error)
	nowFunc func() time.Time

	mu    sync.Mutex
	cache map[string]probeResult
}

type probeResult struct {
	reachable  bool
	reverseDNS string
	expires    time.Time
}

// New builds a detector. Zero values pick the defaults (5s dial timeout,
// 1h cache).
func New(dialTimeout, cacheTTL time.Duration) *Detector {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Detector{
		dialTimeout: dialTimeout,
		ttl:         cacheTTL,
		dial:        net.DialTimeout,
		lookup: func(ctx context.Context, ip string) ([]string, error) {
			var r net.Resolver
			return r.LookupAddr(ctx, ip)
		},
		nowFunc: time.Now,
		cache:   make(map[string]probeResult),
	}
}

// Probe reports whether ip answers on the SSH port, plus its reverse DNS
// name when one resolves. Results are cached for the TTL; within it the
// same source costs nothing.
func (d *Detector) Probe(ctx context.Context, ip string, port int) (reachable bool, reverseDNS string) {
	if port <= 0 {
		port = 22
	}
	key := net.JoinHostPort(ip, strconv.Itoa(port))

	d.mu.Lock()
	if r, ok := d.cache[key]; ok && d.nowFunc().Before(r.expires) {
		d.mu.Unlock()
		return r.reachable, r.reverseDNS
	}
	d.mu.Unlock()

	conn, err := d.dial("tcp", key, d.dialTimeout)
	reachable = err == nil
	if conn != nil {
		conn.Close()
	}

	// Reverse DNS is best effort and only interesting for sources we
	// will report on.
	if !reachable {
		reverseDNS = d.reverseLookup(ctx, ip)
	}

	d.mu.Lock()
	d.cache[key] = probeResult{
		reachable:  reachable,
		reverseDNS: reverseDNS,
		expires:    d.nowFunc().Add(d.ttl),
	}
	d.mu.Unlock()
	return reachable, reverseDNS
}

func (d *Detector) reverseLookup(ctx context.Context, ip string) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	names, err := d.lookup(ctx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// Severity classifies an unreachable source. Root access from outside
// our reach is the worst case; failed-only probing is the mildest.
func Severity(username string, hasAccepted bool, ip string) string {
	if !hasAccepted {
		return SeverityLow
	}
	if username == "root" {
		return SeverityCritical
	}
	if isPrivateIP(ip) {
		return SeverityMedium
	}
	return SeverityHigh
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}
