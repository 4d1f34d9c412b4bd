// Package sshpool maintains a bounded pool of authenticated SSH
// connections. Leases are capped per server and globally, callers over
// the cap wait in FIFO order, idle sessions are probed before reuse, and
// dials retry with full-jitter backoff. Authentication failures never
// retry.
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Failure modes callers branch on with errors.Is.
var (
	ErrConnectFailed = errors.New("ssh connect failed")
	ErrAuthFailed    = errors.New("ssh authentication failed")
	ErrPoolExhausted = errors.New("connection pool exhausted")
	ErrTimeout       = errors.New("timed out waiting for connection")
	ErrClosed        = errors.New("pool closed")
)

// Config bounds the pool. Zero values take the defaults below.
type Config struct {
	MaxTotal       int           // pooled connections across all servers (50)
	MaxPerServer   int           // pooled connections per host:port (3)
	ConnectTimeout time.Duration // TCP dial + SSH handshake budget (10s)
	CommandTimeout time.Duration // default budget for remote commands (30s)
	AcquireWait    time.Duration // max FIFO wait; negative fails fast (60s)
	DialAttempts   int           // dial retries before ConnectFailed (3)
	IdleTTL        time.Duration // idle connections older than this are closed (5m)
	KnownHostsPath string        // TOFU host key store; empty accepts without recording
}

func (c Config) withDefaults() Config {
	if c.MaxTotal <= 0 {
		c.MaxTotal = 50
	}
	if c.MaxPerServer <= 0 {
		c.MaxPerServer = 3
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.AcquireWait == 0 {
		c.AcquireWait = 60 * time.Second
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = 3
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	return c
}

// Target identifies one SSH endpoint and how to authenticate to it.
type Target struct {
	Host string
	Port int // 0 means 22
	User string
	Auth []ssh.AuthMethod
}

func (t Target) withDefaults() Target {
	if t.Port == 0 {
		t.Port = 22
	}
	return t
}

// Addr returns the canonical host:port key for the target.
func (t Target) Addr() string {
	p := t.Port
	if p == 0 {
		p = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(p))
}

// remote is the transport surface the pool manages. The production
// implementation wraps *ssh.Client; tests substitute fakes.
type remote interface {
	Keepalive() error
	Close() error
	SSH() *ssh.Client
	SFTP() (*sftp.Client, error)
}

type dialFn func(ctx context.Context, t Target, cfg Config) (remote, error)

type conn struct {
	key      string
	r        remote // nil while a reserved slot is being dialed
	leased   bool
	lastUsed time.Time
	leaseID  string
}

type waiter struct {
	ch   chan struct{}
	gone bool
}

// globalQueue is the waiter scope for callers blocked on the global cap.
const globalQueue = ""

// Pool is safe for concurrent use.
type Pool struct {
	cfg  Config
	dial dialFn
	now  func() time.Time

	mu      sync.Mutex
	closed  bool
	total   int
	conns   map[string][]*conn
	waiters map[string][]*waiter
}

// New builds a pool that dials real SSH connections.
func New(cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	hostKeys, err := hostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("known_hosts %s: %w", cfg.KnownHostsPath, err)
	}
	return newPool(cfg, func(ctx context.Context, t Target, c Config) (remote, error) {
		return dialSSH(ctx, t, c, hostKeys)
	}), nil
}

func newPool(cfg Config, dial dialFn) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		dial:    dial,
		now:     time.Now,
		conns:   make(map[string][]*conn),
		waiters: make(map[string][]*waiter),
	}
}

// Lease is one checked-out connection. Release or Discard exactly once;
// the ID makes the checkout unambiguous in logs.
type Lease struct {
	ID     string
	Target Target

	p *Pool
	c *conn

	mu   sync.Mutex
	done bool
}

// Client returns the underlying SSH client.
func (l *Lease) Client() *ssh.Client { return l.c.r.SSH() }

// SFTP returns the connection's SFTP subsystem, opening it on first use.
func (l *Lease) SFTP() (*sftp.Client, error) { return l.c.r.SFTP() }

// CommandTimeout is the pool's default budget for remote commands.
func (l *Lease) CommandTimeout() time.Duration { return l.p.cfg.CommandTimeout }

// Release returns the connection to the pool for reuse.
func (l *Lease) Release() { l.finish(false) }

// Discard closes the connection instead of pooling it. Callers use it
// after transport errors so the next lease starts from a fresh dial.
func (l *Lease) Discard() { l.finish(true) }

func (l *Lease) finish(discard bool) {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	l.done = true
	l.mu.Unlock()
	l.p.release(l.c, discard)
}

// Acquire leases a connection to the target, dialing if the caps allow
// and waiting FIFO otherwise. The wait is bounded by AcquireWait and by
// ctx, whichever ends first.
func (p *Pool) Acquire(ctx context.Context, t Target) (*Lease, error) {
	t = t.withDefaults()
	key := t.Addr()

	if p.cfg.AcquireWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireWait)
		defer cancel()
	}

	for {
		c, victims, w, err := p.plan(key)
		for _, v := range victims {
			v.Close()
		}
		if err != nil {
			return nil, err
		}

		switch {
		case c != nil && c.r != nil:
			// Reuse: probe outside the lock so a dead remote stalls
			// only this caller.
			if kerr := c.r.Keepalive(); kerr != nil {
				log.Printf("[sshpool] %s: keepalive failed, redialing: %v", key, kerr)
				p.drop(c)
				continue
			}
			return p.newLease(t, c), nil

		case c != nil:
			r, derr := p.dialRetry(ctx, t)
			if derr != nil {
				p.drop(c)
				return nil, derr
			}
			p.mu.Lock()
			c.r = r
			p.mu.Unlock()
			return p.newLease(t, c), nil

		default:
			// Woken waiters re-compete under the lock, so a fresh
			// caller can occasionally barge ahead; order within the
			// queue itself is FIFO.
			if werr := p.waitTurn(ctx, key, w); werr != nil {
				return nil, werr
			}
		}
	}
}

// plan decides under the lock what this caller does next: reuse an idle
// conn, dial into a reserved slot, or join a wait queue. TTL-expired and
// evicted idle remotes come back as victims for the caller to close.
func (p *Pool) plan(key string) (c *conn, victims []remote, w *waiter, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, nil, ErrClosed
	}

	victims = p.expireLocked()

	if c := p.takeIdleLocked(key); c != nil {
		return c, victims, nil, nil
	}

	if p.countLocked(key) < p.cfg.MaxPerServer {
		if p.total >= p.cfg.MaxTotal {
			if v := p.evictOldestIdleLocked(); v != nil {
				victims = append(victims, v)
			}
		}
		if p.total < p.cfg.MaxTotal {
			c := &conn{key: key, leased: true}
			p.conns[key] = append(p.conns[key], c)
			p.total++
			return c, victims, nil, nil
		}
		if p.cfg.AcquireWait < 0 {
			return nil, victims, nil, fmt.Errorf("acquire %s: %w", key, ErrPoolExhausted)
		}
		return nil, victims, p.enqueueLocked(globalQueue), nil
	}

	if p.cfg.AcquireWait < 0 {
		return nil, victims, nil, fmt.Errorf("acquire %s: %w", key, ErrPoolExhausted)
	}
	return nil, victims, p.enqueueLocked(key), nil
}

// takeIdleLocked claims the most recently used idle connection for key.
func (p *Pool) takeIdleLocked(key string) *conn {
	var best *conn
	for _, c := range p.conns[key] {
		if c.leased || c.r == nil {
			continue
		}
		if best == nil || c.lastUsed.After(best.lastUsed) {
			best = c
		}
	}
	if best != nil {
		best.leased = true
	}
	return best
}

func (p *Pool) countLocked(key string) int {
	return len(p.conns[key])
}

// expireLocked removes idle connections past the TTL.
func (p *Pool) expireLocked() []remote {
	var victims []remote
	cutoff := p.now().Add(-p.cfg.IdleTTL)
	for key, list := range p.conns {
		kept := list[:0]
		for _, c := range list {
			if !c.leased && c.r != nil && c.lastUsed.Before(cutoff) {
				victims = append(victims, c.r)
				p.total--
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(p.conns, key)
		} else {
			p.conns[key] = kept
		}
	}
	return victims
}

// evictOldestIdleLocked frees one global slot by closing the least
// recently used idle connection, if any exists.
func (p *Pool) evictOldestIdleLocked() remote {
	var oldest *conn
	for _, list := range p.conns {
		for _, c := range list {
			if c.leased || c.r == nil {
				continue
			}
			if oldest == nil || c.lastUsed.Before(oldest.lastUsed) {
				oldest = c
			}
		}
	}
	if oldest == nil {
		return nil
	}
	r := oldest.r
	p.removeLocked(oldest)
	return r
}

func (p *Pool) removeLocked(c *conn) bool {
	list := p.conns[c.key]
	for i, other := range list {
		if other == c {
			p.conns[c.key] = append(list[:i], list[i+1:]...)
			if len(p.conns[c.key]) == 0 {
				delete(p.conns, c.key)
			}
			p.total--
			return true
		}
	}
	return false
}

func (p *Pool) enqueueLocked(scope string) *waiter {
	w := &waiter{ch: make(chan struct{})}
	p.waiters[scope] = append(p.waiters[scope], w)
	return w
}

// signalLocked wakes the first live waiter for key, falling back to the
// global queue when key has none.
func (p *Pool) signalLocked(key string) {
	for _, scope := range []string{key, globalQueue} {
		q := p.waiters[scope]
		for len(q) > 0 {
			w := q[0]
			q = q[1:]
			if w.gone {
				continue
			}
			p.waiters[scope] = q
			close(w.ch)
			return
		}
		p.waiters[scope] = q
	}
}

func (p *Pool) waitTurn(ctx context.Context, key string, w *waiter) error {
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case <-w.ch:
			// A wake raced the timeout; pass it to the next waiter.
			p.signalLocked(key)
		default:
			w.gone = true
		}
		p.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("acquire %s: %w", key, ErrTimeout)
		}
		return fmt.Errorf("acquire %s: %w", key, ctx.Err())
	}
}

func (p *Pool) newLease(t Target, c *conn) *Lease {
	id := uuid.NewString()
	p.mu.Lock()
	c.leaseID = id
	p.mu.Unlock()
	return &Lease{ID: id, Target: t, p: p, c: c}
}

func (p *Pool) release(c *conn, discard bool) {
	var toClose remote
	p.mu.Lock()
	if discard || p.closed {
		if p.removeLocked(c) {
			toClose = c.r
		}
	} else {
		c.leased = false
		c.leaseID = ""
		c.lastUsed = p.now()
	}
	p.signalLocked(c.key)
	p.mu.Unlock()
	if toClose != nil {
		toClose.Close()
	}
}

// drop removes a conn whose dial or probe failed and frees its slot.
func (p *Pool) drop(c *conn) {
	p.mu.Lock()
	removed := p.removeLocked(c)
	p.signalLocked(c.key)
	p.mu.Unlock()
	if removed && c.r != nil {
		c.r.Close()
	}
}

func (p *Pool) dialRetry(ctx context.Context, t Target) (remote, error) {
	addr := t.Addr()
	var lastErr error
	for attempt := 0; attempt < p.cfg.DialAttempts; attempt++ {
		if attempt > 0 {
			delay := Backoff(attempt-1, time.Second, 30*time.Second)
			log.Printf("[sshpool] %s: retrying dial %d/%d in %s: %v",
				addr, attempt+1, p.cfg.DialAttempts, delay.Round(time.Millisecond), lastErr)
			select {
			case <-ctx.Done():
				return nil, acquireErr(addr, ctx.Err())
			case <-time.After(delay):
			}
		}
		r, err := p.dial(ctx, t, p.cfg)
		if err == nil {
			return r, nil
		}
		lastErr = err
		if IsAuthError(err) {
			return nil, fmt.Errorf("%s: %w: %v", addr, ErrAuthFailed, err)
		}
		if ctx.Err() != nil {
			return nil, acquireErr(addr, ctx.Err())
		}
	}
	return nil, fmt.Errorf("%s after %d attempts: %w: %v",
		addr, p.cfg.DialAttempts, ErrConnectFailed, lastErr)
}

func acquireErr(addr string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("acquire %s: %w", addr, ErrTimeout)
	}
	return fmt.Errorf("acquire %s: %w", addr, err)
}

// CloseAll closes every connection, including leased ones, and fails all
// waiting and future acquisitions.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	p.closed = true
	var remotes []remote
	for _, list := range p.conns {
		for _, c := range list {
			if c.r != nil {
				remotes = append(remotes, c.r)
			}
		}
	}
	p.conns = make(map[string][]*conn)
	p.total = 0
	for _, q := range p.waiters {
		for _, w := range q {
			if !w.gone {
				close(w.ch)
			}
		}
	}
	p.waiters = make(map[string][]*waiter)
	p.mu.Unlock()

	for _, r := range remotes {
		r.Close()
	}
}

// Prune closes idle connections past the TTL and reports how many.
func (p *Pool) Prune() int {
	p.mu.Lock()
	victims := p.expireLocked()
	p.mu.Unlock()
	for _, r := range victims {
		r.Close()
	}
	return len(victims)
}

// Stats is a point-in-time snapshot for progress reporting.
type Stats struct {
	Open    int
	Leased  int
	Waiting int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Open: p.total}
	for _, list := range p.conns {
		for _, c := range list {
			if c.leased {
				s.Leased++
			}
		}
	}
	for _, q := range p.waiters {
		for _, w := range q {
			if !w.gone {
				s.Waiting++
			}
		}
	}
	return s
}

// Backoff returns a full-jitter delay for 0-based attempt n: uniform in
// [0, min(max, base<<n)].
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base << uint(n)
	if d <= 0 || d > max {
		d = max
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

// IsAuthError reports whether err is an SSH authentication failure, which
// must never be retried.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthFailed) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "unable to authenticate") ||
		strings.Contains(s, "no supported methods remain") ||
		strings.Contains(s, "permission denied")
}
