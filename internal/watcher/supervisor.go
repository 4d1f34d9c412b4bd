package watcher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jsherman999/keyspider/internal/logparse"
	"github.com/jsherman999/keyspider/internal/remotecmd"
	"github.com/jsherman999/keyspider/internal/sshpool"
	"github.com/jsherman999/keyspider/internal/store"
)

// Store is the persistence surface the supervisor needs.
type Store interface {
	SessionStore
	CreateSession(ctx context.Context, serverID int64, autoSpider bool, spiderDepth int) (*store.WatchSession, error)
	SessionByID(ctx context.Context, id string) (*store.WatchSession, error)
	ActiveSessions(ctx context.Context) ([]store.WatchSession, error)
	ServerByID(ctx context.Context, id int64) (*store.Server, error)
}

// SpiderFunc is the auto-spider hook: crawl from the given seed to the
// given depth. Runs on the supervisor's goroutine budget, not the
// session's.
type SpiderFunc func(seed string, depth int)

// Config tunes the supervisor's tail connections.
type Config struct {
	SSHUser           string
	Auth              []ssh.AuthMethod
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Supervisor owns all live watch sessions and the fanout hub. One
// active session per server; the store's partial unique index backs
// that up across processes.
type Supervisor struct {
	st     Store
	pool   *sshpool.Pool
	hub    *Hub
	cfg    Config
	spider SpiderFunc

	connectFor func(srv *store.Server) connectFn

	mu       sync.Mutex
	sessions map[string]*Session
	cancels  map[string]context.CancelFunc
}

// NewSupervisor builds a supervisor over a connection pool and store.
func NewSupervisor(st Store, pool *sshpool.Pool, spider SpiderFunc, cfg Config) *Supervisor {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	w := &Supervisor{
		st:       st,
		pool:     pool,
		hub:      NewHub(),
		cfg:      cfg,
		spider:   spider,
		sessions: make(map[string]*Session),
		cancels:  make(map[string]context.CancelFunc),
	}
	w.connectFor = w.tailConnector
	return w
}

// Hub exposes the fanout hub for subscribers.
func (w *Supervisor) Hub() *Hub { return w.hub }

// Start creates and launches a watch session for a server. A second
// active session on the same server fails with store.ErrSessionActive.
func (w *Supervisor) Start(ctx context.Context, serverID int64, autoSpider bool, spiderDepth int) (*store.WatchSession, error) {
	srv, err := w.st.ServerByID(ctx, serverID)
	if err != nil {
		return nil, err
	}
	ws, err := w.st.CreateSession(ctx, serverID, autoSpider, spiderDepth)
	if err != nil {
		return nil, err
	}
	w.launch(ws, srv)
	return ws, nil
}

// ResumeAll relaunches the sessions that were live when the daemon last
// stopped.
func (w *Supervisor) ResumeAll(ctx context.Context) error {
	sessions, err := w.st.ActiveSessions(ctx)
	if err != nil {
		return err
	}
	for i := range sessions {
		ws := &sessions[i]
		srv, err := w.st.ServerByID(ctx, ws.ServerID)
		if err != nil {
			log.Printf("[watcher] resume session %s: server %d: %v", ws.ID, ws.ServerID, err)
			continue
		}
		w.launch(ws, srv)
		log.Printf("[watcher] resumed session %s on %s", ws.ID, srv.IPAddress)
	}
	return nil
}

func (w *Supervisor) launch(ws *store.WatchSession, srv *store.Server) {
	s := newSession(ws.ID, srv, w.st, w.hub, w.connectFor(srv))
	s.reconnectBase = w.cfg.ReconnectDelay
	s.reconnectMax = w.cfg.MaxReconnectDelay
	if ws.Status == store.SessionPaused {
		s.Pause()
	}
	if ws.AutoSpider && w.spider != nil {
		depth := ws.SpiderDepth
		s.onAccepted = func(ip string) {
			log.Printf("[watcher] session %s: new source %s, auto-spidering depth %d", ws.ID, ip, depth)
			go w.spider(ip, depth)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.sessions[ws.ID] = s
	w.cancels[ws.ID] = cancel
	w.mu.Unlock()

	go s.run(ctx)
}

func (w *Supervisor) get(id string) (*Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no live session %s", id)
	}
	return s, nil
}

// Pause suspends capture without dropping the connection.
func (w *Supervisor) Pause(ctx context.Context, id string) error {
	s, err := w.get(id)
	if err != nil {
		return err
	}
	s.Pause()
	return w.st.SetSessionStatus(ctx, id, store.SessionPaused)
}

// Resume continues a paused session.
func (w *Supervisor) Resume(ctx context.Context, id string) error {
	s, err := w.get(id)
	if err != nil {
		return err
	}
	s.Resume()
	return w.st.SetSessionStatus(ctx, id, store.SessionActive)
}

// Stop ends a session for good.
func (w *Supervisor) Stop(ctx context.Context, id string) error {
	w.mu.Lock()
	s, ok := w.sessions[id]
	cancel := w.cancels[id]
	delete(w.sessions, id)
	delete(w.cancels, id)
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("no live session %s", id)
	}
	cancel()
	<-s.done
	return w.st.SetSessionStatus(ctx, id, store.SessionStopped)
}

// Shutdown cancels every session without marking them stopped, so they
// resume on the next daemon start. Blocks until the tails drain.
func (w *Supervisor) Shutdown() {
	w.mu.Lock()
	var done []chan struct{}
	for id, cancel := range w.cancels {
		cancel()
		done = append(done, w.sessions[id].done)
		delete(w.sessions, id)
		delete(w.cancels, id)
	}
	w.mu.Unlock()
	for _, d := range done {
		<-d
	}
	w.hub.Close()
}

// tailConnector builds the production tail: journald on Linux, tail -F
// on the first auth log otherwise. journalctl and tail both follow
// rotation themselves, so a rotated file never strands the session.
func (w *Supervisor) tailConnector(srv *store.Server) connectFn {
	return func(ctx context.Context) (*connection, error) {
		lease, err := w.pool.Acquire(ctx, sshpool.Target{
			Host: srv.IPAddress,
			Port: srv.SSHPort,
			User: w.cfg.SSHUser,
			Auth: w.cfg.Auth,
		})
		if err != nil {
			return nil, err
		}

		uname, err := remotecmd.Uname(ctx, lease)
		if err != nil {
			lease.Discard()
			return nil, fmt.Errorf("uname: %w", err)
		}
		osType := remotecmd.DetectOS(uname)

		var stream *remotecmd.Stream
		journald := false
		if osType == store.OSLinux {
			stream, err = remotecmd.FollowJournal(ctx, lease)
			if err == nil {
				journald = true
			} else if !remotecmd.IsCommandNotFound(err) {
				lease.Release()
				return nil, fmt.Errorf("follow journal: %w", err)
			}
		}
		if stream == nil {
			paths := logparse.DefaultLogPaths(osType)
			stream, err = remotecmd.FollowFile(ctx, lease, paths[0], osType)
			if err != nil {
				lease.Release()
				return nil, fmt.Errorf("follow %s: %w", paths[0], err)
			}
		}

		return &connection{
			stream:   stream,
			journald: journald,
			osType:   osType,
			cleanup: func() {
				stream.Stop()
				lease.Release()
			},
		}, nil
	}
}
