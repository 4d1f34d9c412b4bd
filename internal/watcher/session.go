package watcher

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jsherman999/keyspider/internal/logparse"
	"github.com/jsherman999/keyspider/internal/sshpool"
	"github.com/jsherman999/keyspider/internal/store"
)

// Reconnect backoff bounds.
const (
	DefaultReconnectDelay    = 5 * time.Second
	DefaultMaxReconnectDelay = 300 * time.Second
)

const defaultFlushInterval = 2 * time.Second

// A tail must hold this long before a later disconnect restarts the
// backoff ladder from the bottom.
const defaultStableConnAge = 60 * time.Second

// lineStream is the tail transport surface. remotecmd.Stream satisfies
// it; tests substitute fakes.
type lineStream interface {
	Lines() <-chan string
	Err() error
	Stop()
}

// connection is one established tail.
type connection struct {
	stream   lineStream
	journald bool   // lines are journalctl JSON export
	osType   string // seeds the parser
	cleanup  func() // releases the underlying lease
}

type connectFn func(ctx context.Context) (*connection, error)

// SessionStore is the slice of the store a session writes through.
type SessionStore interface {
	ApplyScan(ctx context.Context, serverID int64, b *store.ScanBatch) (store.ScanStats, error)
	BumpSessionEvents(ctx context.Context, id string, n int, at time.Time) error
	SetSessionStatus(ctx context.Context, id, status string) error
}

// Session is one live tail of one server.
type Session struct {
	id     string
	server *store.Server
	st     SessionStore
	hub    *Hub

	connect    connectFn
	onAccepted func(ip string) // auto-spider hook, nil when disabled

	reconnectBase time.Duration
	reconnectMax  time.Duration
	stableAfter   time.Duration
	flushEvery    time.Duration

	paused atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending store.ScanBatch
	npend   int
	lastAt  time.Time
	seenIPs map[string]bool
}

func newSession(id string, srv *store.Server, st SessionStore, hub *Hub, connect connectFn) *Session {
	return &Session{
		id:            id,
		server:        srv,
		st:            st,
		hub:           hub,
		connect:       connect,
		reconnectBase: DefaultReconnectDelay,
		reconnectMax:  DefaultMaxReconnectDelay,
		stableAfter:   defaultStableConnAge,
		flushEvery:    defaultFlushInterval,
		done:          make(chan struct{}),
		seenIPs:       make(map[string]bool),
	}
}

// Pause keeps the connection up but stops capturing.
func (s *Session) Pause() { s.paused.Store(true) }

// Resume continues capturing.
func (s *Session) Resume() { s.paused.Store(false) }

// run tails until the context is cancelled, reconnecting with full
// jitter between attempts. Failed connects and broken streams share the
// backoff ladder; only a tail that survived stableAfter resets it, so a
// remote tail dying on startup cannot spin the reconnect loop.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.connect(ctx)
		if err != nil {
			attempt++
			if !s.waitRetry(ctx, attempt, "connect failed", err) {
				return
			}
			continue
		}
		started := time.Now()
		s.consume(ctx, conn)
		conn.cleanup()
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= s.stableAfter {
			attempt = 0
		}
		attempt++
		if !s.waitRetry(ctx, attempt, "tail ended", conn.stream.Err()) {
			return
		}
	}
}

// waitRetry sleeps out one backoff delay, reporting false on
// cancellation.
func (s *Session) waitRetry(ctx context.Context, attempt int, what string, cause error) bool {
	delay := sshpool.Backoff(attempt, s.reconnectBase, s.reconnectMax)
	log.Printf("[watcher] %s: %s (attempt %d, retry in %s): %v",
		s.server.IPAddress, what, attempt, delay.Round(time.Millisecond), cause)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// consume drains one established tail until it breaks or the session
// stops. Parsed events buffer and flush on a short interval so a chatty
// server costs one transaction per tick, not per line.
func (s *Session) consume(ctx context.Context, conn *connection) {
	parser := logparse.NewParser(logparse.Options{
		OSType:        conn.osType,
		ReferenceTime: time.Now(),
		Watermark:     s.server.ScanWatermark,
		LogSource:     logparse.SourceSyslog,
	})
	parse := parser.ParseLine
	if conn.journald {
		parse = parser.ParseJournalLine
	}

	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()
	defer s.flushFinal()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx)
		case line, ok := <-conn.stream.Lines():
			if !ok {
				return
			}
			if s.paused.Load() {
				continue
			}
			ev, sudo := parse(line)
			if ev != nil {
				s.capture(ev, nil)
			}
			if sudo != nil {
				s.capture(nil, sudo)
			}
		}
	}
}

func (s *Session) capture(ev *logparse.Event, sudo *logparse.SudoEvent) {
	s.mu.Lock()
	out := Event{SessionID: s.id, ServerID: s.server.ID, Hostname: s.server.Hostname}
	var hook string
	switch {
	case ev != nil:
		ae := store.AccessEvent{
			TargetServerID: s.server.ID,
			SourceIP:       ev.SourceIP,
			Fingerprint:    ev.Fingerprint,
			Username:       ev.Username,
			AuthMethod:     ev.AuthMethod,
			EventType:      ev.EventType,
			EventTime:      ev.Time,
			RawLogLine:     ev.Raw,
			LogSource:      ev.LogSource,
		}
		s.pending.Events = append(s.pending.Events, ae)
		out.Access = &ae
		if ev.EventType == logparse.EventAccepted && ev.SourceIP != "" && !s.seenIPs[ev.SourceIP] {
			s.seenIPs[ev.SourceIP] = true
			hook = ev.SourceIP
		}
		if ev.Time.After(s.lastAt) {
			s.lastAt = ev.Time
		}
	case sudo != nil:
		se := store.SudoEvent{
			ServerID:   s.server.ID,
			Username:   sudo.Username,
			TargetUser: sudo.TargetUser,
			TTY:        sudo.TTY,
			WorkingDir: sudo.WorkingDir,
			Command:    sudo.Command,
			EventTime:  sudo.Time,
			RawLogLine: sudo.Raw,
			LogSource:  sudo.LogSource,
		}
		s.pending.SudoEvents = append(s.pending.SudoEvents, se)
		out.Sudo = &se
		if sudo.Time.After(s.lastAt) {
			s.lastAt = sudo.Time
		}
	}
	s.npend++
	s.mu.Unlock()

	s.hub.Publish(out)
	if hook != "" && s.onAccepted != nil {
		s.onAccepted(hook)
	}
}

// flushFinal drains whatever is pending when the tail ends, on a fresh
// context so cancellation does not discard captured events.
func (s *Session) flushFinal() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.flush(ctx)
}

// flush commits the pending batch. Errors keep the batch for the next
// tick so a database blip loses nothing.
func (s *Session) flush(ctx context.Context) {
	s.mu.Lock()
	if s.npend == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	n := s.npend
	at := s.lastAt
	s.pending = store.ScanBatch{}
	s.npend = 0
	s.mu.Unlock()

	batch.Watermark = at
	stats, err := s.st.ApplyScan(ctx, s.server.ID, &batch)
	if err != nil {
		log.Printf("[watcher] %s: flush %d events failed: %v", s.server.IPAddress, n, err)
		s.mu.Lock()
		s.pending.Events = append(batch.Events, s.pending.Events...)
		s.pending.SudoEvents = append(batch.SudoEvents, s.pending.SudoEvents...)
		s.npend += n
		s.mu.Unlock()
		return
	}
	captured := stats.EventsInserted + stats.SudoInserted
	if captured > 0 {
		if err := s.st.BumpSessionEvents(ctx, s.id, captured, at); err != nil {
			log.Printf("[watcher] session %s: bump counter: %v", s.id, err)
		}
	}
}
