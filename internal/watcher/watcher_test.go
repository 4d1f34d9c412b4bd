package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jsherman999/keyspider/internal/store"
)

func TestHubFanout(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelA()
	defer cancelB()

	h.Publish(Event{SessionID: "s1"})
	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.SessionID != "s1" {
				t.Errorf("%s got session %q", name, ev.SessionID)
			}
		default:
			t.Errorf("%s received nothing", name)
		}
	}
}

func TestHubDropsOldestWhenFull(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+3; i++ {
		h.Publish(Event{SessionID: "s", Hostname: hostN(i)})
	}

	// The three oldest were dropped; delivery starts at index 3.
	first := <-ch
	if first.Hostname != hostN(3) {
		t.Errorf("first delivered = %s, want %s", first.Hostname, hostN(3))
	}
	n := 1
	for {
		select {
		case <-ch:
			n++
			continue
		default:
		}
		break
	}
	if n != subscriberBuffer {
		t.Errorf("delivered %d events, want %d", n, subscriberBuffer)
	}
}

func hostN(i int) string {
	return string(rune('a'+i%26)) + "-host"
}

func TestHubCloseClosesSubscribers(t *testing.T) {
	h := NewHub()
	ch, _ := h.Subscribe()
	h.Close()
	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}
	// Subscribing after close yields a closed channel.
	late, cancel := h.Subscribe()
	defer cancel()
	if _, ok := <-late; ok {
		t.Error("post-close subscription channel open")
	}
	h.Publish(Event{}) // must not panic
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel open after unsubscribe")
	}
	cancel() // idempotent
}

type fakeStream struct {
	ch      chan string
	stopped bool
}

func (f *fakeStream) Lines() <-chan string { return f.ch }
func (f *fakeStream) Err() error           { return nil }
func (f *fakeStream) Stop()                { f.stopped = true }

type fakeSessionStore struct {
	mu      sync.Mutex
	batches []store.ScanBatch
	bumped  int
	status  map[string]string
	fail    bool
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{status: make(map[string]string)}
}

func (f *fakeSessionStore) ApplyScan(ctx context.Context, serverID int64, b *store.ScanBatch) (store.ScanStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return store.ScanStats{}, errors.New("db down")
	}
	f.batches = append(f.batches, *b)
	return store.ScanStats{EventsInserted: len(b.Events), SudoInserted: len(b.SudoEvents)}, nil
}

func (f *fakeSessionStore) BumpSessionEvents(ctx context.Context, id string, n int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bumped += n
	return nil
}

func (f *fakeSessionStore) SetSessionStatus(ctx context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = status
	return nil
}

func (f *fakeSessionStore) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b.Events) + len(b.SudoEvents)
	}
	return n
}

const acceptedLine = "Feb  5 13:04:01 webprod-03 sshd[2841]: Accepted publickey for deploy from 10.1.2.3 port 55123 ssh2: ED25519 SHA256:GbJlTLeQgZhvGoklWGXHo0AinGgGEcldllgYExoSy+s"
const sudoLine = "Feb  3 09:15:22 webprod-03 sudo: alice : TTY=pts/0 ; PWD=/home/alice ; USER=root ; COMMAND=/usr/bin/less /var/log/secure"

func testSession(st SessionStore, stream *fakeStream) (*Session, *Hub) {
	hub := NewHub()
	srv := &store.Server{ID: 7, Hostname: "webprod-03", IPAddress: "10.0.0.7"}
	connect := func(ctx context.Context) (*connection, error) {
		return &connection{stream: stream, osType: store.OSLinux, cleanup: func() {}}, nil
	}
	s := newSession("sess-1", srv, st, hub, connect)
	s.flushEvery = 10 * time.Millisecond
	return s, hub
}

func TestSessionCapturesAndFlushes(t *testing.T) {
	st := newFakeSessionStore()
	stream := &fakeStream{ch: make(chan string, 8)}
	s, hub := testSession(st, stream)

	sub, cancelSub := hub.Subscribe()
	defer cancelSub()

	var mu sync.Mutex
	var spidered []string
	s.onAccepted = func(ip string) {
		mu.Lock()
		spidered = append(spidered, ip)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.run(ctx)

	stream.ch <- acceptedLine
	stream.ch <- sudoLine

	var access, sudo bool
	deadline := time.After(2 * time.Second)
	for !(access && sudo) {
		select {
		case ev := <-sub:
			if ev.Access != nil {
				access = true
				if ev.Access.Username != "deploy" || ev.Access.SourceIP != "10.1.2.3" {
					t.Errorf("access event = %+v", ev.Access)
				}
			}
			if ev.Sudo != nil {
				sudo = true
				if ev.Sudo.Command != "/usr/bin/less /var/log/secure" {
					t.Errorf("sudo event = %+v", ev.Sudo)
				}
			}
		case <-deadline:
			t.Fatal("fanout timed out")
		}
	}

	waitFor(t, "flush", func() bool { return st.eventCount() == 2 })
	mu.Lock()
	if len(spidered) != 1 || spidered[0] != "10.1.2.3" {
		t.Errorf("auto-spider hook fired for %v, want [10.1.2.3]", spidered)
	}
	mu.Unlock()

	cancel()
}

func TestSessionPauseDropsLines(t *testing.T) {
	st := newFakeSessionStore()
	stream := &fakeStream{ch: make(chan string, 8)}
	s, _ := testSession(st, stream)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.run(ctx)

	s.Pause()
	stream.ch <- acceptedLine
	time.Sleep(50 * time.Millisecond)
	if st.eventCount() != 0 {
		t.Fatalf("paused session persisted %d events", st.eventCount())
	}

	s.Resume()
	stream.ch <- acceptedLine
	waitFor(t, "resume capture", func() bool { return st.eventCount() == 1 })
}

func TestSessionRetainsBatchOnFlushFailure(t *testing.T) {
	st := newFakeSessionStore()
	st.fail = true
	stream := &fakeStream{ch: make(chan string, 8)}
	s, _ := testSession(st, stream)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.run(ctx)

	stream.ch <- acceptedLine
	time.Sleep(50 * time.Millisecond)
	if st.eventCount() != 0 {
		t.Fatal("failed flush recorded events")
	}

	st.mu.Lock()
	st.fail = false
	st.mu.Unlock()
	waitFor(t, "retry flush", func() bool { return st.eventCount() == 1 })
}

func TestSessionReconnects(t *testing.T) {
	st := newFakeSessionStore()
	hub := NewHub()
	srv := &store.Server{ID: 7, IPAddress: "10.0.0.7"}

	var mu sync.Mutex
	attempts := 0
	connect := func(ctx context.Context) (*connection, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("connection refused")
		}
		ch := make(chan string)
		close(ch) // tail ends immediately, forcing another cycle
		return &connection{stream: &fakeStream{ch: ch}, osType: store.OSLinux, cleanup: func() {}}, nil
	}

	s := newSession("sess-2", srv, st, hub, connect)
	s.reconnectBase = time.Millisecond
	s.reconnectMax = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.run(ctx)

	waitFor(t, "reconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 3
	})
}

func TestSessionBacksOffWhenStreamDiesYoung(t *testing.T) {
	st := newFakeSessionStore()
	hub := NewHub()
	srv := &store.Server{ID: 7, IPAddress: "10.0.0.7"}

	var mu sync.Mutex
	connects := 0
	connect := func(ctx context.Context) (*connection, error) {
		mu.Lock()
		connects++
		mu.Unlock()
		ch := make(chan string)
		close(ch) // remote tail dies on startup, every time
		return &connection{stream: &fakeStream{ch: ch}, osType: store.OSLinux, cleanup: func() {}}, nil
	}

	s := newSession("sess-3", srv, st, hub, connect)
	s.reconnectBase = 20 * time.Millisecond
	s.reconnectMax = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go s.run(ctx)
	time.Sleep(300 * time.Millisecond)
	cancel()

	mu.Lock()
	n := connects
	mu.Unlock()
	if n < 2 {
		t.Fatalf("session never reconnected (connects = %d)", n)
	}
	// Without a delay between attempts this loop reconnects tens of
	// thousands of times in 300ms.
	if n > 50 {
		t.Errorf("reconnected %d times in 300ms; no backoff between attempts", n)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
