package sshpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type fakeRemote struct {
	mu         sync.Mutex
	keepErr    error
	keepalives int
	closed     bool
}

func (f *fakeRemote) Keepalive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepalives++
	return f.keepErr
}

func (f *fakeRemote) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRemote) SSH() *ssh.Client { return nil }

func (f *fakeRemote) SFTP() (*sftp.Client, error) { return nil, errors.New("fake remote") }

func (f *fakeRemote) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeRemote) setKeepErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepErr = err
}

type dialRecorder struct {
	mu      sync.Mutex
	calls   int
	err     error
	remotes []*fakeRemote
}

func (d *dialRecorder) dial(ctx context.Context, t Target, cfg Config) (remote, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	r := &fakeRemote{}
	d.remotes = append(d.remotes, r)
	return r, nil
}

func (d *dialRecorder) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	rec := &dialRecorder{}
	p := newPool(Config{}, rec.dial)
	target := Target{Host: "10.0.0.1", User: "ops"}

	l1, err := p.Acquire(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	if rec.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", rec.dialCount())
	}
	l1.Release()

	l2, err := p.Acquire(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Release()

	if rec.dialCount() != 1 {
		t.Errorf("dials = %d, want 1 (idle conn should be reused)", rec.dialCount())
	}
	if rec.remotes[0].keepalives != 1 {
		t.Errorf("keepalives = %d, want 1 (probe on reuse)", rec.remotes[0].keepalives)
	}
	if l1.ID == l2.ID {
		t.Error("lease IDs should be unique per checkout")
	}
}

func TestKeepaliveFailureForcesRedial(t *testing.T) {
	rec := &dialRecorder{}
	p := newPool(Config{}, rec.dial)
	target := Target{Host: "10.0.0.1", User: "ops"}

	l1, err := p.Acquire(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	l1.Release()
	rec.remotes[0].setKeepErr(errors.New("connection reset"))

	l2, err := p.Acquire(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Release()

	if rec.dialCount() != 2 {
		t.Errorf("dials = %d, want 2 (dead conn must be replaced)", rec.dialCount())
	}
	if !rec.remotes[0].isClosed() {
		t.Error("dead connection was not closed")
	}
}

func TestPerServerCapWaitsFIFO(t *testing.T) {
	rec := &dialRecorder{}
	p := newPool(Config{MaxPerServer: 1, AcquireWait: 5 * time.Second}, rec.dial)
	target := Target{Host: "10.0.0.1", User: "ops"}

	l1, err := p.Acquire(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}

	order := make(chan string, 2)
	var wg sync.WaitGroup
	start := func(name string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(context.Background(), target)
			if err != nil {
				t.Errorf("%s: %v", name, err)
				return
			}
			order <- name
			l.Release()
		}()
	}

	start("first")
	waitFor(t, "first waiter queued", func() bool { return p.Stats().Waiting == 1 })
	start("second")
	waitFor(t, "second waiter queued", func() bool { return p.Stats().Waiting == 2 })

	l1.Release()
	wg.Wait()
	close(order)

	var got []string
	for name := range order {
		got = append(got, name)
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("wake order = %v, want [first second]", got)
	}
	if rec.dialCount() != 1 {
		t.Errorf("dials = %d, want 1 (cap must be respected)", rec.dialCount())
	}
}

func TestGlobalCapEvictsIdle(t *testing.T) {
	rec := &dialRecorder{}
	p := newPool(Config{MaxTotal: 1, MaxPerServer: 1}, rec.dial)

	l1, err := p.Acquire(context.Background(), Target{Host: "10.0.0.1", User: "ops"})
	if err != nil {
		t.Fatal(err)
	}
	l1.Release()

	l2, err := p.Acquire(context.Background(), Target{Host: "10.0.0.2", User: "ops"})
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Release()

	if rec.dialCount() != 2 {
		t.Errorf("dials = %d, want 2", rec.dialCount())
	}
	if !rec.remotes[0].isClosed() {
		t.Error("idle connection should have been evicted for the new target")
	}
	if got := p.Stats().Open; got != 1 {
		t.Errorf("open = %d, want 1", got)
	}
}

func TestAuthFailureDoesNotRetry(t *testing.T) {
	rec := &dialRecorder{err: errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]")}
	p := newPool(Config{DialAttempts: 3}, rec.dial)

	_, err := p.Acquire(context.Background(), Target{Host: "10.0.0.1", User: "ops"})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if rec.dialCount() != 1 {
		t.Errorf("dials = %d, want 1 (auth failures must not retry)", rec.dialCount())
	}
	if got := p.Stats().Open; got != 0 {
		t.Errorf("open = %d, want 0 (reserved slot must be freed)", got)
	}
}

func TestConnectFailureRetries(t *testing.T) {
	rec := &dialRecorder{err: errors.New("dial tcp 10.0.0.1:22: connection refused")}
	p := newPool(Config{DialAttempts: 2}, rec.dial)

	_, err := p.Acquire(context.Background(), Target{Host: "10.0.0.1", User: "ops"})
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("err = %v, want ErrConnectFailed", err)
	}
	if rec.dialCount() != 2 {
		t.Errorf("dials = %d, want 2", rec.dialCount())
	}
}

func TestAcquireTimeout(t *testing.T) {
	rec := &dialRecorder{}
	p := newPool(Config{MaxPerServer: 1, AcquireWait: 30 * time.Millisecond}, rec.dial)
	target := Target{Host: "10.0.0.1", User: "ops"}

	l1, err := p.Acquire(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	defer l1.Release()

	_, err = p.Acquire(context.Background(), target)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestFailFastWhenExhausted(t *testing.T) {
	rec := &dialRecorder{}
	p := newPool(Config{MaxPerServer: 1, AcquireWait: -1}, rec.dial)
	target := Target{Host: "10.0.0.1", User: "ops"}

	l1, err := p.Acquire(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	defer l1.Release()

	_, err = p.Acquire(context.Background(), target)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
}

func TestCloseAll(t *testing.T) {
	rec := &dialRecorder{}
	p := newPool(Config{}, rec.dial)

	l, err := p.Acquire(context.Background(), Target{Host: "10.0.0.1", User: "ops"})
	if err != nil {
		t.Fatal(err)
	}

	p.CloseAll()
	if !rec.remotes[0].isClosed() {
		t.Error("CloseAll should close leased connections")
	}

	// Releasing a lease after shutdown is a no-op, not a panic.
	l.Release()

	if _, err := p.Acquire(context.Background(), Target{Host: "10.0.0.2", User: "ops"}); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestPruneClosesExpiredIdle(t *testing.T) {
	rec := &dialRecorder{}
	p := newPool(Config{IdleTTL: time.Minute}, rec.dial)

	now := time.Now()
	p.now = func() time.Time { return now }

	l, err := p.Acquire(context.Background(), Target{Host: "10.0.0.1", User: "ops"})
	if err != nil {
		t.Fatal(err)
	}
	l.Release()

	now = now.Add(2 * time.Minute)
	if n := p.Prune(); n != 1 {
		t.Fatalf("Prune = %d, want 1", n)
	}
	if !rec.remotes[0].isClosed() {
		t.Error("expired connection was not closed")
	}
	if got := p.Stats().Open; got != 0 {
		t.Errorf("open = %d, want 0", got)
	}
}

func TestBackoffBounds(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	for n := 0; n < 10; n++ {
		ceil := base << uint(n)
		if ceil <= 0 || ceil > max {
			ceil = max
		}
		for i := 0; i < 50; i++ {
			d := Backoff(n, base, max)
			if d < 0 || d > ceil {
				t.Fatalf("Backoff(%d) = %v, want within [0, %v]", n, d, ceil)
			}
		}
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]"), true},
		{errors.New("ssh: no supported methods remain"), true},
		{fmt.Errorf("wrap: %w", ErrAuthFailed), true},
		{errors.New("dial tcp: connection refused"), false},
		{errors.New("i/o timeout"), false},
	}
	for _, tt := range tests {
		if got := IsAuthError(tt.err); got != tt.want {
			t.Errorf("IsAuthError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestTargetAddr(t *testing.T) {
	if got := (Target{Host: "10.0.0.1"}).Addr(); got != "10.0.0.1:22" {
		t.Errorf("Addr = %q, want 10.0.0.1:22", got)
	}
	if got := (Target{Host: "2001:db8::1", Port: 2222}).Addr(); got != "[2001:db8::1]:2222" {
		t.Errorf("Addr = %q, want [2001:db8::1]:2222", got)
	}
}
