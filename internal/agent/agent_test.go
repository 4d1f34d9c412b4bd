package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jsherman999/keyspider/internal/agentrecv"
)

func testState(t *testing.T) *State {
	t.Helper()
	st, err := OpenState(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenState: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

const logLine1 = "Feb  5 13:04:01 web01 sshd[2841]: Accepted publickey for deploy from 10.1.2.3 port 55123 ssh2: ED25519 SHA256:GbJlTLeQgZhvGoklWGXHo0AinGgGEcldllgYExoSy+s\n"
const logLine2 = "Feb  5 13:05:00 web01 sshd[2842]: Failed password for root from 203.0.113.9 port 40000 ssh2\n"

func TestTailerResumesFromOffset(t *testing.T) {
	st := testState(t)
	logPath := filepath.Join(t.TempDir(), "auth.log")
	if err := os.WriteFile(logPath, []byte(logLine1), 0o644); err != nil {
		t.Fatal(err)
	}

	tail := NewTailer(logPath, "linux", st)
	events, _, err := tail.Poll()
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if len(events) != 1 || events[0].Username != "deploy" {
		t.Fatalf("first poll events = %+v", events)
	}

	// Nothing new: no events, offset holds.
	events, _, err = tail.Poll()
	if err != nil || len(events) != 0 {
		t.Fatalf("idle poll: events=%d err=%v", len(events), err)
	}

	// Append and poll again: only the new line comes back.
	f, _ := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString(logLine2)
	f.Close()

	events, _, err = tail.Poll()
	if err != nil {
		t.Fatalf("append poll: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "failed" {
		t.Fatalf("append poll events = %+v", events)
	}
}

func TestTailerHandlesRotation(t *testing.T) {
	st := testState(t)
	logPath := filepath.Join(t.TempDir(), "auth.log")
	os.WriteFile(logPath, []byte(logLine1+logLine2), 0o644)

	tail := NewTailer(logPath, "linux", st)
	if _, _, err := tail.Poll(); err != nil {
		t.Fatal(err)
	}

	// Rotation: the file shrinks. The tail restarts from zero.
	os.WriteFile(logPath, []byte(logLine2), 0o644)
	events, _, err := tail.Poll()
	if err != nil {
		t.Fatalf("post-rotation poll: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "failed" {
		t.Fatalf("post-rotation events = %+v", events)
	}
}

func TestTailerLeavesPartialLine(t *testing.T) {
	st := testState(t)
	logPath := filepath.Join(t.TempDir(), "auth.log")
	partial := logLine1 + "Feb  5 13:06:00 web01 sshd[9]: Accepted"
	os.WriteFile(logPath, []byte(partial), 0o644)

	tail := NewTailer(logPath, "linux", st)
	events, _, err := tail.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want only the complete line", len(events))
	}

	// Completing the line yields it on the next poll.
	f, _ := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString(" publickey for ops from 10.0.0.9 port 1 ssh2: ED25519 SHA256:zzzz\n")
	f.Close()
	events, _, err = tail.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Username != "ops" {
		t.Fatalf("completed-line events = %+v", events)
	}
}

func TestTailerMissingFile(t *testing.T) {
	st := testState(t)
	tail := NewTailer(filepath.Join(t.TempDir(), "nope.log"), "linux", st)
	events, sudos, err := tail.Poll()
	if err != nil || events != nil || sudos != nil {
		t.Fatalf("missing file: events=%v sudos=%v err=%v", events, sudos, err)
	}
}

func TestStateSpool(t *testing.T) {
	st := testState(t)

	if err := st.Enqueue("/api/agent/events", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := st.Enqueue("/api/agent/events", []byte(`{"a":2}`)); err != nil {
		t.Fatal(err)
	}
	if st.SpoolCount() != 2 {
		t.Fatalf("count = %d", st.SpoolCount())
	}

	items, err := st.DequeueBatch(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || string(items[0].Payload) != `{"a":1}` {
		t.Fatalf("items = %+v, want oldest first", items)
	}

	if err := st.Delete([]int64{items[0].ID}); err != nil {
		t.Fatal(err)
	}
	if st.SpoolCount() != 1 {
		t.Fatalf("count after delete = %d", st.SpoolCount())
	}
}

type recvRecorder struct {
	mu     sync.Mutex
	paths  []string
	status int
}

func (r *recvRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.paths = append(r.paths, req.URL.Path)
		status := r.status
		r.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.Write([]byte(`{"accepted":1}`))
	}
}

func TestClientSpoolsOnServerError(t *testing.T) {
	rec := &recvRecorder{status: http.StatusBadGateway}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	st := testState(t)
	c := NewClient(&Config{ServerURL: srv.URL, Token: "tok"}, st)

	err := c.PushEvents(context.Background(), []agentrecv.EventPayload{
		{EventTime: time.Now(), EventType: "accepted", Username: "x"},
	})
	if err != nil {
		t.Fatalf("push should spool, not fail: %v", err)
	}
	if st.SpoolCount() != 1 {
		t.Fatalf("spool count = %d, want 1", st.SpoolCount())
	}

	// Receiver recovers; drain delivers the spooled push.
	rec.mu.Lock()
	rec.status = 0
	rec.mu.Unlock()
	if err := c.Drain(context.Background(), 10); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if st.SpoolCount() != 0 {
		t.Fatalf("spool count after drain = %d", st.SpoolCount())
	}
}

func TestClientDoesNotSpoolRejections(t *testing.T) {
	rec := &recvRecorder{status: http.StatusBadRequest}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	st := testState(t)
	c := NewClient(&Config{ServerURL: srv.URL, Token: "tok"}, st)

	err := c.PushEvents(context.Background(), []agentrecv.EventPayload{
		{EventType: "bogus"},
	})
	if err == nil {
		t.Fatal("rejected push returned nil")
	}
	if st.SpoolCount() != 0 {
		t.Fatalf("rejected push was spooled")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	os.WriteFile(path, []byte("server_url: https://ks.example.com\ntoken: abc\npoll_interval: 0\n"), 0o600)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ServerURL != "https://ks.example.com" {
		t.Errorf("server_url = %q", cfg.ServerURL)
	}
	if cfg.PollInterval != 1 {
		t.Errorf("poll_interval = %d, want clamped to 1", cfg.PollInterval)
	}
	if cfg.SpoolMaxAgeDays != 7 {
		t.Errorf("spool_max_age_days = %d, want default 7", cfg.SpoolMaxAgeDays)
	}

	os.WriteFile(path, []byte("token: abc\n"), 0o600)
	if _, err := LoadConfig(path); err == nil {
		t.Error("missing server_url accepted")
	}
}
