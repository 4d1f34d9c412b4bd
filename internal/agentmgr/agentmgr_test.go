package agentmgr

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jsherman999/keyspider/internal/store"
	"github.com/jsherman999/keyspider/internal/token"
)

type fakeStore struct {
	server    *store.Server
	tokenHash string
	prefer    bool
}

func (f *fakeStore) ServerByID(ctx context.Context, id int64) (*store.Server, error) {
	if f.server == nil || f.server.ID != id {
		return nil, store.ErrNotFound
	}
	return f.server, nil
}

func (f *fakeStore) SetAgentToken(ctx context.Context, id int64, hash string) error {
	f.tokenHash = hash
	return nil
}

func (f *fakeStore) SetPreferAgent(ctx context.Context, id int64, prefer bool) error {
	f.prefer = prefer
	return nil
}

func TestIssueToken(t *testing.T) {
	st := &fakeStore{server: &store.Server{ID: 5}}
	m := New(st, nil, Config{})

	plaintext, err := m.IssueToken(context.Background(), 5)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if plaintext == "" {
		t.Fatal("empty token")
	}
	if st.tokenHash == plaintext {
		t.Fatal("plaintext stored instead of hash")
	}
	if st.tokenHash != token.Hash(plaintext) {
		t.Fatal("stored hash does not match the issued token")
	}

	// Reissuing replaces the hash.
	first := st.tokenHash
	if _, err := m.IssueToken(context.Background(), 5); err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if st.tokenHash == first {
		t.Fatal("reissue kept the old hash")
	}
}

func TestIssueTokenUnknownServer(t *testing.T) {
	m := New(&fakeStore{}, nil, Config{})
	if _, err := m.IssueToken(context.Background(), 9); err == nil {
		t.Fatal("unknown server accepted")
	}
}

func TestCheckHealth(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{server: &store.Server{
		ID:              5,
		AgentVersion:    "1.4.0",
		LastHeartbeatAt: now.Add(-time.Minute),
	}}
	m := New(st, nil, Config{})
	m.now = func() time.Time { return now }

	h, err := m.CheckHealth(context.Background(), 5)
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if !h.Healthy || h.AgentVersion != "1.4.0" {
		t.Errorf("health = %+v, want healthy 1.4.0", h)
	}

	st.server.LastHeartbeatAt = now.Add(-10 * time.Minute)
	if h, _ := m.CheckHealth(context.Background(), 5); h.Healthy {
		t.Error("stale heartbeat reported healthy")
	}

	st.server.LastHeartbeatAt = time.Time{}
	if h, _ := m.CheckHealth(context.Background(), 5); h.Healthy {
		t.Error("never-heartbeated agent reported healthy")
	}
}

func TestUnitFile(t *testing.T) {
	u := unitFile()
	for _, want := range []string{remoteBinary, remoteConfig, "Restart=always", "WantedBy=multi-user.target"} {
		if !strings.Contains(u, want) {
			t.Errorf("unit file missing %q", want)
		}
	}
}
