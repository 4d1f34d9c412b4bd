// Package agentmgr issues agent credentials and deploys the agent onto
// servers over the existing SSH plumbing: binary and config go up over
// SFTP, then systemd starts the unit. The plaintext token exists only in
// the deploy path and the returned value; the store keeps its hash.
package agentmgr

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/jsherman999/keyspider/internal/remotecmd"
	"github.com/jsherman999/keyspider/internal/sshpool"
	"github.com/jsherman999/keyspider/internal/store"
	"github.com/jsherman999/keyspider/internal/token"
)

// Remote install locations.
const (
	remoteBinary = "/usr/local/bin/keyspider-agent"
	remoteConfig = "/etc/keyspider/agent.yaml"
	remoteUnit   = "/etc/systemd/system/keyspider-agent.service"
	unitName     = "keyspider-agent.service"
)

// DefaultHeartbeatMaxAge is how stale a heartbeat may be before the
// agent counts as unhealthy.
const DefaultHeartbeatMaxAge = 300 * time.Second

// Store is the persistence surface the manager needs.
type Store interface {
	ServerByID(ctx context.Context, id int64) (*store.Server, error)
	SetAgentToken(ctx context.Context, id int64, tokenHash string) error
	SetPreferAgent(ctx context.Context, id int64, prefer bool) error
}

// Config tunes deployments.
type Config struct {
	SSHUser         string
	Auth            []ssh.AuthMethod
	BinaryPath      string // local agent binary to upload
	ServerURL       string // receiver base URL baked into the agent config
	HeartbeatMaxAge time.Duration
}

// Manager issues tokens and deploys agents.
type Manager struct {
	st   Store
	pool *sshpool.Pool
	cfg  Config
	now  func() time.Time
}

// New builds a manager.
func New(st Store, pool *sshpool.Pool, cfg Config) *Manager {
	if cfg.HeartbeatMaxAge <= 0 {
		cfg.HeartbeatMaxAge = DefaultHeartbeatMaxAge
	}
	return &Manager{st: st, pool: pool, cfg: cfg, now: time.Now}
}

// IssueToken mints a fresh bearer token for a server, stores its hash,
// and returns the plaintext. The plaintext is shown once and never
// recoverable; issuing again invalidates the old token.
func (m *Manager) IssueToken(ctx context.Context, serverID int64) (string, error) {
	if _, err := m.st.ServerByID(ctx, serverID); err != nil {
		return "", err
	}
	plaintext, hash, err := token.New()
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	if err := m.st.SetAgentToken(ctx, serverID, hash); err != nil {
		return "", err
	}
	return plaintext, nil
}

// agentConfig is the YAML the deployed agent reads.
type agentConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	StatePath string `yaml:"state_path"`
}

// Deploy installs the agent on a server: fresh token, binary, config,
// systemd unit, enable --now, and prefer_agent so crawls defer to it.
func (m *Manager) Deploy(ctx context.Context, serverID int64) error {
	srv, err := m.st.ServerByID(ctx, serverID)
	if err != nil {
		return err
	}
	binary, err := os.ReadFile(m.cfg.BinaryPath)
	if err != nil {
		return fmt.Errorf("read agent binary: %w", err)
	}
	plaintext, err := m.IssueToken(ctx, serverID)
	if err != nil {
		return err
	}

	lease, err := m.pool.Acquire(ctx, sshpool.Target{
		Host: srv.IPAddress,
		Port: srv.SSHPort,
		User: m.cfg.SSHUser,
		Auth: m.cfg.Auth,
	})
	if err != nil {
		return err
	}
	defer lease.Release()

	client, err := lease.SFTP()
	if err != nil {
		return fmt.Errorf("open sftp: %w", err)
	}

	cfgBytes, err := yaml.Marshal(agentConfig{
		ServerURL: m.cfg.ServerURL,
		Token:     plaintext,
		StatePath: "/var/lib/keyspider-agent/state.db",
	})
	if err != nil {
		return fmt.Errorf("render agent config: %w", err)
	}

	if err := upload(client, remoteBinary, binary, 0o755); err != nil {
		return err
	}
	if err := upload(client, remoteConfig, cfgBytes, 0o600); err != nil {
		return err
	}
	if err := upload(client, remoteUnit, []byte(unitFile()), 0o644); err != nil {
		return err
	}

	if err := remotecmd.SystemdEnableNow(ctx, lease, unitName); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	if err := m.st.SetPreferAgent(ctx, serverID, true); err != nil {
		return err
	}
	log.Printf("[agentmgr] deployed agent to %s (%s)", srv.Hostname, srv.IPAddress)
	return nil
}

func upload(c *sftp.Client, dst string, data []byte, mode os.FileMode) error {
	if err := c.MkdirAll(path.Dir(dst)); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(dst), err)
	}
	f, err := c.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	if err := c.Chmod(dst, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	return nil
}

func unitFile() string {
	return `[Unit]
Description=Keyspider local agent
After=network-online.target

[Service]
ExecStart=` + remoteBinary + ` -config ` + remoteConfig + `
Restart=always
RestartSec=10
StateDirectory=keyspider-agent

[Install]
WantedBy=multi-user.target
`
}

// Health is the agent liveness verdict for one server.
type Health struct {
	ServerID      int64     `json:"server_id"`
	Healthy       bool      `json:"healthy"`
	AgentVersion  string    `json:"agent_version"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// CheckHealth reports whether a server's agent has heartbeated recently.
func (m *Manager) CheckHealth(ctx context.Context, serverID int64) (Health, error) {
	srv, err := m.st.ServerByID(ctx, serverID)
	if err != nil {
		return Health{}, err
	}
	h := Health{
		ServerID:      srv.ID,
		AgentVersion:  srv.AgentVersion,
		LastHeartbeat: srv.LastHeartbeatAt,
	}
	if !srv.LastHeartbeatAt.IsZero() {
		h.Healthy = m.now().Sub(srv.LastHeartbeatAt) <= m.cfg.HeartbeatMaxAge
	}
	return h, nil
}
