package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound reports a lookup that matched no row.
var ErrNotFound = errors.New("not found")

const serverColumns = `id, hostname, ip_address, os_type, os_version, ssh_port,
	is_reachable, prefer_agent, last_scanned_at, scan_watermark, last_error,
	agent_token_hash, agent_version, last_heartbeat_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*Server, error) {
	var srv Server
	err := row.Scan(&srv.ID, &srv.Hostname, &srv.IPAddress, &srv.OSType,
		&srv.OSVersion, &srv.SSHPort, &srv.IsReachable, &srv.PreferAgent,
		&srv.LastScannedAt, &srv.ScanWatermark, &srv.LastError,
		&srv.AgentTokenHash, &srv.AgentVersion, &srv.LastHeartbeatAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan server: %w", err)
	}
	return &srv, nil
}

// EnsureServer upserts a server row keyed by ip_address and returns the
// current row. A hostname learned later replaces the empty placeholder.
func (s *Store) EnsureServer(ctx context.Context, hostname, ip string, port int) (*Server, error) {
	if port <= 0 {
		port = 22
	}
	existing, err := s.ServerByIP(ctx, ip)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if hostname != "" && existing.Hostname != hostname {
			_, err = s.pool.Exec(ctx,
				`UPDATE servers SET hostname = $2, ssh_port = $3 WHERE id = $1`,
				existing.ID, hostname, port)
			if err != nil {
				return nil, fmt.Errorf("update server %d: %w", existing.ID, err)
			}
			existing.Hostname = hostname
			existing.SSHPort = port
		}
		return existing, nil
	}

	// Concurrent crawlers may race on the insert; the conflict clause
	// makes the loser fall through to the reselect.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO servers (hostname, ip_address, ssh_port) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		hostname, ip, port)
	if err != nil {
		return nil, fmt.Errorf("insert server %s: %w", ip, err)
	}
	return s.ServerByIP(ctx, ip)
}

// ServerByIP returns the server with the given ip_address, preferring a
// named row over an ip-only placeholder.
func (s *Store) ServerByIP(ctx context.Context, ip string) (*Server, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+serverColumns+` FROM servers
		 WHERE ip_address = $1
		 ORDER BY (hostname <> '') DESC, id ASC LIMIT 1`, ip)
	return scanServer(row)
}

// ServerByID returns one server row.
func (s *Store) ServerByID(ctx context.Context, id int64) (*Server, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
	return scanServer(row)
}

// ServerByTokenHash resolves the server an agent bearer token belongs
// to. The lookup is by hash; the caller rechecks in constant time.
func (s *Store) ServerByTokenHash(ctx context.Context, hash string) (*Server, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE agent_token_hash = $1`, hash)
	return scanServer(row)
}

// ListServers returns all servers ordered by id.
func (s *Store) ListServers(ctx context.Context) ([]Server, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+serverColumns+` FROM servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *srv)
	}
	return out, rows.Err()
}

// MarkServerFailed records a per-server scan failure without aborting
// the crawl. Repeated failures leave is_reachable false until a scan
// succeeds again.
func (s *Store) MarkServerFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE servers SET is_reachable = false, last_error = $2 WHERE id = $1`,
		id, truncate(reason, 500))
	if err != nil {
		return fmt.Errorf("mark server %d failed: %w", id, err)
	}
	return nil
}

// TouchHeartbeat updates the agent liveness fields.
func (s *Store) TouchHeartbeat(ctx context.Context, id int64, version string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE servers SET last_heartbeat_at = $2, agent_version = $3 WHERE id = $1`,
		id, at.UTC(), version)
	if err != nil {
		return fmt.Errorf("heartbeat server %d: %w", id, err)
	}
	return nil
}

// SetAgentToken stores the hash of a newly issued agent token.
func (s *Store) SetAgentToken(ctx context.Context, id int64, tokenHash string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE servers SET agent_token_hash = $2 WHERE id = $1`, id, tokenHash)
	if err != nil {
		return fmt.Errorf("set agent token for server %d: %w", id, err)
	}
	return nil
}

// SetPreferAgent flips the prefer_agent flag.
func (s *Store) SetPreferAgent(ctx context.Context, id int64, prefer bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE servers SET prefer_agent = $2 WHERE id = $1`, id, prefer)
	if err != nil {
		return fmt.Errorf("set prefer_agent for server %d: %w", id, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
