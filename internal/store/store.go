// Package store persists keyspider observations and aggregates in
// Postgres. The crawl and watch pipelines write through ApplyScan, one
// transaction per server commit; the graph builder and reports read the
// projections. All upserts are idempotent so retries and re-ingests of
// the same log window are safe.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jsherman999/keyspider/internal/fingerprint"
)

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS servers (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		hostname TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL,
		os_type TEXT NOT NULL DEFAULT 'unknown',
		os_version TEXT NOT NULL DEFAULT '',
		ssh_port INT NOT NULL DEFAULT 22,
		is_reachable BOOLEAN NOT NULL DEFAULT false,
		prefer_agent BOOLEAN NOT NULL DEFAULT false,
		last_scanned_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		scan_watermark TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		last_error TEXT NOT NULL DEFAULT '',
		agent_token_hash TEXT NOT NULL DEFAULT '',
		agent_version TEXT NOT NULL DEFAULT '',
		last_heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		UNIQUE (hostname, ip_address)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS servers_ip_idx ON servers (ip_address) WHERE hostname = ''`,
	`CREATE TABLE IF NOT EXISTS ssh_keys (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		fingerprint_sha256 TEXT NOT NULL UNIQUE,
		fingerprint_md5 TEXT NOT NULL DEFAULT '',
		key_type TEXT NOT NULL DEFAULT 'unknown',
		key_bits INT NOT NULL DEFAULT 0,
		comment TEXT NOT NULL DEFAULT '',
		is_host_key BOOLEAN NOT NULL DEFAULT false,
		first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		file_mtime TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
	)`,
	`CREATE INDEX IF NOT EXISTS ssh_keys_md5_idx ON ssh_keys (fingerprint_md5)`,
	`CREATE TABLE IF NOT EXISTS key_locations (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		ssh_key_id BIGINT NOT NULL REFERENCES ssh_keys(id) ON DELETE CASCADE,
		file_path TEXT NOT NULL,
		file_type TEXT NOT NULL,
		unix_owner TEXT NOT NULL DEFAULT '',
		unix_perms TEXT NOT NULL DEFAULT '',
		graph_layer TEXT NOT NULL DEFAULT 'authorization',
		file_mtime TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		file_size BIGINT NOT NULL DEFAULT 0,
		UNIQUE (server_id, file_path, ssh_key_id)
	)`,
	`CREATE TABLE IF NOT EXISTS access_events (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		target_server_id BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		source_ip TEXT NOT NULL,
		source_server_id BIGINT NOT NULL DEFAULT 0,
		ssh_key_id BIGINT NOT NULL DEFAULT 0,
		fingerprint TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		auth_method TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		event_time TIMESTAMPTZ NOT NULL,
		raw_log_line TEXT NOT NULL DEFAULT '',
		log_source TEXT NOT NULL DEFAULT 'syslog',
		UNIQUE (target_server_id, source_ip, username, event_type, fingerprint, event_time)
	)`,
	`CREATE INDEX IF NOT EXISTS access_events_key_idx ON access_events (ssh_key_id)`,
	`CREATE TABLE IF NOT EXISTS sudo_events (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		username TEXT NOT NULL DEFAULT '',
		target_user TEXT NOT NULL DEFAULT '',
		tty TEXT NOT NULL DEFAULT '',
		working_dir TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL DEFAULT '',
		event_time TIMESTAMPTZ NOT NULL,
		raw_log_line TEXT NOT NULL DEFAULT '',
		log_source TEXT NOT NULL DEFAULT 'syslog',
		UNIQUE (server_id, username, command, event_time)
	)`,
	`CREATE TABLE IF NOT EXISTS access_paths (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		source_server_id BIGINT NOT NULL DEFAULT 0,
		target_server_id BIGINT NOT NULL,
		ssh_key_id BIGINT NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		event_count BIGINT NOT NULL DEFAULT 0,
		is_authorized BOOLEAN NOT NULL DEFAULT false,
		is_used BOOLEAN NOT NULL DEFAULT false,
		UNIQUE (source_server_id, target_server_id, ssh_key_id, username)
	)`,
	`CREATE TABLE IF NOT EXISTS unreachable_sources (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		source_ip TEXT NOT NULL,
		reverse_dns TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		ssh_key_id BIGINT NOT NULL DEFAULT 0,
		target_server_id BIGINT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		event_count BIGINT NOT NULL DEFAULT 0,
		severity TEXT NOT NULL,
		acknowledged BOOLEAN NOT NULL DEFAULT false,
		UNIQUE (source_ip, target_server_id, username, fingerprint)
	)`,
	`CREATE TABLE IF NOT EXISTS scan_jobs (
		id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		seed TEXT NOT NULL DEFAULT '',
		max_depth INT NOT NULL DEFAULT 10,
		servers_scanned INT NOT NULL DEFAULT 0,
		events_parsed INT NOT NULL DEFAULT 0,
		keys_found INT NOT NULL DEFAULT 0,
		unreachable_found INT NOT NULL DEFAULT 0,
		errors INT NOT NULL DEFAULT 0,
		queue_size INT NOT NULL DEFAULT 0,
		current_server TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		finished_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
	)`,
	`CREATE TABLE IF NOT EXISTS watch_sessions (
		id TEXT PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'active',
		auto_spider BOOLEAN NOT NULL DEFAULT false,
		spider_depth INT NOT NULL DEFAULT 1,
		events_captured BIGINT NOT NULL DEFAULT 0,
		last_event_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		stopped_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS watch_sessions_active_idx
		ON watch_sessions (server_id) WHERE status = 'active'`,
}

// EnsureSchema creates all tables and indexes if missing. Idempotent;
// safe to run on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CanonicalSHA256 reduces any SHA256 fingerprint rendering to the form
// stored and joined on: "SHA256:" + unpadded base64. Empty in, empty out.
func CanonicalSHA256(fp string) string {
	body := fingerprint.NormalizeSHA256(fp)
	if body == "" {
		return ""
	}
	return "SHA256:" + body
}

func normalizeMD5(fp string) string {
	return fingerprint.NormalizeMD5(fp)
}

// IsMD5Fingerprint reports whether a logged fingerprint is the legacy
// MD5 rendering rather than SHA256.
func IsMD5Fingerprint(fp string) bool {
	s := strings.ToLower(strings.TrimSpace(fp))
	if strings.HasPrefix(s, "md5:") {
		return true
	}
	return strings.Count(s, ":") == 15 && len(strings.ReplaceAll(s, ":", "")) == 32
}
