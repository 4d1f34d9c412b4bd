package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jsherman999/keyspider/internal/graph"
	"github.com/jsherman999/keyspider/internal/reports"
)

// LoadGraph loads the projections the graph builder consumes. The
// per-server key and event counts come from grouped subqueries so the
// whole load is three round trips regardless of fleet size.
func (s *Store) LoadGraph(ctx context.Context, activeWithin time.Duration) (graph.Data, error) {
	d := graph.Data{ActiveWithin: activeWithin, Now: s.now()}

	rows, err := s.pool.Query(ctx, `
		SELECT sv.id, sv.hostname, sv.ip_address, sv.os_type, sv.is_reachable,
		       COALESCE(kl.n, 0), COALESCE(ev.n, 0)
		FROM servers sv
		LEFT JOIN (SELECT server_id, COUNT(*) AS n FROM key_locations GROUP BY server_id) kl
			ON kl.server_id = sv.id
		LEFT JOIN (SELECT target_server_id, COUNT(*) AS n FROM access_events GROUP BY target_server_id) ev
			ON ev.target_server_id = sv.id
		ORDER BY sv.id`)
	if err != nil {
		return d, fmt.Errorf("load graph servers: %w", err)
	}
	for rows.Next() {
		var si graph.ServerInfo
		if err := rows.Scan(&si.ID, &si.Hostname, &si.IPAddress, &si.OSType,
			&si.IsReachable, &si.KeyCount, &si.EventCount); err != nil {
			rows.Close()
			return d, fmt.Errorf("scan graph server: %w", err)
		}
		d.Servers = append(d.Servers, si)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return d, fmt.Errorf("load graph servers: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT p.id, p.source_server_id, p.target_server_id, p.ssh_key_id,
		       COALESCE(k.key_type, ''), p.username, p.event_count,
		       p.first_seen_at, p.last_seen_at, p.is_authorized, p.is_used
		FROM access_paths p
		LEFT JOIN ssh_keys k ON k.id = p.ssh_key_id
		ORDER BY p.id`)
	if err != nil {
		return d, fmt.Errorf("load graph paths: %w", err)
	}
	for rows.Next() {
		var pi graph.PathInfo
		if err := rows.Scan(&pi.ID, &pi.SourceServerID, &pi.TargetServerID,
			&pi.SSHKeyID, &pi.KeyType, &pi.Username, &pi.EventCount,
			&pi.FirstSeenAt, &pi.LastSeenAt, &pi.IsAuthorized, &pi.IsUsed); err != nil {
			rows.Close()
			return d, fmt.Errorf("scan graph path: %w", err)
		}
		d.Paths = append(d.Paths, pi)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return d, fmt.Errorf("load graph paths: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT id, source_ip, reverse_dns, target_server_id, username,
		       severity, event_count
		FROM unreachable_sources
		WHERE NOT acknowledged
		ORDER BY id`)
	if err != nil {
		return d, fmt.Errorf("load graph unreachable: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ui graph.UnreachableInfo
		if err := rows.Scan(&ui.ID, &ui.SourceIP, &ui.ReverseDNS,
			&ui.TargetServerID, &ui.Username, &ui.Severity, &ui.EventCount); err != nil {
			return d, fmt.Errorf("scan graph unreachable: %w", err)
		}
		d.Unreachable = append(d.Unreachable, ui)
	}
	if err := rows.Err(); err != nil {
		return d, fmt.Errorf("load graph unreachable: %w", err)
	}
	return d, nil
}

// AuthorizedKeyUsage loads every authorized_keys grant joined with its
// accepted-event aggregate, the input to the dormant, stale and exposure
// reports.
func (s *Store) AuthorizedKeyUsage(ctx context.Context) ([]reports.AuthorizedKeyRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sv.id, sv.hostname, sv.ip_address,
		       k.id, k.fingerprint_sha256, k.key_type, k.comment,
		       kl.file_path, kl.unix_owner, kl.file_mtime,
		       COALESCE(ev.last_used, 'epoch'::timestamptz), COALESCE(ev.n, 0)
		FROM key_locations kl
		JOIN servers sv ON sv.id = kl.server_id
		JOIN ssh_keys k ON k.id = kl.ssh_key_id
		LEFT JOIN (
			SELECT target_server_id, ssh_key_id,
			       MAX(event_time) AS last_used, COUNT(*) AS n
			FROM access_events
			WHERE event_type = 'accepted' AND ssh_key_id <> 0
			GROUP BY target_server_id, ssh_key_id
		) ev ON ev.target_server_id = kl.server_id AND ev.ssh_key_id = kl.ssh_key_id
		WHERE kl.file_type = 'authorized_keys'
		ORDER BY sv.id, k.id`)
	if err != nil {
		return nil, fmt.Errorf("authorized key usage: %w", err)
	}
	defer rows.Close()

	var out []reports.AuthorizedKeyRow
	for rows.Next() {
		var r reports.AuthorizedKeyRow
		if err := rows.Scan(&r.ServerID, &r.Hostname, &r.IPAddress,
			&r.SSHKeyID, &r.Fingerprint, &r.KeyType, &r.Comment,
			&r.FilePath, &r.UnixOwner, &r.FileMtime,
			&r.LastUsedAt, &r.EventCount); err != nil {
			return nil, fmt.Errorf("scan authorized key row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ObservedKeys loads fingerprints seen in accepted events per target
// server, flagged with whether any key_location authorizes them there.
// The input to the mystery-keys report.
func (s *Store) ObservedKeys(ctx context.Context) ([]reports.ObservedKeyRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sv.id, sv.hostname, sv.ip_address, e.fingerprint,
		       array_agg(DISTINCT e.username ORDER BY e.username),
		       MIN(e.event_time), MAX(e.event_time), COUNT(*),
		       BOOL_OR(kl.id IS NOT NULL)
		FROM access_events e
		JOIN servers sv ON sv.id = e.target_server_id
		LEFT JOIN key_locations kl
			ON kl.server_id = e.target_server_id
			AND kl.ssh_key_id = e.ssh_key_id
			AND kl.file_type = 'authorized_keys'
		WHERE e.event_type = 'accepted' AND e.fingerprint <> ''
		GROUP BY sv.id, sv.hostname, sv.ip_address, e.fingerprint
		ORDER BY sv.id, e.fingerprint`)
	if err != nil {
		return nil, fmt.Errorf("observed keys: %w", err)
	}
	defer rows.Close()

	var out []reports.ObservedKeyRow
	for rows.Next() {
		var r reports.ObservedKeyRow
		if err := rows.Scan(&r.ServerID, &r.Hostname, &r.IPAddress,
			&r.Fingerprint, &r.Usernames, &r.FirstSeenAt, &r.LastSeenAt,
			&r.EventCount, &r.Authorized); err != nil {
			return nil, fmt.Errorf("scan observed key row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadSummary loads the fleet-wide counters.
func (s *Store) LoadSummary(ctx context.Context) (reports.Summary, error) {
	var sum reports.Summary
	sum.UnreachableSources = make(map[string]int)

	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM servers),
			(SELECT COUNT(*) FROM servers WHERE is_reachable),
			(SELECT COUNT(*) FROM ssh_keys),
			(SELECT COUNT(*) FROM ssh_keys WHERE is_host_key),
			(SELECT COUNT(*) FROM key_locations),
			(SELECT COUNT(*) FROM access_events),
			(SELECT COUNT(*) FROM access_paths),
			(SELECT COUNT(*) FROM access_paths WHERE is_authorized),
			(SELECT COUNT(*) FROM access_paths WHERE is_used),
			(SELECT COUNT(*) FROM access_paths WHERE is_authorized AND is_used),
			(SELECT COUNT(*) FROM watch_sessions WHERE status = $1)`,
		SessionActive).Scan(
		&sum.Servers, &sum.ServersReachable, &sum.Keys, &sum.HostKeys,
		&sum.KeyLocations, &sum.AccessEvents, &sum.Paths,
		&sum.PathsAuthorized, &sum.PathsUsed, &sum.PathsBoth,
		&sum.ActiveWatches)
	if err != nil {
		return sum, fmt.Errorf("load summary: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT severity, COUNT(*) FROM unreachable_sources
		 WHERE NOT acknowledged GROUP BY severity`)
	if err != nil {
		return sum, fmt.Errorf("load summary severities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return sum, fmt.Errorf("scan severity count: %w", err)
		}
		sum.UnreachableSources[sev] = n
	}
	return sum, rows.Err()
}

// AcknowledgeUnreachable marks one finding reviewed so it drops out of
// the graph and summary.
func (s *Store) AcknowledgeUnreachable(ctx context.Context, id int64) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE unreachable_sources SET acknowledged = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("acknowledge unreachable %d: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
