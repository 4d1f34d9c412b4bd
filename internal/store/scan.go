package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// KeyObservation pairs a discovered key with where it was found. The
// location's ServerID and SSHKeyID are resolved during ApplyScan.
type KeyObservation struct {
	Key      SSHKey
	Location KeyLocation
}

// ScanBatch is everything one server scan (or watch flush, or agent
// push) wants persisted in a single transaction.
type ScanBatch struct {
	OSType    string // updates the server row when non-empty
	OSVersion string

	Keys        []KeyObservation
	Events      []AccessEvent // TargetServerID is set by ApplyScan
	SudoEvents  []SudoEvent
	Unreachable []UnreachableSource

	// Watermark advances scan_watermark when non-zero; it never moves
	// backwards. MarkScanned additionally stamps last_scanned_at and
	// clears the failure state, which live appends leave alone.
	Watermark   time.Time
	MarkScanned bool
}

// ScanStats reports what a commit actually changed. Re-ingesting the
// same window yields zero inserted events.
type ScanStats struct {
	EventsInserted int
	SudoInserted   int
	KeysUpserted   int
	Locations      int
	PathsUpserted  int
	Unreachable    int
}

// ApplyScan runs the full per-server commit: key and location upserts,
// fingerprint and source-ip prefetches, deduplicated batch event
// insertion, authorization and usage path merges, unreachable-source
// merges, and the watermark advance. One transaction; a failure rolls
// the whole server back.
func (s *Store) ApplyScan(ctx context.Context, serverID int64, b *ScanBatch) (ScanStats, error) {
	var stats ScanStats

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if b.OSType != "" {
		_, err = tx.Exec(ctx,
			`UPDATE servers SET os_type = $2, os_version = $3 WHERE id = $1`,
			serverID, b.OSType, b.OSVersion)
		if err != nil {
			return stats, fmt.Errorf("update os: %w", err)
		}
	}

	keyIDs, err := upsertKeys(ctx, tx, b.Keys)
	if err != nil {
		return stats, err
	}
	stats.KeysUpserted = len(keyIDs)

	if err := upsertLocations(ctx, tx, serverID, b.Keys, keyIDs, &stats); err != nil {
		return stats, err
	}

	eventKeyIDs, err := prefetchEventKeys(ctx, tx, b.Events, keyIDs)
	if err != nil {
		return stats, err
	}

	sourceIDs, err := ensureSourceServers(ctx, tx, b.Events)
	if err != nil {
		return stats, err
	}

	inserted, err := insertEvents(ctx, tx, serverID, b.Events, eventKeyIDs, sourceIDs)
	if err != nil {
		return stats, err
	}
	stats.EventsInserted = len(inserted)

	if err := upsertUsagePaths(ctx, tx, serverID, inserted, &stats); err != nil {
		return stats, err
	}
	if err := upsertAuthorizationPaths(ctx, tx, serverID, b.Keys, keyIDs, s.now().UTC(), &stats); err != nil {
		return stats, err
	}

	n, err := insertSudoEvents(ctx, tx, serverID, b.SudoEvents)
	if err != nil {
		return stats, err
	}
	stats.SudoInserted = n

	if err := upsertUnreachable(ctx, tx, serverID, b.Unreachable, eventKeyIDs, &stats); err != nil {
		return stats, err
	}

	if !b.Watermark.IsZero() {
		_, err = tx.Exec(ctx,
			`UPDATE servers SET scan_watermark = GREATEST(scan_watermark, $2) WHERE id = $1`,
			serverID, b.Watermark.UTC())
		if err != nil {
			return stats, fmt.Errorf("advance watermark: %w", err)
		}
	}
	if b.MarkScanned {
		_, err = tx.Exec(ctx,
			`UPDATE servers SET last_scanned_at = $2, is_reachable = true, last_error = '' WHERE id = $1`,
			serverID, s.now().UTC())
		if err != nil {
			return stats, fmt.Errorf("mark scanned: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, fmt.Errorf("commit: %w", err)
	}
	return stats, nil
}

// upsertKeys writes each distinct key once and returns canonical
// fingerprint → id.
func upsertKeys(ctx context.Context, tx pgx.Tx, keys []KeyObservation) (map[string]int64, error) {
	ids := make(map[string]int64)
	for _, ko := range keys {
		fp := CanonicalSHA256(ko.Key.FingerprintSHA256)
		if fp == "" {
			continue
		}
		if _, done := ids[fp]; done {
			continue
		}
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO ssh_keys (fingerprint_sha256, fingerprint_md5, key_type,
				key_bits, comment, is_host_key, file_mtime)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (fingerprint_sha256) DO UPDATE SET
				fingerprint_md5 = COALESCE(NULLIF(EXCLUDED.fingerprint_md5, ''), ssh_keys.fingerprint_md5),
				comment = COALESCE(NULLIF(EXCLUDED.comment, ''), ssh_keys.comment),
				is_host_key = ssh_keys.is_host_key OR EXCLUDED.is_host_key,
				file_mtime = GREATEST(ssh_keys.file_mtime, EXCLUDED.file_mtime)
			RETURNING id
		`, fp, ko.Key.FingerprintMD5, ko.Key.KeyType, ko.Key.KeyBits,
			ko.Key.Comment, ko.Key.IsHostKey, ko.Key.FileMtime.UTC()).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("upsert key %s: %w", fp, err)
		}
		ids[fp] = id
	}
	return ids, nil
}

func upsertLocations(ctx context.Context, tx pgx.Tx, serverID int64, keys []KeyObservation, keyIDs map[string]int64, stats *ScanStats) error {
	for _, ko := range keys {
		keyID, ok := keyIDs[CanonicalSHA256(ko.Key.FingerprintSHA256)]
		if !ok {
			continue
		}
		loc := ko.Location
		_, err := tx.Exec(ctx, `
			INSERT INTO key_locations (server_id, ssh_key_id, file_path, file_type,
				unix_owner, unix_perms, file_mtime, file_size)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (server_id, file_path, ssh_key_id) DO UPDATE SET
				file_type = EXCLUDED.file_type,
				unix_owner = EXCLUDED.unix_owner,
				unix_perms = EXCLUDED.unix_perms,
				file_mtime = EXCLUDED.file_mtime,
				file_size = EXCLUDED.file_size
		`, serverID, keyID, loc.FilePath, loc.FileType, loc.UnixOwner,
			loc.UnixPerms, loc.FileMtime.UTC(), loc.FileSize)
		if err != nil {
			return fmt.Errorf("upsert location %s: %w", loc.FilePath, err)
		}
		stats.Locations++
	}
	return nil
}

// prefetchEventKeys resolves every event fingerprint to a key id in two
// bulk lookups (SHA256, then legacy MD5), starting from the keys already
// written in this transaction.
func prefetchEventKeys(ctx context.Context, tx pgx.Tx, events []AccessEvent, known map[string]int64) (map[string]int64, error) {
	ids := make(map[string]int64, len(known))
	for fp, id := range known {
		ids[fp] = id
	}

	var shaWanted, md5Wanted []string
	for _, ev := range events {
		if ev.Fingerprint == "" {
			continue
		}
		if IsMD5Fingerprint(ev.Fingerprint) {
			md5Wanted = append(md5Wanted, normalizeMD5(ev.Fingerprint))
			continue
		}
		fp := CanonicalSHA256(ev.Fingerprint)
		if _, ok := ids[fp]; !ok {
			shaWanted = append(shaWanted, fp)
		}
	}

	if len(shaWanted) > 0 {
		rows, err := tx.Query(ctx,
			`SELECT id, fingerprint_sha256 FROM ssh_keys WHERE fingerprint_sha256 = ANY($1)`,
			shaWanted)
		if err != nil {
			return nil, fmt.Errorf("prefetch keys: %w", err)
		}
		if err := collectIDs(rows, ids); err != nil {
			return nil, err
		}
	}
	if len(md5Wanted) > 0 {
		rows, err := tx.Query(ctx,
			`SELECT id, fingerprint_md5 FROM ssh_keys WHERE fingerprint_md5 = ANY($1)`,
			md5Wanted)
		if err != nil {
			return nil, fmt.Errorf("prefetch md5 keys: %w", err)
		}
		if err := collectIDs(rows, ids); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func collectIDs(rows pgx.Rows, into map[string]int64) error {
	defer rows.Close()
	for rows.Next() {
		var id int64
		var fp string
		if err := rows.Scan(&id, &fp); err != nil {
			return fmt.Errorf("scan key id: %w", err)
		}
		into[fp] = id
	}
	return rows.Err()
}

// ensureSourceServers maps each distinct event source ip to a server id,
// creating hostname-less placeholder rows for unknown sources.
func ensureSourceServers(ctx context.Context, tx pgx.Tx, events []AccessEvent) (map[string]int64, error) {
	seen := make(map[string]bool)
	var ips []string
	for _, ev := range events {
		if ev.SourceIP != "" && !seen[ev.SourceIP] {
			seen[ev.SourceIP] = true
			ips = append(ips, ev.SourceIP)
		}
	}
	if len(ips) == 0 {
		return nil, nil
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO servers (hostname, ip_address)
		SELECT '', ip FROM unnest($1::text[]) AS ip
		ON CONFLICT DO NOTHING
	`, ips)
	if err != nil {
		return nil, fmt.Errorf("ensure source servers: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT DISTINCT ON (ip_address) ip_address, id FROM servers
		WHERE ip_address = ANY($1)
		ORDER BY ip_address, (hostname <> '') DESC, id
	`, ips)
	if err != nil {
		return nil, fmt.Errorf("select source servers: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]int64, len(ips))
	for rows.Next() {
		var ip string
		var id int64
		if err := rows.Scan(&ip, &id); err != nil {
			return nil, fmt.Errorf("scan source server: %w", err)
		}
		ids[ip] = id
	}
	return ids, rows.Err()
}

// insertEvents batch-inserts events with the natural-key dedup and
// returns only the rows that were actually new.
func insertEvents(ctx context.Context, tx pgx.Tx, serverID int64, events []AccessEvent, keyIDs, sourceIDs map[string]int64) ([]AccessEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	prepared := make([]AccessEvent, len(events))
	batch := &pgx.Batch{}
	for i, ev := range events {
		ev.TargetServerID = serverID
		ev.SourceServerID = sourceIDs[ev.SourceIP]
		if ev.Fingerprint != "" {
			if IsMD5Fingerprint(ev.Fingerprint) {
				ev.Fingerprint = normalizeMD5(ev.Fingerprint)
			} else {
				ev.Fingerprint = CanonicalSHA256(ev.Fingerprint)
			}
			ev.SSHKeyID = keyIDs[ev.Fingerprint]
		}
		prepared[i] = ev
		batch.Queue(`
			INSERT INTO access_events (target_server_id, source_ip, source_server_id,
				ssh_key_id, fingerprint, username, auth_method, event_type,
				event_time, raw_log_line, log_source)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT DO NOTHING
		`, ev.TargetServerID, ev.SourceIP, ev.SourceServerID, ev.SSHKeyID,
			ev.Fingerprint, ev.Username, ev.AuthMethod, ev.EventType,
			ev.EventTime.UTC(), ev.RawLogLine, ev.LogSource)
	}

	br := tx.SendBatch(ctx, batch)
	var inserted []AccessEvent
	for i := range prepared {
		ct, err := br.Exec()
		if err != nil {
			br.Close()
			return nil, fmt.Errorf("insert event %d: %w", i, err)
		}
		if ct.RowsAffected() > 0 {
			inserted = append(inserted, prepared[i])
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("close event batch: %w", err)
	}
	return inserted, nil
}

type pathKey struct {
	source, key int64
	username    string
}

// upsertUsagePaths merges usage edges from newly inserted accepted
// events. Counters accumulate inserted rows only, so re-ingesting a
// window leaves them unchanged.
func upsertUsagePaths(ctx context.Context, tx pgx.Tx, serverID int64, inserted []AccessEvent, stats *ScanStats) error {
	type agg struct {
		count       int64
		first, last time.Time
	}
	groups := make(map[pathKey]*agg)
	for _, ev := range inserted {
		if ev.EventType != "accepted" {
			continue
		}
		k := pathKey{source: ev.SourceServerID, key: ev.SSHKeyID, username: ev.Username}
		g := groups[k]
		if g == nil {
			g = &agg{first: ev.EventTime, last: ev.EventTime}
			groups[k] = g
		}
		g.count++
		if ev.EventTime.Before(g.first) {
			g.first = ev.EventTime
		}
		if ev.EventTime.After(g.last) {
			g.last = ev.EventTime
		}
	}

	for k, g := range groups {
		_, err := tx.Exec(ctx, `
			INSERT INTO access_paths (source_server_id, target_server_id, ssh_key_id,
				username, first_seen_at, last_seen_at, event_count, is_used)
			VALUES ($1, $2, $3, $4, $5, $6, $7, true)
			ON CONFLICT (source_server_id, target_server_id, ssh_key_id, username) DO UPDATE SET
				first_seen_at = LEAST(access_paths.first_seen_at, EXCLUDED.first_seen_at),
				last_seen_at = GREATEST(access_paths.last_seen_at, EXCLUDED.last_seen_at),
				event_count = access_paths.event_count + EXCLUDED.event_count,
				is_used = true
		`, k.source, serverID, k.key, k.username, g.first.UTC(), g.last.UTC(), g.count)
		if err != nil {
			return fmt.Errorf("upsert usage path: %w", err)
		}
		stats.PathsUpserted++
	}
	return nil
}

// upsertAuthorizationPaths records an authorization edge for every
// authorized_keys grant: unknown source, this server as target, the key,
// and the file owner as the granted username.
func upsertAuthorizationPaths(ctx context.Context, tx pgx.Tx, serverID int64, keys []KeyObservation, keyIDs map[string]int64, now time.Time, stats *ScanStats) error {
	done := make(map[pathKey]bool)
	for _, ko := range keys {
		if ko.Location.FileType != "authorized_keys" {
			continue
		}
		keyID, ok := keyIDs[CanonicalSHA256(ko.Key.FingerprintSHA256)]
		if !ok {
			continue
		}
		k := pathKey{source: 0, key: keyID, username: ko.Location.UnixOwner}
		if done[k] {
			continue
		}
		done[k] = true
		_, err := tx.Exec(ctx, `
			INSERT INTO access_paths (source_server_id, target_server_id, ssh_key_id,
				username, first_seen_at, last_seen_at, event_count, is_authorized)
			VALUES (0, $1, $2, $3, $4, $4, 0, true)
			ON CONFLICT (source_server_id, target_server_id, ssh_key_id, username) DO UPDATE SET
				is_authorized = true
		`, serverID, keyID, ko.Location.UnixOwner, now)
		if err != nil {
			return fmt.Errorf("upsert authorization path: %w", err)
		}
		stats.PathsUpserted++
	}
	return nil
}

func insertSudoEvents(ctx context.Context, tx pgx.Tx, serverID int64, events []SudoEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, se := range events {
		batch.Queue(`
			INSERT INTO sudo_events (server_id, username, target_user, tty,
				working_dir, command, event_time, raw_log_line, log_source)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT DO NOTHING
		`, serverID, se.Username, se.TargetUser, se.TTY, se.WorkingDir,
			se.Command, se.EventTime.UTC(), se.RawLogLine, se.LogSource)
	}
	br := tx.SendBatch(ctx, batch)
	inserted := 0
	for range events {
		ct, err := br.Exec()
		if err != nil {
			br.Close()
			return inserted, fmt.Errorf("insert sudo event: %w", err)
		}
		inserted += int(ct.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return inserted, fmt.Errorf("close sudo batch: %w", err)
	}
	return inserted, nil
}

// upsertUnreachable merges unreachable-source observations. Severity is
// recomputed by the caller each scan; acknowledged survives merges.
func upsertUnreachable(ctx context.Context, tx pgx.Tx, serverID int64, list []UnreachableSource, keyIDs map[string]int64, stats *ScanStats) error {
	for _, u := range list {
		fp := u.Fingerprint
		if fp != "" && !IsMD5Fingerprint(fp) {
			fp = CanonicalSHA256(fp)
		}
		keyID := u.SSHKeyID
		if keyID == 0 && fp != "" {
			keyID = keyIDs[fp]
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO unreachable_sources (source_ip, reverse_dns, fingerprint,
				ssh_key_id, target_server_id, username, first_seen_at, last_seen_at,
				event_count, severity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (source_ip, target_server_id, username, fingerprint) DO UPDATE SET
				reverse_dns = COALESCE(NULLIF(EXCLUDED.reverse_dns, ''), unreachable_sources.reverse_dns),
				ssh_key_id = GREATEST(unreachable_sources.ssh_key_id, EXCLUDED.ssh_key_id),
				first_seen_at = LEAST(unreachable_sources.first_seen_at, EXCLUDED.first_seen_at),
				last_seen_at = GREATEST(unreachable_sources.last_seen_at, EXCLUDED.last_seen_at),
				event_count = unreachable_sources.event_count + EXCLUDED.event_count,
				severity = EXCLUDED.severity
		`, u.SourceIP, u.ReverseDNS, fp, keyID, serverID, u.Username,
			u.FirstSeenAt.UTC(), u.LastSeenAt.UTC(), u.EventCount, u.Severity)
		if err != nil {
			return fmt.Errorf("upsert unreachable %s: %w", u.SourceIP, err)
		}
		stats.Unreachable++
	}
	return nil
}
