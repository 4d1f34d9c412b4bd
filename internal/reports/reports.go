// Package reports derives the operator-facing key hygiene reports from
// persisted observations: dormant keys (authorized, never used), mystery
// keys (used, never authorized), stale keys (authorized, last used too
// long ago), key exposure (one key trusted on many servers), and the
// fleet summary. The store loads the joined rows; everything here is a
// pure derivation so the classification rules are testable on fixtures.
package reports

import (
	"sort"
	"time"
)

// DefaultStaleAge is the cutoff for the stale-keys report.
const DefaultStaleAge = 90 * 24 * time.Hour

// AuthorizedKeyRow is one authorized_keys grant joined with its usage
// aggregate. LastUsedAt is zero and EventCount 0 when the key has never
// produced an accepted event against the server.
type AuthorizedKeyRow struct {
	ServerID    int64     `json:"server_id"`
	Hostname    string    `json:"hostname"`
	IPAddress   string    `json:"ip_address"`
	SSHKeyID    int64     `json:"ssh_key_id"`
	Fingerprint string    `json:"fingerprint"`
	KeyType     string    `json:"key_type"`
	Comment     string    `json:"comment"`
	FilePath    string    `json:"file_path"`
	UnixOwner   string    `json:"unix_owner"`
	FileMtime   time.Time `json:"file_mtime"`
	LastUsedAt  time.Time `json:"last_used_at"`
	EventCount  int64     `json:"event_count"`
}

// ObservedKeyRow is one fingerprint seen in accepted events against a
// target, with whether any KeyLocation authorizes it there.
type ObservedKeyRow struct {
	ServerID    int64     `json:"server_id"`
	Hostname    string    `json:"hostname"`
	IPAddress   string    `json:"ip_address"`
	Fingerprint string    `json:"fingerprint"`
	Usernames   []string  `json:"usernames"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	EventCount  int64     `json:"event_count"`
	Authorized  bool      `json:"-"`
}

// Dormant returns the grants whose key has never been used against the
// server: authorized, zero accepted events.
func Dormant(rows []AuthorizedKeyRow) []AuthorizedKeyRow {
	var out []AuthorizedKeyRow
	for _, r := range rows {
		if r.EventCount == 0 {
			out = append(out, r)
		}
	}
	return out
}

// Stale returns grants that were used, but not within maxAge of now.
// Dormant grants are excluded; they have their own report.
func Stale(rows []AuthorizedKeyRow, maxAge time.Duration, now time.Time) []AuthorizedKeyRow {
	if maxAge <= 0 {
		maxAge = DefaultStaleAge
	}
	cutoff := now.Add(-maxAge)
	var out []AuthorizedKeyRow
	for _, r := range rows {
		if r.EventCount > 0 && r.LastUsedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// Mystery returns fingerprints that authenticated successfully against a
// server with no authorizing KeyLocation there.
func Mystery(rows []ObservedKeyRow) []ObservedKeyRow {
	var out []ObservedKeyRow
	for _, r := range rows {
		if !r.Authorized {
			out = append(out, r)
		}
	}
	return out
}

// ExposureRow is one key authorized on multiple servers.
type ExposureRow struct {
	SSHKeyID    int64    `json:"ssh_key_id"`
	Fingerprint string   `json:"fingerprint"`
	KeyType     string   `json:"key_type"`
	Comment     string   `json:"comment"`
	ServerCount int      `json:"server_count"`
	Servers     []string `json:"servers"`
}

// Exposure groups authorized grants by key and returns keys trusted on
// at least minServers distinct servers, widest exposure first.
func Exposure(rows []AuthorizedKeyRow, minServers int) []ExposureRow {
	if minServers < 2 {
		minServers = 2
	}
	type agg struct {
		row     ExposureRow
		servers map[int64]string
	}
	byKey := make(map[int64]*agg)
	for _, r := range rows {
		a := byKey[r.SSHKeyID]
		if a == nil {
			a = &agg{
				row: ExposureRow{
					SSHKeyID:    r.SSHKeyID,
					Fingerprint: r.Fingerprint,
					KeyType:     r.KeyType,
					Comment:     r.Comment,
				},
				servers: make(map[int64]string),
			}
			byKey[r.SSHKeyID] = a
		}
		name := r.Hostname
		if name == "" {
			name = r.IPAddress
		}
		a.servers[r.ServerID] = name
	}

	var out []ExposureRow
	for _, a := range byKey {
		if len(a.servers) < minServers {
			continue
		}
		for _, name := range a.servers {
			a.row.Servers = append(a.row.Servers, name)
		}
		sort.Strings(a.row.Servers)
		a.row.ServerCount = len(a.servers)
		out = append(out, a.row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerCount != out[j].ServerCount {
			return out[i].ServerCount > out[j].ServerCount
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Summary is the fleet-wide counters block.
type Summary struct {
	Servers            int            `json:"servers"`
	ServersReachable   int            `json:"servers_reachable"`
	Keys               int            `json:"keys"`
	HostKeys           int            `json:"host_keys"`
	KeyLocations       int            `json:"key_locations"`
	AccessEvents       int64          `json:"access_events"`
	Paths              int            `json:"paths"`
	PathsAuthorized    int            `json:"paths_authorized"`
	PathsUsed          int            `json:"paths_used"`
	PathsBoth          int            `json:"paths_both"`
	UnreachableSources map[string]int `json:"unreachable_by_severity"`
	ActiveWatches      int            `json:"active_watch_sessions"`
}
