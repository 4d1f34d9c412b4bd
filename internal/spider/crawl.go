package spider

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jsherman999/keyspider/internal/keyscan"
	"github.com/jsherman999/keyspider/internal/logparse"
	"github.com/jsherman999/keyspider/internal/remotecmd"
	"github.com/jsherman999/keyspider/internal/sftpread"
	"github.com/jsherman999/keyspider/internal/sshpool"
	"github.com/jsherman999/keyspider/internal/store"
	"github.com/jsherman999/keyspider/internal/unreachable"
)

// scanServer is the production scan: connect, identify the OS, inventory
// keys over SFTP, pull the auth log window, and sort the event sources
// into reachable next hops and unreachable findings.
func (e *Engine) scanServer(ctx context.Context, srv *store.Server) (*scanResult, error) {
	lease, err := e.pool.Acquire(ctx, sshpool.Target{
		Host: srv.IPAddress,
		Port: srv.SSHPort,
		User: e.cfg.SSHUser,
		Auth: e.cfg.Auth,
	})
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	res := &scanResult{batch: store.ScanBatch{MarkScanned: true}}

	uname, err := remotecmd.Uname(ctx, lease)
	if err != nil {
		return nil, fmt.Errorf("uname: %w", err)
	}
	osType := remotecmd.DetectOS(uname)
	res.batch.OSType = osType
	res.batch.OSVersion = unameRelease(uname)
	res.hostname = unameNodename(uname)

	sftpc, err := lease.SFTP()
	if err != nil {
		return nil, fmt.Errorf("open sftp: %w", err)
	}
	reader := sftpread.New(sftpc)

	keys, err := keyscan.Scan(ctx, reader)
	if err != nil {
		return nil, err
	}
	res.batch.Keys = keyObservations(keys)
	for _, pk := range keys.PrivateKeys {
		log.Printf("[spider] %s: private key at %s (owner %s, mode %04o)",
			srv.IPAddress, pk.Path, pk.Owner, pk.Perms.Perm())
	}

	parsed, err := e.collectLogs(ctx, lease, reader, srv, osType)
	if err != nil {
		return nil, err
	}
	if parsed.Malformed > 0 {
		log.Printf("[spider] %s: %d malformed log lines", srv.IPAddress, parsed.Malformed)
	}

	res.batch.Events = accessEvents(parsed.Events)
	res.batch.SudoEvents = sudoEvents(parsed.SudoEvents)
	res.batch.Watermark = latestEventTime(parsed)

	res.batch.Unreachable, res.next = e.sortSources(ctx, srv, parsed.Events)
	return res, nil
}

// collectLogs prefers journald on Linux and falls back to the syslog
// files when journalctl is absent. AIX has no journald, so it goes
// straight to the files.
func (e *Engine) collectLogs(ctx context.Context, lease *sshpool.Lease, reader *sftpread.Reader, srv *store.Server, osType string) (*logparse.Result, error) {
	maxLines := e.cfg.MaxLinesInitial
	if !srv.ScanWatermark.IsZero() {
		maxLines = e.cfg.MaxLinesIncremental
	}

	if osType == store.OSLinux {
		out, err := remotecmd.JournalDump(ctx, lease, srv.ScanWatermark, maxLines)
		if err == nil {
			return logparse.ParseJournal(bytes.NewReader(out), logparse.Options{
				OSType:    osType,
				Watermark: srv.ScanWatermark,
				LogSource: logparse.SourceJournald,
			})
		}
		if !remotecmd.IsCommandNotFound(err) {
			log.Printf("[spider] %s: journalctl failed, trying log files: %v", srv.IPAddress, err)
		}
	}

	merged := &logparse.Result{}
	found := false
	for _, path := range logparse.DefaultLogPaths(osType) {
		info, err := reader.Stat(path)
		if err != nil {
			continue
		}
		lines, err := reader.TailLines(path, maxLines)
		if err != nil {
			log.Printf("[spider] %s: read %s: %v", srv.IPAddress, path, err)
			continue
		}
		found = true
		r, err := logparse.ParseSyslog(strings.NewReader(strings.Join(lines, "\n")), logparse.Options{
			OSType:        osType,
			ReferenceTime: info.ModTime,
			Watermark:     srv.ScanWatermark,
		})
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		merged.Events = append(merged.Events, r.Events...)
		merged.SudoEvents = append(merged.SudoEvents, r.SudoEvents...)
		merged.Malformed += r.Malformed
		merged.Skipped += r.Skipped
	}
	if !found {
		log.Printf("[spider] %s: no readable auth log", srv.IPAddress)
	}
	return merged, nil
}

// sortSources probes each distinct event source once and splits them:
// reachable sources become next hops, unreachable ones become findings
// grouped by (ip, username, fingerprint).
func (e *Engine) sortSources(ctx context.Context, srv *store.Server, events []logparse.Event) ([]store.UnreachableSource, []hop) {
	type group struct {
		row      store.UnreachableSource
		accepted bool
	}

	reach := make(map[string]bool)
	rdns := make(map[string]string)
	var next []hop
	groups := make(map[string]*group)
	var order []string

	for _, ev := range events {
		ip := ev.SourceIP
		if ip == "" || ip == srv.IPAddress || isLocalIP(ip) {
			continue
		}
		switch ev.EventType {
		case logparse.EventAccepted, logparse.EventFailed, logparse.EventInvalidUser:
		default:
			continue
		}

		if _, probed := reach[ip]; !probed {
			port := e.knownPort(ctx, ip)
			ok, name := e.det.Probe(ctx, ip, port)
			reach[ip] = ok
			rdns[ip] = name
			if ok {
				next = append(next, hop{ip: ip, port: port})
			}
		}
		if reach[ip] {
			continue
		}

		k := ip + "\x00" + ev.Username + "\x00" + ev.Fingerprint
		g := groups[k]
		if g == nil {
			g = &group{row: store.UnreachableSource{
				SourceIP:    ip,
				ReverseDNS:  rdns[ip],
				Fingerprint: ev.Fingerprint,
				Username:    ev.Username,
				FirstSeenAt: ev.Time,
				LastSeenAt:  ev.Time,
			}}
			groups[k] = g
			order = append(order, k)
		}
		g.row.EventCount++
		if ev.Time.Before(g.row.FirstSeenAt) {
			g.row.FirstSeenAt = ev.Time
		}
		if ev.Time.After(g.row.LastSeenAt) {
			g.row.LastSeenAt = ev.Time
		}
		if ev.EventType == logparse.EventAccepted {
			g.accepted = true
		}
	}

	var out []store.UnreachableSource
	for _, k := range order {
		g := groups[k]
		g.row.Severity = unreachable.Severity(g.row.Username, g.accepted, g.row.SourceIP)
		out = append(out, g.row)
	}
	return out, next
}

// knownPort returns the SSH port already recorded for ip, or 22 for a
// source never seen before.
func (e *Engine) knownPort(ctx context.Context, ip string) int {
	srv, err := e.sink.ServerByIP(ctx, ip)
	if err != nil || srv.SSHPort <= 0 {
		return 22
	}
	return srv.SSHPort
}

func keyObservations(res *keyscan.Result) []store.KeyObservation {
	out := make([]store.KeyObservation, 0, len(res.Findings))
	for _, f := range res.Findings {
		out = append(out, store.KeyObservation{
			Key: store.SSHKey{
				FingerprintSHA256: f.Key.FingerprintSHA256,
				FingerprintMD5:    f.Key.FingerprintMD5,
				KeyType:           f.Key.KeyType,
				KeyBits:           f.Key.Bits,
				Comment:           f.Key.Comment,
				IsHostKey:         f.IsHostKey,
				FileMtime:         f.ModTime,
			},
			Location: store.KeyLocation{
				FilePath:  f.Path,
				FileType:  f.FileType,
				UnixOwner: f.Owner,
				UnixPerms: fmt.Sprintf("%04o", f.Perms.Perm()),
				FileMtime: f.ModTime,
				FileSize:  f.Size,
			},
		})
	}
	return out
}

func accessEvents(events []logparse.Event) []store.AccessEvent {
	out := make([]store.AccessEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, store.AccessEvent{
			SourceIP:    ev.SourceIP,
			Fingerprint: ev.Fingerprint,
			Username:    ev.Username,
			AuthMethod:  ev.AuthMethod,
			EventType:   ev.EventType,
			EventTime:   ev.Time,
			RawLogLine:  ev.Raw,
			LogSource:   ev.LogSource,
		})
	}
	return out
}

func sudoEvents(events []logparse.SudoEvent) []store.SudoEvent {
	out := make([]store.SudoEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, store.SudoEvent{
			Username:   ev.Username,
			TargetUser: ev.TargetUser,
			TTY:        ev.TTY,
			WorkingDir: ev.WorkingDir,
			Command:    ev.Command,
			EventTime:  ev.Time,
			RawLogLine: ev.Raw,
			LogSource:  ev.LogSource,
		})
	}
	return out
}

func latestEventTime(r *logparse.Result) time.Time {
	var max time.Time
	for _, ev := range r.Events {
		if ev.Time.After(max) {
			max = ev.Time
		}
	}
	for _, ev := range r.SudoEvents {
		if ev.Time.After(max) {
			max = ev.Time
		}
	}
	return max
}

func isLocalIP(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" || strings.HasPrefix(ip, "127.")
}

// unameNodename pulls the hostname field out of `uname -a` output.
func unameNodename(uname string) string {
	f := strings.Fields(uname)
	if len(f) < 2 {
		return ""
	}
	return f[1]
}

// unameRelease pulls the OS release field out of `uname -a` output. AIX
// puts the version before the release, so both orders are joined.
func unameRelease(uname string) string {
	f := strings.Fields(uname)
	if len(f) < 3 {
		return ""
	}
	if strings.EqualFold(f[0], "aix") && len(f) >= 4 {
		return f[3] + "." + f[2]
	}
	return f[2]
}
