// Package logparse normalises SSH authentication logs into events.
//
// Three syslog dialects are understood (Debian/Ubuntu auth.log, RHEL/CentOS
// secure, AIX /var/adm/syslog) plus journald JSON export. Syslog timestamps
// carry no year; a Parser seeds the year from the file's reference time and
// corrects rollovers as it walks the file, so timestamps within one file
// come out monotonically non-decreasing. Lines that look like sshd output
// but match no pattern are counted as malformed, never fatal.
package logparse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Event types.
const (
	EventAccepted    = "accepted"
	EventFailed      = "failed"
	EventInvalidUser = "invalid_user"
	EventDisconnect  = "disconnect"
)

// Log sources.
const (
	SourceSyslog   = "syslog"
	SourceJournald = "journald"
	SourceAgent    = "agent"
)

// Event is one normalised SSH authentication event.
type Event struct {
	Time        time.Time
	Host        string
	Username    string
	SourceIP    string
	Port        int
	PID         int
	EventType   string // accepted, failed, invalid_user, disconnect
	AuthMethod  string // publickey, password, keyboard-interactive
	KeyType     string // lowercased wire token from the log, may be empty
	Fingerprint string // as logged: SHA256:... or MD5 hex pairs
	Raw         string
	LogSource   string
}

// SudoEvent is one parsed sudo invocation line.
type SudoEvent struct {
	Time       time.Time
	Host       string
	Username   string
	TTY        string
	WorkingDir string
	TargetUser string
	Command    string
	Raw        string
	LogSource  string
}

// Options configure a Parser for one file or stream.
type Options struct {
	OSType        string    // "linux" (default) or "aix"
	ReferenceTime time.Time // file mtime; seeds the syslog year
	Watermark     time.Time // events at or before this instant are skipped
	LogSource     string    // defaults to SourceSyslog
}

// Result collects the output of a whole-file parse.
type Result struct {
	Events     []Event
	SudoEvents []SudoEvent
	Malformed  int
	Skipped    int // dropped by the watermark
}

const tsPat = `(?P<timestamp>\w+\s+\d+\s+[\d:]+)\s+`

// Debian/Ubuntu /var/log/auth.log and RHEL /var/log/secure share the shape
// "Mon DD HH:MM:SS hostname sshd[PID]: message".
var (
	acceptedRE = regexp.MustCompile(`^` + tsPat +
		`(?P<hostname>\S+)\s+sshd\[(?P<pid>\d+)\]:\s+` +
		`Accepted\s+(?P<method>publickey|password|keyboard-interactive)\s+` +
		`for\s+(?P<username>\S+)\s+` +
		`from\s+(?P<ip>[\d.]+|[0-9a-fA-F:]+)\s+` +
		`port\s+(?P<port>\d+)` +
		`(?:\s+ssh2:\s+(?P<keytype>\S+)\s+(?P<fingerprint>\S+))?`)

	failedRE = regexp.MustCompile(`^` + tsPat +
		`(?P<hostname>\S+)\s+sshd\[(?P<pid>\d+)\]:\s+` +
		`Failed\s+(?P<method>publickey|password|keyboard-interactive)\s+` +
		`for\s+(?:invalid user\s+)?(?P<username>\S+)\s+` +
		`from\s+(?P<ip>[\d.]+|[0-9a-fA-F:]+)\s+` +
		`port\s+(?P<port>\d+)` +
		`(?:\s+ssh2:\s+(?P<keytype>\S+)\s+(?P<fingerprint>\S+))?`)

	invalidUserRE = regexp.MustCompile(`^` + tsPat +
		`(?P<hostname>\S+)\s+sshd\[(?P<pid>\d+)\]:\s+` +
		`Invalid user\s+(?P<username>\S+)\s+` +
		`from\s+(?P<ip>[\d.]+|[0-9a-fA-F:]+)\s+` +
		`port\s+(?P<port>\d+)`)

	disconnectRE = regexp.MustCompile(`^` + tsPat +
		`(?P<hostname>\S+)\s+sshd\[(?P<pid>\d+)\]:\s+` +
		`Disconnected from\s+(?:authenticating\s+)?(?:user\s+(?P<username>\S+)\s+)?` +
		`(?P<ip>[\d.]+|[0-9a-fA-F:]+)\s+` +
		`port\s+(?P<port>\d+)`)

	receivedDisconnectRE = regexp.MustCompile(`^` + tsPat +
		`(?P<hostname>\S+)\s+sshd\[(?P<pid>\d+)\]:\s+` +
		`Received disconnect from\s+` +
		`(?P<ip>[\d.]+|[0-9a-fA-F:]+)\s+` +
		`port\s+(?P<port>\d+)`)
)

// AIX syslog inserts a facility token: "... hostname auth|security:info sshd[PID]: ...".
var (
	aixAcceptedRE = regexp.MustCompile(`^` + tsPat +
		`(?P<hostname>\S+)\s+(?:auth|security)[|:]\S*\s+` +
		`sshd\[(?P<pid>\d+)\]:\s+` +
		`Accepted\s+(?P<method>publickey|password|keyboard-interactive)\s+` +
		`for\s+(?P<username>\S+)\s+` +
		`from\s+(?P<ip>[\d.]+|[0-9a-fA-F:]+)\s+` +
		`port\s+(?P<port>\d+)` +
		`(?:\s+ssh2:\s+(?P<keytype>\S+)\s+(?P<fingerprint>\S+))?`)

	aixFailedRE = regexp.MustCompile(`^` + tsPat +
		`(?P<hostname>\S+)\s+(?:auth|security)[|:]\S*\s+` +
		`sshd\[(?P<pid>\d+)\]:\s+` +
		`Failed\s+(?P<method>publickey|password|keyboard-interactive)\s+` +
		`for\s+(?:invalid user\s+)?(?P<username>\S+)\s+` +
		`from\s+(?P<ip>[\d.]+|[0-9a-fA-F:]+)\s+` +
		`port\s+(?P<port>\d+)` +
		`(?:\s+ssh2:\s+(?P<keytype>\S+)\s+(?P<fingerprint>\S+))?`)
)

var sudoRE = regexp.MustCompile(`^` + tsPat +
	`(?P<hostname>\S+)\s+` +
	`sudo(?:\[\d+\])?:\s+` +
	`(?P<username>\S+)\s+:\s+` +
	`TTY=(?P<tty>\S+)\s+;\s+` +
	`PWD=(?P<pwd>\S+)\s+;\s+` +
	`USER=(?P<target_user>\S+)\s+;\s+` +
	`COMMAND=(?P<command>.+)`)

var wsRE = regexp.MustCompile(`\s+`)

type pattern struct {
	re        *regexp.Regexp
	eventType string
}

var linuxPatterns = []pattern{
	{acceptedRE, EventAccepted},
	{failedRE, EventFailed},
	{invalidUserRE, EventInvalidUser},
	{disconnectRE, EventDisconnect},
	{receivedDisconnectRE, EventDisconnect},
}

var aixPatterns = []pattern{
	{aixAcceptedRE, EventAccepted},
	{aixFailedRE, EventFailed},
}

// Parser walks one log file or stream, maintaining the running year and the
// last timestamp for rollover correction. Not safe for concurrent use.
type Parser struct {
	opts      Options
	year      int
	lastTS    time.Time
	malformed int
	skipped   int
	nowFn     func() time.Time
}

// NewParser returns a Parser for a single file or stream.
func NewParser(opts Options) *Parser {
	p := &Parser{opts: opts, nowFn: time.Now}
	if p.opts.LogSource == "" {
		p.opts.LogSource = SourceSyslog
	}
	ref := opts.ReferenceTime
	if ref.IsZero() {
		ref = p.nowFn().UTC()
		p.opts.ReferenceTime = ref
	}
	p.year = ref.Year()
	return p
}

// Malformed returns the count of sshd-looking lines that matched no pattern.
func (p *Parser) Malformed() int { return p.malformed }

// Skipped returns the count of events dropped by the watermark.
func (p *Parser) Skipped() int { return p.skipped }

// ParseLine parses one syslog line. It returns an auth event, a sudo event,
// or neither. Lines that are not sshd or sudo output are ignored silently.
func (p *Parser) ParseLine(line string) (*Event, *SudoEvent) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	if strings.Contains(line, "sudo") {
		if se := p.matchSudo(line); se != nil {
			if p.pastWatermark(se.Time) {
				return nil, se
			}
			p.skipped++
			return nil, nil
		}
	}

	if !strings.Contains(line, "sshd[") {
		return nil, nil
	}

	ev, tsRaw := p.matchAuth(line)
	if ev == nil {
		p.malformed++
		return nil, nil
	}
	ev.Time = p.parseSyslogTime(tsRaw)
	if !p.pastWatermark(ev.Time) {
		p.skipped++
		return nil, nil
	}
	return ev, nil
}

// ParseJournalLine parses one line of `journalctl --output=json` export.
func (p *Parser) ParseJournalLine(line string) (*Event, *SudoEvent) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	var rec struct {
		Message  string `json:"MESSAGE"`
		SyslogID string `json:"SYSLOG_IDENTIFIER"`
		Realtime string `json:"__REALTIME_TIMESTAMP"`
		PID      string `json:"_PID"`
		Hostname string `json:"_HOSTNAME"`
	}
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		p.malformed++
		return nil, nil
	}
	if rec.Message == "" || !strings.Contains(rec.SyslogID, "sshd") {
		return nil, nil
	}

	ts := p.nowFn().UTC()
	if rec.Realtime != "" {
		if usec, err := strconv.ParseInt(rec.Realtime, 10, 64); err == nil {
			ts = time.UnixMicro(usec).UTC()
		}
	}

	pid := rec.PID
	if pid == "" {
		pid = "0"
	}
	// The message body shares its grammar with syslog; wrap it in a
	// synthetic header so the same patterns apply, then restore the
	// authoritative journald fields.
	fake := fmt.Sprintf("Jan  1 00:00:00 host sshd[%s]: %s", pid, rec.Message)
	ev, _ := p.matchAuth(fake)
	if ev == nil {
		p.malformed++
		return nil, nil
	}
	ev.Time = ts
	ev.Raw = line
	ev.LogSource = SourceJournald
	if rec.Hostname != "" {
		ev.Host = rec.Hostname
	}
	if !p.pastWatermark(ev.Time) {
		p.skipped++
		return nil, nil
	}
	return ev, nil
}

// matchAuth matches a syslog-shaped line against the dialect patterns.
// The returned event has every field set except Time; the second return is
// the raw timestamp prefix for the caller to stamp.
func (p *Parser) matchAuth(line string) (*Event, string) {
	patterns := linuxPatterns
	if p.opts.OSType == "aix" {
		patterns = aixPatterns
	}
	for _, pat := range patterns {
		m := pat.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		g := func(name string) string {
			i := pat.re.SubexpIndex(name)
			if i < 0 || i >= len(m) {
				return ""
			}
			return m[i]
		}
		port, _ := strconv.Atoi(g("port"))
		pid, _ := strconv.Atoi(g("pid"))
		return &Event{
			Host:        g("hostname"),
			Username:    g("username"),
			SourceIP:    g("ip"),
			Port:        port,
			PID:         pid,
			EventType:   pat.eventType,
			AuthMethod:  g("method"),
			KeyType:     strings.ToLower(g("keytype")),
			Fingerprint: g("fingerprint"),
			Raw:         line,
			LogSource:   p.opts.LogSource,
		}, g("timestamp")
	}
	return nil, ""
}

func (p *Parser) matchSudo(line string) *SudoEvent {
	m := sudoRE.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	g := func(name string) string {
		i := sudoRE.SubexpIndex(name)
		if i < 0 || i >= len(m) {
			return ""
		}
		return m[i]
	}
	return &SudoEvent{
		Time:       p.parseSyslogTime(g("timestamp")),
		Host:       g("hostname"),
		Username:   g("username"),
		TTY:        g("tty"),
		WorkingDir: g("pwd"),
		TargetUser: g("target_user"),
		Command:    strings.TrimSpace(g("command")),
		Raw:        line,
		LogSource:  p.opts.LogSource,
	}
}

// parseSyslogTime stamps a syslog timestamp with the running year.
// An event later than the reference time by more than a day belongs to the
// previous year; a >300 day backward jump against the previous event means
// the calendar wrapped and the running year moves forward. Both corrections
// persist for subsequent lines of the same file.
func (p *Parser) parseSyslogTime(raw string) time.Time {
	s := wsRE.ReplaceAllString(strings.TrimSpace(raw), " ")

	dt, err := parseWithYear(p.year, s)
	if err != nil {
		return p.nowFn().UTC()
	}

	if dt.Sub(p.opts.ReferenceTime) > 24*time.Hour {
		if fixed, ferr := parseWithYear(p.year-1, s); ferr == nil {
			p.year--
			dt = fixed
		}
	}
	if !p.lastTS.IsZero() && p.lastTS.Sub(dt) > 300*24*time.Hour {
		if fixed, ferr := parseWithYear(p.year+1, s); ferr == nil {
			p.year++
			dt = fixed
		}
	}

	p.lastTS = dt
	return dt
}

func parseWithYear(year int, s string) (time.Time, error) {
	return time.Parse("2006 Jan 2 15:04:05", fmt.Sprintf("%d %s", year, s))
}

// pastWatermark reports whether t is strictly after the configured
// watermark. Events at or before the watermark were already processed.
func (p *Parser) pastWatermark(t time.Time) bool {
	if p.opts.Watermark.IsZero() {
		return true
	}
	return t.After(p.opts.Watermark)
}

// ParseSyslog parses a whole syslog file or stream.
func ParseSyslog(r io.Reader, opts Options) (*Result, error) {
	return parseAll(r, opts, (*Parser).ParseLine)
}

// ParseJournal parses `journalctl --output=json` export, one record per line.
func ParseJournal(r io.Reader, opts Options) (*Result, error) {
	if opts.LogSource == "" {
		opts.LogSource = SourceJournald
	}
	return parseAll(r, opts, (*Parser).ParseJournalLine)
}

func parseAll(r io.Reader, opts Options, parse func(*Parser, string) (*Event, *SudoEvent)) (*Result, error) {
	p := NewParser(opts)
	res := &Result{}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		ev, se := parse(p, sc.Text())
		if ev != nil {
			res.Events = append(res.Events, *ev)
		}
		if se != nil {
			res.SudoEvents = append(res.SudoEvents, *se)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}

	res.Malformed = p.Malformed()
	res.Skipped = p.Skipped()
	return res, nil
}

// DefaultLogPaths returns the auth log candidates for an OS type, most
// likely first.
func DefaultLogPaths(osType string) []string {
	if osType == "aix" {
		return []string{"/var/adm/syslog", "/var/log/syslog"}
	}
	return []string{"/var/log/auth.log", "/var/log/secure"}
}
