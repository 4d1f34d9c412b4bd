package logparse

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func mustUTC(y int, mo time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}

func TestParseAcceptedDebian(t *testing.T) {
	line := "Feb  5 13:04:01 webprod-03 sshd[2841]: Accepted publickey for deploy from 10.1.2.3 port 55123 ssh2: ED25519 SHA256:GbJlTLeQgZhvGoklWGXHo0AinGgGEcldllgYExoSy+s"

	p := NewParser(Options{ReferenceTime: mustUTC(2026, time.February, 5, 14, 0, 0)})
	ev, se := p.ParseLine(line)
	if se != nil {
		t.Fatalf("unexpected sudo event: %+v", se)
	}
	if ev == nil {
		t.Fatal("expected an event, got nil")
	}

	want := mustUTC(2026, time.February, 5, 13, 4, 1)
	if !ev.Time.Equal(want) {
		t.Errorf("Time = %v, want %v", ev.Time, want)
	}
	if ev.EventType != EventAccepted {
		t.Errorf("EventType = %q, want %q", ev.EventType, EventAccepted)
	}
	if ev.Username != "deploy" {
		t.Errorf("Username = %q, want deploy", ev.Username)
	}
	if ev.SourceIP != "10.1.2.3" {
		t.Errorf("SourceIP = %q, want 10.1.2.3", ev.SourceIP)
	}
	if ev.Port != 55123 {
		t.Errorf("Port = %d, want 55123", ev.Port)
	}
	if ev.PID != 2841 {
		t.Errorf("PID = %d, want 2841", ev.PID)
	}
	if ev.AuthMethod != "publickey" {
		t.Errorf("AuthMethod = %q, want publickey", ev.AuthMethod)
	}
	if ev.KeyType != "ed25519" {
		t.Errorf("KeyType = %q, want ed25519", ev.KeyType)
	}
	if ev.Fingerprint != "SHA256:GbJlTLeQgZhvGoklWGXHo0AinGgGEcldllgYExoSy+s" {
		t.Errorf("Fingerprint = %q", ev.Fingerprint)
	}
	if ev.Host != "webprod-03" {
		t.Errorf("Host = %q, want webprod-03", ev.Host)
	}
	if ev.LogSource != SourceSyslog {
		t.Errorf("LogSource = %q, want %q", ev.LogSource, SourceSyslog)
	}
	if p.Malformed() != 0 {
		t.Errorf("Malformed = %d, want 0", p.Malformed())
	}
}

func TestParseEventTable(t *testing.T) {
	ref := mustUTC(2026, time.June, 20, 12, 0, 0)

	tests := []struct {
		name        string
		line        string
		osType      string
		wantType    string
		wantUser    string
		wantIP      string
		wantPort    int
		wantMethod  string
		wantFP      string
		wantKeyType string
	}{
		{
			name:       "rhel failed password",
			line:       "Jun 19 03:22:10 db01 sshd[991]: Failed password for root from 203.0.113.7 port 40022 ssh2",
			wantType:   EventFailed,
			wantUser:   "root",
			wantIP:     "203.0.113.7",
			wantPort:   40022,
			wantMethod: "password",
		},
		{
			name:       "failed for invalid user",
			line:       "Jun 19 03:22:11 db01 sshd[991]: Failed password for invalid user admin from 203.0.113.7 port 40023 ssh2",
			wantType:   EventFailed,
			wantUser:   "admin",
			wantIP:     "203.0.113.7",
			wantPort:   40023,
			wantMethod: "password",
		},
		{
			name:     "invalid user",
			line:     "Jun 19 03:22:09 db01 sshd[990]: Invalid user oracle from 203.0.113.7 port 40021",
			wantType: EventInvalidUser,
			wantUser: "oracle",
			wantIP:   "203.0.113.7",
			wantPort: 40021,
		},
		{
			name:     "disconnect with user",
			line:     "Jun 19 08:00:00 db01 sshd[1200]: Disconnected from user deploy 10.1.2.3 port 55123",
			wantType: EventDisconnect,
			wantUser: "deploy",
			wantIP:   "10.1.2.3",
			wantPort: 55123,
		},
		{
			name:     "disconnect authenticating user",
			line:     "Jun 19 08:00:01 db01 sshd[1201]: Disconnected from authenticating user root 203.0.113.7 port 40100",
			wantType: EventDisconnect,
			wantUser: "root",
			wantIP:   "203.0.113.7",
			wantPort: 40100,
		},
		{
			name:     "disconnect bare",
			line:     "Jun 19 08:00:02 db01 sshd[1202]: Disconnected from 203.0.113.7 port 40101",
			wantType: EventDisconnect,
			wantIP:   "203.0.113.7",
			wantPort: 40101,
		},
		{
			name:     "received disconnect",
			line:     "Jun 19 08:00:03 db01 sshd[1203]: Received disconnect from 203.0.113.7 port 40102:11: disconnected by user",
			wantType: EventDisconnect,
			wantIP:   "203.0.113.7",
			wantPort: 40102,
		},
		{
			name:        "accepted rsa with md5 era fingerprint",
			line:        "Jun 19 09:10:11 db01 sshd[1300]: Accepted publickey for backup from 192.168.9.4 port 51000 ssh2: RSA 22:bf:c9:71:56:39:9a:ec:2e:5a:83:fd:fa:3a:94:3e",
			wantType:    EventAccepted,
			wantUser:    "backup",
			wantIP:      "192.168.9.4",
			wantPort:    51000,
			wantMethod:  "publickey",
			wantKeyType: "rsa",
			wantFP:      "22:bf:c9:71:56:39:9a:ec:2e:5a:83:fd:fa:3a:94:3e",
		},
		{
			name:       "accepted keyboard-interactive",
			line:       "Jun 19 10:00:00 db01 sshd[1400]: Accepted keyboard-interactive for svc from 10.0.0.9 port 2222 ssh2",
			wantType:   EventAccepted,
			wantUser:   "svc",
			wantIP:     "10.0.0.9",
			wantPort:   2222,
			wantMethod: "keyboard-interactive",
		},
		{
			name:        "aix accepted with facility token",
			line:        "Jun 19 11:30:45 aixhost auth|security:info sshd[5243]: Accepted publickey for appuser from 10.20.30.40 port 50512 ssh2: RSA SHA256:DtNa14XzGvvz2QOsO26RgOdTRvnZaoL9JCOdQpDGj7g",
			osType:      "aix",
			wantType:    EventAccepted,
			wantUser:    "appuser",
			wantIP:      "10.20.30.40",
			wantPort:    50512,
			wantMethod:  "publickey",
			wantKeyType: "rsa",
			wantFP:      "SHA256:DtNa14XzGvvz2QOsO26RgOdTRvnZaoL9JCOdQpDGj7g",
		},
		{
			name:       "aix failed with colon facility",
			line:       "Jun 19 11:31:02 aixhost auth:info sshd[5244]: Failed password for invalid user guest from 10.20.30.41 port 50513 ssh2",
			osType:     "aix",
			wantType:   EventFailed,
			wantUser:   "guest",
			wantIP:     "10.20.30.41",
			wantPort:   50513,
			wantMethod: "password",
		},
		{
			name:     "ipv6 source",
			line:     "Jun 19 12:00:00 db01 sshd[1500]: Invalid user test from 2001:db8::1 port 40200",
			wantType: EventInvalidUser,
			wantUser: "test",
			wantIP:   "2001:db8::1",
			wantPort: 40200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(Options{OSType: tt.osType, ReferenceTime: ref})
			ev, _ := p.ParseLine(tt.line)
			if ev == nil {
				t.Fatalf("no event parsed from %q", tt.line)
			}
			if ev.EventType != tt.wantType {
				t.Errorf("EventType = %q, want %q", ev.EventType, tt.wantType)
			}
			if ev.Username != tt.wantUser {
				t.Errorf("Username = %q, want %q", ev.Username, tt.wantUser)
			}
			if ev.SourceIP != tt.wantIP {
				t.Errorf("SourceIP = %q, want %q", ev.SourceIP, tt.wantIP)
			}
			if ev.Port != tt.wantPort {
				t.Errorf("Port = %d, want %d", ev.Port, tt.wantPort)
			}
			if ev.AuthMethod != tt.wantMethod {
				t.Errorf("AuthMethod = %q, want %q", ev.AuthMethod, tt.wantMethod)
			}
			if ev.Fingerprint != tt.wantFP {
				t.Errorf("Fingerprint = %q, want %q", ev.Fingerprint, tt.wantFP)
			}
			if ev.KeyType != tt.wantKeyType {
				t.Errorf("KeyType = %q, want %q", ev.KeyType, tt.wantKeyType)
			}
		})
	}
}

func TestAIXParserIgnoresLinuxShape(t *testing.T) {
	p := NewParser(Options{OSType: "aix", ReferenceTime: mustUTC(2026, time.June, 20, 0, 0, 0)})
	ev, _ := p.ParseLine("Jun 19 03:22:10 db01 sshd[991]: Failed password for root from 203.0.113.7 port 40022 ssh2")
	if ev != nil {
		t.Fatalf("aix parser matched a linux-shaped line: %+v", ev)
	}
	if p.Malformed() != 1 {
		t.Errorf("Malformed = %d, want 1", p.Malformed())
	}
}

func TestYearRollover(t *testing.T) {
	// File written across New Year, read with a January mtime. December
	// events belong to the previous year and the sequence must stay
	// monotonic across the wrap.
	input := strings.Join([]string{
		"Dec 31 23:59:58 gw01 sshd[100]: Accepted publickey for ops from 10.0.0.1 port 50001 ssh2: ED25519 SHA256:aaaa",
		"Jan  1 00:00:05 gw01 sshd[101]: Accepted publickey for ops from 10.0.0.1 port 50002 ssh2: ED25519 SHA256:aaaa",
		"Jan  2 10:00:00 gw01 sshd[102]: Accepted publickey for ops from 10.0.0.1 port 50003 ssh2: ED25519 SHA256:aaaa",
	}, "\n")

	res, err := ParseSyslog(strings.NewReader(input), Options{
		ReferenceTime: mustUTC(2026, time.January, 3, 9, 0, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 3 {
		t.Fatalf("got %d events, want 3", len(res.Events))
	}

	wantTimes := []time.Time{
		mustUTC(2025, time.December, 31, 23, 59, 58),
		mustUTC(2026, time.January, 1, 0, 0, 5),
		mustUTC(2026, time.January, 2, 10, 0, 0),
	}
	for i, want := range wantTimes {
		if !res.Events[i].Time.Equal(want) {
			t.Errorf("event %d: Time = %v, want %v", i, res.Events[i].Time, want)
		}
	}
	for i := 1; i < len(res.Events); i++ {
		if res.Events[i].Time.Before(res.Events[i-1].Time) {
			t.Errorf("timestamps not monotonic: %v after %v", res.Events[i].Time, res.Events[i-1].Time)
		}
	}
}

func TestWatermarkSkipsOldEvents(t *testing.T) {
	input := strings.Join([]string{
		"Jun 19 03:00:00 db01 sshd[1]: Accepted password for a from 10.0.0.1 port 1 ssh2",
		"Jun 19 04:00:00 db01 sshd[2]: Accepted password for b from 10.0.0.1 port 2 ssh2",
		"Jun 19 05:00:00 db01 sshd[3]: Accepted password for c from 10.0.0.1 port 3 ssh2",
	}, "\n")

	res, err := ParseSyslog(strings.NewReader(input), Options{
		ReferenceTime: mustUTC(2026, time.June, 20, 0, 0, 0),
		// Equal to the second event: at-or-before is skipped.
		Watermark: mustUTC(2026, time.June, 19, 4, 0, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(res.Events))
	}
	if res.Events[0].Username != "c" {
		t.Errorf("Username = %q, want c", res.Events[0].Username)
	}
	if res.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", res.Skipped)
	}
}

func TestMalformedCounting(t *testing.T) {
	p := NewParser(Options{ReferenceTime: mustUTC(2026, time.June, 20, 0, 0, 0)})

	// sshd line that matches no pattern: malformed.
	if ev, _ := p.ParseLine("Jun 19 03:00:00 db01 sshd[77]: pam_unix(sshd:session): session opened for user root"); ev != nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	// Unrelated daemon: silently ignored.
	if ev, _ := p.ParseLine("Jun 19 03:00:01 db01 CRON[88]: (root) CMD (run-parts /etc/cron.hourly)"); ev != nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev, _ := p.ParseLine(""); ev != nil {
		t.Fatalf("unexpected event: %+v", ev)
	}

	if p.Malformed() != 1 {
		t.Errorf("Malformed = %d, want 1", p.Malformed())
	}
}

func TestParseJournalLine(t *testing.T) {
	want := mustUTC(2026, time.February, 5, 13, 4, 1)
	line := fmt.Sprintf(`{"__REALTIME_TIMESTAMP":"%d","SYSLOG_IDENTIFIER":"sshd","_PID":"2841","_HOSTNAME":"webprod-03","MESSAGE":"Accepted publickey for deploy from 10.1.2.3 port 55123 ssh2: ED25519 SHA256:GbJlTLeQgZhvGoklWGXHo0AinGgGEcldllgYExoSy+s"}`,
		want.UnixMicro())

	p := NewParser(Options{LogSource: SourceJournald})
	ev, _ := p.ParseJournalLine(line)
	if ev == nil {
		t.Fatal("expected an event, got nil")
	}
	if !ev.Time.Equal(want) {
		t.Errorf("Time = %v, want %v", ev.Time, want)
	}
	if ev.Host != "webprod-03" {
		t.Errorf("Host = %q, want webprod-03", ev.Host)
	}
	if ev.PID != 2841 {
		t.Errorf("PID = %d, want 2841", ev.PID)
	}
	if ev.EventType != EventAccepted || ev.Username != "deploy" {
		t.Errorf("parsed %q/%q, want accepted/deploy", ev.EventType, ev.Username)
	}
	if ev.LogSource != SourceJournald {
		t.Errorf("LogSource = %q, want %q", ev.LogSource, SourceJournald)
	}
	if ev.Raw != line {
		t.Errorf("Raw should be the original JSON record")
	}
}

func TestParseJournalLineIgnoresOtherUnits(t *testing.T) {
	p := NewParser(Options{})
	ev, _ := p.ParseJournalLine(`{"__REALTIME_TIMESTAMP":"1700000000000000","SYSLOG_IDENTIFIER":"cron","MESSAGE":"job started"}`)
	if ev != nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if p.Malformed() != 0 {
		t.Errorf("Malformed = %d, want 0", p.Malformed())
	}

	if ev, _ := p.ParseJournalLine("{not json"); ev != nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if p.Malformed() != 1 {
		t.Errorf("Malformed = %d, want 1", p.Malformed())
	}
}

func TestParseSudoLine(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{
			name: "plain identifier",
			line: "Feb  3 09:15:22 web1 sudo: alice : TTY=pts/0 ; PWD=/home/alice ; USER=root ; COMMAND=/usr/bin/less /var/log/secure",
		},
		{
			name: "identifier with pid",
			line: "Feb  3 09:15:22 web1 sudo[4412]: alice : TTY=pts/0 ; PWD=/home/alice ; USER=root ; COMMAND=/usr/bin/less /var/log/secure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(Options{ReferenceTime: mustUTC(2026, time.February, 4, 0, 0, 0)})
			ev, se := p.ParseLine(tt.line)
			if ev != nil {
				t.Fatalf("unexpected auth event: %+v", ev)
			}
			if se == nil {
				t.Fatal("expected a sudo event, got nil")
			}
			if se.Username != "alice" {
				t.Errorf("Username = %q, want alice", se.Username)
			}
			if se.TargetUser != "root" {
				t.Errorf("TargetUser = %q, want root", se.TargetUser)
			}
			if se.TTY != "pts/0" {
				t.Errorf("TTY = %q, want pts/0", se.TTY)
			}
			if se.WorkingDir != "/home/alice" {
				t.Errorf("WorkingDir = %q, want /home/alice", se.WorkingDir)
			}
			if se.Command != "/usr/bin/less /var/log/secure" {
				t.Errorf("Command = %q", se.Command)
			}
			want := mustUTC(2026, time.February, 3, 9, 15, 22)
			if !se.Time.Equal(want) {
				t.Errorf("Time = %v, want %v", se.Time, want)
			}
		})
	}
}

func TestParseSyslogStream(t *testing.T) {
	input := strings.Join([]string{
		"Jun 19 03:22:10 db01 sshd[991]: Failed password for root from 203.0.113.7 port 40022 ssh2",
		"Jun 19 03:25:00 db01 CRON[88]: (root) CMD (run-parts /etc/cron.hourly)",
		"Jun 19 09:10:11 db01 sshd[1300]: Accepted publickey for backup from 192.168.9.4 port 51000 ssh2: ED25519 SHA256:bbbb",
		"Jun 19 09:11:00 db01 sudo: backup : TTY=pts/1 ; PWD=/srv ; USER=root ; COMMAND=/usr/bin/rsync -a /srv /backup",
		"Jun 19 09:12:00 db01 sshd[1301]: error: maximum authentication attempts exceeded",
	}, "\n")

	res, err := ParseSyslog(strings.NewReader(input), Options{
		ReferenceTime: mustUTC(2026, time.June, 20, 0, 0, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("got %d events, want 2", len(res.Events))
	}
	if len(res.SudoEvents) != 1 {
		t.Fatalf("got %d sudo events, want 1", len(res.SudoEvents))
	}
	if res.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", res.Malformed)
	}
	if res.Events[0].EventType != EventFailed || res.Events[1].EventType != EventAccepted {
		t.Errorf("event types = %q, %q", res.Events[0].EventType, res.Events[1].EventType)
	}
}

func TestDefaultLogPaths(t *testing.T) {
	tests := []struct {
		osType string
		want   []string
	}{
		{"linux", []string{"/var/log/auth.log", "/var/log/secure"}},
		{"aix", []string{"/var/adm/syslog", "/var/log/syslog"}},
		{"", []string{"/var/log/auth.log", "/var/log/secure"}},
	}
	for _, tt := range tests {
		got := DefaultLogPaths(tt.osType)
		if len(got) != len(tt.want) {
			t.Fatalf("DefaultLogPaths(%q) = %v, want %v", tt.osType, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("DefaultLogPaths(%q)[%d] = %q, want %q", tt.osType, i, got[i], tt.want[i])
			}
		}
	}
}
