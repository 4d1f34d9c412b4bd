package unreachable

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestSeverity(t *testing.T) {
	cases := []struct {
		name        string
		username    string
		hasAccepted bool
		ip          string
		want        string
	}{
		{"root accepted", "root", true, "203.0.113.5", SeverityCritical},
		{"root accepted private", "root", true, "10.1.2.3", SeverityCritical},
		{"user accepted public", "deploy", true, "203.0.113.5", SeverityHigh},
		{"user accepted rfc1918", "deploy", true, "192.168.1.10", SeverityMedium},
		{"user accepted loopback", "deploy", true, "127.0.0.1", SeverityMedium},
		{"user accepted link-local", "deploy", true, "169.254.0.9", SeverityMedium},
		{"user accepted ula v6", "deploy", true, "fd00::1", SeverityMedium},
		{"failed only", "root", false, "203.0.113.5", SeverityLow},
		{"unparseable ip", "deploy", true, "not-an-ip", SeverityHigh},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Severity(c.username, c.hasAccepted, c.ip); got != c.want {
				t.Errorf("Severity(%q, %v, %q) = %q, want %q",
					c.username, c.hasAccepted, c.ip, got, c.want)
			}
		})
	}
}

func TestProbeCaching(t *testing.T) {
	var dials int
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	d := New(time.Second, time.Hour)
	d.nowFunc = func() time.Time { return now }
	d.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		dials++
		return nil, errors.New("connection refused")
	}
	d.lookup = func(ctx context.Context, ip string) ([]string, error) {
		return []string{"host.example.com."}, nil
	}

	ctx := context.Background()
	reachable, rdns := d.Probe(ctx, "203.0.113.5", 22)
	if reachable {
		t.Fatal("refused dial reported reachable")
	}
	if rdns != "host.example.com" {
		t.Errorf("reverse dns = %q, want trailing dot trimmed", rdns)
	}
	if dials != 1 {
		t.Fatalf("dials = %d, want 1", dials)
	}

	// Within the TTL the cached result answers.
	d.Probe(ctx, "203.0.113.5", 22)
	if dials != 1 {
		t.Errorf("cached probe dialed again: %d", dials)
	}

	// A different port is a different cache entry.
	d.Probe(ctx, "203.0.113.5", 2222)
	if dials != 2 {
		t.Errorf("distinct port did not probe: %d dials", dials)
	}

	// TTL expiry forces a fresh probe.
	now = now.Add(2 * time.Hour)
	d.Probe(ctx, "203.0.113.5", 22)
	if dials != 3 {
		t.Errorf("expired entry not re-probed: %d dials", dials)
	}
}

func TestProbeReachableSkipsDNS(t *testing.T) {
	d := New(time.Second, time.Hour)
	d.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		c, s := net.Pipe()
		go s.Close()
		return c, nil
	}
	looked := false
	d.lookup = func(ctx context.Context, ip string) ([]string, error) {
		looked = true
		return nil, nil
	}

	reachable, rdns := d.Probe(context.Background(), "10.0.0.1", 22)
	if !reachable {
		t.Fatal("successful dial reported unreachable")
	}
	if rdns != "" || looked {
		t.Error("reverse dns looked up for a reachable source")
	}
}
