// Package remotecmd is the single choke point for command execution on
// crawled hosts. Every command line is assembled from a fixed template
// with validated parameters; nothing caller-supplied reaches the remote
// shell unchecked. File content access belongs to sftpread, never here.
package remotecmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jsherman999/keyspider/internal/sshpool"
)

// ErrBadParameter rejects a template parameter that failed validation.
var ErrBadParameter = errors.New("remote command parameter rejected")

var (
	// Absolute POSIX paths from our own configuration; no spaces,
	// quotes, or traversal.
	pathRE = regexp.MustCompile(`^/[A-Za-z0-9/._+-]+$`)
	unitRE = regexp.MustCompile(`^[A-Za-z0-9@._-]+$`)
)

// JournalDump returns up to maxLines of sshd journald records as JSON
// export, oldest first. A zero since dumps from the tail only.
func JournalDump(ctx context.Context, lease *sshpool.Lease, since time.Time, maxLines int) ([]byte, error) {
	return run(ctx, lease, journalDumpCmd(since, maxLines))
}

func journalDumpCmd(since time.Time, maxLines int) string {
	if maxLines <= 0 {
		maxLines = 50000
	}
	cmd := fmt.Sprintf("journalctl -u ssh -u sshd -u sshd-session --output=json --no-pager -n %d", maxLines)
	if !since.IsZero() {
		cmd += fmt.Sprintf(" --since '%s'", since.UTC().Format("2006-01-02 15:04:05"))
	}
	return cmd
}

// Uname returns the remote kernel name, e.g. "Linux" or "AIX".
func Uname(ctx context.Context, lease *sshpool.Lease) (string, error) {
	out, err := run(ctx, lease, "uname -s")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// DetectOS maps a kernel name onto the server os_type vocabulary.
func DetectOS(uname string) string {
	switch {
	case strings.EqualFold(uname, "linux"):
		return "linux"
	case strings.EqualFold(uname, "aix"):
		return "aix"
	default:
		return "unknown"
	}
}

// SystemdEnableNow reloads units and enables one by name. Used only by
// agent deployment.
func SystemdEnableNow(ctx context.Context, lease *sshpool.Lease, unit string) error {
	if !unitRE.MatchString(unit) {
		return fmt.Errorf("unit %q: %w", unit, ErrBadParameter)
	}
	out, err := run(ctx, lease, fmt.Sprintf("systemctl daemon-reload && systemctl enable --now %s", unit))
	if err != nil {
		return fmt.Errorf("enable %s: %w (output: %s)", unit, err, firstLine(out))
	}
	return nil
}

// IsCommandNotFound reports whether err is the remote shell failing to
// find the command (exit 127), e.g. journalctl on a sysvinit host.
func IsCommandNotFound(err error) bool {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus() == 127
	}
	return false
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// run executes one fixed-template command within the lease's command
// timeout. Closing the session on timeout tears down the remote process.
func run(ctx context.Context, lease *sshpool.Lease, cmd string) ([]byte, error) {
	sess, err := lease.Client().NewSession()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	defer sess.Close()

	timeout := lease.CommandTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, rerr := sess.CombinedOutput(cmd)
		ch <- result{out, rerr}
	}()

	select {
	case <-ctx.Done():
		sess.Close()
		return nil, fmt.Errorf("remote command after %s: %w", timeout, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return r.out, fmt.Errorf("remote command: %w", r.err)
		}
		return r.out, nil
	}
}

// Stream is a line-oriented feed from a long-running remote command.
// Lines closes when the command exits or the context is cancelled; Err
// reports why, nil meaning a clean stop.
type Stream struct {
	lines chan string
	sess  *ssh.Session

	mu  sync.Mutex
	err error
}

// Lines yields output lines in arrival order.
func (s *Stream) Lines() <-chan string { return s.lines }

// Err is valid after Lines is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop tears down the remote command. Safe to call more than once.
func (s *Stream) Stop() { s.sess.Close() }

// FollowJournal streams new sshd journald records as JSON export lines.
func FollowJournal(ctx context.Context, lease *sshpool.Lease) (*Stream, error) {
	return follow(ctx, lease, "journalctl --follow --output=json --no-pager -n 0 -u ssh -u sshd -u sshd-session")
}

// FollowFile streams lines appended to an auth log. On Linux tail -F
// survives rotation; AIX tail has no -F.
func FollowFile(ctx context.Context, lease *sshpool.Lease, path, osType string) (*Stream, error) {
	if !pathRE.MatchString(path) || strings.Contains(path, "..") {
		return nil, fmt.Errorf("path %q: %w", path, ErrBadParameter)
	}
	cmd := fmt.Sprintf("tail -F -n 0 -- %s", path)
	if osType == "aix" {
		cmd = fmt.Sprintf("tail -f %s", path)
	}
	return follow(ctx, lease, cmd)
}

func follow(ctx context.Context, lease *sshpool.Lease, cmd string) (*Stream, error) {
	sess, err := lease.Client().NewSession()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	out, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.Start(cmd); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start %q: %w", cmd, err)
	}

	s := &Stream{lines: make(chan string, 64), sess: sess}
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-done:
		}
	}()

	go func() {
		sc := bufio.NewScanner(out)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scan:
		for sc.Scan() {
			select {
			case s.lines <- sc.Text():
			case <-ctx.Done():
				break scan
			}
		}
		werr := sess.Wait()

		s.mu.Lock()
		switch {
		case ctx.Err() != nil:
			// Cancelled by the caller; not a failure.
		case sc.Err() != nil:
			s.err = sc.Err()
		default:
			s.err = werr
		}
		s.mu.Unlock()

		close(done)
		close(s.lines)
	}()

	return s, nil
}
