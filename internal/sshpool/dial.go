package sshpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethods assembles client authentication from the operator's own
// credentials: ssh-agent when SSH_AUTH_SOCK is set, then an identity
// file, then a password. The identity file is the operator's, never key
// material harvested from a target.
func AuthMethods(keyPath, password string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if ac, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(ac).Signers))
		} else {
			log.Printf("[sshpool] ssh-agent unavailable: %v", err)
		}
	}

	if keyPath != "" {
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read identity %s: %w", keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse identity %s: %w", keyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if password != "" {
		methods = append(methods, ssh.Password(password))
	}

	if len(methods) == 0 {
		return nil, errors.New("no ssh auth methods configured")
	}
	return methods, nil
}

// hostKeyCallback returns a trust-on-first-use callback backed by an
// OpenSSH known_hosts file. Unknown hosts are recorded and accepted;
// a key that disagrees with the recorded one is rejected.
func hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		log.Printf("[sshpool] no known_hosts path configured; host keys are not verified")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, err
	}

	// knownhosts.New snapshots the file, so keys accepted during this
	// process are tracked in memory as well.
	var mu sync.Mutex
	accepted := make(map[string]string)

	return func(hostname string, remoteAddr net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remoteAddr, key)
		if err == nil {
			return nil
		}
		var kerr *knownhosts.KeyError
		if !errors.As(err, &kerr) || len(kerr.Want) > 0 {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		host := knownhosts.Normalize(hostname)
		wire := string(key.Marshal())
		if prev, ok := accepted[host]; ok {
			if prev == wire {
				return nil
			}
			return fmt.Errorf("host key for %s changed since first contact", host)
		}

		out, ferr := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
		if ferr != nil {
			return ferr
		}
		defer out.Close()
		if _, werr := fmt.Fprintln(out, knownhosts.Line([]string{host}, key)); werr != nil {
			return werr
		}
		accepted[host] = wire
		log.Printf("[sshpool] recorded host key for %s (%s)", host, ssh.FingerprintSHA256(key))
		return nil
	}, nil
}

func dialSSH(ctx context.Context, t Target, cfg Config, hostKeys ssh.HostKeyCallback) (remote, error) {
	conf := &ssh.ClientConfig{
		User:            t.User,
		Auth:            t.Auth,
		HostKeyCallback: hostKeys,
		Timeout:         cfg.ConnectTimeout,
	}

	addr := t.Addr()
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// NewClientConn takes no context; bound the handshake with a
	// socket deadline instead.
	if cfg.ConnectTimeout > 0 {
		nc.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	}
	cc, chans, reqs, err := ssh.NewClientConn(nc, addr, conf)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	nc.SetDeadline(time.Time{})

	return &sshRemote{client: ssh.NewClient(cc, chans, reqs)}, nil
}

// sshRemote adapts *ssh.Client to the pool's remote interface, caching
// one SFTP subsystem per connection.
type sshRemote struct {
	client *ssh.Client

	mu    sync.Mutex
	sftpc *sftp.Client
}

func (r *sshRemote) SSH() *ssh.Client { return r.client }

func (r *sshRemote) Keepalive() error {
	_, _, err := r.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (r *sshRemote) SFTP() (*sftp.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sftpc != nil {
		return r.sftpc, nil
	}
	c, err := sftp.NewClient(r.client)
	if err != nil {
		return nil, fmt.Errorf("sftp subsystem: %w", err)
	}
	r.sftpc = c
	return c, nil
}

func (r *sshRemote) Close() error {
	r.mu.Lock()
	if r.sftpc != nil {
		r.sftpc.Close()
		r.sftpc = nil
	}
	r.mu.Unlock()
	return r.client.Close()
}
