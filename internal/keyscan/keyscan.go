// Package keyscan discovers public key material on a crawled host over
// SFTP: authorized_keys grants per user, identity public keys, and host
// keys. Private key files are recorded by path and mode only; their
// contents are never read.
package keyscan

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/jsherman999/keyspider/internal/fingerprint"
	"github.com/jsherman999/keyspider/internal/sftpread"
)

// KeyLocation file types.
const (
	FileAuthorizedKeys = "authorized_keys"
	FileIdentity       = "identity"
	FileHostKey        = "host_key"
)

var identityCandidates = []string{"id_rsa.pub", "id_ed25519.pub", "id_ecdsa.pub", "id_dsa.pub"}

// Finding is one public key observed at one path.
type Finding struct {
	Key       fingerprint.PublicKey
	Path      string
	FileType  string
	Owner     string
	Perms     fs.FileMode
	ModTime   time.Time
	Size      int64
	IsHostKey bool
}

// PrivateKeyNote records that a private key file exists. Path and mode
// only; the scanner never opens these.
type PrivateKeyNote struct {
	Path    string
	Owner   string
	Perms   fs.FileMode
	ModTime time.Time
	Size    int64
}

// Result is everything discovered on one host.
type Result struct {
	Findings    []Finding
	PrivateKeys []PrivateKeyNote
	Malformed   int // unparseable key lines
	Errors      int // unreadable files other than absence
}

type user struct {
	name  string
	uid   uint32
	home  string
	shell string
}

// Scan walks /etc/passwd homes and /etc/ssh. Missing files are normal;
// unreadable ones are counted and skipped. Cancellation is observed
// between users.
func Scan(ctx context.Context, r *sftpread.Reader) (*Result, error) {
	res := &Result{}
	users, uidNames := loadUsers(r, res)

	seen := make(map[string]bool)
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		scanUserHome(r, u, uidNames, seen, res)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	scanHostKeys(r, uidNames, seen, res)
	return res, nil
}

// loadUsers returns the accounts worth scanning (interactive shell and a
// home directory) plus a uid name map covering every passwd entry.
func loadUsers(r *sftpread.Reader, res *Result) ([]user, map[uint32]string) {
	uidNames := make(map[uint32]string)

	data, err := r.ReadFile("/etc/passwd")
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			res.Errors++
		}
		log.Printf("[keyscan] passwd unavailable: %v", err)
		return nil, uidNames
	}

	var users []user
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			continue
		}
		uid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			continue
		}
		u := user{name: fields[0], uid: uint32(uid), home: fields[5], shell: fields[6]}
		uidNames[u.uid] = u.name
		if interactive(u) {
			users = append(users, u)
		}
	}
	return users, uidNames
}

func interactive(u user) bool {
	if u.home == "" || u.home == "/nonexistent" {
		return false
	}
	switch u.shell {
	case "", "/bin/false", "/usr/bin/false", "/sbin/nologin", "/usr/sbin/nologin", "/bin/sync":
		return false
	}
	return true
}

func scanUserHome(r *sftpread.Reader, u user, uidNames map[uint32]string, seen map[string]bool, res *Result) {
	sshDir := strings.TrimRight(u.home, "/") + "/.ssh"

	for _, name := range []string{"authorized_keys", "authorized_keys2"} {
		scanKeyFile(r, sshDir+"/"+name, FileAuthorizedKeys, false, uidNames, seen, res)
	}

	for _, cand := range identityCandidates {
		pub := sshDir + "/" + cand
		scanKeyFile(r, pub, FileIdentity, false, uidNames, seen, res)
		notePrivateKey(r, strings.TrimSuffix(pub, ".pub"), uidNames, res)
	}
}

func scanHostKeys(r *sftpread.Reader, uidNames map[uint32]string, seen map[string]bool, res *Result) {
	entries, err := r.ListDir("/etc/ssh")
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			res.Errors++
			log.Printf("[keyscan] list /etc/ssh: %v", err)
		}
		return
	}
	for _, e := range entries {
		base := e.Path[strings.LastIndexByte(e.Path, '/')+1:]
		if !strings.HasPrefix(base, "ssh_host_") {
			continue
		}
		if strings.HasSuffix(base, "_key.pub") {
			scanKeyFile(r, e.Path, FileHostKey, true, uidNames, seen, res)
		} else if strings.HasSuffix(base, "_key") {
			notePrivateKey(r, e.Path, uidNames, res)
		}
	}
}

// scanKeyFile parses every key line in one file. Blank and comment lines
// are skipped; unparseable lines are counted.
func scanKeyFile(r *sftpread.Reader, path, fileType string, hostKey bool, uidNames map[uint32]string, seen map[string]bool, res *Result) {
	data, err := r.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			res.Errors++
			log.Printf("[keyscan] read %s: %v", path, err)
		}
		return
	}

	st, err := r.Stat(path)
	if err != nil {
		log.Printf("[keyscan] stat %s: %v", path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, err := fingerprint.Parse(line)
		if err != nil {
			res.Malformed++
			continue
		}
		dedup := path + "\x00" + key.FingerprintSHA256
		if seen[dedup] {
			continue
		}
		seen[dedup] = true
		res.Findings = append(res.Findings, Finding{
			Key:       *key,
			Path:      path,
			FileType:  fileType,
			Owner:     ownerName(uidNames, st.UID),
			Perms:     st.Mode,
			ModTime:   st.ModTime,
			Size:      st.Size,
			IsHostKey: hostKey,
		})
	}
}

// notePrivateKey stats a private key path. Stat only.
func notePrivateKey(r *sftpread.Reader, path string, uidNames map[uint32]string, res *Result) {
	st, err := r.Stat(path)
	if err != nil {
		return
	}
	res.PrivateKeys = append(res.PrivateKeys, PrivateKeyNote{
		Path:    path,
		Owner:   ownerName(uidNames, st.UID),
		Perms:   st.Mode,
		ModTime: st.ModTime,
		Size:    st.Size,
	})
}

func ownerName(uidNames map[uint32]string, uid uint32) string {
	if name, ok := uidNames[uid]; ok {
		return name
	}
	return strconv.FormatUint(uint64(uid), 10)
}
