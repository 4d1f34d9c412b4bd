package agent

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strings"

	"github.com/jsherman999/keyspider/internal/agentrecv"
	"github.com/jsherman999/keyspider/internal/keyscan"
	"github.com/jsherman999/keyspider/internal/sftpread"
)

// osFS adapts the local filesystem to the scanner's file surface, so
// the same key discovery runs locally that the crawler runs over SFTP.
type osFS struct{}

func (osFS) Open(path string) (sftpread.File, error) { return os.Open(path) }

func (osFS) Stat(path string) (fs.FileInfo, error) { return os.Stat(path) }

func (osFS) ReadDir(path string) ([]fs.FileInfo, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	infos := make([]fs.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// InventoryKeys scans the local host for public key material.
func InventoryKeys(ctx context.Context) (agentrecv.KeysRequest, error) {
	res, err := keyscan.Scan(ctx, sftpread.NewFS(osFS{}))
	if err != nil {
		return agentrecv.KeysRequest{}, fmt.Errorf("local key scan: %w", err)
	}

	req := agentrecv.KeysRequest{
		OSType:    localOSType(),
		OSVersion: localOSVersion(),
	}
	for _, f := range res.Findings {
		req.Keys = append(req.Keys, agentrecv.KeyPayload{
			FingerprintSHA256: f.Key.FingerprintSHA256,
			FingerprintMD5:    f.Key.FingerprintMD5,
			KeyType:           f.Key.KeyType,
			KeyBits:           f.Key.Bits,
			Comment:           f.Key.Comment,
			IsHostKey:         f.IsHostKey,
			FilePath:          f.Path,
			FileType:          f.FileType,
			UnixOwner:         f.Owner,
			UnixPerms:         fmt.Sprintf("%04o", f.Perms.Perm()),
			FileMtime:         f.ModTime,
			FileSize:          f.Size,
		})
	}
	return req, nil
}

func localOSType() string {
	switch runtime.GOOS {
	case "aix":
		return "aix"
	case "linux":
		return "linux"
	default:
		return "unknown"
	}
}

func localOSVersion() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "VERSION_ID=") {
			return strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), `"`)
		}
	}
	return ""
}
