// Package sftpread provides bounded remote file access over SFTP.
//
// All remote file content the crawler consumes flows through this package;
// nothing shells out to cat or tail a file. Reads are capped so a corrupt
// or runaway file cannot exhaust memory, and missing paths surface as
// fs.ErrNotExist rather than scan failures.
package sftpread

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/pkg/sftp"
)

// DefaultMaxBytes caps whole-file reads. authorized_keys and passwd files
// are tiny; anything near this size is not a file we want.
const DefaultMaxBytes = 10 << 20

const (
	// Tail reads seek back avgLineBytes per requested line, clamped to
	// [minTailWindow, maxTailWindow].
	avgLineBytes  = 256
	minTailWindow = 64 << 10
	maxTailWindow = 50 << 20
)

// ErrTooLarge reports a file over the configured read cap.
var ErrTooLarge = errors.New("file exceeds read limit")

// FS is the file surface the reader needs. *sftp.Client satisfies it via
// the adapter in New; tests substitute an in-memory implementation.
type FS interface {
	Open(path string) (File, error)
	Stat(path string) (fs.FileInfo, error)
	ReadDir(path string) ([]fs.FileInfo, error)
}

// File is one open remote file.
type File interface {
	io.ReadCloser
	io.Seeker
}

// FileInfo is the stat projection recorded with key locations.
type FileInfo struct {
	Path    string
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	UID     uint32
	GID     uint32
	IsDir   bool
}

// Reader performs bounded reads against one remote host.
type Reader struct {
	fs       FS
	maxBytes int64
}

// New wraps an established SFTP client.
func New(client *sftp.Client) *Reader {
	return NewFS(sftpFS{client})
}

// NewFS builds a Reader over any FS implementation.
func NewFS(fsys FS) *Reader {
	return &Reader{fs: fsys, maxBytes: DefaultMaxBytes}
}

// SetMaxBytes overrides the whole-file read cap. Values <= 0 keep the default.
func (r *Reader) SetMaxBytes(n int64) {
	if n > 0 {
		r.maxBytes = n
	}
}

// ReadFile returns the full contents of path, refusing files larger than
// the read cap with ErrTooLarge.
func (r *Reader) ReadFile(path string) ([]byte, error) {
	f, err := r.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	// Read one byte past the cap so growth between stat and read is
	// still caught.
	data, err := io.ReadAll(io.LimitReader(f, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("read %s (%d+ bytes): %w", path, len(data), ErrTooLarge)
	}
	return data, nil
}

// TailLines returns up to maxLines complete lines from the end of path.
// When the read window starts mid-file the first partial line is dropped.
func (r *Reader) TailLines(path string, maxLines int) ([]string, error) {
	if maxLines <= 0 {
		return nil, nil
	}

	f, err := r.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("seek %s: %w", path, err)
	}

	window := int64(maxLines) * avgLineBytes
	if window < minTailWindow {
		window = minTailWindow
	}
	if window > maxTailWindow {
		window = maxTailWindow
	}

	start := size - window
	if start < 0 {
		start = 0
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", path, err)
	}

	data, err := io.ReadAll(io.LimitReader(f, window+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	text := string(data)
	if start > 0 {
		// The window almost certainly opened mid-line.
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		} else {
			return nil, nil
		}
	}

	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

// Stat returns file metadata including ownership when the transport
// provides it.
func (r *Reader) Stat(path string) (FileInfo, error) {
	info, err := r.fs.Stat(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return fileInfo(path, info), nil
}

// Exists reports whether path exists. Absence is not an error.
func (r *Reader) Exists(path string) (bool, error) {
	_, err := r.fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

// ListDir returns directory entries sorted by name.
func (r *Reader) ListDir(path string) ([]FileInfo, error) {
	entries, err := r.fs.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", path, err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." {
			continue
		}
		out = append(out, fileInfo(join(path, name), e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func fileInfo(path string, info fs.FileInfo) FileInfo {
	fi := FileInfo{
		Path:    path,
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
	if st, ok := info.Sys().(*sftp.FileStat); ok && st != nil {
		fi.UID = st.UID
		fi.GID = st.GID
	}
	return fi
}

// join uses forward slashes regardless of the local OS; SFTP paths are
// always POSIX.
func join(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

// sftpFS adapts *sftp.Client to the FS interface.
type sftpFS struct {
	c *sftp.Client
}

func (s sftpFS) Open(path string) (File, error) { return s.c.Open(path) }

func (s sftpFS) Stat(path string) (fs.FileInfo, error) { return s.c.Stat(path) }

func (s sftpFS) ReadDir(path string) ([]fs.FileInfo, error) { return s.c.ReadDir(path) }
