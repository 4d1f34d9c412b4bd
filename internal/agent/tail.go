package agent

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/jsherman999/keyspider/internal/agentrecv"
	"github.com/jsherman999/keyspider/internal/logparse"
)

// maxReadPerPoll bounds one poll's read so a huge backlog cannot stall
// the loop. What remains is picked up next tick.
const maxReadPerPoll = 8 << 20

// Tailer reads one log file incrementally from a persisted byte offset.
type Tailer struct {
	path   string
	osType string
	state  *State
}

// NewTailer builds a tailer for one log file.
func NewTailer(path, osType string, state *State) *Tailer {
	return &Tailer{path: path, osType: osType, state: state}
}

// Poll reads everything appended since the last poll and parses it. A
// file smaller than the stored offset was rotated or truncated; the
// offset resets to zero and the new file is read from the start. A
// trailing partial line is left for the next poll.
func (t *Tailer) Poll() ([]agentrecv.EventPayload, []agentrecv.SudoPayload, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("open %s: %w", t.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("stat %s: %w", t.path, err)
	}

	offset, err := t.state.Offset(t.path)
	if err != nil {
		return nil, nil, err
	}
	if info.Size() < offset {
		offset = 0
	}
	if info.Size() == offset {
		return nil, nil, nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, nil, fmt.Errorf("seek %s: %w", t.path, err)
	}
	toRead := info.Size() - offset
	if toRead > maxReadPerPoll {
		toRead = maxReadPerPoll
	}
	buf := make([]byte, toRead)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", t.path, err)
	}

	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		return nil, nil, nil
	}
	buf = buf[:end+1]
	consumed := offset + int64(end) + 1

	parser := logparse.NewParser(logparse.Options{
		OSType:        t.osType,
		ReferenceTime: info.ModTime(),
		LogSource:     logparse.SourceAgent,
	})

	var events []agentrecv.EventPayload
	var sudos []agentrecv.SudoPayload
	for _, raw := range bytes.Split(buf, []byte{'\n'}) {
		if len(raw) == 0 {
			continue
		}
		ev, sudo := parser.ParseLine(string(raw))
		if ev != nil {
			events = append(events, agentrecv.EventPayload{
				EventTime:   ev.Time,
				EventType:   ev.EventType,
				Username:    ev.Username,
				SourceIP:    ev.SourceIP,
				AuthMethod:  ev.AuthMethod,
				Fingerprint: ev.Fingerprint,
				Raw:         ev.Raw,
			})
		}
		if sudo != nil {
			sudos = append(sudos, agentrecv.SudoPayload{
				EventTime:  sudo.Time,
				Username:   sudo.Username,
				TargetUser: sudo.TargetUser,
				TTY:        sudo.TTY,
				WorkingDir: sudo.WorkingDir,
				Command:    sudo.Command,
				Raw:        sudo.Raw,
			})
		}
	}

	if err := t.state.SetOffset(t.path, consumed); err != nil {
		return nil, nil, err
	}
	return events, sudos, nil
}
