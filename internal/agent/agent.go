package agent

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jsherman999/keyspider/internal/agentrecv"
	"github.com/jsherman999/keyspider/internal/logparse"
)

const spoolDrainBatch = 50

// Agent ties the tailers, key inventory, and receiver client together.
type Agent struct {
	cfg    *Config
	state  *State
	client *Client
	tails  []*Tailer

	// inventory is a seam for tests; production uses InventoryKeys.
	inventory func(ctx context.Context) (agentrecv.KeysRequest, error)
}

// New builds an agent from config. The caller owns state's lifetime.
func New(cfg *Config, state *State) *Agent {
	osType := localOSType()
	paths := cfg.LogPaths
	if len(paths) == 0 {
		paths = logparse.DefaultLogPaths(osType)
	}
	a := &Agent{
		cfg:    cfg,
		state:  state,
		client: NewClient(cfg, state),
	}
	for _, p := range paths {
		a.tails = append(a.tails, NewTailer(p, osType, state))
	}
	a.inventory = InventoryKeys
	return a
}

// Run is the agent main loop: poll the logs, heartbeat, rescan keys on
// an interval and on ~/.ssh changes, and drain the spool whenever a
// push succeeds. Returns when the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	poll := time.NewTicker(time.Duration(a.cfg.PollInterval) * time.Second)
	heartbeat := time.NewTicker(time.Duration(a.cfg.HeartbeatInterval) * time.Second)
	keyscanTick := time.NewTicker(time.Duration(a.cfg.KeyScanInterval) * time.Second)
	prune := time.NewTicker(time.Hour)
	defer poll.Stop()
	defer heartbeat.Stop()
	defer keyscanTick.Stop()
	defer prune.Stop()

	sshChanged := a.watchSSHDirs(ctx)

	// Initial push so a fresh deploy shows up immediately.
	a.doHeartbeat(ctx)
	a.doKeyScan(ctx)
	a.doPoll(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			a.doPoll(ctx)
		case <-heartbeat.C:
			a.doHeartbeat(ctx)
		case <-keyscanTick.C:
			a.doKeyScan(ctx)
		case <-sshChanged:
			log.Printf("[agent] ssh dir changed, rescanning keys")
			a.doKeyScan(ctx)
		case <-prune.C:
			maxAge := time.Duration(a.cfg.SpoolMaxAgeDays) * 24 * time.Hour
			if n, err := a.state.Prune(maxAge); err != nil {
				log.Printf("[agent] prune spool: %v", err)
			} else if n > 0 {
				log.Printf("[agent] pruned %d expired spooled pushes", n)
			}
		}
	}
}

func (a *Agent) doPoll(ctx context.Context) {
	for _, t := range a.tails {
		events, sudos, err := t.Poll()
		if err != nil {
			log.Printf("[agent] poll %s: %v", t.path, err)
			continue
		}
		if err := a.client.PushEvents(ctx, events); err != nil {
			log.Printf("[agent] push events: %v", err)
		}
		if err := a.client.PushSudoEvents(ctx, sudos); err != nil {
			log.Printf("[agent] push sudo events: %v", err)
		}
	}
	a.drain(ctx)
}

func (a *Agent) doHeartbeat(ctx context.Context) {
	if err := a.client.Heartbeat(ctx); err != nil {
		log.Printf("[agent] heartbeat: %v", err)
		return
	}
	a.drain(ctx)
}

func (a *Agent) doKeyScan(ctx context.Context) {
	req, err := a.inventory(ctx)
	if err != nil {
		log.Printf("[agent] key scan: %v", err)
		return
	}
	if err := a.client.PushKeys(ctx, req); err != nil {
		log.Printf("[agent] push keys: %v", err)
	}
}

// drain replays the spool after any successful contact with the
// receiver.
func (a *Agent) drain(ctx context.Context) {
	if a.state.SpoolCount() == 0 {
		return
	}
	if err := a.client.Drain(ctx, spoolDrainBatch); err != nil {
		log.Printf("[agent] drain spool: %v", err)
	}
}

// watchSSHDirs watches every user .ssh directory plus /etc/ssh with
// fsnotify, coalescing bursts into single notifications. The periodic
// key scan covers hosts where inotify is unavailable.
func (a *Agent) watchSSHDirs(ctx context.Context) <-chan struct{} {
	changed := make(chan struct{}, 1)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[agent] fsnotify unavailable, relying on periodic scan: %v", err)
		return changed
	}

	dirs := []string{"/etc/ssh"}
	if homes, err := os.ReadDir("/home"); err == nil {
		for _, h := range homes {
			dirs = append(dirs, filepath.Join("/home", h.Name(), ".ssh"))
		}
	}
	dirs = append(dirs, "/root/.ssh")
	for _, d := range dirs {
		if err := w.Add(d); err == nil {
			log.Printf("[agent] watching %s", d)
		}
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("[agent] fsnotify: %v", err)
			}
		}
	}()
	return changed
}
