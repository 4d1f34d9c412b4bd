// Package agentrecv is the HTTP receiver for keyspider agents: hosts the
// crawler cannot reach inbound run a local agent that pushes heartbeats,
// auth events, sudo events, and key inventories here. Every request is
// authenticated with the per-server bearer token issued at deploy time.
package agentrecv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jsherman999/keyspider/internal/logparse"
	"github.com/jsherman999/keyspider/internal/store"
	"github.com/jsherman999/keyspider/internal/token"
)

// Store is the persistence surface the receiver writes through.
type Store interface {
	ServerByTokenHash(ctx context.Context, hash string) (*store.Server, error)
	TouchHeartbeat(ctx context.Context, id int64, version string, at time.Time) error
	ApplyScan(ctx context.Context, serverID int64, b *store.ScanBatch) (store.ScanStats, error)
}

// Handler serves the /api/agent endpoints.
type Handler struct {
	st  Store
	now func() time.Time
}

// NewHandler creates an agent receiver over a store.
func NewHandler(st Store) *Handler {
	return &Handler{st: st, now: time.Now}
}

// RegisterRoutes adds the agent routes to a ServeMux.
func RegisterRoutes(mux *http.ServeMux, h *Handler) {
	mux.HandleFunc("/api/agent/heartbeat", h.post(h.handleHeartbeat))
	mux.HandleFunc("/api/agent/events", h.post(h.handleEvents))
	mux.HandleFunc("/api/agent/sudo-events", h.post(h.handleSudoEvents))
	mux.HandleFunc("/api/agent/keys", h.post(h.handleKeys))
}

type agentHandler func(w http.ResponseWriter, r *http.Request, srv *store.Server)

// post wraps a handler with the method check and bearer authentication.
// The token resolves to a server by hash; a constant-time recheck guards
// against a hash row that does not actually match.
func (h *Handler) post(next agentHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "invalid or missing Bearer token",
			})
			return
		}
		tok := strings.TrimPrefix(auth, "Bearer ")
		srv, err := h.st.ServerByTokenHash(r.Context(), token.Hash(tok))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Printf("[agentrecv] token lookup: %v", err)
		}
		if err != nil || !token.Verify(srv.AgentTokenHash, tok) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "invalid or missing Bearer token",
			})
			return
		}
		next(w, r, srv)
	}
}

// HeartbeatRequest is the agent liveness ping.
type HeartbeatRequest struct {
	Version string `json:"version"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request, srv *store.Server) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON: " + err.Error(),
		})
		return
	}
	if err := h.st.TouchHeartbeat(r.Context(), srv.ID, req.Version, h.now()); err != nil {
		log.Printf("[agentrecv] heartbeat %s: %v", srv.IPAddress, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "heartbeat failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EventPayload is one auth event as the agent parsed it locally.
type EventPayload struct {
	EventTime   time.Time `json:"event_time"`
	EventType   string    `json:"event_type"`
	Username    string    `json:"username"`
	SourceIP    string    `json:"source_ip"`
	AuthMethod  string    `json:"auth_method"`
	Fingerprint string    `json:"fingerprint"`
	Raw         string    `json:"raw"`
}

// EventsRequest is a batch of auth events.
type EventsRequest struct {
	Events []EventPayload `json:"events"`
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request, srv *store.Server) {
	var req EventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON: " + err.Error(),
		})
		return
	}

	batch := store.ScanBatch{}
	for i, ev := range req.Events {
		if err := validateEvent(ev); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("event %d: %v", i, err),
			})
			return
		}
		batch.Events = append(batch.Events, store.AccessEvent{
			SourceIP:    ev.SourceIP,
			Fingerprint: ev.Fingerprint,
			Username:    ev.Username,
			AuthMethod:  ev.AuthMethod,
			EventType:   ev.EventType,
			EventTime:   ev.EventTime,
			RawLogLine:  ev.Raw,
			LogSource:   logparse.SourceAgent,
		})
		if ev.EventTime.After(batch.Watermark) {
			batch.Watermark = ev.EventTime
		}
	}

	h.commit(w, r, srv, &batch, func(st store.ScanStats) int { return st.EventsInserted })
}

func validateEvent(ev EventPayload) error {
	switch ev.EventType {
	case logparse.EventAccepted, logparse.EventFailed, logparse.EventInvalidUser, logparse.EventDisconnect:
	default:
		return fmt.Errorf("unknown event_type %q", ev.EventType)
	}
	if ev.EventTime.IsZero() {
		return errors.New("event_time is required")
	}
	return nil
}

// SudoPayload is one sudo invocation as the agent parsed it.
type SudoPayload struct {
	EventTime  time.Time `json:"event_time"`
	Username   string    `json:"username"`
	TargetUser string    `json:"target_user"`
	TTY        string    `json:"tty"`
	WorkingDir string    `json:"working_dir"`
	Command    string    `json:"command"`
	Raw        string    `json:"raw"`
}

// SudoEventsRequest is a batch of sudo events.
type SudoEventsRequest struct {
	Events []SudoPayload `json:"events"`
}

func (h *Handler) handleSudoEvents(w http.ResponseWriter, r *http.Request, srv *store.Server) {
	var req SudoEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON: " + err.Error(),
		})
		return
	}

	batch := store.ScanBatch{}
	for i, ev := range req.Events {
		if ev.EventTime.IsZero() || ev.Username == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("sudo event %d: event_time and username are required", i),
			})
			return
		}
		batch.SudoEvents = append(batch.SudoEvents, store.SudoEvent{
			Username:   ev.Username,
			TargetUser: ev.TargetUser,
			TTY:        ev.TTY,
			WorkingDir: ev.WorkingDir,
			Command:    ev.Command,
			EventTime:  ev.EventTime,
			RawLogLine: ev.Raw,
			LogSource:  logparse.SourceAgent,
		})
		if ev.EventTime.After(batch.Watermark) {
			batch.Watermark = ev.EventTime
		}
	}

	h.commit(w, r, srv, &batch, func(st store.ScanStats) int { return st.SudoInserted })
}

// KeyPayload is one public key finding from the agent's local scan.
// Public key metadata only; agents never read private key material.
type KeyPayload struct {
	FingerprintSHA256 string    `json:"fingerprint_sha256"`
	FingerprintMD5    string    `json:"fingerprint_md5"`
	KeyType           string    `json:"key_type"`
	KeyBits           int       `json:"key_bits"`
	Comment           string    `json:"comment"`
	IsHostKey         bool      `json:"is_host_key"`
	FilePath          string    `json:"file_path"`
	FileType          string    `json:"file_type"`
	UnixOwner         string    `json:"unix_owner"`
	UnixPerms         string    `json:"unix_perms"`
	FileMtime         time.Time `json:"file_mtime"`
	FileSize          int64     `json:"file_size"`
}

// KeysRequest is a full key inventory push.
type KeysRequest struct {
	OSType    string       `json:"os_type"`
	OSVersion string       `json:"os_version"`
	Keys      []KeyPayload `json:"keys"`
}

func (h *Handler) handleKeys(w http.ResponseWriter, r *http.Request, srv *store.Server) {
	var req KeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON: " + err.Error(),
		})
		return
	}

	batch := store.ScanBatch{OSType: req.OSType, OSVersion: req.OSVersion}
	for i, k := range req.Keys {
		if k.FingerprintSHA256 == "" || k.FilePath == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("key %d: fingerprint_sha256 and file_path are required", i),
			})
			return
		}
		batch.Keys = append(batch.Keys, store.KeyObservation{
			Key: store.SSHKey{
				FingerprintSHA256: k.FingerprintSHA256,
				FingerprintMD5:    k.FingerprintMD5,
				KeyType:           k.KeyType,
				KeyBits:           k.KeyBits,
				Comment:           k.Comment,
				IsHostKey:         k.IsHostKey,
				FileMtime:         k.FileMtime,
			},
			Location: store.KeyLocation{
				FilePath:  k.FilePath,
				FileType:  k.FileType,
				UnixOwner: k.UnixOwner,
				UnixPerms: k.UnixPerms,
				FileMtime: k.FileMtime,
				FileSize:  k.FileSize,
			},
		})
	}

	h.commit(w, r, srv, &batch, func(st store.ScanStats) int { return st.KeysUpserted })
}

func (h *Handler) commit(w http.ResponseWriter, r *http.Request, srv *store.Server, batch *store.ScanBatch, accepted func(store.ScanStats) int) {
	stats, err := h.st.ApplyScan(r.Context(), srv.ID, batch)
	if err != nil {
		log.Printf("[agentrecv] %s: commit: %v", srv.IPAddress, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "commit failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted(stats)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
