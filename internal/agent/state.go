package agent

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// State is the agent's local SQLite store: tail offsets so a restart
// resumes where it left off, and the offline spool for pushes that
// failed while the receiver was unreachable. WAL mode for durability.
type State struct {
	db *sql.DB
	mu sync.Mutex
}

// SpoolItem is one queued push.
type SpoolItem struct {
	ID        int64
	Endpoint  string
	Payload   []byte
	CreatedAt time.Time
}

// OpenState opens or creates the state database.
func OpenState(path string) (*State, error) {
	db, err := sql.Open("sqlite",
		"file:"+path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS offsets (
			path TEXT PRIMARY KEY,
			offset INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS spool (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			endpoint TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS spool_created_idx ON spool(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init state db: %w", err)
		}
	}
	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error { return s.db.Close() }

// Offset returns the stored tail offset for a log file, 0 when unseen.
func (s *State) Offset(path string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var off int64
	err := s.db.QueryRow(`SELECT offset FROM offsets WHERE path = ?`, path).Scan(&off)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read offset %s: %w", path, err)
	}
	return off, nil
}

// SetOffset persists the tail position.
func (s *State) SetOffset(path string, off int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO offsets (path, offset) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET offset = excluded.offset
	`, path, off)
	if err != nil {
		return fmt.Errorf("store offset %s: %w", path, err)
	}
	return nil
}

// Enqueue spools a failed push for later delivery.
func (s *State) Enqueue(endpoint string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO spool (endpoint, payload) VALUES (?, ?)`,
		endpoint, payload)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// DequeueBatch returns the oldest spooled pushes without removing them;
// the caller deletes what it delivered.
func (s *State) DequeueBatch(limit int) ([]SpoolItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, endpoint, payload, created_at FROM spool
		ORDER BY created_at ASC, id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	defer rows.Close()

	var items []SpoolItem
	for rows.Next() {
		var it SpoolItem
		if err := rows.Scan(&it.ID, &it.Endpoint, &it.Payload, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan spool row: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Delete removes delivered spool entries.
func (s *State) Delete(ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.db.Exec(`DELETE FROM spool WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete spool %d: %w", id, err)
		}
	}
	return nil
}

// SpoolCount returns the number of queued pushes.
func (s *State) SpoolCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM spool`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Prune drops spooled pushes older than maxAge. Events that old would
// land behind the server's watermark anyway.
func (s *State) Prune(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM spool WHERE created_at < ?`,
		time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("prune spool: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
