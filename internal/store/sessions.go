package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrSessionActive reports an attempt to start a second active watch
// session on the same server.
var ErrSessionActive = errors.New("server already has an active watch session")

const sessionColumns = `id, server_id, status, auto_spider, spider_depth,
	events_captured, last_event_at, created_at, stopped_at`

func scanSession(row rowScanner) (*WatchSession, error) {
	var ws WatchSession
	err := row.Scan(&ws.ID, &ws.ServerID, &ws.Status, &ws.AutoSpider,
		&ws.SpiderDepth, &ws.EventsCaptured, &ws.LastEventAt,
		&ws.CreatedAt, &ws.StoppedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan watch session: %w", err)
	}
	return &ws, nil
}

// CreateSession starts a watch session record. The partial unique index
// on (server_id) WHERE status = 'active' enforces one live session per
// server; a collision surfaces as ErrSessionActive.
func (s *Store) CreateSession(ctx context.Context, serverID int64, autoSpider bool, spiderDepth int) (*WatchSession, error) {
	if spiderDepth <= 0 {
		spiderDepth = 1
	}
	id := uuid.NewString()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO watch_sessions (id, server_id, auto_spider, spider_depth)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+sessionColumns,
		id, serverID, autoSpider, spiderDepth)
	ws, err := scanSession(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrSessionActive
		}
		return nil, err
	}
	return ws, nil
}

// SessionByID returns one watch session.
func (s *Store) SessionByID(ctx context.Context, id string) (*WatchSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM watch_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// ActiveSessions returns sessions to resume after a daemon restart.
func (s *Store) ActiveSessions(ctx context.Context) ([]WatchSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM watch_sessions
		 WHERE status IN ($1, $2) ORDER BY created_at`,
		SessionActive, SessionPaused)
	if err != nil {
		return nil, fmt.Errorf("active sessions: %w", err)
	}
	defer rows.Close()

	var out []WatchSession
	for rows.Next() {
		ws, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ws)
	}
	return out, rows.Err()
}

// SetSessionStatus transitions a session. Stopped is terminal; paused and
// error sessions may go active again.
func (s *Store) SetSessionStatus(ctx context.Context, id, status string) error {
	switch status {
	case SessionActive, SessionPaused, SessionError:
		_, err := s.pool.Exec(ctx,
			`UPDATE watch_sessions SET status = $2
			 WHERE id = $1 AND status <> $3`,
			id, status, SessionStopped)
		if err != nil {
			return fmt.Errorf("set session %s status: %w", id, err)
		}
		return nil
	case SessionStopped:
		_, err := s.pool.Exec(ctx,
			`UPDATE watch_sessions SET status = $2, stopped_at = now()
			 WHERE id = $1 AND status <> $2`,
			id, SessionStopped)
		if err != nil {
			return fmt.Errorf("stop session %s: %w", id, err)
		}
		return nil
	default:
		return fmt.Errorf("set session %s status: unknown status %q", id, status)
	}
}

// BumpSessionEvents adds to the capture counter after a live batch
// commits.
func (s *Store) BumpSessionEvents(ctx context.Context, id string, n int, at time.Time) error {
	if n <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE watch_sessions
		 SET events_captured = events_captured + $2,
		     last_event_at = GREATEST(last_event_at, $3)
		 WHERE id = $1`,
		id, n, at.UTC())
	if err != nil {
		return fmt.Errorf("bump session %s: %w", id, err)
	}
	return nil
}
