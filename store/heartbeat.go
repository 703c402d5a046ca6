package store

import (
	"context"
	"fmt"
)

// Heartbeat is the last observed liveness of one target tab.
type Heartbeat struct {
	Target string
	Alive  bool
	URL    string
	SeenAt int64 // unix milliseconds
}

// RecordHeartbeat upserts the liveness row for a target.
func (s *Store) RecordHeartbeat(ctx context.Context, h *Heartbeat) error {
	alive := 0
	if h.Alive {
		alive = 1
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO tab_heartbeats (target, alive, url, seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(target) DO UPDATE SET
			alive = excluded.alive, url = excluded.url, seen_at = excluded.seen_at`,
		h.Target, alive, h.URL, h.SeenAt,
	)
	if err != nil {
		return fmt.Errorf("store: record heartbeat: %w", err)
	}
	return nil
}

// Heartbeats returns the liveness rows for all targets ever seen.
func (s *Store) Heartbeats(ctx context.Context) ([]*Heartbeat, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT target, alive, url, seen_at FROM tab_heartbeats ORDER BY target`)
	if err != nil {
		return nil, fmt.Errorf("store: list heartbeats: %w", err)
	}
	defer rows.Close()

	var result []*Heartbeat
	for rows.Next() {
		var h Heartbeat
		var alive int
		if err := rows.Scan(&h.Target, &alive, &h.URL, &h.SeenAt); err != nil {
			return nil, fmt.Errorf("store: scan heartbeat: %w", err)
		}
		h.Alive = alive != 0
		result = append(result, &h)
	}
	return result, rows.Err()
}
