package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Capture is one stored reply.
type Capture struct {
	ID         string
	Target     string
	Content    string
	Markdown   string
	CapturedAt int64 // unix milliseconds
}

// RecordCapture stores a captured reply.
func (s *Store) RecordCapture(ctx context.Context, c *Capture) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO captures (id, target, content, markdown, captured_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Target, c.Content, c.Markdown, c.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("store: record capture: %w", err)
	}
	return nil
}

// LastCapture returns the newest stored reply for a target, or nil when the
// target has never produced one.
func (s *Store) LastCapture(ctx context.Context, target string) (*Capture, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, target, content, markdown, captured_at
		FROM captures WHERE target = ?
		ORDER BY captured_at DESC, id DESC LIMIT 1`, target)

	var c Capture
	err := row.Scan(&c.ID, &c.Target, &c.Content, &c.Markdown, &c.CapturedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan capture: %w", err)
	}
	return &c, nil
}

// PruneCaptures keeps the newest keep rows per target and deletes the rest.
func (s *Store) PruneCaptures(ctx context.Context, keep int) error {
	if keep <= 0 {
		keep = 20
	}
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM captures WHERE id NOT IN (
			SELECT id FROM captures c2
			WHERE c2.target = captures.target
			ORDER BY c2.captured_at DESC, c2.id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return fmt.Errorf("store: prune captures: %w", err)
	}
	return nil
}
