package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Confirmation is a serialized pending confirmation; the payload is an
// opaque JSON blob owned by the caller.
type Confirmation struct {
	Token     string
	Payload   string
	Source    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SaveConfirmation upserts a pending confirmation
func (s *Store) SaveConfirmation(c *Confirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO confirmations (token, payload, source, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			payload=excluded.payload, source=excluded.source,
			created_at=excluded.created_at, expires_at=excluded.expires_at
	`, c.Token, c.Payload, c.Source,
		c.CreatedAt.Format(time.RFC3339), c.ExpiresAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save confirmation: %w", err)
	}
	return nil
}

// FetchConfirmations returns every stored confirmation, expired ones
// included; sweeping is the caller's concern.
func (s *Store) FetchConfirmations() ([]*Confirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT token, payload, source, created_at, expires_at FROM confirmations")
	if err != nil {
		return nil, fmt.Errorf("failed to query confirmations: %w", err)
	}
	defer rows.Close()

	var out []*Confirmation
	for rows.Next() {
		var (
			c         Confirmation
			source    sql.NullString
			createdAt string
			expiresAt string
		)
		if err := rows.Scan(&c.Token, &c.Payload, &source, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan confirmation: %w", err)
		}
		c.Source = source.String
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			c.CreatedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339, expiresAt); err == nil {
			c.ExpiresAt = ts
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteConfirmation removes a confirmation by token
func (s *Store) DeleteConfirmation(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM confirmations WHERE token = ?", token)
	return err
}
