package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/joao-fontenele/courier-dispatch/internal/rotation"
)

// RotationStore keeps one JSON ring per terminal. Updates for a terminal are
// serialized with a transaction-scoped advisory lock so the row does not need
// to exist before the first push.
type RotationStore struct {
	db *sql.DB
}

func NewRotationStore(db *sql.DB) *RotationStore {
	return &RotationStore{db: db}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadRing(ctx context.Context, q queryer, terminalID string) (rotation.Ring, error) {
	var raw []byte
	err := q.QueryRowContext(ctx, `
		SELECT ring FROM terminal_rotation WHERE terminal_id = $1
	`, terminalID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rotation.Ring{TerminalID: terminalID}, nil
		}
		return rotation.Ring{}, err
	}

	var ring rotation.Ring
	if err := json.Unmarshal(raw, &ring); err != nil {
		return rotation.Ring{}, err
	}
	ring.TerminalID = terminalID
	return ring, nil
}

func (s *RotationStore) Load(ctx context.Context, terminalID string) (rotation.Ring, error) {
	return loadRing(ctx, s.db, terminalID)
}

func (s *RotationStore) Update(ctx context.Context, terminalID string, fn func(r *rotation.Ring) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, terminalID); err != nil {
		return err
	}

	ring, err := loadRing(ctx, tx, terminalID)
	if err != nil {
		return err
	}
	if err := fn(&ring); err != nil {
		return err
	}

	raw, err := json.Marshal(ring)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO terminal_rotation (terminal_id, ring, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (terminal_id)
		DO UPDATE SET ring = EXCLUDED.ring, updated_at = EXCLUDED.updated_at
	`, terminalID, raw)
	if err != nil {
		return err
	}

	return tx.Commit()
}
