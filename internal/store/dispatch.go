package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/joao-fontenele/courier-dispatch/internal/domain"
)

// DispatchRepository persists order_dispatch rows and their offers. Every
// state change is an UPDATE guarded on the row's version and state.
type DispatchRepository struct {
	db *sql.DB
}

func NewDispatchRepository(db *sql.DB) *DispatchRepository {
	return &DispatchRepository{db: db}
}

const dispatchColumns = `order_id, state, version, courier_id, rechecks, candidate_count,
		       excluded_courier_id, notified_at, opened_at, state_changed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispatch(row rowScanner) (domain.Dispatch, error) {
	var (
		d          domain.Dispatch
		courierID  sql.NullString
		excluded   sql.NullString
		notifiedAt sql.NullTime
	)
	err := row.Scan(
		&d.OrderID, &d.State, &d.Version, &courierID, &d.Rechecks, &d.CandidateCount,
		&excluded, &notifiedAt, &d.OpenedAt, &d.StateChangedAt,
	)
	if err != nil {
		return domain.Dispatch{}, err
	}
	d.CourierID = courierID.String
	d.ExcludedCourierID = excluded.String
	if notifiedAt.Valid {
		t := notifiedAt.Time
		d.NotifiedAt = &t
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (r *DispatchRepository) Ensure(ctx context.Context, d domain.Dispatch) (domain.Dispatch, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO order_dispatch (`+dispatchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (order_id) DO NOTHING
	`, d.OrderID, d.State, d.Version, nullString(d.CourierID), d.Rechecks, d.CandidateCount,
		nullString(d.ExcludedCourierID), nullTime(d.NotifiedAt), d.OpenedAt, d.StateChangedAt)
	if err != nil {
		return domain.Dispatch{}, err
	}
	return r.Get(ctx, d.OrderID)
}

func (r *DispatchRepository) Get(ctx context.Context, orderID string) (domain.Dispatch, error) {
	d, err := scanDispatch(r.db.QueryRowContext(ctx, `
		SELECT `+dispatchColumns+`
		FROM order_dispatch
		WHERE order_id = $1
	`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Dispatch{}, domain.ErrDispatchNotFound
		}
		return domain.Dispatch{}, err
	}
	return d, nil
}

func (r *DispatchRepository) Apply(ctx context.Context, t domain.Transition) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE order_dispatch
		SET state = $4,
		    version = version + 1,
		    courier_id = $5,
		    rechecks = $6,
		    candidate_count = $7,
		    excluded_courier_id = $8,
		    notified_at = $9,
		    opened_at = $10,
		    state_changed_at = CASE WHEN state <> $4 THEN $11 ELSE state_changed_at END
		WHERE order_id = $1 AND version = $2 AND state = $3
	`, t.OrderID, t.ExpectedVersion, t.From, t.To, nullString(t.CourierID), t.Rechecks, t.CandidateCount,
		nullString(t.ExcludedCourierID), nullTime(t.NotifiedAt), t.OpenedAt, t.At)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}

// ListActive returns the rows still waiting for a courier or a partner
// claim, least recently changed first.
func (r *DispatchRepository) ListActive(ctx context.Context, limit int) ([]domain.Dispatch, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+dispatchColumns+`
		FROM order_dispatch
		WHERE state IN ('needs_courier', 'candidates_notified', 'escalated')
		ORDER BY state_changed_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// RecordOffers stores a pending offer per courier. Couriers who already had
// an offer for the order keep it as is.
func (r *DispatchRepository) RecordOffers(ctx context.Context, orderID string, courierIDs []string, at time.Time) error {
	if len(courierIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dispatch_offers (order_id, courier_id, status, offered_at)
		SELECT $1, c, 'pending', $3 FROM UNNEST($2::text[]) AS c
		ON CONFLICT (order_id, courier_id) DO NOTHING
	`, orderID, pq.Array(courierIDs), at)
	return err
}

// AcceptOffer marks the courier's offer accepted and voids every other
// pending offer for the order.
func (r *DispatchRepository) AcceptOffer(ctx context.Context, orderID, courierID string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE dispatch_offers SET status = 'voided', resolved_at = $3
		WHERE order_id = $1 AND courier_id <> $2 AND status = 'pending'
	`, orderID, courierID, at)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dispatch_offers (order_id, courier_id, status, offered_at, resolved_at)
		VALUES ($1, $2, 'accepted', $3, $3)
		ON CONFLICT (order_id, courier_id)
		DO UPDATE SET status = 'accepted', resolved_at = EXCLUDED.resolved_at
	`, orderID, courierID, at)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *DispatchRepository) VoidOffers(ctx context.Context, orderID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_offers SET status = 'voided', resolved_at = $2
		WHERE order_id = $1 AND status = 'pending'
	`, orderID, at)
	return err
}

// OfferStatus returns the status of the courier's offer for the order.
func (r *DispatchRepository) OfferStatus(ctx context.Context, orderID, courierID string) (domain.OfferStatus, error) {
	var status domain.OfferStatus
	err := r.db.QueryRowContext(ctx, `
		SELECT status FROM dispatch_offers
		WHERE order_id = $1 AND courier_id = $2
	`, orderID, courierID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return status, nil
}
