package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/joao-fontenele/courier-dispatch/internal/partner"
)

type WebhookDeliveries struct {
	db *sql.DB
}

func NewWebhookDeliveries(db *sql.DB) *WebhookDeliveries {
	return &WebhookDeliveries{db: db}
}

func (w *WebhookDeliveries) Delivered(ctx context.Context, orderID, statusID string) (bool, error) {
	var exists bool
	err := w.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM webhook_deliveries
			WHERE order_id = $1 AND order_status_id = $2
		)
	`, orderID, statusID).Scan(&exists)
	return exists, err
}

func (w *WebhookDeliveries) MarkDelivered(ctx context.Context, orderID, statusID string, at time.Time) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (order_id, order_status_id, delivered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id, order_status_id) DO NOTHING
	`, orderID, statusID, at)
	return err
}

// ClaimRepository stores the logistics partner's claims. An order has at most
// one open claim; closed ones are kept.
type ClaimRepository struct {
	db *sql.DB
}

func NewClaimRepository(db *sql.DB) *ClaimRepository {
	return &ClaimRepository{db: db}
}

func (c *ClaimRepository) HasClaim(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM partner_claims
			WHERE order_id = $1 AND status <> ALL($2::text[])
		)
	`, orderID, pq.Array(partner.ClosedStatuses)).Scan(&exists)
	return exists, err
}

func (c *ClaimRepository) Create(ctx context.Context, claim partner.Claim) (bool, error) {
	result, err := c.db.ExecContext(ctx, `
		INSERT INTO partner_claims (id, order_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, claim.ID, claim.OrderID, claim.Status, claim.CreatedAt, claim.UpdatedAt)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}

// UpdateStatus ignores updates older than the stored one. An update carrying
// the stored timestamp is applied again so a replayed callback re-runs its
// side effects.
func (c *ClaimRepository) UpdateStatus(ctx context.Context, claimID, orderID, status string, updatedAt time.Time) (bool, error) {
	result, err := c.db.ExecContext(ctx, `
		UPDATE partner_claims SET status = $3, updated_at = $4
		WHERE id = $1 AND order_id = $2 AND updated_at <= $4
	`, claimID, orderID, status, updatedAt)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}
