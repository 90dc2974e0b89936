// Package store holds the Postgres repositories behind the dispatcher.
package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/joao-fontenele/courier-dispatch/internal/domain"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Order(ctx context.Context, id string) (domain.Order, error) {
	var (
		order     domain.Order
		courierID sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, organization_id, terminal_id, order_status_id, courier_id,
		       from_lat, from_lon, to_lat, to_lon, payment_type, created_at
		FROM orders
		WHERE id = $1
	`, id).Scan(
		&order.ID, &order.OrganizationID, &order.TerminalID, &order.OrderStatusID, &courierID,
		&order.Origin.Lat, &order.Origin.Lon, &order.Destination.Lat, &order.Destination.Lon,
		&order.PaymentType, &order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, err
	}
	if courierID.Valid {
		order.CourierID = &courierID.String
	}
	return order, nil
}

// ActiveOrderCounts counts, per courier, the orders at the terminal whose
// status is neither finished nor cancelled.
func (r *OrderRepository) ActiveOrderCounts(ctx context.Context, terminalID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT o.courier_id, COUNT(*)
		FROM orders o
		JOIN order_statuses s ON s.id = o.order_status_id
		WHERE o.terminal_id = $1
		  AND o.courier_id IS NOT NULL
		  AND NOT s.finish
		  AND NOT s.cancel
		GROUP BY o.courier_id
	`, terminalID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			courierID string
			n         int
		)
		if err := rows.Scan(&courierID, &n); err != nil {
			return nil, err
		}
		counts[courierID] = n
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}

// AssignCourier sets the order's courier unless another courier holds it.
func (r *OrderRepository) AssignCourier(ctx context.Context, orderID, courierID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET courier_id = $2, updated_at = NOW()
		WHERE id = $1 AND (courier_id IS NULL OR courier_id = $2)
	`, orderID, courierID)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}
