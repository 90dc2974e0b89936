package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/joao-fontenele/courier-dispatch/internal/domain"
)

// ReferenceRepository loads organizations, order statuses and users for the
// config cache.
type ReferenceRepository struct {
	db *sql.DB
}

func NewReferenceRepository(db *sql.DB) *ReferenceRepository {
	return &ReferenceRepository{db: db}
}

func (r *ReferenceRepository) Organization(ctx context.Context, id string) (domain.Organization, error) {
	var org domain.Organization
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, max_active_order_count, webhook_url
		FROM organizations
		WHERE id = $1
	`, id).Scan(&org.ID, &org.Name, &org.MaxActiveOrderCount, &org.WebhookURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Organization{}, domain.ErrOrganizationNotFound
		}
		return domain.Organization{}, err
	}
	return org, nil
}

func (r *ReferenceRepository) OrderStatuses(ctx context.Context) ([]domain.OrderStatus, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, organization_id, code, name, notification_text,
		       finish, cancel, waiting, on_way, in_terminal, should_pay
		FROM order_statuses
		ORDER BY organization_id, code
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var statuses []domain.OrderStatus
	for rows.Next() {
		var s domain.OrderStatus
		if err := rows.Scan(
			&s.ID, &s.OrganizationID, &s.Code, &s.Name, &s.NotificationText,
			&s.Finish, &s.Cancel, &s.Waiting, &s.OnWay, &s.InTerminal, &s.ShouldPay,
		); err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return statuses, nil
}

func (r *ReferenceRepository) User(ctx context.Context, id string) (domain.User, error) {
	var (
		user       domain.User
		token      sql.NullString
		terminalID sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, phone, fcm_token, online, terminal_id
		FROM users
		WHERE id = $1
	`, id).Scan(&user.ID, &user.FirstName, &user.LastName, &user.Phone, &token, &user.Online, &terminalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, domain.ErrUserNotFound
		}
		return domain.User{}, err
	}
	user.FCMToken = token.String
	user.TerminalID = terminalID.String
	return user, nil
}

// PruneToken clears the user's device token if it is still the one the push
// gateway rejected. A token re-registered in the meantime is kept.
func (r *ReferenceRepository) PruneToken(ctx context.Context, userID, token string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET fcm_token = NULL
		WHERE id = $1 AND fcm_token = $2
	`, userID, token)
	return err
}
