package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ExchangeRepository owns the exchange catalog and per-user links.
type ExchangeRepository struct {
	db *DB
}

func NewExchangeRepository(db *DB) *ExchangeRepository {
	return &ExchangeRepository{db: db}
}

func (r *ExchangeRepository) ListCatalog(ctx context.Context) ([]Exchange, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, name, is_enabled, created_at FROM exchanges ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing exchanges: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var e Exchange
		if err := rows.Scan(&e.ID, &e.Name, &e.IsEnabled, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning exchange: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Link creates (or reactivates) a user's exchange link.
func (r *ExchangeRepository) Link(ctx context.Context, userID, exchangeID string) (*UserExchange, error) {
	link := &UserExchange{
		ID:         uuid.NewString(),
		UserID:     userID,
		ExchangeID: exchangeID,
		IsActive:   true,
	}
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO user_exchanges (id, user_id, exchange_id, is_active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (user_id, exchange_id)
		DO UPDATE SET is_active = TRUE, updated_at = NOW()
		RETURNING id, linked_at, updated_at`,
		link.ID, userID, exchangeID,
	).Scan(&link.ID, &link.LinkedAt, &link.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("linking exchange: %w", err)
	}
	return link, nil
}

// SetActive flips the soft-disconnect flag. An inactive link is skipped by
// the worker and the snapshot pipeline but keeps its vault credentials.
func (r *ExchangeRepository) SetActive(ctx context.Context, userID, exchangeID string, active bool) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE user_exchanges SET is_active = $3, updated_at = NOW()
		WHERE user_id = $1 AND exchange_id = $2`,
		userID, exchangeID, active)
	if err != nil {
		return fmt.Errorf("updating exchange link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Unlink removes the link row entirely.
func (r *ExchangeRepository) Unlink(ctx context.Context, userID, exchangeID string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM user_exchanges WHERE user_id = $1 AND exchange_id = $2`,
		userID, exchangeID)
	if err != nil {
		return fmt.Errorf("unlinking exchange: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ExchangeRepository) GetLink(ctx context.Context, userID, exchangeID string) (*UserExchange, error) {
	var link UserExchange
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, user_id, exchange_id, is_active, linked_at, updated_at
		FROM user_exchanges
		WHERE user_id = $1 AND exchange_id = $2`,
		userID, exchangeID,
	).Scan(&link.ID, &link.UserID, &link.ExchangeID, &link.IsActive, &link.LinkedAt, &link.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading exchange link: %w", err)
	}
	return &link, nil
}

func (r *ExchangeRepository) ListLinks(ctx context.Context, userID string) ([]UserExchange, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, user_id, exchange_id, is_active, linked_at, updated_at
		FROM user_exchanges
		WHERE user_id = $1
		ORDER BY exchange_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing exchange links: %w", err)
	}
	defer rows.Close()

	var out []UserExchange
	for rows.Next() {
		var link UserExchange
		if err := rows.Scan(&link.ID, &link.UserID, &link.ExchangeID, &link.IsActive,
			&link.LinkedAt, &link.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning exchange link: %w", err)
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

// ListUsersWithActiveLinks returns the distinct users the snapshot pipeline
// must visit.
func (r *ExchangeRepository) ListUsersWithActiveLinks(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT DISTINCT user_id FROM user_exchanges WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
