package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// BalanceRepository owns the append-only balance_history table.
type BalanceRepository struct {
	db *DB
}

func NewBalanceRepository(db *DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// Append persists a snapshot. Snapshots are never updated or deleted.
func (r *BalanceRepository) Append(ctx context.Context, snap *BalanceSnapshot) error {
	exchangesJSON, err := json.Marshal(snap.Exchanges)
	if err != nil {
		return fmt.Errorf("encoding exchanges: %w", err)
	}
	err = r.db.Pool.QueryRow(ctx, `
		INSERT INTO balance_history (user_id, total_usd, total_brl, exchanges, snapshot_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		snap.UserID, snap.TotalUSD, snap.TotalBRL, exchangesJSON, snap.SnapshotAt,
	).Scan(&snap.ID)
	if err != nil {
		return fmt.Errorf("appending balance snapshot: %w", err)
	}
	return nil
}

// History returns a user's snapshots, newest first.
func (r *BalanceRepository) History(ctx context.Context, userID string, limit int) ([]BalanceSnapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, user_id, total_usd, total_brl, exchanges, snapshot_at
		FROM balance_history
		WHERE user_id = $1
		ORDER BY snapshot_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing balance history: %w", err)
	}
	defer rows.Close()

	var out []BalanceSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// Latest returns a user's most recent snapshot.
func (r *BalanceRepository) Latest(ctx context.Context, userID string) (*BalanceSnapshot, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, user_id, total_usd, total_brl, exchanges, snapshot_at
		FROM balance_history
		WHERE user_id = $1
		ORDER BY snapshot_at DESC
		LIMIT 1`, userID)
	return scanSnapshot(row)
}

func scanSnapshot(row pgx.Row) (*BalanceSnapshot, error) {
	var snap BalanceSnapshot
	var exchangesJSON []byte
	err := row.Scan(&snap.ID, &snap.UserID, &snap.TotalUSD, &snap.TotalBRL, &exchangesJSON, &snap.SnapshotAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning balance snapshot: %w", err)
	}
	if err := json.Unmarshal(exchangesJSON, &snap.Exchanges); err != nil {
		return nil, fmt.Errorf("decoding exchanges: %w", err)
	}
	return &snap, nil
}
