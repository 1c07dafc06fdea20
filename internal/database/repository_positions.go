package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PositionRepository owns the positions table. Writers use optimistic
// versioning: a lost race surfaces as ErrConflict and the caller retries the
// whole compute-then-write step.
type PositionRepository struct {
	db *DB
}

func NewPositionRepository(db *DB) *PositionRepository {
	return &PositionRepository{db: db}
}

const positionColumns = `id, user_id, exchange_id, token, amount, entry_price, total_invested,
	purchases, sales, is_active, version, created_at, updated_at`

func scanPosition(row pgx.Row) (*Position, error) {
	var p Position
	var purchasesJSON, salesJSON []byte
	err := row.Scan(&p.ID, &p.UserID, &p.ExchangeID, &p.Token, &p.Amount, &p.EntryPrice,
		&p.TotalInvested, &purchasesJSON, &salesJSON, &p.IsActive, &p.Version,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning position: %w", err)
	}
	if err := json.Unmarshal(purchasesJSON, &p.Purchases); err != nil {
		return nil, fmt.Errorf("decoding purchases: %w", err)
	}
	if err := json.Unmarshal(salesJSON, &p.Sales); err != nil {
		return nil, fmt.Errorf("decoding sales: %w", err)
	}
	return &p, nil
}

// Get returns the position for (user, exchange, token), or ErrNotFound.
func (r *PositionRepository) Get(ctx context.Context, userID, exchangeID, token string) (*Position, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		WHERE user_id = $1 AND exchange_id = $2 AND token = $3`,
		userID, exchangeID, token)
	return scanPosition(row)
}

func (r *PositionRepository) GetByID(ctx context.Context, id string) (*Position, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	return scanPosition(row)
}

func (r *PositionRepository) ListByUser(ctx context.Context, userID string) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		WHERE user_id = $1 ORDER BY exchange_id, token`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordBuy appends a purchase and recomputes the weighted entry:
// entry = (old_entry*old_amount + price*amount) / (old_amount + amount).
func (r *PositionRepository) RecordBuy(ctx context.Context, userID, exchangeID, token string, amount, price float64, orderRef string) (*Position, error) {
	if amount <= 0 || price <= 0 {
		return nil, fmt.Errorf("buy amount and price must be positive")
	}

	pos, err := r.Get(ctx, userID, exchangeID, token)
	if errors.Is(err, ErrNotFound) {
		pos = &Position{
			ID:         uuid.NewString(),
			UserID:     userID,
			ExchangeID: exchangeID,
			Token:      token,
		}
		err = r.insert(ctx, pos)
	}
	if err != nil {
		return nil, err
	}

	newAmount := pos.Amount + amount
	pos.EntryPrice = (pos.EntryPrice*pos.Amount + price*amount) / newAmount
	pos.Amount = newAmount
	pos.TotalInvested += amount * price
	pos.IsActive = true
	pos.Purchases = append(pos.Purchases, Purchase{
		Amount:   amount,
		Price:    price,
		OrderRef: orderRef,
		At:       time.Now().UTC(),
	})

	if err := r.write(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// RecordSell appends a sale with its realized PnL. The entry price is
// preserved; total_invested shrinks proportionally to the amount sold.
// Selling more than the held amount fails with ErrInsufficientPosition.
func (r *PositionRepository) RecordSell(ctx context.Context, userID, exchangeID, token string, amount, price float64, orderRef string) (*Position, float64, error) {
	if amount <= 0 || price <= 0 {
		return nil, 0, fmt.Errorf("sell amount and price must be positive")
	}

	pos, err := r.Get(ctx, userID, exchangeID, token)
	if err != nil {
		return nil, 0, err
	}
	if amount > pos.Amount+1e-12 {
		return nil, 0, fmt.Errorf("%w: have %.8f, selling %.8f", ErrInsufficientPosition, pos.Amount, amount)
	}

	pnl := (price - pos.EntryPrice) * amount
	fraction := amount / pos.Amount
	pos.TotalInvested -= pos.TotalInvested * fraction
	pos.Amount -= amount
	if pos.Amount < 1e-12 {
		pos.Amount = 0
		pos.TotalInvested = 0
		pos.IsActive = false
	}
	pos.Sales = append(pos.Sales, Sale{
		Amount:   amount,
		Price:    price,
		PnLUSD:   pnl,
		OrderRef: orderRef,
		At:       time.Now().UTC(),
	})

	if err := r.write(ctx, pos); err != nil {
		return nil, 0, err
	}
	return pos, pnl, nil
}

// SyncFromExchange reconciles the ledger amount for one token against the
// exchange-reported balance. Known positions keep their entry price; a new
// asset is seeded at the current market price.
func (r *PositionRepository) SyncFromExchange(ctx context.Context, userID, exchangeID, token string, exchangeAmount, marketPrice float64) (*Position, error) {
	pos, err := r.Get(ctx, userID, exchangeID, token)
	if errors.Is(err, ErrNotFound) {
		if exchangeAmount <= 0 {
			return nil, ErrNotFound
		}
		pos = &Position{
			ID:            uuid.NewString(),
			UserID:        userID,
			ExchangeID:    exchangeID,
			Token:         token,
			Amount:        exchangeAmount,
			EntryPrice:    marketPrice,
			TotalInvested: exchangeAmount * marketPrice,
			IsActive:      true,
		}
		if err := r.insert(ctx, pos); err != nil {
			return nil, err
		}
		if err := r.write(ctx, pos); err != nil {
			return nil, err
		}
		return pos, nil
	}
	if err != nil {
		return nil, err
	}

	pos.Amount = exchangeAmount
	pos.IsActive = exchangeAmount > 0
	if pos.EntryPrice == 0 && exchangeAmount > 0 {
		pos.EntryPrice = marketPrice
		pos.TotalInvested = exchangeAmount * marketPrice
	}
	if err := r.write(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

func (r *PositionRepository) insert(ctx context.Context, p *Position) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO positions (id, user_id, exchange_id, token)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, exchange_id, token) DO NOTHING
		RETURNING created_at`,
		p.ID, p.UserID, p.ExchangeID, p.Token,
	).Scan(&p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost an insert race; the caller's compute-then-write retries.
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("inserting position: %w", err)
	}
	return nil
}

// write persists a mutated position, bumping the version. A mismatch means
// someone else wrote first: ErrConflict.
func (r *PositionRepository) write(ctx context.Context, p *Position) error {
	purchasesJSON, err := json.Marshal(p.Purchases)
	if err != nil {
		return fmt.Errorf("encoding purchases: %w", err)
	}
	salesJSON, err := json.Marshal(p.Sales)
	if err != nil {
		return fmt.Errorf("encoding sales: %w", err)
	}
	if p.Purchases == nil {
		purchasesJSON = []byte("[]")
	}
	if p.Sales == nil {
		salesJSON = []byte("[]")
	}

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE positions
		SET amount = $2, entry_price = $3, total_invested = $4,
			purchases = $5, sales = $6, is_active = $7,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $8`,
		p.ID, p.Amount, p.EntryPrice, p.TotalInvested,
		purchasesJSON, salesJSON, p.IsActive, p.Version)
	if err != nil {
		return fmt.Errorf("writing position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	p.Version++
	return nil
}
