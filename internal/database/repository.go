package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"crypto-strategy-bot/internal/strategy"
)

// StrategyRepository owns the strategies and strategy_executions tables.
type StrategyRepository struct {
	db *DB
}

func NewStrategyRepository(db *DB) *StrategyRepository {
	return &StrategyRepository{db: db}
}

const strategyColumns = `id, user_id, exchange_id, token, is_active, needs_repair,
	rules, tracking, lease_until, lease_token, created_at, updated_at`

func scanStrategy(row pgx.Row) (*Strategy, error) {
	var s Strategy
	var rulesJSON, trackingJSON []byte
	err := row.Scan(&s.ID, &s.UserID, &s.ExchangeID, &s.Token, &s.IsActive, &s.NeedsRepair,
		&rulesJSON, &trackingJSON, &s.LeaseUntil, &s.LeaseToken, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning strategy: %w", err)
	}
	if err := json.Unmarshal(rulesJSON, &s.Rules); err != nil {
		return nil, fmt.Errorf("decoding rules: %w", err)
	}
	if err := json.Unmarshal(trackingJSON, &s.Tracking); err != nil {
		return nil, fmt.Errorf("decoding tracking: %w", err)
	}
	return &s, nil
}

// Create inserts a strategy. The partial unique index rejects a second
// active strategy on the same (user, exchange, token).
func (r *StrategyRepository) Create(ctx context.Context, s *Strategy) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	rulesJSON, err := json.Marshal(s.Rules)
	if err != nil {
		return fmt.Errorf("encoding rules: %w", err)
	}
	trackingJSON, err := json.Marshal(s.Tracking)
	if err != nil {
		return fmt.Errorf("encoding tracking: %w", err)
	}

	err = r.db.Pool.QueryRow(ctx, `
		INSERT INTO strategies (id, user_id, exchange_id, token, is_active, needs_repair, rules, tracking)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		s.ID, s.UserID, s.ExchangeID, s.Token, s.IsActive, s.NeedsRepair, rulesJSON, trackingJSON,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateStrategy
		}
		return fmt.Errorf("inserting strategy: %w", err)
	}
	return nil
}

func (r *StrategyRepository) Get(ctx context.Context, id string) (*Strategy, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE id = $1`, id)
	return scanStrategy(row)
}

// ListFilter narrows List; zero values mean "any".
type ListFilter struct {
	UserID     string
	ExchangeID string
	Token      string
	IsActive   *bool
}

func (r *StrategyRepository) List(ctx context.Context, f ListFilter) ([]*Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE user_id = $1`
	args := []any{f.UserID}
	if f.ExchangeID != "" {
		args = append(args, f.ExchangeID)
		query += fmt.Sprintf(" AND exchange_id = $%d", len(args))
	}
	if f.Token != "" {
		args = append(args, f.Token)
		query += fmt.Sprintf(" AND token = $%d", len(args))
	}
	if f.IsActive != nil {
		args = append(args, *f.IsActive)
		query += fmt.Sprintf(" AND is_active = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing strategies: %w", err)
	}
	defer rows.Close()

	var out []*Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListActiveForEvaluation loads every active strategy whose linked exchange
// is also active. One atomic read per worker tick.
func (r *StrategyRepository) ListActiveForEvaluation(ctx context.Context) ([]*Strategy, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT s.id, s.user_id, s.exchange_id, s.token, s.is_active, s.needs_repair,
			s.rules, s.tracking, s.lease_until, s.lease_token, s.created_at, s.updated_at
		FROM strategies s
		JOIN user_exchanges ue ON ue.user_id = s.user_id AND ue.exchange_id = s.exchange_id
		WHERE s.is_active AND ue.is_active
		ORDER BY s.exchange_id, s.token`)
	if err != nil {
		return nil, fmt.Errorf("listing active strategies: %w", err)
	}
	defer rows.Close()

	var out []*Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		s.ExchangeActive = true
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateRules replaces the rules subdocument and the flags derived from it.
func (r *StrategyRepository) UpdateRules(ctx context.Context, id string, rules strategy.Rules, isActive bool) error {
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("encoding rules: %w", err)
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE strategies
		SET rules = $2, is_active = $3, needs_repair = $4, updated_at = NOW()
		WHERE id = $1`,
		id, rulesJSON, isActive, rules.NeedsRepair())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateStrategy
		}
		return fmt.Errorf("updating strategy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *StrategyRepository) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE strategies SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("setting strategy active flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *StrategyRepository) SetNeedsRepair(ctx context.Context, id string, needsRepair bool) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE strategies SET needs_repair = $2, updated_at = NOW() WHERE id = $1`, id, needsRepair)
	if err != nil {
		return fmt.Errorf("setting needs_repair: %w", err)
	}
	return nil
}

func (r *StrategyRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM strategies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting strategy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExecutionRecord is the input to PersistExecution. OrderRef is the
// idempotency key: a replay with the same ref is a no-op.
type ExecutionRecord struct {
	OrderRef         string
	Action           strategy.Action
	Reason           string
	Price            float64
	Amount           float64
	PnLUSD           float64
	TPLevelPercent   *float64
	DCALevelPercent  *float64
	ConsumedTrailing bool
	ClosedPosition   bool
	ExecutedAt       time.Time
}

// PersistExecution atomically records an execution and folds it into the
// tracking subdocument: counters, PnL windows, executed level sets, cooldown,
// and trailing state. Idempotent on (strategy_id, order_ref).
func (r *StrategyRepository) PersistExecution(ctx context.Context, strategyID string, rec ExecutionRecord) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO strategy_executions (strategy_id, order_ref, action, reason, price, amount, pnl_usd, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (strategy_id, order_ref) DO NOTHING`,
		strategyID, rec.OrderRef, string(rec.Action), rec.Reason, rec.Price, rec.Amount, rec.PnLUSD, rec.ExecutedAt)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Replay of an already-recorded execution.
		return tx.Commit(ctx)
	}

	var rulesJSON, trackingJSON []byte
	err = tx.QueryRow(ctx,
		`SELECT rules, tracking FROM strategies WHERE id = $1 FOR UPDATE`, strategyID,
	).Scan(&rulesJSON, &trackingJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("locking strategy: %w", err)
	}

	var rules strategy.Rules
	var tracking strategy.Tracking
	if err := json.Unmarshal(rulesJSON, &rules); err != nil {
		return fmt.Errorf("decoding rules: %w", err)
	}
	if err := json.Unmarshal(trackingJSON, &tracking); err != nil {
		return fmt.Errorf("decoding tracking: %w", err)
	}

	applyExecution(&rules, &tracking, rec)

	updated, err := json.Marshal(tracking)
	if err != nil {
		return fmt.Errorf("encoding tracking: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE strategies SET tracking = $2, updated_at = NOW() WHERE id = $1`,
		strategyID, updated); err != nil {
		return fmt.Errorf("writing tracking: %w", err)
	}

	return tx.Commit(ctx)
}

// applyExecution folds one execution into the tracking state.
func applyExecution(rules *strategy.Rules, tracking *strategy.Tracking, rec ExecutionRecord) {
	stats := &tracking.ExecutionStats
	stats.TotalExecutions++
	switch rec.Action {
	case strategy.ActionBuy:
		stats.TotalBuys++
	case strategy.ActionSell:
		stats.TotalSells++
	}
	stats.TotalPnLUSD += rec.PnLUSD
	stats.DailyPnLUSD += rec.PnLUSD
	stats.WeeklyPnLUSD += rec.PnLUSD
	stats.MonthlyPnLUSD += rec.PnLUSD

	if rec.TPLevelPercent != nil && !stats.HasExecutedTPLevel(*rec.TPLevelPercent) {
		stats.ExecutedTPLevels = append(stats.ExecutedTPLevels, *rec.TPLevelPercent)
	}
	if rec.DCALevelPercent != nil && !stats.HasExecutedDCALevel(*rec.DCALevelPercent) {
		stats.ExecutedDCALevels = append(stats.ExecutedDCALevels, *rec.DCALevelPercent)
	}

	at := rec.ExecutedAt
	stats.LastExecutionAt = &at
	stats.LastExecutionType = string(rec.Action)
	stats.LastExecutionReason = rec.Reason
	stats.LastExecutionPrice = rec.Price
	stats.LastExecutionAmount = rec.Amount

	if rules.Cooldown.Enabled {
		minutes := rules.Cooldown.MinutesAfterBuy
		if rec.Action == strategy.ActionSell {
			minutes = rules.Cooldown.MinutesAfterSell
		}
		until := rec.ExecutedAt.Add(time.Duration(minutes * float64(time.Minute)))
		tracking.Cooldown = strategy.CooldownState{
			CooldownUntil: &until,
			LastAction:    string(rec.Action),
			LastActionAt:  &at,
		}
	}

	// A consumed trailing stop or a fully-closed position starts the next
	// cycle clean: level sets and trailing state reset.
	if rec.ConsumedTrailing || rec.ClosedPosition {
		tracking.TrailingStop = strategy.TrailingStop{}
		stats.ExecutedTPLevels = nil
		stats.ExecutedDCALevels = nil
	}
}

// UpdateTrailing persists a trailing side-effect request. Monotonic:
// highest_price_seen never decreases and is_active never reverts.
func (r *StrategyRepository) UpdateTrailing(ctx context.Context, strategyID string, upd strategy.TrailingUpdate) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var trackingJSON []byte
	err = tx.QueryRow(ctx,
		`SELECT tracking FROM strategies WHERE id = $1 FOR UPDATE`, strategyID,
	).Scan(&trackingJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("locking strategy: %w", err)
	}

	var tracking strategy.Tracking
	if err := json.Unmarshal(trackingJSON, &tracking); err != nil {
		return fmt.Errorf("decoding tracking: %w", err)
	}

	ts := &tracking.TrailingStop
	if upd.HighestPriceSeen > ts.HighestPriceSeen {
		ts.HighestPriceSeen = upd.HighestPriceSeen
		ts.CurrentStopPrice = upd.CurrentStopPrice
	}
	if upd.IsActive && !ts.IsActive {
		ts.IsActive = true
		now := time.Now().UTC()
		ts.ActivatedAt = &now
	}

	updated, err := json.Marshal(tracking)
	if err != nil {
		return fmt.Errorf("encoding tracking: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE strategies SET tracking = $2, updated_at = NOW() WHERE id = $1`,
		strategyID, updated); err != nil {
		return fmt.Errorf("writing tracking: %w", err)
	}

	return tx.Commit(ctx)
}

// AcquireLease claims the per-strategy evaluation lease. Returns ErrLeaseHeld
// when another worker holds an unexpired lease.
func (r *StrategyRepository) AcquireLease(ctx context.Context, strategyID, token string, ttl time.Duration) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE strategies
		SET lease_until = NOW() + make_interval(secs => $3), lease_token = $2
		WHERE id = $1 AND (lease_until IS NULL OR lease_until < NOW())`,
		strategyID, token, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("acquiring lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// RenewLease extends a lease this worker already holds.
func (r *StrategyRepository) RenewLease(ctx context.Context, strategyID, token string, ttl time.Duration) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE strategies
		SET lease_until = NOW() + make_interval(secs => $3)
		WHERE id = $1 AND lease_token = $2`,
		strategyID, token, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("renewing lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease drops the lease if this worker still holds it. A lease lost
// to expiry is not an error.
func (r *StrategyRepository) ReleaseLease(ctx context.Context, strategyID, token string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE strategies
		SET lease_until = NULL, lease_token = NULL
		WHERE id = $1 AND lease_token = $2`,
		strategyID, token)
	if err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}

// ListExecutions returns the audit trail for a strategy, newest first.
func (r *StrategyRepository) ListExecutions(ctx context.Context, strategyID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, strategy_id, order_ref, action, reason, price, amount, pnl_usd, executed_at
		FROM strategy_executions
		WHERE strategy_id = $1
		ORDER BY executed_at DESC
		LIMIT $2`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.StrategyID, &e.OrderRef, &e.Action, &e.Reason,
			&e.Price, &e.Amount, &e.PnLUSD, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResetDailyPnL zeroes the daily window for strategies whose configured
// reset hour matches. Called by the maintenance loop once per hour.
func (r *StrategyRepository) ResetDailyPnL(ctx context.Context, hourUTC int) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE strategies
		SET tracking = jsonb_set(tracking, '{execution_stats,daily_pnl_usd}', '0'),
			updated_at = NOW()
		WHERE COALESCE((rules->'risk_management'->>'reset_hour_utc')::int, 0) = $1
			AND (tracking->'execution_stats'->>'daily_pnl_usd')::float8 <> 0`,
		hourUTC)
	if err != nil {
		return 0, fmt.Errorf("resetting daily pnl: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetWeeklyPnL zeroes every weekly window. Called at the ISO-week boundary
// (Monday 00:00 UTC).
func (r *StrategyRepository) ResetWeeklyPnL(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE strategies
		SET tracking = jsonb_set(tracking, '{execution_stats,weekly_pnl_usd}', '0'),
			updated_at = NOW()
		WHERE (tracking->'execution_stats'->>'weekly_pnl_usd')::float8 <> 0`)
	if err != nil {
		return 0, fmt.Errorf("resetting weekly pnl: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetMonthlyPnL zeroes every monthly window. Called at the first of each
// month, 00:00 UTC.
func (r *StrategyRepository) ResetMonthlyPnL(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE strategies
		SET tracking = jsonb_set(tracking, '{execution_stats,monthly_pnl_usd}', '0'),
			updated_at = NOW()
		WHERE (tracking->'execution_stats'->>'monthly_pnl_usd')::float8 <> 0`)
	if err != nil {
		return 0, fmt.Errorf("resetting monthly pnl: %w", err)
	}
	return tag.RowsAffected(), nil
}
