package database

import (
	"errors"
	"time"

	"crypto-strategy-bot/internal/strategy"
)

// Sentinel errors shared by the repositories.
var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("concurrent modification")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrLeaseHeld            = errors.New("lease held by another worker")
	ErrDuplicateStrategy    = errors.New("an active strategy already exists for this token")
)

// Strategy is one per (user, exchange, token). Rules and Tracking are stored
// as JSONB subdocuments.
type Strategy struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	ExchangeID  string            `json:"exchange_id"`
	Token       string            `json:"token"`
	IsActive    bool              `json:"is_active"`
	NeedsRepair bool              `json:"needs_repair"`
	Rules       strategy.Rules    `json:"rules"`
	Tracking    strategy.Tracking `json:"tracking"`
	LeaseUntil  *time.Time        `json:"-"`
	LeaseToken  *string           `json:"-"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`

	// ExchangeActive mirrors the linked exchange's flag when loaded via
	// ListActiveForEvaluation.
	ExchangeActive bool `json:"-"`
}

// Execution is one recorded strategy execution; the (strategy_id, order_ref)
// pair is the idempotency key.
type Execution struct {
	ID         int64     `json:"id"`
	StrategyID string    `json:"strategy_id"`
	OrderRef   string    `json:"order_ref"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason"`
	Price      float64   `json:"price"`
	Amount     float64   `json:"amount"`
	PnLUSD     float64   `json:"pnl_usd"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Purchase is one append-only buy record inside a position.
type Purchase struct {
	Amount   float64   `json:"amount"`
	Price    float64   `json:"price"`
	OrderRef string    `json:"order_ref"`
	At       time.Time `json:"at"`
}

// Sale is one append-only sell record inside a position; PnL is realized
// against the entry price at sale time.
type Sale struct {
	Amount   float64   `json:"amount"`
	Price    float64   `json:"price"`
	PnLUSD   float64   `json:"pnl_usd"`
	OrderRef string    `json:"order_ref"`
	At       time.Time `json:"at"`
}

// Position is the per-(user, exchange, token) holding record. Version backs
// optimistic concurrency: writers compare-and-swap against it.
type Position struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	ExchangeID    string     `json:"exchange_id"`
	Token         string     `json:"token"`
	Amount        float64    `json:"amount"`
	EntryPrice    float64    `json:"entry_price"`
	TotalInvested float64    `json:"total_invested"`
	Purchases     []Purchase `json:"purchases"`
	Sales         []Sale     `json:"sales"`
	IsActive      bool       `json:"is_active"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Exchange is a catalog entry.
type Exchange struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsEnabled bool      `json:"is_enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// UserExchange links a user to an exchange. Credentials live in the vault;
// this row only carries the active flag.
type UserExchange struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ExchangeID string    `json:"exchange_id"`
	IsActive   bool      `json:"is_active"`
	LinkedAt   time.Time `json:"linked_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ExchangeSnapshot is one exchange's subtotal inside a balance snapshot.
type ExchangeSnapshot struct {
	ExchangeID   string  `json:"exchange_id"`
	ExchangeName string  `json:"exchange_name"`
	TotalUSD     float64 `json:"total_usd"`
	TotalBRL     float64 `json:"total_brl"`
	Success      bool    `json:"success"`
}

// BalanceSnapshot is one append-only portfolio snapshot for a user.
type BalanceSnapshot struct {
	ID         int64              `json:"id"`
	UserID     string             `json:"user_id"`
	TotalUSD   float64            `json:"total_usd"`
	TotalBRL   float64            `json:"total_brl"`
	Exchanges  []ExchangeSnapshot `json:"exchanges"`
	SnapshotAt time.Time          `json:"snapshot_at"`
}

// Notification types surfaced to users.
const (
	NotificationStrategyExecuted   = "strategy_executed"
	NotificationOrderFailed        = "order_failed"
	NotificationStrategyPaused     = "strategy_paused"
	NotificationCredentialsInvalid = "credentials_invalid"
)

type Notification struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	IsRead    bool                   `json:"is_read"`
	CreatedAt time.Time              `json:"created_at"`
}
