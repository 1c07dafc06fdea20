// Package orders turns evaluator decisions and manual requests into exchange
// orders and ledger/tracking writes. Submission is never retried here; replay
// safety comes from the deterministic order reference.
package orders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crypto-strategy-bot/internal/database"
	"crypto-strategy-bot/internal/events"
	"crypto-strategy-bot/internal/exchange"
	"crypto-strategy-bot/internal/notification"
	"crypto-strategy-bot/internal/strategy"
	"crypto-strategy-bot/internal/vault"
)

var (
	// ErrBelowMinimum means the sized order is under min_order_size_usd.
	ErrBelowMinimum = errors.New("order below minimum size")
	// ErrNoPosition means a scale-in or sell has no position to work with.
	ErrNoPosition = errors.New("no active position")
)

const conflictRetries = 3

// Executor routes orders through the gateway and records the outcome in the
// position ledger and strategy tracking.
type Executor struct {
	strategies *database.StrategyRepository
	positions  *database.PositionRepository
	links      *database.ExchangeRepository
	gateways   *exchange.Registry
	vault      *vault.Client
	notifier   *notification.Service
	bus        *events.Bus
	logger     zerolog.Logger
}

func NewExecutor(
	strategies *database.StrategyRepository,
	positions *database.PositionRepository,
	links *database.ExchangeRepository,
	gateways *exchange.Registry,
	vaultClient *vault.Client,
	notifier *notification.Service,
	bus *events.Bus,
	logger zerolog.Logger,
) *Executor {
	return &Executor{
		strategies: strategies,
		positions:  positions,
		links:      links,
		gateways:   gateways,
		vault:      vaultClient,
		notifier:   notifier,
		bus:        bus,
		logger:     logger.With().Str("component", "order_executor").Logger(),
	}
}

// ExecuteDecision carries out a triggered decision for a strategy during one
// evaluation tick. tickID scopes the idempotent order reference so a crashed
// tick can be replayed without producing a second order.
func (e *Executor) ExecuteDecision(ctx context.Context, st *database.Strategy, d strategy.Decision, ticker exchange.Ticker, tickID string) error {
	if !d.ShouldTrigger || d.Action == "" {
		return nil
	}
	log := e.logger.With().
		Str("strategy_id", st.ID).Str("token", st.Token).
		Str("action", string(d.Action)).Str("reason", d.Reason).Logger()

	pos, err := e.positions.Get(ctx, st.UserID, st.ExchangeID, st.Token)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("loading position: %w", err)
	}

	amount, err := e.sizeOrder(st, d, pos, ticker)
	if err != nil {
		log.Warn().Err(err).Msg("Decision dropped during sizing")
		return err
	}

	cred, err := e.vault.Get(ctx, st.UserID, st.ExchangeID)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}
	gw, err := e.gateways.Get(st.ExchangeID)
	if err != nil {
		return err
	}

	orderRef := DecisionOrderRef(st.ID, d.Reason, d.QuantityPercent, ticker.Last, tickID)
	result, err := gw.CreateOrder(ctx, cred, exchange.OrderRequest{
		Symbol:   st.Token,
		Side:     sideFor(d.Action),
		Quantity: amount,
	})
	if err != nil {
		e.handleOrderError(ctx, st.UserID, st.ExchangeID, st.ID, st.Token, d.Reason, err)
		return err
	}

	if !recordable(result.Status, st.Rules.Execution.AllowPartialFills) {
		log.Warn().Str("status", string(result.Status)).Msg("Order not recordable, skipping ledger write")
		e.notifier.OrderFailed(ctx, st.UserID, st.ID, st.Token, d.Reason,
			fmt.Errorf("order status %s", result.Status))
		e.bus.PublishOrderFailed(st.UserID, st.ID, st.Token, d.Reason,
			fmt.Errorf("order status %s", result.Status))
		return nil
	}

	filled := result.FilledQty
	fillPrice := result.AverageFillPrice
	if fillPrice <= 0 {
		fillPrice = ticker.Last
	}

	var pnl float64
	var closed bool
	switch d.Action {
	case strategy.ActionBuy:
		_, err = e.recordBuyRetrying(ctx, st, filled, fillPrice, orderRef)
	case strategy.ActionSell:
		closed, pnl, err = e.recordSellRetrying(ctx, st, filled, fillPrice, orderRef)
	}
	if err != nil {
		return err
	}
	fee := feeInQuote(result, st.Token, fillPrice)
	pnl -= fee

	rec := database.ExecutionRecord{
		OrderRef:         orderRef,
		Action:           d.Action,
		Reason:           d.Reason,
		Price:            fillPrice,
		Amount:           filled,
		PnLUSD:           pnl,
		ConsumedTrailing: d.Reason == strategy.ReasonTrailingStop,
		ClosedPosition:   closed,
		ExecutedAt:       result.SubmittedAt,
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}
	if d.LevelPercent > 0 {
		lp := d.LevelPercent
		switch {
		case strings.HasPrefix(d.Reason, "TAKE_PROFIT"):
			rec.TPLevelPercent = &lp
		case strings.HasPrefix(d.Reason, "DCA"):
			rec.DCALevelPercent = &lp
		}
	}
	if err := e.strategies.PersistExecution(ctx, st.ID, rec); err != nil {
		return fmt.Errorf("persisting execution: %w", err)
	}

	log.Info().Float64("amount", filled).Float64("price", fillPrice).
		Float64("fee_usd", fee).Float64("pnl_usd", pnl).
		Str("order_ref", orderRef).Msg("Order executed")
	e.notifier.StrategyExecuted(ctx, st.UserID, st.ID, st.Token, string(d.Action), d.Reason, fillPrice, filled, pnl)
	e.bus.PublishStrategyExecuted(st.UserID, st.ID, st.Token, string(d.Action), d.Reason, fillPrice, filled, pnl)
	return nil
}

// sizeOrder resolves a decision's quantity_percent into a base-token amount,
// enforcing the max clamp and minimum notional.
func (e *Executor) sizeOrder(st *database.Strategy, d strategy.Decision, pos *database.Position, ticker exchange.Ticker) (float64, error) {
	exec := st.Rules.Execution
	qtyPct := d.QuantityPercent
	if exec.MaxOrderSizePercent > 0 && qtyPct > exec.MaxOrderSizePercent {
		qtyPct = exec.MaxOrderSizePercent
	}

	switch d.Action {
	case strategy.ActionSell:
		if pos == nil || pos.Amount <= 0 {
			return 0, ErrNoPosition
		}
		amount := pos.Amount * qtyPct / 100
		if ticker.Bid*amount < exec.MinOrderSizeUSD {
			return 0, ErrBelowMinimum
		}
		return amount, nil

	case strategy.ActionBuy:
		// Scale-ins buy a percentage of the currently held amount.
		if pos == nil || pos.Amount <= 0 {
			return 0, ErrNoPosition
		}
		if ticker.Ask <= 0 {
			return 0, fmt.Errorf("no ask price for %s", ticker.Symbol)
		}
		amount := pos.Amount * qtyPct / 100
		if amount*ticker.Ask < exec.MinOrderSizeUSD {
			return 0, ErrBelowMinimum
		}
		return amount, nil
	}
	return 0, fmt.Errorf("unknown action %q", d.Action)
}

// ManualBuy buys valueUSD worth of token for the user, outside any strategy.
func (e *Executor) ManualBuy(ctx context.Context, userID, exchangeID, token string, valueUSD float64) (*database.Position, *exchange.OrderResult, error) {
	cred, gw, err := e.resolve(ctx, userID, exchangeID)
	if err != nil {
		return nil, nil, err
	}

	ticker, err := gw.FetchTicker(ctx, cred, token)
	if err != nil {
		return nil, nil, err
	}
	if ticker.Ask <= 0 {
		return nil, nil, fmt.Errorf("no ask price for %s", token)
	}

	result, err := gw.CreateOrder(ctx, cred, exchange.OrderRequest{
		Symbol:   token,
		Side:     exchange.SideBuy,
		Quantity: valueUSD / ticker.Ask,
	})
	if err != nil {
		e.handleOrderError(ctx, userID, exchangeID, "", token, "MANUAL_BUY", err)
		return nil, nil, err
	}
	if !recordable(result.Status, true) {
		return nil, result, fmt.Errorf("order status %s", result.Status)
	}

	fillPrice := result.AverageFillPrice
	if fillPrice <= 0 {
		fillPrice = ticker.Ask
	}
	pos, err := e.positions.RecordBuy(ctx, userID, exchangeID, token,
		result.FilledQty, fillPrice, "manual-"+uuid.NewString())
	if err != nil {
		return nil, result, err
	}
	e.bus.Publish(events.Event{Type: events.EventPositionUpdate, UserID: userID,
		Data: map[string]interface{}{"token": token, "amount": pos.Amount}})
	return pos, result, nil
}

// ManualSell sells a quantity of token for the user, outside any strategy.
func (e *Executor) ManualSell(ctx context.Context, userID, exchangeID, token string, quantity float64) (*database.Position, *exchange.OrderResult, error) {
	cred, gw, err := e.resolve(ctx, userID, exchangeID)
	if err != nil {
		return nil, nil, err
	}

	pos, err := e.positions.Get(ctx, userID, exchangeID, token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil, ErrNoPosition
		}
		return nil, nil, err
	}
	if quantity > pos.Amount {
		return nil, nil, database.ErrInsufficientPosition
	}

	ticker, err := gw.FetchTicker(ctx, cred, token)
	if err != nil {
		return nil, nil, err
	}

	result, err := gw.CreateOrder(ctx, cred, exchange.OrderRequest{
		Symbol:   token,
		Side:     exchange.SideSell,
		Quantity: quantity,
	})
	if err != nil {
		e.handleOrderError(ctx, userID, exchangeID, "", token, "MANUAL_SELL", err)
		return nil, nil, err
	}
	if !recordable(result.Status, true) {
		return nil, result, fmt.Errorf("order status %s", result.Status)
	}

	fillPrice := result.AverageFillPrice
	if fillPrice <= 0 {
		fillPrice = ticker.Bid
	}
	pos, _, err = e.positions.RecordSell(ctx, userID, exchangeID, token,
		result.FilledQty, fillPrice, "manual-"+uuid.NewString())
	if err != nil {
		return nil, result, err
	}
	e.bus.Publish(events.Event{Type: events.EventPositionUpdate, UserID: userID,
		Data: map[string]interface{}{"token": token, "amount": pos.Amount}})
	return pos, result, nil
}

// SyncPositions reconciles the ledger against live exchange balances for one
// user/exchange link.
func (e *Executor) SyncPositions(ctx context.Context, userID, exchangeID string) ([]*database.Position, error) {
	cred, gw, err := e.resolve(ctx, userID, exchangeID)
	if err != nil {
		return nil, err
	}

	balances, err := gw.FetchBalances(ctx, cred)
	if err != nil {
		e.handleOrderError(ctx, userID, exchangeID, "", "", "SYNC", err)
		return nil, err
	}

	var out []*database.Position
	for _, bal := range balances {
		if bal.Total <= 0 || isQuoteAsset(bal.Asset) {
			continue
		}
		ticker, err := gw.FetchTicker(ctx, cred, bal.Asset)
		if err != nil {
			e.logger.Warn().Err(err).Str("asset", bal.Asset).Msg("Skipping asset during sync")
			continue
		}
		pos, err := e.positions.SyncFromExchange(ctx, userID, exchangeID, bal.Asset, bal.Total, ticker.Last)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, nil
}

func (e *Executor) resolve(ctx context.Context, userID, exchangeID string) (exchange.Credentials, exchange.Gateway, error) {
	cred, err := e.vault.Get(ctx, userID, exchangeID)
	if err != nil {
		return exchange.Credentials{}, nil, err
	}
	gw, err := e.gateways.Get(exchangeID)
	if err != nil {
		return exchange.Credentials{}, nil, err
	}
	return cred, gw, nil
}

func (e *Executor) recordBuyRetrying(ctx context.Context, st *database.Strategy, amount, price float64, orderRef string) (*database.Position, error) {
	var lastErr error
	for i := 0; i < conflictRetries; i++ {
		pos, err := e.positions.RecordBuy(ctx, st.UserID, st.ExchangeID, st.Token, amount, price, orderRef)
		if err == nil {
			return pos, nil
		}
		if !errors.Is(err, database.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("recording buy after %d attempts: %w", conflictRetries, lastErr)
}

// recordSellRetrying returns whether the sell closed the position, plus the
// realized PnL. InsufficientPosition triggers an opportunistic resync; the
// decision is dropped and the next tick re-evaluates against fresh numbers.
func (e *Executor) recordSellRetrying(ctx context.Context, st *database.Strategy, amount, price float64, orderRef string) (bool, float64, error) {
	var lastErr error
	for i := 0; i < conflictRetries; i++ {
		pos, pnl, err := e.positions.RecordSell(ctx, st.UserID, st.ExchangeID, st.Token, amount, price, orderRef)
		if err == nil {
			return pos.Amount <= 0, pnl, nil
		}
		if errors.Is(err, database.ErrInsufficientPosition) {
			e.logger.Warn().Str("strategy_id", st.ID).Str("token", st.Token).
				Msg("Ledger drift on sell, resyncing from exchange")
			if _, syncErr := e.SyncPositions(ctx, st.UserID, st.ExchangeID); syncErr != nil {
				e.logger.Error().Err(syncErr).Msg("Position resync failed")
			}
			return false, 0, err
		}
		if !errors.Is(err, database.ErrConflict) {
			return false, 0, err
		}
		lastErr = err
	}
	return false, 0, fmt.Errorf("recording sell after %d attempts: %w", conflictRetries, lastErr)
}

// handleOrderError applies the disposition policy for gateway failures.
func (e *Executor) handleOrderError(ctx context.Context, userID, exchangeID, strategyID, token, reason string, err error) {
	switch {
	case exchange.IsAuth(err):
		e.logger.Error().Err(err).Str("user_id", userID).Str("exchange", exchangeID).
			Msg("Exchange rejected credentials, deactivating link")
		if setErr := e.links.SetActive(ctx, userID, exchangeID, false); setErr != nil {
			e.logger.Error().Err(setErr).Msg("Failed to deactivate exchange link")
		}
		e.vault.InvalidateUser(userID)
		e.notifier.CredentialsInvalid(ctx, userID, exchangeID)

	case exchange.IsInsufficientFunds(err), exchange.IsInvalidOrder(err):
		e.notifier.OrderFailed(ctx, userID, strategyID, token, reason, err)
		e.bus.PublishOrderFailed(userID, strategyID, token, reason, err)

	default:
		// Transient: the tick skips this strategy and the next one retries.
		e.logger.Warn().Err(err).Str("token", token).Msg("Transient gateway failure")
	}
}

// DecisionOrderRef derives the idempotency key for a decision. The price
// bucket (10 bp) absorbs tick-to-tick jitter so a replay of the same decision
// within the same tick maps to the same reference.
func DecisionOrderRef(strategyID, reason string, qtyPct, price float64, tickID string) string {
	bucket := math.Round(price*1000) / 1000
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%.4f|%.3f|%s", strategyID, reason, qtyPct, bucket, tickID)))
	return hex.EncodeToString(h[:16])
}

// feeInQuote converts an order's fee to quote (USD) terms so it can be
// netted out of realized PnL. Binance charges sells in the quote currency
// and buys in the base token; Kraken reports fees in quote directly. Fees
// paid in an unrelated asset (exchange-token discounts) cannot be priced
// here and are left out.
func feeInQuote(result *exchange.OrderResult, token string, fillPrice float64) float64 {
	if result == nil || result.Fee <= 0 {
		return 0
	}
	switch {
	case strings.EqualFold(result.FeeAsset, token):
		return result.Fee * fillPrice
	case result.FeeAsset == "" || isQuoteAsset(result.FeeAsset):
		return result.Fee
	}
	return 0
}

func sideFor(a strategy.Action) exchange.OrderSide {
	if a == strategy.ActionBuy {
		return exchange.SideBuy
	}
	return exchange.SideSell
}

func recordable(status exchange.OrderStatus, allowPartial bool) bool {
	switch status {
	case exchange.StatusFilled:
		return true
	case exchange.StatusPartiallyFilled:
		return allowPartial
	}
	return false
}

// Quote currencies never become ledger positions.
func isQuoteAsset(asset string) bool {
	switch strings.ToUpper(asset) {
	case "USDT", "USDC", "USD", "BUSD", "EUR", "BRL", "ZUSD":
		return true
	}
	return false
}
