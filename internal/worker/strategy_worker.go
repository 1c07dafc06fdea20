// Package worker drives periodic strategy evaluation. Each tick loads the
// active strategies, fans out tickers once per (exchange, symbol), and runs
// the evaluator under a per-strategy lease so overlapping ticks never double
// evaluate.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crypto-strategy-bot/internal/cache"
	"crypto-strategy-bot/internal/database"
	"crypto-strategy-bot/internal/events"
	"crypto-strategy-bot/internal/exchange"
	"crypto-strategy-bot/internal/notification"
	"crypto-strategy-bot/internal/orders"
	"crypto-strategy-bot/internal/strategy"
	"crypto-strategy-bot/internal/vault"
)

const (
	// Per-strategy evaluation budget. A gateway call that outlives it is
	// canceled, nothing is persisted, and the next tick retries.
	evalTimeout = 30 * time.Second

	leaseTTL = 2 * time.Minute
)

type Worker struct {
	strategies *database.StrategyRepository
	positions  *database.PositionRepository
	gateways   *exchange.Registry
	vault      *vault.Client
	executor   *orders.Executor
	tickers    *cache.TickerCache
	notifier   *notification.Service
	bus        *events.Bus
	logger     zerolog.Logger
}

func New(
	strategies *database.StrategyRepository,
	positions *database.PositionRepository,
	gateways *exchange.Registry,
	vaultClient *vault.Client,
	executor *orders.Executor,
	tickers *cache.TickerCache,
	notifier *notification.Service,
	bus *events.Bus,
	logger zerolog.Logger,
) *Worker {
	return &Worker{
		strategies: strategies,
		positions:  positions,
		gateways:   gateways,
		vault:      vaultClient,
		executor:   executor,
		tickers:    tickers,
		notifier:   notifier,
		bus:        bus,
		logger:     logger.With().Str("component", "strategy_worker").Logger(),
	}
}

// RunTick evaluates every active strategy once. Failures are isolated per
// strategy: one bad strategy or one dead exchange never stops the sweep.
func (w *Worker) RunTick(ctx context.Context) error {
	tickID := uuid.NewString()
	started := time.Now()

	strategies, err := w.strategies.ListActiveForEvaluation(ctx)
	if err != nil {
		return fmt.Errorf("listing strategies: %w", err)
	}
	if len(strategies) == 0 {
		return nil
	}

	// Tickers are shared across strategies on the same (exchange, symbol)
	// within a tick.
	tickerMap := make(map[string]*exchange.Ticker)

	var failures int
	for _, st := range strategies {
		if err := w.evaluateOne(ctx, st, tickID, tickerMap); err != nil {
			failures++
			w.logger.Warn().Err(err).
				Str("strategy_id", st.ID).Str("token", st.Token).
				Msg("Strategy evaluation failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	w.logger.Info().
		Int("strategies", len(strategies)).Int("failures", failures).
		Str("tick_id", tickID).Dur("elapsed", time.Since(started)).
		Msg("Tick complete")
	return nil
}

func (w *Worker) evaluateOne(parent context.Context, st *database.Strategy, tickID string, tickerMap map[string]*exchange.Ticker) error {
	ctx, cancel := context.WithTimeout(parent, evalTimeout)
	defer cancel()

	leaseToken := uuid.NewString()
	if err := w.strategies.AcquireLease(ctx, st.ID, leaseToken, leaseTTL); err != nil {
		if errors.Is(err, database.ErrLeaseHeld) {
			return nil // another tick owns it; skip, don't queue
		}
		return fmt.Errorf("acquiring lease: %w", err)
	}
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := w.strategies.ReleaseLease(releaseCtx, st.ID, leaseToken); err != nil {
			w.logger.Warn().Err(err).Str("strategy_id", st.ID).Msg("Lease release failed")
		}
	}()

	pos, err := w.positions.Get(ctx, st.UserID, st.ExchangeID, st.Token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil // nothing held, nothing to protect or scale
		}
		return fmt.Errorf("loading position: %w", err)
	}
	if pos.Amount <= 0 {
		return nil
	}

	ticker, err := w.fetchTicker(ctx, st.UserID, st.ExchangeID, st.Token, tickerMap)
	if err != nil {
		return fmt.Errorf("fetching ticker: %w", err)
	}

	in := strategy.Input{
		Rules:         st.Rules,
		Tracking:      st.Tracking,
		EntryPrice:    pos.EntryPrice,
		CurrentPrice:  ticker.Last,
		HoldingAmount: pos.Amount,
		Market: strategy.MarketData{
			Volume24h: &ticker.Volume24h,
			Change24h: &ticker.Change24h,
		},
		Now: time.Now().UTC(),
	}
	decision := strategy.Evaluate(in)

	if decision.TrailingUpdate != nil {
		if err := w.strategies.UpdateTrailing(ctx, st.ID, *decision.TrailingUpdate); err != nil {
			return fmt.Errorf("persisting trailing update: %w", err)
		}
	}

	if decision.NeedsRepair && !st.NeedsRepair {
		if err := w.strategies.SetNeedsRepair(ctx, st.ID, true); err != nil {
			w.logger.Error().Err(err).Str("strategy_id", st.ID).Msg("Failed to flag strategy for repair")
		}
	}

	if decision.PauseRequested {
		return w.pauseStrategy(ctx, st, decision)
	}

	if decision.ShouldTrigger {
		return w.executor.ExecuteDecision(ctx, st, decision, *ticker, tickID)
	}
	return nil
}

// pauseStrategy deactivates a strategy whose loss window tripped the circuit
// breaker. No further orders are recorded until it is manually reactivated.
func (w *Worker) pauseStrategy(ctx context.Context, st *database.Strategy, decision strategy.Decision) error {
	window := decision.Metadata["circuit_breaker"]
	w.logger.Warn().
		Str("strategy_id", st.ID).Str("token", st.Token).Str("window", window).
		Msg("Circuit breaker tripped, pausing strategy")

	if err := w.strategies.SetActive(ctx, st.ID, false); err != nil {
		return fmt.Errorf("pausing strategy: %w", err)
	}
	w.notifier.StrategyPaused(ctx, st.UserID, st.ID, st.Token, window)
	w.bus.PublishStrategyPaused(st.UserID, st.ID, st.Token, window)
	return nil
}

// fetchTicker resolves a ticker via the in-tick map, then Redis, then the
// exchange, populating both caches on the way back.
func (w *Worker) fetchTicker(ctx context.Context, userID, exchangeID, symbol string, tickerMap map[string]*exchange.Ticker) (*exchange.Ticker, error) {
	key := strings.ToLower(exchangeID) + ":" + strings.ToUpper(symbol)
	if t, ok := tickerMap[key]; ok {
		return t, nil
	}

	if t, err := w.tickers.GetTicker(ctx, exchangeID, symbol); err == nil {
		tickerMap[key] = t
		return t, nil
	}

	cred, err := w.vault.Get(ctx, userID, exchangeID)
	if err != nil {
		return nil, err
	}
	gw, err := w.gateways.Get(exchangeID)
	if err != nil {
		return nil, err
	}
	t, err := gw.FetchTicker(ctx, cred, symbol)
	if err != nil {
		return nil, err
	}

	tickerMap[key] = t
	w.tickers.SetTicker(ctx, exchangeID, *t, 0)
	return t, nil
}
