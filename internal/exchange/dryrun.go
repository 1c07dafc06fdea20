package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DryRunGateway wraps a real gateway, passing reads through and synthesizing
// fills for writes. Orders fill completely at the live ticker price and are
// remembered in-process so FetchOrder keeps working for them.
type DryRunGateway struct {
	inner  Gateway
	logger zerolog.Logger

	mu     sync.RWMutex
	orders map[string]*OrderResult
}

func NewDryRunGateway(inner Gateway, logger zerolog.Logger) *DryRunGateway {
	return &DryRunGateway{
		inner:  inner,
		logger: logger.With().Str("component", "dryrun").Str("exchange", inner.Name()).Logger(),
		orders: make(map[string]*OrderResult),
	}
}

var _ Gateway = (*DryRunGateway)(nil)

func (g *DryRunGateway) Name() string { return g.inner.Name() }

func (g *DryRunGateway) FetchBalances(ctx context.Context, cred Credentials) ([]Balance, error) {
	return g.inner.FetchBalances(ctx, cred)
}

func (g *DryRunGateway) FetchTicker(ctx context.Context, cred Credentials, symbol string) (*Ticker, error) {
	return g.inner.FetchTicker(ctx, cred, symbol)
}

func (g *DryRunGateway) CreateOrder(ctx context.Context, cred Credentials, req OrderRequest) (*OrderResult, error) {
	ticker, err := g.inner.FetchTicker(ctx, cred, req.Symbol)
	if err != nil {
		return nil, err
	}

	price := ticker.Ask
	if req.Side == SideSell {
		price = ticker.Bid
	}

	result := &OrderResult{
		ExchangeOrderID:  "dry-" + uuid.NewString(),
		Symbol:           req.Symbol,
		Side:             req.Side,
		Status:           StatusFilled,
		RequestedQty:     req.Quantity,
		FilledQty:        req.Quantity,
		AverageFillPrice: price,
		SubmittedAt:      time.Now().UTC(),
	}

	g.mu.Lock()
	g.orders[result.ExchangeOrderID] = result
	g.mu.Unlock()

	g.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("quantity", req.Quantity).
		Float64("price", price).
		Msg("Dry-run order filled")

	return result, nil
}

func (g *DryRunGateway) FetchOrder(ctx context.Context, cred Credentials, symbol, exchangeOrderID string) (*OrderResult, error) {
	g.mu.RLock()
	result, ok := g.orders[exchangeOrderID]
	g.mu.RUnlock()
	if ok {
		return result, nil
	}
	return g.inner.FetchOrder(ctx, cred, symbol, exchangeOrderID)
}

func (g *DryRunGateway) CancelOrder(ctx context.Context, cred Credentials, symbol, exchangeOrderID string) error {
	g.mu.RLock()
	_, ok := g.orders[exchangeOrderID]
	g.mu.RUnlock()
	if ok {
		// Dry-run orders fill instantly; nothing to cancel.
		return nil
	}
	return g.inner.CancelOrder(ctx, cred, symbol, exchangeOrderID)
}
