package exchange

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MockGateway is an in-memory gateway for tests. Tickers and balances are
// set up front; orders fill completely at the configured price unless an
// error is injected.
type MockGateway struct {
	mu sync.Mutex

	ExchangeName string
	Tickers      map[string]*Ticker
	Balances     []Balance

	// Errors to inject, keyed by operation name.
	Errs map[string]error

	CreatedOrders  []OrderRequest
	CanceledOrders []string

	nextOrderID int
}

func NewMockGateway(name string) *MockGateway {
	return &MockGateway{
		ExchangeName: name,
		Tickers:      make(map[string]*Ticker),
		Errs:         make(map[string]error),
	}
}

var _ Gateway = (*MockGateway)(nil)

func (g *MockGateway) Name() string {
	if g.ExchangeName == "" {
		return "mock"
	}
	return g.ExchangeName
}

func (g *MockGateway) SetTicker(symbol string, bid, ask, volume24h, change24h float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Tickers[symbol] = &Ticker{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Last:      (bid + ask) / 2,
		Volume24h: volume24h,
		Change24h: change24h,
		FetchedAt: time.Now().UTC(),
	}
}

func (g *MockGateway) SetBalance(asset string, free, locked float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Balances = append(g.Balances, Balance{Asset: asset, Free: free, Locked: locked, Total: free + locked})
}

func (g *MockGateway) FetchBalances(ctx context.Context, cred Credentials) ([]Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errs["FetchBalances"]; err != nil {
		return nil, err
	}
	out := make([]Balance, len(g.Balances))
	copy(out, g.Balances)
	return out, nil
}

func (g *MockGateway) FetchTicker(ctx context.Context, cred Credentials, symbol string) (*Ticker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errs["FetchTicker"]; err != nil {
		return nil, err
	}
	t, ok := g.Tickers[symbol]
	if !ok {
		return nil, newError(KindUnknownSymbol, g.Name(), "FetchTicker", nil)
	}
	cp := *t
	return &cp, nil
}

func (g *MockGateway) CreateOrder(ctx context.Context, cred Credentials, req OrderRequest) (*OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errs["CreateOrder"]; err != nil {
		return nil, err
	}
	t, ok := g.Tickers[req.Symbol]
	if !ok {
		return nil, newError(KindUnknownSymbol, g.Name(), "CreateOrder", nil)
	}

	price := t.Ask
	if req.Side == SideSell {
		price = t.Bid
	}

	g.nextOrderID++
	g.CreatedOrders = append(g.CreatedOrders, req)
	return &OrderResult{
		ExchangeOrderID:  strconv.Itoa(g.nextOrderID),
		Symbol:           req.Symbol,
		Side:             req.Side,
		Status:           StatusFilled,
		RequestedQty:     req.Quantity,
		FilledQty:        req.Quantity,
		AverageFillPrice: price,
		SubmittedAt:      time.Now().UTC(),
	}, nil
}

func (g *MockGateway) FetchOrder(ctx context.Context, cred Credentials, symbol, exchangeOrderID string) (*OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errs["FetchOrder"]; err != nil {
		return nil, err
	}
	return nil, newError(KindInvalidOrder, g.Name(), "FetchOrder", nil)
}

func (g *MockGateway) CancelOrder(ctx context.Context, cred Credentials, symbol, exchangeOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errs["CancelOrder"]; err != nil {
		return err
	}
	g.CanceledOrders = append(g.CanceledOrders, exchangeOrderID)
	return nil
}
