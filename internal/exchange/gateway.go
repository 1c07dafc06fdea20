package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Credentials are the per-user API keys resolved from the vault. Gateways are
// stateless with respect to users; credentials travel with every call.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Ticker is the normalized market snapshot for a base token.
type Ticker struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Volume24h float64
	Change24h float64
	FetchedAt time.Time
}

// Balance is one asset's holdings on the exchange. Total is always
// Free + Locked; callers value positions against it.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
	Total  float64
}

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
)

// OrderRequest describes a MARKET order in base-token units.
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Quantity float64
}

// OrderResult is the normalized exchange response for a submitted or
// looked-up order.
type OrderResult struct {
	ExchangeOrderID  string
	Symbol           string
	Side             OrderSide
	Status           OrderStatus
	RequestedQty     float64
	FilledQty        float64
	AverageFillPrice float64
	Fee              float64
	FeeAsset         string
	SubmittedAt      time.Time
}

// Gateway is the polymorphic exchange surface. Symbols are base tokens
// ("BTC", "ETH"); each variant maps them to its own pair notation.
type Gateway interface {
	Name() string
	FetchBalances(ctx context.Context, cred Credentials) ([]Balance, error)
	FetchTicker(ctx context.Context, cred Credentials, symbol string) (*Ticker, error)
	FetchOrder(ctx context.Context, cred Credentials, symbol, exchangeOrderID string) (*OrderResult, error)
	CreateOrder(ctx context.Context, cred Credentials, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, cred Credentials, symbol, exchangeOrderID string) error
}

// Registry holds the configured gateway per exchange name.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]Gateway)}
}

func (r *Registry) Register(g Gateway) {
	r.gateways[strings.ToLower(g.Name())] = g
}

// Get resolves the gateway for an exchange name.
func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
	return g, nil
}

// Names lists registered exchanges.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}
