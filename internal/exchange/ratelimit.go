package exchange

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedGateway serializes calls to an exchange behind a token bucket so
// multi-tenant ticks can't trip the venue's request limits.
type RateLimitedGateway struct {
	inner   Gateway
	limiter *rate.Limiter
}

// NewRateLimitedGateway wraps a gateway with a bucket of rps requests per
// second and the given burst.
func NewRateLimitedGateway(inner Gateway, rps float64, burst int) *RateLimitedGateway {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedGateway{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

var _ Gateway = (*RateLimitedGateway)(nil)

func (g *RateLimitedGateway) Name() string { return g.inner.Name() }

func (g *RateLimitedGateway) wait(ctx context.Context, op string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return newError(KindTransient, g.inner.Name(), op, err)
	}
	return nil
}

func (g *RateLimitedGateway) FetchBalances(ctx context.Context, cred Credentials) ([]Balance, error) {
	if err := g.wait(ctx, "FetchBalances"); err != nil {
		return nil, err
	}
	return g.inner.FetchBalances(ctx, cred)
}

func (g *RateLimitedGateway) FetchTicker(ctx context.Context, cred Credentials, symbol string) (*Ticker, error) {
	if err := g.wait(ctx, "FetchTicker"); err != nil {
		return nil, err
	}
	return g.inner.FetchTicker(ctx, cred, symbol)
}

func (g *RateLimitedGateway) FetchOrder(ctx context.Context, cred Credentials, symbol, exchangeOrderID string) (*OrderResult, error) {
	if err := g.wait(ctx, "FetchOrder"); err != nil {
		return nil, err
	}
	return g.inner.FetchOrder(ctx, cred, symbol, exchangeOrderID)
}

func (g *RateLimitedGateway) CreateOrder(ctx context.Context, cred Credentials, req OrderRequest) (*OrderResult, error) {
	if err := g.wait(ctx, "CreateOrder"); err != nil {
		return nil, err
	}
	return g.inner.CreateOrder(ctx, cred, req)
}

func (g *RateLimitedGateway) CancelOrder(ctx context.Context, cred Credentials, symbol, exchangeOrderID string) error {
	if err := g.wait(ctx, "CancelOrder"); err != nil {
		return err
	}
	return g.inner.CancelOrder(ctx, cred, symbol, exchangeOrderID)
}
