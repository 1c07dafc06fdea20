package exchange

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryingGateway retries transient failures on idempotent operations with
// exponential backoff. CreateOrder is never retried: a timed-out submit may
// still have reached the venue, and replay detection lives upstream.
type RetryingGateway struct {
	inner       Gateway
	maxInterval time.Duration
	maxElapsed  time.Duration
}

func NewRetryingGateway(inner Gateway) *RetryingGateway {
	return &RetryingGateway{
		inner:       inner,
		maxInterval: 5 * time.Second,
		maxElapsed:  30 * time.Second,
	}
}

var _ Gateway = (*RetryingGateway)(nil)

func (g *RetryingGateway) Name() string { return g.inner.Name() }

func (g *RetryingGateway) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = g.maxInterval
	b.MaxElapsedTime = g.maxElapsed
	return backoff.WithContext(b, ctx)
}

// retryable wraps an error as backoff.Permanent unless it is transient, so
// auth and order-validity failures surface immediately.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (g *RetryingGateway) FetchBalances(ctx context.Context, cred Credentials) ([]Balance, error) {
	var balances []Balance
	err := backoff.Retry(func() error {
		var err error
		balances, err = g.inner.FetchBalances(ctx, cred)
		return retryable(err)
	}, g.policy(ctx))
	return balances, err
}

func (g *RetryingGateway) FetchTicker(ctx context.Context, cred Credentials, symbol string) (*Ticker, error) {
	var ticker *Ticker
	err := backoff.Retry(func() error {
		var err error
		ticker, err = g.inner.FetchTicker(ctx, cred, symbol)
		return retryable(err)
	}, g.policy(ctx))
	return ticker, err
}

func (g *RetryingGateway) FetchOrder(ctx context.Context, cred Credentials, symbol, exchangeOrderID string) (*OrderResult, error) {
	var result *OrderResult
	err := backoff.Retry(func() error {
		var err error
		result, err = g.inner.FetchOrder(ctx, cred, symbol, exchangeOrderID)
		return retryable(err)
	}, g.policy(ctx))
	return result, err
}

func (g *RetryingGateway) CreateOrder(ctx context.Context, cred Credentials, req OrderRequest) (*OrderResult, error) {
	return g.inner.CreateOrder(ctx, cred, req)
}

func (g *RetryingGateway) CancelOrder(ctx context.Context, cred Credentials, symbol, exchangeOrderID string) error {
	return backoff.Retry(func() error {
		return retryable(g.inner.CancelOrder(ctx, cred, symbol, exchangeOrderID))
	}, g.policy(ctx))
}
