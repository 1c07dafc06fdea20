// Package snapshot appends periodic portfolio valuations to balance_history.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crypto-strategy-bot/internal/cache"
	"crypto-strategy-bot/internal/database"
	"crypto-strategy-bot/internal/events"
	"crypto-strategy-bot/internal/exchange"
	"crypto-strategy-bot/internal/vault"
)

// Pipeline values each user's holdings across their linked exchanges. One
// snapshot per user per run; a failing exchange marks its subrecord
// success=false without sinking the rest.
type Pipeline struct {
	balances   *database.BalanceRepository
	links      *database.ExchangeRepository
	gateways   *exchange.Registry
	vault      *vault.Client
	tickers    *cache.TickerCache
	bus        *events.Bus
	usdBRLRate float64
	logger     zerolog.Logger
}

func NewPipeline(
	balances *database.BalanceRepository,
	links *database.ExchangeRepository,
	gateways *exchange.Registry,
	vaultClient *vault.Client,
	tickers *cache.TickerCache,
	bus *events.Bus,
	usdBRLRate float64,
	logger zerolog.Logger,
) *Pipeline {
	if usdBRLRate <= 0 {
		usdBRLRate = 5.0
	}
	return &Pipeline{
		balances:   balances,
		links:      links,
		gateways:   gateways,
		vault:      vaultClient,
		tickers:    tickers,
		bus:        bus,
		usdBRLRate: usdBRLRate,
		logger:     logger.With().Str("component", "balance_snapshot").Logger(),
	}
}

// Run snapshots every user that has at least one active linked exchange.
func (p *Pipeline) Run(ctx context.Context) error {
	users, err := p.links.ListUsersWithActiveLinks(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}

	var failed int
	for _, userID := range users {
		if err := p.SnapshotUser(ctx, userID); err != nil {
			failed++
			p.logger.Error().Err(err).Str("user_id", userID).Msg("User snapshot failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	p.logger.Info().Int("users", len(users)).Int("failed", failed).Msg("Snapshot run complete")
	return nil
}

// SnapshotUser values one user's holdings and appends the snapshot.
func (p *Pipeline) SnapshotUser(ctx context.Context, userID string) error {
	links, err := p.links.ListLinks(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing links: %w", err)
	}

	snap := &database.BalanceSnapshot{
		UserID:     userID,
		SnapshotAt: time.Now().UTC(),
	}

	for _, link := range links {
		if !link.IsActive {
			continue
		}
		sub := p.snapshotExchange(ctx, userID, link.ExchangeID)
		snap.Exchanges = append(snap.Exchanges, sub)
		if sub.Success {
			snap.TotalUSD += sub.TotalUSD
			snap.TotalBRL += sub.TotalBRL
		}
	}
	if len(snap.Exchanges) == 0 {
		return nil
	}

	if err := p.balances.Append(ctx, snap); err != nil {
		return fmt.Errorf("appending snapshot: %w", err)
	}

	p.bus.Publish(events.Event{
		Type:   events.EventBalanceSnapshot,
		UserID: userID,
		Data: map[string]interface{}{
			"total_usd": snap.TotalUSD,
			"total_brl": snap.TotalBRL,
		},
	})
	return nil
}

func (p *Pipeline) snapshotExchange(ctx context.Context, userID, exchangeID string) database.ExchangeSnapshot {
	sub := database.ExchangeSnapshot{ExchangeID: exchangeID, ExchangeName: exchangeID}

	cred, err := p.vault.Get(ctx, userID, exchangeID)
	if err != nil {
		p.logger.Warn().Err(err).Str("user_id", userID).Str("exchange", exchangeID).
			Msg("Credential lookup failed during snapshot")
		return sub
	}
	gw, err := p.gateways.Get(exchangeID)
	if err != nil {
		return sub
	}
	sub.ExchangeName = gw.Name()

	balances, err := gw.FetchBalances(ctx, cred)
	if err != nil {
		p.logger.Warn().Err(err).Str("exchange", exchangeID).Msg("Balance fetch failed during snapshot")
		return sub
	}

	var totalUSD float64
	for _, bal := range balances {
		if bal.Total <= 0 {
			continue
		}
		if isStableUSD(bal.Asset) {
			totalUSD += bal.Total
			continue
		}
		price, err := p.assetPrice(ctx, cred, gw, exchangeID, bal.Asset)
		if err != nil {
			p.logger.Debug().Err(err).Str("asset", bal.Asset).Msg("Skipping unpriceable asset")
			continue
		}
		totalUSD += bal.Total * price
	}

	sub.TotalUSD = totalUSD
	sub.TotalBRL = totalUSD * p.usdBRLRate
	sub.Success = true
	return sub
}

func (p *Pipeline) assetPrice(ctx context.Context, cred exchange.Credentials, gw exchange.Gateway, exchangeID, asset string) (float64, error) {
	if t, err := p.tickers.GetTicker(ctx, exchangeID, asset); err == nil {
		return t.Last, nil
	}
	t, err := gw.FetchTicker(ctx, cred, asset)
	if err != nil {
		return 0, err
	}
	p.tickers.SetTicker(ctx, exchangeID, *t, 0)
	return t.Last, nil
}

func isStableUSD(asset string) bool {
	switch strings.ToUpper(asset) {
	case "USD", "USDT", "USDC", "BUSD", "ZUSD":
		return true
	}
	return false
}
