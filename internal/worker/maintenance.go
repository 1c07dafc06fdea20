package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-strategy-bot/internal/database"
)

// Maintenance rolls PnL windows over their reset boundaries. Daily windows
// reset per strategy at its configured UTC hour, weekly at Monday 00:00 UTC,
// monthly on the first. Each run covers the boundaries crossed since the
// previous run, so a delayed tick still applies every missed reset.
type Maintenance struct {
	strategies *database.StrategyRepository
	logger     zerolog.Logger

	mu      sync.Mutex
	lastRun time.Time
}

func NewMaintenance(strategies *database.StrategyRepository, logger zerolog.Logger) *Maintenance {
	return &Maintenance{
		strategies: strategies,
		logger:     logger.With().Str("component", "pnl_maintenance").Logger(),
		lastRun:    time.Now().UTC(),
	}
}

// Run applies all window resets due since the previous run.
func (m *Maintenance) Run(ctx context.Context) error {
	now := time.Now().UTC()
	m.mu.Lock()
	from := m.lastRun
	m.mu.Unlock()

	for _, mark := range database.HourBoundariesCrossed(from, now) {
		n, err := m.strategies.ResetDailyPnL(ctx, mark.Hour())
		if err != nil {
			return err
		}
		if n > 0 {
			m.logger.Info().Int("hour_utc", mark.Hour()).Int64("strategies", n).
				Msg("Daily PnL windows reset")
		}
	}

	if database.CrossedWeeklyReset(from, now) {
		n, err := m.strategies.ResetWeeklyPnL(ctx)
		if err != nil {
			return err
		}
		m.logger.Info().Int64("strategies", n).Msg("Weekly PnL windows reset")
	}

	if database.CrossedMonthlyReset(from, now) {
		n, err := m.strategies.ResetMonthlyPnL(ctx)
		if err != nil {
			return err
		}
		m.logger.Info().Int64("strategies", n).Msg("Monthly PnL windows reset")
	}

	m.mu.Lock()
	m.lastRun = now
	m.mu.Unlock()
	return nil
}
