package database

import (
	"testing"
	"time"

	"crypto-strategy-bot/internal/strategy"
)

// ============================================================================
// TEST: Execution folding — counters, windows, levels, cooldown
// ============================================================================

func TestApplyExecution_SellWithTPLevel(t *testing.T) {
	rules := strategy.DefaultRules()
	rules.Cooldown = strategy.CooldownRule{Enabled: true, MinutesAfterSell: 60, MinutesAfterBuy: 30}
	var tracking strategy.Tracking

	level := 5.0
	at := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	applyExecution(&rules, &tracking, ExecutionRecord{
		OrderRef:       "ref-1",
		Action:         strategy.ActionSell,
		Reason:         "TAKE_PROFIT_L1",
		Price:          1.05,
		Amount:         300,
		PnLUSD:         15,
		TPLevelPercent: &level,
		ExecutedAt:     at,
	})

	stats := tracking.ExecutionStats
	if stats.TotalExecutions != 1 || stats.TotalSells != 1 || stats.TotalBuys != 0 {
		t.Errorf("Counters = %d/%d/%d, want 1/1/0", stats.TotalExecutions, stats.TotalSells, stats.TotalBuys)
	}
	if stats.TotalPnLUSD != 15 || stats.DailyPnLUSD != 15 || stats.WeeklyPnLUSD != 15 || stats.MonthlyPnLUSD != 15 {
		t.Errorf("PnL windows = %v/%v/%v/%v, want all 15",
			stats.TotalPnLUSD, stats.DailyPnLUSD, stats.WeeklyPnLUSD, stats.MonthlyPnLUSD)
	}
	if !stats.HasExecutedTPLevel(5.0) {
		t.Error("Expected TP level 5 recorded as executed")
	}
	if stats.LastExecutionReason != "TAKE_PROFIT_L1" || stats.LastExecutionPrice != 1.05 {
		t.Errorf("Last execution = %s @ %.2f", stats.LastExecutionReason, stats.LastExecutionPrice)
	}

	if tracking.Cooldown.CooldownUntil == nil {
		t.Fatal("Expected a cooldown after sell")
	}
	wantUntil := at.Add(60 * time.Minute)
	if !tracking.Cooldown.CooldownUntil.Equal(wantUntil) {
		t.Errorf("CooldownUntil = %v, want %v", tracking.Cooldown.CooldownUntil, wantUntil)
	}
	if tracking.Cooldown.LastAction != "SELL" {
		t.Errorf("LastAction = %s, want SELL", tracking.Cooldown.LastAction)
	}
}

func TestApplyExecution_BuyCooldownUsesBuyMinutes(t *testing.T) {
	rules := strategy.DefaultRules()
	rules.Cooldown = strategy.CooldownRule{Enabled: true, MinutesAfterSell: 60, MinutesAfterBuy: 30}
	var tracking strategy.Tracking

	at := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	dca := 5.0
	applyExecution(&rules, &tracking, ExecutionRecord{
		Action:          strategy.ActionBuy,
		Reason:          "DCA_L1",
		DCALevelPercent: &dca,
		ExecutedAt:      at,
	})

	if tracking.ExecutionStats.TotalBuys != 1 {
		t.Errorf("TotalBuys = %d, want 1", tracking.ExecutionStats.TotalBuys)
	}
	if !tracking.ExecutionStats.HasExecutedDCALevel(5.0) {
		t.Error("Expected DCA level 5 recorded")
	}
	wantUntil := at.Add(30 * time.Minute)
	if tracking.Cooldown.CooldownUntil == nil || !tracking.Cooldown.CooldownUntil.Equal(wantUntil) {
		t.Errorf("CooldownUntil = %v, want %v", tracking.Cooldown.CooldownUntil, wantUntil)
	}
}

// ============================================================================
// TEST: Full liquidation resets level sets and trailing state
// ============================================================================

func TestApplyExecution_ClosedPositionResetsCycle(t *testing.T) {
	rules := strategy.DefaultRules()
	tracking := strategy.Tracking{
		ExecutionStats: strategy.ExecutionStats{
			ExecutedTPLevels:  []float64{5.0, 10.0},
			ExecutedDCALevels: []float64{5.0},
		},
		TrailingStop: strategy.TrailingStop{IsActive: true, HighestPriceSeen: 1.25, CurrentStopPrice: 1.225},
	}

	applyExecution(&rules, &tracking, ExecutionRecord{
		Action:           strategy.ActionSell,
		Reason:           "TRAILING_STOP",
		PnLUSD:           40,
		ConsumedTrailing: true,
		ClosedPosition:   true,
		ExecutedAt:       time.Now().UTC(),
	})

	if tracking.TrailingStop.IsActive || tracking.TrailingStop.HighestPriceSeen != 0 {
		t.Errorf("Trailing state not reset: %+v", tracking.TrailingStop)
	}
	if len(tracking.ExecutionStats.ExecutedTPLevels) != 0 {
		t.Errorf("TP levels not reset: %v", tracking.ExecutionStats.ExecutedTPLevels)
	}
	if len(tracking.ExecutionStats.ExecutedDCALevels) != 0 {
		t.Errorf("DCA levels not reset: %v", tracking.ExecutionStats.ExecutedDCALevels)
	}
	// Cumulative PnL survives the cycle reset.
	if tracking.ExecutionStats.TotalPnLUSD != 40 {
		t.Errorf("TotalPnLUSD = %v, want 40", tracking.ExecutionStats.TotalPnLUSD)
	}
}

func TestApplyExecution_NoCooldownWhenDisabled(t *testing.T) {
	rules := strategy.DefaultRules()
	var tracking strategy.Tracking

	applyExecution(&rules, &tracking, ExecutionRecord{
		Action:     strategy.ActionSell,
		Reason:     "STOP_LOSS",
		ExecutedAt: time.Now().UTC(),
	})

	if tracking.Cooldown.CooldownUntil != nil {
		t.Error("Cooldown must stay empty when the rule is disabled")
	}
}
