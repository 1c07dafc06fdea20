package strategy

import (
	"fmt"
	"time"
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Decision reasons. Level-bearing reasons carry a 1-based index.
const (
	ReasonTakeProfit   = "TAKE_PROFIT_L%d"
	ReasonStopLoss     = "STOP_LOSS"
	ReasonTrailingStop = "TRAILING_STOP"
	ReasonBuyDip       = "BUY_DIP"
	ReasonDCA          = "DCA_L%d"
)

// MarketData carries optional market context. Nil fields skip the related
// validation.
type MarketData struct {
	Volume24h *float64
	Change24h *float64
}

// Input is everything Evaluate needs. Now is read once by the caller so the
// whole evaluation sees a single clock value.
type Input struct {
	Rules         Rules
	Tracking      Tracking
	EntryPrice    float64
	CurrentPrice  float64
	HoldingAmount float64
	Market        MarketData
	Now           time.Time
}

// TrailingUpdate is a side-effect request: the worker persists it via the
// store's monotonic UpdateTrailing.
type TrailingUpdate struct {
	IsActive         bool
	HighestPriceSeen float64
	CurrentStopPrice float64
}

// Decision is the evaluator's output. When ShouldTrigger is false, Metadata
// names the blocking validation. TrailingUpdate and PauseRequested are
// side-effect requests that accompany any outcome.
type Decision struct {
	ShouldTrigger   bool
	Action          Action
	Reason          string
	QuantityPercent float64
	LevelPercent    float64
	Metadata        map[string]string

	TrailingUpdate *TrailingUpdate
	PauseRequested bool
	NeedsRepair    bool
}

func blocked(key, value string) Decision {
	return Decision{Metadata: map[string]string{key: value}}
}

// Evaluate runs the rule ladder and returns the first decision or block it
// produces. Pure: same input, same output. Gate order is load-bearing —
// trailing precedes take-profit so a retracement beats a level crossing at
// the same price.
func Evaluate(in Input) Decision {
	rules := &in.Rules
	stats := &in.Tracking.ExecutionStats

	if in.EntryPrice <= 0 || in.CurrentPrice <= 0 {
		d := blocked("reason", "invalid_price")
		d.NeedsRepair = in.EntryPrice <= 0
		return d
	}

	// Malformed level sums disable the level ladders but leave the
	// protective rules running; the flag is surfaced for the owner to fix.
	needsRepair := rules.NeedsRepair()

	// 1. Cooldown.
	if rules.Cooldown.Enabled && in.Tracking.Cooldown.CooldownUntil != nil &&
		in.Now.Before(*in.Tracking.Cooldown.CooldownUntil) {
		d := blocked("cooldown", "blocked")
		d.NeedsRepair = needsRepair
		return d
	}

	// 2. Circuit breaker.
	if rules.RiskManagement.Enabled {
		if window := trippedWindow(rules.RiskManagement, stats); window != "" {
			d := blocked("circuit_breaker", window)
			d.PauseRequested = rules.RiskManagement.PauseOnLimit
			d.NeedsRepair = needsRepair
			return d
		}
	}

	// 3. Trading hours.
	if rules.TradingHours.Enabled {
		if !withinTradingHours(rules.TradingHours, in.Now) {
			d := blocked("trading_hours", "blocked")
			d.NeedsRepair = needsRepair
			return d
		}
	}

	// 4. Blackout periods.
	for _, period := range rules.BlackoutPeriods {
		if period.Enabled && !in.Now.Before(period.Start) && in.Now.Before(period.End) {
			d := blocked("blackout", "blocked")
			d.NeedsRepair = needsRepair
			return d
		}
	}

	// 5. Volume.
	if rules.VolumeCheck.Enabled && in.Market.Volume24h != nil &&
		*in.Market.Volume24h < rules.VolumeCheck.Min24hVolumeUSD {
		d := blocked("volume", "blocked")
		d.NeedsRepair = needsRepair
		return d
	}

	// 6. Trailing stop: roll the state forward, fire on retracement.
	var trailing *TrailingUpdate
	if rules.StopLoss.TrailingEnabled {
		trailing = advanceTrailing(rules.StopLoss, in.Tracking.TrailingStop, in.EntryPrice, in.CurrentPrice)
		if trailing != nil && trailing.IsActive && in.CurrentPrice <= trailing.CurrentStopPrice {
			return finalize(in, Decision{
				ShouldTrigger:   true,
				Action:          ActionSell,
				Reason:          ReasonTrailingStop,
				QuantityPercent: 100,
				TrailingUpdate:  trailing,
				NeedsRepair:     needsRepair,
			})
		}
	}

	// 7. Take-profit levels, ascending, one per evaluation.
	if !needsRepair {
		for i, level := range rules.sortedTPLevels() {
			if stats.HasExecutedTPLevel(level.Percent) {
				continue
			}
			if in.CurrentPrice >= in.EntryPrice*(1+level.Percent/100) {
				return finalize(in, Decision{
					ShouldTrigger:   true,
					Action:          ActionSell,
					Reason:          fmt.Sprintf(ReasonTakeProfit, i+1),
					QuantityPercent: level.QuantityPercent,
					LevelPercent:    level.Percent,
					TrailingUpdate:  trailing,
					NeedsRepair:     needsRepair,
				})
			}
		}
	}

	// 8. Fixed stop-loss.
	if rules.StopLoss.Enabled && in.CurrentPrice <= in.EntryPrice*(1-rules.StopLoss.Percent/100) {
		return finalize(in, Decision{
			ShouldTrigger:   true,
			Action:          ActionSell,
			Reason:          ReasonStopLoss,
			QuantityPercent: 100,
			TrailingUpdate:  trailing,
			NeedsRepair:     needsRepair,
		})
	}

	// 9. Buy the dip, with or without the DCA ladder.
	if rules.BuyDip.Enabled {
		if rules.BuyDip.DCAEnabled && !needsRepair {
			for i, level := range rules.BuyDip.sortedDCALevels() {
				if stats.HasExecutedDCALevel(level.Percent) {
					continue
				}
				if in.CurrentPrice <= in.EntryPrice*(1-level.Percent/100) {
					return finalize(in, Decision{
						ShouldTrigger:   true,
						Action:          ActionBuy,
						Reason:          fmt.Sprintf(ReasonDCA, i+1),
						QuantityPercent: level.QuantityPercent,
						LevelPercent:    level.Percent,
						TrailingUpdate:  trailing,
						NeedsRepair:     needsRepair,
					})
				}
			}
		} else if !rules.BuyDip.DCAEnabled {
			if in.CurrentPrice <= in.EntryPrice*(1-rules.BuyDip.Percent/100) {
				return finalize(in, Decision{
					ShouldTrigger:   true,
					Action:          ActionBuy,
					Reason:          ReasonBuyDip,
					QuantityPercent: 100,
					TrailingUpdate:  trailing,
					NeedsRepair:     needsRepair,
				})
			}
		}
	}

	// 10. Hold.
	d := blocked("reason", "no_trigger")
	d.TrailingUpdate = trailing
	d.NeedsRepair = needsRepair
	return d
}

// finalize clamps the quantity by max_order_size_percent and demotes
// decisions whose order value would fall below the minimum order size.
// Quantity resolves against the current holding, not the entry size.
func finalize(in Input, d Decision) Decision {
	if max := in.Rules.Execution.MaxOrderSizePercent; max > 0 && d.QuantityPercent > max {
		d.QuantityPercent = max
	}

	orderValue := in.HoldingAmount * d.QuantityPercent / 100 * in.CurrentPrice
	if min := in.Rules.Execution.MinOrderSizeUSD; min > 0 && orderValue < min {
		demoted := blocked("reason", "below_min_size")
		demoted.TrailingUpdate = d.TrailingUpdate
		demoted.PauseRequested = d.PauseRequested
		demoted.NeedsRepair = d.NeedsRepair
		return demoted
	}
	return d
}

// trippedWindow returns the first loss window at or past its limit.
func trippedWindow(risk RiskRule, stats *ExecutionStats) string {
	if risk.MaxDailyLossUSD != nil && stats.DailyPnLUSD <= -*risk.MaxDailyLossUSD {
		return "daily"
	}
	if risk.MaxWeeklyLossUSD != nil && stats.WeeklyPnLUSD <= -*risk.MaxWeeklyLossUSD {
		return "weekly"
	}
	if risk.MaxMonthlyLossUSD != nil && stats.MonthlyPnLUSD <= -*risk.MaxMonthlyLossUSD {
		return "monthly"
	}
	return ""
}

// withinTradingHours checks hour and day membership. Validation requires
// both sets to be non-empty on an enabled gate; an empty set only occurs on
// rows stored before that check and places no restriction.
func withinTradingHours(rule TradingHoursRule, now time.Time) bool {
	loc := time.UTC
	if rule.Timezone != "" {
		if l, err := time.LoadLocation(rule.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	if len(rule.AllowedHours) > 0 && !containsInt(rule.AllowedHours, local.Hour()) {
		return false
	}
	if len(rule.AllowedDays) > 0 && !containsInt(rule.AllowedDays, int(local.Weekday())) {
		return false
	}
	return true
}

// advanceTrailing computes the next trailing state from the current one.
// highest_price_seen never decreases and activation never reverts.
func advanceTrailing(rule StopLossRule, state TrailingStop, entryPrice, currentPrice float64) *TrailingUpdate {
	active := state.IsActive
	if !active {
		gain := (currentPrice - entryPrice) / entryPrice
		if gain >= rule.TrailingActivationPercent/100 {
			active = true
		}
	}
	if !active {
		return nil
	}

	highest := state.HighestPriceSeen
	if currentPrice > highest {
		highest = currentPrice
	}
	return &TrailingUpdate{
		IsActive:         true,
		HighestPriceSeen: highest,
		CurrentStopPrice: highest * (1 - rule.TrailingPercent/100),
	}
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
