package strategy

import "fmt"

// TriggerHint describes how far the price is from firing a rule. Returned by
// the dry check endpoint when nothing triggered.
type TriggerHint struct {
	Type            string  `json:"type"`
	TargetPrice     float64 `json:"target_price"`
	DistancePercent float64 `json:"distance_percent"`
}

// NextTriggers lists the remaining trigger thresholds and their distance
// from the current price. Distances are signed: positive means the price has
// to move up, negative means down.
func NextTriggers(in Input) []TriggerHint {
	if in.EntryPrice <= 0 || in.CurrentPrice <= 0 {
		return nil
	}

	var hints []TriggerHint
	add := func(hintType string, target float64) {
		hints = append(hints, TriggerHint{
			Type:            hintType,
			TargetPrice:     target,
			DistancePercent: (target - in.CurrentPrice) / in.CurrentPrice * 100,
		})
	}

	stats := &in.Tracking.ExecutionStats
	for i, level := range in.Rules.sortedTPLevels() {
		if stats.HasExecutedTPLevel(level.Percent) {
			continue
		}
		add(fmt.Sprintf("take_profit_l%d", i+1), in.EntryPrice*(1+level.Percent/100))
		break
	}

	if in.Rules.StopLoss.TrailingEnabled && in.Tracking.TrailingStop.IsActive {
		add("trailing_stop", in.Tracking.TrailingStop.CurrentStopPrice)
	} else if in.Rules.StopLoss.Enabled {
		add("stop_loss", in.EntryPrice*(1-in.Rules.StopLoss.Percent/100))
	}

	if in.Rules.BuyDip.Enabled {
		if in.Rules.BuyDip.DCAEnabled {
			for i, level := range in.Rules.BuyDip.sortedDCALevels() {
				if stats.HasExecutedDCALevel(level.Percent) {
					continue
				}
				add(fmt.Sprintf("dca_l%d", i+1), in.EntryPrice*(1-level.Percent/100))
				break
			}
		} else {
			add("buy_dip", in.EntryPrice*(1-in.Rules.BuyDip.Percent/100))
		}
	}

	return hints
}
