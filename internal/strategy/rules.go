package strategy

import (
	"fmt"
	"sort"
	"time"
)

// Rules is the canonical structured form of a strategy's configuration.
// Omitted subtrees default to disabled.
type Rules struct {
	TakeProfitLevels []TakeProfitLevel `json:"take_profit_levels"`
	StopLoss         StopLossRule      `json:"stop_loss"`
	BuyDip           BuyDipRule        `json:"buy_dip"`
	Cooldown         CooldownRule      `json:"cooldown"`
	RiskManagement   RiskRule          `json:"risk_management"`
	TradingHours     TradingHoursRule  `json:"trading_hours"`
	BlackoutPeriods  []BlackoutPeriod  `json:"blackout_periods"`
	VolumeCheck      VolumeCheckRule   `json:"volume_check"`
	Execution        ExecutionRule     `json:"execution"`
}

type TakeProfitLevel struct {
	Percent         float64 `json:"percent"`
	QuantityPercent float64 `json:"quantity_percent"`
	Enabled         bool    `json:"enabled"`
}

type StopLossRule struct {
	Percent                   float64 `json:"percent"`
	Enabled                   bool    `json:"enabled"`
	TrailingEnabled           bool    `json:"trailing_enabled"`
	TrailingPercent           float64 `json:"trailing_percent,omitempty"`
	TrailingActivationPercent float64 `json:"trailing_activation_percent,omitempty"`
}

type DCALevel struct {
	Percent         float64 `json:"percent"`
	QuantityPercent float64 `json:"quantity_percent"`
}

type BuyDipRule struct {
	Percent    float64    `json:"percent"`
	Enabled    bool       `json:"enabled"`
	DCAEnabled bool       `json:"dca_enabled"`
	DCALevels  []DCALevel `json:"dca_levels,omitempty"`
}

type CooldownRule struct {
	Enabled          bool    `json:"enabled"`
	MinutesAfterSell float64 `json:"minutes_after_sell,omitempty"`
	MinutesAfterBuy  float64 `json:"minutes_after_buy,omitempty"`
}

// RiskRule configures the per-window circuit breaker. Nil limits are
// unconfigured windows.
type RiskRule struct {
	Enabled           bool     `json:"enabled"`
	MaxDailyLossUSD   *float64 `json:"max_daily_loss_usd,omitempty"`
	MaxWeeklyLossUSD  *float64 `json:"max_weekly_loss_usd,omitempty"`
	MaxMonthlyLossUSD *float64 `json:"max_monthly_loss_usd,omitempty"`
	PauseOnLimit      bool     `json:"pause_on_limit"`
	ResetHourUTC      int      `json:"reset_hour_utc"`
}

type TradingHoursRule struct {
	Enabled      bool   `json:"enabled"`
	Timezone     string `json:"timezone,omitempty"`
	AllowedHours []int  `json:"allowed_hours,omitempty"`
	AllowedDays  []int  `json:"allowed_days,omitempty"`
}

type BlackoutPeriod struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Enabled bool      `json:"enabled"`
}

type VolumeCheckRule struct {
	Enabled         bool    `json:"enabled"`
	Min24hVolumeUSD float64 `json:"min_24h_volume_usd,omitempty"`
}

type ExecutionRule struct {
	MinOrderSizeUSD     float64 `json:"min_order_size_usd"`
	MaxOrderSizePercent float64 `json:"max_order_size_percent"`
	AllowPartialFills   bool    `json:"allow_partial_fills"`
}

// LegacyRules is the flat pre-structured form still accepted on create and
// update.
type LegacyRules struct {
	TakeProfitPercent *float64 `json:"take_profit_percent,omitempty"`
	StopLossPercent   *float64 `json:"stop_loss_percent,omitempty"`
	BuyDipPercent     *float64 `json:"buy_dip_percent,omitempty"`
}

// NormalizeLegacy maps the flat legacy form into structured Rules, filling
// unset fields with the historical defaults (TP 5%, SL 2%, dip 3%).
func NormalizeLegacy(legacy LegacyRules) Rules {
	rules := DefaultRules()
	if legacy.TakeProfitPercent != nil {
		rules.TakeProfitLevels = []TakeProfitLevel{
			{Percent: *legacy.TakeProfitPercent, QuantityPercent: 100, Enabled: true},
		}
	}
	if legacy.StopLossPercent != nil {
		rules.StopLoss.Percent = *legacy.StopLossPercent
	}
	if legacy.BuyDipPercent != nil {
		rules.BuyDip.Percent = *legacy.BuyDipPercent
	}
	return rules
}

// DefaultRules returns the baseline simple configuration.
func DefaultRules() Rules {
	return Rules{
		TakeProfitLevels: []TakeProfitLevel{
			{Percent: 5.0, QuantityPercent: 100, Enabled: true},
		},
		StopLoss: StopLossRule{Percent: 2.0, Enabled: true},
		BuyDip:   BuyDipRule{Percent: 3.0, Enabled: true},
		Execution: ExecutionRule{
			MinOrderSizeUSD:     10,
			MaxOrderSizePercent: 100,
			AllowPartialFills:   true,
		},
	}
}

// TemplateRules returns a pre-configured rule set by name. Templates:
// simple (one TP, no trailing), conservative (tight stops, trailing, low
// loss limits), aggressive (three TPs, DCA ladder, high loss limits).
func TemplateRules(name string) (Rules, error) {
	switch name {
	case "simple":
		return DefaultRules(), nil
	case "conservative":
		daily, weekly := 200.0, 500.0
		return Rules{
			TakeProfitLevels: []TakeProfitLevel{
				{Percent: 2.0, QuantityPercent: 50, Enabled: true},
				{Percent: 4.0, QuantityPercent: 50, Enabled: true},
			},
			StopLoss: StopLossRule{
				Percent:                   1.0,
				Enabled:                   true,
				TrailingEnabled:           true,
				TrailingPercent:           0.5,
				TrailingActivationPercent: 1.0,
			},
			BuyDip: BuyDipRule{Percent: 2.0, Enabled: true},
			RiskManagement: RiskRule{
				Enabled:          true,
				MaxDailyLossUSD:  &daily,
				MaxWeeklyLossUSD: &weekly,
				PauseOnLimit:     true,
			},
			Cooldown: CooldownRule{
				Enabled:          true,
				MinutesAfterSell: 60,
				MinutesAfterBuy:  30,
			},
			VolumeCheck: VolumeCheckRule{Min24hVolumeUSD: 5_000_000},
			Execution: ExecutionRule{
				MinOrderSizeUSD:     10,
				MaxOrderSizePercent: 100,
				AllowPartialFills:   true,
			},
		}, nil
	case "aggressive":
		daily, weekly := 1000.0, 3000.0
		return Rules{
			TakeProfitLevels: []TakeProfitLevel{
				{Percent: 5.0, QuantityPercent: 30, Enabled: true},
				{Percent: 10.0, QuantityPercent: 40, Enabled: true},
				{Percent: 20.0, QuantityPercent: 30, Enabled: true},
			},
			StopLoss: StopLossRule{
				Percent:                   3.0,
				Enabled:                   true,
				TrailingEnabled:           true,
				TrailingPercent:           2.0,
				TrailingActivationPercent: 3.0,
			},
			BuyDip: BuyDipRule{
				Percent:    5.0,
				Enabled:    true,
				DCAEnabled: true,
				DCALevels: []DCALevel{
					{Percent: 5.0, QuantityPercent: 50},
					{Percent: 8.0, QuantityPercent: 50},
				},
			},
			RiskManagement: RiskRule{
				Enabled:          true,
				MaxDailyLossUSD:  &daily,
				MaxWeeklyLossUSD: &weekly,
				PauseOnLimit:     true,
			},
			Cooldown: CooldownRule{
				Enabled:          true,
				MinutesAfterSell: 15,
				MinutesAfterBuy:  10,
			},
			VolumeCheck: VolumeCheckRule{Min24hVolumeUSD: 10_000_000},
			Execution: ExecutionRule{
				MinOrderSizeUSD:     10,
				MaxOrderSizePercent: 100,
				AllowPartialFills:   true,
			},
		}, nil
	default:
		return Rules{}, fmt.Errorf("unknown template: %s (use simple, conservative or aggressive)", name)
	}
}

// Validate checks every rule subtree, returning field-keyed problems.
func (r *Rules) Validate() map[string]string {
	problems := make(map[string]string)

	if len(r.TakeProfitLevels) == 0 {
		problems["take_profit_levels"] = "at least one take profit level is required"
	}
	totalTP := 0.0
	for i, level := range r.TakeProfitLevels {
		field := fmt.Sprintf("take_profit_levels[%d]", i)
		if level.Percent <= 0 {
			problems[field+".percent"] = "must be positive"
		}
		if level.QuantityPercent <= 0 || level.QuantityPercent > 100 {
			problems[field+".quantity_percent"] = "must be in (0, 100]"
		}
		if level.Enabled {
			totalTP += level.QuantityPercent
		}
	}
	if len(r.TakeProfitLevels) > 0 && !floatEq(totalTP, 100) {
		problems["take_profit_levels"] = fmt.Sprintf("enabled quantity_percent must sum to 100, got %.2f", totalTP)
	}

	if r.StopLoss.Percent <= 0 {
		problems["stop_loss.percent"] = "must be positive"
	}
	if r.StopLoss.TrailingEnabled {
		if r.StopLoss.TrailingPercent <= 0 {
			problems["stop_loss.trailing_percent"] = "must be positive when trailing is enabled"
		}
		if r.StopLoss.TrailingActivationPercent < 0 {
			problems["stop_loss.trailing_activation_percent"] = "must not be negative"
		}
	}

	if r.BuyDip.Percent <= 0 {
		problems["buy_dip.percent"] = "must be positive"
	}
	if r.BuyDip.DCAEnabled {
		if len(r.BuyDip.DCALevels) == 0 {
			problems["buy_dip.dca_levels"] = "at least one level is required when DCA is enabled"
		}
		totalDCA := 0.0
		for i, level := range r.BuyDip.DCALevels {
			field := fmt.Sprintf("buy_dip.dca_levels[%d]", i)
			if level.Percent <= 0 {
				problems[field+".percent"] = "must be positive"
			}
			if level.QuantityPercent <= 0 || level.QuantityPercent > 100 {
				problems[field+".quantity_percent"] = "must be in (0, 100]"
			}
			totalDCA += level.QuantityPercent
		}
		if len(r.BuyDip.DCALevels) > 0 && !floatEq(totalDCA, 100) {
			problems["buy_dip.dca_levels"] = fmt.Sprintf("quantity_percent must sum to 100, got %.2f", totalDCA)
		}
	}

	if r.Cooldown.Enabled {
		if r.Cooldown.MinutesAfterSell < 0 {
			problems["cooldown.minutes_after_sell"] = "must not be negative"
		}
		if r.Cooldown.MinutesAfterBuy < 0 {
			problems["cooldown.minutes_after_buy"] = "must not be negative"
		}
	}

	if r.RiskManagement.Enabled {
		for field, limit := range map[string]*float64{
			"risk_management.max_daily_loss_usd":   r.RiskManagement.MaxDailyLossUSD,
			"risk_management.max_weekly_loss_usd":  r.RiskManagement.MaxWeeklyLossUSD,
			"risk_management.max_monthly_loss_usd": r.RiskManagement.MaxMonthlyLossUSD,
		} {
			if limit != nil && *limit <= 0 {
				problems[field] = "must be positive"
			}
		}
		if r.RiskManagement.ResetHourUTC < 0 || r.RiskManagement.ResetHourUTC > 23 {
			problems["risk_management.reset_hour_utc"] = "must be in 0..23"
		}
	}

	if r.TradingHours.Enabled {
		if r.TradingHours.Timezone != "" {
			if _, err := time.LoadLocation(r.TradingHours.Timezone); err != nil {
				problems["trading_hours.timezone"] = fmt.Sprintf("invalid timezone: %s", r.TradingHours.Timezone)
			}
		}
		if len(r.TradingHours.AllowedHours) == 0 {
			problems["trading_hours.allowed_hours"] = "must list at least one hour when trading hours are enabled"
		}
		for _, h := range r.TradingHours.AllowedHours {
			if h < 0 || h > 23 {
				problems["trading_hours.allowed_hours"] = "hours must be in 0..23"
			}
		}
		if len(r.TradingHours.AllowedDays) == 0 {
			problems["trading_hours.allowed_days"] = "must list at least one day when trading hours are enabled"
		}
		for _, d := range r.TradingHours.AllowedDays {
			if d < 0 || d > 6 {
				problems["trading_hours.allowed_days"] = "days must be in 0 (Sunday) .. 6 (Saturday)"
			}
		}
	}

	for i, period := range r.BlackoutPeriods {
		if !period.End.After(period.Start) {
			problems[fmt.Sprintf("blackout_periods[%d]", i)] = "end must be after start"
		}
	}

	if r.VolumeCheck.Enabled && r.VolumeCheck.Min24hVolumeUSD < 0 {
		problems["volume_check.min_24h_volume_usd"] = "must not be negative"
	}

	if r.Execution.MinOrderSizeUSD < 0 {
		problems["execution.min_order_size_usd"] = "must not be negative"
	}
	if r.Execution.MaxOrderSizePercent <= 0 || r.Execution.MaxOrderSizePercent > 100 {
		problems["execution.max_order_size_percent"] = "must be in (0, 100]"
	}

	if len(problems) == 0 {
		return nil
	}
	return problems
}

// NeedsRepair reports whether rules loaded from storage violate the
// sum-to-100 invariant on enabled TP or DCA levels. Such strategies are
// evaluated as if every level were disabled until the owner fixes them.
func (r *Rules) NeedsRepair() bool {
	totalTP := 0.0
	enabled := 0
	for _, level := range r.TakeProfitLevels {
		if level.Enabled {
			totalTP += level.QuantityPercent
			enabled++
		}
	}
	if enabled > 0 && !floatEq(totalTP, 100) {
		return true
	}
	if r.BuyDip.Enabled && r.BuyDip.DCAEnabled {
		totalDCA := 0.0
		for _, level := range r.BuyDip.DCALevels {
			totalDCA += level.QuantityPercent
		}
		if len(r.BuyDip.DCALevels) > 0 && !floatEq(totalDCA, 100) {
			return true
		}
	}
	return false
}

// sortedTPLevels returns enabled TP levels in ascending percent order.
func (r *Rules) sortedTPLevels() []TakeProfitLevel {
	levels := make([]TakeProfitLevel, 0, len(r.TakeProfitLevels))
	for _, l := range r.TakeProfitLevels {
		if l.Enabled {
			levels = append(levels, l)
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Percent < levels[j].Percent })
	return levels
}

// sortedDCALevels returns DCA levels in ascending percent order.
func (r *BuyDipRule) sortedDCALevels() []DCALevel {
	levels := make([]DCALevel, len(r.DCALevels))
	copy(levels, r.DCALevels)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Percent < levels[j].Percent })
	return levels
}

func floatEq(a, b float64) bool {
	diff := a - b
	return diff < 1e-9 && diff > -1e-9
}
