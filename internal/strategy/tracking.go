package strategy

import "time"

// Tracking is the per-strategy mutable state the engine carries between
// evaluations. Persisted as a JSONB subdocument alongside the rules.
type Tracking struct {
	ExecutionStats ExecutionStats `json:"execution_stats"`
	TrailingStop   TrailingStop   `json:"trailing_stop_state"`
	Cooldown       CooldownState  `json:"cooldown_state"`
}

// ExecutionStats accumulates counters and windowed PnL across executions.
// Executed level sets are keyed by the level's percent so a level fires at
// most once per position cycle.
type ExecutionStats struct {
	TotalExecutions int     `json:"total_executions"`
	TotalSells      int     `json:"total_sells"`
	TotalBuys       int     `json:"total_buys"`
	TotalPnLUSD     float64 `json:"total_pnl_usd"`
	DailyPnLUSD     float64 `json:"daily_pnl_usd"`
	WeeklyPnLUSD    float64 `json:"weekly_pnl_usd"`
	MonthlyPnLUSD   float64 `json:"monthly_pnl_usd"`

	ExecutedTPLevels  []float64 `json:"executed_tp_levels"`
	ExecutedDCALevels []float64 `json:"executed_dca_levels"`

	LastExecutionAt     *time.Time `json:"last_execution_at,omitempty"`
	LastExecutionType   string     `json:"last_execution_type,omitempty"`
	LastExecutionReason string     `json:"last_execution_reason,omitempty"`
	LastExecutionPrice  float64    `json:"last_execution_price,omitempty"`
	LastExecutionAmount float64    `json:"last_execution_amount,omitempty"`
}

type TrailingStop struct {
	IsActive         bool       `json:"is_active"`
	HighestPriceSeen float64    `json:"highest_price_seen"`
	CurrentStopPrice float64    `json:"current_stop_price"`
	ActivatedAt      *time.Time `json:"activated_at,omitempty"`
}

type CooldownState struct {
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastAction    string     `json:"last_action,omitempty"`
	LastActionAt  *time.Time `json:"last_action_at,omitempty"`
}

func (s *ExecutionStats) HasExecutedTPLevel(percent float64) bool {
	return containsLevel(s.ExecutedTPLevels, percent)
}

func (s *ExecutionStats) HasExecutedDCALevel(percent float64) bool {
	return containsLevel(s.ExecutedDCALevels, percent)
}

func containsLevel(levels []float64, percent float64) bool {
	for _, l := range levels {
		if floatEq(l, percent) {
			return true
		}
	}
	return false
}
