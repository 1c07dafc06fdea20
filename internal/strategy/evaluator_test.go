package strategy

import (
	"math"
	"testing"
	"time"
)

// floatEquals compares two floats with tolerance
func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

var evalNow = time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)

func aggressiveInput(entryPrice, currentPrice float64) Input {
	rules, _ := TemplateRules("aggressive")
	rules.Cooldown.Enabled = false
	rules.RiskManagement.Enabled = false
	rules.StopLoss.TrailingEnabled = false
	return Input{
		Rules:         rules,
		EntryPrice:    entryPrice,
		CurrentPrice:  currentPrice,
		HoldingAmount: 1000,
		Now:           evalNow,
	}
}

// ============================================================================
// TEST: Take-profit level 1 fires on first crossing
// ============================================================================

func TestEvaluate_TakeProfitLevel1(t *testing.T) {
	in := aggressiveInput(1.00, 1.051)

	d := Evaluate(in)

	if !d.ShouldTrigger {
		t.Fatalf("Expected trigger, got blocked: %v", d.Metadata)
	}
	if d.Action != ActionSell {
		t.Errorf("Expected SELL, got %s", d.Action)
	}
	if d.Reason != "TAKE_PROFIT_L1" {
		t.Errorf("Expected TAKE_PROFIT_L1, got %s", d.Reason)
	}
	if d.QuantityPercent != 30 {
		t.Errorf("Expected quantity 30, got %.2f", d.QuantityPercent)
	}
	if d.LevelPercent != 5.0 {
		t.Errorf("Expected level percent 5, got %.2f", d.LevelPercent)
	}
}

// ============================================================================
// TEST: Executed levels are skipped; next level needs its own crossing
// ============================================================================

func TestEvaluate_TakeProfitSkipsExecutedLevels(t *testing.T) {
	testCases := []struct {
		name         string
		currentPrice float64
		executed     []float64
		wantTrigger  bool
		wantReason   string
		wantQuantity float64
	}{
		{
			name:         "level 1 executed, price below level 2",
			currentPrice: 1.06,
			executed:     []float64{5.0},
			wantTrigger:  false,
		},
		{
			name:         "level 1 executed, level 2 crossed",
			currentPrice: 1.101,
			executed:     []float64{5.0},
			wantTrigger:  true,
			wantReason:   "TAKE_PROFIT_L2",
			wantQuantity: 40,
		},
		{
			name:         "levels 1 and 2 executed, level 3 crossed",
			currentPrice: 1.21,
			executed:     []float64{5.0, 10.0},
			wantTrigger:  true,
			wantReason:   "TAKE_PROFIT_L3",
			wantQuantity: 30,
		},
		{
			name:         "all levels executed",
			currentPrice: 1.50,
			executed:     []float64{5.0, 10.0, 20.0},
			wantTrigger:  false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			in := aggressiveInput(1.00, tc.currentPrice)
			in.Tracking.ExecutionStats.ExecutedTPLevels = tc.executed

			d := Evaluate(in)

			if d.ShouldTrigger != tc.wantTrigger {
				t.Fatalf("ShouldTrigger = %v, want %v (metadata %v)", d.ShouldTrigger, tc.wantTrigger, d.Metadata)
			}
			if tc.wantTrigger {
				if d.Reason != tc.wantReason {
					t.Errorf("Reason = %s, want %s", d.Reason, tc.wantReason)
				}
				if d.QuantityPercent != tc.wantQuantity {
					t.Errorf("QuantityPercent = %.2f, want %.2f", d.QuantityPercent, tc.wantQuantity)
				}
			}
		})
	}
}

// ============================================================================
// TEST: Trailing stop arms, rides the high, and beats take-profit
// ============================================================================

func TestEvaluate_TrailingStopFiresBeforeTakeProfit(t *testing.T) {
	rules, _ := TemplateRules("aggressive")
	rules.Cooldown.Enabled = false
	rules.RiskManagement.Enabled = false
	rules.StopLoss.TrailingEnabled = true
	rules.StopLoss.TrailingActivationPercent = 5.0
	rules.StopLoss.TrailingPercent = 2.0

	in := Input{
		Rules:         rules,
		EntryPrice:    1.00,
		CurrentPrice:  1.25,
		HoldingAmount: 1000,
		Now:           evalNow,
	}
	// All TP levels would already have fired on the ride up; mark them
	// consumed so only the trailing stop is in play at 1.25.
	in.Tracking.ExecutionStats.ExecutedTPLevels = []float64{5.0, 10.0, 20.0}

	// First pass at the peak: trailing arms and records the high.
	d := Evaluate(in)
	if d.ShouldTrigger {
		t.Fatalf("Expected no trigger at the peak, got %s", d.Reason)
	}
	if d.TrailingUpdate == nil {
		t.Fatal("Expected a trailing update at the peak")
	}
	if !floatEquals(d.TrailingUpdate.HighestPriceSeen, 1.25, 1e-9) {
		t.Errorf("HighestPriceSeen = %.4f, want 1.25", d.TrailingUpdate.HighestPriceSeen)
	}
	if !floatEquals(d.TrailingUpdate.CurrentStopPrice, 1.225, 1e-9) {
		t.Errorf("CurrentStopPrice = %.4f, want 1.225", d.TrailingUpdate.CurrentStopPrice)
	}

	// Retracement below the stop: full liquidation.
	in.Tracking.TrailingStop = TrailingStop{
		IsActive:         true,
		HighestPriceSeen: d.TrailingUpdate.HighestPriceSeen,
		CurrentStopPrice: d.TrailingUpdate.CurrentStopPrice,
	}
	in.Tracking.ExecutionStats.ExecutedTPLevels = nil
	in.CurrentPrice = 1.22

	d = Evaluate(in)
	if !d.ShouldTrigger {
		t.Fatalf("Expected trailing trigger, got blocked: %v", d.Metadata)
	}
	if d.Reason != ReasonTrailingStop {
		t.Errorf("Reason = %s, want TRAILING_STOP (trailing precedes take-profit)", d.Reason)
	}
	if d.QuantityPercent != 100 {
		t.Errorf("QuantityPercent = %.2f, want 100", d.QuantityPercent)
	}
}

// ============================================================================
// TEST: Monotonic trailing — highest price never decreases
// ============================================================================

func TestEvaluate_TrailingHighestNeverDecreases(t *testing.T) {
	rules := DefaultRules()
	rules.StopLoss.TrailingEnabled = true
	rules.StopLoss.TrailingActivationPercent = 5.0
	rules.StopLoss.TrailingPercent = 10.0

	in := Input{
		Rules:         rules,
		EntryPrice:    1.00,
		HoldingAmount: 1000,
		Now:           evalNow,
	}

	prices := []float64{1.06, 1.10, 1.08, 1.15, 1.12, 1.09}
	highest := 0.0
	for _, price := range prices {
		in.CurrentPrice = price
		d := Evaluate(in)
		if d.TrailingUpdate == nil {
			t.Fatalf("Expected trailing update at price %.2f", price)
		}
		if d.TrailingUpdate.HighestPriceSeen < highest {
			t.Fatalf("HighestPriceSeen decreased: %.4f -> %.4f", highest, d.TrailingUpdate.HighestPriceSeen)
		}
		highest = d.TrailingUpdate.HighestPriceSeen
		in.Tracking.TrailingStop = TrailingStop{
			IsActive:         d.TrailingUpdate.IsActive,
			HighestPriceSeen: d.TrailingUpdate.HighestPriceSeen,
			CurrentStopPrice: d.TrailingUpdate.CurrentStopPrice,
		}
	}
	if !floatEquals(highest, 1.15, 1e-9) {
		t.Errorf("Final highest = %.4f, want 1.15", highest)
	}
}

// ============================================================================
// TEST: DCA ladder skips executed levels
// ============================================================================

func TestEvaluate_DCALadder(t *testing.T) {
	rules := DefaultRules()
	rules.StopLoss.Enabled = false
	rules.BuyDip = BuyDipRule{
		Percent:    5.0,
		Enabled:    true,
		DCAEnabled: true,
		DCALevels: []DCALevel{
			{Percent: 5.0, QuantityPercent: 50},
			{Percent: 10.0, QuantityPercent: 50},
		},
	}

	in := Input{
		Rules:         rules,
		EntryPrice:    1.00,
		CurrentPrice:  0.90,
		HoldingAmount: 1000,
		Now:           evalNow,
	}
	in.Tracking.ExecutionStats.ExecutedDCALevels = []float64{5.0}

	d := Evaluate(in)

	if !d.ShouldTrigger {
		t.Fatalf("Expected DCA trigger, got blocked: %v", d.Metadata)
	}
	if d.Action != ActionBuy {
		t.Errorf("Action = %s, want BUY", d.Action)
	}
	if d.Reason != "DCA_L2" {
		t.Errorf("Reason = %s, want DCA_L2", d.Reason)
	}
	if d.QuantityPercent != 50 {
		t.Errorf("QuantityPercent = %.2f, want 50", d.QuantityPercent)
	}
}

// ============================================================================
// TEST: Circuit breaker blocks and requests a pause
// ============================================================================

func TestEvaluate_CircuitBreakerTrip(t *testing.T) {
	limit := 1000.0
	rules := DefaultRules()
	rules.RiskManagement = RiskRule{
		Enabled:         true,
		MaxDailyLossUSD: &limit,
		PauseOnLimit:    true,
	}

	in := Input{
		Rules:         rules,
		EntryPrice:    1.00,
		CurrentPrice:  1.50, // deep in profit; breaker must still win
		HoldingAmount: 1000,
		Now:           evalNow,
	}
	in.Tracking.ExecutionStats.DailyPnLUSD = -1050

	d := Evaluate(in)

	if d.ShouldTrigger {
		t.Fatalf("Expected block, got %s", d.Reason)
	}
	if d.Metadata["circuit_breaker"] != "daily" {
		t.Errorf("Metadata = %v, want circuit_breaker=daily", d.Metadata)
	}
	if !d.PauseRequested {
		t.Error("Expected a pause request with pause_on_limit")
	}
}

func TestEvaluate_CircuitBreakerWindows(t *testing.T) {
	limit := 500.0
	testCases := []struct {
		name    string
		daily   float64
		weekly  float64
		monthly float64
		want    string
	}{
		{"daily trips first", -500, -500, -500, "daily"},
		{"weekly trips", -100, -600, -100, "weekly"},
		{"monthly trips", -100, -100, -501, "monthly"},
		{"none trip", -499, -499, -499, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rules := DefaultRules()
			rules.RiskManagement = RiskRule{
				Enabled:           true,
				MaxDailyLossUSD:   &limit,
				MaxWeeklyLossUSD:  &limit,
				MaxMonthlyLossUSD: &limit,
			}
			in := Input{
				Rules:         rules,
				EntryPrice:    1.00,
				CurrentPrice:  1.00,
				HoldingAmount: 1000,
				Now:           evalNow,
			}
			in.Tracking.ExecutionStats.DailyPnLUSD = tc.daily
			in.Tracking.ExecutionStats.WeeklyPnLUSD = tc.weekly
			in.Tracking.ExecutionStats.MonthlyPnLUSD = tc.monthly

			d := Evaluate(in)
			if got := d.Metadata["circuit_breaker"]; got != tc.want {
				t.Errorf("circuit_breaker = %q, want %q", got, tc.want)
			}
		})
	}
}

// ============================================================================
// TEST: Cooldown blocks regardless of price
// ============================================================================

func TestEvaluate_CooldownBlocks(t *testing.T) {
	rules := DefaultRules()
	rules.Cooldown = CooldownRule{Enabled: true, MinutesAfterSell: 60}

	until := evalNow.Add(10 * time.Minute)
	in := Input{
		Rules:         rules,
		EntryPrice:    1.00,
		CurrentPrice:  1.20, // 20% above entry, TP would fire
		HoldingAmount: 1000,
		Now:           evalNow,
	}
	in.Tracking.Cooldown = CooldownState{CooldownUntil: &until, LastAction: "SELL"}

	d := Evaluate(in)

	if d.ShouldTrigger {
		t.Fatalf("Expected cooldown block, got %s", d.Reason)
	}
	if d.Metadata["cooldown"] != "blocked" {
		t.Errorf("Metadata = %v, want cooldown=blocked", d.Metadata)
	}

	// The instant the cooldown expires, evaluation resumes.
	in.Now = until
	d = Evaluate(in)
	if !d.ShouldTrigger {
		t.Errorf("Expected trigger after cooldown expiry, got %v", d.Metadata)
	}
}

// ============================================================================
// TEST: Trading hours and blackout gates
// ============================================================================

func TestEvaluate_TradingHoursGate(t *testing.T) {
	rules := DefaultRules()
	rules.TradingHours = TradingHoursRule{
		Enabled:      true,
		Timezone:     "UTC",
		AllowedHours: []int{9, 10, 11},
		AllowedDays:  []int{1, 2, 3, 4, 5},
	}

	in := Input{
		Rules:         rules,
		EntryPrice:    1.00,
		CurrentPrice:  1.10,
		HoldingAmount: 1000,
		Now:           time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC), // Tuesday 14:00
	}

	d := Evaluate(in)
	if d.Metadata["trading_hours"] != "blocked" {
		t.Errorf("Expected trading_hours block at 14:00, got %v", d.Metadata)
	}

	in.Now = time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC) // Tuesday 10:00
	d = Evaluate(in)
	if !d.ShouldTrigger {
		t.Errorf("Expected trigger inside trading hours, got %v", d.Metadata)
	}

	in.Now = time.Date(2025, 6, 8, 10, 0, 0, 0, time.UTC) // Sunday 10:00
	d = Evaluate(in)
	if d.Metadata["trading_hours"] != "blocked" {
		t.Errorf("Expected trading_hours block on Sunday, got %v", d.Metadata)
	}
}

func TestEvaluate_BlackoutGate(t *testing.T) {
	rules := DefaultRules()
	rules.BlackoutPeriods = []BlackoutPeriod{
		{
			Start:   evalNow.Add(-time.Hour),
			End:     evalNow.Add(time.Hour),
			Enabled: true,
		},
	}

	in := Input{
		Rules:         rules,
		EntryPrice:    1.00,
		CurrentPrice:  1.10,
		HoldingAmount: 1000,
		Now:           evalNow,
	}

	d := Evaluate(in)
	if d.Metadata["blackout"] != "blocked" {
		t.Errorf("Expected blackout block, got %v", d.Metadata)
	}

	// Disabled periods don't block.
	in.Rules.BlackoutPeriods[0].Enabled = false
	d = Evaluate(in)
	if !d.ShouldTrigger {
		t.Errorf("Expected trigger with disabled blackout, got %v", d.Metadata)
	}
}

// ============================================================================
// TEST: Volume gate only applies when the figure is known
// ============================================================================

func TestEvaluate_VolumeGate(t *testing.T) {
	rules := DefaultRules()
	rules.VolumeCheck = VolumeCheckRule{Enabled: true, Min24hVolumeUSD: 1_000_000}

	in := Input{
		Rules:         rules,
		EntryPrice:    1.00,
		CurrentPrice:  1.10,
		HoldingAmount: 1000,
		Now:           evalNow,
	}

	low := 500_000.0
	in.Market.Volume24h = &low
	d := Evaluate(in)
	if d.Metadata["volume"] != "blocked" {
		t.Errorf("Expected volume block, got %v", d.Metadata)
	}

	high := 5_000_000.0
	in.Market.Volume24h = &high
	d = Evaluate(in)
	if !d.ShouldTrigger {
		t.Errorf("Expected trigger above volume floor, got %v", d.Metadata)
	}

	// Unknown volume skips the check.
	in.Market.Volume24h = nil
	d = Evaluate(in)
	if !d.ShouldTrigger {
		t.Errorf("Expected trigger with unknown volume, got %v", d.Metadata)
	}
}

// ============================================================================
// TEST: Fixed stop-loss and plain buy-dip
// ============================================================================

func TestEvaluate_FixedStopLoss(t *testing.T) {
	in := Input{
		Rules:         DefaultRules(), // SL 2%
		EntryPrice:    1.00,
		CurrentPrice:  0.975,
		HoldingAmount: 1000,
		Now:           evalNow,
	}

	d := Evaluate(in)
	if !d.ShouldTrigger || d.Reason != ReasonStopLoss {
		t.Fatalf("Expected STOP_LOSS, got trigger=%v reason=%s", d.ShouldTrigger, d.Reason)
	}
	if d.QuantityPercent != 100 {
		t.Errorf("QuantityPercent = %.2f, want 100", d.QuantityPercent)
	}
}

func TestEvaluate_BuyDipWithoutDCA(t *testing.T) {
	rules := DefaultRules()
	rules.StopLoss.Enabled = false // dip at 3% sits below the 2% stop

	in := Input{
		Rules:         rules,
		EntryPrice:    1.00,
		CurrentPrice:  0.97,
		HoldingAmount: 1000,
		Now:           evalNow,
	}

	d := Evaluate(in)
	if !d.ShouldTrigger || d.Reason != ReasonBuyDip {
		t.Fatalf("Expected BUY_DIP, got trigger=%v reason=%s metadata=%v", d.ShouldTrigger, d.Reason, d.Metadata)
	}
	if d.Action != ActionBuy {
		t.Errorf("Action = %s, want BUY", d.Action)
	}
	if d.QuantityPercent != 100 {
		t.Errorf("QuantityPercent = %.2f, want 100", d.QuantityPercent)
	}
}

// ============================================================================
// TEST: Execution limits — clamp and below-minimum demotion
// ============================================================================

func TestEvaluate_MaxOrderSizeClamp(t *testing.T) {
	in := aggressiveInput(1.00, 1.051)
	in.Rules.Execution.MaxOrderSizePercent = 20 // below the level's 30

	d := Evaluate(in)
	if !d.ShouldTrigger {
		t.Fatalf("Expected trigger, got %v", d.Metadata)
	}
	if d.QuantityPercent != 20 {
		t.Errorf("QuantityPercent = %.2f, want clamped 20", d.QuantityPercent)
	}
}

func TestEvaluate_BelowMinOrderSizeDemoted(t *testing.T) {
	in := aggressiveInput(1.00, 1.051)
	in.HoldingAmount = 10 // 30% of 10 tokens at ~1.05 is ~3 USD, below the 10 USD floor

	d := Evaluate(in)
	if d.ShouldTrigger {
		t.Fatalf("Expected demotion, got %s", d.Reason)
	}
	if d.Metadata["reason"] != "below_min_size" {
		t.Errorf("Metadata = %v, want reason=below_min_size", d.Metadata)
	}
}

// ============================================================================
// TEST: Malformed level sums disable the ladders, protection survives
// ============================================================================

func TestEvaluate_NeedsRepairDisablesLevels(t *testing.T) {
	rules := DefaultRules()
	rules.TakeProfitLevels = []TakeProfitLevel{
		{Percent: 5.0, QuantityPercent: 30, Enabled: true},
		{Percent: 10.0, QuantityPercent: 30, Enabled: true}, // sums to 60
	}

	in := Input{
		Rules:         rules,
		EntryPrice:    1.00,
		CurrentPrice:  1.06,
		HoldingAmount: 1000,
		Now:           evalNow,
	}

	d := Evaluate(in)
	if d.ShouldTrigger {
		t.Fatalf("Expected no trigger from a broken ladder, got %s", d.Reason)
	}
	if !d.NeedsRepair {
		t.Error("Expected NeedsRepair flag")
	}

	// The fixed stop-loss still protects the position.
	in.CurrentPrice = 0.975
	d = Evaluate(in)
	if !d.ShouldTrigger || d.Reason != ReasonStopLoss {
		t.Errorf("Expected STOP_LOSS despite needs_repair, got trigger=%v reason=%s", d.ShouldTrigger, d.Reason)
	}
	if !d.NeedsRepair {
		t.Error("Expected NeedsRepair flag to persist on the stop decision")
	}
}

func TestEvaluate_InvalidEntryPrice(t *testing.T) {
	in := aggressiveInput(0, 1.05)

	d := Evaluate(in)
	if d.ShouldTrigger {
		t.Fatal("Expected no trigger with zero entry price")
	}
	if !d.NeedsRepair {
		t.Error("Expected NeedsRepair with zero entry price")
	}
}

// ============================================================================
// TEST: Next-trigger hints for the dry check endpoint
// ============================================================================

func TestNextTriggers(t *testing.T) {
	in := aggressiveInput(1.00, 1.02)

	hints := NextTriggers(in)
	if len(hints) == 0 {
		t.Fatal("Expected hints")
	}

	byType := make(map[string]TriggerHint)
	for _, h := range hints {
		byType[h.Type] = h
	}

	tp, ok := byType["take_profit_l1"]
	if !ok {
		t.Fatal("Expected a take_profit_l1 hint")
	}
	if !floatEquals(tp.TargetPrice, 1.05, 1e-9) {
		t.Errorf("TP target = %.4f, want 1.05", tp.TargetPrice)
	}
	if tp.DistancePercent <= 0 {
		t.Errorf("TP distance should be positive (price must rise), got %.4f", tp.DistancePercent)
	}

	sl, ok := byType["stop_loss"]
	if !ok {
		t.Fatal("Expected a stop_loss hint")
	}
	if sl.DistancePercent >= 0 {
		t.Errorf("SL distance should be negative (price must fall), got %.4f", sl.DistancePercent)
	}
}
