package strategy

import (
	"testing"
)

// ============================================================================
// TEST: Legacy flat rules normalize into the structured form
// ============================================================================

func TestNormalizeLegacy(t *testing.T) {
	tp, sl, bd := 8.0, 4.0, 6.0

	rules := NormalizeLegacy(LegacyRules{
		TakeProfitPercent: &tp,
		StopLossPercent:   &sl,
		BuyDipPercent:     &bd,
	})

	if len(rules.TakeProfitLevels) != 1 {
		t.Fatalf("Expected 1 TP level, got %d", len(rules.TakeProfitLevels))
	}
	level := rules.TakeProfitLevels[0]
	if level.Percent != 8.0 || level.QuantityPercent != 100 || !level.Enabled {
		t.Errorf("TP level = %+v, want {8, 100, enabled}", level)
	}
	if rules.StopLoss.Percent != 4.0 || !rules.StopLoss.Enabled {
		t.Errorf("StopLoss = %+v, want percent 4 enabled", rules.StopLoss)
	}
	if rules.StopLoss.TrailingEnabled {
		t.Error("Legacy form must not enable trailing")
	}
	if rules.BuyDip.Percent != 6.0 || !rules.BuyDip.Enabled || rules.BuyDip.DCAEnabled {
		t.Errorf("BuyDip = %+v, want percent 6 enabled, no DCA", rules.BuyDip)
	}

	if problems := rules.Validate(); problems != nil {
		t.Errorf("Normalized legacy rules should validate, got %v", problems)
	}
}

func TestNormalizeLegacy_Defaults(t *testing.T) {
	rules := NormalizeLegacy(LegacyRules{})

	if rules.TakeProfitLevels[0].Percent != 5.0 {
		t.Errorf("Default TP = %.1f, want 5.0", rules.TakeProfitLevels[0].Percent)
	}
	if rules.StopLoss.Percent != 2.0 {
		t.Errorf("Default SL = %.1f, want 2.0", rules.StopLoss.Percent)
	}
	if rules.BuyDip.Percent != 3.0 {
		t.Errorf("Default dip = %.1f, want 3.0", rules.BuyDip.Percent)
	}
	if rules.Execution.MinOrderSizeUSD != 10 {
		t.Errorf("Default min order = %.1f, want 10", rules.Execution.MinOrderSizeUSD)
	}
}

// ============================================================================
// TEST: Templates are valid and shaped as documented
// ============================================================================

func TestTemplateRules(t *testing.T) {
	testCases := []struct {
		name        string
		tpLevels    int
		trailing    bool
		dca         bool
		pauseLimits bool
	}{
		{"simple", 1, false, false, false},
		{"conservative", 2, true, false, true},
		{"aggressive", 3, true, true, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rules, err := TemplateRules(tc.name)
			if err != nil {
				t.Fatalf("TemplateRules(%s): %v", tc.name, err)
			}
			if len(rules.TakeProfitLevels) != tc.tpLevels {
				t.Errorf("TP levels = %d, want %d", len(rules.TakeProfitLevels), tc.tpLevels)
			}
			if rules.StopLoss.TrailingEnabled != tc.trailing {
				t.Errorf("Trailing = %v, want %v", rules.StopLoss.TrailingEnabled, tc.trailing)
			}
			if rules.BuyDip.DCAEnabled != tc.dca {
				t.Errorf("DCA = %v, want %v", rules.BuyDip.DCAEnabled, tc.dca)
			}
			if rules.RiskManagement.PauseOnLimit != tc.pauseLimits {
				t.Errorf("PauseOnLimit = %v, want %v", rules.RiskManagement.PauseOnLimit, tc.pauseLimits)
			}
			if problems := rules.Validate(); problems != nil {
				t.Errorf("Template %s should validate, got %v", tc.name, problems)
			}
		})
	}
}

func TestTemplateRules_Unknown(t *testing.T) {
	if _, err := TemplateRules("yolo"); err == nil {
		t.Error("Expected an error for an unknown template")
	}
}

// ============================================================================
// TEST: Validation catches malformed rule sets
// ============================================================================

func TestRulesValidate(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(*Rules)
		wantField string
	}{
		{
			name:      "no TP levels",
			mutate:    func(r *Rules) { r.TakeProfitLevels = nil },
			wantField: "take_profit_levels",
		},
		{
			name: "TP quantities don't sum to 100",
			mutate: func(r *Rules) {
				r.TakeProfitLevels = []TakeProfitLevel{
					{Percent: 5, QuantityPercent: 40, Enabled: true},
					{Percent: 10, QuantityPercent: 40, Enabled: true},
				}
			},
			wantField: "take_profit_levels",
		},
		{
			name:      "negative TP percent",
			mutate:    func(r *Rules) { r.TakeProfitLevels[0].Percent = -1 },
			wantField: "take_profit_levels[0].percent",
		},
		{
			name:      "zero stop loss",
			mutate:    func(r *Rules) { r.StopLoss.Percent = 0 },
			wantField: "stop_loss.percent",
		},
		{
			name: "trailing without trailing percent",
			mutate: func(r *Rules) {
				r.StopLoss.TrailingEnabled = true
				r.StopLoss.TrailingPercent = 0
			},
			wantField: "stop_loss.trailing_percent",
		},
		{
			name: "DCA without levels",
			mutate: func(r *Rules) {
				r.BuyDip.DCAEnabled = true
				r.BuyDip.DCALevels = nil
			},
			wantField: "buy_dip.dca_levels",
		},
		{
			name: "DCA quantities don't sum to 100",
			mutate: func(r *Rules) {
				r.BuyDip.DCAEnabled = true
				r.BuyDip.DCALevels = []DCALevel{{Percent: 5, QuantityPercent: 60}}
			},
			wantField: "buy_dip.dca_levels",
		},
		{
			name: "negative cooldown",
			mutate: func(r *Rules) {
				r.Cooldown.Enabled = true
				r.Cooldown.MinutesAfterSell = -5
			},
			wantField: "cooldown.minutes_after_sell",
		},
		{
			name: "invalid timezone",
			mutate: func(r *Rules) {
				r.TradingHours.Enabled = true
				r.TradingHours.Timezone = "Mars/Olympus"
			},
			wantField: "trading_hours.timezone",
		},
		{
			name: "hour out of range",
			mutate: func(r *Rules) {
				r.TradingHours.Enabled = true
				r.TradingHours.AllowedHours = []int{25}
			},
			wantField: "trading_hours.allowed_hours",
		},
		{
			name: "trading hours enabled with no allowed hours",
			mutate: func(r *Rules) {
				r.TradingHours.Enabled = true
				r.TradingHours.AllowedDays = []int{1, 2, 3, 4, 5}
			},
			wantField: "trading_hours.allowed_hours",
		},
		{
			name: "trading hours enabled with no allowed days",
			mutate: func(r *Rules) {
				r.TradingHours.Enabled = true
				r.TradingHours.AllowedHours = []int{9, 10, 11}
			},
			wantField: "trading_hours.allowed_days",
		},
		{
			name:      "max order size over 100",
			mutate:    func(r *Rules) { r.Execution.MaxOrderSizePercent = 150 },
			wantField: "execution.max_order_size_percent",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rules := DefaultRules()
			tc.mutate(&rules)

			problems := rules.Validate()
			if problems == nil {
				t.Fatal("Expected validation problems")
			}
			if _, ok := problems[tc.wantField]; !ok {
				t.Errorf("Expected problem on %q, got %v", tc.wantField, problems)
			}
		})
	}
}

func TestRulesValidate_DefaultsPass(t *testing.T) {
	rules := DefaultRules()
	if problems := rules.Validate(); problems != nil {
		t.Errorf("Default rules should validate, got %v", problems)
	}
}

// ============================================================================
// TEST: NeedsRepair detection
// ============================================================================

func TestNeedsRepair(t *testing.T) {
	rules := DefaultRules()
	if rules.NeedsRepair() {
		t.Error("Default rules should not need repair")
	}

	rules.TakeProfitLevels[0].QuantityPercent = 70
	if !rules.NeedsRepair() {
		t.Error("Broken TP sum should need repair")
	}

	rules = DefaultRules()
	rules.BuyDip.DCAEnabled = true
	rules.BuyDip.DCALevels = []DCALevel{{Percent: 5, QuantityPercent: 30}}
	if !rules.NeedsRepair() {
		t.Error("Broken DCA sum should need repair")
	}

	// Disabled levels don't count toward the sum.
	rules = DefaultRules()
	rules.TakeProfitLevels = append(rules.TakeProfitLevels, TakeProfitLevel{
		Percent: 20, QuantityPercent: 50, Enabled: false,
	})
	if rules.NeedsRepair() {
		t.Error("Disabled levels must not trip the repair flag")
	}
}
