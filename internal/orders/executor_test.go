package orders

import (
	"errors"
	"testing"

	"crypto-strategy-bot/internal/database"
	"crypto-strategy-bot/internal/exchange"
	"crypto-strategy-bot/internal/strategy"
)

func testStrategy() *database.Strategy {
	return &database.Strategy{
		ID:         "strat-1",
		UserID:     "user-1",
		ExchangeID: "binance",
		Token:      "BTC",
		Rules:      strategy.DefaultRules(),
	}
}

// ============================================================================
// TEST: Order sizing — sell percent, buy-from-invested, clamps and minimum
// ============================================================================

func TestSizeOrder_SellPercentOfHolding(t *testing.T) {
	e := &Executor{}
	st := testStrategy()
	pos := &database.Position{Amount: 2.0, TotalInvested: 90000}

	amount, err := e.sizeOrder(st, strategy.Decision{
		ShouldTrigger:   true,
		Action:          strategy.ActionSell,
		QuantityPercent: 30,
	}, pos, exchange.Ticker{Symbol: "BTC", Bid: 50000, Ask: 50010, Last: 50005})
	if err != nil {
		t.Fatalf("sizeOrder failed: %v", err)
	}
	if amount != 0.6 {
		t.Errorf("amount = %v, want 0.6", amount)
	}
}

func TestSizeOrder_MaxClampApplies(t *testing.T) {
	e := &Executor{}
	st := testStrategy()
	st.Rules.Execution.MaxOrderSizePercent = 20
	pos := &database.Position{Amount: 10, TotalInvested: 10000}

	amount, err := e.sizeOrder(st, strategy.Decision{
		ShouldTrigger:   true,
		Action:          strategy.ActionSell,
		QuantityPercent: 100,
	}, pos, exchange.Ticker{Symbol: "ETH", Bid: 3000, Ask: 3001, Last: 3000})
	if err != nil {
		t.Fatalf("sizeOrder failed: %v", err)
	}
	if amount != 2.0 {
		t.Errorf("amount = %v, want 2.0 after 20%% clamp", amount)
	}
}

func TestSizeOrder_BuyPercentOfHolding(t *testing.T) {
	e := &Executor{}
	st := testStrategy()
	pos := &database.Position{Amount: 10, TotalInvested: 1000}

	// A 50% scale-in on 10 held units buys 5 more.
	amount, err := e.sizeOrder(st, strategy.Decision{
		ShouldTrigger:   true,
		Action:          strategy.ActionBuy,
		QuantityPercent: 50,
	}, pos, exchange.Ticker{Symbol: "SOL", Bid: 99, Ask: 100, Last: 99.5})
	if err != nil {
		t.Fatalf("sizeOrder failed: %v", err)
	}
	if amount != 5.0 {
		t.Errorf("amount = %v, want 5.0", amount)
	}
}

func TestSizeOrder_RejectsBelowMinimum(t *testing.T) {
	e := &Executor{}
	st := testStrategy()
	st.Rules.Execution.MinOrderSizeUSD = 10
	pos := &database.Position{Amount: 0.001, TotalInvested: 5}

	_, err := e.sizeOrder(st, strategy.Decision{
		ShouldTrigger:   true,
		Action:          strategy.ActionSell,
		QuantityPercent: 100,
	}, pos, exchange.Ticker{Symbol: "BTC", Bid: 5000, Ask: 5001, Last: 5000})
	if !errors.Is(err, ErrBelowMinimum) {
		t.Errorf("Expected ErrBelowMinimum, got %v", err)
	}
}

func TestSizeOrder_NoPosition(t *testing.T) {
	e := &Executor{}
	st := testStrategy()

	_, err := e.sizeOrder(st, strategy.Decision{
		ShouldTrigger:   true,
		Action:          strategy.ActionSell,
		QuantityPercent: 100,
	}, nil, exchange.Ticker{Bid: 100, Ask: 101})
	if !errors.Is(err, ErrNoPosition) {
		t.Errorf("Expected ErrNoPosition for sell, got %v", err)
	}

	_, err = e.sizeOrder(st, strategy.Decision{
		ShouldTrigger:   true,
		Action:          strategy.ActionBuy,
		QuantityPercent: 50,
	}, nil, exchange.Ticker{Bid: 100, Ask: 101})
	if !errors.Is(err, ErrNoPosition) {
		t.Errorf("Expected ErrNoPosition for buy, got %v", err)
	}
}

// ============================================================================
// TEST: Idempotent order reference
// ============================================================================

func TestDecisionOrderRef_DeterministicWithinBucket(t *testing.T) {
	a := DecisionOrderRef("strat-1", "TAKE_PROFIT_L1", 30, 1.0511, "tick-7")
	b := DecisionOrderRef("strat-1", "TAKE_PROFIT_L1", 30, 1.0512, "tick-7")
	if a != b {
		t.Errorf("Refs differ inside the same price bucket: %s vs %s", a, b)
	}
}

func TestDecisionOrderRef_VariesAcrossInputs(t *testing.T) {
	base := DecisionOrderRef("strat-1", "TAKE_PROFIT_L1", 30, 1.05, "tick-7")
	variants := []string{
		DecisionOrderRef("strat-2", "TAKE_PROFIT_L1", 30, 1.05, "tick-7"),
		DecisionOrderRef("strat-1", "TAKE_PROFIT_L2", 30, 1.05, "tick-7"),
		DecisionOrderRef("strat-1", "TAKE_PROFIT_L1", 40, 1.05, "tick-7"),
		DecisionOrderRef("strat-1", "TAKE_PROFIT_L1", 30, 1.10, "tick-7"),
		DecisionOrderRef("strat-1", "TAKE_PROFIT_L1", 30, 1.05, "tick-8"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base ref", i)
		}
	}
}

// ============================================================================
// TEST: Fee conversion to quote terms
// ============================================================================

func TestFeeInQuote(t *testing.T) {
	testCases := []struct {
		name      string
		fee       float64
		feeAsset  string
		token     string
		fillPrice float64
		want      float64
	}{
		{"quote-denominated sell fee", 12.5, "USDT", "BTC", 50000, 12.5},
		{"base-denominated buy fee", 0.001, "BTC", "BTC", 50000, 50.0},
		{"unset fee asset taken as quote", 3.0, "", "ETH", 3000, 3.0},
		{"exchange-token fee unpriceable", 0.05, "BNB", "BTC", 50000, 0},
		{"zero fee", 0, "USDT", "BTC", 50000, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := &exchange.OrderResult{Fee: tc.fee, FeeAsset: tc.feeAsset}
			if got := feeInQuote(result, tc.token, tc.fillPrice); got != tc.want {
				t.Errorf("feeInQuote = %v, want %v", got, tc.want)
			}
		})
	}
}

// The realized PnL recorded for an execution is the ledger PnL net of the
// order's fee; without the deduction the loss windows under-count by the
// fee total.
func TestFeeInQuote_NetsOutOfRealizedPnL(t *testing.T) {
	grossPnL := 200.0
	result := &exchange.OrderResult{Fee: 12.5, FeeAsset: "USDT"}

	net := grossPnL - feeInQuote(result, "BTC", 50000)
	if net != 187.5 {
		t.Errorf("net PnL = %v, want 187.5", net)
	}
}

// ============================================================================
// TEST: Fill status gating
// ============================================================================

func TestRecordable(t *testing.T) {
	testCases := []struct {
		status       exchange.OrderStatus
		allowPartial bool
		want         bool
	}{
		{exchange.StatusFilled, false, true},
		{exchange.StatusFilled, true, true},
		{exchange.StatusPartiallyFilled, true, true},
		{exchange.StatusPartiallyFilled, false, false},
		{exchange.StatusRejected, true, false},
		{exchange.StatusCanceled, true, false},
		{exchange.StatusNew, true, false},
	}
	for _, tc := range testCases {
		if got := recordable(tc.status, tc.allowPartial); got != tc.want {
			t.Errorf("recordable(%s, %v) = %v, want %v", tc.status, tc.allowPartial, got, tc.want)
		}
	}
}
