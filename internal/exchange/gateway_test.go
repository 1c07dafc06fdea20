package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

// ============================================================================
// TEST: Balance totals — position sync and snapshots value against Total
// ============================================================================

func TestBinanceFetchBalances_TotalIsFreePlusLocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/account" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"balances":[
			{"asset":"BTC","free":"0.5","locked":"0.25"},
			{"asset":"USDT","free":"1000","locked":"0"},
			{"asset":"DUST","free":"0","locked":"0"}
		]}`))
	}))
	defer srv.Close()

	g := NewBinanceGateway(srv.URL)
	balances, err := g.FetchBalances(context.Background(), Credentials{APIKey: "k", APISecret: "s"})
	if err != nil {
		t.Fatalf("FetchBalances failed: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("Expected 2 non-empty balances, got %d", len(balances))
	}
	for _, b := range balances {
		if b.Total != b.Free+b.Locked {
			t.Errorf("%s: Total = %v, want Free+Locked = %v", b.Asset, b.Total, b.Free+b.Locked)
		}
	}
	if balances[0].Asset != "BTC" || balances[0].Total != 0.75 {
		t.Errorf("BTC balance = %+v, want Total 0.75", balances[0])
	}
}

func TestMockGatewaySetBalance_Total(t *testing.T) {
	g := NewMockGateway("mock")
	g.SetBalance("ETH", 2.0, 0.5)

	balances, err := g.FetchBalances(context.Background(), Credentials{})
	if err != nil {
		t.Fatalf("FetchBalances failed: %v", err)
	}
	if len(balances) != 1 || balances[0].Total != 2.5 {
		t.Errorf("balances = %+v, want one ETH entry with Total 2.5", balances)
	}
}
