package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// BinanceGateway talks to the Binance spot REST API. Base tokens are quoted
// against USDT ("BTC" -> "BTCUSDT").
type BinanceGateway struct {
	baseURL    string
	httpClient *http.Client
}

func NewBinanceGateway(baseURL string) *BinanceGateway {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	return &BinanceGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

var _ Gateway = (*BinanceGateway)(nil)

func (g *BinanceGateway) Name() string { return "binance" }

func (g *BinanceGateway) pair(symbol string) string {
	return strings.ToUpper(symbol) + "USDT"
}

type binanceTicker24hr struct {
	Symbol             string  `json:"symbol"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	LastPrice          float64 `json:"lastPrice,string"`
	BidPrice           float64 `json:"bidPrice,string"`
	AskPrice           float64 `json:"askPrice,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
}

type binanceOrderResponse struct {
	Symbol              string  `json:"symbol"`
	OrderId             int64   `json:"orderId"`
	ClientOrderId       string  `json:"clientOrderId"`
	TransactTime        int64   `json:"transactTime"`
	OrigQty             float64 `json:"origQty,string"`
	ExecutedQty         float64 `json:"executedQty,string"`
	CummulativeQuoteQty float64 `json:"cummulativeQuoteQty,string"`
	Status              string  `json:"status"`
	Side                string  `json:"side"`
	Fills               []struct {
		Price           float64 `json:"price,string"`
		Qty             float64 `json:"qty,string"`
		Commission      float64 `json:"commission,string"`
		CommissionAsset string  `json:"commissionAsset"`
	} `json:"fills"`
}

type binanceAccountInfo struct {
	Balances []struct {
		Asset  string  `json:"asset"`
		Free   float64 `json:"free,string"`
		Locked float64 `json:"locked,string"`
	} `json:"balances"`
}

type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (g *BinanceGateway) FetchTicker(ctx context.Context, cred Credentials, symbol string) (*Ticker, error) {
	pair := g.pair(symbol)
	body, err := g.request(ctx, cred, http.MethodGet, "/api/v3/ticker/24hr",
		url.Values{"symbol": {pair}}, false)
	if err != nil {
		return nil, wrapOp(err, g.Name(), "FetchTicker")
	}

	var t binanceTicker24hr
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, newError(KindTransient, g.Name(), "FetchTicker", fmt.Errorf("parsing ticker: %w", err))
	}

	return &Ticker{
		Symbol:    strings.ToUpper(symbol),
		Bid:       t.BidPrice,
		Ask:       t.AskPrice,
		Last:      t.LastPrice,
		Volume24h: t.QuoteVolume,
		Change24h: t.PriceChangePercent,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (g *BinanceGateway) FetchBalances(ctx context.Context, cred Credentials) ([]Balance, error) {
	body, err := g.request(ctx, cred, http.MethodGet, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return nil, wrapOp(err, g.Name(), "FetchBalances")
	}

	var acct binanceAccountInfo
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, newError(KindTransient, g.Name(), "FetchBalances", fmt.Errorf("parsing account: %w", err))
	}

	balances := make([]Balance, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		if b.Free == 0 && b.Locked == 0 {
			continue
		}
		balances = append(balances, Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked, Total: b.Free + b.Locked})
	}
	return balances, nil
}

func (g *BinanceGateway) CreateOrder(ctx context.Context, cred Credentials, req OrderRequest) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", g.pair(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))

	body, err := g.request(ctx, cred, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return nil, wrapOp(err, g.Name(), "CreateOrder")
	}

	var resp binanceOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newError(KindTransient, g.Name(), "CreateOrder", fmt.Errorf("parsing order response: %w", err))
	}
	return g.toResult(req.Symbol, &resp), nil
}

func (g *BinanceGateway) FetchOrder(ctx context.Context, cred Credentials, symbol, exchangeOrderID string) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", g.pair(symbol))
	params.Set("orderId", exchangeOrderID)

	body, err := g.request(ctx, cred, http.MethodGet, "/api/v3/order", params, true)
	if err != nil {
		return nil, wrapOp(err, g.Name(), "FetchOrder")
	}

	var resp binanceOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newError(KindTransient, g.Name(), "FetchOrder", fmt.Errorf("parsing order: %w", err))
	}
	return g.toResult(symbol, &resp), nil
}

func (g *BinanceGateway) CancelOrder(ctx context.Context, cred Credentials, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", g.pair(symbol))
	params.Set("orderId", exchangeOrderID)

	if _, err := g.request(ctx, cred, http.MethodDelete, "/api/v3/order", params, true); err != nil {
		return wrapOp(err, g.Name(), "CancelOrder")
	}
	return nil
}

func (g *BinanceGateway) toResult(symbol string, resp *binanceOrderResponse) *OrderResult {
	result := &OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderId, 10),
		Symbol:          strings.ToUpper(symbol),
		Side:            OrderSide(resp.Side),
		Status:          OrderStatus(resp.Status),
		RequestedQty:    resp.OrigQty,
		FilledQty:       resp.ExecutedQty,
		SubmittedAt:     time.UnixMilli(resp.TransactTime).UTC(),
	}
	if resp.ExecutedQty > 0 {
		result.AverageFillPrice = resp.CummulativeQuoteQty / resp.ExecutedQty
	}
	for _, f := range resp.Fills {
		result.Fee += f.Commission
		result.FeeAsset = f.CommissionAsset
	}
	return result
}

// request performs a REST call, signing with HMAC-SHA256 when required, and
// classifies non-2xx responses into typed error kinds.
func (g *BinanceGateway) request(ctx context.Context, cred Credentials, method, path string, params url.Values, signed bool) ([]byte, error) {
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", "5000")
		params.Set("signature", signHMAC256(cred.APISecret, params.Encode()))
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = params.Encode()
	if signed {
		req.Header.Set("X-MBX-APIKEY", cred.APIKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	var apiErr binanceAPIError
	_ = json.Unmarshal(body, &apiErr)
	kind := classifyBinance(resp.StatusCode, apiErr.Code)
	msg := apiErr.Msg
	if msg == "" {
		msg = string(body)
	}
	return nil, &Error{Kind: kind, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)}
}

func classifyBinance(status, code int) ErrorKind {
	switch code {
	case -2010, -2019: // NEW_ORDER_REJECTED (balance), MARGIN_NOT_SUFFICIENT
		return KindInsufficientFunds
	case -1121: // Invalid symbol
		return KindUnknownSymbol
	case -1013, -1111, -2011: // filter failure, precision, cancel rejected
		return KindInvalidOrder
	case -2014, -2015, -1022: // bad API key, invalid key/IP/permissions, bad signature
		return KindAuth
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindInvalidOrder
	default:
		return KindTransient
	}
}

// wrapOp stamps exchange and op onto a typed error, or wraps an untyped one
// as transient.
func wrapOp(err error, exchange, op string) error {
	if ge, ok := err.(*Error); ok {
		ge.Exchange = exchange
		ge.Op = op
		return ge
	}
	return newError(KindTransient, exchange, op, err)
}

func signHMAC256(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
