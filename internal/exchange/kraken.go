package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// KrakenGateway talks to the Kraken REST API. Base tokens are quoted against
// USD ("BTC" -> "XBTUSD"); Kraken spells bitcoin XBT.
type KrakenGateway struct {
	baseURL    string
	httpClient *http.Client
}

func NewKrakenGateway(baseURL string) *KrakenGateway {
	if baseURL == "" {
		baseURL = "https://api.kraken.com"
	}
	return &KrakenGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

var _ Gateway = (*KrakenGateway)(nil)

func (g *KrakenGateway) Name() string { return "kraken" }

func (g *KrakenGateway) pair(symbol string) string {
	base := strings.ToUpper(symbol)
	if base == "BTC" {
		base = "XBT"
	}
	return base + "USD"
}

type krakenResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (g *KrakenGateway) FetchTicker(ctx context.Context, cred Credentials, symbol string) (*Ticker, error) {
	pair := g.pair(symbol)
	result, err := g.public(ctx, "/0/public/Ticker", url.Values{"pair": {pair}})
	if err != nil {
		return nil, wrapOp(err, g.Name(), "FetchTicker")
	}

	// Result is keyed by Kraken's internal pair name, which may differ from
	// the requested one (XBTUSD -> XXBTZUSD). Take the single entry.
	var pairs map[string]struct {
		Ask    []string `json:"a"`
		Bid    []string `json:"b"`
		Last   []string `json:"c"`
		Volume []string `json:"v"`
		Open   string   `json:"o"`
	}
	if err := json.Unmarshal(result, &pairs); err != nil {
		return nil, newError(KindTransient, g.Name(), "FetchTicker", fmt.Errorf("parsing ticker: %w", err))
	}

	for _, t := range pairs {
		bid := parseKrakenFloat(first(t.Bid))
		ask := parseKrakenFloat(first(t.Ask))
		last := parseKrakenFloat(first(t.Last))
		open := parseKrakenFloat(t.Open)
		volume := 0.0
		if len(t.Volume) > 1 {
			volume = parseKrakenFloat(t.Volume[1]) * last // base volume -> quote
		}
		change := 0.0
		if open > 0 {
			change = (last - open) / open * 100
		}
		return &Ticker{
			Symbol:    strings.ToUpper(symbol),
			Bid:       bid,
			Ask:       ask,
			Last:      last,
			Volume24h: volume,
			Change24h: change,
			FetchedAt: time.Now().UTC(),
		}, nil
	}
	return nil, newError(KindUnknownSymbol, g.Name(), "FetchTicker", fmt.Errorf("no ticker for %s", pair))
}

func (g *KrakenGateway) FetchBalances(ctx context.Context, cred Credentials) ([]Balance, error) {
	result, err := g.private(ctx, cred, "/0/private/Balance", url.Values{})
	if err != nil {
		return nil, wrapOp(err, g.Name(), "FetchBalances")
	}

	var raw map[string]string
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, newError(KindTransient, g.Name(), "FetchBalances", fmt.Errorf("parsing balances: %w", err))
	}

	balances := make([]Balance, 0, len(raw))
	for asset, amount := range raw {
		free := parseKrakenFloat(amount)
		if free == 0 {
			continue
		}
		balances = append(balances, Balance{Asset: normalizeKrakenAsset(asset), Free: free, Total: free})
	}
	return balances, nil
}

func (g *KrakenGateway) CreateOrder(ctx context.Context, cred Credentials, req OrderRequest) (*OrderResult, error) {
	params := url.Values{}
	params.Set("pair", g.pair(req.Symbol))
	params.Set("type", strings.ToLower(string(req.Side)))
	params.Set("ordertype", "market")
	params.Set("volume", strconv.FormatFloat(req.Quantity, 'f', -1, 64))

	result, err := g.private(ctx, cred, "/0/private/AddOrder", params)
	if err != nil {
		return nil, wrapOp(err, g.Name(), "CreateOrder")
	}

	var resp struct {
		Txid []string `json:"txid"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, newError(KindTransient, g.Name(), "CreateOrder", fmt.Errorf("parsing order response: %w", err))
	}
	if len(resp.Txid) == 0 {
		return nil, newError(KindTransient, g.Name(), "CreateOrder", fmt.Errorf("no transaction id returned"))
	}

	// AddOrder doesn't report fills; query the order for its final state.
	// Market orders settle near-instantly but a miss still returns NEW.
	order, err := g.FetchOrder(ctx, cred, req.Symbol, resp.Txid[0])
	if err != nil {
		return &OrderResult{
			ExchangeOrderID: resp.Txid[0],
			Symbol:          strings.ToUpper(req.Symbol),
			Side:            req.Side,
			Status:          StatusNew,
			RequestedQty:    req.Quantity,
			SubmittedAt:     time.Now().UTC(),
		}, nil
	}
	return order, nil
}

func (g *KrakenGateway) FetchOrder(ctx context.Context, cred Credentials, symbol, exchangeOrderID string) (*OrderResult, error) {
	params := url.Values{}
	params.Set("txid", exchangeOrderID)

	result, err := g.private(ctx, cred, "/0/private/QueryOrders", params)
	if err != nil {
		return nil, wrapOp(err, g.Name(), "FetchOrder")
	}

	var orders map[string]struct {
		Status string `json:"status"`
		Vol    string `json:"vol"`
		VolExec string `json:"vol_exec"`
		Price  string `json:"price"`
		Fee    string `json:"fee"`
		Descr  struct {
			Type string `json:"type"`
		} `json:"descr"`
		OpenTm float64 `json:"opentm"`
	}
	if err := json.Unmarshal(result, &orders); err != nil {
		return nil, newError(KindTransient, g.Name(), "FetchOrder", fmt.Errorf("parsing order: %w", err))
	}

	o, ok := orders[exchangeOrderID]
	if !ok {
		return nil, newError(KindInvalidOrder, g.Name(), "FetchOrder", fmt.Errorf("order %s not found", exchangeOrderID))
	}

	return &OrderResult{
		ExchangeOrderID:  exchangeOrderID,
		Symbol:           strings.ToUpper(symbol),
		Side:             OrderSide(strings.ToUpper(o.Descr.Type)),
		Status:           mapKrakenStatus(o.Status, parseKrakenFloat(o.VolExec), parseKrakenFloat(o.Vol)),
		RequestedQty:     parseKrakenFloat(o.Vol),
		FilledQty:        parseKrakenFloat(o.VolExec),
		AverageFillPrice: parseKrakenFloat(o.Price),
		Fee:              parseKrakenFloat(o.Fee),
		FeeAsset:         "USD",
		SubmittedAt:      time.Unix(int64(o.OpenTm), 0).UTC(),
	}, nil
}

func (g *KrakenGateway) CancelOrder(ctx context.Context, cred Credentials, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("txid", exchangeOrderID)
	if _, err := g.private(ctx, cred, "/0/private/CancelOrder", params); err != nil {
		return wrapOp(err, g.Name(), "CancelOrder")
	}
	return nil
}

func (g *KrakenGateway) public(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return g.do(req)
}

func (g *KrakenGateway) private(ctx context.Context, cred Credentials, path string, params url.Values) (json.RawMessage, error) {
	nonce := strconv.FormatInt(time.Now().UnixNano(), 10)
	params.Set("nonce", nonce)
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", cred.APIKey)

	sig, err := krakenSign(cred.APISecret, path, nonce, body)
	if err != nil {
		return nil, newError(KindAuth, g.Name(), "", fmt.Errorf("signing request: %w", err))
	}
	req.Header.Set("API-Sign", sig)

	return g.do(req)
}

func (g *KrakenGateway) do(req *http.Request) (json.RawMessage, error) {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &Error{Kind: KindTransient, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))}
	}

	var kr krakenResponse
	if err := json.Unmarshal(body, &kr); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if len(kr.Error) > 0 {
		return nil, &Error{Kind: classifyKraken(kr.Error[0]), Err: fmt.Errorf("%s", strings.Join(kr.Error, "; "))}
	}
	return kr.Result, nil
}

// classifyKraken maps Kraken's EClass:Message error strings onto error kinds.
func classifyKraken(msg string) ErrorKind {
	switch {
	case strings.Contains(msg, "Insufficient funds"):
		return KindInsufficientFunds
	case strings.Contains(msg, "Unknown asset pair"), strings.Contains(msg, "Unknown asset"):
		return KindUnknownSymbol
	case strings.Contains(msg, "Invalid key"), strings.Contains(msg, "Invalid signature"),
		strings.Contains(msg, "Invalid nonce"), strings.Contains(msg, "Permission denied"):
		return KindAuth
	case strings.Contains(msg, "Rate limit"), strings.HasPrefix(msg, "EService:"):
		return KindTransient
	case strings.HasPrefix(msg, "EOrder:"):
		return KindInvalidOrder
	default:
		return KindTransient
	}
}

func mapKrakenStatus(status string, filled, requested float64) OrderStatus {
	switch status {
	case "closed":
		return StatusFilled
	case "canceled", "expired":
		if filled > 0 && filled < requested {
			return StatusPartiallyFilled
		}
		return StatusCanceled
	case "open", "pending":
		if filled > 0 {
			return StatusPartiallyFilled
		}
		return StatusNew
	default:
		return StatusRejected
	}
}

// krakenSign computes API-Sign: HMAC-SHA512 of path + SHA256(nonce + body)
// keyed with the base64-decoded secret.
func krakenSign(secret, path, nonce, body string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decoding secret: %w", err)
	}
	sha := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// normalizeKrakenAsset strips Kraken's X/Z prefixes and maps XBT back to BTC.
func normalizeKrakenAsset(asset string) string {
	if len(asset) == 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		asset = asset[1:]
	}
	if asset == "XBT" {
		return "BTC"
	}
	return asset
}

func parseKrakenFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func first(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}
