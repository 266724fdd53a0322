// Package bybit implements the exchange capability surface against the
// Bybit v5 unified trading REST API (spot category).
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/selftrade/agent/internal/exchange"
	"github.com/selftrade/agent/internal/model"
	"github.com/selftrade/agent/internal/telemetry"
)

const defaultBaseURL = "https://api.bybit.com"

type Client struct {
	baseURL      string
	apiKey       string
	secret       string
	recvWindow   int
	httpClient   *http.Client
	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter

	mu          sync.Mutex
	clockOffset time.Duration
}

func NewClient(baseURL, apiKey, secret string, budget exchange.RateBudget, recvWindowMs int) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	b := budget.OrDefault()
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		secret:     secret,
		recvWindow: recvWindowMs,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		readLimiter:  rate.NewLimiter(rate.Limit(b.ReadRPS), b.Burst),
		writeLimiter: rate.NewLimiter(rate.Limit(b.WriteRPS), b.Burst),
	}
}

func (c *Client) Name() string { return "bybit" }

// envelope is the common v5 response wrapper. Result stays raw so each
// call site can decode its own shape.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// request signs per the v5 scheme: HMAC-SHA256 over
// timestamp + apiKey + recvWindow + payload, where payload is the query
// string for GETs and the JSON body otherwise.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, reqBody any, signed bool) (json.RawMessage, error) {
	lim := c.readLimiter
	if method != http.MethodGet {
		lim = c.writeLimiter
	}
	waitStart := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return nil, err
	}
	telemetry.Metrics.RateLimiterWait.Record(time.Since(waitStart))

	var payload string
	var bodyReader io.Reader
	if method == http.MethodGet {
		payload = query.Encode()
	} else if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = string(raw)
		bodyReader = bytes.NewReader(raw)
	}

	reqURL := c.baseURL + path
	if method == http.MethodGet && payload != "" {
		reqURL += "?" + payload
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		c.mu.Lock()
		offset := c.clockOffset
		c.mu.Unlock()

		ts := strconv.FormatInt(time.Now().Add(offset).UnixMilli(), 10)
		window := strconv.Itoa(c.recvWindow)

		mac := hmac.New(sha256.New, []byte(c.secret))
		mac.Write([]byte(ts + c.apiKey + window + payload))

		req.Header.Set("X-BAPI-API-KEY", c.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", window)
		req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, exchange.WrapTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, exchange.WrapTransport(err)
	}
	telemetry.Metrics.AdapterLatency.Record(time.Since(start))
	telemetry.Debugf("bybit: %s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, exchange.ClassifyStatus(resp.StatusCode, string(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, exchange.NewTransient("", "unmarshal envelope: "+err.Error())
	}
	if env.RetCode != 0 {
		return env.Result, c.classify(env)
	}
	return env.Result, nil
}

func (c *Client) signed(ctx context.Context, method, path string, query url.Values, reqBody any) (json.RawMessage, error) {
	result, err := c.request(ctx, method, path, query, reqBody, true)
	if isTimestampError(err) {
		telemetry.Warnf("bybit: timestamp outside recv window, resyncing clock")
		if serr := c.syncClock(ctx); serr != nil {
			return nil, serr
		}
		result, err = c.request(ctx, method, path, query, reqBody, true)
		if isTimestampError(err) {
			return nil, exchange.NewFatal("10002", "clock skew persists after resync")
		}
	}
	return result, err
}

func (c *Client) syncClock(ctx context.Context) error {
	result, err := c.request(ctx, http.MethodGet, "/v5/market/time", nil, nil, false)
	if err != nil {
		return err
	}
	var resp struct {
		TimeNano string `json:"timeNano"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return exchange.NewTransient("", "unmarshal server time: "+err.Error())
	}
	nanos, err := strconv.ParseInt(resp.TimeNano, 10, 64)
	if err != nil {
		return exchange.NewTransient("", "parse server time: "+err.Error())
	}

	offset := time.Until(time.Unix(0, nanos))
	c.mu.Lock()
	c.clockOffset = offset
	c.mu.Unlock()

	telemetry.Infof("bybit: clock offset %s", offset)
	return nil
}

func (c *Client) classify(env envelope) error {
	code := strconv.Itoa(env.RetCode)
	switch env.RetCode {
	case 10002: // request outside recv window
		return exchange.NewTransient(code, env.RetMsg)
	case 10003, 10004, 10005, 33004: // invalid key / signature / permissions / key expired
		return exchange.NewFatal(code, env.RetMsg)
	case 10006, 10018: // rate limited / ip rate limited
		return exchange.NewTransient(code, env.RetMsg)
	case 110001, 170213: // order does not exist
		return exchange.ErrOrderNotFound
	case 110004, 110007, 170131: // insufficient balance
		return exchange.NewRejected(code, env.RetMsg)
	case 110017, 170140, 170136, 170137: // qty below minimum / precision
		return exchange.NewRejected(code, env.RetMsg)
	}
	msg := strings.ToLower(env.RetMsg)
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "system busy") {
		return exchange.NewTransient(code, env.RetMsg)
	}
	return exchange.NewRejected(code, env.RetMsg)
}

func isTimestampError(err error) bool {
	var ae *exchange.Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == "10002"
}

func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	body := map[string]string{
		"category":    "spot",
		"symbol":      req.Symbol,
		"side":        titleSide(req.Side),
		"qty":         formatFloat(req.Qty),
		"orderLinkId": req.ClientOrderID,
	}
	switch req.Type {
	case model.OrderTypeMarket:
		body["orderType"] = "Market"
		// Spot market buys are quoted in base qty, not quote notional.
		body["marketUnit"] = "baseCoin"
	case model.OrderTypeLimit:
		body["orderType"] = "Limit"
		body["price"] = formatFloat(req.Price)
	case model.OrderTypeStopLimit:
		body["orderType"] = "Limit"
		body["price"] = formatFloat(req.Price)
		body["triggerPrice"] = formatFloat(req.StopPrice)
		body["orderFilter"] = "StopOrder"
	default:
		return exchange.Order{}, exchange.NewRejected("", fmt.Sprintf("unsupported order type %q", req.Type))
	}

	result, err := c.signed(ctx, http.MethodPost, "/v5/order/create", nil, body)
	if err != nil {
		if isDuplicateReference(err) {
			telemetry.Infof("bybit: duplicate order link id %s, adopting existing order", req.ClientOrderID)
			return c.GetOrderStatus(ctx, req.Symbol, req.ClientOrderID)
		}
		return exchange.Order{}, err
	}

	var resp struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return exchange.Order{}, exchange.NewTransient("", "unmarshal order response: "+err.Error())
	}

	// Creation acks carry only the ids; poll once for a full snapshot.
	order, err := c.GetOrderStatus(ctx, req.Symbol, resp.OrderLinkID)
	if err != nil {
		return exchange.Order{
			ExchangeOrderID: resp.OrderID,
			ClientOrderID:   resp.OrderLinkID,
			Symbol:          req.Symbol,
			Side:            req.Side,
			Status:          exchange.StatusNew,
			Qty:             req.Qty,
			UpdatedAt:       time.Now(),
		}, nil
	}
	return order, nil
}

type orderEntry struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderStatus string `json:"orderStatus"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	Price       string `json:"price"`
	UpdatedTime string `json:"updatedTime"`
}

func (c *Client) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (exchange.Order, error) {
	query := url.Values{}
	query.Set("category", "spot")
	query.Set("symbol", symbol)
	query.Set("orderLinkId", clientOrderID)

	result, err := c.signed(ctx, http.MethodGet, "/v5/order/realtime", query, nil)
	if err != nil {
		return exchange.Order{}, err
	}

	var resp struct {
		List []orderEntry `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return exchange.Order{}, exchange.NewTransient("", "unmarshal order status: "+err.Error())
	}
	if len(resp.List) == 0 {
		// Realtime only covers recent orders; settled ones move to history.
		result, err = c.signed(ctx, http.MethodGet, "/v5/order/history", query, nil)
		if err != nil {
			return exchange.Order{}, err
		}
		if err := json.Unmarshal(result, &resp); err != nil {
			return exchange.Order{}, exchange.NewTransient("", "unmarshal order history: "+err.Error())
		}
		if len(resp.List) == 0 {
			return exchange.Order{}, exchange.ErrOrderNotFound
		}
	}
	return normalizeOrder(resp.List[0]), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	body := map[string]string{
		"category": "spot",
		"symbol":   symbol,
		"orderId":  exchangeOrderID,
	}
	_, err := c.signed(ctx, http.MethodPost, "/v5/order/cancel", nil, body)
	return err
}

func (c *Client) GetBalance(ctx context.Context) (map[string]model.Balance, error) {
	query := url.Values{}
	query.Set("accountType", "UNIFIED")

	result, err := c.signed(ctx, http.MethodGet, "/v5/account/wallet-balance", query, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []struct {
			Coin []struct {
				Coin   string `json:"coin"`
				Free   string `json:"availableToWithdraw"`
				Wallet string `json:"walletBalance"`
				Locked string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, exchange.NewTransient("", "unmarshal wallet balance: "+err.Error())
	}

	out := make(map[string]model.Balance)
	for _, acct := range resp.List {
		for _, coin := range acct.Coin {
			free := parseFloat(coin.Free)
			if free == 0 {
				// Unified accounts may leave availableToWithdraw empty.
				free = parseFloat(coin.Wallet) - parseFloat(coin.Locked)
			}
			locked := parseFloat(coin.Locked)
			if free == 0 && locked == 0 {
				continue
			}
			out[coin.Coin] = model.Balance{Free: free, Locked: locked}
		}
	}
	return out, nil
}

func (c *Client) Ticker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	query := url.Values{}
	query.Set("category", "spot")
	query.Set("symbol", symbol)

	result, err := c.request(ctx, http.MethodGet, "/v5/market/tickers", query, nil, false)
	if err != nil {
		return exchange.Ticker{}, err
	}

	var resp struct {
		List []struct {
			Symbol string `json:"symbol"`
			Bid    string `json:"bid1Price"`
			Ask    string `json:"ask1Price"`
			Last   string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return exchange.Ticker{}, exchange.NewTransient("", "unmarshal tickers: "+err.Error())
	}
	if len(resp.List) == 0 {
		return exchange.Ticker{}, exchange.NewRejected("", "no ticker for "+symbol)
	}

	t := resp.List[0]
	return exchange.Ticker{
		Symbol: t.Symbol,
		Bid:    parseFloat(t.Bid),
		Ask:    parseFloat(t.Ask),
		Last:   parseFloat(t.Last),
	}, nil
}

func normalizeOrder(e orderEntry) exchange.Order {
	updated, _ := strconv.ParseInt(e.UpdatedTime, 10, 64)
	return exchange.Order{
		ExchangeOrderID: e.OrderID,
		ClientOrderID:   e.OrderLinkID,
		Symbol:          e.Symbol,
		Side:            model.Side(strings.ToUpper(e.Side)),
		Status:          normalizeStatus(e.OrderStatus),
		Qty:             parseFloat(e.Qty),
		FilledQty:       parseFloat(e.CumExecQty),
		Price:           parseFloat(e.Price),
		UpdatedAt:       time.UnixMilli(updated),
	}
}

func normalizeStatus(s string) exchange.OrderStatus {
	switch s {
	case "New", "Created", "Untriggered", "Triggered":
		return exchange.StatusNew
	case "PartiallyFilled", "PartiallyFilledCanceled":
		return exchange.StatusPartiallyFilled
	case "Filled":
		return exchange.StatusFilled
	case "Cancelled", "Deactivated":
		return exchange.StatusCanceled
	case "Rejected":
		return exchange.StatusRejected
	case "Expired":
		return exchange.StatusExpired
	}
	return exchange.StatusNew
}

// isDuplicateReference matches the reused-orderLinkId rejection.
func isDuplicateReference(err error) bool {
	var ae *exchange.Error
	if !errors.As(err, &ae) {
		return false
	}
	if ae.Code == "170199" || ae.Code == "110072" {
		return true
	}
	msg := strings.ToLower(ae.Msg)
	return strings.Contains(msg, "orderlinkid") && (strings.Contains(msg, "duplicate") || strings.Contains(msg, "exist"))
}

func titleSide(s model.Side) string {
	if s == model.SideSell {
		return "Sell"
	}
	return "Buy"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
