// Package binance implements the exchange capability surface against the
// Binance spot REST API.
package binance

import (
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

const defaultBaseURL = "https://api.binance.com"

type Client struct {
	baseURL      string
	apiKey       string
	secret       string
	recvWindow   int
	httpClient   *http.Client
	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter

	// clockOffset is server time minus local time, refreshed when the
	// venue rejects a timestamp as out of its recv window.
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

func (c *Client) Name() string { return "binance" }

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	lim := c.readLimiter
	if method != http.MethodGet {
		lim = c.writeLimiter
	}
	waitStart := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return nil, err
	}
	telemetry.Metrics.RateLimiterWait.Record(time.Since(waitStart))

	if params == nil {
		params = url.Values{}
	}
	if signed {
		c.sign(params)
	}

	reqURL := c.baseURL + path
	if q := params.Encode(); q != "" {
		reqURL += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, exchange.WrapTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, exchange.WrapTransport(err)
	}
	telemetry.Metrics.AdapterLatency.Record(time.Since(start))
	telemetry.Debugf("binance: %s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Code != 0 {
		return body, c.classify(ae, resp.StatusCode)
	}
	return body, exchange.ClassifyStatus(resp.StatusCode, string(body))
}

// doSigned runs a signed request, transparently resyncing the clock and
// retrying once when the venue reports the timestamp outside its recv
// window. Persistent skew after a resync is surfaced as Fatal.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	body, err := c.do(ctx, method, path, cloneValues(params), true)
	if isTimestampError(err) {
		telemetry.Warnf("binance: timestamp outside recv window, resyncing clock")
		if serr := c.syncClock(ctx); serr != nil {
			return nil, serr
		}
		body, err = c.do(ctx, method, path, cloneValues(params), true)
		if isTimestampError(err) {
			return nil, exchange.NewFatal("-1021", "clock skew persists after resync")
		}
	}
	return body, err
}

func (c *Client) sign(params url.Values) {
	c.mu.Lock()
	offset := c.clockOffset
	c.mu.Unlock()

	ts := time.Now().Add(offset).UnixMilli()
	params.Set("timestamp", strconv.FormatInt(ts, 10))
	if c.recvWindow > 0 {
		params.Set("recvWindow", strconv.Itoa(c.recvWindow))
	}

	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
}

// syncClock fetches server time and stores the local offset.
func (c *Client) syncClock(ctx context.Context) error {
	body, err := c.do(ctx, http.MethodGet, "/api/v3/time", nil, false)
	if err != nil {
		return err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.NewTransient("", "unmarshal server time: "+err.Error())
	}

	offset := time.Until(time.UnixMilli(resp.ServerTime))
	c.mu.Lock()
	c.clockOffset = offset
	c.mu.Unlock()

	telemetry.Infof("binance: clock offset %s", offset)
	return nil
}

func (c *Client) classify(ae apiError, status int) error {
	code := strconv.Itoa(ae.Code)
	switch ae.Code {
	case -1021: // timestamp outside recvWindow, doSigned resyncs
		return exchange.NewTransient(code, ae.Msg)
	case -1022, -2014, -2015: // bad signature / API key / permissions
		return exchange.NewFatal(code, ae.Msg)
	case -2013, -2011: // order does not exist / cancel of unknown order
		return exchange.ErrOrderNotFound
	case -1003: // request weight exceeded
		return exchange.NewTransient(code, ae.Msg)
	case -2010, -1013, -1121, -1111: // rejections: balance, filters, symbol, precision
		return exchange.NewRejected(code, ae.Msg)
	}
	if status >= 500 || status == 429 || status == 418 {
		return exchange.NewTransient(code, ae.Msg)
	}
	return exchange.NewRejected(code, ae.Msg)
}

func isTimestampError(err error) bool {
	var ae *exchange.Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == "-1021"
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	OrigClientID  string `json:"origClientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Price         string `json:"price"`
	UpdateTime    int64  `json:"updateTime"`
}

func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("quantity", formatFloat(req.Qty))

	switch req.Type {
	case model.OrderTypeMarket:
		params.Set("type", "MARKET")
	case model.OrderTypeLimit:
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", formatFloat(req.Price))
	case model.OrderTypeStopLimit:
		params.Set("type", "STOP_LOSS_LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", formatFloat(req.Price))
		params.Set("stopPrice", formatFloat(req.StopPrice))
	default:
		return exchange.Order{}, exchange.NewRejected("", fmt.Sprintf("unsupported order type %q", req.Type))
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		// A retried submission with the same client reference must not
		// create a duplicate order: surface the venue's existing order
		// as success.
		if isDuplicateReference(err) {
			telemetry.Infof("binance: duplicate client order id %s, adopting existing order", req.ClientOrderID)
			return c.GetOrderStatus(ctx, req.Symbol, req.ClientOrderID)
		}
		return exchange.Order{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.Order{}, exchange.NewTransient("", "unmarshal order response: "+err.Error())
	}
	return c.normalize(resp), nil
}

func (c *Client) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (exchange.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return exchange.Order{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.Order{}, exchange.NewTransient("", "unmarshal order status: "+err.Error())
	}
	return c.normalize(resp), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)

	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

func (c *Client) GetBalance(ctx context.Context) (map[string]model.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, exchange.NewTransient("", "unmarshal account: "+err.Error())
	}

	out := make(map[string]model.Balance, len(resp.Balances))
	for _, b := range resp.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out[b.Asset] = model.Balance{Free: free, Locked: locked}
	}
	return out, nil
}

func (c *Client) Ticker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.do(ctx, http.MethodGet, "/api/v3/ticker/bookTicker", params, false)
	if err != nil {
		return exchange.Ticker{}, err
	}

	var resp struct {
		Symbol string `json:"symbol"`
		Bid    string `json:"bidPrice"`
		Ask    string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.Ticker{}, exchange.NewTransient("", "unmarshal ticker: "+err.Error())
	}

	t := exchange.Ticker{
		Symbol: resp.Symbol,
		Bid:    parseFloat(resp.Bid),
		Ask:    parseFloat(resp.Ask),
	}
	t.Last = (t.Bid + t.Ask) / 2
	return t, nil
}

func (c *Client) normalize(r orderResponse) exchange.Order {
	clientID := r.ClientOrderID
	if clientID == "" {
		clientID = r.OrigClientID
	}
	return exchange.Order{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:   clientID,
		Symbol:          r.Symbol,
		Side:            model.Side(r.Side),
		Status:          normalizeStatus(r.Status),
		Qty:             parseFloat(r.OrigQty),
		FilledQty:       parseFloat(r.ExecutedQty),
		Price:           parseFloat(r.Price),
		UpdatedAt:       time.UnixMilli(r.UpdateTime),
	}
}

func normalizeStatus(s string) exchange.OrderStatus {
	switch s {
	case "NEW", "PENDING_NEW":
		return exchange.StatusNew
	case "PARTIALLY_FILLED":
		return exchange.StatusPartiallyFilled
	case "FILLED":
		return exchange.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return exchange.StatusCanceled
	case "REJECTED":
		return exchange.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return exchange.StatusExpired
	}
	return exchange.StatusNew
}

// isDuplicateReference matches the venue's duplicate client order id
// rejection (-2010 with a "Duplicate order sent." message).
func isDuplicateReference(err error) bool {
	var ae *exchange.Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == "-2010" && strings.Contains(strings.ToLower(ae.Msg), "duplicate")
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
