package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selftrade/agent/internal/exchange"
	"github.com/selftrade/agent/internal/model"
)

const (
	testAPIKey = "bybit-key"
	testSecret = "bybit-secret"
)

func testClient(baseURL string) *Client {
	return NewClient(baseURL, testAPIKey, testSecret, exchange.RateBudget{ReadRPS: 1000, WriteRPS: 1000, Burst: 1000}, 5000)
}

func orderListJSON(status string) string {
	return fmt.Sprintf(`{"retCode": 0, "retMsg": "OK", "result": {"list": [{
		"orderId": "b-1",
		"orderLinkId": "intent-1",
		"symbol": "BTCUSDT",
		"side": "Buy",
		"orderStatus": %q,
		"qty": "0.001",
		"cumExecQty": "0.001",
		"price": "0",
		"updatedTime": "1725000000000"
	}]}}`, status)
}

func TestPlaceOrderSignsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/order/create":
			require.Equal(t, http.MethodPost, r.Method)
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)

			ts := r.Header.Get("X-BAPI-TIMESTAMP")
			window := r.Header.Get("X-BAPI-RECV-WINDOW")
			assert.Equal(t, testAPIKey, r.Header.Get("X-BAPI-API-KEY"))
			require.NotEmpty(t, ts)
			assert.Equal(t, "5000", window)

			mac := hmac.New(sha256.New, []byte(testSecret))
			mac.Write([]byte(ts + testAPIKey + window + string(body)))
			assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.Header.Get("X-BAPI-SIGN"))

			assert.Contains(t, string(body), `"orderLinkId":"intent-1"`)
			assert.Contains(t, string(body), `"side":"Buy"`)
			fmt.Fprint(w, `{"retCode": 0, "retMsg": "OK", "result": {"orderId": "b-1", "orderLinkId": "intent-1"}}`)
		case "/v5/order/realtime":
			fmt.Fprint(w, orderListJSON("Filled"))
		}
	}))
	defer srv.Close()

	ord, err := testClient(srv.URL).PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideBuy, Type: model.OrderTypeMarket, Qty: 0.001, ClientOrderID: "intent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "b-1", ord.ExchangeOrderID)
	assert.Equal(t, exchange.StatusFilled, ord.Status)
	assert.Equal(t, model.SideBuy, ord.Side)
}

func TestRetCodeClassification(t *testing.T) {
	cases := []struct {
		code int
		want exchange.ErrorKind
	}{
		{10002, exchange.KindTransient},
		{10006, exchange.KindTransient},
		{10003, exchange.KindFatal},
		{10004, exchange.KindFatal},
		{110004, exchange.KindRejected},
		{170131, exchange.KindRejected},
		{170140, exchange.KindRejected},
	}
	c := &Client{}
	for _, tc := range cases {
		err := c.classify(envelope{RetCode: tc.code, RetMsg: "x"})
		assert.Equal(t, tc.want, exchange.KindOf(err), "retCode %d", tc.code)
	}

	assert.ErrorIs(t, c.classify(envelope{RetCode: 110001}), exchange.ErrOrderNotFound)
}

func TestGetOrderStatusFallsBackToHistory(t *testing.T) {
	var realtime, history int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/order/realtime":
			realtime++
			fmt.Fprint(w, `{"retCode": 0, "retMsg": "OK", "result": {"list": []}}`)
		case "/v5/order/history":
			history++
			fmt.Fprint(w, orderListJSON("Filled"))
		}
	}))
	defer srv.Close()

	ord, err := testClient(srv.URL).GetOrderStatus(context.Background(), "BTCUSDT", "intent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, realtime)
	assert.Equal(t, 1, history)
	assert.Equal(t, exchange.StatusFilled, ord.Status)
}

func TestGetOrderStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode": 0, "retMsg": "OK", "result": {"list": []}}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetOrderStatus(context.Background(), "BTCUSDT", "missing")
	assert.ErrorIs(t, err, exchange.ErrOrderNotFound)
}

func TestGetBalanceUnifiedAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/account/wallet-balance", r.URL.Path)
		assert.Equal(t, "UNIFIED", r.URL.Query().Get("accountType"))
		fmt.Fprint(w, `{"retCode": 0, "retMsg": "OK", "result": {"list": [{"coin": [
			{"coin": "USDT", "availableToWithdraw": "500", "walletBalance": "510", "locked": "10"},
			{"coin": "BTC", "availableToWithdraw": "", "walletBalance": "0.1", "locked": "0.02"}
		]}]}}`)
	}))
	defer srv.Close()

	balances, err := testClient(srv.URL).GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500.0, balances["USDT"].Free)
	// Empty availableToWithdraw falls back to wallet minus locked.
	assert.InDelta(t, 0.08, balances["BTC"].Free, 1e-9)
	assert.Equal(t, 0.02, balances["BTC"].Locked)
}
