package mexc

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selftrade/agent/internal/exchange"
	"github.com/selftrade/agent/internal/model"
)

func testClient(baseURL string) *Client {
	return NewClient(baseURL, "key", "secret", exchange.RateBudget{ReadRPS: 1000, WriteRPS: 1000, Burst: 1000}, 5000)
}

func TestPlaceOrderUsesMexcHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-MEXC-APIKEY"))
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		fmt.Fprint(w, `{"orderId": "100", "clientOrderId": "intent-1", "symbol": "ETHUSDT", "side": "BUY", "status": "FILLED", "origQty": "0.1", "executedQty": "0.1", "price": "0"}`)
	}))
	defer srv.Close()

	ord, err := testClient(srv.URL).PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "ETHUSDT", Side: model.SideBuy, Type: model.OrderTypeMarket, Qty: 0.1, ClientOrderID: "intent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "100", ord.ExchangeOrderID)
	assert.Equal(t, exchange.StatusFilled, ord.Status)
}

func TestMarketOrderFallsBackToAggressiveLimit(t *testing.T) {
	var placeCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/ticker/bookTicker":
			fmt.Fprint(w, `{"symbol": "BTCUSDT", "bidPrice": "59990", "askPrice": "60010"}`)
		case "/api/v3/order":
			placeCalls++
			q := r.URL.Query()
			if placeCalls == 1 {
				assert.Equal(t, "MARKET", q.Get("type"))
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"code": 10007, "msg": "symbol not support api"}`)
				return
			}
			assert.Equal(t, "LIMIT", q.Get("type"))
			price, err := strconv.ParseFloat(q.Get("price"), 64)
			require.NoError(t, err)
			// Buy fallback prices 0.2% through the ask.
			assert.InDelta(t, 60010*1.002, price, 0.01)
			fmt.Fprintf(w, `{"orderId": "101", "clientOrderId": %q, "symbol": "BTCUSDT", "side": "BUY", "status": "NEW", "origQty": "0.001", "executedQty": "0", "price": %q}`,
				q.Get("newClientOrderId"), q.Get("price"))
		}
	}))
	defer srv.Close()

	ord, err := testClient(srv.URL).PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideBuy, Type: model.OrderTypeMarket, Qty: 0.001, ClientOrderID: "intent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, placeCalls)
	assert.Equal(t, "101", ord.ExchangeOrderID)
	assert.Equal(t, exchange.StatusNew, ord.Status)
}

func TestSellFallbackPricesThroughTheBid(t *testing.T) {
	var limitPrice float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/ticker/bookTicker":
			fmt.Fprint(w, `{"symbol": "BTCUSDT", "bidPrice": "59990", "askPrice": "60010"}`)
		case "/api/v3/order":
			q := r.URL.Query()
			if q.Get("type") == "MARKET" {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"code": 10007, "msg": "symbol not support api"}`)
				return
			}
			limitPrice, _ = strconv.ParseFloat(q.Get("price"), 64)
			fmt.Fprint(w, `{"orderId": "102", "clientOrderId": "intent-2", "symbol": "BTCUSDT", "side": "SELL", "status": "NEW", "origQty": "0.001", "executedQty": "0", "price": "59870"}`)
		}
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideSell, Type: model.OrderTypeMarket, Qty: 0.001, ClientOrderID: "intent-2",
	})
	require.NoError(t, err)
	assert.InDelta(t, 59990*0.998, limitPrice, 0.01)
}

func TestLimitOrderRejectionDoesNotFallBack(t *testing.T) {
	var placeCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		placeCalls++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code": 30004, "msg": "insufficient balance"}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideBuy, Type: model.OrderTypeLimit, Price: 60000, Qty: 0.001, ClientOrderID: "intent-3",
	})
	assert.True(t, exchange.IsRejected(err), "got %v", err)
	assert.Equal(t, 1, placeCalls)
}

func TestDuplicateClientOrderAdopted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code": -2010, "msg": "Duplicate order sent."}`)
			return
		}
		assert.Equal(t, "intent-4", r.URL.Query().Get("origClientOrderId"))
		fmt.Fprint(w, `{"orderId": "103", "origClientOrderId": "intent-4", "symbol": "BTCUSDT", "side": "BUY", "status": "FILLED", "origQty": "0.001", "executedQty": "0.001", "price": "0"}`)
	}))
	defer srv.Close()

	ord, err := testClient(srv.URL).PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideBuy, Type: model.OrderTypeMarket, Qty: 0.001, ClientOrderID: "intent-4",
	})
	require.NoError(t, err)
	assert.Equal(t, "intent-4", ord.ClientOrderID)
	assert.Equal(t, exchange.StatusFilled, ord.Status)
}
