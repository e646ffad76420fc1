package oanda

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rustyeddy/strategylab/broker"
	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return &Client{
		baseURL:    server.URL,
		token:      "test-token",
		accountID:  "001-001",
		httpClient: &http.Client{Timeout: 5 * time.Second},
		limiter:    rate.NewLimiter(rate.Inf, 1),
	}
}

func TestNewClient(t *testing.T) {
	t.Run("practice mode", func(t *testing.T) {
		client := NewClient("test-token", true)
		assert.Equal(t, PracticeURL, client.baseURL)
		assert.Equal(t, "test-token", client.token)
		assert.NotNil(t, client.httpClient)
	})

	t.Run("live mode", func(t *testing.T) {
		client := NewClient("test-token", false)
		assert.Equal(t, LiveURL, client.baseURL)
	})

	t.Run("rate limit", func(t *testing.T) {
		client := New(Config{Token: "x", Practice: true, RequestsPerSecond: 5, Burst: 2})
		assert.Equal(t, rate.Limit(5), client.limiter.Limit())
		assert.Equal(t, 2, client.limiter.Burst())
	})
}

func TestGetAccount(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v3/accounts/001-001/summary":
			_, _ = io.WriteString(w, `{"account":{"id":"001-001","alias":"Primary","currency":"USD",
				"balance":"100000.5000","unrealizedPL":"-12.2500","NAV":"99988.2500",
				"marginUsed":"333.0000","marginAvailable":"99655.2500","positionValue":"11000.0000",
				"openTradeCount":2,"openPositionCount":1}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"errorMessage":"The Account specified does not exist."}`)
		}
	})

	acct, err := client.GetAccount(context.Background(), "001-001")
	require.NoError(t, err)
	assert.Equal(t, "Primary", acct.Alias)
	assert.Equal(t, 100000.5, acct.Balance)
	assert.Equal(t, -12.25, acct.UnrealizedPL)
	assert.Equal(t, 99988.25, acct.NAV)
	assert.Equal(t, 2, acct.OpenTradeCount)

	_, err = client.GetAccount(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestListAccounts(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v3/accounts":
			_, _ = io.WriteString(w, `{"accounts":[{"id":"a1","tags":[]},{"id":"a2","tags":[]}]}`)
		default:
			id := r.URL.Path[len("/v3/accounts/") : len(r.URL.Path)-len("/summary")]
			_ = json.NewEncoder(w).Encode(map[string]any{
				"account": map[string]any{"id": id, "currency": "USD", "balance": "10.0"},
			})
		}
	})

	accts, err := client.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accts, 2)
	assert.Equal(t, "a2", accts[1].ID)
	assert.Equal(t, 10.0, accts[1].Balance)
}

func TestGetTick(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/accounts/001-001/pricing", r.URL.Path)
		assert.Equal(t, "EUR_USD", r.URL.Query().Get("instruments"))
		_, _ = io.WriteString(w, `{"prices":[{"instrument":"EUR_USD","time":"2024-01-01T10:00:00Z",
			"closeoutBid":"1.08500","closeoutAsk":"1.08520"}]}`)
	})

	tick, err := client.GetTick(context.Background(), "EUR_USD")
	require.NoError(t, err)
	assert.Equal(t, 1.085, tick.Bid)
	assert.Equal(t, 1.0852, tick.Ask)
	assert.InDelta(t, 1.0851, tick.Mid(), 1e-9)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), tick.Time.UTC())
}

func TestGetTickDiscoversAccount(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v3/accounts":
			_, _ = io.WriteString(w, `{"accounts":[{"id":"found-1"}]}`)
		case "/v3/accounts/found-1/pricing":
			_, _ = io.WriteString(w, `{"prices":[{"time":"2024-01-01T10:00:00Z","closeoutBid":"1.1","closeoutAsk":"1.2"}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	client.accountID = ""

	_, err := client.GetTick(context.Background(), "EUR_USD")
	require.NoError(t, err)
	assert.Equal(t, "found-1", client.accountID)
}

func TestServerErrorIsUpstream(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "down")
	})

	_, err := client.GetTick(context.Background(), "EUR_USD")
	require.Error(t, err)
	assert.Equal(t, errs.Upstream, errs.KindOf(err))
	assert.True(t, errs.Retryable(err))
	assert.Contains(t, err.Error(), "503")
}

func TestCreateMarketOrder(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v3/accounts/001-001/orders", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Order map[string]string `json:"order"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "MARKET", body.Order["type"])
		assert.Equal(t, "-250", body.Order["units"])
		assert.Equal(t, "FOK", body.Order["timeInForce"])

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"orderFillTransaction":{"id":"42","time":"2024-01-01T10:00:01Z",
			"instrument":"EUR_USD","units":"-250","price":"1.08500","tradeOpened":{"tradeID":"43"}}}`)
	})

	fill, err := client.CreateMarketOrder(context.Background(), "001-001", broker.MarketOrderRequest{
		Instrument: "EUR_USD",
		Units:      -250,
	})
	require.NoError(t, err)
	assert.Equal(t, "43", fill.TradeID)
	assert.Equal(t, -250.0, fill.Units)
	assert.Equal(t, 1.085, fill.Price)
}

func TestCreateMarketOrderCancelled(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"orderCancelTransaction":{"reason":"INSUFFICIENT_MARGIN"}}`)
	})

	_, err := client.CreateMarketOrder(context.Background(), "001-001", broker.MarketOrderRequest{Instrument: "EUR_USD", Units: 1})
	require.Error(t, err)
	assert.Equal(t, errs.Upstream, errs.KindOf(err))
	assert.Contains(t, err.Error(), "INSUFFICIENT_MARGIN")

	_, err = client.CreateMarketOrder(context.Background(), "001-001", broker.MarketOrderRequest{Instrument: "EUR_USD", Units: 0.2})
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestGetCandles_Success(t *testing.T) {
	mockResponse := candlesResponse{
		Instrument:  "EUR_USD",
		Granularity: "M5",
		Candles: []apiCandle{
			{
				Complete: true,
				Volume:   100,
				Time:     "2024-01-01T10:00:00.000000000Z",
				Mid:      candleData{O: "1.0850", H: "1.0860", L: "1.0840", C: "1.0855"},
			},
			{
				Complete: true,
				Volume:   150,
				Time:     "2024-01-01T10:05:00.000000000Z",
				Mid:      candleData{O: "1.0855", H: "1.0870", L: "1.0850", C: "1.0865"},
			},
			{
				Complete: false,
				Time:     "2024-01-01T10:10:00.000000000Z",
				Mid:      candleData{O: "1.0865", H: "1.0866", L: "1.0864", C: "1.0865"},
			},
		},
	}

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/instruments/EUR_USD/candles", r.URL.Path)
		assert.Equal(t, "M", r.URL.Query().Get("price"))
		assert.Equal(t, "M5", r.URL.Query().Get("granularity"))
		assert.Equal(t, "100", r.URL.Query().Get("count"))
		_ = json.NewEncoder(w).Encode(mockResponse)
	})

	candles, err := client.GetCandles(context.Background(), broker.CandlesRequest{
		Instrument:  "EUR_USD",
		Granularity: market.M5,
		Count:       100,
	})
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 1.085, candles[0].Open)
	assert.Equal(t, 1.0865, candles[1].Close)
	assert.Equal(t, 150.0, candles[1].Volume)
}

func TestGetCandles_TimeRange(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "2024-01-01T00:00:00Z", q.Get("from"))
		assert.Equal(t, "2024-01-02T00:00:00Z", q.Get("to"))
		assert.Empty(t, q.Get("count"))
		_, _ = io.WriteString(w, `{"candles":[]}`)
	})

	candles, err := client.GetCandles(context.Background(), broker.CandlesRequest{
		Instrument:  "EUR_USD",
		Granularity: market.H1,
		From:        &from,
		To:          &to,
	})
	require.NoError(t, err)
	assert.Empty(t, candles)
}

func TestGetCandles_Validation(t *testing.T) {
	client := NewClient("x", true)

	_, err := client.GetCandles(context.Background(), broker.CandlesRequest{})
	assert.Equal(t, errs.Validation, errs.KindOf(err))

	_, err = client.GetCandles(context.Background(), broker.CandlesRequest{Instrument: "EUR_USD", Count: 5001})
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestGetCandles_BadPrice(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"candles":[{"complete":true,"time":"2024-01-01T10:00:00Z","mid":{"o":"x","h":"1","l":"1","c":"1"}}]}`)
	})

	_, err := client.GetCandles(context.Background(), broker.CandlesRequest{Instrument: "EUR_USD", Count: 1})
	require.Error(t, err)
	assert.Equal(t, errs.Upstream, errs.KindOf(err))
}
