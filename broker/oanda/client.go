// Package oanda implements broker.Broker against the OANDA v20 REST API.
package oanda

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rustyeddy/strategylab/broker"
	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/market"
	"github.com/rustyeddy/strategylab/telemetry"
	"golang.org/x/time/rate"
)

const (
	// PracticeURL is the URL for OANDA's practice/demo environment
	PracticeURL = "https://api-fxpractice.oanda.com"
	// LiveURL is the URL for OANDA's live trading environment
	LiveURL = "https://api-fxtrade.oanda.com"

	maxCandles = 5000
)

var (
	_ broker.Broker       = (*Client)(nil)
	_ broker.CandleSource = (*Client)(nil)
)

// Config describes how to reach OANDA.
type Config struct {
	Token    string
	Practice bool
	// AccountID is used for pricing. When empty the first account the
	// token can see is used.
	AccountID string
	// RequestsPerSecond caps outbound calls; zero means unlimited.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// Client represents an OANDA API client
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu        sync.Mutex
	accountID string
}

// NewClient creates a new OANDA API client
func NewClient(token string, practice bool) *Client {
	return New(Config{Token: token, Practice: practice})
}

func New(cfg Config) *Client {
	baseURL := LiveURL
	if cfg.Practice {
		baseURL = PracticeURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		accountID:  cfg.AccountID,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
	}
}

type apiError struct {
	ErrorMessage string `json:"errorMessage"`
}

// do sends one request and decodes the JSON response into out. 404 maps to
// NotFound; any other failure is Upstream.
func (c *Client) do(ctx context.Context, endpoint, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.UpstreamErr(err, "oanda "+endpoint)
	}

	apiURL := c.baseURL + path
	if len(query) > 0 {
		apiURL += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.ObserveBrokerRequest(endpoint, "error")
		return errs.UpstreamErr(err, "oanda "+endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		telemetry.ObserveBrokerRequest(endpoint, strconv.Itoa(resp.StatusCode))
		raw, _ := io.ReadAll(resp.Body)
		msg := string(raw)
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.ErrorMessage != "" {
			msg = ae.ErrorMessage
		}
		if resp.StatusCode == http.StatusNotFound {
			return errs.NotFoundf("oanda %s: %s", endpoint, msg)
		}
		return errs.UpstreamErr(fmt.Errorf("API error (status %d): %s", resp.StatusCode, msg), "oanda "+endpoint)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		telemetry.ObserveBrokerRequest(endpoint, "decode")
		return errs.UpstreamErr(fmt.Errorf("decode response: %w", err), "oanda "+endpoint)
	}
	telemetry.ObserveBrokerRequest(endpoint, "ok")
	return nil
}

type apiAccount struct {
	ID                string  `json:"id"`
	Alias             string  `json:"alias"`
	Currency          string  `json:"currency"`
	Balance           float64 `json:"balance,string"`
	UnrealizedPL      float64 `json:"unrealizedPL,string"`
	NAV               float64 `json:"NAV,string"`
	MarginUsed        float64 `json:"marginUsed,string"`
	MarginAvailable   float64 `json:"marginAvailable,string"`
	PositionValue     float64 `json:"positionValue,string"`
	OpenTradeCount    int     `json:"openTradeCount"`
	OpenPositionCount int     `json:"openPositionCount"`
}

func (a apiAccount) account() broker.Account {
	return broker.Account{
		ID:                a.ID,
		Alias:             a.Alias,
		Currency:          a.Currency,
		Balance:           a.Balance,
		UnrealizedPL:      a.UnrealizedPL,
		NAV:               a.NAV,
		MarginUsed:        a.MarginUsed,
		MarginAvailable:   a.MarginAvailable,
		PositionValue:     a.PositionValue,
		OpenTradeCount:    a.OpenTradeCount,
		OpenPositionCount: a.OpenPositionCount,
	}
}

// ListAccounts returns a summary of every account the token can access.
func (c *Client) ListAccounts(ctx context.Context) ([]broker.Account, error) {
	var resp struct {
		Accounts []struct {
			ID string `json:"id"`
		} `json:"accounts"`
	}
	if err := c.do(ctx, "accounts", http.MethodGet, "/v3/accounts", nil, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]broker.Account, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		acct, err := c.GetAccount(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, nil
}

func (c *Client) GetAccount(ctx context.Context, accountID string) (broker.Account, error) {
	if accountID == "" {
		return broker.Account{}, errs.Validationf("account id is required")
	}
	var resp struct {
		Account apiAccount `json:"account"`
	}
	path := "/v3/accounts/" + url.PathEscape(accountID) + "/summary"
	if err := c.do(ctx, "account_summary", http.MethodGet, path, nil, nil, &resp); err != nil {
		return broker.Account{}, err
	}
	return resp.Account.account(), nil
}

func (c *Client) pricingAccount(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.accountID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}

	var resp struct {
		Accounts []struct {
			ID string `json:"id"`
		} `json:"accounts"`
	}
	if err := c.do(ctx, "accounts", http.MethodGet, "/v3/accounts", nil, nil, &resp); err != nil {
		return "", err
	}
	if len(resp.Accounts) == 0 {
		return "", errs.UpstreamErr(errors.New("no accounts visible to token"), "oanda pricing")
	}

	c.mu.Lock()
	c.accountID = resp.Accounts[0].ID
	c.mu.Unlock()
	return resp.Accounts[0].ID, nil
}

// GetTick returns the current closeout bid and ask for an instrument.
func (c *Client) GetTick(ctx context.Context, instrument string) (market.Tick, error) {
	acct, err := c.pricingAccount(ctx)
	if err != nil {
		return market.Tick{}, err
	}

	var resp struct {
		Prices []struct {
			Instrument  string    `json:"instrument"`
			Time        time.Time `json:"time"`
			CloseoutBid float64   `json:"closeoutBid,string"`
			CloseoutAsk float64   `json:"closeoutAsk,string"`
		} `json:"prices"`
	}
	q := url.Values{"instruments": {instrument}}
	path := "/v3/accounts/" + url.PathEscape(acct) + "/pricing"
	if err := c.do(ctx, "pricing", http.MethodGet, path, q, nil, &resp); err != nil {
		return market.Tick{}, err
	}
	if len(resp.Prices) == 0 {
		return market.Tick{}, errs.UpstreamErr(fmt.Errorf("no price for %s", instrument), "oanda pricing")
	}

	p := resp.Prices[0]
	return market.Tick{
		Instrument: instrument,
		Time:       p.Time,
		Bid:        p.CloseoutBid,
		Ask:        p.CloseoutAsk,
	}, nil
}

type orderFillTransaction struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	Instrument  string    `json:"instrument"`
	Units       float64   `json:"units,string"`
	Price       float64   `json:"price,string"`
	TradeOpened *struct {
		TradeID string `json:"tradeID"`
	} `json:"tradeOpened"`
	TradeReduced *struct {
		TradeID string `json:"tradeID"`
	} `json:"tradeReduced"`
	TradesClosed []struct {
		TradeID string `json:"tradeID"`
	} `json:"tradesClosed"`
}

func (t orderFillTransaction) tradeID() string {
	switch {
	case t.TradeOpened != nil:
		return t.TradeOpened.TradeID
	case t.TradeReduced != nil:
		return t.TradeReduced.TradeID
	case len(t.TradesClosed) > 0:
		return t.TradesClosed[0].TradeID
	}
	return t.ID
}

// CreateMarketOrder places a fill-or-kill market order. Units are sent as
// a whole number.
func (c *Client) CreateMarketOrder(ctx context.Context, accountID string, req broker.MarketOrderRequest) (broker.OrderFill, error) {
	units := strconv.FormatFloat(req.Units, 'f', 0, 64)
	if units == "0" || units == "-0" {
		return broker.OrderFill{}, errs.Validationf("order units must be non-zero")
	}

	body := map[string]any{
		"order": map[string]string{
			"type":         "MARKET",
			"instrument":   req.Instrument,
			"units":        units,
			"timeInForce":  "FOK",
			"positionFill": "DEFAULT",
		},
	}
	var resp struct {
		OrderFillTransaction   *orderFillTransaction `json:"orderFillTransaction"`
		OrderCancelTransaction *struct {
			Reason string `json:"reason"`
		} `json:"orderCancelTransaction"`
	}
	path := "/v3/accounts/" + url.PathEscape(accountID) + "/orders"
	if err := c.do(ctx, "orders", http.MethodPost, path, nil, body, &resp); err != nil {
		return broker.OrderFill{}, err
	}

	if resp.OrderFillTransaction == nil {
		reason := "no fill"
		if resp.OrderCancelTransaction != nil {
			reason = resp.OrderCancelTransaction.Reason
		}
		return broker.OrderFill{}, errs.UpstreamErr(fmt.Errorf("order cancelled: %s", reason), "oanda orders")
	}

	f := resp.OrderFillTransaction
	inst := f.Instrument
	if inst == "" {
		inst = req.Instrument
	}
	return broker.OrderFill{
		TradeID:    f.tradeID(),
		Instrument: inst,
		Units:      f.Units,
		Price:      f.Price,
		Time:       f.Time,
	}, nil
}

// candleData represents the OHLC data in the API response
type candleData struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

// apiCandle represents a single candle in the API response
type apiCandle struct {
	Complete bool       `json:"complete"`
	Volume   int        `json:"volume"`
	Time     string     `json:"time"`
	Mid      candleData `json:"mid"`
}

// candlesResponse represents the API response for candles
type candlesResponse struct {
	Instrument  string      `json:"instrument"`
	Granularity string      `json:"granularity"`
	Candles     []apiCandle `json:"candles"`
}

// GetCandles fetches completed mid candles. Incomplete candles are skipped.
func (c *Client) GetCandles(ctx context.Context, req broker.CandlesRequest) ([]market.Candle, error) {
	if req.Instrument == "" {
		return nil, errs.Validationf("instrument is required")
	}

	params := url.Values{}
	params.Set("price", "M")
	if req.Granularity == "" {
		req.Granularity = market.M5
	}
	params.Set("granularity", string(req.Granularity))

	if req.Count > 0 {
		if req.Count > maxCandles {
			return nil, errs.Validationf("count cannot exceed %d", maxCandles)
		}
		params.Set("count", strconv.Itoa(req.Count))
	} else {
		if req.From != nil {
			params.Set("from", req.From.UTC().Format(time.RFC3339))
		}
		if req.To != nil {
			params.Set("to", req.To.UTC().Format(time.RFC3339))
		}
	}

	var apiResp candlesResponse
	path := "/v3/instruments/" + url.PathEscape(req.Instrument) + "/candles"
	if err := c.do(ctx, "candles", http.MethodGet, path, params, nil, &apiResp); err != nil {
		return nil, err
	}

	candles := make([]market.Candle, 0, len(apiResp.Candles))
	for _, ac := range apiResp.Candles {
		if !ac.Complete {
			continue
		}
		cdl, err := ac.candle()
		if err != nil {
			return nil, errs.UpstreamErr(err, "oanda candles")
		}
		candles = append(candles, cdl)
	}
	return candles, nil
}

func (ac apiCandle) candle() (market.Candle, error) {
	t, err := time.Parse(time.RFC3339, ac.Time)
	if err != nil {
		return market.Candle{}, fmt.Errorf("parse time %s: %w", ac.Time, err)
	}
	var px [4]float64
	for i, s := range []string{ac.Mid.O, ac.Mid.H, ac.Mid.L, ac.Mid.C} {
		if px[i], err = strconv.ParseFloat(s, 64); err != nil {
			return market.Candle{}, fmt.Errorf("parse price %q: %w", s, err)
		}
	}
	return market.Candle{
		Time:   t,
		Open:   px[0],
		High:   px[1],
		Low:    px[2],
		Close:  px[3],
		Volume: float64(ac.Volume),
	}, nil
}
