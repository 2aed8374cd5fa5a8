// Package binance is a small REST client for Binance USDT-margined futures:
// public kline endpoints for backfills and the handful of signed endpoints
// the live loop needs. All requests go through the shared rate-limited,
// retrying HTTP wrapper.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Backtester/internal/config"
	"github.com/Alias1177/Backtester/internal/platform/httpclient"
	"github.com/Alias1177/Backtester/internal/resample"
	"github.com/Alias1177/Backtester/models"
)

const (
	mainnetBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	// Hard cap of the klines endpoint per request.
	maxKlinesPerCall = 1500
)

// Client calls the futures REST API.
type Client struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *httpclient.Client
	logger    zerolog.Logger
}

// NewClient builds a client from environment configuration. BINANCE_ENV
// selects mainnet or the futures testnet.
func NewClient(cfg *config.Env) *Client {
	baseURL := mainnetBaseURL
	if cfg.BinanceEnv == "testnet" {
		baseURL = testnetBaseURL
	}
	return &Client{
		apiKey:    cfg.BinanceAPIKey,
		apiSecret: cfg.BinanceAPISecret,
		baseURL:   baseURL,
		http: httpclient.New(httpclient.Options{
			Timeout:        time.Duration(cfg.RequestTimeout) * time.Second,
			RequestsPerSec: 5,
		}),
		logger: log.With().Str("component", "binance_client").Logger(),
	}
}

// apiInterval validates a timeframe against the intervals the API accepts.
func apiInterval(timeframe string) (string, error) {
	switch timeframe {
	case "1m", "5m", "15m", "1h", "4h", "1d":
		return timeframe, nil
	}
	return "", fmt.Errorf("unsupported timeframe: %s", timeframe)
}

// Klines fetches one page of klines. startMS/endMS of zero are omitted so
// the endpoint returns the most recent bars.
func (c *Client) Klines(ctx context.Context, symbol, timeframe string, startMS, endMS int64, limit int) ([]models.Kline, error) {
	interval, err := apiInterval(timeframe)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if startMS > 0 {
		params.Set("startTime", strconv.FormatInt(startMS, 10))
	}
	if endMS > 0 {
		params.Set("endTime", strconv.FormatInt(endMS, 10))
	}

	var raw [][]interface{}
	if err := c.get(ctx, "/fapi/v1/klines", params, &raw); err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}

	klines := make([]models.Kline, 0, len(raw))
	for _, item := range raw {
		k, err := parseKline(item)
		if err != nil {
			return nil, err
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// KlinesRange pages through [startMS, endMS] in maxKlinesPerCall batches,
// advancing the cursor past the last open time of each page. onProgress,
// when set, receives the running total after every page.
func (c *Client) KlinesRange(ctx context.Context, symbol, timeframe string, startMS, endMS int64, onProgress func(fetched int)) ([]models.Kline, error) {
	intervalMS, err := resample.IntervalMS(timeframe)
	if err != nil {
		return nil, err
	}

	var out []models.Kline
	cursor := startMS
	for cursor <= endMS {
		batch, err := c.Klines(ctx, symbol, timeframe, cursor, endMS, maxKlinesPerCall)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		cursor = batch[len(batch)-1].OpenTime + intervalMS
		if onProgress != nil {
			onProgress(len(out))
		}
		if len(batch) < maxKlinesPerCall {
			break
		}
	}
	return out, nil
}

// LatestKlines fetches the most recent bars without a time window.
func (c *Client) LatestKlines(ctx context.Context, symbol, timeframe string, limit int) ([]models.Kline, error) {
	return c.Klines(ctx, symbol, timeframe, 0, 0, limit)
}

// Balance is the USDT slice of the futures wallet.
type Balance struct {
	WalletUSDT    float64
	AvailableUSDT float64
}

// AccountBalance reads the futures wallet and picks out USDT.
func (c *Client) AccountBalance(ctx context.Context) (Balance, error) {
	var rows []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := c.getSigned(ctx, "/fapi/v2/balance", url.Values{}, &rows); err != nil {
		return Balance{}, fmt.Errorf("fetch account balance: %w", err)
	}
	for _, row := range rows {
		if row.Asset != "USDT" {
			continue
		}
		wallet, _ := strconv.ParseFloat(row.Balance, 64)
		available, _ := strconv.ParseFloat(row.AvailableBalance, 64)
		return Balance{WalletUSDT: wallet, AvailableUSDT: available}, nil
	}
	return Balance{}, nil
}

// Position is the current exposure in one symbol.
type Position struct {
	Amt        float64
	EntryPrice float64
	MarkPrice  float64
	Notional   float64
}

// PositionRisk reads the open position for a symbol; a flat book returns a
// zero Position.
func (c *Client) PositionRisk(ctx context.Context, symbol string) (Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var rows []struct {
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
		MarkPrice   string `json:"markPrice"`
	}
	if err := c.getSigned(ctx, "/fapi/v2/positionRisk", params, &rows); err != nil {
		return Position{}, fmt.Errorf("fetch position risk: %w", err)
	}
	if len(rows) == 0 {
		return Position{}, nil
	}
	amt, _ := strconv.ParseFloat(rows[0].PositionAmt, 64)
	entry, _ := strconv.ParseFloat(rows[0].EntryPrice, 64)
	mark, _ := strconv.ParseFloat(rows[0].MarkPrice, 64)
	return Position{Amt: amt, EntryPrice: entry, MarkPrice: mark, Notional: amt * mark}, nil
}

// Order is the acknowledgment of a placed order.
type Order struct {
	OrderID int64  `json:"orderId"`
	Symbol  string `json:"symbol"`
	Status  string `json:"status"`
	Side    string `json:"side"`
}

// PlaceMarketOrder submits a market order. reduceOnly closes exposure
// without ever flipping the position.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, reduceOnly bool) (Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}
	var order Order
	if err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params, &order); err != nil {
		return Order{}, fmt.Errorf("place order: %w", err)
	}
	c.logger.Info().
		Str("symbol", symbol).
		Str("side", side).
		Float64("qty", quantity).
		Int64("order_id", order.OrderID).
		Msg("order placed")
	return order, nil
}

// ServerTime reads the exchange clock, useful as a connectivity check.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	var payload struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.get(ctx, "/fapi/v1/time", url.Values{}, &payload); err != nil {
		return 0, fmt.Errorf("fetch server time: %w", err)
	}
	return payload.ServerTime, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, params.Encode(), false, out)
}

func (c *Client) getSigned(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.doSigned(ctx, http.MethodGet, path, params, out)
}

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))
	return c.do(ctx, method, path, query, true, out)
}

func (c *Client) do(ctx context.Context, method, path, query string, signed bool, out interface{}) error {
	reqURL := c.baseURL + path
	if query != "" {
		reqURL += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	return c.http.DoJSON(ctx, req, out)
}

// parseKline converts one raw kline array. Times arrive as JSON numbers,
// prices and volume as strings.
func parseKline(item []interface{}) (models.Kline, error) {
	var k models.Kline
	if len(item) < 7 {
		return k, fmt.Errorf("unexpected kline payload: %d fields", len(item))
	}
	openTime, ok := item[0].(float64)
	if !ok {
		return k, fmt.Errorf("unexpected kline open_time type %T", item[0])
	}
	closeTime, ok := item[6].(float64)
	if !ok {
		return k, fmt.Errorf("unexpected kline close_time type %T", item[6])
	}
	k.OpenTime = int64(openTime)
	k.CloseTime = int64(closeTime)

	for i, dst := range map[int]*float64{1: &k.Open, 2: &k.High, 3: &k.Low, 4: &k.Close, 5: &k.Volume} {
		s, ok := item[i].(string)
		if !ok {
			return k, fmt.Errorf("unexpected kline field %d type %T", i, item[i])
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return k, fmt.Errorf("parse kline field %d: %w", i, err)
		}
		*dst = v
	}
	return k, nil
}
