package bybit

import (
	"bytes"
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
	"time"

	"golang.org/x/time/rate"
)

// Config holds Bybit V5 credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client talks to the Bybit V5 unified trading REST API for linear
// (USDT perpetual) contracts.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a Bybit V5 client.
func NewClient(cfg Config) *Client {
	base := "https://api.bybit.com"
	if cfg.Testnet {
		base = "https://api-testnet.bybit.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 10), // 10 req/s per V5 guidance
	}
}

// SetBaseURL overrides the API host; tests point it at a local server.
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

// ServerTime is the connectivity probe used at startup.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.do(ctx, http.MethodGet, "/v5/market/time", nil, nil, false)
	if err != nil {
		return time.Time{}, err
	}
	var res struct {
		TimeSecond string `json:"timeSecond"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return time.Time{}, fmt.Errorf("decode server time: %w", err)
	}
	sec, err := strconv.ParseInt(res.TimeSecond, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse server time %q: %w", res.TimeSecond, err)
	}
	return time.Unix(sec, 0), nil
}

// PlaceOrder submits an order. The caller's ClientOrderID becomes the
// orderLinkId; the exchange rejects a reused id.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (OrderAck, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return OrderAck{}, ErrMissingCredentials
	}
	payload := map[string]any{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        req.Side,
		"orderType":   req.OrderType,
		"qty":         formatFloat(req.Qty),
		"orderLinkId": req.ClientOrderID,
		"positionIdx": req.PositionIdx,
	}
	if req.OrderType == "Limit" {
		payload["price"] = formatFloat(req.Price)
	}
	if req.StopLoss > 0 {
		payload["stopLoss"] = formatFloat(req.StopLoss)
	}
	if req.TakeProfit > 0 {
		payload["takeProfit"] = formatFloat(req.TakeProfit)
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}

	body, err := c.do(ctx, http.MethodPost, "/v5/order/create", nil, payload, true)
	if err != nil {
		return OrderAck{}, err
	}
	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return OrderAck{}, fmt.Errorf("decode place order: %w", err)
	}
	return OrderAck{OrderID: res.OrderID, ClientOrderID: res.OrderLinkID}, nil
}

// SetTradingStop moves SL/TP on the open position. TakeProfit 0 is sent
// as "0", which cancels the take profit on the exchange.
func (c *Client) SetTradingStop(ctx context.Context, req TradingStopRequest) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return ErrMissingCredentials
	}
	payload := map[string]any{
		"category":    "linear",
		"symbol":      req.Symbol,
		"positionIdx": req.PositionIdx,
		"takeProfit":  formatFloat(req.TakeProfit),
	}
	if req.StopLoss > 0 {
		payload["stopLoss"] = formatFloat(req.StopLoss)
	}
	_, err := c.do(ctx, http.MethodPost, "/v5/position/trading-stop", nil, payload, true)
	return err
}

// Position returns the current exposure for a symbol; a zero Size means
// flat.
func (c *Client) Position(ctx context.Context, symbol string) (Position, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return Position{}, ErrMissingCredentials
	}
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", symbol)
	body, err := c.do(ctx, http.MethodGet, "/v5/position/list", q, nil, true)
	if err != nil {
		return Position{}, err
	}
	var res struct {
		List []struct {
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			Size        string `json:"size"`
			AvgPrice    string `json:"avgPrice"`
			PositionIdx int    `json:"positionIdx"`
			StopLoss    string `json:"stopLoss"`
			TakeProfit  string `json:"takeProfit"`
		} `json:"list"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return Position{}, fmt.Errorf("decode position list: %w", err)
	}
	for _, p := range res.List {
		size := toFloat(p.Size)
		if size > 0 {
			return Position{
				Symbol:      p.Symbol,
				Size:        size,
				Side:        p.Side,
				AvgPrice:    toFloat(p.AvgPrice),
				PositionIdx: p.PositionIdx,
				StopLoss:    toFloat(p.StopLoss),
				TakeProfit:  toFloat(p.TakeProfit),
			}, nil
		}
	}
	return Position{Symbol: symbol}, nil
}

// WalletBalance returns the available balance for a coin on the
// derivatives account.
func (c *Client) WalletBalance(ctx context.Context, coin string) (float64, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return 0, ErrMissingCredentials
	}
	q := url.Values{}
	q.Set("accountType", "CONTRACT")
	body, err := c.do(ctx, http.MethodGet, "/v5/account/wallet-balance", q, nil, true)
	if err != nil {
		return 0, err
	}
	var res struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode wallet balance: %w", err)
	}
	for _, acct := range res.List {
		for _, entry := range acct.Coin {
			if entry.Coin == coin {
				return toFloat(entry.AvailableToWithdraw), nil
			}
		}
	}
	return 0, nil
}

// LastPrice returns the latest traded price for a symbol.
func (c *Client) LastPrice(ctx context.Context, symbol string) (float64, error) {
	t, err := c.ticker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return t.lastPrice, nil
}

// FundingRate returns the current funding rate for a symbol.
func (c *Client) FundingRate(ctx context.Context, symbol string) (float64, error) {
	t, err := c.ticker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return t.fundingRate, nil
}

type tickerInfo struct {
	lastPrice   float64
	fundingRate float64
}

func (c *Client) ticker(ctx context.Context, symbol string) (tickerInfo, error) {
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", symbol)
	body, err := c.do(ctx, http.MethodGet, "/v5/market/tickers", q, nil, false)
	if err != nil {
		return tickerInfo{}, err
	}
	var res struct {
		List []struct {
			LastPrice   string `json:"lastPrice"`
			FundingRate string `json:"fundingRate"`
		} `json:"list"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return tickerInfo{}, fmt.Errorf("decode tickers: %w", err)
	}
	if len(res.List) == 0 {
		return tickerInfo{}, &APIError{Msg: "empty ticker list for " + symbol}
	}
	return tickerInfo{
		lastPrice:   toFloat(res.List[0].LastPrice),
		fundingRate: toFloat(res.List[0].FundingRate),
	}, nil
}

// do signs and sends a request, unwraps the V5 envelope and returns the
// raw result payload. Non-zero retCode and HTTP failures become APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, signed bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	endpoint := c.baseURL + path
	rawQuery := ""
	if query != nil {
		rawQuery = query.Encode()
		endpoint += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	if len(bodyBytes) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	if signed {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		recv := strconv.FormatInt(c.cfg.RecvWindow, 10)
		signPayload := rawQuery
		if method != http.MethodGet {
			signPayload = string(bodyBytes)
		}
		req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", recv)
		req.Header.Set("X-BAPI-SIGN", sign(ts+c.cfg.APIKey+recv+signPayload, c.cfg.APISecret))
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	respBody, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 500 || res.StatusCode == 429 {
		return nil, &APIError{HTTPStatus: res.StatusCode, Msg: string(respBody)}
	}

	var envelope struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	if envelope.RetCode != 0 {
		return nil, &APIError{RetCode: envelope.RetCode, HTTPStatus: res.StatusCode, Msg: envelope.RetMsg}
	}
	return envelope.Result, nil
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
