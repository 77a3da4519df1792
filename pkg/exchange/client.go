package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// category is the v5 product line for USDT perpetuals.
const category = "linear"

const maxBodyBytes = 1 << 20

// Config describes one credential on one endpoint.
type Config struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	RecvWindow int64         // ms
	Timeout    time.Duration // per call
	TimeSync   *TimeSync     // shared per endpoint; nil uses local time
	HTTPClient *http.Client
}

// Client talks to one v5 endpoint with one credential.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	signer  *Signer
	clock   *TimeSync
	limits  *RateLimitTracker
	log     *zap.Logger
}

// NewClient builds a client; the http.Client is shared when provided.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		timeout: cfg.Timeout,
		signer:  NewSigner(cfg.APIKey, cfg.APISecret, cfg.RecvWindow),
		clock:   cfg.TimeSync,
		limits:  NewRateLimitTracker(),
		log:     log,
	}
}

// Endpoint returns the base URL this client talks to.
func (c *Client) Endpoint() string { return c.baseURL }

// Limits exposes the quota tracker for the admission lane.
func (c *Client) Limits() *RateLimitTracker { return c.limits }

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// ServerTime fetches venue time in milliseconds (public endpoint).
func ServerTime(ctx context.Context, hc *http.Client, baseURL string) (int64, error) {
	c := &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc, timeout: 10 * time.Second,
		limits: NewRateLimitTracker(), log: zap.NewNop()}
	var res struct {
		TimeSecond string `json:"timeSecond"`
		TimeNano   string `json:"timeNano"`
	}
	if err := c.do(ctx, http.MethodGet, "/v5/market/time", nil, nil, false, &res); err != nil {
		return 0, err
	}
	if nano, err := strconv.ParseInt(res.TimeNano, 10, 64); err == nil && nano > 0 {
		return nano / int64(time.Millisecond), nil
	}
	sec, err := strconv.ParseInt(res.TimeSecond, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse server time: %w", err)
	}
	return sec * 1000, nil
}

// PlaceOrder submits a market order.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	body := map[string]any{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   "Market",
		"qty":         req.Qty.String(),
		"orderLinkId": req.ClientOrderID,
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v5/order/create", nil, body, true, &res); err != nil {
		return nil, err
	}
	return &OrderResult{
		ExchangeOrderID: res.OrderID,
		ClientOrderID:   res.OrderLinkID,
		Status:          StatusNew,
	}, nil
}

type orderRow struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
}

// GetOrder looks an order up by client order id.
func (c *Client) GetOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)
	q.Set("orderLinkId", clientOrderID)

	var res struct {
		List []orderRow `json:"list"`
	}
	if err := c.do(ctx, http.MethodGet, "/v5/order/realtime", q, nil, true, &res); err != nil {
		return nil, err
	}
	if len(res.List) == 0 {
		return &OrderResult{ClientOrderID: clientOrderID, Status: StatusUnknown}, nil
	}
	row := res.List[0]
	return &OrderResult{
		ExchangeOrderID: row.OrderID,
		ClientOrderID:   row.OrderLinkID,
		Status:          mapStatus(row.OrderStatus),
		FilledQty:       parseDecimal(row.CumExecQty),
		AvgPrice:        parseDecimal(row.AvgPrice),
	}, nil
}

type positionRow struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Size     string `json:"size"`
	AvgPrice string `json:"avgPrice"`
}

func (r positionRow) info() PositionInfo {
	return PositionInfo{
		Symbol:   r.Symbol,
		Side:     Side(r.Side),
		Size:     parseDecimal(r.Size),
		AvgPrice: parseDecimal(r.AvgPrice),
	}
}

// GetPosition returns the venue's position on symbol (Size zero when flat).
func (c *Client) GetPosition(ctx context.Context, symbol string) (*PositionInfo, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)

	var res struct {
		List []positionRow `json:"list"`
	}
	if err := c.do(ctx, http.MethodGet, "/v5/position/list", q, nil, true, &res); err != nil {
		return nil, err
	}
	for _, row := range res.List {
		if !parseDecimal(row.Size).IsZero() {
			info := row.info()
			return &info, nil
		}
	}
	return &PositionInfo{Symbol: symbol, Size: decimal.Zero}, nil
}

// ListPositions returns every non-flat position settled in settleCoin.
func (c *Client) ListPositions(ctx context.Context, settleCoin string) ([]PositionInfo, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("settleCoin", settleCoin)

	var res struct {
		List []positionRow `json:"list"`
	}
	if err := c.do(ctx, http.MethodGet, "/v5/position/list", q, nil, true, &res); err != nil {
		return nil, err
	}
	out := make([]PositionInfo, 0, len(res.List))
	for _, row := range res.List {
		info := row.info()
		if !info.Flat() {
			out = append(out, info)
		}
	}
	return out, nil
}

// MarkPrice returns the current mark price (public endpoint).
func (c *Client) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)

	var res struct {
		List []struct {
			Symbol    string `json:"symbol"`
			MarkPrice string `json:"markPrice"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := c.do(ctx, http.MethodGet, "/v5/market/tickers", q, nil, false, &res); err != nil {
		return decimal.Zero, err
	}
	if len(res.List) == 0 {
		return decimal.Zero, &Error{Class: ClassDomain, Message: "no ticker for " + symbol}
	}
	price := parseDecimal(res.List[0].MarkPrice)
	if price.IsZero() {
		price = parseDecimal(res.List[0].LastPrice)
	}
	if !price.IsPositive() {
		return decimal.Zero, &Error{Class: ClassTransient, Message: "empty mark price for " + symbol}
	}
	return price, nil
}

// WalletBalance returns the wallet balance of coin in the unified account.
func (c *Client) WalletBalance(ctx context.Context, coin string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")
	q.Set("coin", coin)

	var res struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := c.do(ctx, http.MethodGet, "/v5/account/wallet-balance", q, nil, true, &res); err != nil {
		return decimal.Zero, err
	}
	for _, acct := range res.List {
		for _, cb := range acct.Coin {
			if strings.EqualFold(cb.Coin, coin) {
				return parseDecimal(cb.WalletBalance), nil
			}
		}
	}
	return decimal.Zero, nil
}

// Ping checks connectivity through the public time endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := ServerTime(ctx, c.http, c.baseURL)
	return err
}

// do executes one request and decodes the v5 envelope into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, signed bool, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if wait := c.limits.Wait(); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return transportError(ctx.Err())
		case <-timer.C:
		}
	}

	endpoint := c.baseURL + path
	var payload string
	var reader io.Reader
	if method == http.MethodGet {
		payload = query.Encode()
		if payload != "" {
			endpoint += "?" + payload
		}
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		payload = string(raw)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		c.signer.Apply(req.Header, c.clock.Now(), payload)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	c.limits.Update(resp.Header)
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return transportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return &Error{Class: classifyStatus(resp.StatusCode), HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Class: ClassTransient, HTTPStatus: resp.StatusCode, Message: "malformed response", Err: err}
	}
	if env.RetCode != 0 {
		class := classifyCode(env.RetCode, env.RetMsg)
		if env.RetCode == codeTimestampWindow && c.clock != nil {
			go func() {
				syncCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
				defer cancel()
				if err := c.clock.Sync(syncCtx); err != nil {
					c.log.Warn("time resync failed", zap.Error(err))
				}
			}()
		}
		return &Error{Class: class, HTTPStatus: resp.StatusCode, Code: env.RetCode, Message: env.RetMsg}
	}

	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", path, err)
	}
	return nil
}

func mapStatus(s string) OrderStatus {
	switch s {
	case "New", "Untriggered", "Created":
		return StatusNew
	case "PartiallyFilled":
		return StatusPartial
	case "Filled":
		return StatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return StatusCanceled
	case "Rejected":
		return StatusRejected
	}
	return StatusUnknown
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
