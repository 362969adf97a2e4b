package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"croupier_bot/internal/helper"
	"croupier_bot/internal/models"
)

const okxBaseURL = "https://www.okx.com"

// OkxConnector is the live venue connector. Wire details live here and only
// here; resilience is the adapter's job.
type OkxConnector struct {
	http      *http.Client
	baseURL   string
	apiKey    string
	apiSecret string
	passph    string

	feed    *Feed
	updates chan OrderUpdate
}

func NewOkxConnector(baseURL, apiKey, apiSecret, passphrase string) *OkxConnector {
	if baseURL == "" {
		baseURL = okxBaseURL
	}
	c := &OkxConnector{
		http:      &http.Client{Timeout: 10 * time.Second},
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		passph:    passphrase,
		updates:   make(chan OrderUpdate, 256),
	}
	return c
}

// AttachFeed hands the websocket feed to the connector so Connect/Disconnect
// manage its lifecycle and user-data events land in Updates().
func (c *OkxConnector) AttachFeed(feed *Feed) { c.feed = feed }

func (c *OkxConnector) Updates() <-chan OrderUpdate { return c.updates }

func (c *OkxConnector) Connect(ctx context.Context) error {
	if c.feed != nil {
		return c.feed.Start(ctx, c.updates)
	}
	return nil
}

func (c *OkxConnector) Disconnect(ctx context.Context) error {
	if c.feed != nil {
		c.feed.Stop()
	}
	return nil
}

func (c *OkxConnector) sign(ts, method, requestPath, body string) string {
	msg := ts + strings.ToUpper(method) + requestPath + body
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (c *OkxConnector) do(ctx context.Context, method, requestPath, body string) ([]byte, error) {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("OK-ACCESS-KEY", c.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", c.sign(ts, method, requestPath, body))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.passph)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Op: method + " " + requestPath}
		}
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	rb, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{Msg: string(rb), RetryAfter: retryAfterHeader(resp)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Msg: string(rb)}
	case resp.StatusCode/100 == 5:
		return nil, &ServerError{Status: resp.StatusCode, Body: string(rb)}
	case resp.StatusCode/100 != 2:
		return nil, &ValidationError{Msg: fmt.Sprintf("http %d: %s", resp.StatusCode, string(rb))}
	}
	return rb, nil
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	if te, ok := err.(timeout); ok && te.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// classifyOkxCode maps venue-level rejection codes onto the error taxonomy.
func classifyOkxCode(sCode, sMsg string) error {
	switch sCode {
	case "51008", "51119", "59200":
		return &InsufficientFundsError{Msg: sMsg}
	case "50011":
		return &RateLimitError{Msg: sMsg}
	case "50113", "50114":
		return &AuthError{Msg: sMsg}
	case "51400", "51401", "51402", "51503":
		// cancel/amend on an order that is already gone
		return &ExchangeStateError{Msg: sMsg}
	}
	return &ValidationError{Msg: "sCode=" + sCode + " " + sMsg}
}

func (c *OkxConnector) ExecuteOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	body := map[string]string{
		"instId":  o.Symbol,
		"tdMode":  "cross",
		"ordType": "market",
		"sz":      helper.FormatSize(o.Quantity),
		"clOrdId": o.ClientOrderID,
	}
	switch o.Kind {
	case models.OrderKindMain:
		if o.Side == models.SideLong {
			body["side"], body["posSide"] = "buy", "long"
		} else {
			body["side"], body["posSide"] = "sell", "short"
		}
	default:
		// protective legs are conditional closing orders
		body["ordType"] = "conditional"
		body["reduceOnly"] = "true"
		if o.Side == models.SideLong {
			body["side"], body["posSide"] = "sell", "long"
		} else {
			body["side"], body["posSide"] = "buy", "short"
		}
		if o.Kind == models.OrderKindTakeProfit {
			body["tpTriggerPx"] = helper.FormatPrice(o.Price)
			body["tpOrdPx"] = "-1"
			body["tpTriggerPxType"] = "last"
		} else {
			body["slTriggerPx"] = helper.FormatPrice(o.Price)
			body["slOrdPx"] = "-1"
			body["slTriggerPxType"] = "last"
		}
	}

	payload, err := sonic.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ExecuteOrder marshal: %w", err)
	}
	path := "/api/v5/trade/order"
	if o.Kind != models.OrderKindMain {
		path = "/api/v5/trade/order-algo"
	}
	data, err := c.do(ctx, http.MethodPost, path, string(payload))
	if err != nil {
		return nil, err
	}

	var r okxOrderResp
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("ExecuteOrder decode: %w; body=%s", err, string(data))
	}
	if len(r.Data) == 0 {
		return nil, &ExchangeStateError{Msg: "empty order response: " + string(data)}
	}
	if r.Code != "0" || r.Data[0].SCode != "0" {
		return nil, classifyOkxCode(r.Data[0].SCode, r.Data[0].SMsg+" "+r.Msg)
	}

	res := *o
	res.ID = r.Data[0].OrdID
	if res.ID == "" {
		res.ID = r.Data[0].AlgoID
	}
	res.Status = models.OrderStatusOpen
	return &res, nil
}

func (c *OkxConnector) CancelOrder(ctx context.Context, id, symbol string) error {
	body := []map[string]string{{"instId": symbol, "ordId": id}}
	payload, _ := sonic.Marshal(body)

	data, err := c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order", string(payload))
	if err != nil {
		return err
	}
	var r okxOrderResp
	_ = sonic.Unmarshal(data, &r)
	if r.Code != "0" {
		if len(r.Data) > 0 {
			return classifyOkxCode(r.Data[0].SCode, r.Data[0].SMsg)
		}
		return &ValidationError{Msg: "cancel reject: " + string(data)}
	}
	return nil
}

func (c *OkxConnector) FetchOrder(ctx context.Context, id, symbol string) (*models.Order, error) {
	path := fmt.Sprintf("/api/v5/trade/order?instId=%s&ordId=%s", symbol, id)
	data, err := c.do(ctx, http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}
	var r okxOrderDetailResp
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("FetchOrder decode: %w", err)
	}
	if r.Code != "0" || len(r.Data) == 0 {
		return nil, &ExchangeStateError{Msg: fmt.Sprintf("order %s not found: code=%s msg=%s", id, r.Code, r.Msg)}
	}
	return r.Data[0].toOrder(), nil
}

func (c *OkxConnector) FetchOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	path := "/api/v5/trade/orders-pending"
	if symbol != "" {
		path += "?instId=" + symbol
	}
	data, err := c.do(ctx, http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}
	var r okxOrderDetailResp
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("FetchOpenOrders decode: %w", err)
	}
	if r.Code != "0" {
		return nil, &ValidationError{Msg: "orders-pending: code=" + r.Code + " msg=" + r.Msg}
	}
	res := make([]models.Order, 0, len(r.Data))
	for _, d := range r.Data {
		res = append(res, *d.toOrder())
	}
	return res, nil
}

func (c *OkxConnector) FetchPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	path := "/api/v5/account/positions"
	if symbol != "" {
		path += "?instId=" + symbol
	}
	data, err := c.do(ctx, http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}
	var r okxPositionsResp
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("FetchPositions decode: %w", err)
	}
	if r.Code != "0" {
		return nil, &ValidationError{Msg: "positions: code=" + r.Code + " msg=" + r.Msg}
	}
	res := make([]models.Position, 0, len(r.Data))
	for _, d := range r.Data {
		pos, _ := strconv.ParseFloat(d.Pos, 64)
		if pos == 0 {
			continue
		}
		avgPx, _ := strconv.ParseFloat(d.AvgPx, 64)
		lev, _ := strconv.Atoi(d.Lever)
		side := models.SideLong
		if d.PosSide == "short" {
			side = models.SideShort
		}
		res = append(res, models.Position{
			Symbol:     d.InstID,
			Side:       side,
			Size:       pos,
			EntryPrice: avgPx,
			Leverage:   lev,
			Mode:       models.ExecModeLive,
		})
	}
	return res, nil
}

func (c *OkxConnector) FetchBalance(ctx context.Context) (models.Balance, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v5/account/balance?ccy=USDT", "")
	if err != nil {
		return models.Balance{}, err
	}
	var r okxBalanceResp
	if err := sonic.Unmarshal(data, &r); err != nil {
		return models.Balance{}, fmt.Errorf("FetchBalance decode: %w", err)
	}
	if r.Code != "0" || len(r.Data) == 0 {
		return models.Balance{}, &ValidationError{Msg: "balance: code=" + r.Code + " msg=" + r.Msg}
	}
	total, _ := strconv.ParseFloat(r.Data[0].TotalEq, 64)
	avail := total
	if len(r.Data[0].Details) > 0 {
		avail, _ = strconv.ParseFloat(r.Data[0].Details[0].AvailEq, 64)
	}
	return models.Balance{Total: total, Available: avail}, nil
}

func (c *OkxConnector) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v5/market/ticker?instId="+symbol, "")
	if err != nil {
		return 0, err
	}
	var r okxTickerResp
	if err := sonic.Unmarshal(data, &r); err != nil {
		return 0, fmt.Errorf("GetCurrentPrice decode: %w", err)
	}
	if r.Code != "0" || len(r.Data) == 0 {
		return 0, &ValidationError{Msg: "ticker: code=" + r.Code + " msg=" + r.Msg}
	}
	px, _ := strconv.ParseFloat(r.Data[0].Last, 64)
	if px <= 0 {
		return 0, &ExchangeStateError{Msg: "ticker returned zero price for " + symbol}
	}
	return px, nil
}

func (c *OkxConnector) CancelAllOrders(ctx context.Context, symbol string) error {
	open, err := c.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	reqs := make([]map[string]string, 0, len(open))
	for _, o := range open {
		reqs = append(reqs, map[string]string{"instId": o.Symbol, "ordId": o.ID})
	}
	if len(reqs) == 0 {
		return nil
	}
	payload, _ := sonic.Marshal(reqs)
	data, err := c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-batch-orders", string(payload))
	if err != nil {
		return err
	}
	var r okxOrderResp
	_ = sonic.Unmarshal(data, &r)
	if r.Code != "0" {
		return &ValidationError{Msg: "cancel-batch reject: " + string(data)}
	}
	return nil
}

func (c *OkxConnector) ClosePosition(ctx context.Context, symbol string) error {
	for _, posSide := range []string{"long", "short"} {
		body := map[string]string{
			"instId":  symbol,
			"mgnMode": "cross",
			"posSide": posSide,
		}
		payload, _ := sonic.Marshal(body)
		data, err := c.do(ctx, http.MethodPost, "/api/v5/trade/close-position", string(payload))
		if err != nil {
			return err
		}
		var r okxOrderResp
		_ = sonic.Unmarshal(data, &r)
		// 51023: no position on this side, nothing to close
		if r.Code != "0" && r.Code != "51023" {
			return &ValidationError{Msg: "close-position reject: " + string(data)}
		}
	}
	return nil
}
