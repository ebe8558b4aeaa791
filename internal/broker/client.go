package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/justtrades/engine/internal/jterr"
	"github.com/justtrades/engine/internal/model"
)

// RESTClient is the default Client implementation. It never mixes bases:
// every request looks up the account's Environment through TokenSource and
// goes to the matching demo or live base (P6), so a single RESTClient serves
// accounts of both kinds concurrently.
type RESTClient struct {
	demoBase string
	liveBase string
	http     *http.Client
	dryRun   bool

	tokens TokenSource

	mu        sync.RWMutex
	contracts map[string]contractCacheEntry
}

// TokenSource resolves the current bearer token for an account — backed by
// C2's token cache so the client never re-implements token storage.
type TokenSource interface {
	AccessToken(accountID string) (string, bool)
	Environment(accountID string) model.Environment
	// RefreshNow forces an out-of-band token refresh, bypassing the token
	// cache's background scan — used once, after a 401, before the single
	// retry do() allows itself.
	RefreshNow(ctx context.Context, accountID string) (string, bool)
}

type contractCacheEntry struct {
	contract model.Contract
	cachedAt time.Time
}

const contractCacheTTL = time.Hour

func NewRESTClient(demoBase, liveBase string, tokens TokenSource, dryRun bool) *RESTClient {
	return &RESTClient{
		demoBase:  demoBase,
		liveBase:  liveBase,
		http:      &http.Client{Timeout: 10 * time.Second},
		dryRun:    dryRun,
		tokens:    tokens,
		contracts: make(map[string]contractCacheEntry),
	}
}

func (c *RESTClient) baseFor(accountID string) string {
	if c.tokens.Environment(accountID) == model.EnvLive {
		return c.liveBase
	}
	return c.demoBase
}

func (c *RESTClient) PlaceMarket(ctx context.Context, accountID, ticker string, action model.Action, qty decimal.Decimal, tag string) (Order, error) {
	return c.placeOrder(ctx, accountID, ticker, action, qty, nil, tag)
}

func (c *RESTClient) PlaceLimit(ctx context.Context, accountID, ticker string, action model.Action, qty, price decimal.Decimal, tag string) (Order, error) {
	return c.placeOrder(ctx, accountID, ticker, action, qty, &price, tag)
}

func (c *RESTClient) placeOrder(ctx context.Context, accountID, ticker string, action model.Action, qty decimal.Decimal, price *decimal.Decimal, tag string) (Order, error) {
	if c.dryRun {
		log.Info().Str("account", accountID).Str("ticker", ticker).Str("action", string(action)).
			Str("qty", qty.String()).Str("tag", tag).Msg("🧪 dry-run order (not sent)")
		return Order{AccountID: accountID, Ticker: ticker, Action: action, Qty: qty, Price: price, Tag: tag,
			BrokerOrderID: "dryrun-" + tag, Status: model.OrderWorking, UpdatedAt: time.Now()}, nil
	}

	body := map[string]any{
		"accountId":   accountID,
		"symbol":      ticker,
		"action":      orderActionFor(action),
		"orderType":   orderTypeFor(price),
		"orderQty":    qty.String(),
		"isAutomated": true,
		"text":        tag,
	}
	if price != nil {
		body["price"] = price.String()
		body["timeInForce"] = "GTC"
	}

	var resp orderResponse
	if err := c.do(ctx, accountID, http.MethodPost, "/api/v1/order/place", body, &resp); err != nil {
		return Order{}, err
	}
	return resp.toOrder(), nil
}

func orderTypeFor(price *decimal.Decimal) string {
	if price == nil {
		return "Market"
	}
	return "Limit"
}

// orderActionFor maps the engine's canonical Action onto the broker's
// documented "Buy"/"Sell" wire spelling.
func orderActionFor(action model.Action) string {
	if action == model.ActionSell {
		return "Sell"
	}
	return "Buy"
}

// ModifyOrder changes price and/or qty on a working order in place — the
// engine prefers this over cancel-then-replace to avoid the window where a
// TP momentarily has zero working orders (§9 design note, single-TP
// invariant).
func (c *RESTClient) ModifyOrder(ctx context.Context, accountID, brokerOrderID string, price *decimal.Decimal, qty *decimal.Decimal) (Order, error) {
	if c.dryRun {
		log.Info().Str("account", accountID).Str("order", brokerOrderID).Msg("🧪 dry-run modify (not sent)")
		return Order{AccountID: accountID, BrokerOrderID: brokerOrderID, Status: model.OrderWorking, UpdatedAt: time.Now()}, nil
	}
	body := map[string]any{"accountId": accountID, "orderId": brokerOrderID}
	if price != nil {
		body["price"] = price.String()
	}
	if qty != nil {
		body["size"] = qty.String()
	}
	var resp orderResponse
	if err := c.do(ctx, accountID, http.MethodPost, "/api/v1/order/modify", body, &resp); err != nil {
		return Order{}, err
	}
	return resp.toOrder(), nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, accountID, brokerOrderID string) error {
	if c.dryRun {
		log.Info().Str("account", accountID).Str("order", brokerOrderID).Msg("🧪 dry-run cancel (not sent)")
		return nil
	}
	body := map[string]any{"accountId": accountID, "orderId": brokerOrderID}
	return c.do(ctx, accountID, http.MethodDelete, "/api/v1/order/cancel", body, nil)
}

func (c *RESTClient) GetOrder(ctx context.Context, accountID, brokerOrderID string) (Order, error) {
	var resp orderResponse
	path := fmt.Sprintf("/api/v1/order/%s?accountId=%s", brokerOrderID, accountID)
	if err := c.do(ctx, accountID, http.MethodGet, path, nil, &resp); err != nil {
		return Order{}, err
	}
	return resp.toOrder(), nil
}

func (c *RESTClient) ListOrders(ctx context.Context, accountID string) ([]Order, error) {
	var resp []orderResponse
	path := fmt.Sprintf("/api/v1/order/list?accountId=%s", accountID)
	if err := c.do(ctx, accountID, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Order, len(resp))
	for i, r := range resp {
		out[i] = r.toOrder()
	}
	return out, nil
}

func (c *RESTClient) ListPositions(ctx context.Context, accountID string) ([]Position, error) {
	var resp []positionResponse
	path := fmt.Sprintf("/api/v1/position/list?accountId=%s", accountID)
	if err := c.do(ctx, accountID, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Position, len(resp))
	for i, r := range resp {
		out[i] = r.toPosition(accountID)
	}
	return out, nil
}

// ContractFor returns tick parameters for ticker, refreshing from the
// broker at most once per hour and falling back to a static table when the
// lookup fails (§9 design note).
func (c *RESTClient) ContractFor(ctx context.Context, ticker string) (model.Contract, error) {
	c.mu.RLock()
	entry, ok := c.contracts[ticker]
	c.mu.RUnlock()
	if ok && time.Since(entry.cachedAt) < contractCacheTTL {
		return entry.contract, nil
	}

	contract, err := c.fetchContract(ctx, ticker)
	if err != nil {
		if fallback, ok := staticContracts[ticker]; ok {
			log.Warn().Err(err).Str("ticker", ticker).Msg("⚠️ contract lookup failed, using static fallback")
			return fallback, nil
		}
		return model.Contract{}, err
	}

	c.mu.Lock()
	c.contracts[ticker] = contractCacheEntry{contract: contract, cachedAt: time.Now()}
	c.mu.Unlock()
	return contract, nil
}

func (c *RESTClient) fetchContract(ctx context.Context, ticker string) (model.Contract, error) {
	var resp contractResponse
	path := "/api/v1/contract/" + ticker
	if err := c.do(ctx, "", http.MethodGet, path, nil, &resp); err != nil {
		return model.Contract{}, err
	}
	tickSize, err := decimal.NewFromString(resp.TickSize)
	if err != nil {
		return model.Contract{}, jterr.Wrap(jterr.KindTransientIO, err)
	}
	tickValue, err := decimal.NewFromString(resp.TickValue)
	if err != nil {
		return model.Contract{}, jterr.Wrap(jterr.KindTransientIO, err)
	}
	return model.Contract{Symbol: ticker, TickSize: tickSize, TickValue: tickValue}, nil
}

// do issues one HTTP request and decodes the JSON body into out (skipped
// when out is nil). A 401 forces an immediate token refresh and is retried
// exactly once with the new token; a second 401 (or a failed refresh)
// surfaces as jterr.AuthExpired.
func (c *RESTClient) do(ctx context.Context, accountID, method, path string, body any, out any) error {
	err := c.doAttempt(ctx, accountID, method, path, body, out, true)
	return err
}

func (c *RESTClient) doAttempt(ctx context.Context, accountID, method, path string, body any, out any, allowRefresh bool) error {
	base := c.demoBase
	if accountID != "" {
		base = c.baseFor(accountID)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return jterr.Wrap(jterr.KindTransientIO, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, bytes.NewReader(payload))
	if err != nil {
		return jterr.Wrap(jterr.KindTransientIO, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accountID != "" {
		if token, ok := c.tokens.AccessToken(accountID); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		} else {
			return jterr.AuthRequired
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return jterr.Wrap(jterr.KindTransientIO, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return jterr.Wrap(jterr.KindTransientIO, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if allowRefresh && accountID != "" {
			if _, ok := c.tokens.RefreshNow(ctx, accountID); ok {
				return c.doAttempt(ctx, accountID, method, path, body, out, false)
			}
		}
		return jterr.AuthExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		return jterr.RateLimited
	case resp.StatusCode >= 400:
		return jterr.BrokerRejected(fmt.Sprintf("HTTP %d", resp.StatusCode), string(raw))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return jterr.Wrap(jterr.KindTransientIO, err)
	}
	return nil
}

type orderResponse struct {
	OrderID      string `json:"orderId"`
	AccountID    string `json:"accountId"`
	Symbol       string `json:"symbol"`
	Action       string `json:"action"`
	OrderQty     string `json:"orderQty"`
	Price        string `json:"price"`
	Text         string `json:"text"`
	Status       string `json:"status"`
	FilledQty    string `json:"filledQty"`
	AvgFillPrice string `json:"avgFillPrice"`
}

func (r orderResponse) toOrder() Order {
	qty, _ := decimal.NewFromString(r.OrderQty)
	filled, _ := decimal.NewFromString(r.FilledQty)
	avgFill, _ := decimal.NewFromString(r.AvgFillPrice)
	var price *decimal.Decimal
	if r.Price != "" {
		if p, err := decimal.NewFromString(r.Price); err == nil {
			price = &p
		}
	}
	return Order{
		BrokerOrderID: r.OrderID,
		AccountID:     r.AccountID,
		Ticker:        r.Symbol,
		Action:        model.Action(strings.ToUpper(r.Action)),
		Qty:           qty,
		Price:         price,
		Tag:           r.Text,
		Status:        model.NormalizeOrderStatus(r.Status),
		FilledQty:     filled,
		AvgFillPrice:  avgFill,
		UpdatedAt:     time.Now(),
	}
}

type positionResponse struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Size     string `json:"size"`
	AvgPrice string `json:"avgPrice"`
}

func (r positionResponse) toPosition(accountID string) Position {
	qty, _ := decimal.NewFromString(r.Size)
	avg, _ := decimal.NewFromString(r.AvgPrice)
	side := model.SideFlat
	switch r.Side {
	case "Long", "LONG":
		side = model.SideLong
	case "Short", "SHORT":
		side = model.SideShort
	}
	return Position{AccountID: accountID, Ticker: r.Symbol, Side: side, Qty: qty, AvgPrice: avg}
}

type contractResponse struct {
	TickSize  string `json:"tickSize"`
	TickValue string `json:"tickValue"`
}

// staticContracts is the last-resort fallback table for the handful of
// contracts this engine trades day to day; refreshed by hand when the
// broker changes tick economics.
var staticContracts = map[string]model.Contract{
	"ES": {Symbol: "ES", TickSize: decimal.NewFromFloat(0.25), TickValue: decimal.NewFromFloat(12.50)},
	"NQ": {Symbol: "NQ", TickSize: decimal.NewFromFloat(0.25), TickValue: decimal.NewFromFloat(5.00)},
	"MES": {Symbol: "MES", TickSize: decimal.NewFromFloat(0.25), TickValue: decimal.NewFromFloat(1.25)},
	"MNQ": {Symbol: "MNQ", TickSize: decimal.NewFromFloat(0.25), TickValue: decimal.NewFromFloat(0.50)},
}
