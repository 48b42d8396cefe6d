// Package broker wraps the brokerage REST API used for order submission,
// holdings queries and price lookups. The broker is the source of truth
// for actual holdings; it is reconciled against, never blindly trusted on
// a single read.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderState is the broker-reported lifecycle state of an order.
type OrderState string

const (
	OrderPending OrderState = "PENDING"
	OrderFilled  OrderState = "FILLED"
)

// Holdings is the broker's view of a position.
type Holdings struct {
	Instrument string  `json:"instrument"`
	Quantity   float64 `json:"quantity"`
	AvgPrice   float64 `json:"avgPrice"`
}

// Balance is the broker's account summary.
type Balance struct {
	TotalEquity float64 `json:"totalEquity"`
	FreeCash    float64 `json:"freeCash"`
}

// OrderStatus is the broker's report on a previously placed order.
type OrderStatus struct {
	OrderID    string     `json:"orderId"`
	State      OrderState `json:"state"`
	FillPrice  float64    `json:"fillPrice"`
	FillQty    float64    `json:"fillQty"`
}

// Candle is one daily OHLCV bar, oldest-first in query results.
type Candle struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// API is the broker surface the engine consumes. Satisfied by Client and
// by test fakes.
type API interface {
	GetHoldings(ctx context.Context, instrument string) (Holdings, error)
	GetBalance(ctx context.Context) (Balance, error)
	GetCurrentPrice(ctx context.Context, instrument string) (float64, error)
	PlaceLimitOrder(ctx context.Context, instrument string, side Side, qty, price float64) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	GetDailyCandles(ctx context.Context, instrument string, days int) ([]Candle, error)
	IsMarketOpen(ctx context.Context) (bool, error)
}

// Client talks to the brokerage REST gateway.
type Client struct {
	key, secret, base string
	rest              *resty.Client
}

func NewClient(key, secret, base string, timeout time.Duration, retries int) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(10 * time.Second)
	}
	if retries < 0 {
		retries = 0
	}
	r.SetRetryCount(retries).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		})
	return &Client{key: key, secret: secret, base: base, rest: r}
}

func (c *Client) req(ctx context.Context) *resty.Request {
	return c.rest.R().
		SetContext(ctx).
		SetHeader("appkey", c.key).
		SetHeader("appsecret", c.secret)
}

func classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		return transientErr(op, err)
	}
	switch {
	case resp.StatusCode() == http.StatusOK:
		return nil
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return fatalErr(op, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	case resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500:
		return transientErr(op, fmt.Errorf("status %d", resp.StatusCode()))
	default:
		return fatalErr(op, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
}

func (c *Client) GetHoldings(ctx context.Context, instrument string) (Holdings, error) {
	var h Holdings
	resp, err := c.req(ctx).
		SetQueryParam("instrument", instrument).
		SetResult(&h).
		Get(c.base + "/v1/account/holdings")
	if cerr := classify("holdings", resp, err); cerr != nil {
		return Holdings{}, cerr
	}
	h.Instrument = instrument
	return h, nil
}

func (c *Client) GetBalance(ctx context.Context) (Balance, error) {
	var b Balance
	resp, err := c.req(ctx).
		SetResult(&b).
		Get(c.base + "/v1/account/balance")
	if cerr := classify("balance", resp, err); cerr != nil {
		return Balance{}, cerr
	}
	return b, nil
}

func (c *Client) GetCurrentPrice(ctx context.Context, instrument string) (float64, error) {
	var out struct {
		Price float64 `json:"price"`
	}
	resp, err := c.req(ctx).
		SetQueryParam("instrument", instrument).
		SetResult(&out).
		Get(c.base + "/v1/market/price")
	if cerr := classify("price", resp, err); cerr != nil {
		return 0, cerr
	}
	if out.Price <= 0 {
		return 0, transientErr("price", fmt.Errorf("no price for %s", instrument))
	}
	return out.Price, nil
}

type orderReq struct {
	Instrument string  `json:"instrument"`
	Side       Side    `json:"side"`
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price"`
	OrderType  string  `json:"orderType"`
}

// PlaceLimitOrder submits a limit order and returns the broker order id.
func (c *Client) PlaceLimitOrder(ctx context.Context, instrument string, side Side, qty, price float64) (string, error) {
	if qty <= 0 || price <= 0 {
		return "", fatalErr("place", fmt.Errorf("invalid order qty=%v price=%v", qty, price))
	}
	var out struct {
		OrderID string `json:"orderId"`
		Code    int    `json:"code"`
		Msg     string `json:"msg"`
	}
	resp, err := c.req(ctx).
		SetBody(orderReq{
			Instrument: instrument,
			Side:       side,
			Quantity:   qty,
			Price:      price,
			OrderType:  "LIMIT",
		}).
		SetResult(&out).
		Post(c.base + "/v1/trade/order")
	if cerr := classify("place", resp, err); cerr != nil {
		return "", cerr
	}
	if out.Code != 0 {
		return "", fatalErr("place", fmt.Errorf("rejected: %d %s", out.Code, out.Msg))
	}
	log.Debug().
		Str("instrument", instrument).
		Str("side", string(side)).
		Float64("qty", qty).
		Float64("price", price).
		Str("order_id", out.OrderID).
		Msg("limit order placed")
	return out.OrderID, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	var st OrderStatus
	resp, err := c.req(ctx).
		SetQueryParam("orderId", orderID).
		SetResult(&st).
		Get(c.base + "/v1/trade/order")
	if cerr := classify("orderStatus", resp, err); cerr != nil {
		return OrderStatus{}, cerr
	}
	return st, nil
}

func (c *Client) GetDailyCandles(ctx context.Context, instrument string, days int) ([]Candle, error) {
	var candles []Candle
	resp, err := c.req(ctx).
		SetQueryParam("instrument", instrument).
		SetQueryParam("days", fmt.Sprintf("%d", days)).
		SetResult(&candles).
		Get(c.base + "/v1/market/candles")
	if cerr := classify("candles", resp, err); cerr != nil {
		return nil, cerr
	}
	return candles, nil
}

func (c *Client) IsMarketOpen(ctx context.Context) (bool, error) {
	var out struct {
		Open bool `json:"open"`
	}
	resp, err := c.req(ctx).
		SetResult(&out).
		Get(c.base + "/v1/market/status")
	if cerr := classify("marketStatus", resp, err); cerr != nil {
		return false, cerr
	}
	return out.Open, nil
}
