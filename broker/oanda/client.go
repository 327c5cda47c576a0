// Package oanda implements broker.Broker over the OANDA v20 REST API.
package oanda

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rustyeddy/jarvis/broker"
	"github.com/rustyeddy/jarvis/market"
	"github.com/shopspring/decimal"
)

type Client struct {
	http      *resty.Client
	accountID string
	log       zerolog.Logger
}

var _ broker.Broker = (*Client)(nil)

func New(cfg Config, log zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := cfg.BaseURL
	if base == "" {
		base, _ = BaseURL(cfg.Environment, cfg.AllowLive)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	hc := resty.New()
	hc.SetBaseURL(base)
	hc.SetTimeout(timeout)
	hc.SetAuthToken(cfg.Token)
	hc.SetHeader("Accept-Datetime-Format", "RFC3339")
	hc.SetHeader("Content-Type", "application/json")

	return &Client{
		http:      hc,
		accountID: cfg.AccountID,
		log:       log.With().Str("component", "oanda").Logger(),
	}, nil
}

func (c *Client) path(format string, args ...any) string {
	return "/v3/accounts/" + c.accountID + fmt.Sprintf(format, args...)
}

// do sends a request and decodes a 2xx body into out. Non-2xx responses and
// transport failures come back as *broker.Error.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		c.log.Warn().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return 0, broker.Ambiguous(err)
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return status, classifyHTTP(status, resp.Body())
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return status, broker.Ambiguous(fmt.Errorf("decode %s %s: %w", method, path, err))
		}
	}
	return status, nil
}

func (c *Client) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	var out accountSummaryResponse
	if _, err := c.do(ctx, resty.MethodGet, c.path("/summary"), nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Account.NAV, nil
}

func (c *Client) GetQuote(ctx context.Context, instrument string) (market.Tick, error) {
	var out pricingResponse
	path := c.path("/pricing") + "?instruments=" + instrument
	if _, err := c.do(ctx, resty.MethodGet, path, nil, &out); err != nil {
		return market.Tick{}, err
	}
	for _, p := range out.Prices {
		if p.Instrument != instrument || len(p.Bids) == 0 || len(p.Asks) == 0 {
			continue
		}
		return market.Tick{
			Instrument: p.Instrument,
			Time:       p.Time,
			Bid:        p.Bids[0].Price,
			Ask:        p.Asks[0].Price,
		}, nil
	}
	return market.Tick{}, fmt.Errorf("%s: %w", instrument, market.ErrNoTick)
}

func (c *Client) PlaceMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.Fill, error) {
	body := orderRequest{Order: marketOrder{
		Type:         "MARKET",
		Instrument:   req.Instrument,
		Units:        decimal.NewFromInt(req.Units),
		TimeInForce:  "FOK",
		PositionFill: "DEFAULT",
	}}
	if req.ClientID != "" {
		ext := &clientExtensions{ID: req.ClientID, Tag: "jarvis"}
		body.Order.ClientExtensions = ext
		body.Order.TradeClientExtensions = ext
	}
	if req.StopLoss != nil {
		body.Order.StopLossOnFill = &priceDetails{Price: *req.StopLoss, TimeInForce: "GTC"}
	}
	if req.TakeProfit != nil {
		body.Order.TakeProfitOnFill = &priceDetails{Price: *req.TakeProfit, TimeInForce: "GTC"}
	}

	var out orderResponse
	if _, err := c.do(ctx, resty.MethodPost, c.path("/orders"), body, &out); err != nil {
		return broker.Fill{}, err
	}

	if out.OrderFillTransaction == nil {
		if cancel := out.OrderCancelTransaction; cancel != nil {
			return broker.Fill{}, classifyReason(cancel.Reason, "order cancelled")
		}
		return broker.Fill{}, broker.Ambiguous(fmt.Errorf("order %s: no fill in response", out.OrderCreateTransaction.ID))
	}

	fill := out.OrderFillTransaction
	opened := fill.TradeOpened
	if opened == nil {
		// Filled, but only against existing trades. Repeating it would
		// reduce the position again.
		return broker.Fill{}, broker.Terminal(CodePositionReduced, reducedMessage(fill.OrderID, fill.TradeReduced, fill.TradesClosed))
	}
	f := broker.Fill{
		OrderID:    fill.OrderID,
		TradeID:    opened.TradeID,
		ClientID:   req.ClientID,
		Instrument: fill.Instrument,
		Units:      opened.Units.IntPart(),
		Price:      opened.Price,
		Time:       fill.Time,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	}

	// The fill stands even when a dependent order was cancelled; report the
	// legs that actually exist.
	if out.StopLossOrderCancelTransaction != nil {
		f.StopLoss = nil
	}
	if out.TakeProfitOrderCancelTransaction != nil {
		f.TakeProfit = nil
	}

	c.log.Debug().
		Str("trade_id", f.TradeID).
		Str("instrument", f.Instrument).
		Int64("units", f.Units).
		Str("price", f.Price.String()).
		Msg("filled")
	return f, nil
}

func (c *Client) AttachProtectiveOrders(ctx context.Context, tradeID string, sl decimal.Decimal, tp *decimal.Decimal) error {
	body := tradeOrdersRequest{StopLoss: &priceDetails{Price: sl, TimeInForce: "GTC"}}
	if tp != nil {
		body.TakeProfit = &priceDetails{Price: *tp, TimeInForce: "GTC"}
	}
	_, err := c.do(ctx, resty.MethodPut, c.path("/trades/%s/orders", tradeID), body, nil)
	return err
}

func (c *Client) GetOpenPosition(ctx context.Context, instrument string) (broker.Position, error) {
	var out openTradesResponse
	if _, err := c.do(ctx, resty.MethodGet, c.path("/openTrades"), nil, &out); err != nil {
		return broker.Position{}, err
	}

	pos := broker.Position{Instrument: instrument}
	for _, t := range out.Trades {
		if t.Instrument != instrument {
			continue
		}
		bt := broker.Trade{
			ID:         t.ID,
			Instrument: t.Instrument,
			Units:      t.CurrentUnits.IntPart(),
			Price:      t.Price,
			OpenTime:   t.OpenTime,
		}
		if t.ClientExtensions != nil {
			bt.ClientID = t.ClientExtensions.ID
		}
		if t.StopLossOrder != nil {
			v := t.StopLossOrder.Price
			bt.StopLoss = &v
		}
		if t.TakeProfitOrder != nil {
			v := t.TakeProfitOrder.Price
			bt.TakeProfit = &v
		}
		pos.Units += bt.Units
		pos.Trades = append(pos.Trades, bt)
	}
	return pos, nil
}

func reducedMessage(orderID string, reduced *tradeChange, closed []tradeChange) string {
	var parts []string
	if reduced != nil {
		parts = append(parts, fmt.Sprintf("reduced trade %s by %s", reduced.TradeID, reduced.Units))
	}
	for _, c := range closed {
		parts = append(parts, fmt.Sprintf("closed trade %s (%s)", c.TradeID, c.Units))
	}
	if len(parts) == 0 {
		parts = append(parts, "no trade opened")
	}
	return fmt.Sprintf("order %s filled without opening a trade: %s", orderID, strings.Join(parts, ", "))
}
