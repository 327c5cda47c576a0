package oanda

import (
	"time"

	"github.com/shopspring/decimal"
)

type accountSummaryResponse struct {
	Account struct {
		ID       string          `json:"id"`
		Currency string          `json:"currency"`
		Balance  decimal.Decimal `json:"balance"`
		NAV      decimal.Decimal `json:"NAV"`
	} `json:"account"`
}

type priceBucket struct {
	Price decimal.Decimal `json:"price"`
}

type pricingResponse struct {
	Prices []struct {
		Instrument string        `json:"instrument"`
		Time       time.Time     `json:"time"`
		Bids       []priceBucket `json:"bids"`
		Asks       []priceBucket `json:"asks"`
	} `json:"prices"`
}

type clientExtensions struct {
	ID  string `json:"id,omitempty"`
	Tag string `json:"tag,omitempty"`
}

type priceDetails struct {
	Price       decimal.Decimal `json:"price"`
	TimeInForce string          `json:"timeInForce,omitempty"`
}

type marketOrder struct {
	Type                  string            `json:"type"`
	Instrument            string            `json:"instrument"`
	Units                 decimal.Decimal   `json:"units"`
	TimeInForce           string            `json:"timeInForce"`
	PositionFill          string            `json:"positionFill"`
	ClientExtensions      *clientExtensions `json:"clientExtensions,omitempty"`
	TradeClientExtensions *clientExtensions `json:"tradeClientExtensions,omitempty"`
	StopLossOnFill        *priceDetails     `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill      *priceDetails     `json:"takeProfitOnFill,omitempty"`
}

type orderRequest struct {
	Order marketOrder `json:"order"`
}

type transaction struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	OrderID string `json:"orderID"`
	Reason  string `json:"reason"`
}

// tradeChange is one trade opened, reduced or closed by a fill.
type tradeChange struct {
	TradeID string          `json:"tradeID"`
	Units   decimal.Decimal `json:"units"`
	Price   decimal.Decimal `json:"price"`
}

type orderResponse struct {
	OrderCreateTransaction struct {
		ID string `json:"id"`
	} `json:"orderCreateTransaction"`

	OrderFillTransaction *struct {
		ID          string    `json:"id"`
		OrderID     string    `json:"orderID"`
		Instrument  string    `json:"instrument"`
		Time        time.Time `json:"time"`
		TradeOpened  *tradeChange  `json:"tradeOpened"`
		TradeReduced *tradeChange  `json:"tradeReduced"`
		TradesClosed []tradeChange `json:"tradesClosed"`
	} `json:"orderFillTransaction"`

	OrderCancelTransaction           *transaction `json:"orderCancelTransaction"`
	StopLossOrderCancelTransaction   *transaction `json:"stopLossOrderCancelTransaction"`
	TakeProfitOrderCancelTransaction *transaction `json:"takeProfitOrderCancelTransaction"`
}

type tradeOrdersRequest struct {
	StopLoss   *priceDetails `json:"stopLoss,omitempty"`
	TakeProfit *priceDetails `json:"takeProfit,omitempty"`
}

type openTradesResponse struct {
	Trades []struct {
		ID               string            `json:"id"`
		Instrument       string            `json:"instrument"`
		Price            decimal.Decimal   `json:"price"`
		OpenTime         time.Time         `json:"openTime"`
		CurrentUnits     decimal.Decimal   `json:"currentUnits"`
		ClientExtensions *clientExtensions `json:"clientExtensions"`
		StopLossOrder    *priceDetails     `json:"stopLossOrder"`
		TakeProfitOrder  *priceDetails     `json:"takeProfitOrder"`
	} `json:"trades"`
}

type errorResponse struct {
	ErrorCode              string `json:"errorCode"`
	ErrorMessage           string `json:"errorMessage"`
	OrderRejectTransaction *struct {
		RejectReason string `json:"rejectReason"`
	} `json:"orderRejectTransaction"`
	OrderCancelTransaction *transaction `json:"orderCancelTransaction"`
}
