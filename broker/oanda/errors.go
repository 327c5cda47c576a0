package oanda

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rustyeddy/jarvis/broker"
)

// CodePositionReduced marks an order that filled against existing trades
// instead of opening one.
const CodePositionReduced = "POSITION_REDUCED"

// classifyHTTP maps a non-2xx response onto a broker error, keeping OANDA's
// reject reason verbatim as the code.
func classifyHTTP(status int, body []byte) error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)

	msg := er.ErrorMessage
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
	}

	if status == http.StatusTooManyRequests || status >= 500 {
		return broker.Transient(fmt.Sprintf("HTTP_%d", status), msg)
	}

	reason := er.ErrorCode
	switch {
	case er.OrderRejectTransaction != nil && er.OrderRejectTransaction.RejectReason != "":
		reason = er.OrderRejectTransaction.RejectReason
	case er.OrderCancelTransaction != nil && er.OrderCancelTransaction.Reason != "":
		reason = er.OrderCancelTransaction.Reason
	}
	if reason == "" {
		reason = fmt.Sprintf("HTTP_%d", status)
	}
	return classifyReason(reason, msg)
}

// classifyReason separates dependent-order rejections, which a plain order
// plus a later attach can work around, from everything else. Price format
// errors would fail the attach too, so they stay terminal.
func classifyReason(reason, msg string) error {
	onFill := strings.HasPrefix(reason, "STOP_LOSS_ON_FILL_") || strings.HasPrefix(reason, "TAKE_PROFIT_ON_FILL_")
	format := strings.Contains(reason, "PRICE_PRECISION") || strings.HasSuffix(reason, "_PRICE_INVALID") || strings.HasSuffix(reason, "_PRICE_MISSING")
	if onFill && !format {
		return broker.BracketRejected(reason, msg)
	}
	return broker.Terminal(reason, msg)
}
