package sim

import (
	"context"
	"time"
)

// Op names an Engine method for fault injection.
type Op string

const (
	OpEquity   Op = "GetEquity"
	OpQuote    Op = "GetQuote"
	OpPlace    Op = "PlaceMarketOrder"
	OpAttach   Op = "AttachProtectiveOrders"
	OpPosition Op = "GetOpenPosition"
)

// Fault makes the next call to Op misbehave. Faults for the same Op are
// consumed in the order they were injected.
type Fault struct {
	Op  Op
	Err error

	// Apply performs the operation before returning Err, the way a broker
	// can fill an order whose response never arrives.
	Apply bool

	// Delay blocks the call until it elapses or the context ends.
	Delay time.Duration
}

func (e *Engine) Inject(faults ...Fault) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range faults {
		e.faults[f.Op] = append(e.faults[f.Op], f)
	}
}

// Calls reports how many times op has been invoked.
func (e *Engine) Calls(op Op) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// begin counts the call and pops its pending fault, if any.
func (e *Engine) begin(op Op) (Fault, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[op]++
	q := e.faults[op]
	if len(q) == 0 {
		return Fault{}, false
	}
	e.faults[op] = q[1:]
	return q[0], true
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
