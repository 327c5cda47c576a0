package market

import "fmt"

// Direction is the side of a trade. There is deliberately no zero-value
// default: an unset Direction is invalid.
type Direction int

const (
	Buy Direction = iota + 1
	Sell
)

func (d Direction) String() string {
	switch d {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Valid reports whether d is Buy or Sell.
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// Sign returns +1 for Buy and -1 for Sell.
func (d Direction) Sign() int64 {
	if d == Sell {
		return -1
	}
	return 1
}

// ParseDirection reads the canonical names written by String.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}
