package market

import (
	"fmt"
	"strings"
)

// Direction is the side of an open position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ParseDirection accepts LONG/SHORT as well as the broker spellings
// buy/sell and long/short.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return Long, nil
	case "SHORT", "SELL":
		return Short, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Sign is +1 for LONG and -1 for SHORT.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Opposite returns the side that closes a position in this direction.
func (d Direction) Opposite() Direction {
	if d == Short {
		return Long
	}
	return Short
}

// Side is the order side sent to a broker.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OpenSide is the order side that opens a position in direction d.
func (d Direction) OpenSide() Side {
	if d == Short {
		return Sell
	}
	return Buy
}

// CloseSide is the order side that flattens a position in direction d.
func (d Direction) CloseSide() Side {
	if d == Short {
		return Buy
	}
	return Sell
}
