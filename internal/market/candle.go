// Package market holds the shared market-data types consumed across the
// trading core: candles, indicator snapshots, and volume profiles.
package market

import "time"

// Candle represents a single OHLCV bar
type Candle struct {
	OpenTime  int64   `json:"open_time"` // Unix milliseconds
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// Time returns the candle open time as a time.Time
func (c Candle) Time() time.Time {
	return time.Unix(c.OpenTime/1000, (c.OpenTime%1000)*int64(time.Millisecond))
}

// TypicalPrice returns (high + low + close) / 3
func (c Candle) TypicalPrice() float64 {
	return (c.High + c.Low + c.Close) / 3.0
}

// Side of a position or order
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign returns +1 for long, -1 for short
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Opposite returns the mirrored side
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Valid reports whether the side is one of the two known values
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}
