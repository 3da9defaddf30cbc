// Package models provides the data structures and validation for collected
// market data: individual OHLCV candles and the batches the collector hands
// to caches and sinks.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents OHLCV price and volume data for a single time interval.
// Price and volume fields are decimal strings to preserve exchange precision.
type Candle struct {
	OpenTime time.Time `json:"open_time" db:"open_time"`
	Open     string    `json:"open" db:"open"`
	High     string    `json:"high" db:"high"`
	Low      string    `json:"low" db:"low"`
	Close    string    `json:"close" db:"close"`
	Volume   string    `json:"volume" db:"volume"`
}

// ValidationError reports a candle or batch field that failed validation.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message describes the validation failure
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks that the candle carries a timestamp, that every numeric
// field parses as a finite decimal, that prices are positive and volume is
// non-negative, and that the OHLC relationships hold (high >= max(open,
// close), low <= min(open, close)).
func (c *Candle) Validate() error {
	if c.OpenTime.IsZero() {
		return &ValidationError{Field: "open_time", Message: "open time cannot be zero"}
	}

	open, err := decimal.NewFromString(c.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price format: %v", err)}
	}

	high, err := decimal.NewFromString(c.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price format: %v", err)}
	}

	low, err := decimal.NewFromString(c.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price format: %v", err)}
	}

	close, err := decimal.NewFromString(c.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price format: %v", err)}
	}

	volume, err := decimal.NewFromString(c.Volume)
	if err != nil {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume format: %v", err)}
	}

	zero := decimal.Zero
	if open.LessThanOrEqual(zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if high.LessThanOrEqual(zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if low.LessThanOrEqual(zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if close.LessThanOrEqual(zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(open, close)
	if high.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(open, close)
	if low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOpenClose),
		}
	}

	return nil
}

// GetOpenDecimal returns the open price as a decimal.Decimal.
func (c *Candle) GetOpenDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Open)
}

// GetCloseDecimal returns the close price as a decimal.Decimal.
func (c *Candle) GetCloseDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Close)
}

// GetVolumeDecimal returns the volume as a decimal.Decimal.
func (c *Candle) GetVolumeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Volume)
}

// String returns a human-readable representation of the candle.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{OpenTime: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.OpenTime.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}
