package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultPrecision is the number of decimal digits kept when none is configured.
const DefaultPrecision int32 = 8

var (
	ErrMalformedNumber = errors.New("malformed number")
	ErrNegativeNumber  = errors.New("negative number")
)

// Quantizer maps upstream prices onto one canonical fixed-precision grid.
// Digits beyond Precision are truncated, so two venues quoting the same
// price with different trailing precision land on the same level.
type Quantizer struct {
	Precision int32
}

// NewQuantizer returns a Quantizer, falling back to DefaultPrecision for
// negative precisions.
func NewQuantizer(precision int32) Quantizer {
	if precision < 0 {
		precision = DefaultPrecision
	}
	return Quantizer{Precision: precision}
}

// Quantize truncates d to the configured precision.
func (q Quantizer) Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(q.Precision)
}

// ParsePrice parses and quantizes a price. Prices must be non-negative.
func (q Quantizer) ParsePrice(text string) (decimal.Decimal, error) {
	d, err := parseNonNegative(text)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Quantize(d), nil
}

// ParseQuantity parses a quantity without quantizing it.
func (q Quantizer) ParseQuantity(text string) (decimal.Decimal, error) {
	return parseNonNegative(text)
}

func parseNonNegative(text string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMalformedNumber, text)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrNegativeNumber, text)
	}
	return d, nil
}
