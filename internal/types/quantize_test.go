package types

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantizerParsePrice(t *testing.T) {
	tests := []struct {
		name      string
		precision int32
		text      string
		expected  string
	}{
		{name: "exact", precision: 2, text: "100.25", expected: "100.25"},
		{name: "truncates extra digits", precision: 2, text: "100.259", expected: "100.25"},
		{name: "integer precision", precision: 0, text: "99.99", expected: "99"},
		{name: "trailing zeros compare equal", precision: 8, text: "100.50000000", expected: "100.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQuantizer(tt.precision)
			got, err := q.ParsePrice(tt.text)
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.expected)), "got %s", got)
		})
	}
}

func TestQuantizerRejectsMalformed(t *testing.T) {
	q := NewQuantizer(4)

	_, err := q.ParsePrice("12.3.4")
	assert.ErrorIs(t, err, ErrMalformedNumber)

	_, err = q.ParseQuantity("-1")
	assert.ErrorIs(t, err, ErrNegativeNumber)

	_, err = q.ParseQuantity("")
	assert.ErrorIs(t, err, ErrMalformedNumber)
}

func TestNewQuantizerDefaultsNegativePrecision(t *testing.T) {
	assert.Equal(t, DefaultPrecision, NewQuantizer(-1).Precision)
}

func TestTickLevelCycling(t *testing.T) {
	assert.Equal(t, Tick1, GetNextTickLevel(Tick01))
	assert.Equal(t, Tick001, GetNextTickLevel(Tick100))
	assert.Equal(t, Tick100, GetPreviousTickLevel(Tick001))
	assert.True(t, IsValidTickLevel(Tick50))
	assert.False(t, IsValidTickLevel(TickLevel(3)))
}
