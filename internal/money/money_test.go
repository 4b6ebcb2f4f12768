package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitVAT(t *testing.T) {
	cases := []struct {
		total    int64
		rate     string
		wantBase int64
		wantVAT  int64
	}{
		{total: 12500, rate: "0.25", wantBase: 10000, wantVAT: 2500},
		{total: 10000, rate: "0.25", wantBase: 8000, wantVAT: 2000},
		{total: 999, rate: "0.15", wantBase: 869, wantVAT: 130},
		{total: 5000, rate: "0", wantBase: 5000, wantVAT: 0},
		{total: -12500, rate: "0.25", wantBase: -10000, wantVAT: -2500},
	}
	for _, tc := range cases {
		base, vat, err := SplitVAT(tc.total, tc.rate)
		require.NoError(t, err)
		assert.Equal(t, tc.wantBase, base, "base for %d at %s", tc.total, tc.rate)
		assert.Equal(t, tc.wantVAT, vat, "vat for %d at %s", tc.total, tc.rate)
		assert.Equal(t, tc.total, base+vat)
	}
}

func TestSplitVATRejectsBadRates(t *testing.T) {
	for _, rate := range []string{"", "abc", "-0.1", "1", "25"} {
		_, _, err := SplitVAT(100, rate)
		assert.Error(t, err, rate)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "120.00 NOK", Format(12000, "NOK"))
	assert.Equal(t, "-0.05 NOK", Format(-5, "NOK"))
}
