package referral

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentDiscount(t *testing.T) {
	c := &Code{DiscountType: DiscountPercent, DiscountValue: dec("20")}
	d, err := c.Discounter()
	require.NoError(t, err)

	assert.True(t, dec("20.00").Equal(d.Compute(dec("100"))))
	assert.True(t, dec("0.20").Equal(d.Compute(dec("1"))))
	assert.True(t, d.Compute(decimal.Zero).IsZero())
}

func TestPercentDiscount_CappedAtSubtotal(t *testing.T) {
	c := &Code{DiscountType: DiscountPercent, DiscountValue: dec("150")}
	d, err := c.Discounter()
	require.NoError(t, err)

	assert.True(t, dec("40").Equal(d.Compute(dec("40"))))
}

func TestFixedDiscount(t *testing.T) {
	c := &Code{DiscountType: DiscountFixed, DiscountValue: dec("15")}
	d, err := c.Discounter()
	require.NoError(t, err)

	assert.True(t, dec("15").Equal(d.Compute(dec("100"))))
	// Never exceeds the subtotal.
	assert.True(t, dec("10").Equal(d.Compute(dec("10"))))
}

func TestDiscounter_UnsupportedType(t *testing.T) {
	c := &Code{DiscountType: "bogo"}
	_, err := c.Discounter()
	require.Error(t, err)
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"save-20", "SAVE20"},
		{"SAVE 20", "SAVE20"},
		{" sAvE_20! ", "SAVE20"},
		{"ABC123", "ABC123"},
		{"---", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCode(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "user@example.com", NormalizeEmail("  User@Example.COM "))
}
