package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "want %s, got %s", want, got)
}

func TestComputeDerived(t *testing.T) {
	tests := []struct {
		name    string
		pos     Position
		pnl     string
		pct     string
		expects string // expected return, empty when nil
	}{
		{
			name: "long in profit",
			pos:  Position{Side: SideLong, Quantity: d("1"), EntryPrice: d("100"), MarkPrice: d("110")},
			pnl:  "10",
			pct:  "10",
		},
		{
			name: "short in profit",
			pos:  Position{Side: SideShort, Quantity: d("2"), EntryPrice: d("100"), MarkPrice: d("90")},
			pnl:  "20",
			pct:  "10",
		},
		{
			name: "long in loss",
			pos:  Position{Side: SideLong, Quantity: d("0.5"), EntryPrice: d("200"), MarkPrice: d("180")},
			pnl:  "-10",
			pct:  "-10",
		},
		{
			name: "no mark price yet",
			pos:  Position{Side: SideLong, Quantity: d("1"), EntryPrice: d("100")},
			pnl:  "0",
			pct:  "0",
		},
		{
			name: "zero entry price",
			pos:  Position{Side: SideLong, Quantity: d("1"), MarkPrice: d("5")},
			pnl:  "5",
			pct:  "0",
		},
		{
			name:    "short with take profit",
			pos:     Position{Side: SideShort, Quantity: d("3"), EntryPrice: d("50"), MarkPrice: d("50"), TakeProfitPrice: dp("40")},
			pnl:     "0",
			pct:     "0",
			expects: "30",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeDerived(tt.pos)
			assertDec(t, tt.pnl, got.UnrealizedPnL)
			assertDec(t, tt.pct, got.PnLPercentage)
			if tt.expects == "" {
				assert.Nil(t, got.ExpectedReturn)
				return
			}
			require.NotNil(t, got.ExpectedReturn)
			assertDec(t, tt.expects, *got.ExpectedReturn)
		})
	}
}

func TestWithDerivedOverwritesBackendValues(t *testing.T) {
	p := Position{
		Side:          SideLong,
		Quantity:      d("1"),
		EntryPrice:    d("100"),
		MarkPrice:     d("110"),
		UnrealizedPnL: d("999"),
	}.WithDerived()
	assertDec(t, "10", p.UnrealizedPnL)
}

func TestParsePositionSide(t *testing.T) {
	cases := []struct {
		raw    string
		amount *decimal.Decimal
		want   PositionSide
		ok     bool
	}{
		{"long", dp("1"), SideLong, true},
		{" SHORT ", dp("1"), SideShort, true},
		{"SELL", nil, SideShort, true},
		{"BOTH", dp("-2"), SideShort, true},
		{"BOTH", dp("2"), SideLong, true},
		{"", dp("0"), SideLong, true},
		{"BOTH", nil, "", false},
		{"", nil, "", false},
	}
	for _, tc := range cases {
		got, ok := ParsePositionSide(tc.raw, tc.amount)
		assert.Equal(t, tc.ok, ok, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestCloneDoesNotShareOptionalFields(t *testing.T) {
	p := Position{StopLossPrice: dp("90")}
	c := p.Clone()
	*c.StopLossPrice = d("80")
	assertDec(t, "90", *p.StopLossPrice)
}
