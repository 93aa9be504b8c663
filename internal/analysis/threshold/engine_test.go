package threshold

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/atrbot/internal/analysis/volatility"
	"github.com/skalibog/atrbot/pkg/models"
)

var (
	now      = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	notReady = volatility.ATR{}
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func mustRule(t *testing.T, kind string, ratio, mult float64) Rule {
	t.Helper()
	r, err := NewRule(kind, ratio, mult)
	require.NoError(t, err)
	return r
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "%s: ожидалось %s, получено %s", msg, want, got)
}

func TestComputeFixed(t *testing.T) {
	e := NewEngine(mustRule(t, "fixed", 0.02, 0), mustRule(t, "fixed", 0.03, 0), mustRule(t, "fixed", 0.05, 0), true)

	set, err := e.Compute(d("100"), notReady, now)
	require.NoError(t, err)
	assertDec(t, "102", set.Upper, "upper")
	assertDec(t, "97", set.Lower, "lower")
	assertDec(t, "95", set.StopLong, "stop long")
	assertDec(t, "105", set.StopShort, "stop short")
	assertDec(t, "100", set.Reference, "reference")
	assert.True(t, set.ComputedAt.Equal(now))
}

func TestComputeATR(t *testing.T) {
	e := NewEngine(mustRule(t, "atr", 0, 0.9), mustRule(t, "atr", 0, 0.9), mustRule(t, "atr", 0, 1.5), true)
	atr := volatility.ATR{Value: d("2"), Ready: true}

	set, err := e.Compute(d("100"), atr, now)
	require.NoError(t, err)
	assertDec(t, "101.8", set.Upper, "upper")
	assertDec(t, "98.2", set.Lower, "lower")
	assertDec(t, "97", set.StopLong, "stop long")
}

func TestComputeNotReady(t *testing.T) {
	tests := []struct {
		name string
		up   Rule
		stop Rule
	}{
		{"atr пробой", Rule{Kind: KindATR, Multiplier: d("1")}, Rule{Kind: KindFixed, Ratio: d("0.01")}},
		{"atr стоп", Rule{Kind: KindFixed, Ratio: d("0.01")}, Rule{Kind: KindATR, Multiplier: d("1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(tt.up, Rule{Kind: KindFixed, Ratio: d("0.01")}, tt.stop, false)
			_, err := e.Compute(d("100"), notReady, now)
			assert.ErrorIs(t, err, ErrNotReady)
			assert.Equal(t, !tt.stop.NeedsATR(), e.ExitsReady(notReady))
		})
	}
}

func TestComputeInvalidPrice(t *testing.T) {
	e := NewEngine(Rule{Kind: KindFixed, Ratio: d("0.01")}, Rule{Kind: KindFixed, Ratio: d("0.01")}, Rule{Kind: KindFixed, Ratio: d("0.01")}, false)
	_, err := e.Compute(decimal.Zero, notReady, now)
	assert.ErrorIs(t, err, ErrInvalidPrice)
	_, _, err = e.Exits(models.SideLong, d("-1"), notReady)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestExitsFromEntryPrice(t *testing.T) {
	atr := volatility.ATR{Value: d("4"), Ready: true}
	e := NewEngine(mustRule(t, "atr", 0, 1), mustRule(t, "fixed", 0.02, 0), mustRule(t, "atr", 0, 0.5), true)

	stop, tp, err := e.Exits(models.SideLong, d("250"), atr)
	require.NoError(t, err)
	assertDec(t, "248", stop, "long stop")
	assertDec(t, "254", tp, "long tp")

	stop, tp, err = e.Exits(models.SideShort, d("250"), atr)
	require.NoError(t, err)
	assertDec(t, "252", stop, "short stop")
	assertDec(t, "245", tp, "short tp")
}

func TestExitsWithoutTakeProfit(t *testing.T) {
	e := NewEngine(mustRule(t, "atr", 0, 1), mustRule(t, "atr", 0, 1), mustRule(t, "fixed", 0.01, 0), false)

	require.True(t, e.ExitsReady(notReady))
	stop, tp, err := e.Exits(models.SideLong, d("100"), notReady)
	require.NoError(t, err)
	assertDec(t, "99", stop, "stop")
	assert.True(t, tp.IsZero())

	withTP := NewEngine(mustRule(t, "atr", 0, 1), mustRule(t, "atr", 0, 1), mustRule(t, "fixed", 0.01, 0), true)
	assert.False(t, withTP.ExitsReady(notReady))
	_, _, err = withTP.Exits(models.SideLong, d("100"), notReady)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestNewRule(t *testing.T) {
	_, err := NewRule("bollinger", 0.1, 0)
	require.Error(t, err)
	_, err = NewRule("fixed", 0, 1)
	require.Error(t, err)
	_, err = NewRule("atr", 0.1, 0)
	require.Error(t, err)

	r := mustRule(t, "atr", 0, 0.9)
	assert.True(t, r.NeedsATR())
	assert.Equal(t, "atr×0.9", r.String())
}
