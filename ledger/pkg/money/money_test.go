package money

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTally_Money_Add(t *testing.T) {
	t.Parallel()

	t.Run("adds amounts", func(t *testing.T) {
		t.Parallel()
		got, err := Add(1_000_000, 2_500_000)
		require.NoError(t, err)
		require.Equal(t, int64(3_500_000), got)
	})

	t.Run("detects overflow", func(t *testing.T) {
		t.Parallel()
		_, err := Add(math.MaxInt64, 1)
		require.ErrorIs(t, err, ErrOverflow)
	})

	t.Run("detects underflow", func(t *testing.T) {
		t.Parallel()
		_, err := Add(math.MinInt64, -1)
		require.ErrorIs(t, err, ErrOverflow)
	})
}

func TestTally_Money_Sub(t *testing.T) {
	t.Parallel()

	t.Run("subtracts amounts", func(t *testing.T) {
		t.Parallel()
		got, err := Sub(5_000_000, 2_000_000)
		require.NoError(t, err)
		require.Equal(t, int64(3_000_000), got)
	})

	t.Run("detects underflow", func(t *testing.T) {
		t.Parallel()
		_, err := Sub(math.MinInt64, 1)
		require.ErrorIs(t, err, ErrOverflow)
	})
}

func TestTally_Money_Sum(t *testing.T) {
	t.Parallel()

	t.Run("sums a slice", func(t *testing.T) {
		t.Parallel()
		got, err := Sum(1, 2, 3, 4)
		require.NoError(t, err)
		require.Equal(t, int64(10), got)
	})

	t.Run("fails on partial overflow", func(t *testing.T) {
		t.Parallel()
		_, err := Sum(math.MaxInt64, 1, -5)
		require.ErrorIs(t, err, ErrOverflow)
	})
}

func TestTally_Money_MulDiv(t *testing.T) {
	t.Parallel()

	t.Run("computes exact floor", func(t *testing.T) {
		t.Parallel()
		got, err := MulDiv(10, 1, 3)
		require.NoError(t, err)
		require.Equal(t, int64(3), got)
	})

	t.Run("no intermediate overflow", func(t *testing.T) {
		t.Parallel()
		// a*num would overflow int64 but the final result fits.
		got, err := MulDiv(math.MaxInt64, 2, 4)
		require.NoError(t, err)
		require.Equal(t, int64(math.MaxInt64/2), got)
	})

	t.Run("divide by zero", func(t *testing.T) {
		t.Parallel()
		_, err := MulDiv(10, 1, 0)
		require.ErrorIs(t, err, ErrDivideByZero)
	})

	t.Run("rejects negative operands", func(t *testing.T) {
		t.Parallel()
		_, err := MulDiv(-10, 1, 3)
		require.ErrorIs(t, err, ErrNegative)
	})

	t.Run("result overflow", func(t *testing.T) {
		t.Parallel()
		_, err := MulDiv(math.MaxInt64, 3, 1)
		require.ErrorIs(t, err, ErrOverflow)
	})
}

func TestTally_Money_ApplyBps(t *testing.T) {
	t.Parallel()

	t.Run("applies basis points", func(t *testing.T) {
		t.Parallel()
		got, err := ApplyBps(10_000_000, 2500)
		require.NoError(t, err)
		require.Equal(t, int64(2_500_000), got)
	})

	t.Run("floors fractional results", func(t *testing.T) {
		t.Parallel()
		got, err := ApplyBps(1, 5000)
		require.NoError(t, err)
		require.Equal(t, int64(0), got)
	})

	t.Run("permissive on out of range bps", func(t *testing.T) {
		t.Parallel()
		got, err := ApplyBps(1_000_000, 15_000)
		require.NoError(t, err)
		require.Equal(t, int64(1_500_000), got)

		got, err = ApplyBps(1_000_000, -2500)
		require.NoError(t, err)
		require.Equal(t, int64(-250_000), got)
	})

	t.Run("overflowing result fails", func(t *testing.T) {
		t.Parallel()
		_, err := ApplyBps(math.MaxInt64, 20_000)
		require.ErrorIs(t, err, ErrOverflow)
	})
}

func TestTally_Money_ValidBpsSplit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		fields []int64
		want   bool
	}{
		{name: "exact split", fields: []int64{5000, 3000, 1500, 500}, want: true},
		{name: "sum too high", fields: []int64{5000, 3000, 2000, 500}, want: false},
		{name: "sum too low", fields: []int64{5000, 3000, 1000, 500}, want: false},
		{name: "negative field", fields: []int64{11_000, -1000, 0, 0}, want: false},
		{name: "field above full share", fields: []int64{10_500, 0, 0, -500}, want: false},
		{name: "single full field", fields: []int64{10_000, 0, 0, 0}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ValidBpsSplit(tt.fields...))
		})
	}
}

func TestTally_Money_FormatUSD(t *testing.T) {
	t.Parallel()

	require.Equal(t, "1.000000", FormatUSD(1_000_000))
	require.Equal(t, "0.000001", FormatUSD(1))
	require.Equal(t, "-2.500000", FormatUSD(-2_500_000))
	require.Equal(t, "10000.123456", FormatUSD(10_000_123_456))
}
