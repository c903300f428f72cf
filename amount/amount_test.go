package amount

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseAndString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		out     string
		wantErr bool
	}{
		{in: "KUDOS:5", out: "KUDOS:5"},
		{in: "KUDOS:0.1", out: "KUDOS:0.1"},
		{in: "EUR:1.00000001", out: "EUR:1.00000001"},
		{in: "EUR:12.50", out: "EUR:12.5"},
		{in: "EUR:1.123456789", wantErr: true},
		{in: "EUR:", wantErr: true},
		{in: "1.5", wantErr: true},
		{in: "EUR:-1", wantErr: true},
	}

	for _, test := range tests {
		a, err := Parse(test.in)
		if test.wantErr {
			require.ErrorIs(t, err, ErrInvalidAmount, test.in)
			continue
		}
		require.NoError(t, err, test.in)
		require.Equal(t, test.out, a.String())
	}
}

func TestAddSubSaturation(t *testing.T) {
	t.Parallel()

	a := MustParse("KUDOS:1.5")
	b := MustParse("KUDOS:0.75")

	sum, saturated, err := Add(a, b)
	require.NoError(t, err)
	require.False(t, saturated)
	require.Equal(t, "KUDOS:2.25", sum.String())

	diff, saturated, err := Sub(b, a)
	require.NoError(t, err)
	require.True(t, saturated)
	require.True(t, diff.IsZero())

	_, _, err = Add(a, MustParse("EUR:1"))
	require.ErrorIs(t, err, ErrCurrencyMismatch)

	_, saturated, err = Add(New("KUDOS", MaxValue, 0), New("KUDOS", 1, 0))
	require.NoError(t, err)
	require.True(t, saturated)
}

func TestDivide(t *testing.T) {
	t.Parallel()

	require.Equal(t, "KUDOS:0.5", MustParse("KUDOS:1").Divide(2).String())
	require.Equal(t, "KUDOS:3.33333333",
		MustParse("KUDOS:10").Divide(3).String())
}

func genAmount(cur string) *rapid.Generator[Amount] {
	return rapid.Custom(func(t *rapid.T) Amount {
		return Amount{
			Currency: cur,
			Value:    rapid.Uint64Range(0, 1<<40).Draw(t, "value"),
			Fraction: rapid.Uint32Range(
				0, FractionalBase-1,
			).Draw(t, "fraction"),
		}
	})
}

// TestAddSubRoundTrip checks that subtracting an added amount gives back the
// original one and that the string form round trips.
func TestAddSubRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		a := genAmount("TESTKUDOS").Draw(t, "a")
		b := genAmount("TESTKUDOS").Draw(t, "b")

		sum, saturated, err := Add(a, b)
		require.NoError(t, err)
		require.False(t, saturated)

		back, saturated, err := Sub(sum, b)
		require.NoError(t, err)
		require.False(t, saturated)

		c, err := Cmp(back, a)
		require.NoError(t, err)
		require.Zero(t, c)

		parsed, err := Parse(sum.String())
		require.NoError(t, err)
		c, err = Cmp(parsed, sum)
		require.NoError(t, err)
		require.Zero(t, c)
	})
}
