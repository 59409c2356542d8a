package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRationalFromString(t *testing.T) {
	for _, tc := range []struct {
		input    string
		expected Rational
		isErr    bool
	}{
		{input: "30", expected: Rational{Num: 30, Den: 1}},
		{input: "30/1", expected: Rational{Num: 30, Den: 1}},
		{input: " 30000/1001 ", expected: Rational{Num: 30000, Den: 1001}},
		{input: "~23.976", expected: Rational{Num: 24000, Den: 1001}},
		{input: "~29.97", expected: Rational{Num: 30000, Den: 1001}},
		{input: "~29.93", expected: Rational{Num: 2993, Den: 100}},
		{input: "~25", expected: Rational{Num: 25, Den: 1}},
		{input: "~0.3", expected: Rational{Num: 3, Den: 10}},
		{input: "0.33333", expected: Rational{Num: 33333, Den: 100000}},
		{input: "0/1", expected: Rational{Num: 0, Den: 1}},
		{input: "", isErr: true},
		{input: "1/0", isErr: true},
		{input: "invalid", isErr: true},
		{input: "10/invalid", isErr: true},
	} {
		t.Run(tc.input, func(t *testing.T) {
			r, err := RationalFromString(tc.input)
			if tc.isErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, r)
		})
	}
}

func TestRationalText(t *testing.T) {
	var r Rational
	require.NoError(t, r.UnmarshalText([]byte("25/1")))
	require.Equal(t, Rational{Num: 25, Den: 1}, r)
	b, err := r.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "25/1", string(b))

	require.NoError(t, r.UnmarshalText(nil))
	require.Equal(t, Rational{}, r)
	b, err = r.MarshalText()
	require.NoError(t, err)
	require.Empty(t, b)
}

func TestRationalFrameDuration(t *testing.T) {
	require.Equal(t, 40*time.Millisecond, Rational{Num: 25, Den: 1}.FrameDuration())
	require.Equal(t, time.Duration(33366666), Rational{Num: 30000, Den: 1001}.FrameDuration())
	require.Zero(t, Rational{}.FrameDuration())
	require.Zero(t, Rational{Num: 30, Den: 0}.FrameDuration())
}

func TestRationalReduce(t *testing.T) {
	require.Equal(t, Rational{Num: 3, Den: 4}, Rational{Num: 30, Den: 40}.Reduce())
	require.Equal(t, Rational{Num: -1, Den: 2}, Rational{Num: -5, Den: 10}.Reduce())
	require.Equal(t, Rational{Num: 0, Den: 7}, Rational{Num: 0, Den: 7}.Reduce())
}
