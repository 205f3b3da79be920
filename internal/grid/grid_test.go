package grid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRangeAndRoundTrip(t *testing.T) {
	cases := []string{"FN42qc", "JN58td", "AA00aa", "RR99xx", "EM12", "QJ87"}
	for _, loc := range cases {
		t.Run(loc, func(t *testing.T) {
			lat, lon, err := Decode(loc)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, lat, -90.0)
			assert.LessOrEqual(t, lat, 90.0)
			assert.GreaterOrEqual(t, lon, -180.0)
			assert.LessOrEqual(t, lon, 180.0)

			// The decoded center must re-encode to the same square: decoding
			// a square's center and re-encoding it always lands back inside
			// the original square (spec.md §8 testable property 7).
			re, err := Encode(lat, lon)
			require.NoError(t, err)
			n := len(loc)
			assert.Equal(t, normalize(loc[:n]), re[:n])
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, loc := range []string{"", "A", "ABCDE", "99AA", "FN4Z", "FNa2"} {
		_, _, err := Decode(loc)
		assert.Error(t, err, loc)
	}
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	_, err := Encode(91, 0)
	assert.Error(t, err)
	_, err = Encode(0, 181)
	assert.Error(t, err)
}

func TestFourCharCenterWithinOneDegree(t *testing.T) {
	lat, lon, err := Decode("FN42")
	require.NoError(t, err)
	// FN42 spans lon [-72,-70], lat [42,43]; center is (-71, 42.5).
	assert.InDelta(t, -71.0, lon, 1.0)
	assert.InDelta(t, 42.5, lat, 0.5)
}

func TestSixCharCenterWithinFourCharSquare(t *testing.T) {
	lat4, lon4, err := Decode("FN42")
	require.NoError(t, err)
	lat6, lon6, err := Decode("FN42qc")
	require.NoError(t, err)
	// Both centers fall within the same 2x1 degree square.
	assert.True(t, math.Abs(lat6-lat4) <= 0.5)
	assert.True(t, math.Abs(lon6-lon4) <= 1.0)
}

func normalize(s string) string {
	b := []byte(s)
	for i := 0; i < len(b) && i < 2; i++ {
		b[i] = upper(b[i])
	}
	for i := 4; i < len(b); i++ {
		b[i] = lower(b[i])
	}
	return string(b)
}
