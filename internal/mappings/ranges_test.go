package mappings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange_Simple(t *testing.T) {
	r, err := ParseRange("e1-e12")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, r.Episodes(0))
	assert.True(t, r.Contains(1))
	assert.True(t, r.Contains(12))
	assert.False(t, r.Contains(13))
	assert.False(t, r.Contains(0))
}

func TestParseRange_Single(t *testing.T) {
	r, err := ParseRange("e5")
	require.NoError(t, err)
	assert.Equal(t, []int{5}, r.Episodes(0))
}

func TestParseRange_OpenEnded(t *testing.T) {
	r, err := ParseRange("e13-")
	require.NoError(t, err)
	assert.True(t, r.Open())
	assert.True(t, r.Contains(13))
	assert.True(t, r.Contains(500))
	assert.False(t, r.Contains(12))
	assert.Equal(t, []int{13, 14, 15}, r.Episodes(15))
	// Open segment with no cap yields nothing to materialize.
	assert.Empty(t, r.Episodes(0))
}

func TestParseRange_OpenStart(t *testing.T) {
	r, err := ParseRange("-e12")
	require.NoError(t, err)
	assert.True(t, r.Contains(1))
	assert.True(t, r.Contains(12))
	assert.False(t, r.Contains(13))
	assert.Equal(t, 12, r.Count(0))
}

func TestParseRange_Discontiguous(t *testing.T) {
	r, err := ParseRange("e1-e12|e14")
	require.NoError(t, err)
	assert.True(t, r.Contains(12))
	assert.False(t, r.Contains(13))
	assert.True(t, r.Contains(14))
	assert.Equal(t, 13, r.Count(0))
	assert.Equal(t, "e1-e12|e14", r.String())
}

func TestParseRange_Specials(t *testing.T) {
	r, err := ParseRange("e0")
	require.NoError(t, err)
	assert.True(t, r.Specials())
	assert.False(t, r.Contains(0))
	assert.False(t, r.Contains(1))
	assert.Equal(t, "e0", r.String())
}

func TestParseRange_EmptyMeansWholeSeason(t *testing.T) {
	r, err := ParseRange("")
	require.NoError(t, err)
	assert.True(t, r.Open())
	assert.True(t, r.Contains(1))
	assert.True(t, r.Contains(100))
	assert.Equal(t, 1, r.Start())
}

func TestParseRange_Errors(t *testing.T) {
	for _, expr := range []string{
		"e12-e1",  // reversed
		"e-1",     // negative
		"e0-e5",   // zero start outside sentinel
		"1-12",    // missing episode prefix
		"e1-e2|",  // empty alternative
		"exx",     // not a number
		"e1--e2",  // malformed
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseRange(expr)
			assert.Error(t, err, "expected %q to be rejected", expr)
		})
	}
}

func TestRange_EpisodesClampedToMax(t *testing.T) {
	r, err := ParseRange("e1-e24")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, r.Episodes(12))
}

func TestRange_OverlappingSegmentsDeduplicated(t *testing.T) {
	r, err := ParseRange("e1-e5|e3-e8")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, r.Episodes(0))
}
