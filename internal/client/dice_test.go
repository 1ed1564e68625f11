package client

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func fixedRoll(v int) func(int) int {
	return func(faces int) int { return min(v, faces) }
}

func TestEvaluateRoll(t *testing.T) {
	res, err := EvaluateRoll("2d6 + 1d4 - 1", fixedRoll(3))
	require.NoError(t, err)
	assert.Equal(t, "2d6+1d4-1", res.Formula)
	assert.Equal(t, 8, res.Total)
	require.Len(t, res.Terms, 3)
	assert.Equal(t, []int{3, 3}, res.Terms[0].Results)
	assert.Equal(t, -1, res.Terms[2].Sign)

	res, err = EvaluateRoll("d20", fixedRoll(20))
	require.NoError(t, err)
	assert.Equal(t, 20, res.Total)
}

func TestEvaluateRoll_DefaultRollerInRange(t *testing.T) {
	for range 50 {
		res, err := EvaluateRoll("3d6", nil)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Total, 3)
		assert.LessOrEqual(t, res.Total, 18)
	}
}

func TestEvaluateRoll_Rejects(t *testing.T) {
	for _, formula := range []string{"", "2d", "d0", "xd6", "2d6+", "1001d6", "1d6*2"} {
		_, err := EvaluateRoll(formula, fixedRoll(1))
		assert.True(t, errors.Is(err, ErrBadFormula), formula)
	}
}

func TestRollResult_JSON(t *testing.T) {
	res, err := EvaluateRoll("1d8+2", fixedRoll(5))
	require.NoError(t, err)
	raw, err := res.JSON()
	require.NoError(t, err)
	assert.Equal(t, "Roll", gjson.Get(raw, "class").String())
	assert.Equal(t, int64(7), gjson.Get(raw, "total").Int())
	assert.True(t, gjson.Get(raw, "evaluated").Bool())
}
