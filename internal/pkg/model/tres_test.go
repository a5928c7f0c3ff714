package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTresStr(t *testing.T) {
	tc, err := ParseTresStr("1=4,2=2048")
	require.NoError(t, err)
	assert.Equal(t, TresCounts{1: 4, 2: 2048}, tc)

	tc, err = ParseTresStr(",1=4,")
	require.NoError(t, err)
	assert.Equal(t, TresCounts{1: 4}, tc)

	tc, err = ParseTresStr("")
	require.NoError(t, err)
	assert.Empty(t, tc)

	_, err = ParseTresStr("1=4,bogus")
	assert.Error(t, err)
	_, err = ParseTresStr("x=4")
	assert.Error(t, err)
	_, err = ParseTresStr("1=abc")
	assert.Error(t, err)
}

func TestTresCountsString(t *testing.T) {
	tc := TresCounts{4: 2, 1: 16, 2: 4096}
	assert.Equal(t, "1=16,2=4096,4=2", tc.String())
	assert.Equal(t, "", TresCounts{}.String())

	// The encoding round-trips.
	back, err := ParseTresStr(tc.String())
	require.NoError(t, err)
	assert.Equal(t, tc, back)
}

func TestTresCountsGet(t *testing.T) {
	tc := TresCounts{TresCPU: 8}
	assert.Equal(t, int64(8), tc.Get(TresCPU))
	assert.Equal(t, int64(-1), tc.Get(TresMem))
}

func TestLimitSet(t *testing.T) {
	assert.False(t, LimitSet(0), "zero is the schema default, not a limit")
	assert.True(t, LimitSet(100))
	assert.False(t, LimitSet(-1))
	noVal, infinite := NoVal64, Infinite64
	assert.False(t, LimitSet(int64(noVal)))
	assert.False(t, LimitSet(int64(infinite)))
}

func TestMinLimit(t *testing.T) {
	infU := Infinite64
	inf := int64(infU)
	assert.Equal(t, int64(5), MinLimit(10, 5))
	assert.Equal(t, int64(5), MinLimit(5, 10))
	assert.Equal(t, int64(5), MinLimit(inf, 5))
	assert.Equal(t, int64(5), MinLimit(5, inf))
	assert.Equal(t, inf, MinLimit(inf, inf))
	assert.Equal(t, int64(-1), MinLimit(-1, inf))
}

func TestFoldMin(t *testing.T) {
	infFold := Infinite64
	child := TresCounts{1: 100, 2: int64(infFold)}
	parent := TresCounts{1: 50, 2: 4096, 4: 8}
	child.FoldMin(parent)
	assert.Equal(t, TresCounts{1: 50, 2: 4096, 4: 8}, child)

	// Folding never loosens a tighter child value.
	child = TresCounts{1: 10}
	child.FoldMin(TresCounts{1: 50})
	assert.Equal(t, int64(10), child[1])
}

func TestTresUpdateApply(t *testing.T) {
	cur := TresCounts{1: 4, 2: 2048}

	got := TresUpdate{Op: TresSet, Counts: TresCounts{1: 8}}.Apply(cur)
	assert.Equal(t, TresCounts{1: 8}, got)

	got = TresUpdate{Op: TresAdd, Counts: TresCounts{4: 2}}.Apply(cur)
	assert.Equal(t, TresCounts{1: 4, 2: 2048, 4: 2}, got)

	got = TresUpdate{Op: TresRemove, Counts: TresCounts{2: 0}}.Apply(cur)
	assert.Equal(t, TresCounts{1: 4}, got)

	// The input counts are never aliased into the result.
	assert.Equal(t, TresCounts{1: 4, 2: 2048}, cur)
}

func TestPreemptIDs(t *testing.T) {
	q := Qos{Preempt: ",1,4,"}
	assert.Equal(t, []int32{1, 4}, q.PreemptIDs())

	q.Preempt = ""
	assert.Empty(t, q.PreemptIDs())

	assert.Equal(t, ",1,4,", FormatPreemptIDs([]int32{1, 4}))
	assert.Equal(t, "", FormatPreemptIDs(nil))
}
