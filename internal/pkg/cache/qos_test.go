package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sacctd/internal/pkg/accterr"
	"sacctd/internal/pkg/model"
)

func buildQosTable(t *testing.T) *qosTable {
	t.Helper()
	tbl := newQosTable()
	require.NoError(t, tbl.rebuild(model.Qoses{
		{ID: 1, Name: "normal"},
		{ID: 2, Name: "high", Preempt: ",1,", GrpTres: "1=500"},
		{ID: 3, Name: "urgent", Preempt: ",1,2,"},
		{ID: 4, Name: "retired", Deleted: 1},
	}))
	return tbl
}

func TestQosTableLookup(t *testing.T) {
	tbl := buildQosTable(t)

	rec := tbl.lookup(2)
	require.NotNil(t, rec)
	assert.Equal(t, "high", rec.Name)
	assert.Equal(t, []int32{1}, rec.PreemptBits.Bits())
	assert.Equal(t, int64(500), rec.GrpTresC[model.TresCPU])

	// Deleted rows resolve by id but not by name.
	require.NotNil(t, tbl.lookup(4))
	assert.Nil(t, tbl.lookupName("retired"))
	assert.NotNil(t, tbl.lookupName("normal"))
}

func TestQosTableUpsertKeepsCounters(t *testing.T) {
	tbl := buildQosTable(t)

	rec := tbl.lookup(2)
	rec.GrpUsedJobs = 3
	rec.UserCounters(1000).SubmitJobs = 2

	require.NoError(t, tbl.upsert(model.Qos{ID: 2, Name: "high", GrpJobs: 50}))
	rec = tbl.lookup(2)
	assert.EqualValues(t, 50, rec.GrpJobs)
	assert.EqualValues(t, 3, rec.GrpUsedJobs)
	assert.EqualValues(t, 2, rec.UserCounters(1000).SubmitJobs)

	// A rename keeps the id and moves the name index.
	require.NoError(t, tbl.upsert(model.Qos{ID: 2, Name: "express"}))
	assert.Nil(t, tbl.lookupName("high"))
	require.NotNil(t, tbl.lookupName("express"))
	assert.EqualValues(t, 3, tbl.lookupName("express").GrpUsedJobs)
}

func TestQosTableRemove(t *testing.T) {
	tbl := buildQosTable(t)

	assert.True(t, tbl.remove(3))
	assert.False(t, tbl.remove(3))
	assert.Nil(t, tbl.lookupName("urgent"))
	require.NotNil(t, tbl.lookup(3))
	assert.EqualValues(t, 1, tbl.lookup(3).Deleted)
}

func TestQosTablePurgeUser(t *testing.T) {
	tbl := buildQosTable(t)
	tbl.lookup(1).UserCounters(1000).Jobs = 5
	tbl.lookup(2).UserCounters(1000).Jobs = 1
	tbl.lookup(2).UserCounters(2000).Jobs = 4

	tbl.purgeUser(1000)
	assert.NotContains(t, tbl.lookup(1).UserUsage, uint32(1000))
	assert.NotContains(t, tbl.lookup(2).UserUsage, uint32(1000))
	assert.Contains(t, tbl.lookup(2).UserUsage, uint32(2000))
}

func TestCheckPreemptLoop(t *testing.T) {
	tbl := buildQosTable(t)

	// A QOS preempting itself, directly or through its own new set.
	assert.Error(t, tbl.CheckPreemptLoop(3, []int32{1, 3}))

	// urgent(3) already preempts normal(1); giving normal the set {3}
	// closes the cycle 1 -> 3 -> 1.
	err := tbl.CheckPreemptLoop(1, []int32{3})
	require.Error(t, err)
	assert.ErrorIs(t, err, accterr.ErrPreemptLoop)

	// Replacing urgent's set with {1} stays acyclic.
	assert.NoError(t, tbl.CheckPreemptLoop(3, []int32{1}))
	// Unknown ids have no edges.
	assert.NoError(t, tbl.CheckPreemptLoop(2, []int32{99}))
}
