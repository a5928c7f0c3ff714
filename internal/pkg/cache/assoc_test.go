package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sacctd/internal/pkg/model"
)

// testForest is root(1) -> physics(2) -> {alice(3), alice/gpu(4)},
// root(1) -> chemistry(5) -> bob(6). Account rows carry grp limits that
// must fold into the user rows' effective limits.
func testForest() model.Associations {
	return model.Associations{
		{IDAssoc: 1, Cluster: "snowflake", Acct: "root", Lft: 1, Rgt: 12},
		{IDAssoc: 2, Cluster: "snowflake", Acct: "physics", ParentAcct: "root", IDParent: 1,
			Lft: 2, Rgt: 7, GrpJobs: 10, GrpTres: "1=100"},
		{IDAssoc: 3, Cluster: "snowflake", Acct: "physics", User: "alice", IDParent: 2,
			Lft: 3, Rgt: 4, IsDef: 1, MaxJobs: 20, MaxTresPJ: "1=200,2=4096"},
		{IDAssoc: 4, Cluster: "snowflake", Acct: "physics", User: "alice", Partition: "gpu",
			IDParent: 2, Lft: 5, Rgt: 6, MaxJobs: 2},
		{IDAssoc: 5, Cluster: "snowflake", Acct: "chemistry", ParentAcct: "root", IDParent: 1,
			Lft: 8, Rgt: 11},
		{IDAssoc: 6, Cluster: "snowflake", Acct: "chemistry", User: "bob", IDParent: 5,
			Lft: 9, Rgt: 10, IsDef: 1},
	}
}

func buildTree(t *testing.T) *assocTree {
	t.Helper()
	tree := newAssocTree()
	require.NoError(t, tree.rebuild(testForest()))
	return tree
}

func TestAssocTreeLookup(t *testing.T) {
	tree := buildTree(t)

	rec := tree.lookup("snowflake", "physics", "alice", "")
	require.NotNil(t, rec)
	assert.Equal(t, uint32(3), rec.IDAssoc)

	// A partition-specific row wins over the partitionless one.
	rec = tree.lookup("snowflake", "physics", "alice", "gpu")
	require.NotNil(t, rec)
	assert.Equal(t, uint32(4), rec.IDAssoc)

	// An unknown partition falls back to the partitionless row.
	rec = tree.lookup("snowflake", "physics", "alice", "debug")
	require.NotNil(t, rec)
	assert.Equal(t, uint32(3), rec.IDAssoc)

	assert.Nil(t, tree.lookup("snowflake", "physics", "carol", ""))
	assert.Nil(t, tree.lookup("other", "physics", "alice", ""))
}

func TestAssocTreeDefault(t *testing.T) {
	tree := buildTree(t)

	rec := tree.defaultFor("snowflake", "alice")
	require.NotNil(t, rec)
	assert.Equal(t, uint32(3), rec.IDAssoc)

	assert.Nil(t, tree.defaultFor("snowflake", "carol"))
}

func TestAssocTreeWalkUp(t *testing.T) {
	tree := buildTree(t)

	var ids []uint32
	tree.walkUp(tree.byIDLookup("snowflake", 3), func(r *AssocRec) bool {
		ids = append(ids, r.IDAssoc)
		return true
	})
	assert.Equal(t, []uint32{3, 2, 1}, ids)

	// fn returning false stops the walk.
	ids = ids[:0]
	tree.walkUp(tree.byIDLookup("snowflake", 3), func(r *AssocRec) bool {
		ids = append(ids, r.IDAssoc)
		return false
	})
	assert.Equal(t, []uint32{3}, ids)
}

func TestAssocTreeEffectiveLimits(t *testing.T) {
	tree := buildTree(t)

	// alice's own max_jobs=20 is tightened by physics' grp_jobs=10.
	rec := tree.byIDLookup("snowflake", 3)
	require.NotNil(t, rec)
	assert.Equal(t, int64(10), rec.EffMaxJobs)
	// cpu: own 200 vs ancestor grp 100; mem: only the own limit.
	assert.Equal(t, int64(100), rec.EffMaxTresPJ[model.TresCPU])
	assert.Equal(t, int64(4096), rec.EffMaxTresPJ[model.TresMem])

	// bob's chain carries no enforced limits at all.
	rec = tree.byIDLookup("snowflake", 6)
	require.NotNil(t, rec)
	assert.Equal(t, int64(0), rec.EffMaxJobs)
	assert.Empty(t, rec.EffMaxTresPJ)
}

func TestAssocTreeNestedSetOrder(t *testing.T) {
	tree := buildTree(t)

	var ids []uint32
	for _, rec := range tree.all() {
		ids = append(ids, rec.IDAssoc)
	}
	assert.Equal(t, []uint32{1, 2, 3, 4, 5, 6}, ids)
}

func TestAssocTreeRemove(t *testing.T) {
	tree := buildTree(t)

	require.True(t, tree.remove("snowflake", 4))
	assert.False(t, tree.remove("snowflake", 4), "second remove is a no-op")

	// The tombstone still resolves by id but not by key.
	rec := tree.byIDLookup("snowflake", 4)
	require.NotNil(t, rec)
	assert.EqualValues(t, 1, rec.Deleted)
	assert.Zero(t, rec.Lft)
	got := tree.lookup("snowflake", "physics", "alice", "gpu")
	require.NotNil(t, got)
	assert.Equal(t, uint32(3), got.IDAssoc, "falls back to partitionless row")

	// Removing the default clears the default index.
	require.True(t, tree.remove("snowflake", 3))
	assert.Nil(t, tree.defaultFor("snowflake", "alice"))
}

func TestAssocTreeUpsert(t *testing.T) {
	tree := buildTree(t)

	// Limit-only change is not structural and keeps live counters.
	rec := tree.byIDLookup("snowflake", 3)
	rec.UsedJobs = 7
	row := testForest()[2]
	row.MaxJobs = 5
	structural, err := tree.upsert("snowflake", row)
	require.NoError(t, err)
	assert.False(t, structural)
	rec = tree.byIDLookup("snowflake", 3)
	assert.EqualValues(t, 5, rec.MaxJobs)
	assert.EqualValues(t, 7, rec.UsedJobs)

	// Reparenting is structural.
	row = testForest()[2]
	row.IDParent = 5
	row.ParentAcct = "chemistry"
	row.Acct = "chemistry"
	structural, err = tree.upsert("snowflake", row)
	require.NoError(t, err)
	assert.True(t, structural)

	// A new id is always structural.
	structural, err = tree.upsert("snowflake", model.Association{
		IDAssoc: 7, Acct: "chemistry", User: "carol", IDParent: 5, Lft: 10, Rgt: 11,
	})
	require.NoError(t, err)
	assert.True(t, structural)
	assert.NotNil(t, tree.lookup("snowflake", "chemistry", "carol", ""))

	// Malformed TRES rolls the record back.
	row = testForest()[2]
	row.GrpTres = "bogus"
	_, err = tree.upsert("snowflake", row)
	assert.Error(t, err)
}

func TestAssocTreeRebuildMissingParent(t *testing.T) {
	tree := newAssocTree()
	err := tree.rebuild(model.Associations{
		{IDAssoc: 2, Cluster: "snowflake", Acct: "physics", IDParent: 99, Lft: 1, Rgt: 2},
	})
	assert.Error(t, err)
}

func TestDescendantAccts(t *testing.T) {
	tree := buildTree(t)

	root := tree.byIDLookup("snowflake", 1)
	assert.Equal(t, []string{"chemistry", "physics", "root"}, tree.descendantAccts(root))

	physics := tree.byIDLookup("snowflake", 2)
	assert.Equal(t, []string{"physics"}, tree.descendantAccts(physics))
}
