package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sacctd/internal/pkg/model"
)

func TestRecomputeCoordsExplicit(t *testing.T) {
	tree := buildTree(t)
	users := newUserTable()
	users.rebuild(model.Users{{Name: "alice"}, {Name: "bob"}}, []model.Coord{
		{Acct: "chemistry", User: "alice"},
		{Acct: "physics", User: "bob", Deleted: 1},
	})

	changed := users.recomputeCoords(tree)
	assert.Equal(t, []string{"alice"}, changed)

	alice := users.lookup("alice")
	require.Len(t, alice.CoordAccts, 1)
	assert.Equal(t, model.CoordAcct{Acct: "chemistry", Direct: true}, alice.CoordAccts[0])
	assert.True(t, alice.Coordinates("chemistry"))
	assert.False(t, alice.Coordinates("physics"))

	// Deleted grants confer nothing.
	assert.Empty(t, users.lookup("bob").CoordAccts)

	// Recomputing with no changes reports no users.
	assert.Empty(t, users.recomputeCoords(tree))
}

func TestRecomputeCoordsInherited(t *testing.T) {
	// physics carries the users-are-coords flag on alice's row: alice
	// coordinates physics and every descendant account.
	rows := testForest()
	rows[2].Flags = model.AssocFlagUsersAreCoords
	tree := newAssocTree()
	require.NoError(t, tree.rebuild(rows))

	users := newUserTable()
	users.rebuild(model.Users{{Name: "alice"}}, nil)
	changed := users.recomputeCoords(tree)
	assert.Equal(t, []string{"alice"}, changed)

	alice := users.lookup("alice")
	require.Len(t, alice.CoordAccts, 1)
	// Inherited, not direct.
	assert.Equal(t, model.CoordAcct{Acct: "physics", Direct: false}, alice.CoordAccts[0])
}

func TestRecomputeCoordsRevoked(t *testing.T) {
	tree := buildTree(t)
	users := newUserTable()
	users.rebuild(model.Users{{Name: "alice"}}, []model.Coord{{Acct: "physics", User: "alice"}})
	users.recomputeCoords(tree)
	require.True(t, users.lookup("alice").Coordinates("physics"))

	// Dropping the grant empties the set on the next recompute.
	users.coords = nil
	changed := users.recomputeCoords(tree)
	assert.Equal(t, []string{"alice"}, changed)
	assert.Empty(t, users.lookup("alice").CoordAccts)
}

func TestUserTableRemove(t *testing.T) {
	users := newUserTable()
	users.rebuild(model.Users{{Name: "alice", UID: 1000}}, nil)

	uid, ok := users.remove("alice")
	assert.True(t, ok)
	assert.Equal(t, uint32(1000), uid)

	// The record stays resolvable as deleted; a second remove is a no-op.
	rec := users.lookup("alice")
	require.NotNil(t, rec)
	assert.EqualValues(t, 1, rec.Deleted)
	_, ok = users.remove("alice")
	assert.False(t, ok)
}
