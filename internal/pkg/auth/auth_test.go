package auth

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sacctd/config"
	"sacctd/internal/pkg/accterr"
	"sacctd/internal/pkg/cache"
	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage/none"
	"sacctd/internal/pkg/update"
)

func testCache(t *testing.T) *cache.Cache {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := cache.New(&config.Server{ClusterName: "snowflake"}, &none.Conn{}, logger)
	require.NoError(t, err)

	var list update.List
	list.Append(update.Update{Type: update.AddUser, Users: model.Users{
		{Name: "root", AdminLevel: model.AdminAdministrator},
		{Name: "op", AdminLevel: model.AdminOperator},
		{Name: "alice"},
		{Name: "bob"},
	}})
	list.Append(update.Update{Type: update.AddCoord, Coords: map[string][]model.CoordAcct{
		"alice": {{Acct: "physics", Direct: true}, {Acct: "chemistry"}},
	}})
	require.NoError(t, c.ApplyUpdates(list))
	return c
}

func newAuth(t *testing.T, private config.Private, disableCoord bool) *Authorizer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(testCache(t), private, disableCoord, logger)
}

func TestResolve(t *testing.T) {
	a := newAuth(t, 0, false)

	root := a.Resolve("root")
	assert.True(t, root.Admin())
	assert.True(t, root.Operator())

	op := a.Resolve("op")
	assert.False(t, op.Admin())
	assert.True(t, op.Operator())

	alice := a.Resolve("alice")
	assert.False(t, alice.Operator())
	assert.True(t, alice.Coordinates("physics"))
	assert.True(t, alice.Coordinates("chemistry"))
	assert.False(t, alice.Coordinates("biology"))

	ghost := a.Resolve("nobody")
	assert.Equal(t, model.AdminNone, ghost.Level)
	assert.Empty(t, ghost.Coords)
}

func TestAdminOnlyOperations(t *testing.T) {
	a := newAuth(t, 0, false)
	root := a.Resolve("root")
	op := a.Resolve("op")

	assert.NoError(t, a.ManageClusters(root))
	assert.NoError(t, a.ManageQos(root))
	assert.NoError(t, a.ManageTres(root))

	// Operator is not enough for cluster, federation, QOS or TRES changes.
	for _, err := range []error{a.ManageClusters(op), a.ManageQos(op), a.ManageTres(op)} {
		assert.ErrorIs(t, err, accterr.ErrAccessDenied)
	}
}

func TestManageUsers(t *testing.T) {
	a := newAuth(t, 0, false)

	assert.NoError(t, a.ManageUsers(a.Resolve("op")))
	assert.ErrorIs(t, a.ManageUsers(a.Resolve("alice")), accterr.ErrAccessDenied)
}

func TestManageAccountCoordinator(t *testing.T) {
	a := newAuth(t, 0, false)
	alice := a.Resolve("alice")
	bob := a.Resolve("bob")

	assert.NoError(t, a.ManageAccount(alice, "physics"))
	assert.ErrorIs(t, a.ManageAccount(alice, "biology"), accterr.ErrAccessDenied)
	assert.ErrorIs(t, a.ManageAccount(bob, "physics"), accterr.ErrAccessDenied)
	assert.NoError(t, a.ManageAccount(a.Resolve("op"), "biology"))
}

func TestManageAssocBothParents(t *testing.T) {
	a := newAuth(t, 0, false)
	alice := a.Resolve("alice")

	// Limit change in place: one coordinated account suffices.
	assert.NoError(t, a.ManageAssoc(alice, "physics", "physics"))
	// Reparent between two coordinated accounts.
	assert.NoError(t, a.ManageAssoc(alice, "physics", "chemistry"))
	// Reparent out of the coordinated subtree needs both ends.
	assert.ErrorIs(t, a.ManageAssoc(alice, "physics", "biology"), accterr.ErrAccessDenied)
	assert.ErrorIs(t, a.ManageAssoc(alice, "biology", "physics"), accterr.ErrAccessDenied)
	assert.NoError(t, a.ManageAssoc(a.Resolve("op"), "biology", "astronomy"))
}

func TestDisableCoordDowngrade(t *testing.T) {
	a := newAuth(t, 0, true)
	alice := a.Resolve("alice")

	// With disableCoordDBD every coordinator clause hardens to Operator.
	assert.ErrorIs(t, a.ManageAccount(alice, "physics"), accterr.ErrAccessDenied)
	assert.ErrorIs(t, a.ManageAssoc(alice, "physics", "physics"), accterr.ErrAccessDenied)
	assert.ErrorIs(t, a.ManageCoords(alice, "physics"), accterr.ErrAccessDenied)
	assert.NoError(t, a.ManageAccount(a.Resolve("op"), "physics"))
}

func TestSetUserDefault(t *testing.T) {
	a := newAuth(t, 0, false)

	assert.NoError(t, a.SetUserDefault(a.Resolve("bob"), "bob"))
	assert.NoError(t, a.SetUserDefault(a.Resolve("op"), "bob"))
	assert.ErrorIs(t, a.SetUserDefault(a.Resolve("alice"), "bob"), accterr.ErrAccessDenied)
}

func TestPrivateDataGates(t *testing.T) {
	open := newAuth(t, 0, false)
	bob := open.Resolve("bob")

	// Nothing private: everyone reads everything.
	assert.NoError(t, open.ReadUser(bob, "alice"))
	assert.NoError(t, open.ReadUsage(bob, "alice"))
	assert.NoError(t, open.ReadAccount(bob, "physics"))
	assert.NoError(t, open.ReadEvents(bob))

	closed := newAuth(t, config.PrivateUsers|config.PrivateAccounts|config.PrivateUsage|config.PrivateEvents, false)
	bob = closed.Resolve("bob")
	alice := closed.Resolve("alice")

	assert.NoError(t, closed.ReadUser(bob, "bob"))
	assert.ErrorIs(t, closed.ReadUser(bob, "alice"), accterr.ErrAccessDenied)

	assert.NoError(t, closed.ReadUsage(bob, "bob"))
	assert.ErrorIs(t, closed.ReadUsage(bob, "alice"), accterr.ErrAccessDenied)
	assert.ErrorIs(t, closed.ReadUsage(bob, ""), accterr.ErrAccessDenied)
	assert.NoError(t, closed.ReadUsage(closed.Resolve("op"), ""))

	// Coordinators keep read access to their accounts.
	assert.NoError(t, closed.ReadAccount(alice, "physics"))
	assert.ErrorIs(t, closed.ReadAccount(bob, "physics"), accterr.ErrAccessDenied)

	assert.ErrorIs(t, closed.ReadEvents(bob), accterr.ErrAccessDenied)
	assert.NoError(t, closed.ReadEvents(closed.Resolve("op")))
}

func TestDeniedErrorIsStable(t *testing.T) {
	a := newAuth(t, 0, false)
	err := a.ManageQos(a.Resolve("bob"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, accterr.ErrAccessDenied))
	assert.Contains(t, err.Error(), "bob")
}
