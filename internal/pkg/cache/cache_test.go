package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sacctd/config"
	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage"
	"sacctd/internal/pkg/storage/none"
	"sacctd/internal/pkg/update"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T, cfg *config.Server) *Cache {
	t.Helper()
	if cfg == nil {
		cfg = &config.Server{ClusterName: "snowflake"}
	}
	c, err := New(cfg, &none.Conn{}, testLogger())
	require.NoError(t, err)
	return c
}

func seedList() update.List {
	var list update.List
	list.Append(update.Update{Type: update.AddTres, Treses: model.Treses{
		{ID: model.TresCPU, Type: "cpu"},
		{ID: model.TresMem, Type: "mem"},
	}})
	list.Append(update.Update{Type: update.AddUser, Users: model.Users{
		{Name: "alice", UID: 1000},
	}})
	list.Append(update.Update{Type: update.AddQos, Qoses: model.Qoses{
		{ID: 1, Name: "normal"},
	}})
	list.Append(update.Update{Type: update.AddAssoc, Cluster: "snowflake", Assocs: testForest()})
	return list
}

func readAll() Locks {
	var l Locks
	l[LockTres], l[LockUser], l[LockQos], l[LockAssoc], l[LockWCKey] =
		ReadLock, ReadLock, ReadLock, ReadLock, ReadLock
	return l
}

func TestApplyUpdates(t *testing.T) {
	c := newTestCache(t, nil)
	require.NoError(t, c.ApplyUpdates(seedList()))

	l := readAll()
	c.Acquire(l)
	defer c.Release(l)

	tr, ok := c.TresByName("cpu", "")
	require.True(t, ok)
	assert.Equal(t, model.TresCPU, tr.ID)
	require.NotNil(t, c.UserByName("alice"))
	require.NotNil(t, c.QosByName("normal"))
	rec := c.AssocLookup("snowflake", "physics", "alice", "")
	require.NotNil(t, rec)
	assert.Equal(t, rec, c.AssocDefault("snowflake", "alice"))
	assert.Len(t, c.Assocs(), 6)
}

func TestApplyUpdatesIdempotent(t *testing.T) {
	c := newTestCache(t, nil)
	require.NoError(t, c.ApplyUpdates(seedList()))

	// Live counters survive a duplicate delivery: rows replace by id.
	l := readAll()
	c.Acquire(l)
	c.AssocByID("snowflake", 3).UsedJobs = 4
	c.Release(l)

	require.NoError(t, c.ApplyUpdates(seedList()))

	c.Acquire(l)
	defer c.Release(l)
	assert.EqualValues(t, 4, c.AssocByID("snowflake", 3).UsedJobs)
	assert.Len(t, c.Assocs(), 6)
}

func TestApplyUpdatesRemoveUserPurgesQosCounters(t *testing.T) {
	c := newTestCache(t, nil)
	require.NoError(t, c.ApplyUpdates(seedList()))

	wl := Locks{}
	wl[LockQos] = WriteLock
	c.Acquire(wl)
	c.QosByID(1).UserCounters(1000).Jobs = 2
	c.Release(wl)

	var list update.List
	list.Append(update.Update{Type: update.RemoveUser, Users: model.Users{{Name: "alice"}}})
	require.NoError(t, c.ApplyUpdates(list))

	l := readAll()
	c.Acquire(l)
	defer c.Release(l)
	assert.EqualValues(t, 1, c.UserByName("alice").Deleted)
	assert.NotContains(t, c.QosByID(1).UserUsage, uint32(1000))
}

func TestApplyUpdatesCoordReplace(t *testing.T) {
	c := newTestCache(t, nil)
	require.NoError(t, c.ApplyUpdates(seedList()))

	var list update.List
	list.Append(update.Update{Type: update.AddCoord, Coords: map[string][]model.CoordAcct{
		"alice": {{Acct: "physics", Direct: true}},
	}})
	require.NoError(t, c.ApplyUpdates(list))

	l := readAll()
	c.Acquire(l)
	assert.True(t, c.UserByName("alice").Coordinates("physics"))
	c.Release(l)

	// The payload carries the full new set; an empty set revokes.
	list = nil
	list.Append(update.Update{Type: update.RemoveCoord, Coords: map[string][]model.CoordAcct{
		"alice": {},
	}})
	require.NoError(t, c.ApplyUpdates(list))
	c.Acquire(l)
	defer c.Release(l)
	assert.False(t, c.UserByName("alice").Coordinates("physics"))
}

func TestFillInIDSurvivesTreeGrowth(t *testing.T) {
	c := newTestCache(t, nil)
	require.NoError(t, c.ApplyUpdates(seedList()))

	id, acct, err := c.FillIn(context.Background(), "snowflake", "physics", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "physics", acct)
	require.EqualValues(t, 3, id)

	// Growing the forest between the lookup and the counter mutation
	// reallocates the tree's slab. The id must still reach the live
	// records; a pointer taken before the growth would aim into the
	// orphaned backing array and the increments would vanish.
	var grow update.List
	grow.Append(update.Update{Type: update.AddAssoc, Cluster: "snowflake", Assocs: model.Associations{
		{IDAssoc: 7, Cluster: "snowflake", Acct: "biology", ParentAcct: "root", IDParent: 1, Lft: 12, Rgt: 17},
		{IDAssoc: 8, Cluster: "snowflake", Acct: "biology", User: "carol", IDParent: 7, Lft: 13, Rgt: 14},
		{IDAssoc: 9, Cluster: "snowflake", Acct: "biology", User: "dave", IDParent: 7, Lft: 15, Rgt: 16},
	}})
	require.NoError(t, c.ApplyUpdates(grow))

	wl := Locks{}
	wl[LockAssoc] = WriteLock
	c.Acquire(wl)
	c.WalkUp(c.AssocByID("snowflake", id), func(n *AssocRec) bool {
		n.UsedSubmitJobs++
		return true
	})
	c.Release(wl)

	l := readAll()
	c.Acquire(l)
	defer c.Release(l)
	for _, want := range []uint32{3, 2, 1} {
		assert.EqualValues(t, 1, c.AssocByID("snowflake", want).UsedSubmitJobs, "assoc %d", want)
	}
}

func TestStateFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Server{
		ClusterName:       "snowflake",
		StateSaveLocation: filepath.Join(dir, "cache_state"),
	}
	c := newTestCache(t, cfg)
	require.NoError(t, c.ApplyUpdates(seedList()))
	require.NoError(t, c.Shutdown())

	restored := newTestCache(t, cfg)
	require.NoError(t, restored.loadState())

	l := readAll()
	restored.Acquire(l)
	defer restored.Release(l)
	require.NotNil(t, restored.UserByName("alice"))
	rec := restored.AssocLookup("snowflake", "physics", "alice", "")
	require.NotNil(t, rec)
	// Effective limits are recomputed from the snapshot rows.
	assert.EqualValues(t, 10, rec.EffMaxJobs)
}

func TestLoadStateRefusesNewerVersion(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Server{
		ClusterName:       "snowflake",
		StateSaveLocation: filepath.Join(dir, "cache_state"),
	}
	c := newTestCache(t, cfg)
	require.NoError(t, c.saveState())

	// Bump the version past what this build understands.
	b, err := os.ReadFile(cfg.StateSaveLocation)
	require.NoError(t, err)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(b, &snap))
	snap["version"] = StateFormatVersion + 1
	b, err = json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.StateSaveLocation, b, 0o600))

	assert.Error(t, c.loadState())
}

func TestRunningCacheQueue(t *testing.T) {
	c := newTestCache(t, nil)
	c.setRunningCache(true)
	assert.True(t, c.RunningCache())

	var order []int
	c.QueueWrite(func(ctx context.Context, conn storage.Conn) error {
		order = append(order, 1)
		return nil
	})
	c.QueueWrite(func(ctx context.Context, conn storage.Conn) error {
		order = append(order, 2)
		return nil
	})
	require.NoError(t, c.ReplayPending(context.Background()))
	assert.Equal(t, []int{1, 2}, order)
	assert.False(t, c.RunningCache())
}

func TestReplayPendingStopsAtFailure(t *testing.T) {
	c := newTestCache(t, nil)
	c.setRunningCache(true)

	boom := errors.New("boom")
	var ran int
	failures := 1
	c.QueueWrite(func(ctx context.Context, conn storage.Conn) error {
		ran++
		return nil
	})
	c.QueueWrite(func(ctx context.Context, conn storage.Conn) error {
		if failures > 0 {
			failures--
			return boom
		}
		return nil
	})
	c.QueueWrite(func(ctx context.Context, conn storage.Conn) error {
		ran++
		return nil
	})

	require.ErrorIs(t, c.ReplayPending(context.Background()), boom)
	assert.Equal(t, 1, ran)
	assert.True(t, c.RunningCache(), "failure keeps running-cache mode")

	// The failed write and its successor are still queued, in order.
	require.NoError(t, c.ReplayPending(context.Background()))
}

func TestDistributor(t *testing.T) {
	c := newTestCache(t, nil)
	d := NewDistributor(c, 8, testLogger())

	var forwarded [][]byte
	d.AddForwarder(func(b []byte) { forwarded = append(forwarded, b) })

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.Dispatch(seedList())
	d.Dispatch(nil) // empty lists are dropped
	cancel()
	d.Wait()

	require.Len(t, forwarded, 1)
	list, err := update.Unmarshal(forwarded[0])
	require.NoError(t, err)
	assert.NotEmpty(t, list)

	l := readAll()
	c.Acquire(l)
	defer c.Release(l)
	assert.NotNil(t, c.UserByName("alice"))
}
