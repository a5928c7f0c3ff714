package policy

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sacctd/config"
	"sacctd/internal/pkg/cache"
	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage/none"
	"sacctd/internal/pkg/update"
)

// newEngine builds an engine over a cache seeded with the given rows.
// Enforcement is assocs+limits+qos, the full gate.
func newEngine(t *testing.T, assocs model.Associations, qoses model.Qoses) (*Engine, *cache.Cache, *Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := cache.New(&config.Server{
		ClusterName:       "snowflake",
		AccountingEnforce: []string{"limits", "qos"},
	}, &none.Conn{}, logger)
	require.NoError(t, err)

	var list update.List
	list.Append(update.Update{Type: update.AddUser, Users: model.Users{{Name: "alice", UID: 1000}}})
	if len(qoses) > 0 {
		list.Append(update.Update{Type: update.AddQos, Qoses: qoses})
	}
	list.Append(update.Update{Type: update.AddAssoc, Cluster: "snowflake", Assocs: assocs})
	require.NoError(t, c.ApplyUpdates(list))

	m := NewMetrics(prometheus.NewRegistry())
	return New(c, logger, m), c, m
}

// chain is root -> physics -> alice with the given limits on the rows.
func chain(acctRow, userRow model.Association) model.Associations {
	root := model.Association{IDAssoc: 1, Acct: "root", Lft: 1, Rgt: 6}
	acctRow.IDAssoc, acctRow.Acct, acctRow.IDParent = 2, "physics", 1
	acctRow.Lft, acctRow.Rgt = 2, 5
	userRow.IDAssoc, userRow.Acct, userRow.User, userRow.IDParent = 3, "physics", "alice", 2
	userRow.Lft, userRow.Rgt, userRow.IsDef = 3, 4, 1
	return model.Associations{root, acctRow, userRow}
}

func aliceJob() *Job {
	return &Job{
		JobID:    42,
		Cluster:  "snowflake",
		User:     "alice",
		UID:      1000,
		Acct:     "physics",
		MinCPUs:  4,
		MinNodes: 1,
	}
}

func assocCounters(t *testing.T, c *cache.Cache, id uint32) (usedJobs, usedSubmit, cpus int64) {
	t.Helper()
	var l cache.Locks
	l[cache.LockAssoc] = cache.ReadLock
	c.Acquire(l)
	defer c.Release(l)
	rec := c.AssocByID("snowflake", id)
	require.NotNil(t, rec)
	return rec.UsedJobs, rec.UsedSubmitJobs, rec.GrpUsedCPUs
}

func TestSubmitRunFinishQuiescence(t *testing.T) {
	e, c, _ := newEngine(t, chain(model.Association{}, model.Association{}), nil)
	ctx := context.Background()
	job := aliceJob()

	d, err := e.AddSubmit(ctx, job)
	require.NoError(t, err)
	assert.True(t, d.Runnable)
	assert.NotZero(t, job.AssocID, "submit binds the association")

	require.NoError(t, e.JobBegin(ctx, job))
	assert.Equal(t, StateRunning, job.State)

	// Counters climbed the whole chain.
	for _, id := range []uint32{3, 2, 1} {
		jobs, submit, cpus := assocCounters(t, c, id)
		assert.EqualValues(t, 1, jobs)
		assert.EqualValues(t, 1, submit)
		assert.EqualValues(t, 4, cpus)
	}

	require.NoError(t, e.JobFini(ctx, job))
	require.NoError(t, e.RemoveSubmit(ctx, job))

	// A well-nested sequence returns every counter to zero.
	for _, id := range []uint32{3, 2, 1} {
		jobs, submit, cpus := assocCounters(t, c, id)
		assert.Zero(t, jobs)
		assert.Zero(t, submit)
		assert.Zero(t, cpus)
	}
}

func TestCountersQuiesceAcrossTreeGrowth(t *testing.T) {
	e, c, m := newEngine(t, chain(model.Association{}, model.Association{}), nil)
	ctx := context.Background()
	job := aliceJob()

	_, err := e.AddSubmit(ctx, job)
	require.NoError(t, err)
	require.NoError(t, e.JobBegin(ctx, job))

	// The forest grows while the job runs, reallocating the tree's
	// backing slab. The later events must find the live records again
	// rather than decrement an orphaned copy.
	var grow update.List
	grow.Append(update.Update{Type: update.AddAssoc, Cluster: "snowflake", Assocs: model.Associations{
		{IDAssoc: 4, Acct: "chemistry", ParentAcct: "root", IDParent: 1, Lft: 6, Rgt: 11},
		{IDAssoc: 5, Acct: "chemistry", User: "bob", IDParent: 4, Lft: 7, Rgt: 8},
		{IDAssoc: 6, Acct: "chemistry", User: "carol", IDParent: 4, Lft: 9, Rgt: 10},
	}})
	require.NoError(t, c.ApplyUpdates(grow))

	require.NoError(t, e.JobFini(ctx, job))
	require.NoError(t, e.RemoveSubmit(ctx, job))

	for _, id := range []uint32{3, 2, 1} {
		jobs, submit, cpus := assocCounters(t, c, id)
		assert.Zero(t, jobs, "assoc %d", id)
		assert.Zero(t, submit, "assoc %d", id)
		assert.Zero(t, cpus, "assoc %d", id)
	}
	assert.Zero(t, testutil.ToFloat64(m.Underflow))
}

func TestRunnableCancelsPerNodeCpuRequest(t *testing.T) {
	// physics caps cpus per node at 16; alice's row carries no limit of
	// its own, so her effective per-node maximum inherits it.
	e, _, _ := newEngine(t, chain(model.Association{MaxTresPN: "1=16"}, model.Association{}), nil)

	job := aliceJob()
	job.MinCPUs = 32
	job.MinNodes = 2
	d := e.JobRunnable(context.Background(), job)
	assert.True(t, d.Runnable, "16 cpus per node fits")

	job = aliceJob()
	job.MinCPUs = 64
	job.MinNodes = 2
	d = e.JobRunnable(context.Background(), job)
	assert.True(t, d.Cancel, "32 cpus per node can never fit")
	assert.Equal(t, BankAccount, d.Reason)
	assert.Equal(t, StateFailed, job.State)
}

func TestSubmitCeiling(t *testing.T) {
	e, _, _ := newEngine(t, chain(model.Association{}, model.Association{MaxSubmitJobs: 1}), nil)
	ctx := context.Background()

	d, err := e.AddSubmit(ctx, aliceJob())
	require.NoError(t, err)
	assert.True(t, d.Runnable)

	d, err = e.AddSubmit(ctx, aliceJob())
	require.NoError(t, err)
	assert.False(t, d.Runnable)
	assert.Equal(t, AssocSubmitLimit, d.Reason)
}

func TestGroupSubmitCeilingOnAncestor(t *testing.T) {
	e, _, _ := newEngine(t, chain(model.Association{GrpSubmitJobs: 1}, model.Association{}), nil)
	ctx := context.Background()

	d, err := e.AddSubmit(ctx, aliceJob())
	require.NoError(t, err)
	require.True(t, d.Runnable)

	d, err = e.AddSubmit(ctx, aliceJob())
	require.NoError(t, err)
	assert.False(t, d.Runnable)
	assert.Equal(t, AssocSubmitLimit, d.Reason)
}

func TestRunnableCancelsOversizedRequest(t *testing.T) {
	// physics caps the group at 4 nodes; a 8-node job can never run.
	e, _, m := newEngine(t, chain(model.Association{GrpTres: "4=4"}, model.Association{}), nil)
	job := aliceJob()
	job.MinNodes = 8

	d := e.JobRunnable(context.Background(), job)
	assert.False(t, d.Runnable)
	assert.True(t, d.Cancel)
	assert.Equal(t, BankAccount, d.Reason)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Cancels))
}

func TestRunnableHoldsAtGroupJobLimit(t *testing.T) {
	e, _, _ := newEngine(t, chain(model.Association{GrpJobs: 1}, model.Association{}), nil)
	ctx := context.Background()

	first := aliceJob()
	_, err := e.AddSubmit(ctx, first)
	require.NoError(t, err)
	require.NoError(t, e.JobBegin(ctx, first))

	second := aliceJob()
	second.JobID = 43
	d := e.JobRunnable(ctx, second)
	assert.False(t, d.Runnable)
	assert.False(t, d.Cancel, "a full group holds, it does not cancel")
	assert.Equal(t, AssocJobLimit, d.Reason)
	assert.Equal(t, AssocJobLimit, second.Reason)

	// The hold clears once the running job finishes.
	require.NoError(t, e.JobFini(ctx, first))
	d = e.JobRunnable(ctx, second)
	assert.True(t, d.Runnable)
	assert.Equal(t, ReasonNone, second.Reason, "stale limit reason is cleared")
}

func TestRunnableCancelsWhenAssocEvaporates(t *testing.T) {
	e, _, _ := newEngine(t, chain(model.Association{}, model.Association{}), nil)
	job := aliceJob()
	job.Acct = "nonexistent"

	d := e.JobRunnable(context.Background(), job)
	assert.True(t, d.Cancel)
	assert.Equal(t, BankAccount, d.Reason)
	assert.Equal(t, StateFailed, job.State)
}

func TestQosUserJobLimit(t *testing.T) {
	e, _, _ := newEngine(t, chain(model.Association{}, model.Association{}),
		model.Qoses{{ID: 1, Name: "normal", MaxJobsPerUser: 1}})
	ctx := context.Background()

	first := aliceJob()
	first.QosID = 1
	_, err := e.AddSubmit(ctx, first)
	require.NoError(t, err)
	require.NoError(t, e.JobBegin(ctx, first))

	second := aliceJob()
	second.JobID = 43
	second.QosID = 1
	d := e.JobRunnable(ctx, second)
	assert.False(t, d.Runnable)
	assert.Equal(t, QosUserLimit, d.Reason)

	// Another user is not affected by alice's per-user limit.
	other := aliceJob()
	other.JobID = 44
	other.UID = 2000
	other.QosID = 1
	d = e.JobRunnable(ctx, other)
	assert.True(t, d.Runnable)
}

func TestQosWallCancelOverridesAssoc(t *testing.T) {
	// The QOS enforces wall; the association's tighter max_wall_pj on the
	// same dimension is not consulted.
	e, _, _ := newEngine(t, chain(model.Association{}, model.Association{MaxWallPJ: 10}),
		model.Qoses{{ID: 1, Name: "long", MaxWallDurationPerJob: 600}})

	job := aliceJob()
	job.QosID = 1
	job.TimeLimitMins = 120
	d := e.JobRunnable(context.Background(), job)
	assert.True(t, d.Runnable)

	job.TimeLimitMins = 1200
	d = e.JobRunnable(context.Background(), job)
	assert.True(t, d.Cancel)
}

func TestSuspendReleasesAllocation(t *testing.T) {
	e, c, _ := newEngine(t, chain(model.Association{}, model.Association{}), nil)
	ctx := context.Background()
	job := aliceJob()

	_, err := e.AddSubmit(ctx, job)
	require.NoError(t, err)
	require.NoError(t, e.JobBegin(ctx, job))

	require.NoError(t, e.JobSuspend(ctx, job, true))
	assert.Equal(t, StateSuspended, job.State)
	jobs, _, cpus := assocCounters(t, c, 3)
	assert.EqualValues(t, 1, jobs, "used_jobs stays put across suspend")
	assert.Zero(t, cpus)

	require.NoError(t, e.JobSuspend(ctx, job, false))
	assert.Equal(t, StateRunning, job.State)
	_, _, cpus = assocCounters(t, c, 3)
	assert.EqualValues(t, 4, cpus)
}

func TestRunningUsageAccrues(t *testing.T) {
	e, c, _ := newEngine(t, chain(model.Association{}, model.Association{}),
		model.Qoses{{ID: 1, Name: "half", UsageFactor: 0.5}})
	ctx := context.Background()
	job := aliceJob()
	job.QosID = 1

	_, err := e.AddSubmit(ctx, job)
	require.NoError(t, err)
	require.NoError(t, e.JobBegin(ctx, job))
	require.NoError(t, e.UpdateRunningUsage(ctx, job, 600))

	var l cache.Locks
	l[cache.LockQos], l[cache.LockAssoc] = cache.ReadLock, cache.ReadLock
	c.Acquire(l)
	defer c.Release(l)
	rec := c.AssocByID("snowflake", 3)
	// 4 cpus * 600s * factor 0.5.
	assert.InDelta(t, 1200, rec.UsageRaw, 0.01)
	assert.InDelta(t, 10, rec.GrpUsedWallMins, 0.01)
	q := c.QosByID(1)
	assert.InDelta(t, 1200, q.UsageRaw, 0.01)
}

func TestUnderflowSaturates(t *testing.T) {
	e, c, m := newEngine(t, chain(model.Association{}, model.Association{}), nil)
	job := aliceJob()

	// Fini without a begin: counters saturate at zero instead of going
	// negative, and the underflow counter records the broken nesting.
	require.NoError(t, e.JobFini(context.Background(), job))
	jobs, _, cpus := assocCounters(t, c, 3)
	assert.Zero(t, jobs)
	assert.Zero(t, cpus)
	assert.Greater(t, testutil.ToFloat64(m.Underflow), float64(0))
}
