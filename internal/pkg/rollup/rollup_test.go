package rollup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage"
	"sacctd/internal/pkg/storage/none"
)

var utc = time.UTC

func ts(y int, mo time.Month, d, h, mi int) time.Time {
	return time.Date(y, mo, d, h, mi, 0, 0, utc)
}

func TestTruncAndNext(t *testing.T) {
	at := ts(2026, time.March, 15, 13, 42)

	assert.Equal(t, ts(2026, time.March, 15, 13, 0), truncHour(at, utc))
	assert.Equal(t, ts(2026, time.March, 15, 0, 0), truncDay(at, utc))
	assert.Equal(t, ts(2026, time.March, 1, 0, 0), truncMonth(at, utc))

	assert.Equal(t, ts(2026, time.March, 15, 14, 0), nextHour(truncHour(at, utc), utc))
	assert.Equal(t, ts(2026, time.March, 16, 0, 0), nextDay(truncDay(at, utc), utc))
	assert.Equal(t, ts(2026, time.April, 1, 0, 0), nextMonth(truncMonth(at, utc), utc))

	// Month arithmetic rolls the year.
	assert.Equal(t, ts(2027, time.January, 1, 0, 0), nextMonth(ts(2026, time.December, 1, 0, 0), utc))
}

func TestNextHourAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Spring forward 2026-03-08: 01:00 EST is followed by 03:00 EDT.
	before := time.Date(2026, time.March, 8, 1, 0, 0, 0, loc)
	after := nextHour(before, loc)
	assert.Equal(t, 3, after.Hour())
	// The skipped hour contributes zero wall seconds, not a phantom hour.
	assert.Equal(t, time.Hour, after.Sub(before))
}

func TestOverlapSecs(t *testing.T) {
	bs, be := ts(2026, time.May, 1, 10, 0), ts(2026, time.May, 1, 11, 0)

	assert.EqualValues(t, 3600, overlapSecs(ts(2026, time.May, 1, 9, 0), ts(2026, time.May, 1, 12, 0), bs, be))
	assert.EqualValues(t, 1800, overlapSecs(ts(2026, time.May, 1, 10, 30), ts(2026, time.May, 1, 12, 0), bs, be))
	assert.EqualValues(t, 0, overlapSecs(ts(2026, time.May, 1, 11, 0), ts(2026, time.May, 1, 12, 0), bs, be))
	assert.EqualValues(t, 0, overlapSecs(be, bs, bs, be))
}

func TestJobTresFallback(t *testing.T) {
	j := &model.Job{TresAlloc: "1=8,4=2"}
	assert.Equal(t, model.TresCounts{1: 8, 4: 2}, jobTres(j))

	// No alloc string: fall back to the request columns.
	j = &model.Job{CPUsReq: 4, NodesAlloc: 1}
	assert.Equal(t, model.TresCounts{model.TresCPU: 4, model.TresNode: 1}, jobTres(j))
}

func TestAggregateJobs(t *testing.T) {
	bs, be := ts(2026, time.May, 1, 10, 0), ts(2026, time.May, 1, 11, 0)
	jobs := model.Jobs{
		// Covers the whole bucket: 8 cpus * 3600s.
		{IDAssoc: 3, TresAlloc: "1=8",
			TimeStart: uint64(ts(2026, time.May, 1, 9, 0).Unix())},
		// Half the bucket on the same assoc: 4 * 1800.
		{IDAssoc: 3, TresAlloc: "1=4",
			TimeStart: uint64(ts(2026, time.May, 1, 10, 30).Unix()),
			TimeEnd:   uint64(ts(2026, time.May, 1, 12, 0).Unix())},
		// Different assoc, ended before the bucket.
		{IDAssoc: 6, TresAlloc: "1=64",
			TimeStart: uint64(ts(2026, time.May, 1, 8, 0).Unix()),
			TimeEnd:   uint64(ts(2026, time.May, 1, 9, 0).Unix())},
		// Never started: contributes nothing.
		{IDAssoc: 6, TresAlloc: "1=2"},
	}

	agg := aggregateJobs(jobs, bs, be, func(j *model.Job) uint32 { return j.IDAssoc })
	assert.EqualValues(t, 8*3600+4*1800, agg[aggKey{3, model.TresCPU}])
	assert.NotContains(t, agg, aggKey{6, model.TresCPU})
}

func TestClusterBucket(t *testing.T) {
	bs, be := ts(2026, time.May, 1, 10, 0), ts(2026, time.May, 1, 11, 0)
	now := uint64(time.Now().Unix())

	// One open registration row for the whole bucket at 100 cpus, and a
	// node down for 30 minutes at 10 cpus.
	events := model.Events{
		{TimeStart: uint64(ts(2026, time.May, 1, 0, 0).Unix()), Tres: "1=100"},
		{NodeName: "n01", Tres: "1=10",
			TimeStart: uint64(ts(2026, time.May, 1, 10, 0).Unix()),
			TimeEnd:   uint64(ts(2026, time.May, 1, 10, 30).Unix())},
	}
	jobs := model.Jobs{
		{IDAssoc: 3, TresAlloc: "1=40",
			TimeStart: uint64(ts(2026, time.May, 1, 10, 0).Unix())},
	}

	rows := clusterBucket(events, jobs, bs, be, now)
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, model.TresCPU, r.IDTres)
	assert.EqualValues(t, 100, r.Count)
	assert.EqualValues(t, 40*3600, r.AllocSecs)
	assert.EqualValues(t, 10*1800, r.DownSecs)
	assert.EqualValues(t, 100*3600-40*3600-10*1800, r.IdleSecs)
	assert.Zero(t, r.OverSecs)
}

func TestClusterBucketGapCountsAsDown(t *testing.T) {
	bs, be := ts(2026, time.May, 1, 10, 0), ts(2026, time.May, 1, 11, 0)

	// Registration closed at 10:15 and reopened at 10:45: the gap counts
	// as down time at the last known capacity.
	events := model.Events{
		{TimeStart: uint64(ts(2026, time.May, 1, 0, 0).Unix()),
			TimeEnd: uint64(ts(2026, time.May, 1, 10, 15).Unix()),
			Tres:    "1=100"},
		{TimeStart: uint64(ts(2026, time.May, 1, 10, 45).Unix()), Tres: "1=100"},
	}

	rows := clusterBucket(events, nil, bs, be, 0)
	require.Len(t, rows, 1)
	r := rows[0]
	// 15 min + 15 min registered, 30 min gap down at 100 cpus.
	assert.EqualValues(t, 100*1800, r.DownSecs)
	assert.Zero(t, r.AllocSecs)
	assert.Zero(t, r.IdleSecs)
}

func TestClusterBucketNoRegistration(t *testing.T) {
	bs, be := ts(2026, time.May, 1, 10, 0), ts(2026, time.May, 1, 11, 0)
	assert.Empty(t, clusterBucket(nil, nil, bs, be, 0))
}

// fakeConn scripts the rollup-facing storage calls and models the
// transaction: SetLastRan and the usage upserts stage, Commit lands
// them, Reset discards them.
type fakeConn struct {
	none.Conn

	jobs     model.Jobs
	events   model.Events
	earliest time.Time

	lastRan    model.LastRan
	staged     *model.LastRan
	stagedRows model.AssocUsages
	rows       model.AssocUsages

	setCalls  int
	commits   int
	resets    int
	commitErr error
}

func (c *fakeConn) GetJobsInRange(ctx context.Context, cluster string, start, end time.Time) (model.Jobs, error) {
	return c.jobs, nil
}

func (c *fakeConn) GetEventsInRange(ctx context.Context, cluster string, start, end time.Time) (model.Events, error) {
	return c.events, nil
}

func (c *fakeConn) GetLastRan(ctx context.Context, cluster string) (model.LastRan, error) {
	return c.lastRan, nil
}

func (c *fakeConn) EarliestEventTime(ctx context.Context, cluster string) (time.Time, error) {
	return c.earliest, nil
}

func (c *fakeConn) SetLastRan(ctx context.Context, cluster string, lr model.LastRan) error {
	c.setCalls++
	c.staged = &lr
	return nil
}

func (c *fakeConn) UpsertAssocUsage(ctx context.Context, cluster, period string, rows model.AssocUsages) error {
	c.stagedRows = append(c.stagedRows, rows...)
	return nil
}

func (c *fakeConn) Commit(ctx context.Context, commit bool) error {
	if c.commitErr != nil {
		return c.commitErr
	}
	c.commits++
	if c.staged != nil {
		c.lastRan = *c.staged
		c.staged = nil
	}
	c.rows = append(c.rows, c.stagedRows...)
	c.stagedRows = nil
	return nil
}

func (c *fakeConn) Reset() error {
	c.resets++
	c.staged = nil
	c.stagedRows = nil
	return nil
}

type fakePlugin struct {
	none.Plugin
	conn *fakeConn
}

func (p *fakePlugin) GetConnection(ctx context.Context, connNum int, rollback bool, cluster string) (storage.Conn, error) {
	return p.conn, nil
}

// newRollupFixture is a cluster registered at 100 cpus with one job on
// assoc 3 running 10:00 to 12:00 at 8 cpus.
func newRollupFixture() *fakeConn {
	start := ts(2026, time.May, 1, 10, 0)
	return &fakeConn{
		earliest: start,
		events: model.Events{
			{TimeStart: uint64(start.Add(-time.Hour).Unix()), Tres: "1=100"},
		},
		jobs: model.Jobs{
			{IDAssoc: 3, TresAlloc: "1=8",
				TimeStart: uint64(start.Unix()),
				TimeEnd:   uint64(ts(2026, time.May, 1, 12, 0).Unix())},
		},
	}
}

func testManager(conn *fakeConn) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(&fakePlugin{conn: conn}, utc, logger)
}

func TestRollAllSeedsAndAdvancesWatermark(t *testing.T) {
	conn := newRollupFixture()
	m := testManager(conn)
	now := ts(2026, time.May, 1, 12, 0)

	stats, err := m.RollAll(context.Background(), []string{"snowflake"}, now)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Positive(t, stats[0].HourRows)

	// The hourly watermark was seeded from the earliest event and landed
	// in the same commit as the usage rows.
	assert.EqualValues(t, now.Unix(), conn.lastRan.HourlyRollup)
	assert.Equal(t, 1, conn.commits)
	require.NotEmpty(t, conn.rows)
	var total uint64
	for _, r := range conn.rows {
		total += r.AllocSecs
	}
	// Two hour buckets at 8 cpus each.
	assert.EqualValues(t, 2*8*3600, total)

	// A second run over the same window writes nothing new and leaves
	// the watermark where it was.
	written := len(conn.rows)
	_, err = m.RollAll(context.Background(), []string{"snowflake"}, now)
	require.NoError(t, err)
	assert.EqualValues(t, now.Unix(), conn.lastRan.HourlyRollup)
	assert.Len(t, conn.rows, written)
}

func TestReRollKeepsWatermarks(t *testing.T) {
	conn := newRollupFixture()
	m := testManager(conn)
	now := ts(2026, time.May, 1, 12, 0)

	_, err := m.RollAll(context.Background(), []string{"snowflake"}, now)
	require.NoError(t, err)
	set := conn.setCalls
	written := len(conn.rows)

	stats, err := m.ReRoll(context.Background(), "snowflake", ts(2026, time.May, 1, 10, 0), now)
	require.NoError(t, err)
	assert.Positive(t, stats.HourRows)
	assert.Equal(t, set, conn.setCalls, "re-roll never touches last_ran")
	assert.EqualValues(t, now.Unix(), conn.lastRan.HourlyRollup)
	// The window's usage rows were recomputed and written again.
	assert.Greater(t, len(conn.rows), written)
}

func TestRollAllCommitFailureRollsBack(t *testing.T) {
	conn := newRollupFixture()
	conn.commitErr = errors.New("deadlock")
	m := testManager(conn)

	_, err := m.RollAll(context.Background(), []string{"snowflake"}, ts(2026, time.May, 1, 12, 0))
	require.Error(t, err)
	assert.Equal(t, 1, conn.resets)
	assert.Zero(t, conn.lastRan.HourlyRollup, "the watermark only moves with the commit")
	assert.Empty(t, conn.rows)
}

func TestClusterBucketOverCommit(t *testing.T) {
	bs, be := ts(2026, time.May, 1, 10, 0), ts(2026, time.May, 1, 11, 0)

	events := model.Events{
		{TimeStart: uint64(ts(2026, time.May, 1, 0, 0).Unix()), Tres: "1=10"},
	}
	// Allocations exceed capacity (oversubscribed partition): the excess
	// lands in over_secs, idle clamps at zero.
	jobs := model.Jobs{
		{IDAssoc: 3, TresAlloc: "1=15",
			TimeStart: uint64(ts(2026, time.May, 1, 10, 0).Unix())},
	}

	rows := clusterBucket(events, jobs, bs, be, 0)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 5*3600, rows[0].OverSecs)
	assert.Zero(t, rows[0].IdleSecs)
}
