// Package rollup aggregates per-job and per-event usage into the
// hour/day/month usage tables, one worker per cluster. Every run is
// resumable: the three watermarks in <cluster>_last_ran_table advance
// only inside the same transaction that lands the usage rows, so a
// crash between phases re-rolls the unfinished window on restart.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage"
)

// Metrics covers rollup health: how long runs take, how many bucket
// rows land, and how often a cluster's run fails.
type Metrics struct {
	Duration *prometheus.HistogramVec
	Rows     *prometheus.CounterVec
	Failures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sacctd",
			Subsystem: "rollup",
			Name:      "duration_seconds",
			Help:      "Wall time of one cluster rollup run.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"cluster"}),
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sacctd",
			Subsystem: "rollup",
			Name:      "rows_total",
			Help:      "Usage rows written, by period.",
		}, []string{"cluster", "period"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sacctd",
			Subsystem: "rollup",
			Name:      "failures_total",
			Help:      "Cluster rollup runs that rolled back.",
		}, []string{"cluster"}),
	}
	if reg != nil {
		reg.MustRegister(m.Duration, m.Rows, m.Failures)
	}
	return m
}

// Manager runs usage rollups. One mutex serializes whole-fleet runs;
// inside a run the per-cluster workers proceed in parallel and the run
// returns when every worker has finished.
type Manager struct {
	plugin     storage.Plugin
	logger     *slog.Logger
	metrics    *Metrics
	loc        *time.Location
	trackWCKey bool

	mu sync.Mutex
}

type Option func(*Manager)

func WithWCKeys(track bool) Option {
	return func(m *Manager) { m.trackWCKey = track }
}

func WithMetrics(met *Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

func New(p storage.Plugin, loc *time.Location, logger *slog.Logger, opts ...Option) *Manager {
	if loc == nil {
		loc = time.Local
	}
	m := &Manager{plugin: p, logger: logger, loc: loc}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RollAll rolls every named cluster up to now. Workers run in parallel;
// the call returns once all of them have finished, with one stats entry
// per cluster that succeeded and the joined errors of those that did not.
func (m *Manager) RollAll(ctx context.Context, clusters []string, now time.Time) ([]storage.RollupStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make([]storage.RollupStats, len(clusters))
	errs := make([]error, len(clusters))
	var wg sync.WaitGroup
	for i, cluster := range clusters {
		wg.Add(1)
		go func(i int, cluster string) {
			defer wg.Done()
			stats[i], errs[i] = m.rollCluster(ctx, i, cluster, now, time.Time{})
		}(i, cluster)
	}
	wg.Wait()

	out := make([]storage.RollupStats, 0, len(clusters))
	for i := range clusters {
		if errs[i] == nil {
			out = append(out, stats[i])
		}
	}
	return out, errors.Join(errs...)
}

// ReRoll recomputes usage for one cluster over [sentStart, sentEnd)
// without touching the watermarks. Used to repair a window after the
// fact, e.g. when late job records arrive from a flushed controller.
func (m *Manager) ReRoll(ctx context.Context, cluster string, sentStart, sentEnd time.Time) (storage.RollupStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollClusterWindow(ctx, 0, cluster, sentStart, sentEnd, true)
}

func (m *Manager) rollCluster(ctx context.Context, connNum int, cluster string, now, sentEnd time.Time) (storage.RollupStats, error) {
	if !sentEnd.IsZero() {
		return m.rollClusterWindow(ctx, connNum, cluster, time.Time{}, sentEnd, true)
	}
	return m.rollClusterWindow(ctx, connNum, cluster, time.Time{}, now, false)
}

// rollClusterWindow does the whole hour/day/month pass for one cluster.
// keepWatermarks suppresses the watermark advance for re-rolls.
func (m *Manager) rollClusterWindow(ctx context.Context, connNum int, cluster string, sentStart, end time.Time, keepWatermarks bool) (stats storage.RollupStats, err error) {
	began := time.Now()
	stats.Cluster = cluster

	conn, err := m.plugin.GetConnection(ctx, connNum, true, cluster)
	if err != nil {
		return stats, fmt.Errorf("rollup %s: %w", cluster, err)
	}
	defer conn.Close()
	defer func() {
		if err != nil {
			conn.Reset()
			if m.metrics != nil {
				m.metrics.Failures.WithLabelValues(cluster).Inc()
			}
		}
	}()

	lr, err := conn.GetLastRan(ctx, cluster)
	if err != nil {
		return stats, fmt.Errorf("rollup %s: last ran: %w", cluster, err)
	}
	if lr.HourlyRollup == 0 {
		seed, serr := conn.EarliestEventTime(ctx, cluster)
		if serr != nil {
			return stats, fmt.Errorf("rollup %s: seed watermarks: %w", cluster, serr)
		}
		if seed.IsZero() {
			// Nothing ever happened on this cluster.
			return stats, nil
		}
		s := uint64(seed.Unix())
		lr = model.LastRan{HourlyRollup: s, DailyRollup: s, MonthlyRollup: s}
	}

	hourStart := truncHour(time.Unix(int64(lr.HourlyRollup), 0), m.loc)
	dayStart := truncDay(time.Unix(int64(lr.DailyRollup), 0), m.loc)
	monthStart := truncMonth(time.Unix(int64(lr.MonthlyRollup), 0), m.loc)
	if !sentStart.IsZero() {
		hourStart = truncHour(sentStart, m.loc)
		dayStart = truncDay(sentStart, m.loc)
		monthStart = truncMonth(sentStart, m.loc)
	}
	hourEnd := truncHour(end, m.loc)
	dayEnd := truncDay(end, m.loc)
	monthEnd := truncMonth(end, m.loc)
	stats.HourStart, stats.HourEnd = hourStart, hourEnd
	stats.DayEnd, stats.MonthEnd = dayEnd, monthEnd

	if hourEnd.After(hourStart) {
		stats.HourRows, err = m.rollPeriod(ctx, conn, cluster, model.PeriodHour, hourStart, hourEnd, nextHour)
		if err != nil {
			return stats, err
		}
	}
	if err = ctx.Err(); err != nil {
		return stats, err
	}
	// Day and month aggregate from the raw job/event streams over their
	// own boundaries, never from the hourly sums, so rounding does not
	// compound.
	if dayEnd.After(dayStart) {
		stats.DayRows, err = m.rollPeriod(ctx, conn, cluster, model.PeriodDay, dayStart, dayEnd, nextDay)
		if err != nil {
			return stats, err
		}
	}
	if err = ctx.Err(); err != nil {
		return stats, err
	}
	if monthEnd.After(monthStart) {
		stats.MonthRows, err = m.rollPeriod(ctx, conn, cluster, model.PeriodMonth, monthStart, monthEnd, nextMonth)
		if err != nil {
			return stats, err
		}
	}

	if !keepWatermarks {
		next := model.LastRan{
			HourlyRollup:  uint64(hourEnd.Unix()),
			DailyRollup:   uint64(dayEnd.Unix()),
			MonthlyRollup: uint64(monthEnd.Unix()),
		}
		if next.HourlyRollup < lr.HourlyRollup {
			next.HourlyRollup = lr.HourlyRollup
		}
		if next.DailyRollup < lr.DailyRollup {
			next.DailyRollup = lr.DailyRollup
		}
		if next.MonthlyRollup < lr.MonthlyRollup {
			next.MonthlyRollup = lr.MonthlyRollup
		}
		if err = conn.SetLastRan(ctx, cluster, next); err != nil {
			return stats, fmt.Errorf("rollup %s: advance watermarks: %w", cluster, err)
		}
	}
	// One commit covers the usage rows and, unless this is a re-roll,
	// all three watermarks. A failure here leaves the store as it was.
	if err = conn.Commit(ctx, true); err != nil {
		return stats, fmt.Errorf("rollup %s: commit: %w", cluster, err)
	}

	stats.Elapsed = time.Since(began)
	if m.metrics != nil {
		m.metrics.Duration.WithLabelValues(cluster).Observe(stats.Elapsed.Seconds())
		m.metrics.Rows.WithLabelValues(cluster, model.PeriodHour).Add(float64(stats.HourRows))
		m.metrics.Rows.WithLabelValues(cluster, model.PeriodDay).Add(float64(stats.DayRows))
		m.metrics.Rows.WithLabelValues(cluster, model.PeriodMonth).Add(float64(stats.MonthRows))
	}
	m.logger.Info("usage rollup done",
		slog.String("cluster", cluster),
		slog.Time("hour_start", hourStart), slog.Time("hour_end", hourEnd),
		slog.Int("hour_rows", stats.HourRows),
		slog.Int("day_rows", stats.DayRows),
		slog.Int("month_rows", stats.MonthRows),
		slog.Duration("elapsed", stats.Elapsed))
	return stats, nil
}

// rollPeriod aggregates one period's buckets over [start, end) and
// upserts the assoc, wckey and cluster usage rows. next yields the
// following bucket boundary in local calendar time.
func (m *Manager) rollPeriod(ctx context.Context, conn storage.Conn, cluster, period string, start, end time.Time, next func(time.Time, *time.Location) time.Time) (int, error) {
	jobs, err := conn.GetJobsInRange(ctx, cluster, start, end)
	if err != nil {
		return 0, fmt.Errorf("rollup %s %s: jobs: %w", cluster, period, err)
	}
	events, err := conn.GetEventsInRange(ctx, cluster, start, end)
	if err != nil {
		return 0, fmt.Errorf("rollup %s %s: events: %w", cluster, period, err)
	}

	var assocRows model.AssocUsages
	var wckeyRows model.WCKeyUsages
	var clusterRows model.ClusterUsages
	now := uint64(time.Now().Unix())

	for bs := start; bs.Before(end); bs = next(bs, m.loc) {
		be := next(bs, m.loc)
		if be.After(end) {
			be = end
		}
		assocAlloc := aggregateJobs(jobs, bs, be, func(j *model.Job) uint32 { return j.IDAssoc })
		for _, a := range sortedAgg(assocAlloc) {
			assocRows = append(assocRows, model.AssocUsage{
				CreationTime: now, ModTime: now,
				IDAssoc: a.id, IDTres: a.tres,
				TimeStart: uint64(bs.Unix()), AllocSecs: uint64(a.secs),
			})
		}
		if m.trackWCKey {
			wckeyAlloc := aggregateJobs(jobs, bs, be, func(j *model.Job) uint32 { return j.IDWCKey })
			for _, a := range sortedAgg(wckeyAlloc) {
				wckeyRows = append(wckeyRows, model.WCKeyUsage{
					CreationTime: now, ModTime: now,
					IDWCKey: a.id, IDTres: a.tres,
					TimeStart: uint64(bs.Unix()), AllocSecs: uint64(a.secs),
				})
			}
		}
		clusterRows = append(clusterRows, clusterBucket(events, jobs, bs, be, now)...)
	}

	if len(assocRows) > 0 {
		if err := conn.UpsertAssocUsage(ctx, cluster, period, assocRows); err != nil {
			return 0, fmt.Errorf("rollup %s %s: assoc usage: %w", cluster, period, err)
		}
	}
	if len(wckeyRows) > 0 {
		if err := conn.UpsertWCKeyUsage(ctx, cluster, period, wckeyRows); err != nil {
			return 0, fmt.Errorf("rollup %s %s: wckey usage: %w", cluster, period, err)
		}
	}
	if len(clusterRows) > 0 {
		if err := conn.UpsertClusterUsage(ctx, cluster, period, clusterRows); err != nil {
			return 0, fmt.Errorf("rollup %s %s: cluster usage: %w", cluster, period, err)
		}
	}
	return len(assocRows) + len(wckeyRows) + len(clusterRows), nil
}

type aggKey struct {
	id   uint32
	tres uint32
}

type aggRow struct {
	id   uint32
	tres uint32
	secs int64
}

// jobTres returns the job's allocated TRES counts, falling back to the
// requested cpu/node columns when the alloc string is absent.
func jobTres(j *model.Job) model.TresCounts {
	if tc, err := model.ParseTresStr(j.TresAlloc); err == nil && len(tc) > 0 {
		return tc
	}
	tc := model.TresCounts{}
	if j.CPUsReq > 0 {
		tc[model.TresCPU] = int64(j.CPUsReq)
	}
	if j.NodesAlloc > 0 {
		tc[model.TresNode] = int64(j.NodesAlloc)
	}
	return tc
}

// jobWindow is the job's runtime clipped at "still running".
func jobWindow(j *model.Job, be time.Time) (time.Time, time.Time, bool) {
	if j.TimeStart == 0 {
		return time.Time{}, time.Time{}, false
	}
	s := time.Unix(int64(j.TimeStart), 0)
	e := be
	if j.TimeEnd != 0 {
		e = time.Unix(int64(j.TimeEnd), 0)
	}
	return s, e, e.After(s)
}

// aggregateJobs sums tres_count*overlap_seconds per (key, tres) over one
// bucket.
func aggregateJobs(jobs model.Jobs, bs, be time.Time, key func(*model.Job) uint32) map[aggKey]int64 {
	out := make(map[aggKey]int64)
	for i := range jobs {
		j := &jobs[i]
		id := key(j)
		if id == 0 {
			continue
		}
		s, e, ok := jobWindow(j, be)
		if !ok {
			continue
		}
		secs := overlapSecs(s, e, bs, be)
		if secs == 0 {
			continue
		}
		for tres, count := range jobTres(j) {
			if count > 0 {
				out[aggKey{id, tres}] += count * secs
			}
		}
	}
	return out
}

func sortedAgg(m map[aggKey]int64) []aggRow {
	rows := make([]aggRow, 0, len(m))
	for k, v := range m {
		rows = append(rows, aggRow{id: k.id, tres: k.tres, secs: v})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].id != rows[j].id {
			return rows[i].id < rows[j].id
		}
		return rows[i].tres < rows[j].tres
	})
	return rows
}

// clusterBucket derives the per-tres cluster usage row for one bucket.
// Capacity comes from the cluster-wide registration events (node_name
// empty); stretches of the bucket with no open registration row, which
// is what a controller disconnect or TRES change leaves behind, count as
// DOWN at the last known capacity rather than disappearing. Node events
// add their own down seconds, and idle is whatever capacity the
// allocated and down time did not consume.
func clusterBucket(events model.Events, jobs model.Jobs, bs, be time.Time, now uint64) model.ClusterUsages {
	bucketSecs := int64(be.Sub(bs) / time.Second)
	if bucketSecs <= 0 {
		return nil
	}

	type span struct {
		start, end time.Time
		tres       model.TresCounts
	}
	var regs []span
	var nodeDown []span
	for i := range events {
		ev := &events[i]
		s := time.Unix(int64(ev.TimeStart), 0)
		e := be
		if ev.TimeEnd != 0 {
			e = time.Unix(int64(ev.TimeEnd), 0)
		}
		tc, err := model.ParseTresStr(ev.Tres)
		if err != nil {
			continue
		}
		if ev.NodeName == "" {
			regs = append(regs, span{s, e, tc})
		} else {
			nodeDown = append(nodeDown, span{s, e, tc})
		}
	}
	if len(regs) == 0 {
		return nil
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].start.Before(regs[j].start) })

	// capacity[tres] = Σ count*secs while registered; gaps between
	// registration spans become down time at the preceding capacity.
	capacity := make(map[uint32]int64)
	down := make(map[uint32]int64)
	counts := make(map[uint32]int64)
	cursor := bs
	for i, r := range regs {
		if r.start.After(cursor) && i > 0 {
			gap := overlapSecs(cursor, r.start, bs, be)
			for tres, count := range regs[i-1].tres {
				down[tres] += count * gap
			}
		}
		secs := overlapSecs(r.start, r.end, bs, be)
		for tres, count := range r.tres {
			capacity[tres] += count * secs
			if count > counts[tres] {
				counts[tres] = count
			}
		}
		if r.end.After(cursor) {
			cursor = r.end
		}
	}
	if cursor.Before(be) && len(regs) > 0 {
		gap := overlapSecs(cursor, be, bs, be)
		last := regs[len(regs)-1]
		// An open registration row has end >= be, so a remaining gap
		// means the controller went away.
		if last.end.Before(be) {
			for tres, count := range last.tres {
				down[tres] += count * gap
			}
		}
	}
	for i := range nodeDown {
		secs := overlapSecs(nodeDown[i].start, nodeDown[i].end, bs, be)
		for tres, count := range nodeDown[i].tres {
			down[tres] += count * secs
		}
	}

	alloc := make(map[uint32]int64)
	for i := range jobs {
		j := &jobs[i]
		s, e, ok := jobWindow(j, be)
		if !ok {
			continue
		}
		secs := overlapSecs(s, e, bs, be)
		if secs == 0 {
			continue
		}
		for tres, count := range jobTres(j) {
			if count > 0 {
				alloc[tres] += count * secs
			}
		}
	}

	ids := make([]uint32, 0, len(capacity))
	for id := range capacity {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make(model.ClusterUsages, 0, len(ids))
	for _, id := range ids {
		capSecs, al, dn := capacity[id], alloc[id], down[id]
		if dn > capSecs {
			dn = capSecs
		}
		idle := capSecs - al - dn
		var over int64
		if idle < 0 {
			over = -idle
			idle = 0
		}
		rows = append(rows, model.ClusterUsage{
			CreationTime: now, ModTime: now,
			IDTres:    id,
			TimeStart: uint64(bs.Unix()),
			Count:     uint64(counts[id]),
			AllocSecs: uint64(al),
			DownSecs:  uint64(dn),
			IdleSecs:  uint64(idle),
			OverSecs:  uint64(over),
		})
	}
	return rows
}
