// Package policy is the accounting-policy enforcement engine. On every
// job event it walks the cached association tree and QOS table to admit,
// hold or cancel jobs, and it maintains the live usage counters so that
// they never drift: a well-nested add_submit/job_begin/job_fini/
// remove_submit sequence returns every counter to zero.
package policy

import (
	"context"
	"log/slog"

	"sacctd/config"
	"sacctd/internal/pkg/cache"
	"sacctd/internal/pkg/model"
)

// Engine evaluates job events against the cache. Safe for concurrent
// use: decisions hold read locks, counter mutations hold write locks.
type Engine struct {
	cache   *cache.Cache
	logger  *slog.Logger
	metrics *Metrics
	enforce config.Enforce
}

func New(c *cache.Cache, logger *slog.Logger, m *Metrics) *Engine {
	return &Engine{cache: c, logger: logger, metrics: m, enforce: c.Enforce()}
}

func decisionLocks() cache.Locks {
	var l cache.Locks
	l[cache.LockTres] = cache.ReadLock
	l[cache.LockUser] = cache.ReadLock
	l[cache.LockQos] = cache.ReadLock
	l[cache.LockAssoc] = cache.ReadLock
	return l
}

func counterLocks() cache.Locks {
	var l cache.Locks
	l[cache.LockQos] = cache.WriteLock
	l[cache.LockAssoc] = cache.WriteLock
	return l
}

// nodesRequested prefers the TRES request over MinNodes.
func nodesRequested(job *Job) int64 {
	if n := job.TresReq.Get(model.TresNode); n > 0 {
		return n
	}
	return job.MinNodes
}

func cpusRequested(job *Job) int64 {
	if n := job.TresReq.Get(model.TresCPU); n > 0 {
		return n
	}
	return job.MinCPUs
}

// bind validates the job's association binding, looking it up by
// (uid, acct, partition) when it is missing or stale. Only the id is
// kept on the job: a record pointer aims into the tree's slab, which an
// apply-update can reallocate and a refresh swaps, so a pointer must
// never cross a lock release. Entry points re-resolve with
// resolveLocked under the locks they hold. job.AssocID stays zero when
// enforcement is off and no association exists.
func (e *Engine) bind(ctx context.Context, job *Job) error {
	if job.AssocID != 0 {
		l := decisionLocks()
		e.cache.Acquire(l)
		rec := e.cache.AssocByID(job.Cluster, job.AssocID)
		ok := rec != nil && rec.Deleted == 0
		e.cache.Release(l)
		if ok {
			return nil
		}
		job.AssocID = 0
	}
	id, acct, err := e.cache.FillIn(ctx, job.Cluster, job.Acct, job.User, job.Partition)
	if err != nil {
		return err
	}
	if id != 0 {
		job.AssocID = id
		job.Acct = acct
	}
	return nil
}

// resolveLocked returns the bound record under the caller's locks, or
// nil when it was removed in the window since binding.
func (e *Engine) resolveLocked(job *Job) *cache.AssocRec {
	rec := e.cache.AssocByID(job.Cluster, job.AssocID)
	if rec == nil || rec.Deleted != 0 {
		return nil
	}
	return rec
}

// AddSubmit accounts one job entering the system. It walks the
// association chain incrementing used_submit_jobs, and the QOS's group
// and per-user submit counters. When LIMITS enforcement is on and a
// submit ceiling is already reached the job is rejected here, so
// job_runnable never sees a submit-limit violation of its own making.
func (e *Engine) AddSubmit(ctx context.Context, job *Job) (Decision, error) {
	if err := e.bind(ctx, job); err != nil {
		return hold(AssocSubmitLimit), err
	}
	if job.AssocID == 0 {
		return allow, nil
	}

	l := counterLocks()
	e.cache.Acquire(l)
	defer e.cache.Release(l)

	rec := e.resolveLocked(job)
	if rec == nil {
		return allow, nil
	}
	if e.enforce&config.EnforceLimits != 0 {
		if d := e.checkSubmitLocked(job, rec); !d.Runnable {
			e.metrics.observe(d)
			return d, nil
		}
	}

	e.cache.WalkUp(rec, func(n *cache.AssocRec) bool {
		n.UsedSubmitJobs++
		return true
	})
	if q := e.qosFor(job); q != nil {
		q.GrpUsedSubmitJobs++
		q.UserCounters(job.UID).SubmitJobs++
	}
	e.metrics.observe(allow)
	return allow, nil
}

// checkSubmitLocked evaluates the submit ceilings. Caller holds at least
// the qos and assoc locks.
func (e *Engine) checkSubmitLocked(job *Job, rec *cache.AssocRec) Decision {
	if q := e.qosFor(job); q != nil && e.enforce&config.EnforceQOS != 0 {
		if model.LimitSet(int64(q.GrpSubmitJobs)) && q.GrpUsedSubmitJobs >= int64(q.GrpSubmitJobs) {
			return hold(QosSubmitLimit)
		}
		if model.LimitSet(int64(q.MaxSubmitJobsPerUser)) {
			if u, ok := q.UserUsage[job.UID]; ok && u.SubmitJobs >= int64(q.MaxSubmitJobsPerUser) {
				return hold(QosUserLimit)
			}
		}
	}
	if model.LimitSet(rec.EffMaxSubmitJobs) && rec.UsedSubmitJobs >= rec.EffMaxSubmitJobs {
		return hold(AssocSubmitLimit)
	}
	var d = allow
	e.cache.WalkUp(rec, func(n *cache.AssocRec) bool {
		if model.LimitSet(int64(n.GrpSubmitJobs)) && n.UsedSubmitJobs >= int64(n.GrpSubmitJobs) {
			d = hold(AssocSubmitLimit)
			return false
		}
		return true
	})
	return d
}

// RemoveSubmit is the inverse of AddSubmit. Counters saturate at zero.
func (e *Engine) RemoveSubmit(ctx context.Context, job *Job) error {
	if err := e.bind(ctx, job); err != nil || job.AssocID == 0 {
		return err
	}
	l := counterLocks()
	e.cache.Acquire(l)
	defer e.cache.Release(l)

	rec := e.resolveLocked(job)
	if rec == nil {
		return nil
	}
	e.cache.WalkUp(rec, func(n *cache.AssocRec) bool {
		n.UsedSubmitJobs = e.dec(n.UsedSubmitJobs, "used_submit_jobs", job)
		return true
	})
	if q := e.qosFor(job); q != nil {
		q.GrpUsedSubmitJobs = e.dec(q.GrpUsedSubmitJobs, "qos grp_used_submit_jobs", job)
		u := q.UserCounters(job.UID)
		u.SubmitJobs = e.dec(u.SubmitJobs, "qos user submit_jobs", job)
	}
	return nil
}

// JobBegin accounts a job starting: used_jobs and the cpu/node group
// counters climb the chain, the QOS counterparts and the per-user jobs
// field move with them.
func (e *Engine) JobBegin(ctx context.Context, job *Job) error {
	if err := e.bind(ctx, job); err != nil || job.AssocID == 0 {
		return err
	}
	cpus, nodes := cpusRequested(job), nodesRequested(job)

	l := counterLocks()
	e.cache.Acquire(l)
	defer e.cache.Release(l)

	rec := e.resolveLocked(job)
	if rec == nil {
		return nil
	}
	e.cache.WalkUp(rec, func(n *cache.AssocRec) bool {
		n.UsedJobs++
		n.GrpUsedCPUs += cpus
		n.GrpUsedNodes += nodes
		return true
	})
	if q := e.qosFor(job); q != nil {
		q.GrpUsedJobs++
		q.GrpUsedCPUs += cpus
		q.GrpUsedNodes += nodes
		u := q.UserCounters(job.UID)
		u.Jobs++
		u.CPUs += cpus
		u.Nodes += nodes
	}
	job.State = StateRunning
	return nil
}

// JobFini is the inverse of JobBegin.
func (e *Engine) JobFini(ctx context.Context, job *Job) error {
	if err := e.bind(ctx, job); err != nil || job.AssocID == 0 {
		return err
	}
	cpus, nodes := cpusRequested(job), nodesRequested(job)

	l := counterLocks()
	e.cache.Acquire(l)
	defer e.cache.Release(l)

	rec := e.resolveLocked(job)
	if rec == nil {
		return nil
	}
	e.cache.WalkUp(rec, func(n *cache.AssocRec) bool {
		n.UsedJobs = e.dec(n.UsedJobs, "used_jobs", job)
		n.GrpUsedCPUs = e.decBy(n.GrpUsedCPUs, cpus, "grp_used_cpus", job)
		n.GrpUsedNodes = e.decBy(n.GrpUsedNodes, nodes, "grp_used_nodes", job)
		return true
	})
	if q := e.qosFor(job); q != nil {
		q.GrpUsedJobs = e.dec(q.GrpUsedJobs, "qos grp_used_jobs", job)
		q.GrpUsedCPUs = e.decBy(q.GrpUsedCPUs, cpus, "qos grp_used_cpus", job)
		q.GrpUsedNodes = e.decBy(q.GrpUsedNodes, nodes, "qos grp_used_nodes", job)
		u := q.UserCounters(job.UID)
		u.Jobs = e.dec(u.Jobs, "qos user jobs", job)
		u.CPUs = e.decBy(u.CPUs, cpus, "qos user cpus", job)
		u.Nodes = e.decBy(u.Nodes, nodes, "qos user nodes", job)
	}
	return nil
}

// JobSuspend releases (suspend=true) or reclaims (suspend=false) the
// job's cpu/node allocation while used_jobs stays put.
func (e *Engine) JobSuspend(ctx context.Context, job *Job, suspend bool) error {
	if err := e.bind(ctx, job); err != nil || job.AssocID == 0 {
		return err
	}
	cpus, nodes := cpusRequested(job), nodesRequested(job)

	l := counterLocks()
	e.cache.Acquire(l)
	defer e.cache.Release(l)

	rec := e.resolveLocked(job)
	if rec == nil {
		return nil
	}
	adjust := func(cur, by int64, what string) int64 {
		if suspend {
			return e.decBy(cur, by, what, job)
		}
		return cur + by
	}
	e.cache.WalkUp(rec, func(n *cache.AssocRec) bool {
		n.GrpUsedCPUs = adjust(n.GrpUsedCPUs, cpus, "grp_used_cpus")
		n.GrpUsedNodes = adjust(n.GrpUsedNodes, nodes, "grp_used_nodes")
		return true
	})
	if q := e.qosFor(job); q != nil {
		q.GrpUsedCPUs = adjust(q.GrpUsedCPUs, cpus, "qos grp_used_cpus")
		q.GrpUsedNodes = adjust(q.GrpUsedNodes, nodes, "qos grp_used_nodes")
	}
	if suspend {
		job.State = StateSuspended
	} else {
		job.State = StateRunning
	}
	return nil
}

// UpdateRunningUsage charges deltaSecs of runtime to the job's chain:
// usage_raw grows by cpus*delta (scaled by the QOS usage factor) and the
// wall counters by delta.
func (e *Engine) UpdateRunningUsage(ctx context.Context, job *Job, deltaSecs int64) error {
	if err := e.bind(ctx, job); err != nil || job.AssocID == 0 {
		return err
	}
	cpus := cpusRequested(job)
	factor := 1.0
	l := counterLocks()
	e.cache.Acquire(l)
	defer e.cache.Release(l)

	rec := e.resolveLocked(job)
	if rec == nil {
		return nil
	}
	q := e.qosFor(job)
	if q != nil && q.UsageFactor > 0 {
		factor = q.UsageFactor
	}
	raw := float64(cpus*deltaSecs) * factor
	wallMins := float64(deltaSecs) / 60.0

	e.cache.WalkUp(rec, func(n *cache.AssocRec) bool {
		n.UsageRaw += raw
		n.GrpUsedWallMins += wallMins
		return true
	})
	if q != nil {
		q.UsageRaw += raw
		q.GrpUsedWallMins += wallMins
		q.UserCounters(job.UID).UsageRaw += raw
	}
	return nil
}

// JobRunnable is the gate. It re-validates the association (an
// evaporated one cancels the job), clears any stale limit-family reason,
// and evaluates the QOS then the association chain under read locks.
// Cancellable violations come before holdable ones and group limits
// before individual ones, so diagnostics are deterministic. A QOS that
// enforces a dimension overrides the association check for it.
func (e *Engine) JobRunnable(ctx context.Context, job *Job) Decision {
	if e.enforce&config.EnforceAssocs == 0 {
		return allow
	}
	if err := e.bind(ctx, job); err != nil {
		job.State = StateFailed
		job.Reason = BankAccount
		d := cancel(BankAccount)
		e.metrics.observe(d)
		return d
	}
	if job.AssocID == 0 {
		return allow // enforcement off, nothing to bind
	}
	if job.Reason.limitFamily() {
		job.Reason = ReasonNone
	}
	if e.enforce&config.EnforceLimits == 0 {
		return allow
	}

	l := decisionLocks()
	e.cache.Acquire(l)
	defer e.cache.Release(l)

	rec := e.resolveLocked(job)
	if rec == nil {
		d := cancel(BankAccount)
		e.finish(job, d)
		return d
	}
	d, covered := e.checkQosLocked(job)
	if !d.Runnable {
		e.finish(job, d)
		return d
	}
	d = e.checkAssocLocked(job, rec, covered)
	e.finish(job, d)
	return d
}

func (e *Engine) finish(job *Job, d Decision) {
	if d.Cancel {
		job.State = StateFailed
		job.Reason = BankAccount
	} else if !d.Runnable {
		job.Reason = d.Reason
	}
	e.metrics.observe(d)
}

// covered marks the limit dimensions an enforcing QOS takes over from
// the association.
type covered struct {
	jobs    bool
	nodes   bool
	cpuMins bool
	wall    bool
}

func (e *Engine) qosFor(job *Job) *cache.QosRec {
	if job.QosID == 0 {
		return nil
	}
	return e.cache.QosByID(job.QosID)
}

func (e *Engine) checkQosLocked(job *Job) (Decision, covered) {
	var cov covered
	if e.enforce&config.EnforceQOS == 0 {
		return allow, cov
	}
	q := e.qosFor(job)
	if q == nil || q.Deleted != 0 {
		return allow, cov
	}
	nodes := nodesRequested(job)

	// Cancellable first: the request exceeds what the QOS could ever
	// grant.
	if gn := q.GrpTresC.Get(model.TresNode); model.LimitSet(gn) {
		cov.nodes = true
		if nodes > gn {
			return cancel(BankAccount), cov
		}
	}
	if mn := q.MaxTresPJC.Get(model.TresNode); model.LimitSet(mn) {
		cov.nodes = true
		if nodes > mn {
			return cancel(BankAccount), cov
		}
	}
	if model.LimitSet(int64(q.GrpWall)) {
		cov.wall = true
		if job.TimeLimitMins > int64(q.GrpWall) {
			return cancel(BankAccount), cov
		}
	}
	if model.LimitSet(int64(q.MaxWallDurationPerJob)) {
		cov.wall = true
		if job.TimeLimitMins > int64(q.MaxWallDurationPerJob) {
			return cancel(BankAccount), cov
		}
	}

	// Holdable, group before per-user.
	if model.LimitSet(int64(q.GrpJobs)) {
		cov.jobs = true
		if q.GrpUsedJobs >= int64(q.GrpJobs) {
			return hold(QosJobLimit), cov
		}
	}
	if gn := q.GrpTresC.Get(model.TresNode); model.LimitSet(gn) && q.GrpUsedNodes+nodes > gn {
		return hold(QosResourceLimit), cov
	}
	if gm := q.GrpTresMinsC.Get(model.TresCPU); model.LimitSet(gm) {
		cov.cpuMins = true
		if int64(q.UsageRaw/60.0) >= gm {
			return hold(QosTimeLimit), cov
		}
	}
	if model.LimitSet(int64(q.GrpWall)) && int64(q.GrpUsedWallMins) >= int64(q.GrpWall) {
		return hold(QosTimeLimit), cov
	}
	if model.LimitSet(int64(q.MaxJobsPerUser)) {
		if u, ok := q.UserUsage[job.UID]; ok && u.Jobs >= int64(q.MaxJobsPerUser) {
			return hold(QosUserLimit), cov
		}
	}
	return allow, cov
}

func (e *Engine) checkAssocLocked(job *Job, rec *cache.AssocRec, cov covered) Decision {
	nodes := nodesRequested(job)

	// Cancellable at the bound record: the effective (ancestor-folded)
	// per-job maxima that no amount of waiting relaxes.
	if !cov.nodes {
		if mn := rec.EffMaxTresPJ.Get(model.TresNode); model.LimitSet(mn) && nodes > mn {
			return cancel(BankAccount)
		}
	}
	if pn := rec.EffMaxTresPN.Get(model.TresCPU); model.LimitSet(pn) {
		n := nodes
		if n < 1 {
			n = 1
		}
		if (cpusRequested(job)+n-1)/n > pn {
			return cancel(BankAccount)
		}
	}
	if !cov.wall {
		if model.LimitSet(rec.EffMaxWallPJ) && job.TimeLimitMins > rec.EffMaxWallPJ {
			return cancel(BankAccount)
		}
	}

	var d = allow
	first := true
	e.cache.WalkUp(rec, func(n *cache.AssocRec) bool {
		// Cancellable group bound at each level.
		if !cov.nodes {
			if gn := n.GrpTresC.Get(model.TresNode); model.LimitSet(gn) && nodes > gn {
				d = cancel(BankAccount)
				return false
			}
		}
		if !cov.wall {
			if model.LimitSet(int64(n.GrpWall)) && job.TimeLimitMins > int64(n.GrpWall) {
				d = cancel(BankAccount)
				return false
			}
		}
		// Holdable group limits.
		if !cov.jobs && model.LimitSet(int64(n.GrpJobs)) && n.UsedJobs >= int64(n.GrpJobs) {
			d = hold(AssocJobLimit)
			return false
		}
		if !cov.nodes {
			if gn := n.GrpTresC.Get(model.TresNode); model.LimitSet(gn) && n.GrpUsedNodes+nodes > gn {
				d = hold(AssocResourceLimit)
				return false
			}
		}
		if !cov.cpuMins {
			if gm := n.GrpTresMinsC.Get(model.TresCPU); model.LimitSet(gm) && int64(n.UsageRaw/60.0) >= gm {
				d = hold(AssocTimeLimit)
				return false
			}
		}
		if !cov.wall && model.LimitSet(int64(n.GrpWall)) && int64(n.GrpUsedWallMins) >= int64(n.GrpWall) {
			d = hold(AssocTimeLimit)
			return false
		}
		// Individual maxima only at the bound record; ancestors already
		// folded them into the effective limits.
		if first {
			first = false
			if !cov.jobs && model.LimitSet(rec.EffMaxJobs) && rec.UsedJobs >= rec.EffMaxJobs {
				d = hold(AssocJobLimit)
				return false
			}
		}
		return true
	})
	return d
}

// dec decrements by one, saturating at zero with a debug trace: a
// counter going negative means the caller broke event nesting, not that
// usage is negative.
func (e *Engine) dec(cur int64, what string, job *Job) int64 {
	return e.decBy(cur, 1, what, job)
}

func (e *Engine) decBy(cur, by int64, what string, job *Job) int64 {
	if cur < by {
		e.logger.Debug("usage counter underflow",
			slog.String("counter", what),
			slog.Uint64("job", uint64(job.JobID)),
			slog.Int64("have", cur), slog.Int64("sub", by))
		if e.metrics != nil {
			e.metrics.Underflow.Inc()
		}
		return 0
	}
	return cur - by
}
