// Package cache owns the in-process copy of the accounting state shared
// with the controller: the TRES registry, the association forest, the
// QOS table and the user/coordinator index. It refreshes from the
// storage backend, absorbs incremental update lists, and serves the
// policy engine's lookups under a fixed-order lock hierarchy.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"sacctd/config"
	"sacctd/internal/pkg/accterr"
	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage"
	"sacctd/internal/pkg/update"
)

type wckeyKey struct {
	cluster string
	user    string
	name    string
}

// Cache is the manager. All navigation methods assume the caller holds
// the documented locks; Acquire/Release take them in hierarchy order.
type Cache struct {
	locker

	logger  *slog.Logger
	enforce config.Enforce
	cluster string

	conn storage.Conn

	tres   *tresTable
	assocs *assocTree
	qoses  *qosTable
	users  *userTable
	wckeys map[wckeyKey]*model.WCKey

	stateFile string

	// runningCache is set when the backend became unreachable and the
	// cache is serving from its last known state. Mutations queue in
	// pending and replay in order once the backend returns.
	runningMu    sync.Mutex
	runningCache bool
	pending      []func(context.Context, storage.Conn) error
}

// New builds an empty cache. Call Load before serving.
func New(cfg *config.Server, conn storage.Conn, logger *slog.Logger) (*Cache, error) {
	enforce, err := config.ParseEnforce(cfg.AccountingEnforce)
	if err != nil {
		return nil, err
	}
	return &Cache{
		logger:    logger,
		enforce:   enforce,
		cluster:   cfg.ClusterName,
		conn:      conn,
		tres:      newTresTable(),
		assocs:    newAssocTree(),
		qoses:     newQosTable(),
		users:     newUserTable(),
		wckeys:    make(map[wckeyKey]*model.WCKey),
		stateFile: cfg.StateSaveLocation,
	}, nil
}

// Enforce returns the parsed AccountingEnforce bitset.
func (c *Cache) Enforce() config.Enforce { return c.enforce }

// Acquire takes the requested locks in hierarchy order.
func (c *Cache) Acquire(req Locks) { c.acquire(req) }

// Release drops them in reverse order.
func (c *Cache) Release(req Locks) { c.release(req) }

// AssertHeld panics unless lock l is held in at least mode m.
func (c *Cache) AssertHeld(l Lock, m Mode) { c.assertHeld(l, m) }

// Load pulls a full snapshot from storage, deleted rows included:
// historical jobs may still reference them. On storage failure it falls
// back to the state file and enters running-cache mode.
func (c *Cache) Load(ctx context.Context) error {
	if err := c.refresh(ctx); err != nil {
		if !accterr.Retryable(err) {
			return err
		}
		c.logger.Warn("storage unreachable, loading saved state", slog.Any("err", err))
		if lerr := c.loadState(); lerr != nil {
			return errors.Join(err, lerr)
		}
		c.setRunningCache(true)
		return nil
	}
	return nil
}

// Refresh re-pulls every sub-table and swaps atomically behind write
// locks. Live counters carry over by id.
func (c *Cache) Refresh(ctx context.Context) error { return c.refresh(ctx) }

func (c *Cache) refresh(ctx context.Context) error {
	treses, err := c.conn.GetTres(ctx, &storage.TresCond{WithDeleted: true})
	if err != nil {
		return fmt.Errorf("load tres: %w", err)
	}
	users, err := c.conn.GetUsers(ctx, &storage.UserCond{WithDeleted: true})
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	coords, err := c.conn.GetCoords(ctx, false)
	if err != nil {
		return fmt.Errorf("load coords: %w", err)
	}
	qoses, err := c.conn.GetQos(ctx, &storage.QosCond{WithDeleted: true})
	if err != nil {
		return fmt.Errorf("load qos: %w", err)
	}
	assocs, err := c.conn.GetAssocs(ctx, &storage.AssocCond{Cluster: c.cluster, WithDeleted: true})
	if err != nil {
		return fmt.Errorf("load assocs: %w", err)
	}
	wckeys, err := c.conn.GetWCKeys(ctx, c.cluster, &storage.WCKeyCond{WithDeleted: true})
	if err != nil {
		return fmt.Errorf("load wckeys: %w", err)
	}

	// Build outside the locks, swap inside.
	nt := newTresTable()
	nt.upsert(treses)
	na := newAssocTree()
	if err := na.rebuild(assocs); err != nil {
		return err
	}
	nq := newQosTable()
	if err := nq.rebuild(qoses); err != nil {
		return err
	}
	nu := newUserTable()
	nu.rebuild(users, coords)
	nu.recomputeCoords(na)
	nw := make(map[wckeyKey]*model.WCKey, len(wckeys))
	for i := range wckeys {
		k := wckeys[i]
		nw[wckeyKey{c.cluster, k.User, k.Name}] = &k
	}

	all := Locks{}
	all[LockTres], all[LockUser], all[LockQos], all[LockAssoc], all[LockWCKey] =
		WriteLock, WriteLock, WriteLock, WriteLock, WriteLock
	c.acquire(all)
	// Carry live counters across the swap so a refresh does not zero
	// what running jobs still hold.
	for i := range na.slab {
		rec := &na.slab[i]
		if old := c.assocs.byIDLookup(rec.Cluster, rec.IDAssoc); old != nil {
			rec.UsedJobs = old.UsedJobs
			rec.UsedSubmitJobs = old.UsedSubmitJobs
			rec.GrpUsedCPUs = old.GrpUsedCPUs
			rec.GrpUsedNodes = old.GrpUsedNodes
			rec.GrpUsedWallMins = old.GrpUsedWallMins
			rec.UsageRaw = old.UsageRaw
		}
	}
	for id, rec := range nq.byID {
		if old := c.qoses.lookup(id); old != nil {
			rec.GrpUsedJobs = old.GrpUsedJobs
			rec.GrpUsedSubmitJobs = old.GrpUsedSubmitJobs
			rec.GrpUsedCPUs = old.GrpUsedCPUs
			rec.GrpUsedNodes = old.GrpUsedNodes
			rec.GrpUsedWallMins = old.GrpUsedWallMins
			rec.UsageRaw = old.UsageRaw
			rec.UserUsage = old.UserUsage
		}
	}
	c.tres, c.assocs, c.qoses, c.users, c.wckeys = nt, na, nq, nu, nw
	c.release(all)
	return nil
}

// ApplyUpdates applies one ordered update list under the appropriate
// write locks. Re-applying the same list is a no-op (rows replace by
// id). This is the controller-side consumer of update distribution.
func (c *Cache) ApplyUpdates(list update.List) error {
	all := Locks{}
	all[LockTres], all[LockUser], all[LockQos], all[LockAssoc], all[LockWCKey] =
		WriteLock, WriteLock, WriteLock, WriteLock, WriteLock
	c.acquire(all)
	defer c.release(all)

	var errs []error
	structural := false
	for _, u := range list {
		switch u.Type {
		case update.AddTres, update.ModifyTres:
			c.tres.upsert(u.Treses)
		case update.AddUser, update.ModifyUser:
			for _, usr := range u.Users {
				c.users.upsert(usr)
			}
		case update.RemoveUser:
			for _, usr := range u.Users {
				if uid, ok := c.users.remove(usr.Name); ok {
					// Purge per-user QOS sub-counters on removal.
					c.qoses.purgeUser(uid)
				}
			}
		case update.AddQos, update.ModifyQos:
			for _, q := range u.Qoses {
				if err := c.qoses.upsert(q); err != nil {
					errs = append(errs, err)
				}
			}
		case update.RemoveQos:
			for _, q := range u.Qoses {
				c.qoses.remove(q.ID)
			}
		case update.AddAssoc, update.ModifyAssoc:
			for _, a := range u.Assocs {
				cl := a.Cluster
				if cl == "" {
					cl = u.Cluster
				}
				s, err := c.assocs.upsert(cl, a)
				if err != nil {
					errs = append(errs, err)
				}
				structural = structural || s
			}
		case update.RemoveAssoc:
			for _, a := range u.Assocs {
				cl := a.Cluster
				if cl == "" {
					cl = u.Cluster
				}
				if c.assocs.remove(cl, a.IDAssoc) {
					structural = true
				}
			}
		case update.AddCoord, update.RemoveCoord:
			// Payload carries the full new coord list per user; replace.
			for name, coords := range u.Coords {
				if usr := c.users.lookup(name); usr != nil {
					usr.CoordAccts = coords
				}
			}
		case update.AddWCKey, update.ModifyWCKey:
			for i := range u.WCKeys {
				k := u.WCKeys[i]
				c.wckeys[wckeyKey{u.Cluster, k.User, k.Name}] = &k
			}
		case update.RemoveWCKey:
			for i := range u.WCKeys {
				delete(c.wckeys, wckeyKey{u.Cluster, u.WCKeys[i].User, u.WCKeys[i].Name})
			}
		case update.UpdateFeds, update.RemoveCluster:
			// Federation membership does not live in this cache; the
			// controller's federation layer consumes these.
		}
	}
	if structural {
		c.assocs.foldEffective()
		changed := c.users.recomputeCoords(c.assocs)
		if len(changed) > 0 {
			c.logger.Debug("coordinator sets recomputed", slog.Int("users", len(changed)))
		}
	}
	return errors.Join(errs...)
}

// AssocByID resolves an association by cluster-scoped id. Caller holds
// at least the assoc read lock.
func (c *Cache) AssocByID(cluster string, id uint32) *AssocRec {
	c.assertHeld(LockAssoc, ReadLock)
	return c.assocs.byIDLookup(cluster, id)
}

// AssocLookup resolves by (cluster, acct, user, partition) with
// partitionless fallback. Caller holds at least the assoc read lock.
func (c *Cache) AssocLookup(cluster, acct, user, partition string) *AssocRec {
	c.assertHeld(LockAssoc, ReadLock)
	return c.assocs.lookup(cluster, acct, user, partition)
}

// AssocDefault returns the user's default association on the cluster.
func (c *Cache) AssocDefault(cluster, user string) *AssocRec {
	c.assertHeld(LockAssoc, ReadLock)
	return c.assocs.defaultFor(cluster, user)
}

// Assocs lists live records in nested-set order.
func (c *Cache) Assocs() []*AssocRec {
	c.assertHeld(LockAssoc, ReadLock)
	return c.assocs.all()
}

// WalkUp visits rec then every ancestor.
func (c *Cache) WalkUp(rec *AssocRec, fn func(*AssocRec) bool) {
	c.assertHeld(LockAssoc, ReadLock)
	c.assocs.walkUp(rec, fn)
}

// QosByID returns the QOS with the given id, deleted included.
func (c *Cache) QosByID(id int32) *QosRec {
	c.assertHeld(LockQos, ReadLock)
	return c.qoses.lookup(id)
}

// QosByName returns the live QOS with the given name.
func (c *Cache) QosByName(name string) *QosRec {
	c.assertHeld(LockQos, ReadLock)
	return c.qoses.lookupName(name)
}

// CheckPreemptLoop validates a prospective preempt set for a QOS.
func (c *Cache) CheckPreemptLoop(id int32, next []int32) error {
	c.assertHeld(LockQos, ReadLock)
	return c.qoses.CheckPreemptLoop(id, next)
}

// UserByName returns the cached user record.
func (c *Cache) UserByName(name string) *UserRec {
	c.assertHeld(LockUser, ReadLock)
	return c.users.lookup(name)
}

// TresByID resolves a TRES id, retired kinds included.
func (c *Cache) TresByID(id uint32) (*model.Tres, bool) {
	c.assertHeld(LockTres, ReadLock)
	return c.tres.lookup(id)
}

// TresByName resolves a TRES by (type, name); name is empty for
// typed-only kinds like cpu or mem.
func (c *Cache) TresByName(typ, name string) (*model.Tres, bool) {
	c.assertHeld(LockTres, ReadLock)
	return c.tres.lookupName(typ, name)
}

// FillIn completes a partially populated association spec: given at
// least (cluster, user) or (cluster, acct), it resolves the record and
// returns its id and canonical account. A cache miss falls through to
// storage; when enforcement includes ASSOCS and nothing is found the
// lookup fails with accterr.ErrNoAssoc.
//
// Only the id crosses the lock boundary. Record pointers aim into the
// tree's slab, which grows on apply-update and swaps on refresh, so
// callers re-resolve with AssocByID under the locks they mutate under.
func (c *Cache) FillIn(ctx context.Context, cluster, acct, user, partition string) (uint32, string, error) {
	req := Locks{}
	req[LockAssoc] = ReadLock
	c.acquire(req)
	var rec *AssocRec
	if acct == "" {
		rec = c.assocs.defaultFor(cluster, user)
	} else {
		rec = c.assocs.lookup(cluster, acct, user, partition)
	}
	var id uint32
	var canonical string
	if rec != nil {
		id, canonical = rec.IDAssoc, rec.Acct
	}
	c.release(req)
	if id != 0 {
		return id, canonical, nil
	}

	// Miss: the row may have been added since the last refresh.
	cond := &storage.AssocCond{Cluster: cluster, Users: []string{user}}
	if acct != "" {
		cond.Accts = []string{acct}
	}
	if partition != "" {
		cond.Partitions = []string{partition}
	}
	rows, err := c.conn.GetAssocs(ctx, cond)
	if err == nil && len(rows) > 0 {
		var list update.List
		list.Append(update.Update{Type: update.AddAssoc, Cluster: cluster, Assocs: rows[:1]})
		if aerr := c.ApplyUpdates(list); aerr != nil {
			return 0, "", aerr
		}
		return rows[0].IDAssoc, rows[0].Acct, nil
	}
	if err != nil && accterr.Retryable(err) {
		c.setRunningCache(true)
	}
	if c.enforce&config.EnforceAssocs != 0 {
		return 0, "", fmt.Errorf("%s/%s/%s on %s: %w", acct, user, partition, cluster, accterr.ErrNoAssoc)
	}
	return 0, "", nil
}

func (c *Cache) setRunningCache(v bool) {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()
	if c.runningCache == v {
		return
	}
	c.runningCache = v
	if v {
		c.logger.Warn("lost contact with storage, serving from cache")
		if err := c.saveState(); err != nil {
			c.logger.Error("state save failed", slog.Any("err", err))
		}
	} else {
		c.logger.Info("storage restored")
	}
}

// RunningCache reports whether the cache is serving without storage.
func (c *Cache) RunningCache() bool {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()
	return c.runningCache
}

// QueueWrite records a mutation to replay once storage returns. Order is
// preserved.
func (c *Cache) QueueWrite(fn func(context.Context, storage.Conn) error) {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()
	c.pending = append(c.pending, fn)
}

// ReplayPending replays queued mutations in order and clears
// running-cache mode on success.
func (c *Cache) ReplayPending(ctx context.Context) error {
	c.runningMu.Lock()
	pending := c.pending
	c.pending = nil
	c.runningMu.Unlock()
	for i, fn := range pending {
		if err := fn(ctx, c.conn); err != nil {
			c.runningMu.Lock()
			c.pending = append(pending[i:], c.pending...)
			c.runningMu.Unlock()
			return err
		}
	}
	c.setRunningCache(false)
	return nil
}

// Shutdown saves state on controlled shutdown.
func (c *Cache) Shutdown() error {
	if c.stateFile == "" {
		return nil
	}
	return c.saveState()
}
