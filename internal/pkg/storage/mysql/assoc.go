package mysql

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	"sacctd/internal/pkg/accterr"
	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage"
	"sacctd/internal/pkg/update"
)

// rootAcct anchors every cluster's association tree at lft=1.
const rootAcct = "root"

func (c *conn) clusterOf(name string) string {
	if name != "" {
		return name
	}
	return c.cluster
}

func assocName(a *model.Association) string {
	parts := []string{a.Cluster, a.Acct}
	if a.User != "" {
		parts = append(parts, a.User)
		if a.Partition != "" {
			parts = append(parts, a.Partition)
		}
	}
	return strings.Join(parts, ":")
}

// AddAssocs inserts association rows, reopening the hole a soft delete
// left when the same (acct,user,partition) key comes back. Each insert
// shifts lft/rgt at the parent's right edge, so sibling order is
// insertion order and the nested-set invariants hold at commit.
func (c *conn) AddAssocs(ctx context.Context, actor string, assocs model.Associations) (update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var list update.List
	for i := range assocs {
		row := assocs[i]
		row.Cluster = c.clusterOf(row.Cluster)
		table := model.AssocTableName(row.Cluster)

		stored, err := c.insertAssoc(ctx, table, row)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			continue // identical live row, nothing to do
		}
		if err := c.logTxn(ctx, update.AddAssoc, assocName(stored), actor, stored.Cluster, ""); err != nil {
			return nil, err
		}
		list.Append(update.Update{
			Type: update.AddAssoc, Cluster: stored.Cluster,
			Assocs: model.Associations{*stored},
		})
	}
	return list, nil
}

func (c *conn) insertAssoc(ctx context.Context, table string, row model.Association) (*model.Association, error) {
	parent, err := c.assocParent(ctx, table, &row)
	if err != nil {
		return nil, err
	}

	var existing model.Association
	err = c.tx.WithContext(ctx).Table(table).
		Where("acct = ? AND `user` = ? AND `partition` = ?", row.Acct, row.User, row.Partition).
		Take(&existing).Error
	if err == nil && existing.Deleted == 0 {
		return nil, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, mapErr(err)
	}
	resurrect := err == nil

	// Open a two-wide hole at the parent's right edge.
	if err := c.tx.WithContext(ctx).Table(table).
		Where("rgt >= ? AND deleted = 0", parent.Rgt).
		Update("rgt", gorm.Expr("rgt + 2")).Error; err != nil {
		return nil, mapErr(err)
	}
	if err := c.tx.WithContext(ctx).Table(table).
		Where("lft > ? AND deleted = 0", parent.Rgt).
		Update("lft", gorm.Expr("lft + 2")).Error; err != nil {
		return nil, mapErr(err)
	}

	row.Lft = parent.Rgt
	row.Rgt = parent.Rgt + 1
	row.IDParent = parent.IDAssoc
	row.ParentAcct = ""
	if row.IsAccount() {
		row.ParentAcct = parent.Acct
	}
	row.Lineage = childLineage(parent, &row)
	row.ModTime = now()

	if !row.IsAccount() {
		if err := c.settleDefault(ctx, table, &row); err != nil {
			return nil, err
		}
	}

	if resurrect {
		row.IDAssoc = existing.IDAssoc
		row.CreationTime = existing.CreationTime
		row.Deleted = 0
		if err := c.tx.WithContext(ctx).Table(table).
			Where("id_assoc = ?", row.IDAssoc).
			Updates(assocColumns(&row)).Error; err != nil {
			return nil, mapErr(err)
		}
	} else {
		row.CreationTime = row.ModTime
		if err := c.tx.WithContext(ctx).Table(table).Create(&row).Error; err != nil {
			return nil, mapErr(err)
		}
	}
	return &row, nil
}

// assocParent resolves (and for the root, lazily creates) the parent row
// an insert attaches under.
func (c *conn) assocParent(ctx context.Context, table string, row *model.Association) (*model.Association, error) {
	parentAcct := row.ParentAcct
	if row.IsAccount() {
		if row.Acct == rootAcct {
			return nil, fmt.Errorf("association %q: the root account is created with the cluster", row.Acct)
		}
		if parentAcct == "" {
			parentAcct = rootAcct
		}
	} else {
		// A user association always hangs under its account row.
		parentAcct = row.Acct
	}

	var parent model.Association
	err := c.tx.WithContext(ctx).Table(table).
		Where("acct = ? AND `user` = '' AND deleted = 0", parentAcct).
		Take(&parent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if parentAcct == rootAcct {
			return c.createRoot(ctx, table, row.Cluster)
		}
		return nil, fmt.Errorf("%w: parent account %q has no association on cluster %q",
			accterr.ErrNoAssoc, parentAcct, row.Cluster)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	parent.Cluster = row.Cluster
	return &parent, nil
}

func (c *conn) createRoot(ctx context.Context, table, cluster string) (*model.Association, error) {
	root := model.Association{
		Cluster:      cluster,
		CreationTime: now(),
		ModTime:      now(),
		Acct:         rootAcct,
		Lft:          1,
		Rgt:          2,
		Lineage:      "/",
		Shares:       1,
	}
	if err := c.tx.WithContext(ctx).Table(table).Create(&root).Error; err != nil {
		return nil, mapErr(err)
	}
	return &root, nil
}

// childLineage extends the parent's slash-separated path. User rows get
// a "0-" marker so they sort ahead of sub-accounts in reports.
func childLineage(parent, row *model.Association) string {
	if row.IsAccount() {
		return parent.Lineage + row.Acct + "/"
	}
	l := parent.Lineage + "0-" + row.User + "/"
	if row.Partition != "" {
		l += row.Partition + "/"
	}
	return l
}

// settleDefault keeps exactly one is_def row per (cluster,user): the
// user's first association becomes the default, and an explicit IsDef
// demotes whatever held it before.
func (c *conn) settleDefault(ctx context.Context, table string, row *model.Association) error {
	var nOther int64
	if err := c.tx.WithContext(ctx).Table(table).
		Where("`user` = ? AND deleted = 0", row.User).
		Count(&nOther).Error; err != nil {
		return mapErr(err)
	}
	if nOther == 0 {
		row.IsDef = 1
		return nil
	}
	if row.IsDef != 0 {
		if err := c.tx.WithContext(ctx).Table(table).
			Where("`user` = ? AND is_def = 1 AND deleted = 0", row.User).
			Updates(map[string]any{"is_def": 0, "mod_time": now()}).Error; err != nil {
			return mapErr(err)
		}
	}
	return nil
}

// assocColumns is the full writable column set, used when resurrecting a
// soft-deleted row in place.
func assocColumns(a *model.Association) map[string]any {
	return map[string]any{
		"mod_time": a.ModTime, "deleted": 0, "comment": a.Comment,
		"flags": a.Flags, "is_def": a.IsDef,
		"`user`": a.User, "acct": a.Acct, "`partition`": a.Partition,
		"parent_acct": a.ParentAcct, "id_parent": a.IDParent,
		"lineage": a.Lineage, "lft": a.Lft, "rgt": a.Rgt,
		"shares": a.Shares, "max_jobs": a.MaxJobs,
		"max_jobs_accrue": a.MaxJobsAccrue, "min_prio_thresh": a.MinPrioThresh,
		"max_submit_jobs": a.MaxSubmitJobs,
		"max_tres_pj":     a.MaxTresPJ, "max_tres_pn": a.MaxTresPN,
		"max_tres_pu": a.MaxTresPU, "max_tres_mins_pj": a.MaxTresMinsPJ,
		"max_tres_run_mins": a.MaxTresRunMins, "min_tres_pj": a.MinTresPJ,
		"max_wall_pj": a.MaxWallPJ, "grp_jobs": a.GrpJobs,
		"grp_jobs_accrue": a.GrpJobsAccrue, "grp_submit_jobs": a.GrpSubmitJobs,
		"grp_tres": a.GrpTres, "grp_tres_mins": a.GrpTresMins,
		"grp_tres_run_mins": a.GrpTresRunMins, "grp_wall": a.GrpWall,
		"priority": a.Priority, "def_qos_id": a.DefQosID, "qos": a.QOS,
	}
}

// ModifyAssocs applies one typed change set to every row the condition
// matches. A parent change re-hangs the whole subtree and renumbers the
// tree; limit changes touch only the matched rows. Returns the matched
// names and the updates the cache needs.
func (c *conn) ModifyAssocs(ctx context.Context, actor string, cond *storage.AssocCond, change *storage.AssocChange) ([]string, update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	cluster := c.clusterOf(cond.Cluster)
	table := model.AssocTableName(cluster)

	rows, err := c.selectAssocs(ctx, table, cluster, cond)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, accterr.ErrEmptyList
	}
	if cond.OneChangeOnly && len(rows) > 1 {
		return nil, nil, accterr.ErrOneChangeOnly
	}

	structural := false
	names := make([]string, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		cols, serr := applyAssocChange(row, change)
		if serr != nil {
			return nil, nil, serr
		}
		if _, moved := cols["parent_acct"]; moved {
			if !row.IsAccount() {
				return nil, nil, fmt.Errorf("cannot reparent user association %s", assocName(row))
			}
			if perr := c.checkNewParent(ctx, table, row, *change.ParentAcct); perr != nil {
				return nil, nil, perr
			}
			structural = true
		}
		if change.IsDef != nil && *change.IsDef && !row.IsAccount() {
			if derr := c.tx.WithContext(ctx).Table(table).
				Where("`user` = ? AND is_def = 1 AND deleted = 0 AND id_assoc <> ?", row.User, row.IDAssoc).
				Updates(map[string]any{"is_def": 0, "mod_time": now()}).Error; derr != nil {
				return nil, nil, mapErr(derr)
			}
		}
		if len(cols) == 0 {
			continue
		}
		cols["mod_time"] = now()
		if uerr := c.tx.WithContext(ctx).Table(table).
			Where("id_assoc = ?", row.IDAssoc).
			Updates(cols).Error; uerr != nil {
			return nil, nil, mapErr(uerr)
		}
		names = append(names, assocName(row))
	}
	if len(names) == 0 {
		return nil, nil, accterr.ErrNoChange
	}

	if structural {
		if err := c.rebuildTree(ctx, table, cluster); err != nil {
			return nil, nil, err
		}
	}

	// Re-read what the cache should now hold. A structural change moves
	// lineage and lft/rgt of descendants too, so ship the full tree slice
	// for the matched rows' subtrees.
	ids := make([]uint32, 0, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].IDAssoc)
	}
	changed, err := c.selectAssocs(ctx, table, cluster, &storage.AssocCond{IDs: ids})
	if err != nil {
		return nil, nil, err
	}
	if structural {
		changed, err = c.withSubtrees(ctx, table, cluster, changed)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := c.logTxn(ctx, update.ModifyAssoc, strings.Join(names, ","), actor, cluster, ""); err != nil {
		return nil, nil, err
	}
	var list update.List
	list.Append(update.Update{Type: update.ModifyAssoc, Cluster: cluster, Assocs: changed})
	return names, list, nil
}

func (c *conn) checkNewParent(ctx context.Context, table string, row *model.Association, parentAcct string) error {
	if parentAcct == row.Acct {
		return fmt.Errorf("account %q cannot be its own parent", row.Acct)
	}
	var parent model.Association
	err := c.tx.WithContext(ctx).Table(table).
		Where("acct = ? AND `user` = '' AND deleted = 0", parentAcct).
		Take(&parent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: new parent account %q", accterr.ErrNoAssoc, parentAcct)
	}
	if err != nil {
		return mapErr(err)
	}
	// The new parent must not live inside the moved subtree.
	if parent.Lft > row.Lft && parent.Rgt < row.Rgt {
		return fmt.Errorf("cannot move account %q under its own descendant %q", row.Acct, parentAcct)
	}
	return nil
}

// applyAssocChange folds the typed change set into a column update map.
func applyAssocChange(row *model.Association, ch *storage.AssocChange) (map[string]any, error) {
	cols := make(map[string]any)
	if ch == nil {
		return cols, nil
	}
	if ch.ParentAcct != nil && *ch.ParentAcct != row.ParentAcct {
		cols["parent_acct"] = *ch.ParentAcct
	}
	if ch.Shares != nil {
		cols["shares"] = *ch.Shares
	}
	if ch.MaxJobs != nil {
		cols["max_jobs"] = *ch.MaxJobs
	}
	if ch.MaxJobsAccrue != nil {
		cols["max_jobs_accrue"] = *ch.MaxJobsAccrue
	}
	if ch.MaxSubmitJobs != nil {
		cols["max_submit_jobs"] = *ch.MaxSubmitJobs
	}
	if ch.MaxWallPJ != nil {
		cols["max_wall_pj"] = *ch.MaxWallPJ
	}
	if ch.GrpJobs != nil {
		cols["grp_jobs"] = *ch.GrpJobs
	}
	if ch.GrpJobsAccrue != nil {
		cols["grp_jobs_accrue"] = *ch.GrpJobsAccrue
	}
	if ch.GrpSubmitJobs != nil {
		cols["grp_submit_jobs"] = *ch.GrpSubmitJobs
	}
	if ch.GrpWall != nil {
		cols["grp_wall"] = *ch.GrpWall
	}
	if ch.Priority != nil {
		cols["priority"] = *ch.Priority
	}
	if ch.DefQosID != nil {
		cols["def_qos_id"] = *ch.DefQosID
	}
	if ch.QOS != nil {
		cols["qos"] = *ch.QOS
	}
	if ch.IsDef != nil {
		cols["is_def"] = boolToInt8(*ch.IsDef)
	}
	if ch.Flags != nil {
		cols["flags"] = *ch.Flags
	}
	if ch.Comment != nil {
		cols["comment"] = *ch.Comment
	}

	tres := []struct {
		col string
		cur string
		upd *model.TresUpdate
	}{
		{"grp_tres", row.GrpTres, ch.GrpTres},
		{"grp_tres_mins", row.GrpTresMins, ch.GrpTresMins},
		{"grp_tres_run_mins", row.GrpTresRunMins, ch.GrpTresRunMins},
		{"max_tres_pj", row.MaxTresPJ, ch.MaxTresPJ},
		{"max_tres_pn", row.MaxTresPN, ch.MaxTresPN},
		{"max_tres_pu", row.MaxTresPU, ch.MaxTresPU},
		{"max_tres_mins_pj", row.MaxTresMinsPJ, ch.MaxTresMinsPJ},
		{"max_tres_run_mins", row.MaxTresRunMins, ch.MaxTresRunMins},
		{"min_tres_pj", row.MinTresPJ, ch.MinTresPJ},
	}
	for _, t := range tres {
		if t.upd == nil {
			continue
		}
		cur, err := model.ParseTresStr(t.cur)
		if err != nil {
			return nil, fmt.Errorf("stored %s of %s: %w", t.col, assocName(row), err)
		}
		cols[t.col] = t.upd.Apply(cur).String()
	}
	return cols, nil
}

func boolToInt8(b bool) int8 {
	if b {
		return 1
	}
	return 0
}

// RemoveAssocs soft-deletes the matched rows and everything below them.
// Rows keep their ids for historical joins but leave the tree: deleted=1
// and lft=rgt=0.
func (c *conn) RemoveAssocs(ctx context.Context, actor string, cond *storage.AssocCond) ([]string, update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	cluster := c.clusterOf(cond.Cluster)
	table := model.AssocTableName(cluster)

	rows, err := c.selectAssocs(ctx, table, cluster, cond)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, accterr.ErrEmptyList
	}
	doomed, err := c.withSubtrees(ctx, table, cluster, rows)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]uint32, 0, len(doomed))
	byID := make(map[uint32]bool, len(doomed))
	for i := range doomed {
		ids = append(ids, doomed[i].IDAssoc)
		byID[doomed[i].IDAssoc] = true
	}

	// Jobs still running against any doomed association block the remove.
	var running int64
	if err := c.tx.WithContext(ctx).Table(model.JobTableName(cluster)).
		Where("id_assoc IN ? AND time_start > 0 AND time_end = 0", ids).
		Count(&running).Error; err != nil {
		return nil, nil, mapErr(err)
	}
	if running > 0 {
		return nil, nil, fmt.Errorf("%w: %d jobs still running", accterr.ErrJobsRunning, running)
	}

	// A user keeps exactly one default; removing it while other
	// associations survive would leave none.
	for i := range doomed {
		d := &doomed[i]
		if d.IsAccount() || d.IsDef == 0 {
			continue
		}
		var others model.Associations
		if err := c.tx.WithContext(ctx).Table(table).
			Where("`user` = ? AND deleted = 0 AND id_assoc <> ?", d.User, d.IDAssoc).
			Find(&others).Error; err != nil {
			return nil, nil, mapErr(err)
		}
		for j := range others {
			if !byID[others[j].IDAssoc] {
				return nil, nil, fmt.Errorf("%w: %s is the default association of user %s",
					accterr.ErrNoRemoveDefault, assocName(d), d.User)
			}
		}
	}

	if err := c.tx.WithContext(ctx).Table(table).
		Where("id_assoc IN ?", ids).
		Updates(map[string]any{"deleted": 1, "lft": 0, "rgt": 0, "mod_time": now()}).Error; err != nil {
		return nil, nil, mapErr(err)
	}
	if err := c.rebuildTree(ctx, table, cluster); err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(doomed))
	for i := range doomed {
		doomed[i].Deleted = 1
		doomed[i].Lft, doomed[i].Rgt = 0, 0
		names = append(names, assocName(&doomed[i]))
	}
	if err := c.logTxn(ctx, update.RemoveAssoc, strings.Join(names, ","), actor, cluster, ""); err != nil {
		return nil, nil, err
	}
	var list update.List
	list.Append(update.Update{Type: update.RemoveAssoc, Cluster: cluster, Assocs: doomed})
	return names, list, nil
}

func (c *conn) GetAssocs(ctx context.Context, cond *storage.AssocCond) (model.Associations, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	cluster := c.cluster
	if cond != nil {
		cluster = c.clusterOf(cond.Cluster)
	}
	return c.selectAssocs(ctx, model.AssocTableName(cluster), cluster, cond)
}

func (c *conn) selectAssocs(ctx context.Context, table, cluster string, cond *storage.AssocCond) (model.Associations, error) {
	q := c.tx.WithContext(ctx).Table(table)
	if cond == nil || !cond.WithDeleted {
		q = q.Where("deleted = 0")
	}
	if cond != nil {
		if len(cond.Accts) > 0 {
			q = q.Where("acct IN ?", cond.Accts)
		}
		if len(cond.Users) > 0 {
			q = q.Where("`user` IN ?", cond.Users)
		}
		if len(cond.Partitions) > 0 {
			q = q.Where("`partition` IN ?", cond.Partitions)
		}
		if len(cond.IDs) > 0 {
			q = q.Where("id_assoc IN ?", cond.IDs)
		}
		if cond.ParentAcct != "" {
			q = q.Where("parent_acct = ?", cond.ParentAcct)
		}
		if cond.OnlyDefs {
			q = q.Where("is_def = 1")
		}
	}
	res := make(model.Associations, 0)
	if err := q.Order("lft").Find(&res).Error; err != nil {
		return nil, mapErr(err)
	}
	for i := range res {
		res[i].Cluster = cluster
	}
	return res, nil
}

// withSubtrees widens a row set to include every live descendant, without
// duplicates, ordered by lft.
func (c *conn) withSubtrees(ctx context.Context, table, cluster string, rows model.Associations) (model.Associations, error) {
	seen := make(map[uint32]bool, len(rows))
	out := make(model.Associations, 0, len(rows))
	add := func(a model.Association) {
		if !seen[a.IDAssoc] {
			seen[a.IDAssoc] = true
			a.Cluster = cluster
			out = append(out, a)
		}
	}
	for i := range rows {
		add(rows[i])
		if rows[i].Rgt-rows[i].Lft <= 1 {
			continue
		}
		var kids model.Associations
		if err := c.tx.WithContext(ctx).Table(table).
			Where("lft > ? AND rgt < ? AND deleted = 0", rows[i].Lft, rows[i].Rgt).
			Order("lft").Find(&kids).Error; err != nil {
			return nil, mapErr(err)
		}
		for j := range kids {
			add(kids[j])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lft < out[j].Lft })
	return out, nil
}

// rebuildTree renumbers lft/rgt and recomputes lineage and id_parent for
// one cluster from the parent pointers. Used after structural changes,
// where incremental shifting would have to move arbitrary subtrees.
func (c *conn) rebuildTree(ctx context.Context, table, cluster string) error {
	var rows model.Associations
	if err := c.tx.WithContext(ctx).Table(table).
		Where("deleted = 0").Find(&rows).Error; err != nil {
		return mapErr(err)
	}
	if len(rows) == 0 {
		return nil
	}

	accts := make(map[string]*model.Association, len(rows))
	for i := range rows {
		if rows[i].IsAccount() {
			accts[rows[i].Acct] = &rows[i]
		}
	}
	root, ok := accts[rootAcct]
	if !ok {
		return fmt.Errorf("cluster %q has no root association", cluster)
	}

	children := make(map[uint32][]*model.Association)
	for i := range rows {
		r := &rows[i]
		if r == root {
			continue
		}
		var parent *model.Association
		if r.IsAccount() {
			parent = accts[r.ParentAcct]
			if parent == nil {
				parent = root
			}
		} else {
			parent = accts[r.Acct]
			if parent == nil {
				return fmt.Errorf("user association %s:%s has no account row", r.Acct, r.User)
			}
		}
		children[parent.IDAssoc] = append(children[parent.IDAssoc], r)
	}
	for _, kids := range children {
		sort.Slice(kids, func(i, j int) bool {
			if (kids[i].User == "") != (kids[j].User == "") {
				return kids[i].User != "" // user rows lead their sibling accounts
			}
			if kids[i].Acct != kids[j].Acct {
				return kids[i].Acct < kids[j].Acct
			}
			if kids[i].User != kids[j].User {
				return kids[i].User < kids[j].User
			}
			return kids[i].Partition < kids[j].Partition
		})
	}

	counter := int32(0)
	var walk func(n *model.Association, parent *model.Association)
	walk = func(n, parent *model.Association) {
		counter++
		n.Lft = counter
		if parent == nil {
			n.Lineage = "/"
			n.IDParent = 0
		} else {
			n.IDParent = parent.IDAssoc
			n.Lineage = childLineage(parent, n)
		}
		for _, kid := range children[n.IDAssoc] {
			walk(kid, n)
		}
		counter++
		n.Rgt = counter
	}
	walk(root, nil)

	for i := range rows {
		r := &rows[i]
		if err := c.tx.WithContext(ctx).Table(table).
			Where("id_assoc = ?", r.IDAssoc).
			Updates(map[string]any{
				"lft": r.Lft, "rgt": r.Rgt,
				"id_parent": r.IDParent, "lineage": r.Lineage,
				"mod_time": now(),
			}).Error; err != nil {
			return mapErr(err)
		}
	}
	return nil
}
