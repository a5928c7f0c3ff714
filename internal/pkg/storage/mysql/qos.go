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

// AddQos inserts QOS rows, resurrecting a soft-deleted row of the same
// name so its id, and every historical job referencing it, stays valid.
func (c *conn) AddQos(ctx context.Context, actor string, qoses model.Qoses) (update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var list update.List
	for i := range qoses {
		q := qoses[i]
		var existing model.Qos
		err := c.tx.WithContext(ctx).Where("name = ?", q.Name).Take(&existing).Error
		switch {
		case err == nil && existing.Deleted == 0:
			continue
		case err == nil:
			q.ID = existing.ID
			q.CreationTime = existing.CreationTime
			q.Deleted = 0
			q.ModTime = now()
			if uerr := c.tx.WithContext(ctx).Save(&q).Error; uerr != nil {
				return nil, mapErr(uerr)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			q.CreationTime = now()
			q.ModTime = q.CreationTime
			if cerr := c.tx.WithContext(ctx).Create(&q).Error; cerr != nil {
				return nil, mapErr(cerr)
			}
		default:
			return nil, mapErr(err)
		}
		if err := c.logTxn(ctx, update.AddQos, q.Name, actor, "", ""); err != nil {
			return nil, err
		}
		list.Append(update.Update{Type: update.AddQos, Qoses: model.Qoses{q}})
	}
	return list, nil
}

// ModifyQos applies a typed change set. A preempt edit is validated
// against the stored graph first: a QOS that can preempt itself, through
// any chain, is refused.
func (c *conn) ModifyQos(ctx context.Context, actor string, cond *storage.QosCond, change *storage.QosChange) ([]string, update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	rows, err := c.selectQos(ctx, cond)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, accterr.ErrEmptyList
	}

	names := make([]string, 0, len(rows))
	changed := make(model.Qoses, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		cols, serr := c.applyQosChange(ctx, row, change)
		if serr != nil {
			return nil, nil, serr
		}
		if len(cols) == 0 {
			continue
		}
		cols["mod_time"] = now()
		if uerr := c.tx.WithContext(ctx).Model(&model.Qos{}).
			Where("id = ?", row.ID).Updates(cols).Error; uerr != nil {
			return nil, nil, mapErr(uerr)
		}
		var after model.Qos
		if gerr := c.tx.WithContext(ctx).Where("id = ?", row.ID).Take(&after).Error; gerr != nil {
			return nil, nil, mapErr(gerr)
		}
		names = append(names, row.Name)
		changed = append(changed, after)
	}
	if len(names) == 0 {
		return nil, nil, accterr.ErrNoChange
	}
	if err := c.logTxn(ctx, update.ModifyQos, strings.Join(names, ","), actor, "", ""); err != nil {
		return nil, nil, err
	}
	var list update.List
	list.Append(update.Update{Type: update.ModifyQos, Qoses: changed})
	return names, list, nil
}

func (c *conn) applyQosChange(ctx context.Context, row *model.Qos, ch *storage.QosChange) (map[string]any, error) {
	cols := make(map[string]any)
	if ch == nil {
		return cols, nil
	}
	if ch.Description != nil {
		cols["description"] = *ch.Description
	}
	if ch.Flags != nil {
		cols["flags"] = *ch.Flags
	}
	if ch.GraceTime != nil {
		cols["grace_time"] = *ch.GraceTime
	}
	if ch.Priority != nil {
		cols["priority"] = *ch.Priority
	}
	if ch.UsageFactor != nil {
		cols["usage_factor"] = *ch.UsageFactor
	}
	if ch.UsageThres != nil {
		cols["usage_thres"] = *ch.UsageThres
	}
	if ch.PreemptMode != nil {
		cols["preempt_mode"] = *ch.PreemptMode
	}
	if ch.PreemptExemptTime != nil {
		cols["preempt_exempt_time"] = *ch.PreemptExemptTime
	}
	if ch.GrpJobs != nil {
		cols["grp_jobs"] = *ch.GrpJobs
	}
	if ch.GrpSubmitJobs != nil {
		cols["grp_submit_jobs"] = *ch.GrpSubmitJobs
	}
	if ch.GrpWall != nil {
		cols["grp_wall"] = *ch.GrpWall
	}
	if ch.MaxJobsPU != nil {
		cols["max_jobs_per_user"] = *ch.MaxJobsPU
	}
	if ch.MaxSubmitJobsPU != nil {
		cols["max_submit_jobs_per_user"] = *ch.MaxSubmitJobsPU
	}
	if ch.MaxJobsPA != nil {
		cols["max_jobs_pa"] = *ch.MaxJobsPA
	}
	if ch.MaxSubmitJobsPA != nil {
		cols["max_submit_jobs_pa"] = *ch.MaxSubmitJobsPA
	}
	if ch.MaxWallPJ != nil {
		cols["max_wall_duration_per_job"] = *ch.MaxWallPJ
	}

	tres := []struct {
		col string
		cur string
		upd *model.TresUpdate
	}{
		{"grp_tres", row.GrpTres, ch.GrpTres},
		{"max_tres_pj", row.MaxTresPJ, ch.MaxTresPJ},
		{"max_tres_pn", row.MaxTresPN, ch.MaxTresPN},
		{"max_tres_pu", row.MaxTresPU, ch.MaxTresPU},
		{"max_tres_pa", row.MaxTresPA, ch.MaxTresPA},
		{"min_tres_pj", row.MinTresPJ, ch.MinTresPJ},
	}
	for _, t := range tres {
		if t.upd == nil {
			continue
		}
		cur, err := model.ParseTresStr(t.cur)
		if err != nil {
			return nil, fmt.Errorf("stored %s of qos %s: %w", t.col, row.Name, err)
		}
		cols[t.col] = t.upd.Apply(cur).String()
	}

	if ch.Preempt != nil {
		next := reconcilePreempt(row.PreemptIDs(), ch.Preempt)
		if err := c.checkPreemptLoop(ctx, row.ID, next); err != nil {
			return nil, err
		}
		cols["preempt"] = model.FormatPreemptIDs(next)
	}
	return cols, nil
}

// reconcilePreempt folds a typed preempt op into the stored edge set.
func reconcilePreempt(cur []int32, ch *storage.PreemptChange) []int32 {
	switch ch.Op {
	case model.TresSet:
		cur = append([]int32(nil), ch.IDs...)
	case model.TresAdd:
		have := make(map[int32]bool, len(cur))
		for _, id := range cur {
			have[id] = true
		}
		for _, id := range ch.IDs {
			if !have[id] {
				cur = append(cur, id)
			}
		}
	case model.TresRemove:
		drop := make(map[int32]bool, len(ch.IDs))
		for _, id := range ch.IDs {
			drop[id] = true
		}
		kept := cur[:0]
		for _, id := range cur {
			if !drop[id] {
				kept = append(kept, id)
			}
		}
		cur = kept
	}
	sort.Slice(cur, func(i, j int) bool { return cur[i] < cur[j] })
	return cur
}

// checkPreemptLoop rejects a preempt edge set that would let qos id
// preempt itself through any chain of stored edges.
func (c *conn) checkPreemptLoop(ctx context.Context, id int32, next []int32) error {
	var all model.Qoses
	if err := c.tx.WithContext(ctx).Where("deleted = 0").Find(&all).Error; err != nil {
		return mapErr(err)
	}
	edges := make(map[int32][]int32, len(all)+1)
	for i := range all {
		edges[all[i].ID] = all[i].PreemptIDs()
	}
	edges[id] = next

	seen := make(map[int32]bool)
	stack := append([]int32(nil), next...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == id {
			return fmt.Errorf("%w: qos %d reaches itself", accterr.ErrPreemptLoop, id)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, edges[n]...)
	}
	return nil
}

// RemoveQos soft-deletes QOS rows. A QOS still set as some association's
// default stays; scrubbing it from other QOS preempt lists and from
// association qos lists happens in the same transaction.
func (c *conn) RemoveQos(ctx context.Context, actor string, cond *storage.QosCond) ([]string, update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	rows, err := c.selectQos(ctx, cond)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, accterr.ErrEmptyList
	}

	clusters, err := c.liveClusterNames(ctx)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]int32, 0, len(rows))
	names := make([]string, 0, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].ID)
		names = append(names, rows[i].Name)
	}
	for _, cluster := range clusters {
		var n int64
		if err := c.tx.WithContext(ctx).Table(model.AssocTableName(cluster)).
			Where("def_qos_id IN ? AND deleted = 0", ids).
			Count(&n).Error; err != nil {
			return nil, nil, mapErr(err)
		}
		if n > 0 {
			return nil, nil, fmt.Errorf("%w: qos %s is a default qos on cluster %s",
				accterr.ErrNoRemoveDefault, strings.Join(names, ","), cluster)
		}
	}

	if err := c.tx.WithContext(ctx).Model(&model.Qos{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"deleted": 1, "mod_time": now()}).Error; err != nil {
		return nil, nil, mapErr(err)
	}

	// Drop the removed ids from every surviving preempt list.
	var survivors model.Qoses
	if err := c.tx.WithContext(ctx).Where("deleted = 0").Find(&survivors).Error; err != nil {
		return nil, nil, mapErr(err)
	}
	drop := make(map[int32]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	for i := range survivors {
		s := &survivors[i]
		cur := s.PreemptIDs()
		kept := cur[:0]
		for _, id := range cur {
			if !drop[id] {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(cur) {
			continue
		}
		if err := c.tx.WithContext(ctx).Model(&model.Qos{}).
			Where("id = ?", s.ID).
			Updates(map[string]any{"preempt": model.FormatPreemptIDs(kept), "mod_time": now()}).Error; err != nil {
			return nil, nil, mapErr(err)
		}
	}

	if err := c.logTxn(ctx, update.RemoveQos, strings.Join(names, ","), actor, "", ""); err != nil {
		return nil, nil, err
	}
	for i := range rows {
		rows[i].Deleted = 1
	}
	var list update.List
	list.Append(update.Update{Type: update.RemoveQos, Qoses: rows})
	return names, list, nil
}

func (c *conn) GetQos(ctx context.Context, cond *storage.QosCond) (model.Qoses, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.selectQos(ctx, cond)
}

func (c *conn) selectQos(ctx context.Context, cond *storage.QosCond) (model.Qoses, error) {
	q := c.tx.WithContext(ctx).Model(&model.Qos{})
	if cond == nil || !cond.WithDeleted {
		q = q.Where("deleted = 0")
	}
	if cond != nil {
		if len(cond.Names) > 0 {
			q = q.Where("name IN ?", cond.Names)
		}
		if len(cond.IDs) > 0 {
			q = q.Where("id IN ?", cond.IDs)
		}
	}
	res := make(model.Qoses, 0)
	if err := q.Order("id").Find(&res).Error; err != nil {
		return nil, mapErr(err)
	}
	return res, nil
}

func (c *conn) liveClusterNames(ctx context.Context) ([]string, error) {
	var clusters model.Clusters
	if err := c.tx.WithContext(ctx).Where("deleted = 0").Find(&clusters).Error; err != nil {
		return nil, mapErr(err)
	}
	names := make([]string, 0, len(clusters))
	for i := range clusters {
		names = append(names, clusters[i].Name)
	}
	return names, nil
}
