package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"sacctd/internal/pkg/accterr"
	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage"
	"sacctd/internal/pkg/update"
)

// AddAccts inserts account rows. Accounts are global; their placement in
// a cluster's tree happens through AddAssocs.
func (c *conn) AddAccts(ctx context.Context, actor string, accts model.Accounts) (update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var list update.List
	for i := range accts {
		a := accts[i]
		var existing model.Account
		err := c.tx.WithContext(ctx).Where("name = ?", a.Name).Take(&existing).Error
		switch {
		case err == nil && existing.Deleted == 0:
			continue
		case err == nil:
			a.CreationTime = existing.CreationTime
			a.Deleted = 0
			a.ModTime = now()
			if uerr := c.tx.WithContext(ctx).Save(&a).Error; uerr != nil {
				return nil, mapErr(uerr)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			a.CreationTime = now()
			a.ModTime = a.CreationTime
			if cerr := c.tx.WithContext(ctx).Create(&a).Error; cerr != nil {
				return nil, mapErr(cerr)
			}
		default:
			return nil, mapErr(err)
		}
		if err := c.logTxn(ctx, update.TypeNone, a.Name, actor, "", "add account"); err != nil {
			return nil, err
		}
	}
	// Accounts themselves are not cached; updates flow only once
	// associations reference them.
	return list, nil
}

func (c *conn) ModifyAccts(ctx context.Context, actor string, names []string, change *storage.AcctChange) ([]string, update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	cols := make(map[string]any)
	if change != nil {
		if change.Description != nil {
			cols["description"] = *change.Description
		}
		if change.Organization != nil {
			cols["organization"] = *change.Organization
		}
	}
	if len(cols) == 0 {
		return nil, nil, accterr.ErrNoChange
	}
	cols["mod_time"] = now()

	res := c.tx.WithContext(ctx).Model(&model.Account{}).
		Where("name IN ? AND deleted = 0", names).Updates(cols)
	if res.Error != nil {
		return nil, nil, mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil, accterr.ErrEmptyList
	}
	if err := c.logTxn(ctx, update.TypeNone, strings.Join(names, ","), actor, "", "modify account"); err != nil {
		return nil, nil, err
	}
	return names, nil, nil
}

// RemoveAccts soft-deletes account rows along with each cluster's
// association subtree hanging off them, emitting the per-cluster assoc
// removals the caches need.
func (c *conn) RemoveAccts(ctx context.Context, actor string, names []string) ([]string, update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var accts model.Accounts
	if err := c.tx.WithContext(ctx).
		Where("name IN ? AND deleted = 0", names).Find(&accts).Error; err != nil {
		return nil, nil, mapErr(err)
	}
	if len(accts) == 0 {
		return nil, nil, accterr.ErrEmptyList
	}
	removed := accts.Names()

	clusters, err := c.liveClusterNames(ctx)
	if err != nil {
		return nil, nil, err
	}
	var list update.List
	for _, cluster := range clusters {
		_, sub, rerr := c.RemoveAssocs(ctx, actor, &storage.AssocCond{Cluster: cluster, Accts: removed})
		if rerr != nil {
			if errors.Is(rerr, accterr.ErrEmptyList) {
				continue
			}
			return nil, nil, fmt.Errorf("remove account associations on %s: %w", cluster, rerr)
		}
		list = append(list, sub...)
	}

	if err := c.tx.WithContext(ctx).Model(&model.Account{}).
		Where("name IN ?", removed).
		Updates(map[string]any{"deleted": 1, "mod_time": now()}).Error; err != nil {
		return nil, nil, mapErr(err)
	}
	if err := c.tx.WithContext(ctx).Model(&model.Coord{}).
		Where("acct IN ? AND deleted = 0", removed).
		Updates(map[string]any{"deleted": 1, "mod_time": now()}).Error; err != nil {
		return nil, nil, mapErr(err)
	}
	if err := c.logTxn(ctx, update.TypeNone, strings.Join(removed, ","), actor, "", "remove account"); err != nil {
		return nil, nil, err
	}
	return removed, list, nil
}

func (c *conn) GetAccts(ctx context.Context, withDeleted bool) (model.Accounts, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	q := c.tx.WithContext(ctx).Model(&model.Account{})
	if !withDeleted {
		q = q.Where("deleted = 0")
	}
	res := make(model.Accounts, 0)
	if err := q.Order("name").Find(&res).Error; err != nil {
		return nil, mapErr(err)
	}
	return res, nil
}
