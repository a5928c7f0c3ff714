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

// AddWCKeys inserts workload characterization keys. A user's first key
// on the cluster becomes their default.
func (c *conn) AddWCKeys(ctx context.Context, actor string, cluster string, keys model.WCKeys) (update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	cluster = c.clusterOf(cluster)
	table := model.WCKeyTableName(cluster)

	var list update.List
	for i := range keys {
		k := keys[i]
		var existing model.WCKey
		err := c.tx.WithContext(ctx).Table(table).
			Where("wckey_name = ? AND `user` = ?", k.Name, k.User).
			Take(&existing).Error
		if err == nil && existing.Deleted == 0 {
			continue
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, mapErr(err)
		}

		var nOther int64
		if cerr := c.tx.WithContext(ctx).Table(table).
			Where("`user` = ? AND deleted = 0", k.User).
			Count(&nOther).Error; cerr != nil {
			return nil, mapErr(cerr)
		}
		if nOther == 0 {
			k.IsDef = 1
		}

		k.ModTime = now()
		if err == nil {
			k.IDWCKey = existing.IDWCKey
			k.CreationTime = existing.CreationTime
			k.Deleted = 0
			if uerr := c.tx.WithContext(ctx).Table(table).
				Where("id_wckey = ?", k.IDWCKey).
				Updates(map[string]any{
					"deleted": 0, "is_def": k.IsDef, "mod_time": k.ModTime,
				}).Error; uerr != nil {
				return nil, mapErr(uerr)
			}
		} else {
			k.CreationTime = k.ModTime
			if cerr := c.tx.WithContext(ctx).Table(table).Create(&k).Error; cerr != nil {
				return nil, mapErr(cerr)
			}
		}
		if err := c.logTxn(ctx, update.AddWCKey, k.User+":"+k.Name, actor, cluster, ""); err != nil {
			return nil, err
		}
		list.Append(update.Update{Type: update.AddWCKey, Cluster: cluster, WCKeys: model.WCKeys{k}})
	}
	return list, nil
}

// RemoveWCKeys soft-deletes keys. Removing a default while other keys
// survive is refused, mirroring the association rule.
func (c *conn) RemoveWCKeys(ctx context.Context, actor string, cluster string, cond *storage.WCKeyCond) ([]string, update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	cluster = c.clusterOf(cluster)
	table := model.WCKeyTableName(cluster)

	rows, err := c.selectWCKeys(ctx, table, cond)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, accterr.ErrEmptyList
	}

	ids := make([]uint32, 0, len(rows))
	byID := make(map[uint32]bool, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].IDWCKey)
		byID[rows[i].IDWCKey] = true
	}
	for i := range rows {
		r := &rows[i]
		if r.IsDef == 0 {
			continue
		}
		var others model.WCKeys
		if err := c.tx.WithContext(ctx).Table(table).
			Where("`user` = ? AND deleted = 0 AND id_wckey <> ?", r.User, r.IDWCKey).
			Find(&others).Error; err != nil {
			return nil, nil, mapErr(err)
		}
		for j := range others {
			if !byID[others[j].IDWCKey] {
				return nil, nil, fmt.Errorf("%w: %s is the default wckey of user %s",
					accterr.ErrNoRemoveDefault, r.Name, r.User)
			}
		}
	}

	if err := c.tx.WithContext(ctx).Table(table).
		Where("id_wckey IN ?", ids).
		Updates(map[string]any{"deleted": 1, "mod_time": now()}).Error; err != nil {
		return nil, nil, mapErr(err)
	}

	names := make([]string, 0, len(rows))
	for i := range rows {
		rows[i].Deleted = 1
		names = append(names, rows[i].User+":"+rows[i].Name)
	}
	if err := c.logTxn(ctx, update.RemoveWCKey, strings.Join(names, ","), actor, cluster, ""); err != nil {
		return nil, nil, err
	}
	var list update.List
	list.Append(update.Update{Type: update.RemoveWCKey, Cluster: cluster, WCKeys: rows})
	return names, list, nil
}

func (c *conn) GetWCKeys(ctx context.Context, cluster string, cond *storage.WCKeyCond) (model.WCKeys, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.selectWCKeys(ctx, model.WCKeyTableName(c.clusterOf(cluster)), cond)
}

func (c *conn) selectWCKeys(ctx context.Context, table string, cond *storage.WCKeyCond) (model.WCKeys, error) {
	q := c.tx.WithContext(ctx).Table(table)
	if cond == nil || !cond.WithDeleted {
		q = q.Where("deleted = 0")
	}
	if cond != nil {
		if len(cond.Names) > 0 {
			q = q.Where("wckey_name IN ?", cond.Names)
		}
		if len(cond.Users) > 0 {
			q = q.Where("`user` IN ?", cond.Users)
		}
	}
	res := make(model.WCKeys, 0)
	if err := q.Order("id_wckey").Find(&res).Error; err != nil {
		return nil, mapErr(err)
	}
	return res, nil
}
