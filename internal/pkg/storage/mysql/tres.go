package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage"
	"sacctd/internal/pkg/update"
)

// AddTres registers trackable resources. Built-in kinds keep their fixed
// ids; dynamic kinds get ids from MinDynamicTresID up and an id, once
// assigned, is never reused even across delete and re-add.
func (c *conn) AddTres(ctx context.Context, actor string, treses model.Treses) (update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var list update.List
	for i := range treses {
		t := treses[i]
		var existing model.Tres
		err := c.tx.WithContext(ctx).
			Where("type = ? AND name = ?", t.Type, t.Name).
			Take(&existing).Error
		switch {
		case err == nil:
			if existing.Deleted == 0 && existing.Count == t.Count {
				continue
			}
			existing.Deleted = 0
			existing.Count = t.Count
			if uerr := c.tx.WithContext(ctx).Save(&existing).Error; uerr != nil {
				return nil, mapErr(uerr)
			}
			t = existing
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, mapErr(err)
		default:
			if t.ID == 0 {
				var maxID uint32
				row := c.tx.WithContext(ctx).Model(&model.Tres{}).
					Select("COALESCE(MAX(id), 0)")
				if serr := row.Scan(&maxID).Error; serr != nil {
					return nil, mapErr(serr)
				}
				t.ID = maxID + 1
				if t.ID < model.MinDynamicTresID {
					t.ID = model.MinDynamicTresID
				}
			}
			t.CreationTime = now()
			if cerr := c.tx.WithContext(ctx).Create(&t).Error; cerr != nil {
				return nil, mapErr(cerr)
			}
		}
		name := fmt.Sprintf("%s/%s", t.Type, t.Name)
		if err := c.logTxn(ctx, update.AddTres, name, actor, "", ""); err != nil {
			return nil, err
		}
		list.Append(update.Update{Type: update.AddTres, Treses: model.Treses{t}})
	}
	return list, nil
}

func (c *conn) GetTres(ctx context.Context, cond *storage.TresCond) (model.Treses, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	q := c.tx.WithContext(ctx).Model(&model.Tres{})
	if cond != nil {
		if !cond.WithDeleted {
			q = q.Where("deleted = 0")
		}
		if len(cond.IDs) > 0 {
			q = q.Where("id IN ?", cond.IDs)
		}
		if len(cond.Types) > 0 {
			q = q.Where("type IN ?", cond.Types)
		}
	} else {
		q = q.Where("deleted = 0")
	}
	res := make(model.Treses, 0)
	if err := q.Order("id").Find(&res).Error; err != nil {
		return nil, mapErr(err)
	}
	return res, nil
}
