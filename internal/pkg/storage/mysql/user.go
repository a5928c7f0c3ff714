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

// AddUsers inserts user rows, resurrecting soft-deleted names.
func (c *conn) AddUsers(ctx context.Context, actor string, users model.Users) (update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var list update.List
	for i := range users {
		u := users[i]
		var existing model.User
		err := c.tx.WithContext(ctx).Where("name = ?", u.Name).Take(&existing).Error
		switch {
		case err == nil && existing.Deleted == 0:
			continue
		case err == nil:
			u.CreationTime = existing.CreationTime
			u.Deleted = 0
			u.ModTime = now()
			if uerr := c.tx.WithContext(ctx).Save(&u).Error; uerr != nil {
				return nil, mapErr(uerr)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			u.CreationTime = now()
			u.ModTime = u.CreationTime
			if cerr := c.tx.WithContext(ctx).Create(&u).Error; cerr != nil {
				return nil, mapErr(cerr)
			}
		default:
			return nil, mapErr(err)
		}
		if err := c.logTxn(ctx, update.AddUser, u.Name, actor, "", ""); err != nil {
			return nil, err
		}
		list.Append(update.Update{Type: update.AddUser, Users: model.Users{u}})
	}
	return list, nil
}

// ModifyUsers changes admin level or defaults. A default-account change
// flips the is_def bits in this cluster's association table, so the
// update list carries the touched association rows as well.
func (c *conn) ModifyUsers(ctx context.Context, actor string, cond *storage.UserCond, change *storage.UserChange) ([]string, update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	rows, err := c.selectUsers(ctx, cond)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, accterr.ErrEmptyList
	}

	var list update.List
	names := make([]string, 0, len(rows))
	changed := make(model.Users, 0, len(rows))
	for i := range rows {
		u := &rows[i]
		cols := make(map[string]any)
		if change != nil && change.AdminLevel != nil && *change.AdminLevel != u.AdminLevel {
			cols["admin_level"] = *change.AdminLevel
			u.AdminLevel = *change.AdminLevel
		}
		if len(cols) > 0 {
			cols["mod_time"] = now()
			if uerr := c.tx.WithContext(ctx).Model(&model.User{}).
				Where("name = ?", u.Name).Updates(cols).Error; uerr != nil {
				return nil, nil, mapErr(uerr)
			}
		}
		if change != nil && change.DefaultAcct != nil {
			assocs, derr := c.setDefaultAcct(ctx, u.Name, *change.DefaultAcct)
			if derr != nil {
				return nil, nil, derr
			}
			u.DefaultAcct = *change.DefaultAcct
			if len(assocs) > 0 {
				list.Append(update.Update{Type: update.ModifyAssoc, Cluster: c.cluster, Assocs: assocs})
			}
			cols["default_acct"] = *change.DefaultAcct // txn info only
		}
		if change != nil && change.DefaultWCKey != nil {
			if werr := c.setDefaultWCKey(ctx, u.Name, *change.DefaultWCKey); werr != nil {
				return nil, nil, werr
			}
			u.DefaultWCKey = *change.DefaultWCKey
			cols["default_wckey"] = *change.DefaultWCKey
		}
		if len(cols) == 0 {
			continue
		}
		names = append(names, u.Name)
		changed = append(changed, *u)
	}
	if len(names) == 0 {
		return nil, nil, accterr.ErrNoChange
	}
	if err := c.logTxn(ctx, update.ModifyUser, strings.Join(names, ","), actor, "", ""); err != nil {
		return nil, nil, err
	}
	out := update.List{update.Update{Type: update.ModifyUser, Users: changed}}
	out = append(out, list...)
	return names, out, nil
}

// setDefaultAcct moves the user's is_def bit to their association under
// acct in this connection's cluster.
func (c *conn) setDefaultAcct(ctx context.Context, user, acct string) (model.Associations, error) {
	table := model.AssocTableName(c.cluster)
	var target model.Association
	err := c.tx.WithContext(ctx).Table(table).
		Where("`user` = ? AND acct = ? AND deleted = 0", user, acct).
		Order("`partition`").Take(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %s has no association with account %s on cluster %s",
			accterr.ErrNoAssoc, user, acct, c.cluster)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	if err := c.tx.WithContext(ctx).Table(table).
		Where("`user` = ? AND is_def = 1 AND deleted = 0", user).
		Updates(map[string]any{"is_def": 0, "mod_time": now()}).Error; err != nil {
		return nil, mapErr(err)
	}
	if err := c.tx.WithContext(ctx).Table(table).
		Where("`user` = ? AND acct = ? AND deleted = 0", user, acct).
		Updates(map[string]any{"is_def": 1, "mod_time": now()}).Error; err != nil {
		return nil, mapErr(err)
	}
	var assocs model.Associations
	if err := c.tx.WithContext(ctx).Table(table).
		Where("`user` = ? AND deleted = 0", user).
		Order("lft").Find(&assocs).Error; err != nil {
		return nil, mapErr(err)
	}
	for i := range assocs {
		assocs[i].Cluster = c.cluster
	}
	return assocs, nil
}

func (c *conn) setDefaultWCKey(ctx context.Context, user, wckey string) error {
	table := model.WCKeyTableName(c.cluster)
	if err := c.tx.WithContext(ctx).Table(table).
		Where("`user` = ? AND is_def = 1 AND deleted = 0", user).
		Updates(map[string]any{"is_def": 0, "mod_time": now()}).Error; err != nil {
		return mapErr(err)
	}
	return mapErr(c.tx.WithContext(ctx).Table(table).
		Where("`user` = ? AND wckey_name = ? AND deleted = 0", user, wckey).
		Updates(map[string]any{"is_def": 1, "mod_time": now()}).Error)
}

// RemoveUsers soft-deletes user rows and their coordinator grants.
// Associations are removed separately and first; a user with live
// associations cannot go.
func (c *conn) RemoveUsers(ctx context.Context, actor string, cond *storage.UserCond) ([]string, update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	rows, err := c.selectUsers(ctx, cond)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, accterr.ErrEmptyList
	}
	names := make([]string, 0, len(rows))
	for i := range rows {
		names = append(names, rows[i].Name)
	}

	clusters, err := c.liveClusterNames(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, cluster := range clusters {
		var n int64
		if err := c.tx.WithContext(ctx).Table(model.AssocTableName(cluster)).
			Where("`user` IN ? AND deleted = 0", names).
			Count(&n).Error; err != nil {
			return nil, nil, mapErr(err)
		}
		if n > 0 {
			return nil, nil, fmt.Errorf("remove users %s: %d live associations remain on cluster %s",
				strings.Join(names, ","), n, cluster)
		}
	}

	if err := c.tx.WithContext(ctx).Model(&model.User{}).
		Where("name IN ?", names).
		Updates(map[string]any{"deleted": 1, "mod_time": now()}).Error; err != nil {
		return nil, nil, mapErr(err)
	}
	if err := c.tx.WithContext(ctx).Model(&model.Coord{}).
		Where("`user` IN ? AND deleted = 0", names).
		Updates(map[string]any{"deleted": 1, "mod_time": now()}).Error; err != nil {
		return nil, nil, mapErr(err)
	}

	if err := c.logTxn(ctx, update.RemoveUser, strings.Join(names, ","), actor, "", ""); err != nil {
		return nil, nil, err
	}
	for i := range rows {
		rows[i].Deleted = 1
	}
	var list update.List
	list.Append(update.Update{Type: update.RemoveUser, Users: rows})
	return names, list, nil
}

func (c *conn) GetUsers(ctx context.Context, cond *storage.UserCond) (model.Users, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	users, err := c.selectUsers(ctx, cond)
	if err != nil {
		return nil, err
	}
	// Defaults are derived, not stored on the user row.
	table := model.AssocTableName(c.cluster)
	for i := range users {
		var def model.Association
		err := c.tx.WithContext(ctx).Table(table).
			Where("`user` = ? AND is_def = 1 AND deleted = 0", users[i].Name).
			Take(&def).Error
		if err == nil {
			users[i].DefaultAcct = def.Acct
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, mapErr(err)
		}
	}
	return users, nil
}

func (c *conn) selectUsers(ctx context.Context, cond *storage.UserCond) (model.Users, error) {
	q := c.tx.WithContext(ctx).Model(&model.User{})
	if cond == nil || !cond.WithDeleted {
		q = q.Where("deleted = 0")
	}
	if cond != nil {
		if len(cond.Names) > 0 {
			q = q.Where("name IN ?", cond.Names)
		}
		if cond.AdminLevel != nil {
			q = q.Where("admin_level = ?", *cond.AdminLevel)
		}
	}
	res := make(model.Users, 0)
	if err := q.Order("name").Find(&res).Error; err != nil {
		return nil, mapErr(err)
	}
	return res, nil
}

// AddCoords grants users explicit coordinator authority over acct. The
// update carries each affected user's complete explicit grant set; the
// cache layers inherited grants on top.
func (c *conn) AddCoords(ctx context.Context, actor string, acct string, users []string) (update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	for _, user := range users {
		var existing model.Coord
		err := c.tx.WithContext(ctx).
			Where("acct = ? AND `user` = ?", acct, user).
			Take(&existing).Error
		switch {
		case err == nil && existing.Deleted == 0:
			continue
		case err == nil:
			if uerr := c.tx.WithContext(ctx).Model(&model.Coord{}).
				Where("acct = ? AND `user` = ?", acct, user).
				Updates(map[string]any{"deleted": 0, "mod_time": now()}).Error; uerr != nil {
				return nil, mapErr(uerr)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := model.Coord{CreationTime: now(), ModTime: now(), Acct: acct, User: user}
			if cerr := c.tx.WithContext(ctx).Create(&row).Error; cerr != nil {
				return nil, mapErr(cerr)
			}
		default:
			return nil, mapErr(err)
		}
	}
	if err := c.logTxn(ctx, update.AddCoord, strings.Join(users, ","), actor, "", acct); err != nil {
		return nil, err
	}
	return c.coordUpdate(ctx, update.AddCoord, users)
}

// RemoveCoords revokes explicit grants.
func (c *conn) RemoveCoords(ctx context.Context, actor string, acct string, users []string) (update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	res := c.tx.WithContext(ctx).Model(&model.Coord{}).
		Where("acct = ? AND `user` IN ? AND deleted = 0", acct, users).
		Updates(map[string]any{"deleted": 1, "mod_time": now()})
	if res.Error != nil {
		return nil, mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, accterr.ErrEmptyList
	}
	if err := c.logTxn(ctx, update.RemoveCoord, strings.Join(users, ","), actor, "", acct); err != nil {
		return nil, err
	}
	return c.coordUpdate(ctx, update.RemoveCoord, users)
}

// coordUpdate builds the post-change explicit coord sets for the given
// users.
func (c *conn) coordUpdate(ctx context.Context, typ update.Type, users []string) (update.List, error) {
	coords := make(map[string][]model.CoordAcct, len(users))
	for _, user := range users {
		var rows []model.Coord
		if err := c.tx.WithContext(ctx).
			Where("`user` = ? AND deleted = 0", user).
			Order("acct").Find(&rows).Error; err != nil {
			return nil, mapErr(err)
		}
		set := make([]model.CoordAcct, 0, len(rows))
		for i := range rows {
			set = append(set, model.CoordAcct{Acct: rows[i].Acct, Direct: true})
		}
		coords[user] = set
	}
	return update.List{update.Update{Type: typ, Users: namesToUsers(users), Coords: coords}}, nil
}

func namesToUsers(names []string) model.Users {
	out := make(model.Users, 0, len(names))
	for _, n := range names {
		out = append(out, model.User{Name: n})
	}
	return out
}

func (c *conn) GetCoords(ctx context.Context, withDeleted bool) ([]model.Coord, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	q := c.tx.WithContext(ctx).Model(&model.Coord{})
	if !withDeleted {
		q = q.Where("deleted = 0")
	}
	res := make([]model.Coord, 0)
	if err := q.Order("acct, `user`").Find(&res).Error; err != nil {
		return nil, mapErr(err)
	}
	return res, nil
}
