package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"sacctd/internal/pkg/accterr"
	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage"
	"sacctd/internal/pkg/update"
)

// Node states recorded in the event table, a subset of the controller's
// node state codes.
const (
	eventStateUp   uint32 = 0
	eventStateDown uint32 = 1
)

// AddClusters registers clusters. Each new cluster gets its root
// association so the tree is never empty; joining a federation assigns
// the smallest free fed id.
func (c *conn) AddClusters(ctx context.Context, actor string, clusters model.Clusters) (update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var list update.List
	for i := range clusters {
		cl := clusters[i]
		var existing model.Cluster
		err := c.tx.WithContext(ctx).Where("name = ?", cl.Name).Take(&existing).Error
		switch {
		case err == nil && existing.Deleted == 0:
			continue
		case err == nil:
			cl.CreationTime = existing.CreationTime
			cl.Deleted = 0
			cl.ModTime = now()
			if uerr := c.tx.WithContext(ctx).Save(&cl).Error; uerr != nil {
				return nil, mapErr(uerr)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			cl.CreationTime = now()
			cl.ModTime = cl.CreationTime
			if cerr := c.tx.WithContext(ctx).Create(&cl).Error; cerr != nil {
				return nil, mapErr(cerr)
			}
		default:
			return nil, mapErr(err)
		}

		if _, rerr := c.createRoot(ctx, model.AssocTableName(cl.Name), cl.Name); rerr != nil {
			return nil, rerr
		}
		if err := c.logTxn(ctx, update.TypeNone, cl.Name, actor, cl.Name, "add cluster"); err != nil {
			return nil, err
		}
		if cl.FedName != "" {
			sub, ferr := c.AddClusterToFederation(ctx, actor, cl.Name, cl.FedName)
			if ferr != nil {
				return nil, ferr
			}
			list = append(list, sub...)
		}
	}
	return list, nil
}

// RemoveClusters soft-deletes cluster rows. The caches drop everything
// they hold for the cluster on the REMOVE_CLUSTER update.
func (c *conn) RemoveClusters(ctx context.Context, actor string, names []string) ([]string, update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var rows model.Clusters
	if err := c.tx.WithContext(ctx).
		Where("name IN ? AND deleted = 0", names).Find(&rows).Error; err != nil {
		return nil, nil, mapErr(err)
	}
	if len(rows) == 0 {
		return nil, nil, accterr.ErrEmptyList
	}

	removed := make([]string, 0, len(rows))
	var list update.List
	for i := range rows {
		name := rows[i].Name
		var running int64
		if err := c.tx.WithContext(ctx).Table(model.JobTableName(name)).
			Where("time_start > 0 AND time_end = 0").
			Count(&running).Error; err != nil {
			return nil, nil, mapErr(err)
		}
		if running > 0 {
			return nil, nil, fmt.Errorf("%w: cluster %s has %d running jobs",
				accterr.ErrJobsRunning, name, running)
		}
		if rows[i].FedName != "" {
			sub, ferr := c.RemoveClusterFromFederation(ctx, actor, name, rows[i].FedName)
			if ferr != nil && !errors.Is(ferr, accterr.ErrEmptyList) {
				return nil, nil, ferr
			}
			list = append(list, sub...)
		}
		removed = append(removed, name)
	}

	if err := c.tx.WithContext(ctx).Model(&model.Cluster{}).
		Where("name IN ?", removed).
		Updates(map[string]any{"deleted": 1, "mod_time": now()}).Error; err != nil {
		return nil, nil, mapErr(err)
	}
	if err := c.logTxn(ctx, update.RemoveCluster, strings.Join(removed, ","), actor, "", ""); err != nil {
		return nil, nil, err
	}
	for _, name := range removed {
		list.Append(update.Update{Type: update.RemoveCluster, Cluster: name})
	}
	return removed, list, nil
}

func (c *conn) GetClusters(ctx context.Context, withDeleted bool) (model.Clusters, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	q := c.tx.WithContext(ctx).Model(&model.Cluster{})
	if !withDeleted {
		q = q.Where("deleted = 0")
	}
	res := make(model.Clusters, 0)
	if err := q.Order("name").Find(&res).Error; err != nil {
		return nil, mapErr(err)
	}
	return res, nil
}

// AddClusterToFederation assigns the smallest unused fed id within the
// federation and activates membership. The UPDATE_FEDS update carries
// the complete post-change member list, never a diff.
func (c *conn) AddClusterToFederation(ctx context.Context, actor, cluster, federation string) (update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	members, err := c.fedMembers(ctx, federation)
	if err != nil {
		return nil, err
	}
	used := make([]uint32, 0, len(members))
	for i := range members {
		if members[i].Name == cluster {
			return nil, accterr.ErrNoChange
		}
		used = append(used, members[i].FedID)
	}
	fedID, err := storage.NextFedID(used)
	if err != nil {
		return nil, err
	}

	if err := c.tx.WithContext(ctx).Model(&model.Cluster{}).
		Where("name = ? AND deleted = 0", cluster).
		Updates(map[string]any{
			"federation": federation, "fed_id": fedID,
			"fed_state": model.FedStateActive, "mod_time": now(),
		}).Error; err != nil {
		return nil, mapErr(err)
	}
	if err := c.logTxn(ctx, update.UpdateFeds, cluster, actor, cluster,
		fmt.Sprintf("join federation %s id %d", federation, fedID)); err != nil {
		return nil, err
	}
	return c.fedUpdate(ctx, federation)
}

func (c *conn) RemoveClusterFromFederation(ctx context.Context, actor, cluster, federation string) (update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	res := c.tx.WithContext(ctx).Model(&model.Cluster{}).
		Where("name = ? AND federation = ? AND deleted = 0", cluster, federation).
		Updates(map[string]any{
			"federation": "", "fed_id": 0,
			"fed_state": model.FedStateNone, "mod_time": now(),
		})
	if res.Error != nil {
		return nil, mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, accterr.ErrEmptyList
	}
	if err := c.logTxn(ctx, update.UpdateFeds, cluster, actor, cluster,
		"leave federation "+federation); err != nil {
		return nil, err
	}
	return c.fedUpdate(ctx, federation)
}

func (c *conn) fedMembers(ctx context.Context, federation string) (model.Clusters, error) {
	var members model.Clusters
	if err := c.tx.WithContext(ctx).
		Where("federation = ? AND deleted = 0", federation).
		Order("fed_id").Find(&members).Error; err != nil {
		return nil, mapErr(err)
	}
	return members, nil
}

func (c *conn) fedUpdate(ctx context.Context, federation string) (update.List, error) {
	members, err := c.fedMembers(ctx, federation)
	if err != nil {
		return nil, err
	}
	return update.List{update.Update{Type: update.UpdateFeds, Clusters: members}}, nil
}

// NodeDown opens a down event for the node, closing any prior open one.
func (c *conn) NodeDown(ctx context.Context, cluster, node string, at time.Time, reason string, reasonUID uint32) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	cluster = c.clusterOf(cluster)
	table := model.EventTableName(cluster)
	if err := c.closeOpenEvent(ctx, table, node, at); err != nil {
		return err
	}
	tres, err := c.nodeTres(ctx, cluster)
	if err != nil {
		return err
	}
	row := model.Event{
		TimeStart: uint64(at.Unix()),
		NodeName:  node,
		Reason:    reason,
		ReasonUID: reasonUID,
		State:     eventStateDown,
		Tres:      tres,
	}
	return mapErr(c.tx.WithContext(ctx).Table(table).Create(&row).Error)
}

// NodeUp closes the node's open down event.
func (c *conn) NodeUp(ctx context.Context, cluster, node string, at time.Time) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.closeOpenEvent(ctx, model.EventTableName(c.clusterOf(cluster)), node, at)
}

func (c *conn) closeOpenEvent(ctx context.Context, table, node string, at time.Time) error {
	return mapErr(c.tx.WithContext(ctx).Table(table).
		Where("node_name = ? AND time_end = 0", node).
		Update("time_end", uint64(at.Unix())).Error)
}

// nodeTres is the per-node resource string derived from the cluster's
// registered totals; absent registration it is empty.
func (c *conn) nodeTres(ctx context.Context, cluster string) (string, error) {
	var cl model.Cluster
	err := c.tx.WithContext(ctx).Where("name = ? AND deleted = 0", cluster).Take(&cl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", mapErr(err)
	}
	return cl.TresStr, nil
}

// ClusterTres reconciles a controller registration against the stored
// TRES string. Any transition closes the open cluster-wide event row and
// opens a new one, so the rollup sees capacity changes as explicit
// windows.
func (c *conn) ClusterTres(ctx context.Context, cluster, nodes, tresStr string, at time.Time) (model.ClusterTresChange, update.List, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	cluster = c.clusterOf(cluster)
	table := model.EventTableName(cluster)

	var cl model.Cluster
	err := c.tx.WithContext(ctx).Where("name = ? AND deleted = 0", cluster).Take(&cl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.TresNoChange, nil, fmt.Errorf("cluster %q is not registered", cluster)
	}
	if err != nil {
		return model.TresNoChange, nil, mapErr(err)
	}

	var open model.Event
	err = c.tx.WithContext(ctx).Table(table).
		Where("node_name = '' AND time_end = 0").
		Order("time_start DESC").Take(&open).Error
	hasOpen := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return model.TresNoChange, nil, mapErr(err)
	}

	change := model.TresNoChange
	switch {
	case cl.TresStr == "" && !hasOpen:
		change = model.TresFirstReg
	case cl.TresStr != tresStr:
		change = model.TresChangeDB
	case hasOpen && open.ClusterNodes != nodes:
		change = model.TresNodesChangeDB
	default:
		return model.TresNoChange, nil, nil
	}

	if hasOpen {
		if cerr := c.tx.WithContext(ctx).Table(table).
			Where("node_name = '' AND time_end = 0").
			Update("time_end", uint64(at.Unix())).Error; cerr != nil {
			return model.TresNoChange, nil, mapErr(cerr)
		}
	}
	row := model.Event{
		TimeStart:    uint64(at.Unix()),
		NodeName:     "",
		ClusterNodes: nodes,
		State:        eventStateUp,
		Tres:         tresStr,
	}
	if cerr := c.tx.WithContext(ctx).Table(table).Create(&row).Error; cerr != nil {
		return model.TresNoChange, nil, mapErr(cerr)
	}
	if uerr := c.tx.WithContext(ctx).Model(&model.Cluster{}).
		Where("name = ?", cluster).
		Updates(map[string]any{"tres_str": tresStr, "mod_time": now()}).Error; uerr != nil {
		return model.TresNoChange, nil, mapErr(uerr)
	}

	cl.TresStr = tresStr
	var list update.List
	list.Append(update.Update{Type: update.ModifyTres, Cluster: cluster, Clusters: model.Clusters{cl}})
	return change, list, nil
}

// RegisterCtld records where the cluster's controller answers.
func (c *conn) RegisterCtld(ctx context.Context, cluster string, host string, port uint32) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return mapErr(c.tx.WithContext(ctx).Model(&model.Cluster{}).
		Where("name = ? AND deleted = 0", c.clusterOf(cluster)).
		Updates(map[string]any{
			"control_host": host, "control_port": port,
			"last_port": port, "mod_time": now(),
		}).Error)
}

// FiniCtld clears the controller address on clean shutdown.
func (c *conn) FiniCtld(ctx context.Context, cluster string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return mapErr(c.tx.WithContext(ctx).Model(&model.Cluster{}).
		Where("name = ? AND deleted = 0", c.clusterOf(cluster)).
		Updates(map[string]any{"control_host": "", "control_port": 0, "mod_time": now()}).Error)
}

// FlushJobsOnCluster ends every still-open job record at the given time.
// Used when a controller re-registers after losing state: whatever it
// did not report finished is closed out so usage stops accruing.
func (c *conn) FlushJobsOnCluster(ctx context.Context, cluster string, at time.Time) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	cluster = c.clusterOf(cluster)
	if err := c.tx.WithContext(ctx).Table(model.JobTableName(cluster)).
		Where("time_start > 0 AND time_end = 0").
		Updates(map[string]any{"time_end": uint64(at.Unix()), "mod_time": now()}).Error; err != nil {
		return mapErr(err)
	}
	return mapErr(c.tx.WithContext(ctx).Table(model.EventTableName(cluster)).
		Where("node_name <> '' AND time_end = 0").
		Update("time_end", uint64(at.Unix())).Error)
}
