package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage"
)

// GetUsage reads association usage rows for one period. The inner join
// against tres_table deliberately skips the deleted filter: retired
// resource kinds keep their historical rows visible.
func (c *conn) GetUsage(ctx context.Context, cluster, period string, idAssoc uint32, start, end time.Time) (model.AssocUsages, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	cluster = c.clusterOf(cluster)
	table := model.AssocUsageTableName(cluster, period)
	q := c.tx.WithContext(ctx).Table(table+" AS u").
		Joins("INNER JOIN tres_table AS t ON t.id = u.id_tres").
		Where("u.deleted = 0 AND u.time_start >= ? AND u.time_start < ?",
			uint64(start.Unix()), uint64(end.Unix()))
	if idAssoc != 0 {
		q = q.Where("u.id = ?", idAssoc)
	}
	res := make(model.AssocUsages, 0)
	if err := q.Order("u.time_start, u.id, u.id_tres").
		Select("u.*").Find(&res).Error; err != nil {
		return nil, mapErr(err)
	}
	return res, nil
}

func (c *conn) GetClusterUsage(ctx context.Context, cluster, period string, start, end time.Time) (model.ClusterUsages, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	table := model.ClusterUsageTableName(c.clusterOf(cluster), period)
	res := make(model.ClusterUsages, 0)
	err := c.tx.WithContext(ctx).Table(table+" AS u").
		Joins("INNER JOIN tres_table AS t ON t.id = u.id_tres").
		Where("u.deleted = 0 AND u.time_start >= ? AND u.time_start < ?",
			uint64(start.Unix()), uint64(end.Unix())).
		Order("u.time_start, u.id_tres").
		Select("u.*").Find(&res).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return res, nil
}

// GetJobsInRange returns job rows whose runtime intersects [start, end):
// started before the window closes and either still running or ended
// after it opens.
func (c *conn) GetJobsInRange(ctx context.Context, cluster string, start, end time.Time) (model.Jobs, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	res := make(model.Jobs, 0)
	err := c.tx.WithContext(ctx).Table(model.JobTableName(c.clusterOf(cluster))).
		Where("deleted = 0 AND time_start > 0 AND time_start < ? AND (time_end = 0 OR time_end > ?)",
			uint64(end.Unix()), uint64(start.Unix())).
		Order("time_start, job_db_inx").Find(&res).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return res, nil
}

func (c *conn) GetEventsInRange(ctx context.Context, cluster string, start, end time.Time) (model.Events, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	res := make(model.Events, 0)
	err := c.tx.WithContext(ctx).Table(model.EventTableName(c.clusterOf(cluster))).
		Where("time_start < ? AND (time_end = 0 OR time_end > ?)",
			uint64(end.Unix()), uint64(start.Unix())).
		Order("time_start").Find(&res).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return res, nil
}

func (c *conn) GetLastRan(ctx context.Context, cluster string) (model.LastRan, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var lr model.LastRan
	err := c.tx.WithContext(ctx).
		Table(model.LastRanTableName(c.clusterOf(cluster))).Take(&lr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.LastRan{}, nil
	}
	return lr, mapErr(err)
}

func (c *conn) SetLastRan(ctx context.Context, cluster string, lr model.LastRan) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	table := model.LastRanTableName(c.clusterOf(cluster))
	var n int64
	if err := c.tx.WithContext(ctx).Table(table).Count(&n).Error; err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return mapErr(c.tx.WithContext(ctx).Table(table).Create(&lr).Error)
	}
	return mapErr(c.tx.WithContext(ctx).Table(table).
		Where("1 = 1").
		Updates(map[string]any{
			"hourly_rollup":  lr.HourlyRollup,
			"daily_rollup":   lr.DailyRollup,
			"monthly_rollup": lr.MonthlyRollup,
		}).Error)
}

func usageConflict() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}, {Name: "id_tres"}, {Name: "time_start"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"mod_time", "deleted", "alloc_secs",
		}),
	}
}

func (c *conn) UpsertAssocUsage(ctx context.Context, cluster, period string, rows model.AssocUsages) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if len(rows) == 0 {
		return nil
	}
	table := model.AssocUsageTableName(c.clusterOf(cluster), period)
	return mapErr(c.tx.WithContext(ctx).Table(table).
		Clauses(usageConflict()).Create(&rows).Error)
}

func (c *conn) UpsertClusterUsage(ctx context.Context, cluster, period string, rows model.ClusterUsages) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if len(rows) == 0 {
		return nil
	}
	table := model.ClusterUsageTableName(c.clusterOf(cluster), period)
	return mapErr(c.tx.WithContext(ctx).Table(table).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id_tres"}, {Name: "time_start"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"mod_time", "deleted", "count", "alloc_secs",
				"down_secs", "pdown_secs", "idle_secs", "resv_secs", "over_secs",
			}),
		}).Create(&rows).Error)
}

func (c *conn) UpsertWCKeyUsage(ctx context.Context, cluster, period string, rows model.WCKeyUsages) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if len(rows) == 0 {
		return nil
	}
	table := model.WCKeyUsageTableName(c.clusterOf(cluster), period)
	return mapErr(c.tx.WithContext(ctx).Table(table).
		Clauses(usageConflict()).Create(&rows).Error)
}

// EarliestEventTime seeds the rollup watermarks on a fresh cluster.
func (c *conn) EarliestEventTime(ctx context.Context, cluster string) (time.Time, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var earliest uint64
	err := c.tx.WithContext(ctx).Table(model.EventTableName(c.clusterOf(cluster))).
		Select("COALESCE(MIN(time_start), 0)").Scan(&earliest).Error
	if err != nil {
		return time.Time{}, mapErr(err)
	}
	if earliest == 0 {
		return time.Time{}, nil
	}
	return time.Unix(int64(earliest), 0), nil
}

// Archive writes job and event rows older than the purge horizons to
// JSON-lines files and deletes them from the live tables. The file
// lands before the delete, so a failed run leaves data in place.
func (c *conn) Archive(ctx context.Context, cond *storage.ArchiveCond) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	cluster := c.clusterOf(cond.Cluster)
	if cond.Directory == "" {
		return fmt.Errorf("archive: no directory configured")
	}
	if err := os.MkdirAll(cond.Directory, 0o755); err != nil {
		return err
	}

	if cond.PurgeJobsBefore > 0 {
		var jobs model.Jobs
		if err := c.tx.WithContext(ctx).Table(model.JobTableName(cluster)).
			Where("time_end > 0 AND time_end < ?", uint64(cond.PurgeJobsBefore)).
			Order("job_db_inx").Find(&jobs).Error; err != nil {
			return mapErr(err)
		}
		if len(jobs) > 0 {
			name := fmt.Sprintf("%s_job_archive_%d", cluster, cond.PurgeJobsBefore)
			if err := writeArchiveFile(filepath.Join(cond.Directory, name), jobs); err != nil {
				return err
			}
			if err := c.tx.WithContext(ctx).Table(model.JobTableName(cluster)).
				Where("time_end > 0 AND time_end < ?", uint64(cond.PurgeJobsBefore)).
				Delete(&model.Job{}).Error; err != nil {
				return mapErr(err)
			}
		}
	}
	if cond.PurgeEventsBefore > 0 {
		var events model.Events
		if err := c.tx.WithContext(ctx).Table(model.EventTableName(cluster)).
			Where("time_end > 0 AND time_end < ?", uint64(cond.PurgeEventsBefore)).
			Order("time_start").Find(&events).Error; err != nil {
			return mapErr(err)
		}
		if len(events) > 0 {
			name := fmt.Sprintf("%s_event_archive_%d", cluster, cond.PurgeEventsBefore)
			if err := writeArchiveFile(filepath.Join(cond.Directory, name), events); err != nil {
				return err
			}
			if err := c.tx.WithContext(ctx).Table(model.EventTableName(cluster)).
				Where("time_end > 0 AND time_end < ?", uint64(cond.PurgeEventsBefore)).
				Delete(&model.Event{}).Error; err != nil {
				return mapErr(err)
			}
		}
	}
	return nil
}

func writeArchiveFile[T any](path string, rows []T) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for i := range rows {
		if err := enc.Encode(rows[i]); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
