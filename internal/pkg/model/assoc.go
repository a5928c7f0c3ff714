package model

import "fmt"

// Association represents a row in <cluster>_assoc_table. The physical
// table is cluster-specific; use DB.Table(AssocTableName(cluster)).
//
// user = "" marks an account row. lft/rgt are the nested-set indices for
// the per-cluster tree; a soft-deleted row keeps its id for historical
// joins but has deleted=1 and lft=rgt=0.
type Association struct {
	// Cluster is stamped by the storage layer when reading; the physical
	// table carries it in its name, not as a column.
	Cluster string `gorm:"-" json:"cluster"`

	CreationTime   uint64 `gorm:"column:creation_time" json:"creation_time"`
	ModTime        uint64 `gorm:"column:mod_time" json:"mod_time"`
	Deleted        int8   `gorm:"column:deleted" json:"deleted"`
	Comment        string `gorm:"column:comment" json:"comment"`
	Flags          uint32 `gorm:"column:flags" json:"flags"`
	IsDef          int8   `gorm:"column:is_def" json:"is_def"`
	IDAssoc        uint32 `gorm:"column:id_assoc;primaryKey;autoIncrement" json:"id_assoc"`
	User           string `gorm:"column:user" json:"user"`
	Acct           string `gorm:"column:acct" json:"acct"`
	Partition      string `gorm:"column:partition" json:"partition"`
	ParentAcct     string `gorm:"column:parent_acct" json:"parent_acct"`
	IDParent       uint32 `gorm:"column:id_parent" json:"id_parent"`
	Lineage        string `gorm:"column:lineage" json:"lineage"`
	Lft            int32  `gorm:"column:lft" json:"lft"`
	Rgt            int32  `gorm:"column:rgt" json:"rgt"`
	Shares         int32  `gorm:"column:shares" json:"shares"`
	MaxJobs        int32  `gorm:"column:max_jobs" json:"max_jobs"`
	MaxJobsAccrue  int32  `gorm:"column:max_jobs_accrue" json:"max_jobs_accrue"`
	MinPrioThresh  int32  `gorm:"column:min_prio_thresh" json:"min_prio_thresh"`
	MaxSubmitJobs  int32  `gorm:"column:max_submit_jobs" json:"max_submit_jobs"`
	MaxTresPJ      string `gorm:"column:max_tres_pj" json:"max_tres_pj"`
	MaxTresPN      string `gorm:"column:max_tres_pn" json:"max_tres_pn"`
	MaxTresPU      string `gorm:"column:max_tres_pu" json:"max_tres_pu"`
	MaxTresMinsPJ  string `gorm:"column:max_tres_mins_pj" json:"max_tres_mins_pj"`
	MaxTresRunMins string `gorm:"column:max_tres_run_mins" json:"max_tres_run_mins"`
	MinTresPJ      string `gorm:"column:min_tres_pj" json:"min_tres_pj"`
	MaxWallPJ      int32  `gorm:"column:max_wall_pj" json:"max_wall_pj"`
	GrpJobs        int32  `gorm:"column:grp_jobs" json:"grp_jobs"`
	GrpJobsAccrue  int32  `gorm:"column:grp_jobs_accrue" json:"grp_jobs_accrue"`
	GrpSubmitJobs  int32  `gorm:"column:grp_submit_jobs" json:"grp_submit_jobs"`
	GrpTres        string `gorm:"column:grp_tres" json:"grp_tres"`
	GrpTresMins    string `gorm:"column:grp_tres_mins" json:"grp_tres_mins"`
	GrpTresRunMins string `gorm:"column:grp_tres_run_mins" json:"grp_tres_run_mins"`
	GrpWall        int32  `gorm:"column:grp_wall" json:"grp_wall"`
	Priority       uint32 `gorm:"column:priority" json:"priority"`
	DefQosID       int32  `gorm:"column:def_qos_id" json:"def_qos_id"`
	QOS            string `gorm:"column:qos" json:"qos"`
}

type Associations []Association

// Association flags.
const (
	AssocFlagUsersAreCoords uint32 = 1 << iota // account grants its users coord rights over child accounts
	AssocFlagNoUsersAreCoords
)

// IsAccount reports whether this row is an account node (no user).
func (a *Association) IsAccount() bool { return a.User == "" }

// Cluster-scoped table names. The accounting schema shards the large
// tables per cluster; everything else is global.
func AssocTableName(cluster string) string   { return fmt.Sprintf("%s_assoc_table", cluster) }
func JobTableName(cluster string) string     { return fmt.Sprintf("%s_job_table", cluster) }
func EventTableName(cluster string) string   { return fmt.Sprintf("%s_event_table", cluster) }
func WCKeyTableName(cluster string) string   { return fmt.Sprintf("%s_wckey_table", cluster) }
func LastRanTableName(cluster string) string { return fmt.Sprintf("%s_last_ran_table", cluster) }

// Usage rollup destination tables, one triple per sharded domain.
func AssocUsageTableName(cluster, period string) string {
	return fmt.Sprintf("%s_assoc_usage_%s_table", cluster, period)
}
func ClusterUsageTableName(cluster, period string) string {
	return fmt.Sprintf("%s_usage_%s_table", cluster, period)
}
func WCKeyUsageTableName(cluster, period string) string {
	return fmt.Sprintf("%s_wckey_usage_%s_table", cluster, period)
}
