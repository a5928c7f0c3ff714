package storage

import "sacctd/internal/pkg/model"

// Filter conditions for the get/modify/remove calls. Empty slices mean
// "no constraint on this attribute".

type TresCond struct {
	IDs         []uint32
	Types       []string
	WithDeleted bool
}

type AssocCond struct {
	Cluster     string
	Accts       []string
	Users       []string
	Partitions  []string
	IDs         []uint32
	ParentAcct  string
	OnlyDefs    bool
	WithDeleted bool
	WithUsage   bool
	// OneChangeOnly makes modify fail with accterr.ErrOneChangeOnly when
	// the condition matches more than one row.
	OneChangeOnly bool
}

// AssocChange is the typed change set for ModifyAssocs. Nil pointers
// leave the column untouched. TRES-valued limits arrive as typed updates;
// string-level +/- parsing happens at the API edge.
type AssocChange struct {
	ParentAcct    *string
	Shares        *int32
	MaxJobs       *int32
	MaxJobsAccrue *int32
	MaxSubmitJobs *int32
	MaxWallPJ     *int32
	GrpJobs       *int32
	GrpJobsAccrue *int32
	GrpSubmitJobs *int32
	GrpWall       *int32
	Priority      *uint32
	DefQosID      *int32
	QOS           *string
	IsDef         *bool
	Flags         *uint32
	Comment       *string

	GrpTres        *model.TresUpdate
	GrpTresMins    *model.TresUpdate
	GrpTresRunMins *model.TresUpdate
	MaxTresPJ      *model.TresUpdate
	MaxTresPN      *model.TresUpdate
	MaxTresPU      *model.TresUpdate
	MaxTresMinsPJ  *model.TresUpdate
	MaxTresRunMins *model.TresUpdate
	MinTresPJ      *model.TresUpdate
}

type QosCond struct {
	Names       []string
	IDs         []int32
	WithDeleted bool
}

// QosChange mirrors AssocChange for qos_table. Preempt carries the new
// edge set as typed ops against the stored id list.
type QosChange struct {
	Description       *string
	Flags             *uint32
	GraceTime         *uint32
	Priority          *uint32
	UsageFactor       *float64
	UsageThres        *float64
	PreemptMode       *int32
	PreemptExemptTime *uint32

	GrpJobs         *int32
	GrpSubmitJobs   *int32
	GrpWall         *int32
	MaxJobsPU       *int32
	MaxSubmitJobsPU *int32
	MaxJobsPA       *int32
	MaxSubmitJobsPA *int32
	MaxWallPJ       *int32

	GrpTres   *model.TresUpdate
	MaxTresPJ *model.TresUpdate
	MaxTresPN *model.TresUpdate
	MaxTresPU *model.TresUpdate
	MaxTresPA *model.TresUpdate
	MinTresPJ *model.TresUpdate

	// Preempt ops: Set replaces, Add unions, Remove subtracts.
	Preempt *PreemptChange
}

type PreemptChange struct {
	Op  model.TresUpdateOp
	IDs []int32
}

type UserCond struct {
	Names       []string
	AdminLevel  *model.AdminLevel
	WithDeleted bool
	WithCoords  bool
}

type UserChange struct {
	AdminLevel   *model.AdminLevel
	DefaultAcct  *string
	DefaultWCKey *string
}

type AcctChange struct {
	Description  *string
	Organization *string
}

type WCKeyCond struct {
	Names       []string
	Users       []string
	WithDeleted bool
}

// ArchiveCond bounds what the archive operation writes out and purges.
type ArchiveCond struct {
	Cluster           string
	PurgeJobsBefore   int64
	PurgeEventsBefore int64
	Directory         string
}
