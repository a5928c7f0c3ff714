package model

// Jobs is a slice of Job rows.
type Jobs []Job

// Job represents the subset of <cluster>_job_table the accounting core
// reads: association binding for liveness checks and the time/allocation
// columns the usage rollup aggregates over.
type Job struct {
	JobDBInx      uint64 `gorm:"column:job_db_inx;primaryKey;autoIncrement" json:"job_db_inx"`
	ModTime       uint64 `gorm:"column:mod_time" json:"mod_time"`
	Deleted       int8   `gorm:"column:deleted" json:"deleted"`
	Account       string `gorm:"column:account" json:"account"`
	CPUsReq       uint32 `gorm:"column:cpus_req" json:"cpus_req"`
	JobName       string `gorm:"column:job_name" json:"job_name"`
	IDAssoc       uint32 `gorm:"column:id_assoc" json:"id_assoc"`
	IDJob         uint32 `gorm:"column:id_job" json:"id_job"`
	IDQOS         uint32 `gorm:"column:id_qos" json:"id_qos"`
	IDWCKey       uint32 `gorm:"column:id_wckey" json:"id_wckey"`
	IDUser        uint32 `gorm:"column:id_user" json:"id_user"`
	IDGroup       uint32 `gorm:"column:id_group" json:"id_group"`
	KillRequid    uint32 `gorm:"column:kill_requid" json:"kill_requid"`
	MemReq        uint64 `gorm:"column:mem_req" json:"mem_req"`
	Nodelist      string `gorm:"column:nodelist" json:"nodelist"`
	NodesAlloc    uint32 `gorm:"column:nodes_alloc" json:"nodes_alloc"`
	Partition     string `gorm:"column:partition" json:"partition"`
	Priority      uint32 `gorm:"column:priority" json:"priority"`
	State         uint32 `gorm:"column:state" json:"state"`
	TimeLimit     uint32 `gorm:"column:timelimit" json:"timelimit"`
	TimeSubmit    uint64 `gorm:"column:time_submit" json:"time_submit"`
	TimeEligible  uint64 `gorm:"column:time_eligible" json:"time_eligible"`
	TimeStart     uint64 `gorm:"column:time_start" json:"time_start"`
	TimeEnd       uint64 `gorm:"column:time_end" json:"time_end"`
	TimeSuspended uint64 `gorm:"column:time_suspended" json:"time_suspended"`
	WCKey         string `gorm:"column:wckey" json:"wckey"`
	TresAlloc     string `gorm:"column:tres_alloc" json:"tres_alloc"`
	TresReq       string `gorm:"column:tres_req" json:"tres_req"`
}
